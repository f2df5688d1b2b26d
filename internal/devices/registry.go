// Package devices tracks the capture endpoints feeding the runtime. Each
// microphone announces itself on connect and heartbeats over the bus;
// devices that go quiet past the timeout are marked unhealthy, not removed,
// so a returning device keeps its history.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// DeviceInfo is the registry's view of one capture endpoint.
type DeviceInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type announceMessage struct {
	DeviceID   string    `json:"device_id"`
	Kind       string    `json:"kind"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry maintains device liveness from bus announcements.
type Registry struct {
	cfg    config.DevicesConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu      sync.RWMutex
	devices map[string]*DeviceInfo

	meter       metric.Meter
	deviceGauge metric.Int64ObservableGauge
	clock       func() time.Time
}

func NewRegistry(parent context.Context, cfg config.DevicesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "device-registry")),
		bus:     busClient,
		cancel:  cancel,
		devices: make(map[string]*DeviceInfo),
		meter:   otel.Meter("scribe.devices"),
		clock:   time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvaluateHealth(r.clock())
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.update(announcement.DeviceID, announcement.Kind, announcement.SampleRate, announcement.Channels, announcement.Timestamp)
	r.log.Info("device announced",
		slog.String("device_id", announcement.DeviceID),
		slog.String("kind", announcement.Kind))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb.DeviceID, "", 0, 0, hb.Timestamp)
}

func (r *Registry) update(deviceID, kind string, sampleRate, channels int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		device = &DeviceInfo{ID: deviceID}
		r.devices[deviceID] = device
	}
	if kind != "" {
		device.Kind = kind
	}
	if sampleRate > 0 {
		device.SampleRate = sampleRate
	}
	if channels > 0 {
		device.Channels = channels
	}
	device.LastSeen = timestamp
	device.Healthy = true
}

// EvaluateHealth marks devices unhealthy once the heartbeat timeout has
// elapsed. Exposed for tests; the monitor loop calls it every second.
func (r *Registry) EvaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, device := range r.devices {
		if now.Sub(device.LastSeen) > timeout {
			device.Healthy = false
		}
	}
}

// Query returns devices matching the filter; a nil filter returns all.
func (r *Registry) Query(filter func(DeviceInfo) bool) []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []DeviceInfo
	for _, device := range r.devices {
		snapshot := *device
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	return results
}

// Healthy reports whether at least one capture device is live.
func (r *Registry) Healthy() bool {
	return len(r.Query(OnlyHealthy())) > 0
}

// OnlyHealthy is a Query filter selecting live devices.
func OnlyHealthy() func(DeviceInfo) bool {
	return func(device DeviceInfo) bool {
		return device.Healthy
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("scribe.devices.known",
		metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("scribe.devices.healthy",
		metric.WithDescription("Number of healthy capture devices"))
	if err != nil {
		return err
	}
	r.deviceGauge = gauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		known, healthy := r.snapshotCounts()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, device := range r.devices {
		known++
		if device.Healthy {
			healthy++
		}
	}
	return known, healthy
}
