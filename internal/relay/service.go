package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/provider"
)

type openBackendFunc func(ctx context.Context, name string, cfg config.ProviderConfig, sessionID string, sampleRate, channels int) (provider.Backend, error)

// Service proxies audio streams to the configured speech backend and relays
// normalized transcript events back to the client and onto the bus.
type Service struct {
	cfg    config.RelayConfig
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session

	// openBackend is swapped out in tests.
	openBackend openBackendFunc

	framesFed        metric.Int64Counter
	transcriptsFinal metric.Int64Counter
	transcriptsPart  metric.Int64Counter
}

func NewService(parent context.Context, cfg config.RelayConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:         cfg,
		bus:         busClient,
		logger:      logger.With(slog.String("component", "relay")),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
		openBackend: provider.Open,
	}

	meter := otel.Meter("scribe.relay")
	s.framesFed, _ = meter.Int64Counter("scribe.relay.frames_fed")
	s.transcriptsFinal, _ = meter.Int64Counter("scribe.relay.transcripts_final")
	s.transcriptsPart, _ = meter.Int64Counter("scribe.relay.transcripts_partial")

	s.wg.Add(1)
	go s.reapIdle()
	return s
}

func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
		sess.wg.Wait()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s != nil && s.bus.Healthy()
}

// OpenRelay establishes an upstream connection for a session. If the
// preferred backend fails at open time, the alternate backend is tried once
// before the whole open fails.
func (s *Service) OpenRelay(ctx context.Context, sessionID, providerName string, sampleRate, channels int, sink Sink) (*Session, error) {
	if providerName == "" {
		providerName = s.cfg.Provider
	}
	pcfg, ok := s.cfg.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("no configuration for provider %q", providerName)
	}

	octx, cancel := context.WithTimeout(ctx, s.openTimeout())
	defer cancel()

	backend, err := s.openBackend(octx, providerName, pcfg, sessionID, sampleRate, channels)
	if err != nil {
		alt := provider.Alternate(providerName)
		altCfg, ok := s.cfg.Providers[alt]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", providerName, err)
		}
		s.logger.Warn("preferred backend failed at open, trying alternate",
			slog.String("preferred", providerName),
			slog.String("alternate", alt),
			slog.String("error", err.Error()))
		backend, err = s.openBackend(octx, alt, altCfg, sessionID, sampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("%w: both backends failed at open", ErrTranscriptionUnavailable)
		}
		providerName = alt
	}

	sctx, stop := context.WithCancel(s.ctx)
	sess := &Session{
		ID:         sessionID,
		Provider:   providerName,
		svc:        s,
		logger:     s.logger,
		sampleRate: sampleRate,
		channels:   channels,
		feed:       make(chan protocol.AudioFrame, s.cfg.QueueDepth),
		ctx:        sctx,
		stop:       stop,
		backend:    backend,
		sink:       sink,
		lastSeen:   time.Now(),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	sess.wg.Add(2)
	go sess.pumpLoop()
	go sess.eventLoop()

	s.logger.Info("relay opened",
		slog.String("session_id", sessionID),
		slog.String("provider", providerName))
	return sess, nil
}

// Feed forwards a frame to the session's upstream pump. Unknown sessions
// are ignored; the frame belongs to a session that already ended.
func (s *Service) Feed(sessionID string, frame protocol.AudioFrame) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Feed(frame)
	s.framesFed.Add(s.ctx, 1)
}

// Lookup returns the live session, if any.
func (s *Service) Lookup(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// CloseSession tears down the relay for a session.
func (s *Service) CloseSession(sessionID string) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.shutdown()
	sess.wg.Wait()
	s.logger.Info("relay closed", slog.String("session_id", sessionID))
}

func (s *Service) removeSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Service) openTimeout() time.Duration {
	if s.cfg.OpenTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.cfg.OpenTimeoutMS) * time.Millisecond
}

func (s *Service) countTranscript(final bool) {
	if final {
		s.transcriptsFinal.Add(s.ctx, 1)
	} else {
		s.transcriptsPart.Add(s.ctx, 1)
	}
}

// reapIdle closes sessions that have had no frames and no attached client
// for the idle window. A merely disconnected client keeps its session.
func (s *Service) reapIdle() {
	defer s.wg.Done()
	idle := time.Duration(s.cfg.IdleTimeoutSec) * time.Second
	if idle <= 0 {
		idle = 30 * time.Second
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idle)
			s.mu.Lock()
			var stale []*Session
			for id, sess := range s.sessions {
				sess.mu.Lock()
				abandoned := sess.sink == nil && sess.lastSeen.Before(cutoff)
				sess.mu.Unlock()
				if abandoned {
					stale = append(stale, sess)
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				s.logger.Info("reaping abandoned relay session", slog.String("session_id", sess.ID))
				sess.shutdown()
			}
		}
	}
}

// HandleStream is the WebSocket endpoint capture clients dial. The first
// client message must be a hello; the relay answers with the session
// identity it owns, then consumes audio frames until the link drops or the
// final frame arrives.
func (s *Service) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stream accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "expected hello")
		return
	}
	var hello protocol.StreamHello
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad hello")
		return
	}

	var writeMu sync.Mutex
	sink := Sink(func(msg protocol.StreamServerMessage) {
		payload, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		_ = conn.Write(wctx, websocket.MessageText, payload)
	})

	var sess *Session
	if hello.ResumeSessionID != "" {
		sess = s.Lookup(hello.ResumeSessionID)
		if sess != nil {
			sess.AttachSink(sink)
			s.logger.Info("capture client resumed session",
				slog.String("session_id", sess.ID),
				slog.String("device_id", hello.DeviceID))
		}
	}
	if sess == nil {
		sessionID := uuid.NewString()
		sess, err = s.OpenRelay(ctx, sessionID, hello.ProviderHint, hello.SampleRate, hello.Channels, sink)
		if err != nil {
			s.logger.Error("relay open failed", slog.String("error", err.Error()))
			reply, _ := json.Marshal(protocol.StreamServerMessage{
				Type:  protocol.StreamMsgError,
				Error: err.Error(),
			})
			_ = conn.Write(ctx, websocket.MessageText, reply)
			conn.Close(websocket.StatusInternalError, "relay open failed")
			return
		}
	}

	sink(protocol.StreamServerMessage{
		Type:    protocol.StreamMsgWelcome,
		Welcome: &protocol.StreamWelcome{SessionID: sess.ID, Provider: sess.Provider},
	})

	s.announceDevice(hello)

	fbSub := s.forwardFeedback(sess)
	defer func() {
		if fbSub != nil {
			_ = fbSub.Unsubscribe()
		}
	}()

	var frames uint64
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Link dropped; keep the session alive for resume.
			sess.AttachSink(nil)
			s.logger.Info("capture link dropped",
				slog.String("session_id", sess.ID))
			return
		}
		var frame protocol.AudioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			continue
		}
		frame.SessionID = sess.ID
		s.Feed(sess.ID, frame)
		frames++
		if frames%100 == 0 {
			s.heartbeatDevice(hello.DeviceID)
		}
		if frame.Final {
			s.CloseSession(sess.ID)
			conn.Close(websocket.StatusNormalClosure, "session complete")
			return
		}
	}
}

// announceDevice registers the capture endpoint behind this stream with
// the device registry.
func (s *Service) announceDevice(hello protocol.StreamHello) {
	if hello.DeviceID == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"device_id":   hello.DeviceID,
		"kind":        "capture",
		"sample_rate": hello.SampleRate,
		"channels":    hello.Channels,
		"timestamp":   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectDeviceAnnounce, payload); err != nil {
		s.logger.Warn("device announce failed", slog.String("error", err.Error()))
	}
}

func (s *Service) heartbeatDevice(deviceID string) {
	if deviceID == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"device_id": deviceID,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	subject := protocol.SubjectDeviceHeartbeat + "." + deviceID
	if err := s.bus.Conn().Publish(subject, payload); err != nil {
		s.logger.Warn("device heartbeat failed", slog.String("error", err.Error()))
	}
}

// forwardFeedback mirrors per-session action feedback down the client link
// for spoken confirmation at the edge.
func (s *Service) forwardFeedback(sess *Session) *nats.Subscription {
	subject := protocol.SubjectFeedback + "." + sess.ID
	sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var fb protocol.Feedback
		if err := json.Unmarshal(msg.Data, &fb); err != nil {
			return
		}
		sess.deliver(protocol.StreamServerMessage{
			Type:     protocol.StreamMsgFeedback,
			Feedback: &fb,
		})
	})
	if err != nil {
		s.logger.Warn("feedback subscription failed", slog.String("error", err.Error()))
		return nil
	}
	return sub
}
