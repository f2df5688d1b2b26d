package devices

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/testutil"
)

func devicesConfig() config.DevicesConfig {
	return config.DevicesConfig{HeartbeatInterval: 2000, HeartbeatTimeout: 6000}
}

func TestAnnounceAndHeartbeat(t *testing.T) {
	busClient := testutil.StartBus(t)
	registry, err := NewRegistry(context.Background(), devicesConfig(), busClient, testutil.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	announce, _ := json.Marshal(map[string]any{
		"device_id":   "mic-01",
		"kind":        "exec",
		"sample_rate": 16000,
		"channels":    1,
	})
	if err := busClient.Conn().Publish(protocol.SubjectDeviceAnnounce, announce); err != nil {
		t.Fatalf("publish announce: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		found := registry.Query(func(d DeviceInfo) bool { return d.ID == "mic-01" })
		if len(found) == 1 {
			if found[0].Kind != "exec" || found[0].SampleRate != 16000 {
				t.Fatalf("unexpected device info: %+v", found[0])
			}
			if !found[0].Healthy {
				t.Fatal("freshly announced device must be healthy")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("announce never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStaleDevicesMarkedUnhealthy(t *testing.T) {
	busClient := testutil.StartBus(t)
	registry, err := NewRegistry(context.Background(), devicesConfig(), busClient, testutil.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	seen := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	registry.clock = func() time.Time { return seen }
	registry.update("mic-01", "exec", 16000, 1, seen)

	registry.EvaluateHealth(seen.Add(3 * time.Second))
	if healthy := registry.Query(OnlyHealthy()); len(healthy) != 1 {
		t.Fatalf("device within timeout must stay healthy: %v", healthy)
	}
	if !registry.Healthy() {
		t.Fatal("registry with a live device must report healthy")
	}

	registry.EvaluateHealth(seen.Add(10 * time.Second))
	if healthy := registry.Query(OnlyHealthy()); len(healthy) != 0 {
		t.Fatalf("stale device must be unhealthy: %v", healthy)
	}
	if registry.Healthy() {
		t.Fatal("registry with only stale devices must report unhealthy")
	}
	// Stale devices are kept, not dropped.
	if all := registry.Query(nil); len(all) != 1 {
		t.Fatalf("stale device must remain known: %v", all)
	}
}
