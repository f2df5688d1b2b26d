package capture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

func frame(seq uint64) protocol.AudioFrame {
	return protocol.AudioFrame{SessionID: "s1", Sequence: seq, SampleRate: 16000, Channels: 1}
}

func TestQueueDropsOldestAtCapacity(t *testing.T) {
	q := NewFrameQueue(100) // 2s of 20ms frames

	for seq := uint64(1); seq <= 100; seq++ {
		if q.Push(frame(seq)) {
			t.Fatalf("unexpected eviction at sequence %d", seq)
		}
	}
	// Network stalled for another ~1s of capture.
	for seq := uint64(101); seq <= 150; seq++ {
		if !q.Push(frame(seq)) {
			t.Fatalf("expected eviction at sequence %d", seq)
		}
	}

	if q.Len() != 100 {
		t.Fatalf("expected queue at capacity, got %d", q.Len())
	}
	if q.Dropped() != 50 {
		t.Fatalf("expected 50 dropped frames, got %d", q.Dropped())
	}

	first, ok := q.Pop()
	if !ok {
		t.Fatal("expected a frame")
	}
	// Oldest ~1s was dropped; the receiver sees a sequence gap.
	if first.Sequence != 51 {
		t.Fatalf("expected queue head at sequence 51, got %d", first.Sequence)
	}
	last := first
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		if f.Sequence != last.Sequence+1 {
			t.Fatalf("non-contiguous surviving frames: %d after %d", f.Sequence, last.Sequence)
		}
		last = f
	}
	if last.Sequence != 150 {
		t.Fatalf("expected newest frame retained, got %d", last.Sequence)
	}
}

func TestQueuePopEmpty(t *testing.T) {
	q := NewFrameQueue(4)
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
	q.Push(frame(1))
	if _, ok := q.Pop(); !ok {
		t.Fatal("expected frame after push")
	}
}

func TestFileSourceFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audio.raw")
	pcm := make([]byte, 640*3) // three 20ms frames at 16kHz mono
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	src, err := NewSource(config.CaptureConfig{Mode: "file", InputPath: path})
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	buf := make([]byte, 640)
	for i := 0; i < 3; i++ {
		n, err := src.ReadFrame(buf)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if n != 640 {
			t.Fatalf("short frame: %d", n)
		}
	}
	if _, err := src.ReadFrame(buf); err == nil {
		t.Fatal("expected EOF after input drained")
	}
}

func TestFileSourceMissingDevice(t *testing.T) {
	_, err := NewSource(config.CaptureConfig{Mode: "file", InputPath: "/does/not/exist.raw"})
	if err == nil {
		t.Fatal("expected device unavailable error")
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}
