package provider

import (
	"context"
	"errors"
	"sync"
)

// MockBackend is a scripted backend for tests. Audio is recorded, and
// queued events are released one per Emit call.
type MockBackend struct {
	mu     sync.Mutex
	audio  [][]byte
	events chan Event
	closed bool

	// FailSend forces SendAudio to error, simulating a dropped upstream.
	FailSend bool
}

func NewMockBackend() *MockBackend {
	return &MockBackend{events: make(chan Event, 64)}
}

func (m *MockBackend) SendAudio(_ context.Context, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock backend closed")
	}
	if m.FailSend {
		return errors.New("mock backend send failure")
	}
	cp := append([]byte(nil), pcm...)
	m.audio = append(m.audio, cp)
	return nil
}

func (m *MockBackend) Events() <-chan Event {
	return m.events
}

// Emit pushes a native event downstream as if the recognizer produced it.
func (m *MockBackend) Emit(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- evt
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// AudioFrames returns the PCM frames received so far.
func (m *MockBackend) AudioFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.audio))
	copy(out, m.audio)
	return out
}
