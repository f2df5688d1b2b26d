package provider

import (
	"context"
	"fmt"

	"github.com/openscribe/scribe-core/internal/config"
)

// Names of the two interchangeable speech backends. Which one a session
// uses is configuration, never hardcoded at call sites.
const (
	NameAlpha = "alpha"
	NameBravo = "bravo"
)

// Event is a backend-native transcript event before normalization. Each
// adapter maps its own wire shape into this struct; the relay maps it into
// the session-facing TranscriptEvent.
type Event struct {
	Text       string
	Final      bool
	Speaker    string
	Confidence float64
}

// Backend is a live upstream recognition stream for one session.
type Backend interface {
	// SendAudio forwards one frame of PCM upstream.
	SendAudio(ctx context.Context, pcm []byte) error
	// Events delivers native transcript events. The channel closes when the
	// upstream connection ends, normally or otherwise.
	Events() <-chan Event
	Close() error
}

// Open dials the named backend for a session. Callers handle failover and
// reconnect policy; this function makes exactly one attempt.
func Open(ctx context.Context, name string, cfg config.ProviderConfig, sessionID string, sampleRate, channels int) (Backend, error) {
	switch name {
	case NameAlpha:
		return openAlpha(ctx, cfg, sessionID, sampleRate, channels)
	case NameBravo:
		return openBravo(ctx, cfg, sessionID, sampleRate, channels)
	default:
		return nil, fmt.Errorf("unknown speech provider %q", name)
	}
}

// Alternate returns the other backend of the pair.
func Alternate(name string) string {
	if name == NameAlpha {
		return NameBravo
	}
	return NameAlpha
}
