package session

import (
	"strings"
	"time"
)

// Session states. Locked is a side state reachable from any active state;
// it returns only to idle on a successful unlock. WakeListening is owned
// by the segmenter's wake gate: it announces the transition when the wake
// phrase opens the post-wake window and the return to idle on expiry.
const (
	StateIdle             = "idle"
	StateWakeListening    = "wake_listening"
	StateDocumenting      = "documenting"
	StateLiveTranscribing = "live_transcribing"
	StateDictating        = "dictating"
	StateAmbient          = "ambient"
	StateLocked           = "locked"
)

// activeState reports whether a session currently holds an open note.
func activeState(state string) bool {
	switch state {
	case StateDocumenting, StateLiveTranscribing, StateDictating, StateAmbient:
		return true
	default:
		return false
	}
}

// session is the per-session unit of state. All mutation goes through the
// Manager under its lock; there is exactly one writer per session.
type session struct {
	id         string
	state      string
	doc        *Document
	patientRef string

	dictTarget string
	dictBuffer []string

	lastActivity time.Time
}

func (s *session) touch(now time.Time) {
	s.lastActivity = now
}

func (s *session) discardDictation() {
	s.dictTarget = ""
	s.dictBuffer = nil
}

func (s *session) pendingDictation() string {
	return strings.TrimSpace(strings.Join(s.dictBuffer, " "))
}
