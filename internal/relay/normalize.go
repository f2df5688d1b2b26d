package relay

import (
	"time"

	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/provider"
)

// Normalize maps a backend-native event into the session-facing
// TranscriptEvent. Speaker mapping is a pure function applied here at the
// boundary: native labels with no configured identity pass through
// unchanged. Sequence numbers are assigned by the relay so the ordering
// invariant holds regardless of backend quirks.
func Normalize(sessionID string, seq uint64, evt provider.Event, speakerMap map[string]string, now time.Time) protocol.TranscriptEvent {
	return protocol.TranscriptEvent{
		SessionID:    sessionID,
		Sequence:     seq,
		Text:         evt.Text,
		Final:        evt.Final,
		SpeakerLabel: MapSpeaker(evt.Speaker, speakerMap),
		Confidence:   evt.Confidence,
		Timestamp:    now,
	}
}

// MapSpeaker resolves a provider-native speaker label to a chart-derived
// identity. Unknown labels pass through unchanged.
func MapSpeaker(native string, speakerMap map[string]string) string {
	if native == "" {
		return ""
	}
	if identity, ok := speakerMap[native]; ok {
		return identity
	}
	return native
}
