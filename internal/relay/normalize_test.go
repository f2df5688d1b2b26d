package relay

import (
	"testing"
	"time"

	"github.com/openscribe/scribe-core/internal/provider"
)

func TestMapSpeaker(t *testing.T) {
	speakers := map[string]string{"0": "clinician", "1": "patient"}

	if got := MapSpeaker("0", speakers); got != "clinician" {
		t.Fatalf("expected clinician, got %q", got)
	}
	if got := MapSpeaker("1", speakers); got != "patient" {
		t.Fatalf("expected patient, got %q", got)
	}
	// Unknown identities pass through unchanged.
	if got := MapSpeaker("7", speakers); got != "7" {
		t.Fatalf("expected pass-through, got %q", got)
	}
	if got := MapSpeaker("", speakers); got != "" {
		t.Fatalf("expected empty label to stay empty, got %q", got)
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	evt := provider.Event{
		Text:       "patient denies fever",
		Final:      true,
		Speaker:    "1",
		Confidence: 0.93,
	}
	te := Normalize("sess-1", 42, evt, map[string]string{"1": "patient"}, now)

	if te.SessionID != "sess-1" || te.Sequence != 42 {
		t.Fatalf("unexpected identity: %+v", te)
	}
	if !te.Final || te.Text != "patient denies fever" {
		t.Fatalf("unexpected payload: %+v", te)
	}
	if te.SpeakerLabel != "patient" {
		t.Fatalf("expected mapped speaker, got %q", te.SpeakerLabel)
	}
	if te.Confidence != 0.93 || !te.Timestamp.Equal(now) {
		t.Fatalf("unexpected metadata: %+v", te)
	}
}
