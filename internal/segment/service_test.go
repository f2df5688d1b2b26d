package segment

import (
	"context"
	"testing"
	"time"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/session"
	"github.com/openscribe/scribe-core/internal/testutil"
)

func segmenterConfig() config.SegmenterConfig {
	return config.SegmenterConfig{
		WakePhrase:       "hey scribe",
		TerminalPhrases:  []string{"over"},
		SilenceGapMS:     1200,
		MaxUtteranceMS:   15000,
		PostWakeWindowMS: 8000,
	}
}

func newTestService(t *testing.T) (*Service, *[]protocol.CompletedUtterance) {
	t.Helper()
	svc := NewService(context.Background(), segmenterConfig(), nil, testutil.Logger())
	var emitted []protocol.CompletedUtterance
	svc.emit = func(u protocol.CompletedUtterance) {
		emitted = append(emitted, u)
	}
	return svc, &emitted
}

func finalEvent(session string, seq uint64, text string) protocol.TranscriptEvent {
	return protocol.TranscriptEvent{SessionID: session, Sequence: seq, Text: text, Final: true}
}

func TestTerminalPhraseClosesBoundary(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Ingest(finalEvent("s1", 1, "append to plan start metformin"), now)
	if len(*emitted) != 0 {
		t.Fatalf("boundary closed too early: %v", *emitted)
	}
	svc.Ingest(finalEvent("s1", 2, "five hundred milligrams over"), now.Add(300*time.Millisecond))

	if len(*emitted) != 1 {
		t.Fatalf("expected one utterance, got %d", len(*emitted))
	}
	u := (*emitted)[0]
	if u.Text != "append to plan start metformin five hundred milligrams" {
		t.Fatalf("unexpected text: %q", u.Text)
	}
	if u.Reason != ReasonTerminal {
		t.Fatalf("expected terminal boundary, got %q", u.Reason)
	}
}

func TestSilenceGapClosesBoundary(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Ingest(finalEvent("s1", 1, "clear section assessment"), now)

	svc.Sweep(now.Add(800 * time.Millisecond))
	if len(*emitted) != 0 {
		t.Fatal("gap not yet elapsed")
	}
	svc.Sweep(now.Add(1300 * time.Millisecond))
	if len(*emitted) != 1 {
		t.Fatalf("expected silence boundary, got %d", len(*emitted))
	}
	if (*emitted)[0].Reason != ReasonSilence {
		t.Fatalf("expected silence reason, got %q", (*emitted)[0].Reason)
	}
	// The buffer is spent; a later sweep must not re-emit.
	svc.Sweep(now.Add(5 * time.Second))
	if len(*emitted) != 1 {
		t.Fatal("boundary re-emitted after close")
	}
}

func TestMaxDurationCeiling(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seq := uint64(0)
	for elapsed := time.Duration(0); elapsed < 16*time.Second; elapsed += time.Second {
		seq++
		svc.Ingest(finalEvent("s1", seq, "word"), start.Add(elapsed))
	}
	if len(*emitted) != 1 {
		t.Fatalf("expected ceiling boundary, got %d", len(*emitted))
	}
	if (*emitted)[0].Reason != ReasonCeiling {
		t.Fatalf("expected ceiling reason, got %q", (*emitted)[0].Reason)
	}
}

func TestFinalEventsMustStrictlyIncrease(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Ingest(finalEvent("s1", 5, "undo"), now)
	// Duplicate and out-of-order finals are never processed twice.
	svc.Ingest(finalEvent("s1", 5, "undo"), now.Add(100*time.Millisecond))
	svc.Ingest(finalEvent("s1", 3, "undo that"), now.Add(200*time.Millisecond))

	svc.Sweep(now.Add(2 * time.Second))
	if len(*emitted) != 1 {
		t.Fatalf("expected one utterance, got %d", len(*emitted))
	}
	if (*emitted)[0].Text != "undo" {
		t.Fatalf("stale events leaked into utterance: %q", (*emitted)[0].Text)
	}
}

func TestWakeGateOutsideActiveSession(t *testing.T) {
	svc, emitted := newTestService(t)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// No wake phrase, no active session: dropped.
	svc.Ingest(finalEvent("s1", 1, "start a new note over"), now)
	if len(*emitted) != 0 {
		t.Fatal("wake gate should have dropped the utterance")
	}

	// Wake phrase forwards the utterance, minus the phrase itself.
	svc.Ingest(finalEvent("s1", 2, "hey scribe start a new note over"), now.Add(time.Second))
	if len(*emitted) != 1 {
		t.Fatal("wake-phrased utterance should be forwarded")
	}
	if (*emitted)[0].Text != "start a new note" {
		t.Fatalf("wake phrase not stripped: %q", (*emitted)[0].Text)
	}

	// Post-wake window: follow-up passes without the phrase.
	svc.Ingest(finalEvent("s1", 3, "load patient smith over"), now.Add(3*time.Second))
	if len(*emitted) != 2 {
		t.Fatal("follow-up inside post-wake window should be forwarded")
	}

	// Window expired: gated again.
	svc.Ingest(finalEvent("s1", 4, "show vitals over"), now.Add(30*time.Second))
	if len(*emitted) != 2 {
		t.Fatal("utterance after window expiry should be dropped")
	}
}

func TestWakeWindowAnnouncesStateChanges(t *testing.T) {
	svc, emitted := newTestService(t)
	var notes []string
	svc.announce = func(sessionID, state string) {
		notes = append(notes, sessionID+":"+state)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// The wake phrase alone opens the window and moves the session into
	// wake-listening, even with nothing to forward.
	svc.Ingest(finalEvent("s1", 1, "hey scribe over"), now)
	if len(notes) != 1 || notes[0] != "s1:"+session.StateWakeListening {
		t.Fatalf("expected wake-listening announcement, got %v", notes)
	}
	if len(*emitted) != 0 {
		t.Fatalf("bare wake phrase must not emit an utterance: %v", *emitted)
	}

	// A follow-up inside the window passes through without re-announcing.
	svc.Ingest(finalEvent("s1", 2, "show vitals over"), now.Add(2*time.Second))
	if len(*emitted) != 1 {
		t.Fatal("follow-up inside window should be forwarded")
	}
	if len(notes) != 1 {
		t.Fatalf("no transition expected inside the window, got %v", notes)
	}

	// The window lapses unused: back to idle.
	svc.Sweep(now.Add(10 * time.Second))
	if len(notes) != 2 || notes[1] != "s1:"+session.StateIdle {
		t.Fatalf("expected return to idle on expiry, got %v", notes)
	}
	// The retired window announces once.
	svc.Sweep(now.Add(12 * time.Second))
	if len(notes) != 2 {
		t.Fatalf("expiry re-announced: %v", notes)
	}
}

func TestWakeGateBypassedInsideSession(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Ingest(finalEvent("s1", 1, "append to subjective patient reports headache over"), now)
	if len(*emitted) != 1 {
		t.Fatal("active sessions must bypass the wake gate")
	}
}

func TestSpeakerLabelCarriedThrough(t *testing.T) {
	svc, emitted := newTestService(t)
	svc.SetActive("s1", true)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	te := finalEvent("s1", 1, "read it back over")
	te.SpeakerLabel = "clinician"
	svc.Ingest(te, now)

	if len(*emitted) != 1 || (*emitted)[0].SpeakerLabel != "clinician" {
		t.Fatalf("speaker label lost: %+v", *emitted)
	}
}
