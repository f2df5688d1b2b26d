package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/testutil"
)

func sessionConfig() config.SessionConfig {
	return config.SessionConfig{InactivityLockMS: 120000, UndoDepth: 10}
}

type fixedMacros map[string]string

func (f fixedMacros) Expand(id string) (string, bool) {
	text, ok := f[id]
	return text, ok
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background(), sessionConfig(), nil, testutil.Logger(),
		fixedMacros{"normal-exam": "Alert and oriented. No acute distress."})
	t.Cleanup(m.Close)
	return m
}

func mustExecute(t *testing.T, m *Manager, sessionID string, intent protocol.Intent) string {
	t.Helper()
	confirmation, err := m.Execute(context.Background(), sessionID, intent)
	if err != nil {
		t.Fatalf("execute %s: %v", intent.Kind, err)
	}
	return confirmation
}

func TestDictationCommitExactlyOnce(t *testing.T) {
	m := newTestManager(t)
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentDictateTo,
		Arguments: map[string]string{"section": "plan"},
	})

	if err := m.DictationAppend("s1", "patient denies fever"); err != nil {
		t.Fatal(err)
	}
	if err := m.DictationAppend("s1", "no night sweats"); err != nil {
		t.Fatal(err)
	}
	if got := m.Snapshot("s1")[SectionPlan]; got != "" {
		t.Fatalf("dictation leaked into the document before commit: %q", got)
	}

	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStopDictating})

	if got := m.Snapshot("s1")[SectionPlan]; got != "patient denies fever no night sweats" {
		t.Fatalf("unexpected committed text: %q", got)
	}

	// The whole buffer commits as one append: a single undo removes it all.
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentUndo})
	if got := m.Snapshot("s1")[SectionPlan]; got != "" {
		t.Fatalf("single undo should remove the whole commit, got %q", got)
	}
}

func TestCancelDictationLeavesDocumentUntouched(t *testing.T) {
	m := newTestManager(t)
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentSetSection,
		Arguments: map[string]string{"section": "plan", "text": "existing"},
	})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentDictateTo,
		Arguments: map[string]string{"section": "plan"},
	})
	if err := m.DictationAppend("s1", "should never land"); err != nil {
		t.Fatal(err)
	}
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentCancelDictation})

	if got := m.Snapshot("s1")[SectionPlan]; got != "existing" {
		t.Fatalf("cancel must leave the document unchanged, got %q", got)
	}
	if m.State("s1") != StateDocumenting {
		t.Fatalf("expected documenting after cancel, got %q", m.State("s1"))
	}
	// Undo still targets the SetSection, proving cancel pushed nothing.
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentUndo})
	if got := m.Snapshot("s1")[SectionPlan]; got != "" {
		t.Fatalf("unexpected undo target: %q", got)
	}
}

func TestMacroInsertion(t *testing.T) {
	m := newTestManager(t)
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentInsertMacro,
		Arguments: map[string]string{"section": "objective", "macro": "normal-exam"},
	})
	if got := m.Snapshot("s1")[SectionObjective]; got != "Alert and oriented. No acute distress." {
		t.Fatalf("unexpected macro expansion: %q", got)
	}

	_, err := m.Execute(context.Background(), "s1", protocol.Intent{
		Kind:      protocol.IntentInsertMacro,
		Arguments: map[string]string{"section": "objective", "macro": "nope"},
	})
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet for unknown macro, got %v", err)
	}
}

func TestShowVitalsRequiresLoadedPatient(t *testing.T) {
	m := newTestManager(t)
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})

	_, err := m.Execute(context.Background(), "s1", protocol.Intent{Kind: protocol.IntentShowVitals})
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet before load, got %v", err)
	}

	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentLoadPatient,
		Arguments: map[string]string{"patient": "twelve seven two four"},
	})
	if confirmation := mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentShowVitals}); confirmation == "" {
		t.Fatal("expected a confirmation after load")
	}
}

func TestInactivityLockDiscardsDictation(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentDictateTo,
		Arguments: map[string]string{"section": "subjective"},
	})
	if err := m.DictationAppend("s1", "uncommitted words"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(3 * time.Minute)
	m.LockIdle(now)
	if m.State("s1") != StateLocked {
		t.Fatalf("expected locked, got %q", m.State("s1"))
	}

	// Locked sessions reject everything but unlock.
	_, err := m.Execute(context.Background(), "s1", protocol.Intent{Kind: protocol.IntentUndo})
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected locked rejection, got %v", err)
	}

	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentUnlock})
	if m.State("s1") != StateIdle {
		t.Fatalf("expected idle after unlock, got %q", m.State("s1"))
	}
	// The note itself survives the lock; the dictation buffer does not.
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	_, err = m.Execute(context.Background(), "s1", protocol.Intent{Kind: protocol.IntentStopDictating})
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("dictation should have been discarded, got %v", err)
	}
}

func TestEndSessionPublishesFinalizedNote(t *testing.T) {
	busClient := testutil.StartBus(t)
	m := NewManager(context.Background(), sessionConfig(), busClient, testutil.Logger(), nil)
	t.Cleanup(m.Close)

	notes := make(chan protocol.FinalizedNote, 1)
	sub, err := busClient.Conn().Subscribe(protocol.SubjectNoteFinalized, func(msg *nats.Msg) {
		var note protocol.FinalizedNote
		if err := json.Unmarshal(msg.Data, &note); err == nil {
			notes <- note
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentLoadPatient,
		Arguments: map[string]string{"patient": "mrn-1274"},
	})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentSetSection,
		Arguments: map[string]string{"section": "plan", "text": "Discharge home."},
	})
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentEndSession})

	select {
	case note := <-notes:
		if note.SessionID != "s1" || note.PatientRef != "mrn-1274" {
			t.Fatalf("unexpected note identity: %+v", note)
		}
		if note.Sections[SectionPlan] != "Discharge home." {
			t.Fatalf("unexpected note content: %+v", note.Sections)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for finalized note")
	}

	if m.State("s1") != StateIdle {
		t.Fatalf("expected idle after finalization, got %q", m.State("s1"))
	}
	if m.Snapshot("s1") != nil {
		t.Fatal("document must be released after finalization")
	}
}

func TestCancelSessionDiscardsNote(t *testing.T) {
	m := newTestManager(t)
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentStartDocumenting})
	mustExecute(t, m, "s1", protocol.Intent{
		Kind:      protocol.IntentSetSection,
		Arguments: map[string]string{"section": "plan", "text": "draft"},
	})
	mustExecute(t, m, "s1", protocol.Intent{Kind: protocol.IntentCancelSession})

	if m.State("s1") != StateIdle || m.Snapshot("s1") != nil {
		t.Fatal("cancel must discard the note and return to idle")
	}
}
