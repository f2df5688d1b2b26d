package notestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/testutil"
)

func TestOpenEphemeralWritesNothing(t *testing.T) {
	cfg := config.StoreConfig{RetentionMode: "ephemeral"}
	store, err := Open(context.Background(), cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.AppendTranscript(context.Background(), protocol.TranscriptEvent{SessionID: "s1", Text: "x", Final: true}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
	rows, err := store.ListTranscripts(context.Background(), "s1", 10)
	if err != nil || rows != nil {
		t.Fatalf("ephemeral store must retain nothing: %v, %v", rows, err)
	}
}

func TestAppendAndListTranscripts(t *testing.T) {
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "notes.db"), RetentionMode: "session"}
	store, err := Open(context.Background(), cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events := []protocol.TranscriptEvent{
		{SessionID: "s1", Sequence: 1, Text: "blood pressure", SpeakerLabel: "clinician", Final: true},
		{SessionID: "s1", Sequence: 2, Text: "one twenty over eighty", SpeakerLabel: "clinician", Final: true},
	}
	for _, te := range events {
		if err := store.AppendTranscript(context.Background(), te); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}

	rows, err := store.ListTranscripts(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Sequence != 1 || rows[1].Text != "one twenty over eighty" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Speaker != "clinician" {
		t.Fatalf("speaker lost: %+v", rows[0])
	}
}

func TestSaveAndGetNote(t *testing.T) {
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "notes.db"), RetentionMode: "persistent"}
	store, err := Open(context.Background(), cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	note := protocol.FinalizedNote{
		SessionID:  "s1",
		PatientRef: "mrn-1274",
		Sections:   map[string]string{"plan": "Discharge home."},
		ClosedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveNote(context.Background(), note); err != nil {
		t.Fatalf("save note: %v", err)
	}

	got, err := store.GetNote(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if got == nil || got.PatientRef != "mrn-1274" || got.Sections["plan"] != "Discharge home." {
		t.Fatalf("unexpected note: %+v", got)
	}

	if missing, err := store.GetNote(context.Background(), "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown session, got %+v, %v", missing, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "notes.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	store, err := Open(context.Background(), cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.AppendTranscript(context.Background(), protocol.TranscriptEvent{
		SessionID: "old", Sequence: 1, Text: "stale", Final: true,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := store.EnsureSession(context.Background(), "new", ""); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	rows, err := store.ListTranscripts(context.Background(), "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("expected old session transcripts pruned via cascade")
	}
}
