package notestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	_ "modernc.org/sqlite"
)

// TranscriptRow is one persisted final transcript event.
type TranscriptRow struct {
	ID        int64
	SessionID string
	Sequence  uint64
	Speaker   string
	Text      string
	CreatedAt time.Time
}

// Store persists session transcripts and finalized notes in SQLite. In
// ephemeral retention mode every write is a no-op and nothing touches disk.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("note store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("note store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    patient_ref TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    speaker TEXT,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_seq ON transcripts(session_id, seq);
CREATE TABLE IF NOT EXISTS notes (
    session_id TEXT PRIMARY KEY,
    patient_ref TEXT,
    sections BLOB NOT NULL,
    closed_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession makes sure a session row exists.
func (s *Store) EnsureSession(ctx context.Context, sessionID, patientRef string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, patient_ref, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   patient_ref = CASE WHEN excluded.patient_ref != '' THEN excluded.patient_ref ELSE sessions.patient_ref END`,
		sessionID, patientRef, s.clock().UTC())
	return err
}

// AppendTranscript writes one final transcript event.
func (s *Store) AppendTranscript(ctx context.Context, te protocol.TranscriptEvent) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if err := s.EnsureSession(ctx, te.SessionID, ""); err != nil {
		return err
	}
	created := te.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, seq, speaker, text, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		te.SessionID, te.Sequence, te.SpeakerLabel, te.Text, created.UTC())
	return err
}

// SaveNote persists a finalized note; re-finalizing a session replaces it.
func (s *Store) SaveNote(ctx context.Context, note protocol.FinalizedNote) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if err := s.EnsureSession(ctx, note.SessionID, note.PatientRef); err != nil {
		return err
	}
	sections, err := json.Marshal(note.Sections)
	if err != nil {
		return err
	}
	closed := note.ClosedAt
	if closed.IsZero() {
		closed = s.clock()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notes(session_id, patient_ref, sections, closed_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   patient_ref=excluded.patient_ref, sections=excluded.sections, closed_at=excluded.closed_at`,
		note.SessionID, note.PatientRef, sections, closed.UTC())
	return err
}

// GetNote loads a finalized note, or nil if the session has none.
func (s *Store) GetNote(ctx context.Context, sessionID string) (*protocol.FinalizedNote, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT patient_ref, sections, closed_at FROM notes WHERE session_id = ?`, sessionID)

	note := protocol.FinalizedNote{SessionID: sessionID}
	var sections []byte
	var closed string
	if err := row.Scan(&note.PatientRef, &sections, &closed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(sections, &note.Sections); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, closed); err == nil {
		note.ClosedAt = ts
	}
	return &note, nil
}

// ListTranscripts retrieves up to limit transcript rows for a session in
// sequence order.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]TranscriptRow, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, speaker, text, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY seq ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptRow
	for rows.Next() {
		var r TranscriptRow
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Sequence, &r.Speaker, &r.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention: age-based cutoff and a cap on the
// number of retained sessions. Cascade deletes take transcripts and notes
// along with their session rows.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
