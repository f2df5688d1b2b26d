package notestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// Recorder subscribes to the transcript and note subjects and persists
// what it sees. It is the note-storage boundary: nothing else in the
// pipeline blocks on disk.
type Recorder struct {
	store  *Store
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func NewRecorder(parent context.Context, store *Store, busClient *bus.Client, logger *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(parent)
	return &Recorder{
		store:  store,
		bus:    busClient,
		logger: logger.With(slog.String("component", "notestore")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Recorder) Start() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, r.handleTranscript)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	notes, err := r.bus.Conn().Subscribe(protocol.SubjectNoteFinalized, r.handleNote)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, notes)
	return nil
}

func (r *Recorder) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Recorder) Healthy() bool {
	return len(r.subs) > 0
}

func (r *Recorder) handleTranscript(msg *nats.Msg) {
	var te protocol.TranscriptEvent
	if err := json.Unmarshal(msg.Data, &te); err != nil {
		r.logger.Warn("failed to decode transcript event", slog.String("error", err.Error()))
		return
	}
	if !te.Final {
		return
	}
	if err := r.store.AppendTranscript(r.ctx, te); err != nil {
		r.logger.Warn("failed to persist transcript",
			slog.String("session_id", te.SessionID),
			slog.String("error", err.Error()))
	}
}

func (r *Recorder) handleNote(msg *nats.Msg) {
	var note protocol.FinalizedNote
	if err := json.Unmarshal(msg.Data, &note); err != nil {
		r.logger.Warn("failed to decode finalized note", slog.String("error", err.Error()))
		return
	}
	if err := r.store.SaveNote(r.ctx, note); err != nil {
		r.logger.Warn("failed to persist note",
			slog.String("session_id", note.SessionID),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Info("note persisted", slog.String("session_id", note.SessionID))
}
