package segment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/session"
)

// Boundary reasons recorded on emitted utterances.
const (
	ReasonTerminal = "terminal"
	ReasonSilence  = "silence"
	ReasonCeiling  = "ceiling"
)

// Service turns the per-session stream of final transcript events into
// CompletedUtterances and gates them on the wake phrase. Finality is a
// one-way commitment: once a boundary closes, later corrections for the
// same span are never re-emitted.
type Service struct {
	cfg    config.SegmenterConfig
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu       sync.Mutex
	trackers map[string]*tracker

	clock func() time.Time
	// emit delivers a completed utterance; bus publish in production,
	// overridden in tests.
	emit func(protocol.CompletedUtterance)
	// announce delivers wake-window state transitions; bus publish in
	// production, overridden in tests.
	announce func(sessionID, state string)
}

// tracker is the rolling utterance buffer for one session.
type tracker struct {
	parts   []string
	speaker string
	lastSeq uint64
	firstAt time.Time
	lastAt  time.Time

	active       bool // active documentation session: wake gate bypassed
	postWakeOpen time.Time
}

func NewService(parent context.Context, cfg config.SegmenterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "segmenter")),
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[string]*tracker),
		clock:    time.Now,
	}
}

func (s *Service) deliver(utterance protocol.CompletedUtterance) {
	if s.emit != nil {
		s.emit(utterance)
		return
	}
	s.publish(utterance)
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleFinal)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	stateSub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionState, s.handleStateChange)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, stateSub)

	s.wg.Add(1)
	go s.silenceLoop()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

func (s *Service) handleFinal(msg *nats.Msg) {
	var te protocol.TranscriptEvent
	if err := json.Unmarshal(msg.Data, &te); err != nil {
		s.logger.Warn("failed to decode transcript event", slog.String("error", err.Error()))
		return
	}
	s.Ingest(te, s.clock())
}

func (s *Service) handleStateChange(msg *nats.Msg) {
	var change protocol.SessionStateChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		return
	}
	s.SetActive(change.SessionID, stateIsActive(change.State))
}

// stateIsActive reports whether a session state bypasses the wake gate.
// Locked sessions gate again: only a wake-phrased unlock should pass.
func stateIsActive(state string) bool {
	switch state {
	case session.StateDocumenting, session.StateLiveTranscribing, session.StateDictating, session.StateAmbient:
		return true
	default:
		return false
	}
}

// SetActive flips the wake-gate bypass for a session. Entering an active
// state consumes any open wake window.
func (s *Service) SetActive(sessionID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackers[sessionID]
	if tr == nil {
		tr = &tracker{}
		s.trackers[sessionID] = tr
	}
	tr.active = active
	if active {
		tr.postWakeOpen = time.Time{}
	}
}

// Ingest applies one final transcript event at the given time. Events that
// do not advance the sequence are duplicates or stragglers and are dropped;
// final events must be strictly increasing per session.
func (s *Service) Ingest(te protocol.TranscriptEvent, now time.Time) {
	if !te.Final || te.SessionID == "" {
		return
	}

	s.mu.Lock()
	tr := s.trackers[te.SessionID]
	if tr == nil {
		tr = &tracker{}
		s.trackers[te.SessionID] = tr
	}
	if te.Sequence <= tr.lastSeq {
		s.mu.Unlock()
		s.logger.Debug("dropping stale final event",
			slog.String("session_id", te.SessionID),
			slog.Uint64("sequence", te.Sequence))
		return
	}
	tr.lastSeq = te.Sequence

	text := strings.TrimSpace(te.Text)
	if text == "" {
		s.mu.Unlock()
		return
	}
	if len(tr.parts) == 0 {
		tr.firstAt = now
		tr.speaker = te.SpeakerLabel
	}
	tr.parts = append(tr.parts, text)
	tr.lastAt = now

	var boundary string
	if s.hasTerminalPhrase(text) {
		boundary = ReasonTerminal
	} else if now.Sub(tr.firstAt) >= s.maxUtterance() {
		boundary = ReasonCeiling
	}

	var utterance protocol.CompletedUtterance
	var emit bool
	var state string
	if boundary != "" {
		utterance, emit, state = s.closeBoundaryLocked(te.SessionID, tr, boundary, now)
	}
	s.mu.Unlock()

	if state != "" {
		s.deliverState(te.SessionID, state)
	}
	if emit {
		s.deliver(utterance)
	}
}

// Sweep closes boundaries for sessions whose inter-event silence gap has
// elapsed and retires expired wake windows. Called by the ticker loop;
// exposed for tests.
func (s *Service) Sweep(now time.Time) {
	gap := time.Duration(s.cfg.SilenceGapMS) * time.Millisecond

	type stateNote struct {
		sessionID string
		state     string
	}

	s.mu.Lock()
	var ready []protocol.CompletedUtterance
	var notes []stateNote
	for sessionID, tr := range s.trackers {
		if !tr.active && !tr.postWakeOpen.IsZero() && !now.Before(tr.postWakeOpen) {
			tr.postWakeOpen = time.Time{}
			notes = append(notes, stateNote{sessionID, session.StateIdle})
		}
		if len(tr.parts) == 0 {
			continue
		}
		if now.Sub(tr.lastAt) < gap {
			continue
		}
		utterance, emit, state := s.closeBoundaryLocked(sessionID, tr, ReasonSilence, now)
		if state != "" {
			notes = append(notes, stateNote{sessionID, state})
		}
		if emit {
			ready = append(ready, utterance)
		}
	}
	s.mu.Unlock()

	for _, note := range notes {
		s.deliverState(note.sessionID, note.state)
	}
	for _, utterance := range ready {
		s.deliver(utterance)
	}
}

// closeBoundaryLocked finalizes the current buffer exactly once and applies
// the wake gate. The third return is a session state the caller must
// announce after releasing the lock: opening the wake window moves an idle
// session into wake-listening. Caller holds s.mu.
func (s *Service) closeBoundaryLocked(sessionID string, tr *tracker, reason string, now time.Time) (protocol.CompletedUtterance, bool, string) {
	text := strings.Join(tr.parts, " ")
	speaker := tr.speaker
	tr.parts = nil
	tr.speaker = ""

	text = s.stripTerminalPhrase(text)
	if strings.TrimSpace(text) == "" {
		return protocol.CompletedUtterance{}, false, ""
	}

	var state string
	if !tr.active {
		switch {
		case containsPhrase(text, s.cfg.WakePhrase):
			// Wake phrase opens the post-wake window for follow-ups.
			if !now.Before(tr.postWakeOpen) {
				state = session.StateWakeListening
			}
			tr.postWakeOpen = now.Add(s.postWakeWindow())
			text = stripPhrase(text, s.cfg.WakePhrase)
			if strings.TrimSpace(text) == "" {
				return protocol.CompletedUtterance{}, false, state
			}
		case now.Before(tr.postWakeOpen):
			// Inside the post-wake window; no wake phrase required.
		default:
			s.logger.Debug("utterance dropped by wake gate",
				slog.String("session_id", sessionID))
			return protocol.CompletedUtterance{}, false, ""
		}
	}

	return protocol.CompletedUtterance{
		SessionID:    sessionID,
		Text:         strings.TrimSpace(text),
		SpeakerLabel: speaker,
		BoundedAt:    now,
		Reason:       reason,
	}, true, state
}

func (s *Service) deliverState(sessionID, state string) {
	if s.announce != nil {
		s.announce(sessionID, state)
		return
	}
	s.publishState(sessionID, state)
}

// publishState reports wake-window transitions on the session state
// subject so observers see idle -> wake_listening and back.
func (s *Service) publishState(sessionID, state string) {
	if s.bus == nil {
		return
	}
	change := protocol.SessionStateChange{
		SessionID: sessionID,
		State:     state,
		Timestamp: s.clock().UTC(),
	}
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionState, data); err != nil {
		s.logger.Warn("failed to publish state change", slog.String("error", err.Error()))
	}
}

func (s *Service) publish(utterance protocol.CompletedUtterance) {
	data, err := json.Marshal(utterance)
	if err != nil {
		s.logger.Warn("failed to marshal utterance", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectUtterance, data); err != nil {
		s.logger.Warn("failed to publish utterance", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("utterance completed",
		slog.String("session_id", utterance.SessionID),
		slog.String("reason", utterance.Reason))
}

func (s *Service) silenceLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.SilenceGapMS) * time.Millisecond / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock())
		}
	}
}

func (s *Service) hasTerminalPhrase(text string) bool {
	for _, phrase := range s.cfg.TerminalPhrases {
		if containsPhrase(text, phrase) {
			return true
		}
	}
	return false
}

func (s *Service) stripTerminalPhrase(text string) string {
	for _, phrase := range s.cfg.TerminalPhrases {
		text = stripPhrase(text, phrase)
	}
	return text
}

// findPhrase locates phrase as a whole-word sequence within words,
// case-insensitively. Substring hits inside other words do not count:
// "over" must not match "recovery".
func findPhrase(words, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return -1
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, p := range phrase {
			if !strings.EqualFold(words[i+j], p) {
				continue outer
			}
		}
		return i
	}
	return -1
}

func containsPhrase(text, phrase string) bool {
	return findPhrase(strings.Fields(text), strings.Fields(phrase)) >= 0
}

// stripPhrase removes the first whole-word occurrence of phrase.
func stripPhrase(text, phrase string) string {
	words := strings.Fields(text)
	ph := strings.Fields(phrase)
	idx := findPhrase(words, ph)
	if idx < 0 {
		return text
	}
	out := append(append([]string{}, words[:idx]...), words[idx+len(ph):]...)
	return strings.Join(out, " ")
}

func (s *Service) maxUtterance() time.Duration {
	return time.Duration(s.cfg.MaxUtteranceMS) * time.Millisecond
}

func (s *Service) postWakeWindow() time.Duration {
	return time.Duration(s.cfg.PostWakeWindowMS) * time.Millisecond
}
