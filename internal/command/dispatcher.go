package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/session"
)

// Executor is the session engine the dispatcher drives. Execute returns a
// human-readable confirmation; precondition failures come back as wrapped
// session.ErrPreconditionNotMet.
type Executor interface {
	Execute(ctx context.Context, sessionID string, intent protocol.Intent) (string, error)
	State(sessionID string) string
	DictationAppend(sessionID, text string) error
}

// Service consumes completed utterances and direct intent invocations,
// parses them, and executes the resulting intents strictly left-to-right
// with inter-intent pacing. Dispatch is serialized per session: intents
// from a later utterance never interleave with an in-flight dispatch.
type Service struct {
	cfg    config.ParserConfig
	parser *Parser
	exec   Executor
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu      sync.Mutex
	closed  bool
	perSess map[string]*sync.Mutex
	sleep   func(time.Duration)
}

func NewService(parent context.Context, cfg config.ParserConfig, exec Executor, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		parser:  NewParser(cfg),
		exec:    exec,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "dispatcher")),
		ctx:     ctx,
		cancel:  cancel,
		perSess: make(map[string]*sync.Mutex),
		sleep:   time.Sleep,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectUtterance, s.handleUtterance)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	direct, err := s.bus.Conn().Subscribe(protocol.SubjectIntentDirect, s.handleDirect)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, direct)
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

// track registers a handler goroutine with the wait group. Drain can still
// deliver in-flight messages after Close starts waiting; those are dropped
// instead of racing the shutdown.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	var utterance protocol.CompletedUtterance
	if err := json.Unmarshal(msg.Data, &utterance); err != nil {
		s.logger.Warn("failed to decode utterance", slog.String("error", err.Error()))
		return
	}
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		s.DispatchUtterance(s.ctx, utterance.SessionID, utterance.Text)
	}()
}

func (s *Service) handleDirect(msg *nats.Msg) {
	var envelope protocol.IntentEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		s.logger.Warn("failed to decode intent envelope", slog.String("error", err.Error()))
		return
	}
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		s.Dispatch(s.ctx, envelope.SessionID, envelope.Intents, nil, "")
	}()
}

// DispatchUtterance routes one utterance according to the session's mode.
// While dictating, only the exit phrases reach the rule table: everything
// else is appended verbatim to the dictation buffer. In ambient mode only
// session-control intents dispatch.
func (s *Service) DispatchUtterance(ctx context.Context, sessionID, text string) {
	switch s.exec.State(sessionID) {
	case session.StateDictating:
		if intent, ok := s.parser.ExitIntent(text); ok {
			s.Dispatch(ctx, sessionID, []protocol.Intent{intent}, nil, text)
			return
		}
		if err := s.exec.DictationAppend(sessionID, text); err != nil {
			s.publishFeedback(protocol.Feedback{
				SessionID: sessionID,
				Utterance: text,
				State:     s.exec.State(sessionID),
				Error:     err.Error(),
			})
		}

	case session.StateAmbient:
		intents, _ := s.parser.Parse(text)
		var controls []protocol.Intent
		for _, intent := range intents {
			if sessionControl(intent.Kind) {
				controls = append(controls, intent)
			}
		}
		s.Dispatch(ctx, sessionID, controls, nil, text)

	default:
		intents, issues := s.parser.Parse(text)
		s.Dispatch(ctx, sessionID, intents, issues, text)
	}
}

// Dispatch executes intents strictly left-to-right. A clause that fails a
// precondition is skipped; the rest still run. Consecutive intents are
// paced apart so asynchronous side effects settle before a dependent
// clause evaluates its precondition.
func (s *Service) Dispatch(ctx context.Context, sessionID string, intents []protocol.Intent, issues []Issue, utterance string) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for _, issue := range issues {
		s.publishFeedback(protocol.Feedback{
			SessionID: sessionID,
			Utterance: issue.Clause,
			State:     s.exec.State(sessionID),
			Error:     issue.Err.Error(),
		})
	}

	for i, intent := range intents {
		confirmation, err := s.exec.Execute(ctx, sessionID, intent)
		feedback := protocol.Feedback{
			SessionID: sessionID,
			Intent:    intent.Kind,
			Utterance: utterance,
			Message:   confirmation,
			State:     s.exec.State(sessionID),
		}
		if err != nil {
			feedback.Error = err.Error()
			if !errors.Is(err, session.ErrPreconditionNotMet) &&
				!errors.Is(err, session.ErrNothingToUndo) &&
				!errors.Is(err, session.ErrUnknownSection) {
				s.logger.Warn("intent execution failed",
					slog.String("session_id", sessionID),
					slog.String("intent", string(intent.Kind)),
					slog.String("error", err.Error()))
			}
		}
		s.publishFeedback(feedback)

		if i < len(intents)-1 {
			s.sleep(s.pause(intent.Kind))
		}
	}
}

// pause returns the settle delay owed after an intent before the next one
// may run.
func (s *Service) pause(kind protocol.IntentKind) time.Duration {
	if asyncIntent(kind) {
		return time.Duration(s.cfg.AsyncSettleDelayMS) * time.Millisecond
	}
	return time.Duration(s.cfg.InterIntentDelayMS) * time.Millisecond
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.perSess[sessionID]
	if lock == nil {
		lock = &sync.Mutex{}
		s.perSess[sessionID] = lock
	}
	return lock
}

func (s *Service) publishFeedback(feedback protocol.Feedback) {
	if s.bus == nil {
		return
	}
	feedback.Timestamp = time.Now().UTC()
	data, err := json.Marshal(feedback)
	if err != nil {
		return
	}
	subject := protocol.SubjectFeedback + "." + feedback.SessionID
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish feedback",
			slog.String("session_id", feedback.SessionID),
			slog.String("error", err.Error()))
	}
}
