// Package feedback turns per-action confirmations into presentation
// payloads. The core renders nothing itself: external speakers and
// dashboards subscribe to the say subject.
package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// Utterance is the payload handed to renderers.
type Utterance struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Error     bool      `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Service struct {
	cfg    config.FeedbackConfig
	bus    *bus.Client
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.FeedbackConfig, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "feedback")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectFeedback+".>", s.handleFeedback)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleFeedback(msg *nats.Msg) {
	var fb protocol.Feedback
	if err := json.Unmarshal(msg.Data, &fb); err != nil {
		s.logger.Warn("failed to decode feedback", slog.String("error", err.Error()))
		return
	}

	text := fb.Message
	isError := false
	if fb.Error != "" {
		text = fb.Error
		isError = true
	}
	if text == "" {
		return
	}

	out := Utterance{
		SessionID: fb.SessionID,
		Text:      text,
		Voice:     s.cfg.Voice,
		Error:     isError,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectFeedbackSay, data); err != nil {
		s.logger.Warn("failed to publish say payload",
			slog.String("session_id", fb.SessionID),
			slog.String("error", err.Error()))
	}
}
