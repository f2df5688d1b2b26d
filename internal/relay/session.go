package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/provider"
)

// ErrTranscriptionUnavailable is surfaced when the upstream backend is
// unreachable after the single allowed reconnect. The session ends; the
// caller must present the failure to the user.
var ErrTranscriptionUnavailable = errors.New("transcription backend unavailable")

// Sink receives downlink messages destined for the capture client.
type Sink func(protocol.StreamServerMessage)

// Session is one live relay: audio frames in, normalized transcript events
// out. It owns the upstream backend connection and the session identity.
type Session struct {
	ID       string
	Provider string

	svc    *Service
	logger *slog.Logger

	sampleRate int
	channels   int

	feed chan protocol.AudioFrame
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	backend      provider.Backend
	sink         Sink
	seq          uint64
	lastSeen     time.Time
	failed       error
	closed       bool
	reconnecting bool
}

// Feed queues a frame for upstream delivery. Non-blocking: when the
// internal queue is full the frame is dropped, mirroring the drop-oldest
// stance of the capture side.
func (s *Session) Feed(frame protocol.AudioFrame) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.feed <- frame:
	default:
		s.logger.Warn("relay feed queue full, dropping frame",
			slog.Uint64("sequence", frame.Sequence))
	}
}

// Err reports the terminal failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// AttachSink swaps the downlink destination, used when a capture client
// re-dials and resumes the session.
func (s *Session) AttachSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Session) deliver(msg protocol.StreamServerMessage) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(msg)
	}
}

// pumpLoop forwards queued frames upstream. A send failure hands control to
// the reconnect policy; a second failure ends the session.
func (s *Session) pumpLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.feed:
			if len(frame.PCM) == 0 && !frame.Final {
				continue
			}
			s.mu.Lock()
			backend := s.backend
			s.mu.Unlock()
			if backend == nil {
				continue
			}
			if err := backend.SendAudio(s.ctx, frame.PCM); err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("upstream send failed", slog.String("error", err.Error()))
				if rerr := s.reconnectOnce(backend); rerr != nil {
					s.fail(rerr)
					return
				}
			}
		}
	}
}

// eventLoop normalizes backend events, publishes them on the bus, and
// forwards them downlink. When the backend stream ends unexpectedly it
// attempts the single same-backend reconnect.
func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		backend := s.backend
		s.mu.Unlock()
		if backend == nil {
			return
		}

		events := backend.Events()
		for evt := range events {
			s.handleEvent(evt)
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.logger.Warn("upstream event stream ended mid-session",
			slog.String("session_id", s.ID), slog.String("provider", s.Provider))
		if err := s.reconnectOnce(backend); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) handleEvent(evt provider.Event) {
	if evt.Text == "" {
		return
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	te := Normalize(s.ID, seq, evt, s.svc.cfg.SpeakerMap, time.Now().UTC())

	subject := protocol.SubjectTranscriptPartial
	if te.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(te)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slog.String("error", err.Error()))
		return
	}
	if err := s.svc.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
	s.svc.countTranscript(te.Final)

	s.deliver(protocol.StreamServerMessage{
		Type:       protocol.StreamMsgTranscript,
		Transcript: &te,
	})
}

// reconnectOnce makes a single reconnect attempt to the same backend.
// Switching backends mid-session would reset acoustic adaptation and
// duplicate partial text, so a failed reconnect ends the session instead.
// Both loops report the backend they saw fail: a caller arriving after the
// other loop already recovered finds the replacement in place and must not
// dial again, or it would tear down a healthy connection.
func (s *Session) reconnectOnce(failed provider.Backend) error {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return s.awaitReconnect()
	}
	if s.backend != nil && s.backend != failed {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	old := s.backend
	s.backend = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()
	if old != nil {
		_ = old.Close()
	}

	octx, cancel := context.WithTimeout(s.ctx, s.svc.openTimeout())
	defer cancel()

	backend, err := s.svc.openBackend(octx, s.Provider, s.svc.cfg.Providers[s.Provider], s.ID, s.sampleRate, s.channels)
	if err != nil {
		return errors.Join(ErrTranscriptionUnavailable, err)
	}

	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()
	s.logger.Info("upstream backend reconnected",
		slog.String("session_id", s.ID), slog.String("provider", s.Provider))
	return nil
}

// awaitReconnect blocks a second caller while a reconnect is in flight and
// reports that attempt's outcome.
func (s *Session) awaitReconnect() error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			reconnecting := s.reconnecting
			backend := s.backend
			s.mu.Unlock()
			if reconnecting {
				continue
			}
			if backend != nil {
				return nil
			}
			return ErrTranscriptionUnavailable
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.mu.Unlock()

	s.logger.Error("relay session failed",
		slog.String("session_id", s.ID), slog.String("error", err.Error()))
	s.deliver(protocol.StreamServerMessage{
		Type:  protocol.StreamMsgError,
		Error: ErrTranscriptionUnavailable.Error(),
	})
	s.svc.removeSession(s.ID)
	s.shutdown()
}

// shutdown stops the loops and releases the backend without touching the
// service session table.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	backend := s.backend
	s.backend = nil
	s.mu.Unlock()

	s.stop()
	if backend != nil {
		_ = backend.Close()
	}
}
