package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// ErrDisconnected is surfaced when every reconnect attempt has been
// exhausted. The user's command must not be silently discarded, so the
// handle reports this instead of going quiet.
var ErrDisconnected = errors.New("relay link disconnected")

// LinkState tracks the relay connection from the client's point of view.
type LinkState string

const (
	LinkStreaming    LinkState = "streaming"
	LinkReconnecting LinkState = "reconnecting"
	LinkDisconnected LinkState = "disconnected"
	LinkStopped      LinkState = "stopped"
)

// Client captures audio, frames it, and streams it to the relay over a
// persistent duplex WebSocket.
type Client struct {
	cfg    config.CaptureConfig
	logger *slog.Logger
}

func NewClient(cfg config.CaptureConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "capture-client")),
	}
}

// Handle is a live capture session.
type Handle struct {
	SessionID string
	Provider  string

	cfg    config.CaptureConfig
	logger *slog.Logger
	source Source
	queue  *FrameQueue
	events chan protocol.StreamServerMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conn         *websocket.Conn
	state        LinkState
	err          error
	reconnecting bool
	seq          uint64

	stopOnce sync.Once
}

// StartSession acquires the microphone, opens the duplex connection, and
// begins streaming. Fails with ErrDeviceUnavailable when capture cannot
// start.
func (c *Client) StartSession(ctx context.Context, providerHint string) (*Handle, error) {
	source, err := NewSource(c.cfg)
	if err != nil {
		return nil, err
	}

	frameBytes := c.cfg.SampleRate * c.cfg.FrameDurationMS / 1000 * c.cfg.Channels * 2
	capacity := c.cfg.QueueSeconds * 1000 / c.cfg.FrameDurationMS

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cfg:    c.cfg,
		logger: c.logger,
		source: source,
		queue:  NewFrameQueue(capacity),
		events: make(chan protocol.StreamServerMessage, 64),
		ctx:    hctx,
		cancel: cancel,
		state:  LinkStreaming,
	}

	conn, welcome, err := h.dial(hctx, providerHint, "")
	if err != nil {
		cancel()
		_ = source.Close()
		return nil, fmt.Errorf("open relay stream: %w", err)
	}
	h.conn = conn
	h.SessionID = welcome.SessionID
	h.Provider = welcome.Provider

	h.wg.Add(3)
	go h.captureLoop(frameBytes)
	go h.sendLoop()
	go h.receiveLoop()

	c.logger.Info("capture session started",
		slog.String("session_id", h.SessionID),
		slog.String("provider", h.Provider),
		slog.Int("queue_frames", capacity))
	return h, nil
}

// Events delivers transcripts and feedback relayed back from the service.
func (h *Handle) Events() <-chan protocol.StreamServerMessage {
	return h.events
}

// State returns the current link state.
func (h *Handle) State() LinkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err reports the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Dropped reports frames evicted from the capture queue.
func (h *Handle) Dropped() uint64 {
	return h.queue.Dropped()
}

// Stop flushes buffered audio, closes the connection, and releases the
// capture device. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		_ = h.source.Close()
		h.cancel()
		// Join the loops before draining: only one writer may empty the
		// queue at a time or frames leave out of capture order.
		h.wg.Wait()
		h.flush()

		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		if h.state != LinkDisconnected {
			h.state = LinkStopped
		}
		h.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session stopped")
		}
		close(h.events)
		h.queue.Close()
	})
}

// flush drains remaining queued frames onto the wire, then sends the final
// frame marker. Best effort with a short deadline.
func (h *Handle) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		frame, ok := h.queue.Pop()
		if !ok {
			break
		}
		if err := h.writeFrame(ctx, frame); err != nil {
			return
		}
	}
	h.mu.Lock()
	h.seq++
	final := protocol.AudioFrame{
		SessionID:  h.SessionID,
		Sequence:   h.seq,
		SampleRate: h.cfg.SampleRate,
		Channels:   h.cfg.Channels,
		CapturedAt: time.Now().UTC(),
		Final:      true,
	}
	h.mu.Unlock()
	_ = h.writeFrame(ctx, final)
}

func (h *Handle) captureLoop(frameBytes int) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}
		buf := make([]byte, frameBytes)
		n, err := h.source.ReadFrame(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				h.logger.Warn("capture read failed", slog.String("error", err.Error()))
			}
			return
		}

		h.mu.Lock()
		h.seq++
		frame := protocol.AudioFrame{
			SessionID:  h.SessionID,
			Sequence:   h.seq,
			SampleRate: h.cfg.SampleRate,
			Channels:   h.cfg.Channels,
			PCM:        buf[:n],
			CapturedAt: time.Now().UTC(),
		}
		h.mu.Unlock()

		if h.queue.Push(frame) {
			h.logger.Debug("capture queue full, dropped oldest frame",
				slog.Uint64("sequence", frame.Sequence))
		}
	}
}

func (h *Handle) sendLoop() {
	defer h.wg.Done()
	for {
		frame, ok := h.queue.Pop()
		if !ok {
			select {
			case <-h.ctx.Done():
				return
			case <-h.queue.Wait():
				continue
			}
		}

		if err := h.writeFrame(h.ctx, frame); err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
			}
			h.logger.Warn("frame send failed, reconnecting", slog.String("error", err.Error()))
			if rerr := h.reconnect(); rerr != nil {
				h.fail(fmt.Errorf("%w: %v", ErrDisconnected, rerr))
				return
			}
			// The failed frame is re-sent on the new link; frames captured
			// during the outage are already waiting behind it.
			if err := h.writeFrame(h.ctx, frame); err != nil {
				h.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
				return
			}
		}
	}
}

func (h *Handle) receiveLoop() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(h.ctx)
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
			}
			// The send loop owns reconnection; wait for a fresh link or exit.
			if !h.awaitLink() {
				return
			}
			continue
		}

		var msg protocol.StreamServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("failed to decode server message", slog.String("error", err.Error()))
			continue
		}
		select {
		case h.events <- msg:
		default:
			h.logger.Warn("event channel full, dropping server message", slog.String("type", msg.Type))
		}
	}
}

// awaitLink waits until a reconnect completes, reporting false when the
// session is over.
func (h *Handle) awaitLink() bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return false
		case <-ticker.C:
			h.mu.Lock()
			state := h.state
			reconnecting := h.reconnecting
			h.mu.Unlock()
			if reconnecting {
				continue
			}
			switch state {
			case LinkStreaming:
				return true
			case LinkDisconnected, LinkStopped:
				return false
			}
		}
	}
}

func (h *Handle) writeFrame(ctx context.Context, frame protocol.AudioFrame) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// reconnect re-dials the relay with exponential backoff while capture keeps
// filling the bounded queue. Frames dropped during the outage are accepted
// data loss.
func (h *Handle) reconnect() error {
	h.mu.Lock()
	if h.reconnecting {
		h.mu.Unlock()
		return errors.New("reconnect already in progress")
	}
	h.reconnecting = true
	h.state = LinkReconnecting
	old := h.conn
	h.conn = nil
	h.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	conn, welcome, err := h.dial(h.ctx, "", h.SessionID)

	h.mu.Lock()
	h.reconnecting = false
	if err != nil {
		h.state = LinkDisconnected
		h.mu.Unlock()
		return err
	}
	h.conn = conn
	h.state = LinkStreaming
	h.mu.Unlock()

	h.logger.Info("relay link re-established",
		slog.String("session_id", welcome.SessionID),
		slog.Int("queued_frames", h.queue.Len()))
	return nil
}

// dial connects, performs the hello/welcome handshake, and returns the
// session identity assigned by the relay. Retries follow the configured
// exponential backoff policy.
func (h *Handle) dial(ctx context.Context, providerHint, resumeID string) (*websocket.Conn, protocol.StreamWelcome, error) {
	type dialResult struct {
		conn    *websocket.Conn
		welcome protocol.StreamWelcome
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(h.cfg.ReconnectBaseMS) * time.Millisecond
	bo.MaxInterval = time.Duration(h.cfg.ReconnectCapMS) * time.Millisecond

	attempt := func() (dialResult, error) {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(dctx, h.cfg.RelayURL, nil)
		if err != nil {
			return dialResult{}, err
		}

		hello := protocol.StreamHello{
			DeviceID:        h.cfg.DeviceID,
			ProviderHint:    providerHint,
			SampleRate:      h.cfg.SampleRate,
			Channels:        h.cfg.Channels,
			ResumeSessionID: resumeID,
		}
		data, err := json.Marshal(hello)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode hello")
			return dialResult{}, backoff.Permanent(err)
		}
		if err := conn.Write(dctx, websocket.MessageText, data); err != nil {
			conn.Close(websocket.StatusInternalError, "send hello")
			return dialResult{}, err
		}

		_, reply, err := conn.Read(dctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "read welcome")
			return dialResult{}, err
		}
		var msg protocol.StreamServerMessage
		if err := json.Unmarshal(reply, &msg); err != nil {
			conn.Close(websocket.StatusInternalError, "decode welcome")
			return dialResult{}, err
		}
		if msg.Type != protocol.StreamMsgWelcome || msg.Welcome == nil {
			conn.Close(websocket.StatusPolicyViolation, "expected welcome")
			if msg.Error != "" {
				return dialResult{}, backoff.Permanent(errors.New(msg.Error))
			}
			return dialResult{}, fmt.Errorf("unexpected handshake message %q", msg.Type)
		}
		return dialResult{conn: conn, welcome: *msg.Welcome}, nil
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(h.cfg.ReconnectAttempts)))
	if err != nil {
		return nil, protocol.StreamWelcome{}, err
	}
	return res.conn, res.welcome, nil
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.state = LinkDisconnected
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.logger.Error("capture session disconnected", slog.String("error", err.Error()))
	// Tear the session down so Events() closes and callers unblock. Stop
	// waits on the loops, so it must not run on the failing goroutine.
	go h.Stop()
}
