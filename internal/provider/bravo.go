package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/openscribe/scribe-core/internal/config"
)

// bravoBackend speaks provider bravo's wire protocol: a JSON start message,
// base64 PCM chunks uplink, flat JSON hypothesis events downlink.
type bravoBackend struct {
	conn   *websocket.Conn
	events chan Event
	cancel context.CancelFunc
}

type bravoStart struct {
	Action     string `json:"action"`
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Model      string `json:"model,omitempty"`
	Diarize    bool   `json:"diarize"`
}

type bravoChunk struct {
	Action string `json:"action"`
	Audio  string `json:"audio"`
}

type bravoHypothesis struct {
	Kind        string  `json:"kind"` // partial or final
	Text        string  `json:"text"`
	Participant string  `json:"participant,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

func openBravo(ctx context.Context, cfg config.ProviderConfig, sessionID string, sampleRate, channels int) (Backend, error) {
	opts := &websocket.DialOptions{}
	if cfg.APIKey != "" {
		opts.HTTPHeader = http.Header{"X-Api-Key": []string{cfg.APIKey}}
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial bravo: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	start := bravoStart{
		Action:     "start",
		SessionID:  sessionID,
		SampleRate: sampleRate,
		Channels:   channels,
		Model:      cfg.Model,
		Diarize:    true,
	}
	data, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode start")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "send start")
		return nil, fmt.Errorf("bravo start: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	b := &bravoBackend{
		conn:   conn,
		events: make(chan Event, 32),
		cancel: cancel,
	}
	go b.readLoop(rctx)
	return b, nil
}

func (b *bravoBackend) readLoop(ctx context.Context) {
	defer close(b.events)
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			return
		}
		var hyp bravoHypothesis
		if err := json.Unmarshal(data, &hyp); err != nil {
			continue
		}
		if hyp.Kind != "partial" && hyp.Kind != "final" {
			continue
		}
		evt := Event{
			Text:       hyp.Text,
			Final:      hyp.Kind == "final",
			Speaker:    hyp.Participant,
			Confidence: hyp.Score,
		}
		select {
		case b.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (b *bravoBackend) SendAudio(ctx context.Context, pcm []byte) error {
	chunk := bravoChunk{
		Action: "audio",
		Audio:  base64.StdEncoding.EncodeToString(pcm),
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *bravoBackend) Events() <-chan Event {
	return b.events
}

func (b *bravoBackend) Close() error {
	b.cancel()
	return b.conn.Close(websocket.StatusNormalClosure, "session closed")
}
