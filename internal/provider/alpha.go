package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/openscribe/scribe-core/internal/config"
)

// alphaBackend speaks provider alpha's wire protocol: binary PCM uplink,
// JSON result events downlink with results nested under channel.alternatives.
type alphaBackend struct {
	conn   *websocket.Conn
	events chan Event
	cancel context.CancelFunc
}

type alphaResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Speaker *int `json:"speaker,omitempty"`
}

func openAlpha(ctx context.Context, cfg config.ProviderConfig, sessionID string, sampleRate, channels int) (Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("alpha url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("diarize", "true")
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{}
	if cfg.APIKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Token " + cfg.APIKey}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial alpha: %w", err)
	}
	// Audio frames can be large relative to the default limit.
	conn.SetReadLimit(1 << 20)

	rctx, cancel := context.WithCancel(context.Background())
	b := &alphaBackend{
		conn:   conn,
		events: make(chan Event, 32),
		cancel: cancel,
	}
	go b.readLoop(rctx)
	return b, nil
}

func (b *alphaBackend) readLoop(ctx context.Context) {
	defer close(b.events)
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			return
		}
		var res alphaResult
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		evt := Event{
			Text:       alt.Transcript,
			Final:      res.IsFinal,
			Confidence: alt.Confidence,
		}
		if res.Speaker != nil {
			evt.Speaker = strconv.Itoa(*res.Speaker)
		}
		select {
		case b.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (b *alphaBackend) SendAudio(ctx context.Context, pcm []byte) error {
	return b.conn.Write(ctx, websocket.MessageBinary, pcm)
}

func (b *alphaBackend) Events() <-chan Event {
	return b.events
}

func (b *alphaBackend) Close() error {
	b.cancel()
	return b.conn.Close(websocket.StatusNormalClosure, "session closed")
}
