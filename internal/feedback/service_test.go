package feedback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/testutil"
)

func TestFeedbackRepublishedForRendering(t *testing.T) {
	busClient := testutil.StartBus(t)
	svc := NewService(context.Background(), config.FeedbackConfig{Enabled: true, Voice: "calm"}, busClient, testutil.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	say := make(chan Utterance, 2)
	sub, err := busClient.Conn().Subscribe(protocol.SubjectFeedbackSay, func(msg *nats.Msg) {
		var u Utterance
		if err := json.Unmarshal(msg.Data, &u); err == nil {
			say <- u
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	fb, _ := json.Marshal(protocol.Feedback{
		SessionID: "s1",
		Intent:    protocol.IntentAppendToSection,
		Message:   "appended to plan",
		State:     "documenting",
	})
	if err := busClient.Conn().Publish(protocol.SubjectFeedback+".s1", fb); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case u := <-say:
		if u.SessionID != "s1" || u.Text != "appended to plan" || u.Voice != "calm" || u.Error {
			t.Fatalf("unexpected say payload: %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for say payload")
	}

	// Errors speak the error text and carry the flag.
	fbErr, _ := json.Marshal(protocol.Feedback{
		SessionID: "s1",
		Error:     "precondition not met: no patient loaded",
	})
	if err := busClient.Conn().Publish(protocol.SubjectFeedback+".s1", fbErr); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case u := <-say:
		if !u.Error || u.Text == "" {
			t.Fatalf("unexpected error payload: %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error payload")
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	svc := NewService(context.Background(), config.FeedbackConfig{Enabled: false}, nil, testutil.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("disabled service reports healthy")
	}
}
