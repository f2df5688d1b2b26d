package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/session"
	"github.com/openscribe/scribe-core/internal/testutil"
)

// fakeExec records executed intents and simulates the loaded-patient
// precondition.
type fakeExec struct {
	mu       sync.Mutex
	state    string
	executed []protocol.IntentKind
	dictated []string
	loaded   bool
}

func (f *fakeExec) Execute(_ context.Context, _ string, intent protocol.Intent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch intent.Kind {
	case protocol.IntentLoadPatient:
		f.loaded = true
	case protocol.IntentShowVitals:
		if !f.loaded {
			return "", fmt.Errorf("%w: no patient loaded", session.ErrPreconditionNotMet)
		}
	}
	f.executed = append(f.executed, intent.Kind)
	return "ok", nil
}

func (f *fakeExec) State(string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeExec) DictationAppend(_ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dictated = append(f.dictated, text)
	return nil
}

func (f *fakeExec) kinds() []protocol.IntentKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.IntentKind, len(f.executed))
	copy(out, f.executed)
	return out
}

func newTestDispatcher(t *testing.T, exec Executor) (*Service, *[]time.Duration) {
	t.Helper()
	svc := NewService(context.Background(), parserConfig(), exec, nil, testutil.Logger())
	t.Cleanup(svc.Close)
	var pauses []time.Duration
	svc.sleep = func(d time.Duration) {
		pauses = append(pauses, d)
	}
	return svc, &pauses
}

func TestDispatchPacesAsyncIntents(t *testing.T) {
	exec := &fakeExec{state: session.StateIdle}
	svc, pauses := newTestDispatcher(t, exec)

	svc.DispatchUtterance(context.Background(),
		"s1", "load patient twelve seven two four and show vitals and read it back")

	want := []protocol.IntentKind{
		protocol.IntentLoadPatient,
		protocol.IntentShowVitals,
		protocol.IntentReadBack,
	}
	got := exec.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intent %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// The load settles for the long delay; the synchronous show for the
	// short one. No pause follows the last intent.
	if len(*pauses) != 2 {
		t.Fatalf("expected two pauses, got %v", *pauses)
	}
	if (*pauses)[0] != 1500*time.Millisecond {
		t.Fatalf("expected async settle after load, got %v", (*pauses)[0])
	}
	if (*pauses)[1] != 250*time.Millisecond {
		t.Fatalf("expected inter-intent delay, got %v", (*pauses)[1])
	}
}

func TestPreconditionSkipsOnlyThatClause(t *testing.T) {
	exec := &fakeExec{state: session.StateIdle}
	svc, _ := newTestDispatcher(t, exec)

	// No load: show vitals fails its precondition, read-back still runs.
	svc.DispatchUtterance(context.Background(), "s1", "show vitals and read it back")

	got := exec.kinds()
	if len(got) != 1 || got[0] != protocol.IntentReadBack {
		t.Fatalf("expected only read_back to execute, got %v", got)
	}
}

func TestDictatingRoutesVerbatim(t *testing.T) {
	exec := &fakeExec{state: session.StateDictating}
	svc, _ := newTestDispatcher(t, exec)

	// Speech that looks like a command is still dictation content.
	svc.DispatchUtterance(context.Background(), "s1", "append to plan daily walks")
	svc.DispatchUtterance(context.Background(), "s1", "patient denies fever and chills")

	if len(exec.kinds()) != 0 {
		t.Fatalf("no intents may execute while dictating: %v", exec.kinds())
	}
	if len(exec.dictated) != 2 || exec.dictated[1] != "patient denies fever and chills" {
		t.Fatalf("dictation must arrive verbatim: %v", exec.dictated)
	}

	svc.DispatchUtterance(context.Background(), "s1", "stop dictating")
	got := exec.kinds()
	if len(got) != 1 || got[0] != protocol.IntentStopDictating {
		t.Fatalf("expected stop_dictating, got %v", got)
	}
}

func TestAmbientFiltersToSessionControl(t *testing.T) {
	exec := &fakeExec{state: session.StateAmbient, loaded: true}
	svc, _ := newTestDispatcher(t, exec)

	svc.DispatchUtterance(context.Background(),
		"s1", "append to plan discharge home and show entities and end session")

	want := []protocol.IntentKind{protocol.IntentShowEntities, protocol.IntentEndSession}
	got := exec.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intent %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHandlersDropMessagesAfterClose(t *testing.T) {
	exec := &fakeExec{state: session.StateIdle}
	svc, _ := newTestDispatcher(t, exec)
	svc.Close()

	// Drain can still deliver in-flight messages after Close; they must be
	// dropped rather than spawn dispatch goroutines past the final wait.
	data, err := json.Marshal(protocol.CompletedUtterance{SessionID: "s1", Text: "read it back"})
	if err != nil {
		t.Fatal(err)
	}
	svc.handleUtterance(&nats.Msg{Data: data})

	direct, err := json.Marshal(protocol.IntentEnvelope{
		SessionID: "s1",
		Intents:   []protocol.Intent{{Kind: protocol.IntentReadBack}},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.handleDirect(&nats.Msg{Data: direct})

	if got := exec.kinds(); len(got) != 0 {
		t.Fatalf("no intents may execute after close: %v", got)
	}
}

func TestDirectIntentsDispatch(t *testing.T) {
	exec := &fakeExec{state: session.StateIdle}
	svc, _ := newTestDispatcher(t, exec)

	svc.Dispatch(context.Background(), "s1", []protocol.Intent{
		{Kind: protocol.IntentStartDocumenting},
		{Kind: protocol.IntentSetSection, Arguments: map[string]string{"section": "plan", "text": "rest"}},
	}, nil, "")

	got := exec.kinds()
	if len(got) != 2 || got[0] != protocol.IntentStartDocumenting || got[1] != protocol.IntentSetSection {
		t.Fatalf("unexpected execution order: %v", got)
	}
}
