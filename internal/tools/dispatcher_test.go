package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

type recordedEvent struct {
	Type    models.EventType
	Payload map[string]any
}

type eventLog struct {
	events []recordedEvent
}

func (l *eventLog) emit(_ context.Context, eventType models.EventType, payload map[string]any) error {
	l.events = append(l.events, recordedEvent{Type: eventType, Payload: payload})
	return nil
}

func (l *eventLog) types() []models.EventType {
	out := make([]models.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestContext(t *testing.T) *ExecContext {
	t.Helper()
	return &ExecContext{
		WorkspaceRoot:  t.TempDir(),
		DefaultSandbox: SandboxNone,
	}
}

func newDispatcher(t *testing.T, mode safety.Mode, provider safety.Provider, entries ...Entry) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, entry := range entries {
		if err := reg.Register(entry, false); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	gate := safety.NewGate(safety.Policy{Mode: mode}, provider, 0, nil)
	return NewDispatcher(reg, gate, 0, nil)
}

func TestDispatchSuccessEventOrder(t *testing.T) {
	called := false
	entry := Entry{
		Spec: models.ToolSpec{Name: "probe"},
		Handler: func(context.Context, *ExecContext, json.RawMessage) (*models.ToolResult, error) {
			called = true
			return &models.ToolResult{OK: true, Stdout: "done"}, nil
		},
	}
	d := newDispatcher(t, safety.ModeAllow, nil, entry)
	log := &eventLog{}

	outcome := d.Dispatch(context.Background(), newTestContext(t), models.ToolCall{ID: "call_1", Name: "probe"}, log.emit)
	if !called {
		t.Fatal("handler not invoked")
	}
	if !outcome.Result.OK || outcome.Fatal != nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	want := []models.EventType{
		models.EventToolCallRequested,
		models.EventToolCallStarted,
		models.EventToolCallFinished,
	}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	finished := log.events[2].Payload
	if finished["ok"] != true || finished["call_id"] != "call_1" {
		t.Fatalf("finished payload = %v", finished)
	}
}

func TestDispatchDeniedByPolicy(t *testing.T) {
	entry := Entry{
		Spec: models.ToolSpec{Name: "blocked"},
		Handler: func(context.Context, *ExecContext, json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("handler must not run on deny")
			return nil, nil
		},
	}
	d := newDispatcher(t, safety.ModeDeny, nil, entry)
	log := &eventLog{}

	outcome := d.Dispatch(context.Background(), newTestContext(t), models.ToolCall{ID: "call_1", Name: "blocked"}, log.emit)
	if outcome.Result.OK {
		t.Fatal("denied call reported ok")
	}
	if outcome.Result.ErrorKind != models.ErrorKindPermission {
		t.Fatalf("error kind = %s", outcome.Result.ErrorKind)
	}
	got := log.types()
	if len(got) != 2 || got[0] != models.EventToolCallRequested || got[1] != models.EventToolCallFinished {
		t.Fatalf("events = %v", got)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newDispatcher(t, safety.ModeAllow, nil)
	log := &eventLog{}
	outcome := d.Dispatch(context.Background(), newTestContext(t), models.ToolCall{ID: "c", Name: "ghost"}, log.emit)
	if outcome.Result.ErrorKind != models.ErrorKindNotFound {
		t.Fatalf("error kind = %s", outcome.Result.ErrorKind)
	}
}

func TestDispatchValidationFailure(t *testing.T) {
	entry := Entry{
		Spec: models.ToolSpec{
			Name: "strict",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"n": {"type": "integer"}},
				"required": ["n"]
			}`),
		},
		Handler: func(context.Context, *ExecContext, json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("handler must not run on validation failure")
			return nil, nil
		},
	}
	d := newDispatcher(t, safety.ModeAllow, nil, entry)
	log := &eventLog{}

	outcome := d.Dispatch(context.Background(), newTestContext(t),
		models.ToolCall{ID: "c", Name: "strict", Arguments: json.RawMessage(`{"n":"nope"}`)}, log.emit)
	if outcome.Result.ErrorKind != models.ErrorKindValidation {
		t.Fatalf("error kind = %s", outcome.Result.ErrorKind)
	}
}

func TestDispatchSandboxDenied(t *testing.T) {
	entry := Entry{
		Spec:   models.ToolSpec{Name: "boxed"},
		Safety: Descriptor{WrapsSandbox: true},
		Handler: func(context.Context, *ExecContext, json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("handler must not run without a sandbox adapter")
			return nil, nil
		},
	}
	d := newDispatcher(t, safety.ModeAllow, nil, entry)
	log := &eventLog{}

	outcome := d.Dispatch(context.Background(), newTestContext(t),
		models.ToolCall{ID: "c", Name: "boxed", Arguments: json.RawMessage(`{"sandbox":"restricted"}`)}, log.emit)
	if outcome.Result.ErrorKind != models.ErrorKindSandboxDenied {
		t.Fatalf("error kind = %s", outcome.Result.ErrorKind)
	}
	if outcome.Fatal != nil {
		t.Fatal("sandbox_denied is not fatal; the run continues")
	}
	sandbox, ok := outcome.Result.Data["sandbox"].(map[string]any)
	if !ok {
		t.Fatalf("missing data.sandbox: %v", outcome.Result.Data)
	}
	if sandbox["requested"] != "restricted" || sandbox["effective"] != "restricted" || sandbox["active"] != false {
		t.Fatalf("sandbox state = %v", sandbox)
	}
	// The adapter key is present even when no adapter ran.
	adapter, present := sandbox["adapter"]
	if !present || adapter != nil {
		t.Fatalf("adapter = %v (present=%v), want explicit null", adapter, present)
	}
}

func TestDispatchSessionApprovalCached(t *testing.T) {
	entry := Entry{
		Spec:    models.ToolSpec{Name: "guarded"},
		Safety:  Descriptor{RequiresApproval: true},
		Handler: okHandler,
	}
	provider := safety.NewScriptedProvider(safety.DecisionApprovedForSession)
	d := newDispatcher(t, safety.ModeAsk, provider, entry)
	log := &eventLog{}
	ec := newTestContext(t)
	call := models.ToolCall{ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{"x":1}`)}

	first := d.Dispatch(context.Background(), ec, call, log.emit)
	if !first.Result.OK {
		t.Fatalf("first call failed: %+v", first.Result)
	}
	call.ID = "c2"
	second := d.Dispatch(context.Background(), ec, call, log.emit)
	if !second.Result.OK {
		t.Fatalf("second call failed: %+v", second.Result)
	}
	if provider.Calls() != 1 {
		t.Fatalf("provider consulted %d times, want 1", provider.Calls())
	}

	var decided []map[string]any
	for _, ev := range log.events {
		if ev.Type == models.EventApprovalDecided {
			decided = append(decided, ev.Payload)
		}
	}
	if len(decided) != 2 {
		t.Fatalf("approval_decided events = %d, want 2", len(decided))
	}
	if decided[1]["reason"] != "cached" {
		t.Fatalf("second decision reason = %v", decided[1]["reason"])
	}
}

func TestDispatchNoProviderFailsClosed(t *testing.T) {
	entry := Entry{
		Spec:    models.ToolSpec{Name: "guarded"},
		Safety:  Descriptor{RequiresApproval: true},
		Handler: okHandler,
	}
	d := newDispatcher(t, safety.ModeAsk, nil, entry)
	log := &eventLog{}

	outcome := d.Dispatch(context.Background(), newTestContext(t), models.ToolCall{ID: "c", Name: "guarded"}, log.emit)
	if outcome.Result.ErrorKind != models.ErrorKindPermission {
		t.Fatalf("error kind = %s", outcome.Result.ErrorKind)
	}
	if outcome.Fatal == nil || outcome.Fatal.Kind != models.ErrorKindConfig {
		t.Fatalf("expected fatal config_error, got %+v", outcome.Fatal)
	}
}

func TestCommandArgv(t *testing.T) {
	if argv := commandArgv("echo hi"); len(argv) != 2 || argv[0] != "echo" || argv[1] != "hi" {
		t.Fatalf("simple argv = %v", argv)
	}
	argv := commandArgv("echo hi | wc -l")
	if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" {
		t.Fatalf("complex argv = %v", argv)
	}
}
