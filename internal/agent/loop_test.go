package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/skillsruntime/internal/llm"
	"github.com/haasonsaas/skillsruntime/internal/prompt"
	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/internal/tools"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

type runTestsArgs struct {
	Command string `json:"command"`
}

type sandboxToolArgs struct {
	Sandbox string `json:"sandbox,omitempty"`
}

func newTestRunner(t *testing.T, root string, backend models.ChatBackend, mode safety.Mode, provider safety.Provider, tweak func(*Options)) *Runner {
	t.Helper()

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Entry{
		Spec: models.ToolSpec{
			Name:       "run_tests",
			Parameters: tools.SchemaFor(runTestsArgs{}),
		},
		Handler: func(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{OK: true, Stdout: "1 passed"}, nil
		},
	}, false); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(tools.Entry{
		Spec: models.ToolSpec{
			Name:       "boxed_tool",
			Parameters: tools.SchemaFor(sandboxToolArgs{}),
		},
		Handler: func(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{OK: true, Stdout: "ran"}, nil
		},
		Safety: tools.Descriptor{WrapsSandbox: true},
	}, false); err != nil {
		t.Fatal(err)
	}

	gate := safety.NewGate(safety.Policy{Mode: mode}, provider, time.Second, nil)
	dispatcher := tools.NewDispatcher(registry, gate, 5*time.Second, nil)
	ec := &tools.ExecContext{
		WorkspaceRoot:  t.TempDir(),
		DefaultSandbox: tools.SandboxNone,
	}
	promptMgr := prompt.NewManager(prompt.Config{SystemTemplate: "You are a test agent."}, nil, nil)

	opts := Options{
		Root:       root,
		Backend:    backend,
		Model:      "test-model",
		Prompt:     promptMgr,
		Dispatcher: dispatcher,
		Gate:       gate,
		Exec:       ec,
		Budget:     BudgetConfig{MaxSteps: 20, MaxWallTime: time.Minute},
		Recovery:   RecoveryConfig{Mode: "fail_fast"},
	}
	if tweak != nil {
		tweak(&opts)
	}
	return NewRunner(opts)
}

func drainRun(t *testing.T, runner *Runner, task string) ([]models.Event, *Result) {
	t.Helper()
	stream, err := runner.RunStream(context.Background(), task)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	var recorded []models.Event
	for event := range stream.Events() {
		recorded = append(recorded, event)
	}
	return recorded, stream.Wait()
}

func eventTypes(events []models.Event) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, string(event.Type))
	}
	return types
}

func countType(events []models.Event, eventType models.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func findEvent(events []models.Event, eventType models.EventType) (models.Event, bool) {
	for _, event := range events {
		if event.Type == eventType {
			return event, true
		}
	}
	return models.Event{}, false
}

func TestRunMinimalOffline(t *testing.T) {
	backend := llm.NewScriptedBackend(llm.TextTurn("离线 backend 打招呼"))
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAsk, nil, nil)

	recorded, result := drainRun(t, runner, "Say hi in one sentence.")
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q, err = %v", result.Status, result.Err)
	}
	if result.FinalOutput != "离线 backend 打招呼" {
		t.Fatalf("final output = %q", result.FinalOutput)
	}

	want := []string{
		"run_started", "prompt_compiled", "llm_request_started",
		"llm_response_delta", "llm_response_completed", "run_completed",
	}
	got := eventTypes(recorded)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	terminal := recorded[len(recorded)-1]
	if terminal.Payload["final_output"] != "离线 backend 打招呼" {
		t.Fatalf("terminal payload = %v", terminal.Payload)
	}
	if terminal.Payload["wal_locator"] == "" {
		t.Fatal("terminal event missing wal_locator")
	}
}

func TestRunToolCallWithSessionApproval(t *testing.T) {
	args := `{"command":"pytest -q"}`
	backend := llm.NewScriptedBackend(
		llm.ToolCallTurn("call-1", "run_tests", args),
		llm.ToolCallTurn("call-2", "run_tests", args),
		llm.TextTurn("all green"),
	)
	provider := safety.NewScriptedProvider(safety.DecisionApprovedForSession)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAsk, provider, nil)

	recorded, result := drainRun(t, runner, "run the tests")
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q, err = %v", result.Status, result.Err)
	}
	if provider.Calls() != 1 {
		t.Fatalf("provider consulted %d times, want 1", provider.Calls())
	}
	if n := countType(recorded, models.EventApprovalRequested); n != 1 {
		t.Fatalf("approval_requested count = %d", n)
	}
	if n := countType(recorded, models.EventApprovalDecided); n != 2 {
		t.Fatalf("approval_decided count = %d", n)
	}

	var reasons []string
	for _, event := range recorded {
		if event.Type == models.EventApprovalDecided {
			reason, _ := event.Payload["reason"].(string)
			reasons = append(reasons, reason)
		}
	}
	if reasons[0] != "provider" || reasons[1] != "cached" {
		t.Fatalf("decision reasons = %v", reasons)
	}

	finished, ok := findEvent(recorded, models.EventToolCallFinished)
	if !ok || finished.Payload["ok"] != true {
		t.Fatalf("tool_call_finished = %v", finished.Payload)
	}
}

func TestRunFailsClosedWithoutProvider(t *testing.T) {
	backend := llm.NewScriptedBackend(
		llm.ToolCallTurn("call-1", "run_tests", `{"command":"pytest -q"}`),
		llm.TextTurn("never reached"),
	)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAsk, nil, nil)

	recorded, result := drainRun(t, runner, "run the tests")
	if result.Status != StatusFailed {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Err == nil || result.Err.Kind != models.ErrorKindConfig {
		t.Fatalf("error = %v", result.Err)
	}

	finished, ok := findEvent(recorded, models.EventToolCallFinished)
	if !ok {
		t.Fatal("tool_call_finished missing")
	}
	if finished.Payload["error_kind"] != string(models.ErrorKindPermission) {
		t.Fatalf("finished payload = %v", finished.Payload)
	}
	terminal := recorded[len(recorded)-1]
	if terminal.Type != models.EventRunFailed || terminal.Payload["error_kind"] != string(models.ErrorKindConfig) {
		t.Fatalf("terminal = %v %v", terminal.Type, terminal.Payload)
	}
}

func TestRunSandboxDeniedContinues(t *testing.T) {
	backend := llm.NewScriptedBackend(
		llm.ToolCallTurn("call-1", "boxed_tool", `{"sandbox":"restricted"}`),
		llm.TextTurn("finished anyway"),
	)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, nil)

	recorded, result := drainRun(t, runner, "do the thing")
	if result.Status != StatusCompleted || result.FinalOutput != "finished anyway" {
		t.Fatalf("result = %+v", result)
	}

	finished, ok := findEvent(recorded, models.EventToolCallFinished)
	if !ok {
		t.Fatal("tool_call_finished missing")
	}
	if finished.Payload["error_kind"] != string(models.ErrorKindSandboxDenied) {
		t.Fatalf("finished payload = %v", finished.Payload)
	}
	data, _ := finished.Payload["data"].(map[string]any)
	sandbox, _ := data["sandbox"].(map[string]any)
	if sandbox["requested"] != "restricted" || sandbox["active"] != false {
		t.Fatalf("sandbox data = %v", sandbox)
	}
}

func TestRunStepBudgetExhausted(t *testing.T) {
	backend := llm.NewScriptedBackend(
		llm.ToolCallTurn("call-1", "run_tests", `{"command":"pytest -q"}`),
	)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, func(o *Options) {
		o.Budget.MaxSteps = 1
	})

	recorded, result := drainRun(t, runner, "run the tests")
	if result.Status != StatusFailed {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Err.Kind != models.ErrorKindBudget {
		t.Fatalf("error kind = %q", result.Err.Kind)
	}
	terminal := recorded[len(recorded)-1]
	if terminal.Type != models.EventRunFailed {
		t.Fatalf("terminal = %v", terminal.Type)
	}
}

func TestRunBudgetExtensionViaHuman(t *testing.T) {
	backend := llm.NewScriptedBackend(
		llm.ToolCallTurn("call-1", "run_tests", `{"command":"pytest -q"}`),
		llm.TextTurn("done after extension"),
	)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, func(o *Options) {
		o.Budget.MaxSteps = 1
		o.Budget.StepIncrement = 10
		o.Recovery.Mode = "ask_first"
		o.Human = scriptedHuman{choice: choiceIncreaseBudget}
	})

	recorded, result := drainRun(t, runner, "run the tests")
	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
	if countType(recorded, models.EventHumanRequest) == 0 || countType(recorded, models.EventHumanResponse) == 0 {
		t.Fatalf("human events missing: %v", eventTypes(recorded))
	}
	if len(result.Notices) == 0 || result.Notices[0].Kind != "budget_extended" {
		t.Fatalf("notices = %v", result.Notices)
	}
}

func TestRunContextRecoveryCompactFirst(t *testing.T) {
	overflow := fmt.Errorf("%w: prompt too large", models.ErrContextLengthExceeded)
	backend := llm.NewScriptedBackend(
		llm.ErrTurn(overflow),
		llm.TextTurn("a short summary"),
		llm.TextTurn("final answer"),
	)
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, func(o *Options) {
		o.Recovery = RecoveryConfig{
			Mode:                       "compact_first",
			MaxCompactionsPerRun:       2,
			CompactionHistoryMaxChars:  10_000,
			CompactionKeepLastMessages: 4,
		}
	})

	recorded, result := drainRun(t, runner, "long task")
	if result.Status != StatusCompleted || result.FinalOutput != "final answer" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Notices) != 1 || result.Notices[0].Kind != "context_compacted" {
		t.Fatalf("notices = %v", result.Notices)
	}
	terminal := recorded[len(recorded)-1]
	if _, ok := terminal.Payload["notices"]; !ok {
		t.Fatalf("terminal missing notices: %v", terminal.Payload)
	}

	// The compaction turn used the summarization request, not the task.
	requests := backend.Requests()
	if len(requests) != 3 {
		t.Fatalf("backend requests = %d", len(requests))
	}
	if !strings.Contains(requests[1].System, "Summarize") {
		t.Fatalf("compaction system prompt = %q", requests[1].System)
	}
	if !strings.Contains(requests[2].Messages[0].Content, "[Context Summary]") {
		t.Fatalf("post-compaction history = %+v", requests[2].Messages)
	}
}

func TestRunContextRecoveryFailFast(t *testing.T) {
	overflow := fmt.Errorf("%w: prompt too large", models.ErrContextLengthExceeded)
	backend := llm.NewScriptedBackend(llm.ErrTurn(overflow))
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, func(o *Options) {
		o.Recovery.Mode = "fail_fast"
	})

	_, result := drainRun(t, runner, "long task")
	if result.Status != StatusFailed || result.Err.Kind != models.ErrorKindContextLength {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunContextRecoveryAskFirstAbort(t *testing.T) {
	overflow := fmt.Errorf("%w: prompt too large", models.ErrContextLengthExceeded)
	backend := llm.NewScriptedBackend(llm.ErrTurn(overflow))
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, func(o *Options) {
		o.Recovery.Mode = "ask_first"
		o.Human = scriptedHuman{choice: choiceAbort}
	})

	recorded, result := drainRun(t, runner, "long task")
	if result.Status != StatusCancelled {
		t.Fatalf("result = %+v", result)
	}
	terminal := recorded[len(recorded)-1]
	if terminal.Type != models.EventRunCancelled || terminal.Payload["reason"] != "user_abort" {
		t.Fatalf("terminal = %v %v", terminal.Type, terminal.Payload)
	}
}

func TestRunExternalCancellation(t *testing.T) {
	backend := llm.NewScriptedBackend(llm.TextTurn("never finishes"))
	runner := newTestRunner(t, t.TempDir(), backend, safety.ModeAllow, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream, err := runner.RunStream(ctx, "task")
	if err != nil {
		t.Fatal(err)
	}
	var recorded []models.Event
	for event := range stream.Events() {
		recorded = append(recorded, event)
	}
	result := stream.Wait()
	if result.Status != StatusCancelled {
		t.Fatalf("status = %q", result.Status)
	}
	terminal := recorded[len(recorded)-1]
	if terminal.Type != models.EventRunCancelled {
		t.Fatalf("terminal = %v", terminal.Type)
	}
}

type scriptedHuman struct {
	choice string
}

func (h scriptedHuman) RequestChoice(ctx context.Context, message string, options []string) (string, error) {
	return h.choice, nil
}
