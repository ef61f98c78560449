package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// DefaultToolTimeout bounds handlers that do not carry their own
// timeout_ms argument.
const DefaultToolTimeout = 2 * time.Minute

// maxRecordedContent caps the rendered tool output carried in the
// finished event's payload.
const maxRecordedContent = 16 * 1024

// Outcome is the dispatcher's answer for one tool call. Fatal, when set,
// terminates the run after the finished event has been written.
type Outcome struct {
	Result *models.ToolResult
	Fatal  *models.RunError
}

// Dispatcher runs every tool call through the full pipeline: schema
// validation, sanitation, the safety gate, sandbox resolution, handler
// execution, and result normalization. It owns the per-call event triple
// (requested, started, finished).
type Dispatcher struct {
	registry *Registry
	gate     *safety.Gate
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher builds a dispatcher over the registry and gate.
func NewDispatcher(registry *Registry, gate *safety.Gate, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, gate: gate, logger: logger, timeout: timeout}
}

// Registry exposes the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// commonArgs are the cross-tool argument fields the dispatcher itself
// consumes. Handlers re-decode their full argument structs.
type commonArgs struct {
	TimeoutMS          int      `json:"timeout_ms"`
	Sandbox            string   `json:"sandbox"`
	SandboxPermissions []string `json:"sandbox_permissions"`
}

// Dispatch executes one call end to end and emits its event triple.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *ExecContext, call models.ToolCall, emit safety.EmitFunc) Outcome {
	started := time.Now()

	entry, ok := d.registry.Get(call.Name)
	if !ok {
		result := models.ErrorResult(models.ErrorKindNotFound, fmt.Sprintf("unknown tool %q", call.Name))
		d.emitRequested(ctx, emit, call, safety.SanitizedRequest{"args_bytes": len(call.Arguments)})
		d.emitFinished(ctx, emit, call, result, started)
		return Outcome{Result: result}
	}

	if err := entry.Validate(call.Arguments); err != nil {
		result := models.ErrorResult(models.ErrorKindValidation, err.Error())
		req, sanitizeErr := safety.Sanitize(entry.Safety.Recipe, call.Arguments)
		if sanitizeErr != nil {
			req = safety.SanitizedRequest{"args_bytes": len(call.Arguments)}
		}
		d.emitRequested(ctx, emit, call, req)
		d.emitFinished(ctx, emit, call, result, started)
		return Outcome{Result: result}
	}

	req, err := safety.Sanitize(entry.Safety.Recipe, call.Arguments)
	if err != nil {
		result := models.ErrorResult(models.ErrorKindValidation, err.Error())
		d.emitRequested(ctx, emit, call, safety.SanitizedRequest{"args_bytes": len(call.Arguments)})
		d.emitFinished(ctx, emit, call, result, started)
		return Outcome{Result: result}
	}
	d.emitRequested(ctx, emit, call, req)

	var common commonArgs
	if len(call.Arguments) > 0 {
		// Validation already proved the arguments decode.
		_ = json.Unmarshal(call.Arguments, &common)
	}

	verdict := d.gate.Authorize(ctx, call.Name, req, evalInput(call.Name, entry, req, ec, common), emit)
	if !verdict.Allowed {
		message := "tool call not permitted: " + verdict.Reason
		result := models.ErrorResult(verdict.DenyKind, message)
		d.emitFinished(ctx, emit, call, result, started)
		return Outcome{Result: result, Fatal: verdict.Fatal}
	}

	sandbox := SandboxState{
		Requested: orDefault(common.Sandbox, SandboxNone),
		Effective: effectiveSandbox(common.Sandbox, ec.DefaultSandbox),
	}
	if entry.Safety.WrapsSandbox && sandbox.Effective == SandboxRestricted {
		if ec.Sandbox == nil {
			result := models.ErrorResult(models.ErrorKindSandboxDenied,
				"restricted sandbox required but no adapter is available")
			result.SetData("sandbox", sandbox.asMap())
			d.emitFinished(ctx, emit, call, result, started)
			return Outcome{Result: result, Fatal: verdict.Fatal}
		}
		sandbox.Adapter = ec.Sandbox.Name()
		sandbox.Active = true
	}

	d.emitEvent(ctx, emit, models.EventToolCallStarted, map[string]any{
		"call_id":   call.ID,
		"tool_name": call.Name,
	})

	result := d.invoke(ctx, ec, entry, call, common)
	if entry.Safety.WrapsSandbox {
		result.SetData("sandbox", sandbox.asMap())
	}
	result.DurationMS = time.Since(started).Milliseconds()
	d.emitFinished(ctx, emit, call, result, started)
	return Outcome{Result: result, Fatal: verdict.Fatal}
}

// invoke runs the handler under the per-call timeout and normalizes
// failures into a ToolResult.
func (d *Dispatcher) invoke(ctx context.Context, ec *ExecContext, entry *Entry, call models.ToolCall, common commonArgs) *models.ToolResult {
	timeout := d.timeout
	if common.TimeoutMS > 0 {
		timeout = time.Duration(common.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := entry.Handler(callCtx, ec, call.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return models.ErrorResult(models.ErrorKindTimeout,
				fmt.Sprintf("tool %q exceeded its %s timeout", call.Name, timeout))
		case errors.Is(err, context.Canceled):
			return models.ErrorResult(models.ErrorKindCancelled, "tool call cancelled")
		}
		var runErr *models.RunError
		if errors.As(err, &runErr) {
			return models.ErrorResult(runErr.Kind, runErr.Message)
		}
		d.logger.Warn("tool handler failed", "tool", call.Name, "error", err)
		return models.ErrorResult(models.ErrorKindUnknown, err.Error())
	}
	if result == nil {
		result = &models.ToolResult{OK: true}
	}
	return result
}

func evalInput(tool string, entry *Entry, req safety.SanitizedRequest, ec *ExecContext, common commonArgs) safety.EvalInput {
	in := safety.EvalInput{
		Tool:             tool,
		ForceAsk:         entry.Safety.RequiresApproval,
		SandboxEscalated: ec.EscalatedPermissions(common.SandboxPermissions),
	}
	if intent, ok := req["intent"].(map[string]any); ok {
		if complex, ok := intent["is_complex"].(bool); ok {
			in.IntentComplex = complex
		}
		if argv, ok := intent["argv"].([]any); ok && len(argv) > 0 {
			if word, ok := argv[0].(string); ok {
				in.CommandWord = word
			}
		}
	}
	if in.CommandWord == "" {
		if argv, ok := req["argv"].([]any); ok && len(argv) > 0 {
			if word, ok := argv[0].(string); ok {
				in.CommandWord = word
			}
		}
	}
	return in
}

func (d *Dispatcher) emitRequested(ctx context.Context, emit safety.EmitFunc, call models.ToolCall, req safety.SanitizedRequest) {
	d.emitEvent(ctx, emit, models.EventToolCallRequested, map[string]any{
		"call_id":           call.ID,
		"tool_name":         call.Name,
		"sanitized_request": map[string]any(req),
	})
}

func (d *Dispatcher) emitFinished(ctx context.Context, emit safety.EmitFunc, call models.ToolCall, result *models.ToolResult, started time.Time) {
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(started).Milliseconds()
	}
	payload := map[string]any{
		"call_id":      call.ID,
		"tool_name":    call.Name,
		"ok":           result.OK,
		"duration_ms":  result.DurationMS,
		"truncated":    result.Truncated,
		"stdout_bytes": len(result.Stdout),
		"stderr_bytes": len(result.Stderr),
	}
	if result.ExitCode != nil {
		payload["exit_code"] = *result.ExitCode
	}
	// The rendered content is what a replay resume feeds back as the tool
	// message, so it is recorded alongside the byte accounting.
	if content := result.Content(); content != "" {
		if len(content) > maxRecordedContent {
			content = content[:maxRecordedContent]
		}
		payload["content"] = content
	}
	if result.ErrorKind != "" {
		payload["error_kind"] = string(result.ErrorKind)
		payload["error"] = result.Error
	}
	if len(result.Data) > 0 {
		payload["data"] = result.Data
	}
	d.emitEvent(ctx, emit, models.EventToolCallFinished, payload)
}

func (d *Dispatcher) emitEvent(ctx context.Context, emit safety.EmitFunc, eventType models.EventType, payload map[string]any) {
	if emit == nil {
		return
	}
	if err := emit(ctx, eventType, payload); err != nil {
		d.logger.Warn("emit tool event failed", "event_type", eventType, "error", err)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
