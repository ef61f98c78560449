package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/skillsruntime/internal/events"
	"github.com/haasonsaas/skillsruntime/internal/skills"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// runLoop is the single-goroutine state machine for one run.
type runLoop struct {
	opts    Options
	emitter *events.Emitter
	logger  *slog.Logger

	// emitCtx is detached from the run context so the terminal event still
	// reaches the consumer after cancellation.
	emitCtx context.Context

	ctl     *controller
	history []models.ChatMessage
	task    string
	turnID  string
	stepID  string
	notices []Notice
}

func (l *runLoop) run(ctx context.Context, task string) *Result {
	l.emitCtx = context.WithoutCancel(ctx)
	l.ctl = newController(l.opts.Budget, l.opts.Recovery)
	l.task = task

	startPayload := map[string]any{
		"config_summary": map[string]any{
			"model":             l.opts.Model,
			"max_steps":         l.opts.Budget.MaxSteps,
			"max_wall_time_sec": int(l.opts.Budget.MaxWallTime.Seconds()),
			"recovery_mode":     l.opts.Recovery.Mode,
		},
	}
	if l.opts.Resume != "" {
		history, err := l.applyResume(ctx)
		if err != nil {
			startPayload["resume"] = map[string]any{"enabled": true, "strategy": l.opts.Resume}
			if emitErr := l.emit(models.EventRunStarted, startPayload); emitErr != nil {
				return l.walFailure(emitErr)
			}
			return l.terminalFailed(models.ErrorKindIO, fmt.Sprintf("resume failed: %v", err), nil)
		}
		l.history = history
		startPayload["resume"] = map[string]any{"enabled": true, "strategy": l.opts.Resume}
	}
	if err := l.emit(models.EventRunStarted, startPayload); err != nil {
		return l.walFailure(err)
	}

	for {
		if ctx.Err() != nil {
			return l.terminalCancelled("cancelled")
		}
		l.turnID = uuid.NewString()

		compiled, err := l.opts.Prompt.Compile(ctx, l.task, l.history)
		if err != nil {
			return l.terminalFailed(classifyPromptError(err), err.Error(), nil)
		}
		if err := l.emit(models.EventPromptCompiled, compiled.EventPayload()); err != nil {
			return l.walFailure(err)
		}
		for _, inj := range compiled.Injections {
			if err := l.emit(models.EventSkillInjected, map[string]any{
				"mention":   inj.Mention,
				"skill":     inj.Skill,
				"bytes":     inj.Bytes,
				"truncated": inj.Truncated,
			}); err != nil {
				return l.walFailure(err)
			}
		}

		if result := l.chargeStep(ctx); result != nil {
			return result
		}
		tools := l.opts.Dispatcher.Registry().Specs()
		if err := l.emit(models.EventLLMRequestStarted, map[string]any{
			"model":         l.opts.Model,
			"message_count": len(compiled.Messages),
			"tool_count":    len(tools),
		}); err != nil {
			return l.walFailure(err)
		}

		req := &models.ChatRequest{
			Model:     l.opts.Model,
			System:    compiled.System,
			Messages:  compiled.Messages,
			Tools:     tools,
			MaxTokens: l.opts.MaxTokens,
		}
		text, calls, finish, llmErr := l.streamTurn(ctx, req)
		if llmErr != nil {
			if errors.Is(llmErr, models.ErrContextLengthExceeded) {
				retry, result := l.recoverContextLength(ctx)
				if retry {
					continue
				}
				return result
			}
			if errors.Is(llmErr, context.Canceled) || ctx.Err() != nil {
				return l.terminalCancelled("cancelled")
			}
			return l.terminalFailed(models.KindOf(llmErr), llmErr.Error(), nil)
		}
		if err := l.emit(models.EventLLMResponseCompleted, completedPayload(finish, text, calls)); err != nil {
			return l.walFailure(err)
		}

		if l.task != "" {
			l.history = append(l.history, models.ChatMessage{Role: models.RoleUser, Content: l.task})
			l.task = ""
		}
		l.history = append(l.history, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			return l.terminalCompleted(text)
		}

		for _, call := range calls {
			if ctx.Err() != nil {
				return l.terminalCancelled("cancelled")
			}
			if result := l.chargeStep(ctx); result != nil {
				return result
			}
			outcome := l.opts.Dispatcher.Dispatch(ctx, l.opts.Exec, call, l.emitFunc())
			l.history = append(l.history, models.ChatMessage{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Content:    outcome.Result.Content(),
			})
			if outcome.Fatal != nil {
				if outcome.Fatal.Kind == models.ErrorKindCancelled {
					return l.terminalCancelled("user_abort")
				}
				return l.terminalFailed(outcome.Fatal.Kind, outcome.Fatal.Message, outcome.Fatal.Details)
			}
		}
	}
}

// streamTurn consumes one backend stream, emitting text deltas and
// buffering tool call fragments until the stream finishes.
func (l *runLoop) streamTurn(ctx context.Context, req *models.ChatRequest) (string, []models.ToolCall, string, error) {
	ch, err := l.opts.Backend.ChatStream(ctx, req)
	if err != nil {
		return "", nil, "", err
	}

	var text strings.Builder
	finish := ""
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var order []int
	pending := map[int]*pendingCall{}

	for delta := range ch {
		if delta.Err != nil {
			return text.String(), nil, "", delta.Err
		}
		if delta.Text != "" {
			text.WriteString(delta.Text)
			if err := l.emit(models.EventLLMResponseDelta, map[string]any{"text": delta.Text}); err != nil {
				return "", nil, "", err
			}
		}
		if tc := delta.ToolCall; tc != nil {
			p, ok := pending[tc.Index]
			if !ok {
				p = &pendingCall{}
				pending[tc.Index] = p
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Name != "" {
				p.name = tc.Name
			}
			p.args.WriteString(tc.ArgsFragment)
		}
		if delta.FinishReason != "" {
			finish = delta.FinishReason
		}
	}
	if err := ctx.Err(); err != nil {
		return text.String(), nil, finish, err
	}

	var calls []models.ToolCall
	for _, idx := range order {
		p := pending[idx]
		if p.id == "" {
			p.id = uuid.NewString()
		}
		calls = append(calls, models.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: []byte(p.args.String()),
		})
	}
	return text.String(), calls, finish, nil
}

func completedPayload(finish, text string, calls []models.ToolCall) map[string]any {
	payload := map[string]any{
		"finish_reason": finish,
		"text":          text,
	}
	if len(calls) > 0 {
		recorded := make([]any, 0, len(calls))
		for _, call := range calls {
			recorded = append(recorded, map[string]any{
				"call_id":   call.ID,
				"tool_name": call.Name,
				"arguments": string(call.Arguments),
			})
		}
		payload["tool_calls"] = recorded
	}
	return payload
}

func classifyPromptError(err error) models.ErrorKind {
	switch {
	case errors.Is(err, skills.ErrSpaceNotConfigured):
		return models.ErrorKindConfig
	case errors.Is(err, skills.ErrUnknownSkill):
		return models.ErrorKindNotFound
	}
	return models.KindOf(err)
}

// emit appends one event with the current turn and step ids.
func (l *runLoop) emit(eventType models.EventType, payload map[string]any) error {
	_, err := l.emitter.Emit(l.emitCtx, models.Event{
		Type:    eventType,
		TurnID:  l.turnID,
		StepID:  l.stepID,
		Payload: payload,
	})
	return err
}

// emitFunc adapts emit for the gate and dispatcher.
func (l *runLoop) emitFunc() func(ctx context.Context, eventType models.EventType, payload map[string]any) error {
	return func(_ context.Context, eventType models.EventType, payload map[string]any) error {
		return l.emit(eventType, payload)
	}
}

func (l *runLoop) terminalCompleted(finalOutput string) *Result {
	payload := map[string]any{
		"final_output": finalOutput,
		"wal_locator":  string(l.emitter.Locator()),
		"steps":        l.ctl.steps,
	}
	l.attachNotices(payload)
	if err := l.emit(models.EventRunCompleted, payload); err != nil {
		return l.walFailure(err)
	}
	return &Result{
		Status:      StatusCompleted,
		FinalOutput: finalOutput,
		WALLocator:  l.emitter.Locator(),
		Notices:     l.notices,
	}
}

func (l *runLoop) terminalFailed(kind models.ErrorKind, message string, details map[string]any) *Result {
	payload := map[string]any{
		"error_kind":  string(kind),
		"message":     message,
		"wal_locator": string(l.emitter.Locator()),
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	l.attachNotices(payload)
	if err := l.emit(models.EventRunFailed, payload); err != nil {
		l.logger.Warn("emit terminal event failed", "run_id", l.emitter.Locator(), "error", err)
	}
	return &Result{
		Status:     StatusFailed,
		WALLocator: l.emitter.Locator(),
		Err:        &models.RunError{Kind: kind, Message: message, Details: details},
		Notices:    l.notices,
	}
}

func (l *runLoop) terminalCancelled(reason string) *Result {
	payload := map[string]any{
		"reason":      reason,
		"wal_locator": string(l.emitter.Locator()),
	}
	l.attachNotices(payload)
	if err := l.emit(models.EventRunCancelled, payload); err != nil {
		l.logger.Warn("emit terminal event failed", "run_id", l.emitter.Locator(), "error", err)
	}
	return &Result{
		Status:     StatusCancelled,
		WALLocator: l.emitter.Locator(),
		Err:        models.NewRunError(models.ErrorKindCancelled, reason),
		Notices:    l.notices,
	}
}

// walFailure handles an append error: the run cannot record state, so it
// fails without further emission.
func (l *runLoop) walFailure(err error) *Result {
	l.logger.Warn("wal append failed", "error", err)
	return &Result{
		Status:     StatusFailed,
		WALLocator: l.emitter.Locator(),
		Err:        models.NewRunError(models.ErrorKindIO, err.Error()),
		Notices:    l.notices,
	}
}

func (l *runLoop) attachNotices(payload map[string]any) {
	if len(l.notices) == 0 {
		return
	}
	recorded := make([]any, 0, len(l.notices))
	for _, n := range l.notices {
		recorded = append(recorded, map[string]any{
			"kind":       n.Kind,
			"count":      n.Count,
			"message":    n.Message,
			"suggestion": n.Suggestion,
		})
	}
	payload["notices"] = recorded
}
