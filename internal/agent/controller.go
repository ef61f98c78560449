package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Recovery choices offered to a HumanIO provider.
const (
	choiceCompact        = "compact"
	choiceIncreaseBudget = "increase_budget"
	choiceAbort          = "abort"
)

// controller tracks the run budgets and the compaction count. Each LLM
// request and each tool call consumes one step; wall time is measured
// from construction.
type controller struct {
	maxSteps    int
	deadline    time.Time
	started     time.Time
	steps       int
	compactions int

	stepIncrement int
	wallIncrement time.Duration
}

func newController(budget BudgetConfig, _ RecoveryConfig) *controller {
	c := &controller{
		maxSteps:      budget.MaxSteps,
		started:       time.Now(),
		stepIncrement: budget.StepIncrement,
		wallIncrement: budget.WallIncrement,
	}
	if budget.MaxWallTime > 0 {
		c.deadline = c.started.Add(budget.MaxWallTime)
	}
	return c
}

// charge consumes one step and reports which budget, if any, is exhausted.
func (c *controller) charge() (exhausted string) {
	c.steps++
	if c.maxSteps > 0 && c.steps > c.maxSteps {
		return "steps"
	}
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return "wall_time"
	}
	return ""
}

// extend grows both budgets by the configured increments.
func (c *controller) extend() {
	if c.stepIncrement > 0 && c.maxSteps > 0 {
		c.maxSteps += c.stepIncrement
	}
	if c.wallIncrement > 0 && !c.deadline.IsZero() {
		c.deadline = c.deadline.Add(c.wallIncrement)
	}
}

// chargeStep consumes one step, running the budget recovery prompt when a
// bound is hit. A nil return means the loop may proceed; otherwise the
// returned result is terminal.
func (l *runLoop) chargeStep(ctx context.Context) *Result {
	l.stepID = fmt.Sprintf("step-%d", l.ctl.steps+1)
	exhausted := l.ctl.charge()
	if exhausted == "" {
		return nil
	}

	if l.opts.Recovery.Mode == "ask_first" && l.opts.Human != nil {
		choice, result := l.askHuman(ctx, "budget",
			fmt.Sprintf("run budget exhausted (%s)", exhausted),
			[]string{choiceIncreaseBudget, choiceAbort})
		if result != nil {
			return result
		}
		if choice == choiceIncreaseBudget {
			l.ctl.extend()
			l.notices = append(l.notices, Notice{
				Kind:    "budget_extended",
				Message: "budgets extended at user request",
			})
			return nil
		}
		if choice == choiceAbort {
			return l.terminalCancelled("user_abort")
		}
	}
	return l.terminalFailed(models.ErrorKindBudget,
		fmt.Sprintf("run budget exhausted (%s)", exhausted), map[string]any{
			"budget": exhausted,
			"steps":  l.ctl.steps,
		})
}

// recoverContextLength runs the recovery state machine after the backend
// reported a context window overflow. It returns retry=true when the loop
// should recompile and try again.
func (l *runLoop) recoverContextLength(ctx context.Context) (bool, *Result) {
	mode := l.opts.Recovery.Mode
	if mode == "ask_first" && l.opts.Human == nil {
		mode = l.opts.Recovery.AskFirstFallbackMode
		if mode == "" {
			mode = "fail_fast"
		}
	}

	switch mode {
	case "compact_first":
		return l.compact(ctx)
	case "ask_first":
		choice, result := l.askHuman(ctx, "context_length",
			"the conversation no longer fits the model context window",
			[]string{choiceCompact, choiceIncreaseBudget, choiceAbort})
		if result != nil {
			return false, result
		}
		switch choice {
		case choiceCompact:
			return l.compact(ctx)
		case choiceIncreaseBudget:
			l.ctl.extend()
			return true, nil
		default:
			return false, l.terminalCancelled("user_abort")
		}
	}
	return false, l.terminalFailed(models.ErrorKindContextLength,
		"conversation exceeds the model context window", nil)
}

// compact runs a tools-disabled summarization turn, then rebuilds the
// history as the summary plus the most recent original messages.
func (l *runLoop) compact(ctx context.Context) (bool, *Result) {
	max := l.opts.Recovery.MaxCompactionsPerRun
	if max <= 0 {
		max = 1
	}
	if l.ctl.compactions >= max {
		return false, l.terminalFailed(models.ErrorKindContextLength,
			fmt.Sprintf("context window still exceeded after %d compactions", l.ctl.compactions), nil)
	}
	l.ctl.compactions++

	if result := l.chargeStep(ctx); result != nil {
		return false, result
	}
	transcript := renderTranscript(l.history, l.opts.Recovery.CompactionHistoryMaxChars)
	req := &models.ChatRequest{
		Model:  l.opts.Model,
		System: "Summarize the conversation below. Preserve decisions, open work, file paths, and constraints. Reply with the summary only.",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: transcript},
		},
		MaxTokens: l.opts.MaxTokens,
	}
	if err := l.emit(models.EventLLMRequestStarted, map[string]any{
		"model":   l.opts.Model,
		"purpose": "compaction",
	}); err != nil {
		return false, l.walFailure(err)
	}
	summary, _, finish, err := l.streamTurn(ctx, req)
	if err != nil {
		return false, l.terminalFailed(models.ErrorKindContextLength,
			fmt.Sprintf("compaction turn failed: %v", err), nil)
	}
	if err := l.emit(models.EventLLMResponseCompleted, completedPayload(finish, summary, nil)); err != nil {
		return false, l.walFailure(err)
	}

	keep := l.opts.Recovery.CompactionKeepLastMessages
	tail := lastMessages(l.history, keep)
	l.history = append([]models.ChatMessage{
		{Role: models.RoleUser, Content: "[Context Summary]\n" + summary},
	}, tail...)

	l.notices = append(l.notices, Notice{
		Kind:       "context_compacted",
		Count:      l.ctl.compactions,
		Message:    "conversation history was summarized to fit the context window",
		Suggestion: "split long tasks into smaller runs to avoid losing detail",
	})
	return true, nil
}

// askHuman emits the request/response event pair around one HumanIO call.
func (l *runLoop) askHuman(ctx context.Context, kind, message string, options []string) (string, *Result) {
	if err := l.emit(models.EventHumanRequest, map[string]any{
		"kind":    kind,
		"message": message,
		"options": options,
	}); err != nil {
		return "", l.walFailure(err)
	}
	choice, err := l.opts.Human.RequestChoice(ctx, message, options)
	if err != nil {
		if ctx.Err() != nil {
			return "", l.terminalCancelled("cancelled")
		}
		return "", l.terminalFailed(models.ErrorKindHumanRequired,
			fmt.Sprintf("human input failed: %v", err), nil)
	}
	if err := l.emit(models.EventHumanResponse, map[string]any{
		"kind":   kind,
		"choice": choice,
	}); err != nil {
		return "", l.walFailure(err)
	}
	return choice, nil
}

// renderTranscript flattens history into one text block, keeping the
// newest content when the cap is exceeded.
func renderTranscript(history []models.ChatMessage, maxChars int) string {
	var b strings.Builder
	for _, msg := range history {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	out := b.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return out
}

// lastMessages returns the trailing n messages, skipping leading tool
// messages so the window never starts with an orphaned tool result.
func lastMessages(history []models.ChatMessage, n int) []models.ChatMessage {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	for start < len(history) && history[start].Role == models.RoleTool {
		start++
	}
	return append([]models.ChatMessage{}, history[start:]...)
}
