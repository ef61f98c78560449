package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/internal/wal"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// applyResume rebuilds the in-memory history from the run's existing WAL
// per the configured strategy.
func (l *runLoop) applyResume(ctx context.Context) ([]models.ChatMessage, error) {
	prior, err := wal.ReadPrefix(l.opts.Root, l.opts.RunID, -1)
	if err != nil {
		return nil, err
	}
	if len(prior) == 0 {
		return nil, fmt.Errorf("resume requested but the wal for run %q is empty", l.opts.RunID)
	}

	switch l.opts.Resume {
	case ResumeReplay:
		return l.replayHistory(prior), nil
	case ResumeSummary:
		return summaryHistory(prior), nil
	}
	return nil, fmt.Errorf("unknown resume strategy %q", l.opts.Resume)
}

// replayHistory rebuilds the conversation from assistant completions and
// tool results, and primes the approvals cache from session-scoped
// decisions. Single-use and denied decisions are not restored.
func (l *runLoop) replayHistory(prior []models.Event) []models.ChatMessage {
	var history []models.ChatMessage
	var sessionKeys []string

	for _, event := range prior {
		switch event.Type {
		case models.EventLLMResponseCompleted:
			msg := models.ChatMessage{Role: models.RoleAssistant}
			msg.Content, _ = event.Payload["text"].(string)
			if rawCalls, ok := event.Payload["tool_calls"].([]any); ok {
				for _, raw := range rawCalls {
					entry, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					call := models.ToolCall{}
					call.ID, _ = entry["call_id"].(string)
					call.Name, _ = entry["tool_name"].(string)
					if args, ok := entry["arguments"].(string); ok {
						call.Arguments = []byte(args)
					}
					msg.ToolCalls = append(msg.ToolCalls, call)
				}
			}
			history = append(history, msg)
		case models.EventToolCallFinished:
			msg := models.ChatMessage{Role: models.RoleTool}
			msg.ToolCallID, _ = event.Payload["call_id"].(string)
			if content, ok := event.Payload["content"].(string); ok {
				msg.Content = content
			} else if kind, ok := event.Payload["error_kind"].(string); ok {
				message, _ := event.Payload["error"].(string)
				msg.Content = "error (" + kind + "): " + message
			}
			history = append(history, msg)
		case models.EventApprovalDecided:
			decision, _ := event.Payload["decision"].(string)
			if decision == string(safety.DecisionApprovedForSession) {
				if key, ok := event.Payload["approval_key"].(string); ok {
					sessionKeys = append(sessionKeys, key)
				}
			}
		}
	}

	if len(sessionKeys) > 0 && l.opts.Gate != nil {
		l.opts.Gate.RestoreSessionApprovals(sessionKeys)
	}
	return history
}

// summaryHistory synthesizes a single user message from the prior run's
// terminal payload; the conversation otherwise starts fresh.
func summaryHistory(prior []models.Event) []models.ChatMessage {
	var terminal *models.Event
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Type.Terminal() {
			terminal = &prior[i]
			break
		}
	}

	summary := "[Resume Summary] A previous run for this task exists but did not record a terminal state."
	if terminal != nil {
		switch terminal.Type {
		case models.EventRunCompleted:
			finalOutput, _ := terminal.Payload["final_output"].(string)
			summary = "[Resume Summary] The previous run completed with this final output:\n" + finalOutput
		case models.EventRunFailed:
			kind, _ := terminal.Payload["error_kind"].(string)
			message, _ := terminal.Payload["message"].(string)
			summary = fmt.Sprintf("[Resume Summary] The previous run failed (%s): %s", kind, message)
		case models.EventRunCancelled:
			reason, _ := terminal.Payload["reason"].(string)
			summary = fmt.Sprintf("[Resume Summary] The previous run was cancelled (%s).", reason)
		}
	}
	return []models.ChatMessage{{Role: models.RoleUser, Content: summary}}
}

// Fork copies the prefix of a source run's WAL, up to and including
// forkPoint, into a fresh run id. The forked run can then be resumed with
// either strategy.
func Fork(root, srcRunID string, forkPoint int, newRunID string) (wal.Locator, error) {
	return wal.Fork(root, srcRunID, forkPoint, newRunID)
}
