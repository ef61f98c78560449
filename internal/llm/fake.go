package llm

import (
	"context"
	"sync"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// ScriptedBackend replays prepared delta sequences, one per request, in
// order. Used by offline runs and tests. Once the script is exhausted it
// repeats the last turn.
type ScriptedBackend struct {
	mu       sync.Mutex
	turns    [][]models.ChatDelta
	next     int
	requests []*models.ChatRequest
}

// NewScriptedBackend builds a backend from per-request delta sequences.
func NewScriptedBackend(turns ...[]models.ChatDelta) *ScriptedBackend {
	return &ScriptedBackend{turns: turns}
}

// TextTurn is a convenience script entry: stream the text then stop.
func TextTurn(text string) []models.ChatDelta {
	return []models.ChatDelta{
		{Text: text},
		{FinishReason: "stop"},
	}
}

// ToolCallTurn is a convenience script entry: request one tool call.
func ToolCallTurn(callID, name, arguments string) []models.ChatDelta {
	return []models.ChatDelta{
		{ToolCall: &models.ToolCallDelta{ID: callID, Name: name, ArgsFragment: arguments}},
		{FinishReason: "tool_calls"},
	}
}

// ErrTurn is a convenience script entry: fail the stream with err.
func ErrTurn(err error) []models.ChatDelta {
	return []models.ChatDelta{{Err: err}}
}

// ChatStream replays the next scripted turn.
func (b *ScriptedBackend) ChatStream(ctx context.Context, req *models.ChatRequest) (<-chan models.ChatDelta, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	var turn []models.ChatDelta
	switch {
	case len(b.turns) == 0:
		turn = TextTurn("")
	case b.next < len(b.turns):
		turn = b.turns[b.next]
		b.next++
	default:
		turn = b.turns[len(b.turns)-1]
	}
	b.mu.Unlock()

	out := make(chan models.ChatDelta)
	go func() {
		defer close(out)
		for _, delta := range turn {
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Requests returns the requests seen so far.
func (b *ScriptedBackend) Requests() []*models.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.ChatRequest, len(b.requests))
	copy(out, b.requests)
	return out
}
