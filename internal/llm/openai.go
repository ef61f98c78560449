// Package llm adapts external chat completion APIs to the runtime's
// streaming backend contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/skillsruntime/internal/backoff"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// OpenAIConfig selects the endpoint and model for the OpenAI-compatible
// backend. BaseURL may point at any compatible server.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxAttempts  int
}

// OpenAIBackend streams chat completions from an OpenAI-compatible API.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	maxAttempts  int
	logger       *slog.Logger
}

// NewOpenAIBackend builds the backend. The stream-open call is retried
// with backoff on transient failures; established streams are not.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxAttempts:  cfg.MaxAttempts,
		logger:       logger,
	}
}

// ChatStream opens a completion stream and forwards deltas on the
// returned channel. Context-window overflow surfaces as
// models.ErrContextLengthExceeded so the loop controller can recover.
func (b *OpenAIBackend) ChatStream(ctx context.Context, req *models.ChatRequest) (<-chan models.ChatDelta, error) {
	apiReq := b.buildRequest(req)

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 1; ; attempt++ {
		stream, err = b.client.CreateChatCompletionStream(ctx, apiReq)
		if err == nil {
			break
		}
		if !retryable(err) || attempt >= b.maxAttempts {
			return nil, translateError(err)
		}
		b.logger.Warn("chat stream open failed, retrying", "attempt", attempt, "error", err)
		if sleepErr := backoff.Sleep(ctx, backoff.DefaultPolicy(), attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}

	out := make(chan models.ChatDelta)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				out <- models.ChatDelta{Err: translateError(err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, out, models.ChatDelta{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta := &models.ToolCallDelta{
					ID:           tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				}
				if tc.Index != nil {
					delta.Index = *tc.Index
				}
				if !send(ctx, out, models.ChatDelta{ToolCall: delta}) {
					return
				}
			}
			if choice.FinishReason != "" {
				send(ctx, out, models.ChatDelta{FinishReason: string(choice.FinishReason)})
				return
			}
		}
	}()
	return out, nil
}

func (b *OpenAIBackend) buildRequest(req *models.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		converted := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		messages = append(messages, converted)
	}

	apiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return apiReq
}

func send(ctx context.Context, out chan<- models.ChatDelta, delta models.ChatDelta) bool {
	select {
	case out <- delta:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if isContextLength(apiErr) {
			return false
		}
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level failures are worth retrying.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && isContextLength(apiErr) {
		return fmt.Errorf("%w: %s", models.ErrContextLengthExceeded, apiErr.Message)
	}
	return err
}

func isContextLength(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "context length")
}
