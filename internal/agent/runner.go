// Package agent implements the run loop: prompt compilation, LLM
// streaming, tool dispatch, budgets, context recovery, and resume. One
// runner executes one run; within a run all events are emitted from a
// single goroutine, so the WAL ordering is the loop's execution order.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/skillsruntime/internal/events"
	"github.com/haasonsaas/skillsruntime/internal/prompt"
	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/internal/tools"
	"github.com/haasonsaas/skillsruntime/internal/wal"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Run statuses reported in Result.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Resume strategies.
const (
	ResumeSummary = "summary"
	ResumeReplay  = "replay"
)

// BudgetConfig bounds a run. Zero values disable the corresponding bound.
type BudgetConfig struct {
	MaxSteps       int
	MaxWallTime    time.Duration
	StepIncrement  int
	WallIncrement  time.Duration
}

// RecoveryConfig selects the context-length recovery behavior.
type RecoveryConfig struct {
	// Mode is "fail_fast", "compact_first", or "ask_first".
	Mode string

	MaxCompactionsPerRun       int
	CompactionHistoryMaxChars  int
	CompactionKeepLastMessages int

	// AskFirstFallbackMode applies when Mode is ask_first and no HumanIO
	// provider is configured.
	AskFirstFallbackMode string
}

// HumanIO answers recovery prompts that need a human decision. A nil
// provider makes ask_first fall back per configuration.
type HumanIO interface {
	RequestChoice(ctx context.Context, message string, options []string) (string, error)
}

// Options wires a runner. Backend, Prompt, Dispatcher, Gate, and Exec are
// required; everything else has a usable zero value.
type Options struct {
	// Root is the runtime state directory holding runs/<run_id>/.
	Root string

	// RunID identifies the run. Empty generates a fresh id.
	RunID string

	Backend   models.ChatBackend
	Model     string
	MaxTokens int

	Prompt     *prompt.Manager
	Dispatcher *tools.Dispatcher
	Gate       *safety.Gate
	Exec       *tools.ExecContext

	Budget   BudgetConfig
	Recovery RecoveryConfig
	Human    HumanIO

	// Resume, when non-empty, resumes RunID from its existing WAL using
	// the named strategy.
	Resume string

	Hooks  []events.Hook
	Logger *slog.Logger
}

// Notice is advisory metadata attached to the terminal event.
type Notice struct {
	Kind       string `json:"kind"`
	Count      int    `json:"count,omitempty"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	Status      string
	FinalOutput string
	WALLocator  wal.Locator
	Err         *models.RunError
	Notices     []Notice
}

// Stream couples the live event channel with the eventual result.
type Stream struct {
	events <-chan models.Event
	done   chan struct{}
	result *Result
}

// Events returns the run's event stream. The channel closes after the
// terminal event.
func (s *Stream) Events() <-chan models.Event { return s.events }

// Wait blocks until the run terminates and returns its result.
func (s *Stream) Wait() *Result {
	<-s.done
	return s.result
}

// Runner executes runs.
type Runner struct {
	opts Options
}

// NewRunner validates and captures the options.
func NewRunner(opts Options) *Runner {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recovery.Mode == "" {
		opts.Recovery.Mode = "compact_first"
	}
	return &Runner{opts: opts}
}

// RunID returns the id the runner will use.
func (r *Runner) RunID() string { return r.opts.RunID }

// RunStream starts the run and returns its event stream. The caller must
// drain Events() or the loop blocks on emission.
func (r *Runner) RunStream(ctx context.Context, task string) (*Stream, error) {
	writer, err := wal.Open(r.opts.Root, r.opts.RunID)
	if err != nil {
		return nil, err
	}
	emitterOpts := []events.Option{events.WithLogger(r.opts.Logger)}
	for _, hook := range r.opts.Hooks {
		emitterOpts = append(emitterOpts, events.WithHook(hook))
	}
	emitter := events.New(writer, emitterOpts...)

	stream := &Stream{events: emitter.Events(), done: make(chan struct{})}
	loop := &runLoop{
		opts:    r.opts,
		emitter: emitter,
		logger:  r.opts.Logger,
	}
	go func() {
		defer close(stream.done)
		stream.result = loop.run(ctx, task)
		if err := emitter.Close(); err != nil {
			r.opts.Logger.Warn("close run wal", "run_id", r.opts.RunID, "error", err)
		}
	}()
	return stream, nil
}

// Run executes the run to completion, discarding intermediate events.
func (r *Runner) Run(ctx context.Context, task string) (*Result, error) {
	stream, err := r.RunStream(ctx, task)
	if err != nil {
		return nil, err
	}
	for range stream.Events() {
	}
	return stream.Wait(), nil
}
