// Package events provides the single choke point through which every run
// event flows: durable WAL append first, then observer hooks, then the
// streaming consumer.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/skillsruntime/internal/wal"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Hook observes events after their durable append. Hooks run synchronously
// and in registration order; a panicking hook is captured and logged, never
// aborting the emit.
type Hook func(models.Event)

// Emitter serializes event emission for one run. Ordering contract per
// Emit call: (1) WAL append, (2) hook fan-out, (3) yield to the streaming
// consumer. The consumer channel is unbuffered by default so a slow
// consumer backpressures the producer.
type Emitter struct {
	writer   *wal.Writer
	hooks    []Hook
	out      chan models.Event
	logger   *slog.Logger
	terminal bool
	lastTS   time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHook registers an observer hook.
func WithHook(h Hook) Option {
	return func(e *Emitter) {
		if h != nil {
			e.hooks = append(e.hooks, h)
		}
	}
}

// WithBuffer sets the consumer channel capacity (default 0, fully
// backpressured).
func WithBuffer(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.out = make(chan models.Event, n)
		}
	}
}

// WithLogger sets the logger used for hook failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an emitter bound to a run's WAL writer.
func New(writer *wal.Writer, opts ...Option) *Emitter {
	e := &Emitter{
		writer: writer,
		out:    make(chan models.Event),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the stream the run's consumer reads from. The channel is
// closed by Close after the terminal event.
func (e *Emitter) Events() <-chan models.Event { return e.out }

// Locator returns the WAL locator for the run.
func (e *Emitter) Locator() wal.Locator { return e.writer.Locator() }

// Emit appends the event durably, fans out to hooks, then yields it to the
// consumer. It returns the WAL line index. Emitting after a terminal event
// is a programming error and fails.
func (e *Emitter) Emit(ctx context.Context, event models.Event) (int, error) {
	if e.terminal {
		return 0, fmt.Errorf("emit after terminal event %q", event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	// Timestamps are monotonic within a WAL prefix; clamp clock steps back.
	if event.Timestamp.Before(e.lastTS) {
		event.Timestamp = e.lastTS
	}
	e.lastTS = event.Timestamp
	if event.RunID == "" {
		event.RunID = e.writer.RunID()
	}

	idx, err := e.writer.Append(event)
	if err != nil {
		return 0, err
	}
	if event.Type.Terminal() {
		e.terminal = true
	}

	for _, hook := range e.hooks {
		e.runHook(hook, event)
	}

	select {
	case e.out <- event:
	case <-ctx.Done():
		// The event is durable either way; a departed consumer only
		// stops observing.
		return idx, ctx.Err()
	}
	return idx, nil
}

func (e *Emitter) runHook(hook Hook, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event hook panicked",
				"event_type", event.Type,
				"run_id", event.RunID,
				"panic", r,
			)
		}
	}()
	hook(event)
}

// Close closes the consumer stream and the underlying WAL writer.
func (e *Emitter) Close() error {
	close(e.out)
	return e.writer.Close()
}
