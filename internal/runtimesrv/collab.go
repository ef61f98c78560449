package runtimesrv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Child agent statuses.
const (
	ChildRunning   = "running"
	ChildCompleted = "completed"
	ChildFailed    = "failed"
	ChildCancelled = "cancelled"
)

// ChildRunParams describes one drive of a child agent. RunID is stable
// across resumes so the child keeps one event log; Resume marks a
// re-drive of a finished child, which continues from that log.
type ChildRunParams struct {
	RunID   string
	Message string
	Model   string
	Resume  bool
}

// ChildRunner drives one child agent to completion. The runtime server is
// injected with a runner at startup so it never depends on the agent loop
// directly. input delivers send_input lines; the channel closes when the
// child is cancelled.
type ChildRunner func(ctx context.Context, p ChildRunParams, input <-chan string) (string, error)

// child is one sub-agent. A finished child can be re-driven in place;
// its id and run log carry over, the channels are replaced per drive.
type child struct {
	id    string
	model string

	mu     sync.Mutex
	cancel context.CancelFunc
	input  chan string
	done   chan struct{}
	status string
	output string
	errMsg string
}

// collabManager owns child agents. Safe for concurrent use.
type collabManager struct {
	mu       sync.Mutex
	runner   ChildRunner
	children map[string]*child
}

func newCollabManager(runner ChildRunner) *collabManager {
	return &collabManager{runner: runner, children: make(map[string]*child)}
}

func (m *collabManager) spawn(message, model string) (*child, bool) {
	if m.runner == nil {
		return nil, false
	}
	c := &child{id: uuid.NewString(), model: model}
	m.mu.Lock()
	m.children[c.id] = c
	m.mu.Unlock()

	c.start(m.runner, ChildRunParams{RunID: c.id, Message: message, Model: model})
	return c, true
}

// resume re-drives a finished child with a follow-up message. The child
// keeps its id, model, and run log; a running child cannot be resumed.
func (m *collabManager) resume(c *child, message string) error {
	if !c.start(m.runner, ChildRunParams{
		RunID:   c.id,
		Message: message,
		Model:   c.model,
		Resume:  true,
	}) {
		return fmt.Errorf("child %q is still running", c.id)
	}
	return nil
}

// start begins one drive of the child. It refuses to preempt a running
// drive and reports whether the drive was started.
func (c *child) start(runner ChildRunner, p ChildRunParams) bool {
	ctx, cancel := context.WithCancel(context.Background())
	input := make(chan string, 16)
	done := make(chan struct{})

	c.mu.Lock()
	if c.status == ChildRunning {
		c.mu.Unlock()
		cancel()
		return false
	}
	c.cancel = cancel
	c.input = input
	c.done = done
	c.status = ChildRunning
	c.errMsg = ""
	c.mu.Unlock()

	go func() {
		output, err := runner(ctx, p, input)
		c.mu.Lock()
		c.output = output
		switch {
		case ctx.Err() != nil:
			c.status = ChildCancelled
		case err != nil:
			c.status = ChildFailed
			c.errMsg = err.Error()
		default:
			c.status = ChildCompleted
		}
		c.mu.Unlock()
		close(done)
	}()
	return true
}

func (m *collabManager) get(id string) (*child, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	return c, ok
}

// channels snapshots the current drive's channels.
func (c *child) channels() (chan string, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input, c.done
}

// sendInput queues a line for the child. A finished child or a full queue
// rejects the input.
func (c *child) sendInput(line string) bool {
	input, done := c.channels()
	select {
	case <-done:
		return false
	default:
	}
	select {
	case input <- line:
		return true
	default:
		return false
	}
}

// wait blocks until the child finishes or the timeout elapses. A zero
// timeout waits indefinitely.
func (c *child) wait(timeout time.Duration) CollabWaitResult {
	_, done := c.channels()
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			return CollabWaitResult{Status: ChildRunning}
		}
	} else {
		<-done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollabWaitResult{Status: c.status, Output: c.output, Error: c.errMsg}
}

// stop cancels the child cooperatively and waits briefly for it to land.
func (c *child) stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (c *child) currentStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// activeCount counts children still running.
func (m *collabManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.children {
		if c.currentStatus() == ChildRunning {
			n++
		}
	}
	return n
}

// stopAll cancels every running child and returns how many were stopped.
func (m *collabManager) stopAll() int {
	m.mu.Lock()
	children := make([]*child, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.mu.Unlock()

	stopped := 0
	for _, c := range children {
		if c.currentStatus() == ChildRunning {
			c.stop()
			stopped++
		}
	}
	return stopped
}
