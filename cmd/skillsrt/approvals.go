package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/haasonsaas/skillsruntime/internal/safety"
)

// consoleApprovals prompts on the terminal for each approval request. The
// provider only ever sees the sanitized request projection.
type consoleApprovals struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newConsoleApprovals(in io.Reader, out io.Writer) *consoleApprovals {
	return &consoleApprovals{in: bufio.NewReader(in), out: out}
}

// RequestApproval renders the sanitized request and reads one decision:
// y (approve once), a (approve for session), n (deny), q (abort run).
func (c *consoleApprovals) RequestApproval(ctx context.Context, tool string, req safety.SanitizedRequest) (safety.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rendered, err := json.MarshalIndent(map[string]any(req), "  ", "  ")
	if err != nil {
		rendered = []byte(fmt.Sprintf("%v", req))
	}
	fmt.Fprintf(c.out, "\napproval required for tool %q:\n  %s\n", tool, rendered)
	fmt.Fprint(c.out, "[y]es once / [a]lways this session / [n]o / [q]uit run? ")

	answer, readErr := c.readLine(ctx)
	if readErr != nil {
		return safety.DecisionDenied, readErr
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return safety.DecisionApproved, nil
	case "a", "always":
		return safety.DecisionApprovedForSession, nil
	case "q", "quit", "abort":
		return safety.DecisionAbort, nil
	default:
		return safety.DecisionDenied, nil
	}
}

// readLine reads one input line, honoring context cancellation.
func (c *consoleApprovals) readLine(ctx context.Context) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return res.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// consoleHuman answers recovery prompts interactively.
type consoleHuman struct {
	approvals *consoleApprovals
}

func newConsoleHuman(in io.Reader, out io.Writer) *consoleHuman {
	return &consoleHuman{approvals: newConsoleApprovals(in, out)}
}

func (h *consoleHuman) RequestChoice(ctx context.Context, message string, options []string) (string, error) {
	h.approvals.mu.Lock()
	defer h.approvals.mu.Unlock()

	fmt.Fprintf(h.approvals.out, "\n%s\noptions: %s\n> ", message, strings.Join(options, ", "))
	answer, err := h.approvals.readLine(ctx)
	if err != nil {
		return "", err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, option := range options {
		if answer == option {
			return option, nil
		}
	}
	// Unrecognized input falls through to the safest option.
	return options[len(options)-1], nil
}
