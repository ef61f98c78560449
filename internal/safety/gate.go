package safety

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// DefaultApprovalTimeout bounds how long the gate waits on a provider.
const DefaultApprovalTimeout = 5 * time.Minute

// EmitFunc lets the gate record approval events on the run's stream.
type EmitFunc func(ctx context.Context, eventType models.EventType, payload map[string]any) error

// Verdict is the gate's answer for one tool call.
type Verdict struct {
	// Allowed is true when the handler may run.
	Allowed bool

	// Key is the approval key derived from the sanitized request.
	Key string

	// Reason explains the decision ("allowlist", "cached", "provider",
	// "timeout", ...).
	Reason string

	// DenyKind is the error kind for the tool_call_finished record when
	// the call was not allowed.
	DenyKind models.ErrorKind

	// Fatal, when non-nil, terminates the run after the current
	// tool_call_finished is emitted.
	Fatal *models.RunError
}

// Gate is the per-run approvals client. It caches session-scoped approvals
// by key and guards against denial loops. Not safe for concurrent use; the
// loop's single-thread discipline owns it.
type Gate struct {
	policy   Policy
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger

	session map[string]struct{} // keys approved for the session
	denied  map[string]int      // per-key denial counts for the loop guard
}

// NewGate builds a gate with the given policy and provider. A nil provider
// is legal; any ASK outcome then fails the run closed with config_error.
func NewGate(policy Policy, provider Provider, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		policy:   policy,
		provider: provider,
		timeout:  timeout,
		logger:   logger,
		session:  make(map[string]struct{}),
		denied:   make(map[string]int),
	}
}

// RestoreSessionApprovals primes the cache with keys observed as
// approved_for_session in a prior WAL (replay resume).
func (g *Gate) RestoreSessionApprovals(keys []string) {
	for _, key := range keys {
		if key != "" {
			g.session[key] = struct{}{}
		}
	}
}

// Authorize runs policy, cache, and provider for one sanitized call.
func (g *Gate) Authorize(ctx context.Context, tool string, req SanitizedRequest, in EvalInput, emit EmitFunc) Verdict {
	key, err := ApprovalKey(tool, req)
	if err != nil {
		return Verdict{
			DenyKind: models.ErrorKindUnknown,
			Reason:   "approval key derivation failed",
			Fatal:    models.NewRunError(models.ErrorKindUnknown, err.Error()),
		}
	}

	decision, reason := g.policy.Evaluate(in)
	switch decision {
	case PolicyDeny:
		return Verdict{Key: key, Reason: reason, DenyKind: models.ErrorKindPermission}
	case PolicyAllow:
		return Verdict{Allowed: true, Key: key, Reason: reason}
	}

	// ASK path. Session-scoped approvals skip the provider entirely.
	if _, ok := g.session[key]; ok {
		g.emit(ctx, emit, models.EventApprovalDecided, map[string]any{
			"approval_key": key,
			"tool":         tool,
			"decision":     string(DecisionApprovedForSession),
			"reason":       "cached",
		})
		return Verdict{Allowed: true, Key: key, Reason: "cached"}
	}

	if g.provider == nil {
		return Verdict{
			Key:      key,
			Reason:   "no approval provider",
			DenyKind: models.ErrorKindPermission,
			Fatal: models.NewRunError(models.ErrorKindConfig,
				"tool requires approval but no approval provider is configured"),
		}
	}

	g.emit(ctx, emit, models.EventApprovalRequested, map[string]any{
		"approval_key":      key,
		"tool":              tool,
		"sanitized_request": map[string]any(req),
		"reason":            reason,
	})

	providerCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	answer, err := g.provider.RequestApproval(providerCtx, tool, req)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		reason := "provider error"
		kind := models.ErrorKindPermission
		if timedOut {
			reason = "timeout"
			kind = models.ErrorKindTimeout
		} else {
			g.logger.Warn("approval provider failed", "tool", tool, "error", err)
		}
		g.emit(ctx, emit, models.EventApprovalDecided, map[string]any{
			"approval_key": key,
			"tool":         tool,
			"decision":     string(DecisionDenied),
			"reason":       reason,
		})
		return g.recordDenial(Verdict{Key: key, Reason: reason, DenyKind: kind})
	}

	g.emit(ctx, emit, models.EventApprovalDecided, map[string]any{
		"approval_key": key,
		"tool":         tool,
		"decision":     string(answer),
		"reason":       "provider",
	})

	switch answer {
	case DecisionApproved:
		return Verdict{Allowed: true, Key: key, Reason: "provider"}
	case DecisionApprovedForSession:
		g.session[key] = struct{}{}
		return Verdict{Allowed: true, Key: key, Reason: "provider"}
	case DecisionAbort:
		return Verdict{
			Key:      key,
			Reason:   "abort",
			DenyKind: models.ErrorKindCancelled,
			Fatal:    models.NewRunError(models.ErrorKindCancelled, "approval provider aborted the run"),
		}
	default:
		return g.recordDenial(Verdict{Key: key, Reason: "provider", DenyKind: models.ErrorKindPermission})
	}
}

// recordDenial counts denials per key; a repeat denial for the same key is
// a loop-guard condition that terminates the run.
func (g *Gate) recordDenial(v Verdict) Verdict {
	g.denied[v.Key]++
	if g.denied[v.Key] > 1 {
		v.Fatal = models.NewRunError(models.ErrorKindConfig,
			"tool call denied repeatedly for the same request; aborting run")
	}
	return v
}

func (g *Gate) emit(ctx context.Context, emit EmitFunc, eventType models.EventType, payload map[string]any) {
	if emit == nil {
		return
	}
	if err := emit(ctx, eventType, payload); err != nil {
		g.logger.Warn("emit approval event failed", "event_type", eventType, "error", err)
	}
}
