package safety

import (
	"context"
	"sync"
)

// Decision is an approval provider verdict for one sanitized request.
type Decision string

const (
	// DecisionApproved allows this single call.
	DecisionApproved Decision = "approved"
	// DecisionApprovedForSession allows this call and every later call
	// with the same approval key within the run.
	DecisionApprovedForSession Decision = "approved_for_session"
	// DecisionDenied rejects the call.
	DecisionDenied Decision = "denied"
	// DecisionAbort rejects the call and terminates the run.
	DecisionAbort Decision = "abort"
)

// Provider answers approval requests. Implementations may block on human
// input; the gate enforces the configured timeout around the call.
type Provider interface {
	RequestApproval(ctx context.Context, tool string, req SanitizedRequest) (Decision, error)
}

// Rule evaluates (tool, sanitized request) programmatically. The matched
// return reports whether the rule applies; a panicking rule is treated as
// non-matching.
type Rule func(tool string, req SanitizedRequest) (decision Decision, matched bool)

// RuleProvider evaluates rules in order and denies when none match.
type RuleProvider struct {
	rules   []Rule
	noMatch Decision
}

// NewRuleProvider builds a rule-based provider. noMatch is the decision
// when no rule applies (fail-closed default: denied).
func NewRuleProvider(noMatch Decision, rules ...Rule) *RuleProvider {
	if noMatch == "" {
		noMatch = DecisionDenied
	}
	return &RuleProvider{rules: rules, noMatch: noMatch}
}

// RequestApproval evaluates the rules against the request.
func (p *RuleProvider) RequestApproval(_ context.Context, tool string, req SanitizedRequest) (Decision, error) {
	for _, rule := range p.rules {
		if decision, matched := evalRule(rule, tool, req); matched {
			return decision, nil
		}
	}
	return p.noMatch, nil
}

func evalRule(rule Rule, tool string, req SanitizedRequest) (decision Decision, matched bool) {
	defer func() {
		if recover() != nil {
			decision, matched = "", false
		}
	}()
	return rule(tool, req)
}

// ScriptedProvider replays a fixed sequence of decisions. Intended for
// tests and offline runs; once the script is exhausted it denies.
type ScriptedProvider struct {
	mu        sync.Mutex
	script    []Decision
	Requested []string // approval keys are not known here; records tool names
}

// NewScriptedProvider builds a provider that returns the given decisions in
// order.
func NewScriptedProvider(decisions ...Decision) *ScriptedProvider {
	return &ScriptedProvider{script: decisions}
}

// RequestApproval pops the next scripted decision.
func (p *ScriptedProvider) RequestApproval(_ context.Context, tool string, _ SanitizedRequest) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requested = append(p.Requested, tool)
	if len(p.script) == 0 {
		return DecisionDenied, nil
	}
	decision := p.script[0]
	p.script = p.script[1:]
	return decision, nil
}

// Calls returns how many times the provider was consulted.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requested)
}
