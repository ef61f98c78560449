package safety

import (
	"strings"
)

// Mode is the configured safety posture.
type Mode string

const (
	ModeAllow Mode = "allow"
	ModeAsk   Mode = "ask"
	ModeDeny  Mode = "deny"
)

// PolicyDecision is the outcome of the pure policy stage.
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyAsk   PolicyDecision = "ask"
	PolicyDeny  PolicyDecision = "deny"
)

// Policy is the deterministic first stage of the gate. Evaluation depends
// only on its fields and the EvalInput; identical inputs always produce
// identical decisions.
type Policy struct {
	Mode Mode `yaml:"mode" json:"mode"`

	// Allowlist matches tool names or leading command words that skip
	// approval. Patterns: exact, "prefix*", "*suffix", "*".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist always wins over every other rule.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// ToolAllowlist names custom tools exempt from the ask default.
	ToolAllowlist []string `yaml:"tool_allowlist" json:"tool_allowlist"`
}

// EvalInput carries the decision-relevant projection of one tool call.
type EvalInput struct {
	// Tool is the registered tool name.
	Tool string

	// CommandWord is the leading word of the derived intent argv, when a
	// shell-string tool is being evaluated.
	CommandWord string

	// SandboxEscalated is true when the call requests permissions beyond
	// the session default.
	SandboxEscalated bool

	// IntentComplex is true when intent parsing found operators,
	// redirections, substitution, or failed outright.
	IntentComplex bool

	// ForceAsk is set for tools whose descriptor requires approval. It
	// ranks with the other ask conditions; denylist still wins.
	ForceAsk bool
}

// Evaluate runs the decision tree:
//
//	denylist hit                     -> deny
//	mode deny                        -> deny
//	sandbox permissions escalated    -> ask
//	mode ask and complex intent      -> ask
//	allowlist hit                    -> allow
//	mode allow                       -> allow
//	otherwise                        -> ask
func (p Policy) Evaluate(in EvalInput) (PolicyDecision, string) {
	if p.hit(p.Denylist, in) {
		return PolicyDeny, "denylist"
	}
	if p.Mode == ModeDeny {
		return PolicyDeny, "mode=deny"
	}
	if in.SandboxEscalated {
		return PolicyAsk, "sandbox permissions escalated"
	}
	if in.ForceAsk {
		return PolicyAsk, "tool requires approval"
	}
	if p.Mode == ModeAsk && in.IntentComplex {
		return PolicyAsk, "complex shell intent"
	}
	if p.hit(p.Allowlist, in) || matchesAny(p.ToolAllowlist, in.Tool) {
		return PolicyAllow, "allowlist"
	}
	if p.Mode == ModeAllow {
		return PolicyAllow, "mode=allow"
	}
	return PolicyAsk, "default"
}

func (p Policy) hit(patterns []string, in EvalInput) bool {
	if matchesAny(patterns, in.Tool) {
		return true
	}
	return in.CommandWord != "" && matchesAny(patterns, in.CommandWord)
}

// matchesAny checks name against a pattern list: exact match, "prefix*",
// "*suffix", or the bare wildcard.
func matchesAny(patterns []string, name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == name {
			return true
		}
		if len(pattern) > 1 && strings.HasSuffix(pattern, "*") &&
			strings.HasPrefix(name, pattern[:len(pattern)-1]) {
			return true
		}
		if len(pattern) > 1 && strings.HasPrefix(pattern, "*") &&
			strings.HasSuffix(name, pattern[1:]) {
			return true
		}
	}
	return false
}
