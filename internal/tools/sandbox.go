package tools

// Sandbox levels requested by a tool call. The effective level is the
// stricter of the requested level and the session default.
const (
	SandboxNone       = "none"
	SandboxRestricted = "restricted"
)

// Adapter wraps an argv so the child runs under OS-level restriction. The
// runtime ships without a default adapter; hosts plug one in.
type Adapter interface {
	// Name identifies the adapter in events ("bwrap", "seatbelt", ...).
	Name() string

	// Wrap rewrites the argv to run sandboxed with the given writable
	// permissions.
	Wrap(argv []string, permissions []string) []string
}

// SandboxState is attached to every tool result under data.sandbox. All
// four keys are always present; adapter is null when no adapter ran.
type SandboxState struct {
	Requested string `json:"requested"`
	Effective string `json:"effective"`
	Adapter   string `json:"adapter"`
	Active    bool   `json:"active"`
}

func (s SandboxState) asMap() map[string]any {
	var adapter any
	if s.Adapter != "" {
		adapter = s.Adapter
	}
	return map[string]any{
		"requested": s.Requested,
		"effective": s.Effective,
		"adapter":   adapter,
		"active":    s.Active,
	}
}

// effectiveSandbox combines the requested level with the session default.
// Restricted wins over none in either position.
func effectiveSandbox(requested, sessionDefault string) string {
	if requested == SandboxRestricted || sessionDefault == SandboxRestricted {
		return SandboxRestricted
	}
	return SandboxNone
}
