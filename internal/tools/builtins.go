package tools

import (
	"fmt"

	"github.com/haasonsaas/skillsruntime/internal/skills"
)

// BuiltinOptions selects which builtin tool groups get registered.
type BuiltinOptions struct {
	// Runtime enables exec_command, write_stdin, close_session, and the
	// collab tools. Nil skips them.
	Runtime RuntimeClient

	// Skills enables skill_exec. Nil skips it.
	Skills *skills.Manager
}

// RegisterBuiltins installs the builtin tool set into the registry.
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) error {
	entries := []Entry{
		NewShellExecTool(),
		NewShellCommandTool(),
		NewFileWriteTool(),
		NewApplyPatchTool(),
	}
	if opts.Runtime != nil {
		entries = append(entries,
			NewExecCommandTool(opts.Runtime),
			NewWriteStdinTool(opts.Runtime),
			NewCloseSessionTool(opts.Runtime),
		)
		entries = append(entries, NewCollabTools(opts.Runtime)...)
	}
	if opts.Skills != nil {
		entries = append(entries, NewSkillExecTool(opts.Skills))
	}
	for _, entry := range entries {
		if err := registry.Register(entry, false); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}
	return nil
}
