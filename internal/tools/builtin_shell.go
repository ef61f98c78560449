package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// MaxOutputBytes caps captured stdout/stderr per stream. Overflow sets the
// result's truncated flag.
const MaxOutputBytes = 64 * 1024

type shellExecArgs struct {
	Argv               []string          `json:"argv" jsonschema:"description=Program and arguments to execute"`
	Cwd                string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
	Env                map[string]string `json:"env,omitempty" jsonschema:"description=Extra environment variables for this call"`
	TimeoutMS          int               `json:"timeout_ms,omitempty"`
	TTY                bool              `json:"tty,omitempty"`
	Sandbox            string            `json:"sandbox,omitempty" jsonschema:"enum=none,enum=restricted"`
	SandboxPermissions []string          `json:"sandbox_permissions,omitempty"`
	Risk               string            `json:"risk,omitempty"`
}

// NewShellExecTool runs an argv directly, without shell interpretation.
func NewShellExecTool() Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "shell_exec",
			Description: "Execute a program with explicit arguments inside the workspace.",
			Parameters:  SchemaFor(&shellExecArgs{}),
		},
		Safety: Descriptor{
			WrapsSandbox: true,
			Recipe:       safety.RecipeShellExec,
			Builtin:      true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[shellExecArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if len(args.Argv) == 0 {
				return models.ErrorResult(models.ErrorKindValidation, "argv must not be empty"), nil
			}
			return runArgv(ctx, ec, args.Argv, args.Cwd, args.Env, args.Sandbox, args.SandboxPermissions)
		},
	}
}

type shellCommandArgs struct {
	Command   string            `json:"command" jsonschema:"description=Shell command string"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
	Sandbox   string            `json:"sandbox,omitempty" jsonschema:"enum=none,enum=restricted"`
	Risk      string            `json:"risk,omitempty"`
}

// NewShellCommandTool runs a shell command string. Simple commands are
// executed from the parsed argv; anything the intent parser marks complex
// goes through sh -c so shell semantics are preserved.
func NewShellCommandTool() Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "shell_command",
			Description: "Execute a shell command string inside the workspace.",
			Parameters:  SchemaFor(&shellCommandArgs{}),
		},
		Safety: Descriptor{
			WrapsSandbox: true,
			Recipe:       safety.RecipeShellCommand,
			Builtin:      true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[shellCommandArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if args.Command == "" {
				return models.ErrorResult(models.ErrorKindValidation, "command must not be empty"), nil
			}
			argv := commandArgv(args.Command)
			return runArgv(ctx, ec, argv, args.Workdir, args.Env, args.Sandbox, nil)
		},
	}
}

// commandArgv picks the execution argv for a shell string. The derived
// intent is audit-only; execution of anything complex keeps the original
// string under sh -c.
func commandArgv(command string) []string {
	intent := safety.ParseIntent(command)
	if !intent.IsComplex && len(intent.Argv) > 0 {
		return intent.Argv
	}
	return []string{"sh", "-c", command}
}

// runArgv executes argv with merged env under the effective sandbox,
// capturing bounded output.
func runArgv(ctx context.Context, ec *ExecContext, argv []string, cwd string, env map[string]string, sandbox string, permissions []string) (*models.ToolResult, error) {
	workdir, err := ec.ResolvePath(orDefault(cwd, "."))
	if err != nil {
		var runErr *models.RunError
		if errors.As(err, &runErr) {
			return models.ErrorResult(runErr.Kind, runErr.Message), nil
		}
		return nil, err
	}

	if effectiveSandbox(sandbox, ec.DefaultSandbox) == SandboxRestricted {
		if ec.Sandbox == nil {
			return models.ErrorResult(models.ErrorKindSandboxDenied,
				"restricted sandbox required but no adapter is available"), nil
		}
		argv = ec.Sandbox.Wrap(argv, permissions)
	}

	environ, _ := ec.MergedEnv(env)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = environ

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout}
	cmd.Stderr = &cappedWriter{buf: &stderr}

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &models.ToolResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Len() >= MaxOutputBytes || stderr.Len() >= MaxOutputBytes,
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		code := 0
		result.OK = true
		result.ExitCode = &code
	case errors.As(runErr, &exitErr):
		code := exitErr.ExitCode()
		result.ExitCode = &code
		result.ErrorKind = models.ErrorKindIO
		result.Error = fmt.Sprintf("command exited with status %d", code)
		result.Retryable = true
	default:
		result.ErrorKind = models.ErrorKindIO
		result.Error = runErr.Error()
	}
	return result, nil
}

// cappedWriter keeps the first MaxOutputBytes and silently drops the rest
// so runaway children cannot exhaust memory.
type cappedWriter struct {
	buf *bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := MaxOutputBytes - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
