package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/skillsruntime/internal/runtimesrv"
	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// RuntimeClient is the slice of the workspace runtime client the session
// and collab tools need. Implemented by runtimesrv.Client.
type RuntimeClient interface {
	ExecStart(ctx context.Context, p runtimesrv.ExecStartParams) (*runtimesrv.ExecStartResult, error)
	ExecWrite(ctx context.Context, p runtimesrv.ExecWriteParams, chars []byte) (*runtimesrv.ExecWriteResult, error)
	ExecClose(ctx context.Context, sessionID string) (*runtimesrv.ExecCloseResult, error)
	CollabSpawn(ctx context.Context, p runtimesrv.CollabSpawnParams) (*runtimesrv.CollabSpawnResult, error)
	CollabResume(ctx context.Context, childID, message string) (*runtimesrv.CollabResumeResult, error)
	CollabSendInput(ctx context.Context, childID, input string) (bool, error)
	CollabWait(ctx context.Context, childID string, timeoutMS int) (*runtimesrv.CollabWaitResult, error)
	CollabClose(ctx context.Context, childID string) error
}

type execCommandArgs struct {
	Cmd             string            `json:"cmd" jsonschema:"description=Shell command to run in an interactive PTY session"`
	Workdir         string            `json:"workdir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	YieldTimeMS     int               `json:"yield_time_ms,omitempty" jsonschema:"description=How long to collect initial output before returning"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	TimeoutMS       int               `json:"timeout_ms,omitempty"`
	Sandbox         string            `json:"sandbox,omitempty" jsonschema:"enum=none,enum=restricted"`
	Risk            string            `json:"risk,omitempty"`
}

// NewExecCommandTool starts a persistent PTY session on the workspace
// runtime server. The session outlives the current invocation; later
// write_stdin calls interact with it by session id.
func NewExecCommandTool(client RuntimeClient) Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "exec_command",
			Description: "Start an interactive command in a persistent PTY session.",
			Parameters:  SchemaFor(&execCommandArgs{}),
		},
		Safety: Descriptor{
			WrapsSandbox: true,
			Recipe:       safety.RecipeShellCommand,
			Builtin:      true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[execCommandArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if args.Cmd == "" {
				return models.ErrorResult(models.ErrorKindValidation, "cmd must not be empty"), nil
			}
			cwd, err := ec.ResolvePath(orDefault(args.Workdir, "."))
			if err != nil {
				return resultFromPathError(err)
			}
			environ, _ := ec.MergedEnv(args.Env)
			started, err := client.ExecStart(ctx, runtimesrv.ExecStartParams{
				Cmd:             args.Cmd,
				Cwd:             cwd,
				Env:             environ,
				YieldTimeMS:     args.YieldTimeMS,
				MaxOutputTokens: args.MaxOutputTokens,
				TTY:             true,
				Sandbox:         args.Sandbox,
			})
			if err != nil {
				return rpcErrorResult(err)
			}
			result := &models.ToolResult{OK: true, Stdout: started.InitialOutput}
			result.SetData("session_id", started.SessionID)
			result.SetData("running", started.Running)
			return result, nil
		},
	}
}

type writeStdinArgs struct {
	SessionID       string `json:"session_id" jsonschema:"description=Session id returned by exec_command"`
	Chars           string `json:"chars" jsonschema:"description=Plaintext to write to the session stdin"`
	YieldTimeMS     int    `json:"yield_time_ms,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	IsPoll          bool   `json:"is_poll,omitempty" jsonschema:"description=Poll for output without writing"`
}

// NewWriteStdinTool writes to a PTY session and returns accumulated
// output. The plaintext chars travel only on the socket's binary frame;
// events and the WAL carry byte count and digest.
func NewWriteStdinTool(client RuntimeClient) Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "write_stdin",
			Description: "Write input to a PTY session and collect its output.",
			Parameters:  SchemaFor(&writeStdinArgs{}),
		},
		Safety: Descriptor{
			Recipe:  safety.RecipeWriteStdin,
			Builtin: true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[writeStdinArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if args.SessionID == "" {
				return models.ErrorResult(models.ErrorKindValidation, "session_id must not be empty"), nil
			}
			written, err := client.ExecWrite(ctx, runtimesrv.ExecWriteParams{
				SessionID:       args.SessionID,
				YieldTimeMS:     args.YieldTimeMS,
				MaxOutputTokens: args.MaxOutputTokens,
				IsPoll:          args.IsPoll,
			}, []byte(args.Chars))
			if err != nil {
				return rpcErrorResult(err)
			}
			result := &models.ToolResult{OK: true, Stdout: written.Output}
			result.SetData("running", written.Running)
			if written.ExitCode != nil {
				result.ExitCode = written.ExitCode
			}
			return result, nil
		},
	}
}

type closeSessionArgs struct {
	SessionID string `json:"session_id"`
}

// NewCloseSessionTool terminates a PTY session.
func NewCloseSessionTool(client RuntimeClient) Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "close_session",
			Description: "Terminate a PTY session and drain its buffers.",
			Parameters:  SchemaFor(&closeSessionArgs{}),
		},
		Safety: Descriptor{Builtin: true},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[closeSessionArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			closed, err := client.ExecClose(ctx, args.SessionID)
			if err != nil {
				return rpcErrorResult(err)
			}
			result := &models.ToolResult{OK: true}
			result.SetData("closed", closed.Closed)
			return result, nil
		},
	}
}

type spawnAgentArgs struct {
	Message string `json:"message" jsonschema:"description=Task for the child agent"`
	Model   string `json:"model,omitempty"`
}

type resumeAgentArgs struct {
	ChildID string `json:"child_id"`
	Message string `json:"message,omitempty" jsonschema:"description=Follow-up task; the child continues from its previous run"`
}

type sendInputArgs struct {
	ChildID string `json:"child_id"`
	Input   string `json:"input"`
}

type waitAgentArgs struct {
	ChildID   string `json:"child_id"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type closeAgentArgs struct {
	ChildID string `json:"child_id"`
}

// NewCollabTools returns the child-agent tool set backed by the runtime
// server.
func NewCollabTools(client RuntimeClient) []Entry {
	return []Entry{
		{
			Spec: models.ToolSpec{
				Name:        "spawn_agent",
				Description: "Start a child agent working on a message.",
				Parameters:  SchemaFor(&spawnAgentArgs{}),
			},
			Safety: Descriptor{RequiresApproval: true, Builtin: true},
			Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
				args, err := decodeArgs[spawnAgentArgs](raw)
				if err != nil {
					return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
				}
				spawned, err := client.CollabSpawn(ctx, runtimesrv.CollabSpawnParams{
					Message: args.Message,
					Model:   args.Model,
				})
				if err != nil {
					return rpcErrorResult(err)
				}
				result := &models.ToolResult{OK: true}
				result.SetData("child_id", spawned.ChildID)
				result.SetData("status", spawned.Status)
				return result, nil
			},
		},
		{
			Spec: models.ToolSpec{
				Name:        "resume_agent",
				Description: "Re-drive a finished child agent with a follow-up message.",
				Parameters:  SchemaFor(&resumeAgentArgs{}),
			},
			Safety: Descriptor{RequiresApproval: true, Builtin: true},
			Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
				args, err := decodeArgs[resumeAgentArgs](raw)
				if err != nil {
					return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
				}
				if args.ChildID == "" {
					return models.ErrorResult(models.ErrorKindValidation, "child_id must not be empty"), nil
				}
				resumed, err := client.CollabResume(ctx, args.ChildID, args.Message)
				if err != nil {
					return rpcErrorResult(err)
				}
				result := &models.ToolResult{OK: true}
				result.SetData("child_id", resumed.ChildID)
				result.SetData("status", resumed.Status)
				return result, nil
			},
		},
		{
			Spec: models.ToolSpec{
				Name:        "send_input",
				Description: "Queue an input line for a running child agent.",
				Parameters:  SchemaFor(&sendInputArgs{}),
			},
			Safety: Descriptor{Builtin: true},
			Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
				args, err := decodeArgs[sendInputArgs](raw)
				if err != nil {
					return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
				}
				accepted, err := client.CollabSendInput(ctx, args.ChildID, args.Input)
				if err != nil {
					return rpcErrorResult(err)
				}
				result := &models.ToolResult{OK: true}
				result.SetData("accepted", accepted)
				return result, nil
			},
		},
		{
			Spec: models.ToolSpec{
				Name:        "wait_agent",
				Description: "Wait for a child agent to finish or time out.",
				Parameters:  SchemaFor(&waitAgentArgs{}),
			},
			Safety: Descriptor{Builtin: true},
			Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
				args, err := decodeArgs[waitAgentArgs](raw)
				if err != nil {
					return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
				}
				waited, err := client.CollabWait(ctx, args.ChildID, args.TimeoutMS)
				if err != nil {
					return rpcErrorResult(err)
				}
				result := &models.ToolResult{OK: true, Stdout: waited.Output}
				result.SetData("status", waited.Status)
				if waited.Error != "" {
					result.SetData("child_error", waited.Error)
				}
				return result, nil
			},
		},
		{
			Spec: models.ToolSpec{
				Name:        "close_agent",
				Description: "Cancel a running child agent.",
				Parameters:  SchemaFor(&closeAgentArgs{}),
			},
			Safety: Descriptor{Builtin: true},
			Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
				args, err := decodeArgs[closeAgentArgs](raw)
				if err != nil {
					return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
				}
				if err := client.CollabClose(ctx, args.ChildID); err != nil {
					return rpcErrorResult(err)
				}
				result := &models.ToolResult{OK: true}
				result.SetData("status", "cancelled")
				return result, nil
			},
		},
	}
}

// rpcErrorResult maps a runtime client failure onto a tool result. RPC
// errors arrive as RunError values carrying the server's error kind.
func rpcErrorResult(err error) (*models.ToolResult, error) {
	var runErr *models.RunError
	if errors.As(err, &runErr) {
		return models.ErrorResult(runErr.Kind, runErr.Message), nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	return models.ErrorResult(models.ErrorKindIO, err.Error()), nil
}
