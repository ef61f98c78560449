package runtimesrv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/skillsruntime/internal/backoff"
)

// Client is the in-process adapter tool handlers use to reach the
// workspace runtime server. It holds no state beyond the connection: every
// result comes from the server.
type Client struct {
	dir    string
	logger *slog.Logger

	// SpawnCommand is the argv used to start a server when none is
	// alive. Empty disables auto-spawn.
	SpawnCommand []string

	mu   sync.Mutex
	conn net.Conn
	info *ServerInfo
}

// NewClient creates a client for the runtime directory. When spawn is
// true, the current executable is re-invoked as `runtime-server` on
// demand.
func NewClient(dir string, spawn bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{dir: dir, logger: logger}
	if spawn {
		if exe, err := os.Executable(); err == nil {
			c.SpawnCommand = []string{exe, "runtime-server", "--dir", dir}
		}
	}
	return c
}

// ensure returns a live authenticated connection, starting a server if
// server.json is missing or its pid is dead.
func (c *Client) ensure(ctx context.Context) (net.Conn, *ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, c.info, nil
	}

	info, err := ReadServerInfo(c.dir)
	if err != nil || !info.Alive() {
		if len(c.SpawnCommand) == 0 {
			return nil, nil, fmt.Errorf("runtime server is not running and auto-spawn is disabled")
		}
		if err := c.spawnServer(); err != nil {
			return nil, nil, err
		}
		// The child writes server.json once its socket accepts.
		fresh, err := backoff.Retry(ctx, backoff.AggressivePolicy(), 20,
			func(int) (*ServerInfo, error) {
				fresh, err := ReadServerInfo(c.dir)
				if err != nil {
					return nil, err
				}
				if !fresh.Alive() {
					return nil, fmt.Errorf("runtime server pid %d not alive yet", fresh.PID)
				}
				return fresh, nil
			})
		if err != nil {
			return nil, nil, fmt.Errorf("runtime server did not come up: %w", err)
		}
		info = fresh
	}

	conn, err := net.Dial("unix", info.SocketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("dial runtime server: %w", err)
	}
	c.conn = conn
	c.info = info
	return conn, info, nil
}

func (c *Client) spawnServer() error {
	cmd := exec.Command(c.SpawnCommand[0], c.SpawnCommand[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn runtime server: %w", err)
	}
	c.logger.Info("spawned runtime server", "pid", cmd.Process.Pid)
	// The daemon owns its own lifetime; the parent never waits on it.
	go func() { _ = cmd.Wait() }()
	return nil
}

// call performs one framed request/response exchange.
func (c *Client) call(ctx context.Context, method string, params any, payload []byte, result any) error {
	conn, info, err := c.ensure(ctx)
	if err != nil {
		return err
	}

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}
	req := Request{
		ID:     uuid.NewString(),
		Method: method,
		Secret: info.Secret,
		Params: rawParams,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	if err := WriteFrame(conn, req, payload); err != nil {
		c.drop()
		return fmt.Errorf("send %s: %w", method, err)
	}
	var resp Response
	if _, err := ReadFrame(conn, &resp); err != nil {
		c.drop()
		return fmt.Errorf("receive %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error.RunError()
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// drop discards the cached connection; the next call reconnects.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.info = nil
	}
}

// Close releases the cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
}

// Status reports server health and counts.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, "runtime.status", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cleanup stops all sessions and children on the server.
func (c *Client) Cleanup(ctx context.Context) (*CleanupResult, error) {
	var result CleanupResult
	if err := c.call(ctx, "runtime.cleanup", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecStart launches a PTY session.
func (c *Client) ExecStart(ctx context.Context, p ExecStartParams) (*ExecStartResult, error) {
	var result ExecStartResult
	if err := c.call(ctx, "exec.start", p, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecWrite sends chars to a session over the binary frame and collects
// output. The JSON header carries only the byte count and digest.
func (c *Client) ExecWrite(ctx context.Context, p ExecWriteParams, chars []byte) (*ExecWriteResult, error) {
	p.Bytes = len(chars)
	sum := sha256.Sum256(chars)
	p.CharsSHA256 = hex.EncodeToString(sum[:])
	var result ExecWriteResult
	if err := c.call(ctx, "exec.write", p, chars, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecClose terminates a session.
func (c *Client) ExecClose(ctx context.Context, sessionID string) (*ExecCloseResult, error) {
	var result ExecCloseResult
	if err := c.call(ctx, "exec.close", ExecCloseParams{SessionID: sessionID}, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CollabSpawn starts a child agent.
func (c *Client) CollabSpawn(ctx context.Context, p CollabSpawnParams) (*CollabSpawnResult, error) {
	var result CollabSpawnResult
	if err := c.call(ctx, "collab.spawn", p, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CollabResume re-drives a finished child agent with a follow-up message.
func (c *Client) CollabResume(ctx context.Context, childID, message string) (*CollabResumeResult, error) {
	var result CollabResumeResult
	err := c.call(ctx, "collab.resume", CollabResumeParams{ChildID: childID, Message: message}, nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CollabSendInput queues an input line for a child agent.
func (c *Client) CollabSendInput(ctx context.Context, childID, input string) (bool, error) {
	var result CollabSendInputResult
	err := c.call(ctx, "collab.send_input", CollabSendInputParams{ChildID: childID, Input: input}, nil, &result)
	if err != nil {
		return false, err
	}
	return result.Accepted, nil
}

// CollabWait blocks until the child finishes or the timeout elapses.
func (c *Client) CollabWait(ctx context.Context, childID string, timeoutMS int) (*CollabWaitResult, error) {
	var result CollabWaitResult
	err := c.call(ctx, "collab.wait", CollabWaitParams{ChildID: childID, TimeoutMS: timeoutMS}, nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CollabClose cancels a child agent.
func (c *Client) CollabClose(ctx context.Context, childID string) error {
	return c.call(ctx, "collab.close", CollabCloseParams{ChildID: childID}, nil, nil)
}
