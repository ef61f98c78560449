// Package runtimesrv implements the workspace runtime server and its
// client: a unix-socket RPC daemon that owns PTY exec sessions and child
// agents whose lifetime must exceed a single client invocation.
package runtimesrv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// MaxFrameBytes bounds a single frame section. Oversized frames close the
// connection.
const MaxFrameBytes = 8 << 20

// Frame layout: 4-byte big-endian header length, JSON header, 4-byte
// big-endian payload length, payload bytes. The payload carries plaintext
// stdin for exec.write so it never appears inside a JSON document that
// might be logged.

// Request is the client-to-server frame header.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Secret string          `json:"secret"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the server-to-client frame header.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the wire form of a failed RPC. Kind is one of the runtime's
// error kinds so clients can map it straight onto tool results.
type RPCError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Kind + ": " + e.Message }

// RunError converts the wire error to the shared error model.
func (e *RPCError) RunError() *models.RunError {
	kind := models.ErrorKind(e.Kind)
	switch kind {
	case models.ErrorKindValidation, models.ErrorKindPermission, models.ErrorKindNotFound,
		models.ErrorKindSandboxDenied, models.ErrorKindTimeout, models.ErrorKindHumanRequired,
		models.ErrorKindCancelled, models.ErrorKindBudget, models.ErrorKindIO,
		models.ErrorKindConfig, models.ErrorKindContextLength:
	default:
		kind = models.ErrorKindUnknown
	}
	return models.NewRunError(kind, e.Message)
}

// WriteFrame writes one header + payload frame.
func WriteFrame(w io.Writer, header any, payload []byte) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal frame header: %w", err)
	}
	if len(headerBytes) > MaxFrameBytes || len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame section exceeds %d bytes", MaxFrameBytes)
	}
	var lens [4]byte
	binary.BigEndian.PutUint32(lens[:], uint32(len(headerBytes)))
	if _, err := w.Write(lens[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(lens[:], uint32(len(payload)))
	if _, err := w.Write(lens[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame, decoding the header into header.
func ReadFrame(r io.Reader, header any) ([]byte, error) {
	headerBytes, err := readSection(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(headerBytes, header); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	payload, err := readSection(r)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func readSection(r io.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("frame section of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	section := make([]byte, n)
	if _, err := io.ReadFull(r, section); err != nil {
		return nil, err
	}
	return section, nil
}

// RPC parameter and result shapes.

type ExecStartParams struct {
	Cmd             string   `json:"cmd"`
	Cwd             string   `json:"cwd,omitempty"`
	Env             []string `json:"env,omitempty"`
	YieldTimeMS     int      `json:"yield_time_ms,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	TTY             bool     `json:"tty"`
	Sandbox         string   `json:"sandbox,omitempty"`
}

type ExecStartResult struct {
	SessionID     string `json:"session_id"`
	Running       bool   `json:"running"`
	InitialOutput string `json:"initial_output,omitempty"`
}

type ExecWriteParams struct {
	SessionID       string `json:"session_id"`
	YieldTimeMS     int    `json:"yield_time_ms,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	IsPoll          bool   `json:"is_poll,omitempty"`
	Bytes           int    `json:"bytes"`
	CharsSHA256     string `json:"chars_sha256,omitempty"`
}

type ExecWriteResult struct {
	Running  bool   `json:"running"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type ExecCloseParams struct {
	SessionID string `json:"session_id"`
}

type ExecCloseResult struct {
	Closed bool `json:"closed"`
}

type CollabSpawnParams struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

type CollabSpawnResult struct {
	ChildID string `json:"child_id"`
	Status  string `json:"status"`
}

type CollabSendInputParams struct {
	ChildID string `json:"child_id"`
	Input   string `json:"input"`
}

type CollabSendInputResult struct {
	Accepted bool `json:"accepted"`
}

type CollabResumeParams struct {
	ChildID string `json:"child_id"`
	Message string `json:"message,omitempty"`
}

type CollabResumeResult struct {
	ChildID string `json:"child_id"`
	Status  string `json:"status"`
}

type CollabWaitParams struct {
	ChildID   string `json:"child_id"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type CollabWaitResult struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CollabCloseParams struct {
	ChildID string `json:"child_id"`
}

type CollabCloseResult struct {
	Status string `json:"status"`
}

type StatusResult struct {
	Healthy     bool            `json:"healthy"`
	ExecActive  int             `json:"exec_active"`
	ChildActive int             `json:"child_active"`
	Registry    []RegistryEntry `json:"registry"`
}

type CleanupResult struct {
	Closed    int `json:"closed"`
	Cancelled int `json:"cancelled"`
}
