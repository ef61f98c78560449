package runtimesrv

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// DefaultIdleTimeout is how long the server lingers with no sessions, no
// children, and no RPC traffic before shutting itself down.
const DefaultIdleTimeout = 5 * time.Minute

// Options configures a runtime server.
type Options struct {
	// Dir is the runtime directory holding server.json, the socket, and
	// the exec registry.
	Dir string

	// Marker identifies this workspace in registry entries. Defaults to
	// Dir.
	Marker string

	// IdleTimeout overrides the self-shutdown grace period. Negative
	// disables it.
	IdleTimeout time.Duration

	// Runner drives child agents for the collab methods. Nil disables
	// them.
	Runner ChildRunner

	Logger *slog.Logger
}

// Server owns PTY sessions and child agents for one workspace.
type Server struct {
	opts     Options
	secret   string
	listener net.Listener
	registry *execRegistry
	collab   *collabManager
	logger   *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*execSession
	lastActivity time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer prepares a server; Start brings it up.
func NewServer(opts Options) *Server {
	if opts.Marker == "" {
		opts.Marker = opts.Dir
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:         opts,
		collab:       newCollabManager(opts.Runner),
		logger:       logger,
		sessions:     make(map[string]*execSession),
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}
}

// Start reaps orphans from a previous crash, binds the socket, writes
// server.json, and begins accepting RPCs.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.opts.Dir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	registry, err := openExecRegistry(s.opts.Dir)
	if err != nil {
		return err
	}
	s.registry = registry
	if killed := registry.cleanupOrphans(s.opts.Marker); killed > 0 {
		s.logger.Info("reaped orphaned exec sessions", "count", killed)
	}

	secret, err := newSecret()
	if err != nil {
		return err
	}
	s.secret = secret

	socketPath := SocketPath(s.opts.Dir)
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	info := ServerInfo{
		PID:         os.Getpid(),
		Secret:      secret,
		SocketPath:  socketPath,
		CreatedAtMS: nowMS(),
	}
	if err := WriteServerInfo(s.opts.Dir, info); err != nil {
		_ = listener.Close()
		return err
	}

	go s.acceptLoop()
	if s.opts.IdleTimeout > 0 {
		go s.idleLoop()
	}
	s.logger.Info("runtime server listening", "socket", socketPath, "pid", info.PID)
	return nil
}

// Wait blocks until the server shuts down.
func (s *Server) Wait() { <-s.closed }

// Close stops all sessions and children and releases the socket.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.closeAllSessions()
		s.collab.stopAll()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		_ = os.Remove(SocketPath(s.opts.Dir))
		_ = os.Remove(InfoPath(s.opts.Dir))
		close(s.closed)
	})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) idleLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		idleFor := time.Since(s.lastActivity)
		active := len(s.sessions)
		s.mu.Unlock()
		if active == 0 && s.collab.activeCount() == 0 && idleFor > s.opts.IdleTimeout {
			s.logger.Info("runtime server idle, shutting down", "idle", idleFor)
			s.Close()
			return
		}
	}
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var req Request
		payload, err := ReadFrame(conn, &req)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		// Authentication failures get no response at all.
		if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secret)) != 1 {
			s.logger.Warn("rejected request with bad secret", "method", req.Method)
			return
		}
		s.touch()
		resp := s.dispatch(req, payload)
		if err := WriteFrame(conn, resp, nil); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request, payload []byte) Response {
	result, rpcErr := s.handle(req, payload)
	if rpcErr != nil {
		return Response{ID: req.ID, Error: rpcErr}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: &RPCError{
			Kind: string(models.ErrorKindUnknown), Message: err.Error(),
		}}
	}
	return Response{ID: req.ID, OK: true, Result: raw}
}

func (s *Server) handle(req Request, payload []byte) (any, *RPCError) {
	switch req.Method {
	case "runtime.status":
		return s.handleStatus(), nil
	case "runtime.cleanup":
		return s.handleCleanup(), nil
	case "exec.start":
		return s.handleExecStart(req.Params)
	case "exec.write":
		return s.handleExecWrite(req.Params, payload)
	case "exec.close":
		return s.handleExecClose(req.Params)
	case "collab.spawn":
		return s.handleCollabSpawn(req.Params)
	case "collab.resume":
		return s.handleCollabResume(req.Params)
	case "collab.send_input":
		return s.handleCollabSendInput(req.Params)
	case "collab.wait":
		return s.handleCollabWait(req.Params)
	case "collab.close":
		return s.handleCollabClose(req.Params)
	default:
		return nil, &RPCError{
			Kind:    string(models.ErrorKindNotFound),
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}
	}
}

func (s *Server) handleStatus() StatusResult {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return StatusResult{
		Healthy:     true,
		ExecActive:  active,
		ChildActive: s.collab.activeCount(),
		Registry:    s.registry.list(),
	}
}

func (s *Server) handleCleanup() CleanupResult {
	closed := s.closeAllSessions()
	cancelled := s.collab.stopAll()
	return CleanupResult{Closed: closed, Cancelled: cancelled}
}

func (s *Server) handleExecStart(params json.RawMessage) (any, *RPCError) {
	var p ExecStartParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Cmd == "" {
		return nil, validationError("cmd must not be empty")
	}
	session, err := startExecSession(p)
	if err != nil {
		return nil, &RPCError{Kind: string(models.ErrorKindIO), Message: err.Error()}
	}
	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()
	_ = s.registry.add(RegistryEntry{
		PID:         session.pid(),
		Marker:      s.opts.Marker,
		SessionID:   session.id,
		CreatedAtMS: nowMS(),
	})

	initial := ""
	if p.YieldTimeMS > 0 {
		initial = session.collect(time.Duration(p.YieldTimeMS)*time.Millisecond, p.MaxOutputTokens)
	}
	running, _ := session.snapshot()
	return ExecStartResult{SessionID: session.id, Running: running, InitialOutput: initial}, nil
}

func (s *Server) handleExecWrite(params json.RawMessage, chars []byte) (any, *RPCError) {
	var p ExecWriteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	session, ok := s.getSession(p.SessionID)
	if !ok {
		return nil, sessionNotFound(p.SessionID)
	}
	if p.CharsSHA256 != "" {
		sum := sha256.Sum256(chars)
		if hex.EncodeToString(sum[:]) != p.CharsSHA256 {
			return nil, validationError("chars digest mismatch")
		}
	}
	if !p.IsPoll && len(chars) > 0 {
		if err := session.write(chars); err != nil {
			return nil, &RPCError{Kind: string(models.ErrorKindIO), Message: err.Error()}
		}
	}
	yield := time.Duration(p.YieldTimeMS) * time.Millisecond
	output := session.collect(yield, p.MaxOutputTokens)
	running, exitCode := session.snapshot()
	if !running {
		s.removeSession(p.SessionID)
	}
	return ExecWriteResult{Running: running, Output: output, ExitCode: exitCode}, nil
}

func (s *Server) handleExecClose(params json.RawMessage) (any, *RPCError) {
	var p ExecCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	session, ok := s.getSession(p.SessionID)
	if !ok {
		return ExecCloseResult{Closed: false}, nil
	}
	session.close()
	s.removeSession(p.SessionID)
	return ExecCloseResult{Closed: true}, nil
}

func (s *Server) handleCollabSpawn(params json.RawMessage) (any, *RPCError) {
	var p CollabSpawnParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, validationError("message must not be empty")
	}
	c, ok := s.collab.spawn(p.Message, p.Model)
	if !ok {
		return nil, &RPCError{
			Kind:    string(models.ErrorKindConfig),
			Message: "this server was started without a child agent runner",
		}
	}
	return CollabSpawnResult{ChildID: c.id, Status: ChildRunning}, nil
}

func (s *Server) handleCollabResume(params json.RawMessage) (any, *RPCError) {
	var p CollabResumeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, ok := s.collab.get(p.ChildID)
	if !ok {
		return nil, childNotFound(p.ChildID)
	}
	if err := s.collab.resume(c, p.Message); err != nil {
		return nil, validationError(err.Error())
	}
	return CollabResumeResult{ChildID: c.id, Status: ChildRunning}, nil
}

func (s *Server) handleCollabSendInput(params json.RawMessage) (any, *RPCError) {
	var p CollabSendInputParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, ok := s.collab.get(p.ChildID)
	if !ok {
		return nil, childNotFound(p.ChildID)
	}
	return CollabSendInputResult{Accepted: c.sendInput(p.Input)}, nil
}

func (s *Server) handleCollabWait(params json.RawMessage) (any, *RPCError) {
	var p CollabWaitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, ok := s.collab.get(p.ChildID)
	if !ok {
		return nil, childNotFound(p.ChildID)
	}
	return c.wait(time.Duration(p.TimeoutMS) * time.Millisecond), nil
}

func (s *Server) handleCollabClose(params json.RawMessage) (any, *RPCError) {
	var p CollabCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, ok := s.collab.get(p.ChildID)
	if !ok {
		return nil, childNotFound(p.ChildID)
	}
	c.stop()
	return CollabCloseResult{Status: ChildCancelled}, nil
}

func (s *Server) getSession(id string) (*execSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	_ = s.registry.remove(id)
}

func (s *Server) closeAllSessions() int {
	s.mu.Lock()
	sessions := make([]*execSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[string]*execSession)
	s.mu.Unlock()

	for _, session := range sessions {
		session.close()
		_ = s.registry.remove(session.id)
	}
	return len(sessions)
}

func decodeParams(raw json.RawMessage, into any) *RPCError {
	if len(raw) == 0 {
		return validationError("missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return validationError("decode params: " + err.Error())
	}
	return nil
}

func validationError(message string) *RPCError {
	return &RPCError{Kind: string(models.ErrorKindValidation), Message: message}
}

func sessionNotFound(id string) *RPCError {
	return &RPCError{
		Kind:    string(models.ErrorKindNotFound),
		Message: fmt.Sprintf("no session %q", id),
	}
}

func childNotFound(id string) *RPCError {
	return &RPCError{
		Kind:    string(models.ErrorKindNotFound),
		Message: fmt.Sprintf("no child agent %q", id),
	}
}
