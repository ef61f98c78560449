package runtimesrv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	// sessionBufferBytes bounds each session's output ring buffer.
	sessionBufferBytes = 256 * 1024

	// pollInterval is how often collect re-checks the buffer while
	// waiting out a yield window.
	pollInterval = 25 * time.Millisecond
)

// execSession is one PTY-backed interactive command. The pump goroutine
// drains the master fd into the ring buffer; writes go to the same fd.
type execSession struct {
	id  string
	cmd *exec.Cmd

	mu       sync.Mutex
	ptmx     *os.File
	buf      *ringBuffer
	running  bool
	exitCode *int

	done chan struct{}
}

// startExecSession launches cmd under a PTY and begins pumping output.
func startExecSession(p ExecStartParams) (*execSession, error) {
	cmd := exec.Command("sh", "-c", p.Cmd)
	if p.Cwd != "" {
		cmd.Dir = p.Cwd
	}
	if len(p.Env) > 0 {
		cmd.Env = p.Env
	}
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &execSession{
		id:      uuid.NewString(),
		cmd:     cmd,
		ptmx:    ptmx,
		buf:     newRingBuffer(sessionBufferBytes),
		running: true,
		done:    make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *execSession) pump() {
	chunk := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	err := s.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	s.mu.Lock()
	s.running = false
	s.exitCode = &code
	s.mu.Unlock()
	close(s.done)
}

// write appends chars to the child's stdin.
func (s *execSession) write(chars []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	running := s.running
	s.mu.Unlock()
	if !running || ptmx == nil {
		return io.ErrClosedPipe
	}
	_, err := ptmx.Write(chars)
	return err
}

// collect polls the ring buffer for up to yield, returning whatever has
// accumulated, capped to maxTokens (approximated at four bytes per token).
func (s *execSession) collect(yield time.Duration, maxTokens int) string {
	deadline := time.Now().Add(yield)
	for {
		s.mu.Lock()
		pending := s.buf.len()
		running := s.running
		s.mu.Unlock()
		if pending > 0 || !running || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-s.done:
		case <-time.After(pollInterval):
		}
	}

	s.mu.Lock()
	out := s.buf.drain()
	s.mu.Unlock()
	if maxTokens > 0 {
		if maxBytes := maxTokens * 4; len(out) > maxBytes {
			out = out[len(out)-maxBytes:]
		}
	}
	return string(out)
}

// snapshot returns the running flag and exit code.
func (s *execSession) snapshot() (running bool, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.exitCode
}

// close terminates the child and releases the PTY pair.
func (s *execSession) close() {
	s.mu.Lock()
	ptmx := s.ptmx
	s.ptmx = nil
	running := s.running
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if running && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
}

func (s *execSession) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ringBuffer is a bounded byte buffer that discards its oldest content on
// overflow.
type ringBuffer struct {
	data []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (b *ringBuffer) write(p []byte) {
	if len(p) >= b.cap {
		b.data = append(b.data[:0], p[len(p)-b.cap:]...)
		return
	}
	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.cap; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
}

func (b *ringBuffer) len() int { return len(b.data) }

func (b *ringBuffer) drain() []byte {
	out := b.data
	b.data = nil
	return out
}
