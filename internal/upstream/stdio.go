package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/tollgate/gateway/internal/config"
	"github.com/tollgate/gateway/internal/queue"
)

// maxLineBytes bounds a single newline-delimited JSON-RPC frame on the
// child's stdout.
const maxLineBytes = 16 * 1024 * 1024

// Stdio invokes mcp targets over a long-lived child process speaking
// newline-delimited JSON-RPC on stdin/stdout. One child runs per target,
// started on first use and restarted on the next request after any exchange
// error. Exchanges with one child are serialised; concurrency across targets
// is unrestricted.
type Stdio struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// NewStdio creates the mcp invoker.
func NewStdio(logger *slog.Logger) *Stdio {
	return &Stdio{logger: logger, procs: make(map[string]*proc)}
}

type proc struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	broken bool
}

// Invoke implements the dispatcher's upstream seam. It writes the envelope
// as one line to the child's stdin and reads one line back.
func (s *Stdio) Invoke(ctx context.Context, target config.Target, body []byte) (queue.Result, error) {
	p, err := s.procFor(target)
	if err != nil {
		return queue.Result{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		// A previous exchange failed after this entry fetched the proc.
		return queue.Result{}, fmt.Errorf("upstream %s: child process unavailable", target.ID)
	}

	start := time.Now()
	line, err := p.exchange(ctx, body)
	latency := time.Since(start)
	if err != nil {
		p.broken = true
		s.retire(target.ID, p)
		return queue.Result{}, fmt.Errorf("upstream %s: %w", target.ID, err)
	}
	return queue.Result{Body: line, UpstreamLatency: latency}, nil
}

// Close terminates every child process. Called once during shutdown after
// the queues have drained.
func (s *Stdio) Close() {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*proc)
	s.mu.Unlock()

	for target, p := range procs {
		p.kill()
		s.logger.Debug("upstream: child stopped", slog.String("target", target))
	}
}

// procFor returns the running child for target, starting one if needed.
func (s *Stdio) procFor(target config.Target) (*proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[target.ID]; ok {
		return p, nil
	}

	cmd := exec.Command(target.Command[0], target.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("upstream %s: stdin pipe: %w", target.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("upstream %s: stdout pipe: %w", target.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("upstream %s: start %q: %w", target.ID, target.Command[0], err)
	}
	s.logger.Info("upstream: child started",
		slog.String("target", target.ID),
		slog.String("command", target.Command[0]),
		slog.Int("pid", cmd.Process.Pid),
	)

	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
	}
	s.procs[target.ID] = p
	return p, nil
}

// retire drops p from the registry and kills it, so the next request starts
// a fresh child.
func (s *Stdio) retire(targetID string, p *proc) {
	s.mu.Lock()
	if cur, ok := s.procs[targetID]; ok && cur == p {
		delete(s.procs, targetID)
	}
	s.mu.Unlock()
	p.kill()
	s.logger.Warn("upstream: child retired after failed exchange",
		slog.String("target", targetID))
}

// exchange performs one write-then-read round trip. The pipe reads cannot be
// interrupted directly, so the read runs in a goroutine and ctx cancellation
// abandons it; the caller then retires the process, which unblocks the
// reader with an error.
func (p *proc) exchange(ctx context.Context, body []byte) ([]byte, error) {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, body...)
	frame = append(frame, '\n')
	if _, err := p.stdin.Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := readLine(p.stdout)
		ch <- readResult{line: line, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read response: %w", res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLine reads one newline-terminated frame, rejecting frames over
// maxLineBytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("response frame exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// kill terminates the child and reaps it.
func (p *proc) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}
