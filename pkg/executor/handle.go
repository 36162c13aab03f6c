package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/protocol"
)

// Handle is a running executor process.
type Handle struct {
	jobID    string
	timeout  time.Duration
	killWait time.Duration
	logger   *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	w     *protocol.Writer

	frames  chan protocol.Frame
	readErr error
	broken  atomic.Bool

	stop     chan struct{}
	killOnce sync.Once

	exited  chan struct{}
	waitErr error
}

func spawn(cfg Config, jobID string, timeout time.Duration, codePath, settingsPath string) (*Handle, error) {
	args := append(slices.Clone(cfg.Command[1:]), codePath, settingsPath)
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &Handle{
		jobID:    jobID,
		timeout:  timeout,
		killWait: cfg.KillWait,
		logger:   cfg.Logger.With("job_id", jobID, "pid", cmd.Process.Pid),
		cmd:      cmd,
		stdin:    stdin,
		w:        protocol.NewWriter(stdin),
		frames:   make(chan protocol.Frame, 4),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.readFrames(stdout, &wg)
	go h.forwardStderr(stderr, &wg)
	go func() {
		// Wait closes the pipes, so it must run after both readers finish.
		wg.Wait()
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

func (h *Handle) readFrames(stdout io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	r := protocol.NewReader(stdout, func(line string) {
		h.logger.Info("executor output", "line", line)
	})
	for {
		f, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.readErr = err
			}
			h.broken.Store(true)
			close(h.frames)
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
		select {
		case h.frames <- f:
		case <-h.stop:
			h.broken.Store(true)
			close(h.frames)
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
	}
}

func (h *Handle) forwardStderr(stderr io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		h.logger.Info("executor stderr", "line", sc.Text())
	}
	_, _ = io.Copy(io.Discard, stderr)
}

// JobID returns the job the executor was started for.
func (h *Handle) JobID() string { return h.jobID }

// PID returns the executor process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Exited is closed once the process has exited and been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Alive reports whether the process can still take calls.
func (h *Handle) Alive() bool {
	if h.broken.Load() {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Kill stops the process and waits up to the configured kill wait for it to
// be reaped. It is safe to call more than once.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		close(h.stop)
		h.stdin.Close()
		_ = h.cmd.Process.Kill()
	})
	timer := time.NewTimer(h.killWait)
	defer timer.Stop()
	select {
	case <-h.exited:
	case <-timer.C:
		h.logger.Warn("executor did not exit after kill", "wait", h.killWait)
	}
}

func (h *Handle) send(f protocol.Frame) error {
	if err := h.w.Send(f); err != nil {
		return fmt.Errorf("%w: send %s: %w", core.ErrExecutorExited, f.Type, err)
	}
	return nil
}

// next waits for the next frame from the executor.
func (h *Handle) next(ctx context.Context) (protocol.Frame, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case f, ok := <-h.frames:
		if !ok {
			return protocol.Frame{}, h.exitError()
		}
		return f, nil
	case <-timer.C:
		return protocol.Frame{}, fmt.Errorf("%w: no frame within %v", core.ErrHandshakeTimeout, h.timeout)
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (h *Handle) exitError() error {
	if h.readErr != nil {
		return h.readErr
	}
	timer := time.NewTimer(h.killWait)
	defer timer.Stop()
	select {
	case <-h.exited:
		if h.waitErr != nil {
			return fmt.Errorf("%w: %w", core.ErrExecutorExited, h.waitErr)
		}
		return fmt.Errorf("%w: exit status 0", core.ErrExecutorExited)
	case <-timer.C:
		return fmt.Errorf("%w: output stream closed", core.ErrExecutorExited)
	}
}
