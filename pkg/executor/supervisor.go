package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/protocol"
)

// State is the lifecycle state of a Supervisor.
type State int

const (
	Absent State = iota
	Starting
	Ready
	Busy
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrBusy is returned when Dispatch is called while a call is in flight.
var ErrBusy = errors.New("grid: executor supervisor is busy")

// Supervisor owns the executor process of one worker slot.
type Supervisor struct {
	cfg Config

	mu     sync.Mutex
	state  State
	handle *Handle
}

// NewSupervisor creates a Supervisor with no running executor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg}, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetOrStart returns the live executor for jobID, starting one if there is
// none. A live executor for another job, or one that has exited, is killed
// and replaced.
func (s *Supervisor) GetOrStart(ctx context.Context, jobID string, timeout time.Duration, codePath, settingsPath string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if h := s.handle; h != nil {
		if h.jobID == jobID && h.Alive() {
			return h, nil
		}
		reason := "job changed"
		if !h.Alive() {
			reason = "exited"
		}
		s.terminate(reason)
	}

	if timeout <= 0 {
		timeout = core.DefaultTimeoutSeconds * time.Second
	}
	s.state = Starting
	h, err := spawn(s.cfg, jobID, timeout, codePath, settingsPath)
	if err != nil {
		s.state = Absent
		return nil, fmt.Errorf("%w: %w", core.ErrSubprocessSpawn, err)
	}
	s.handle = h

	h.logger.Debug("executor started", "code_path", codePath)
	s.cfg.emit(&core.ExecutorSpawned{JobID: jobID, PID: h.PID(), Timestamp: time.Now()})
	return h, nil
}

// Dispatch runs one call on h and returns the encoded result. A user error
// comes back as a *capture.RemoteError. Protocol failures kill the executor
// and leave the supervisor Absent.
func (s *Supervisor) Dispatch(ctx context.Context, h *Handle, call protocol.CallEnvelope) (json.RawMessage, error) {
	s.mu.Lock()
	if s.handle != h || !h.Alive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: handle is not live", core.ErrExecutorExited)
	}
	if s.state == Busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.state = Busy
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.EnvelopeDir, 0o755); err != nil {
		s.finish(h, nil)
		return nil, err
	}
	paths := protocol.NewEnvelopePaths(s.cfg.EnvelopeDir)
	defer func() {
		if err := protocol.Remove(paths.All()...); err != nil {
			h.logger.Warn("failed to remove envelopes", "error", err)
		}
	}()

	result, fatal, err := s.roundTrip(ctx, h, paths, call)
	if fatal {
		s.finish(h, err)
	} else {
		s.finish(h, nil)
	}
	return result, err
}

func (s *Supervisor) finish(h *Handle, fatal error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return
	}
	if fatal != nil {
		s.terminate(fatal.Error())
		return
	}
	s.state = Ready
}

func (s *Supervisor) roundTrip(ctx context.Context, h *Handle, paths protocol.Paths, call protocol.CallEnvelope) (json.RawMessage, bool, error) {
	f, err := h.next(ctx)
	if err != nil {
		return nil, true, err
	}
	if f.Type != protocol.Ready {
		return nil, true, fmt.Errorf("%w: expected READY, got %s", core.ErrSerialization, f.Type)
	}

	if err := protocol.WriteEnvelope(paths.Call, call); err != nil {
		// The executor is waiting for a DISPATCH that will not come.
		return nil, true, err
	}
	if err := h.send(protocol.DispatchFrame(paths)); err != nil {
		return nil, true, err
	}

	f, err = h.next(ctx)
	if err != nil {
		return nil, true, err
	}
	if f.Type != protocol.Done {
		return nil, true, fmt.Errorf("%w: expected DONE, got %s", core.ErrSerialization, f.Type)
	}

	var captured capture.CapturedError
	err = protocol.ReadEnvelope(paths.Error, &captured)
	switch {
	case err == nil:
		return nil, false, capture.Reraise(&captured)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, err
	case f.Status == protocol.StatusError:
		return nil, false, fmt.Errorf("%w: executor reported an error without an error envelope", core.ErrSerialization)
	}

	var res protocol.ResultEnvelope
	err = protocol.ReadEnvelope(paths.Result, &res)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: executor reported success without a result envelope", core.ErrSerialization)
	}
	if err != nil {
		return nil, false, err
	}
	if res.Value == nil {
		res.Value = json.RawMessage("null")
	}
	return res.Value, false, nil
}

// Close kills the live executor, if any.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.terminate("closed")
	}
	return nil
}

// terminate kills the current handle. s.mu must be held.
func (s *Supervisor) terminate(reason string) {
	h := s.handle
	s.handle = nil
	s.state = Absent
	if h == nil {
		return
	}
	h.Kill()
	h.logger.Info("executor terminated", "reason", reason)
	s.cfg.emit(&core.ExecutorTerminated{JobID: h.jobID, PID: h.PID(), Reason: reason, Timestamp: time.Now()})
}
