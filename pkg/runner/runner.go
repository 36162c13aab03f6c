// Package runner is the queue-facing handler that runs one call of a batch
// on the worker: materialize the job's code, hand the call to the slot's
// executor, and return the result or the user's error.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jdziat/simple-grid/pkg/codecache"
	"github.com/jdziat/simple-grid/pkg/core"
	intctx "github.com/jdziat/simple-grid/pkg/internal/context"
	"github.com/jdziat/simple-grid/pkg/jobctx"
	"github.com/jdziat/simple-grid/pkg/protocol"
	"github.com/jdziat/simple-grid/pkg/queue"
)

// JobType is the queue job type of grid calls.
const JobType = "grid.run"

// ErrNoCache is returned by a Runner registered only so that a submitter
// can enqueue calls. Such a runner cannot execute them.
var ErrNoCache = errors.New("grid: runner has no code cache")

// Installer makes extra packages available before a job's first call.
type Installer interface {
	Install(ctx context.Context, jobID string, packages []string) error
}

// LogInstaller records requested packages without installing anything.
type LogInstaller struct {
	Logger *slog.Logger
}

func (i LogInstaller) Install(ctx context.Context, jobID string, packages []string) error {
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("extra packages requested; installation is not supported", "job_id", jobID, "packages", packages)
	return nil
}

// Runner handles CallRequest jobs.
type Runner struct {
	Cache       *codecache.Cache
	Installer   Installer
	EnvelopeDir string
	Logger      *slog.Logger
}

// New returns a Runner with the logging installer.
func New(cache *codecache.Cache, envelopeDir string) *Runner {
	return &Runner{Cache: cache, Installer: LogInstaller{}, EnvelopeDir: envelopeDir}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Handle runs one call. The slot supervisor and host come from the job
// context set by the worker. A user error is returned as the
// *capture.RemoteError produced by the executor, unchanged.
func (r *Runner) Handle(ctx context.Context, req core.CallRequest) (json.RawMessage, error) {
	d := req.Descriptor
	if err := d.Validate(); err != nil {
		return nil, core.NoRetry(err)
	}
	if r.Cache == nil {
		return nil, core.NoRetry(ErrNoCache)
	}
	sup, host, err := intctx.SupervisorFrom(ctx)
	if err != nil {
		return nil, err
	}
	logger := r.logger().With("job_id", d.JobID, "call_id", jobctx.JobIDFromContext(ctx), "host", host)

	if len(d.ExtraPackages) > 0 && r.Installer != nil {
		if err := r.Installer.Install(ctx, d.JobID, d.ExtraPackages); err != nil {
			return nil, fmt.Errorf("install packages: %w", err)
		}
	}

	codePath, err := r.Cache.Materialize(ctx, d.JobID, host)
	if err != nil {
		return nil, err
	}

	dir := r.EnvelopeDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// Read once by a newly started executor, before it reports READY.
	settingsPath := protocol.NewSettingsPath(dir)
	if err := protocol.WriteEnvelope(settingsPath, d.ExecutorSettings()); err != nil {
		return nil, err
	}
	defer func() {
		if err := protocol.Remove(settingsPath); err != nil {
			logger.Warn("failed to remove settings envelope", "error", err)
		}
	}()

	h, err := sup.GetOrStart(ctx, d.JobID, d.Timeout(), codePath, settingsPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("dispatching call", "function", d.Function.String(), "pid", h.PID())
	return sup.Dispatch(ctx, h, protocol.CallEnvelope{Args: req.Args, Kwargs: req.Kwargs})
}

// Register registers r.Handle on q under JobType.
func Register(q *queue.Queue, r *Runner, opts ...queue.Option) {
	q.Register(JobType, r.Handle, opts...)
}
