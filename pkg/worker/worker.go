package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/executor"
	intctx "github.com/jdziat/simple-grid/pkg/internal/context"
	"github.com/jdziat/simple-grid/pkg/internal/handler"
	"github.com/jdziat/simple-grid/pkg/queue"
)

// DefaultHeartbeatInterval is how often a running job's lock is extended.
const DefaultHeartbeatInterval = 2 * time.Minute

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Queues:       nil, // Will be set to default if no queue options provided
		PollInterval: 100 * time.Millisecond,
		WorkerID:     uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	// If no queues configured, use default
	if config.Queues == nil {
		config.Queues = map[string]int{"default": 10}
	}
	if config.HostID == "" {
		if h, err := os.Hostname(); err == nil {
			config.HostID = h
		} else {
			config.HostID = config.WorkerID
		}
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Executor.Logger == nil {
		config.Executor.Logger = config.Logger
	}
	if config.Executor.EnvelopeDir == "" {
		config.Executor.EnvelopeDir = os.TempDir()
	}

	// Set default retry configs if not specified
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		dequeueCfg := defaultDequeueRetry()
		config.DequeueRetry = &dequeueCfg
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: config.Logger.With("worker_id", config.WorkerID),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Start begins processing jobs. Blocks until context is cancelled.
// Every slot owns one executor supervisor, closed when Start returns.
func (w *Worker) Start(ctx context.Context) error {
	queues := make([]string, 0, len(w.config.Queues))
	for q := range w.config.Queues {
		queues = append(queues, q)
	}

	totalConcurrency := 0
	for _, c := range w.config.Queues {
		totalConcurrency += c
	}

	supervisors := make([]*executor.Supervisor, totalConcurrency)
	for i := range supervisors {
		sup, err := executor.NewSupervisor(w.config.Executor)
		if err != nil {
			return fmt.Errorf("grid: create executor supervisor: %w", err)
		}
		supervisors[i] = sup
	}

	jobsChan := make(chan *core.Job, totalConcurrency)

	if w.config.JanitorSchedule != nil {
		w.wg.Add(1)
		go w.runJanitor(ctx)
	}

	for _, sup := range supervisors {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan, sup)
	}

	w.logger.Info("worker started", "host", w.config.HostID, "queues", queues, "slots", totalConcurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			job, err := w.dequeueWithRetry(ctx, queues)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "error", err)
				}
				continue
			}
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
				}
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job, sup *executor.Supervisor) {
	defer w.wg.Done()
	defer sup.Close()

	for job := range jobs {
		w.processJob(ctx, job, sup)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job, sup *executor.Supervisor) {
	startTime := time.Now()

	h, ok := w.queue.GetHandler(job.Type)
	if !ok {
		w.logger.Error("no handler for job", "type", job.Type)
		w.failWithRetry(ctx, job.ID, fmt.Sprintf("no handler for %s", job.Type), nil, nil)
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	// Create a cancellable context for the heartbeat goroutine
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	// Start heartbeat goroutine to extend lock during long-running jobs
	go w.runHeartbeat(heartbeatCtx, job)

	result, err := w.executeHandler(ctx, job, h, sup)

	// Stop heartbeat before completing/failing the job
	cancelHeartbeat()

	if err != nil {
		w.handleError(ctx, job, err)
		return
	}

	if result != nil {
		saveErr := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
			return w.queue.Storage().SaveJobResult(ctx, job.ID, w.config.WorkerID, result)
		})
		if saveErr != nil {
			w.logger.Error("failed to save job result after retries", "job_id", job.ID, "error", saveErr)
			return
		}
		job.Result = result
	}

	if err := w.completeWithRetry(ctx, job.ID); err != nil {
		w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", err)
		return
	}
	w.queue.CallCompleteHooks(ctx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID)
	})
}

// runHeartbeat periodically extends the job lock during execution.
// This prevents long-running jobs from being reclaimed as stale.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if err != nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			} else {
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler, sup *executor.Supervisor) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	jc := &intctx.JobContext{
		Job:        job,
		Storage:    w.queue.Storage(),
		WorkerID:   w.config.WorkerID,
		HostID:     w.config.HostID,
		Supervisor: sup,
	}
	return h.Execute(intctx.WithJobContext(ctx, jc), job.Args)
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	detail := errorDetail(err)

	if IsPermanentError(err) {
		w.fail(ctx, job, err, detail)
		return
	}

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) && job.Attempt < job.MaxRetries {
		w.retry(ctx, job, err, detail, time.Now().Add(retryAfter.Delay))
		return
	}

	if job.Attempt < job.MaxRetries {
		w.retry(ctx, job, err, detail, time.Now().Add(w.calculateBackoff(job.Attempt)))
		return
	}
	w.fail(ctx, job, err, detail)
}

func (w *Worker) retry(ctx context.Context, job *core.Job, err error, detail []byte, retryAt time.Time) {
	w.failWithRetry(ctx, job.ID, err.Error(), detail, &retryAt)
	w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
	w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
}

func (w *Worker) fail(ctx context.Context, job *core.Job, err error, detail []byte) {
	w.logger.Warn("job failed", "job_id", job.ID, "batch_id", job.BatchID, "error", err)
	w.failWithRetry(ctx, job.ID, err.Error(), detail, nil)
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// errorDetail serializes a user error that crossed from an executor, so the
// submitter can reraise it. Other errors have no detail.
func errorDetail(err error) []byte {
	var remote *capture.RemoteError
	if !errors.As(err, &remote) {
		return nil
	}
	data, merr := capture.Marshal(remote.Captured())
	if merr != nil {
		return nil
	}
	return data
}

// failWithRetry marks a job as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, detail []byte, retryAt *time.Time) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, detail, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
}

func (w *Worker) calculateBackoff(attempt int) time.Duration {
	base := time.Second
	backoff := base * (1 << attempt)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}
