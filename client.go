package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/runner"
)

// DefaultPollInterval is how often a Call polls storage for its outcome.
const DefaultPollInterval = 100 * time.Millisecond

// ErrEmptyBatch is returned by Map when there is nothing to enqueue.
var ErrEmptyBatch = errors.New("grid: empty batch")

// Kwargs passed as the last argument of a call become its keyword
// arguments. The function's last parameter must be a struct or a map.
type Kwargs map[string]any

// Client submits batches of calls.
type Client struct {
	Queue   *Queue
	Builder *Builder

	// Options apply to every enqueued call, after the batch defaults.
	Options []Option

	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewClient returns a client that enqueues on q. If q has no runner yet, a
// runner without a code cache is registered so calls can be enqueued; it
// refuses to execute them.
func NewClient(q *Queue, b *Builder, opts ...Option) *Client {
	if !q.HasHandler(runner.JobType) {
		runner.Register(q, &runner.Runner{})
	}
	return &Client{Queue: q, Builder: b, Options: opts, PollInterval: DefaultPollInterval}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

// NewBatch packages and uploads the source tree once and returns a batch
// whose calls all share the resulting descriptor.
func (c *Client) NewBatch(ctx context.Context, fn FunctionRef, opts ...DescriptorOption) (*Batch, error) {
	d, err := c.Builder.Build(ctx, fn, opts...)
	if err != nil {
		return nil, err
	}
	c.logger().Info("created batch", "job_id", d.JobID, "function", fn.String())
	return &Batch{client: c, Descriptor: d}, nil
}

// Batch enqueues calls of one function against one shipped tree.
type Batch struct {
	client *Client

	// Descriptor is shared by every call. It must not be modified.
	Descriptor TaskDescriptor
}

// Call is one enqueued call.
type Call struct {
	ID    string
	Index int

	client *Client
}

// enqueueOptions puts the batch defaults first so that client options win.
// Calls are not retried unless the caller asks for it.
func (c *Client) enqueueOptions() []Option {
	return append([]Option{Retries(0)}, c.Options...)
}

// Add enqueues a single call with args. A trailing Kwargs value supplies
// keyword arguments.
func (b *Batch) Add(ctx context.Context, args ...any) (*Call, error) {
	req, err := b.request(args)
	if err != nil {
		return nil, err
	}
	ids, err := b.client.Queue.EnqueueBatch(ctx, runner.JobType, b.Descriptor.JobID, []any{req}, b.client.enqueueOptions()...)
	if err != nil {
		return nil, err
	}
	return &Call{ID: ids[0], client: b.client}, nil
}

// Map enqueues one call per position across iterables, like a zip: call i
// receives iterables[0][i], iterables[1][i], and so on. Every iterable must
// have the same, non-zero length. Calls are returned in input order and are
// enqueued atomically.
func (b *Batch) Map(ctx context.Context, iterables ...[]any) ([]*Call, error) {
	if len(iterables) == 0 {
		return nil, ErrEmptyBatch
	}
	n := len(iterables[0])
	for i, it := range iterables[1:] {
		if len(it) != n {
			return nil, fmt.Errorf("grid: map: iterable %d has %d items, want %d", i+1, len(it), n)
		}
	}
	if n == 0 {
		return nil, ErrEmptyBatch
	}

	reqs := make([]any, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			args := make([]any, len(iterables))
			for k, it := range iterables {
				args[k] = it[i]
			}
			req, err := b.request(args)
			if err != nil {
				return fmt.Errorf("grid: map item %d: %w", i, err)
			}
			reqs[i] = req
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids, err := b.client.Queue.EnqueueBatch(ctx, runner.JobType, b.Descriptor.JobID, reqs, b.client.enqueueOptions()...)
	if err != nil {
		return nil, err
	}
	calls := make([]*Call, n)
	for i, id := range ids {
		calls[i] = &Call{ID: id, Index: i, client: b.client}
	}
	b.client.logger().Info("enqueued calls", "job_id", b.Descriptor.JobID, "count", n)
	return calls, nil
}

func (b *Batch) request(args []any) (core.CallRequest, error) {
	req := core.CallRequest{Descriptor: b.Descriptor}
	if len(args) > 0 {
		if kw, ok := args[len(args)-1].(Kwargs); ok {
			args = args[:len(args)-1]
			req.Kwargs = make(map[string]json.RawMessage, len(kw))
			for name, v := range kw {
				data, err := json.Marshal(v)
				if err != nil {
					return req, fmt.Errorf("%w: keyword argument %q: %w", core.ErrSerialization, name, err)
				}
				req.Kwargs[name] = data
			}
		}
	}
	req.Args = make([]json.RawMessage, 0, len(args))
	for i, v := range args {
		if _, ok := v.(Kwargs); ok {
			return req, fmt.Errorf("%w: keyword arguments must come last", core.ErrSerialization)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return req, fmt.Errorf("%w: argument %d: %w", core.ErrSerialization, i, err)
		}
		req.Args = append(req.Args, data)
	}
	return req, nil
}

// Status returns the current status of the call without waiting.
func (c *Call) Status(ctx context.Context) (JobStatus, error) {
	job, err := c.job(ctx)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (c *Call) job(ctx context.Context) (*Job, error) {
	job, err := c.client.Queue.Storage().GetJob(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("grid: call %s not found", c.ID)
	}
	return job, nil
}

// Result waits for the call to finish and decodes its return value into
// out, which may be nil. A user error comes back as a *RemoteError that
// matches ErrUserFunction and unwraps to the original error type when that
// type is registered.
func (c *Call) Result(ctx context.Context, out any) error {
	ticker := time.NewTicker(c.client.pollInterval())
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := c.job(ctx)
		if err != nil {
			return err
		}
		switch job.Status {
		case StatusCompleted:
			if out == nil || len(job.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(job.Result, out); err != nil {
				return fmt.Errorf("%w: result of call %s: %w", core.ErrSerialization, c.ID, err)
			}
			return nil
		case StatusFailed:
			return failure(job)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Err waits for the call to finish and returns its error, if any.
func (c *Call) Err(ctx context.Context) error {
	return c.Result(ctx, nil)
}

func failure(job *Job) error {
	if len(job.ErrorDetail) > 0 {
		captured, err := capture.Unmarshal(job.ErrorDetail)
		if err == nil {
			return capture.Reraise(captured)
		}
	}
	return fmt.Errorf("grid: call %s failed: %s", job.ID, job.LastError)
}

// Wait blocks until every call is finished, logging how many finished,
// failed and are pending once per interval. It does not report the calls'
// own errors; use Call.Err for that.
func Wait(ctx context.Context, calls []*Call, interval time.Duration) error {
	if len(calls) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	logger := calls[0].client.logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var finished, failed, pending int
		for _, c := range calls {
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			switch status {
			case StatusCompleted:
				finished++
			case StatusFailed:
				failed++
			default:
				pending++
			}
		}
		logger.Info("waiting for calls", "finished", finished, "error", failed, "pending", pending)
		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
