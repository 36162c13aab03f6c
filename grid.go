// Package grid runs registered Go functions on a pool of workers that do
// not share a filesystem.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and adds the submitting Client.
//
// Basic usage:
//
//	// Register the function in the binary used by submitters and workers
//	square := grid.RegisterFunc("mathx", "Square", func(n int) int { return n * n })
//
//	// Open storage
//	cfg, _ := grid.LoadConfig()
//	backends, _ := grid.OpenBackends(ctx, cfg)
//	q := grid.New(backends.Storage)
//
//	// Ship the source tree once and enqueue the calls
//	client := grid.NewClient(q, grid.NewBuilder(grid.NewPackager(cfg.BaseDir, "."), backends.Code))
//	batch, _ := client.NewBatch(ctx, square.Ref())
//	calls, _ := batch.Map(ctx, []any{1, 2, 3})
//
//	// Collect results
//	var out int
//	calls[0].Result(ctx, &out)
package grid

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/codecache"
	"github.com/jdziat/simple-grid/pkg/config"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/descriptor"
	"github.com/jdziat/simple-grid/pkg/executor"
	"github.com/jdziat/simple-grid/pkg/funcs"
	"github.com/jdziat/simple-grid/pkg/jobctx"
	"github.com/jdziat/simple-grid/pkg/packager"
	"github.com/jdziat/simple-grid/pkg/queue"
	"github.com/jdziat/simple-grid/pkg/runner"
	"github.com/jdziat/simple-grid/pkg/schedule"
	"github.com/jdziat/simple-grid/pkg/security"
	"github.com/jdziat/simple-grid/pkg/storage"
	"github.com/jdziat/simple-grid/pkg/worker"
)

func init() {
	// Register the worker factory to enable queue.NewWorker()
	queue.WorkerFactory = func(q *queue.Queue, opts ...any) core.Starter {
		workerOpts := make([]worker.WorkerOption, 0, len(opts))
		for _, opt := range opts {
			if wo, ok := opt.(worker.WorkerOption); ok {
				workerOpts = append(workerOpts, wo)
			}
		}
		return worker.NewWorker(q, workerOpts...)
	}
}

type (
	// Job is one queued call.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// FunctionRef names the function a batch runs.
	FunctionRef = core.FunctionRef

	// TaskDescriptor is shared by every call of a batch.
	TaskDescriptor = core.TaskDescriptor

	// CallRequest is the queue payload of one call.
	CallRequest = core.CallRequest

	// Storage defines the persistence layer for jobs.
	Storage = core.Storage

	// CodeStore holds shipped source archives.
	CodeStore = core.CodeStore

	// HostLocker serializes code materialization on a host.
	HostLocker = core.HostLocker

	// Event is the interface for all queue events.
	Event = core.Event

	// JobStarted is emitted when a job starts processing.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a job is retried.
	JobRetrying = core.JobRetrying

	// CodeMaterialized is emitted when a worker finds or fetches a job's tree.
	CodeMaterialized = core.CodeMaterialized

	// ExecutorSpawned is emitted when a slot starts an executor.
	ExecutorSpawned = core.ExecutorSpawned

	// ExecutorTerminated is emitted when a slot's executor goes away.
	ExecutorTerminated = core.ExecutorTerminated

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// PathTraversalError reports an archive member outside the target.
	PathTraversalError = core.PathTraversalError

	// CapturedError is the serialized form of a user function failure.
	CapturedError = capture.CapturedError

	// RemoteError is a user error re-raised after crossing a process boundary.
	RemoteError = capture.RemoteError

	// Func is a registered function.
	Func = funcs.Func

	// Queue manages job registration, enqueueing, and processing.
	Queue = queue.Queue

	// Option modifies Options.
	Option = queue.Option

	// Options holds configuration for job enqueueing and registration.
	Options = queue.Options

	// DescriptorOption modifies the descriptor of a batch.
	DescriptorOption = descriptor.Option

	// Builder mints descriptors and uploads source trees.
	Builder = descriptor.Builder

	// Packager archives source trees.
	Packager = packager.Packager

	// Cache materializes shipped trees on a worker host.
	Cache = codecache.Cache

	// Runner executes calls on a worker.
	Runner = runner.Runner

	// Worker processes jobs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// WorkerConfig holds worker configuration.
	WorkerConfig = worker.WorkerConfig

	// ExecutorConfig configures the executor supervisor of each worker slot.
	ExecutorConfig = executor.Config

	// Schedule defines when the janitor runs next.
	Schedule = schedule.Schedule

	// Config holds settings loaded from GRID_* variables.
	Config = config.Config

	// Backends bundles queue storage, code store and host locker.
	Backends = storage.Backends

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage
)

// Status constants
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusRetrying  = core.StatusRetrying
)

// JobType is the queue job type of grid calls.
const JobType = runner.JobType

// Security limits
const (
	MaxJobTypeNameLength  = security.MaxJobTypeNameLength
	MaxJobArgsSize        = security.MaxJobArgsSize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxQueueNameLength    = security.MaxQueueNameLength
	MaxArchiveSize        = security.MaxArchiveSize
)

// Error variables
var (
	ErrInvalidJobTypeName = core.ErrInvalidJobTypeName
	ErrInvalidQueueName   = core.ErrInvalidQueueName
	ErrJobArgsTooLarge    = core.ErrJobArgsTooLarge
	ErrJobNotOwned        = core.ErrJobNotOwned
	ErrInvalidJobID       = core.ErrInvalidJobID

	ErrPackaging           = core.ErrPackaging
	ErrCodeFetch           = core.ErrCodeFetch
	ErrPathTraversal       = core.ErrPathTraversal
	ErrLockTimeout         = core.ErrLockTimeout
	ErrSubprocessSpawn     = core.ErrSubprocessSpawn
	ErrHandshakeTimeout    = core.ErrHandshakeTimeout
	ErrUserFunction        = core.ErrUserFunction
	ErrSerialization       = core.ErrSerialization
	ErrExecutorExited      = core.ErrExecutorExited
	ErrFuncNotFound        = core.ErrFuncNotFound
	ErrArchiveNotFound     = core.ErrArchiveNotFound
	ErrInvalidDescriptor   = core.ErrInvalidDescriptor
	ErrNoExecutorInContext = core.ErrNoExecutorInContext
)

// Default values
var (
	DefaultJobRetries = queue.DefaultJobRetries
)

// New creates a new Queue with the given storage backend.
func New(s Storage) *Queue {
	return queue.New(s)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// LoadConfig reads GRID_* variables.
func LoadConfig() (Config, error) {
	return config.Load()
}

// OpenBackends opens and migrates the storage named by cfg.
func OpenBackends(ctx context.Context, cfg Config) (*Backends, error) {
	return storage.OpenBackends(ctx, cfg)
}

// NewPackager returns a Packager for roots relative to baseDir.
func NewPackager(baseDir string, roots ...string) *Packager {
	return packager.New(baseDir, roots...)
}

// NewBuilder returns a Builder that uploads with p into store.
func NewBuilder(p *Packager, store CodeStore) *Builder {
	return descriptor.NewBuilder(p, store)
}

// NewCache returns a code cache rooted at root.
func NewCache(store CodeStore, locker HostLocker, root string) *Cache {
	return codecache.New(store, locker, root)
}

// NewRunner returns a Runner that materializes into cache.
func NewRunner(cache *Cache, envelopeDir string) *Runner {
	return runner.New(cache, envelopeDir)
}

// RegisterRunner registers r on q under JobType.
func RegisterRunner(q *Queue, r *Runner, opts ...Option) {
	runner.Register(q, r, opts...)
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// RegisterFunc adds fn to the function registry. Submitters and executors
// must register the same functions.
func RegisterFunc(module, symbol string, fn any) *Func {
	return funcs.Register(module, symbol, fn)
}

// LookupFunc resolves a registered function.
func LookupFunc(ref FunctionRef) (*Func, error) {
	return funcs.Lookup(ref)
}

// RegisterError lets errors of the same type as example be rebuilt by ctor
// after they cross a process boundary.
func RegisterError(example error, ctor func(msg string) error) {
	capture.Register(example, ctor)
}

// ExecutorMain is the entry point of an executor process.
func ExecutorMain(args []string) int {
	return executor.Main(args)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Job option functions

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return queue.QueueOpt(name)
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return queue.Priority(p)
}

// Retries sets the maximum retry count.
func Retries(n int) Option {
	return queue.Retries(n)
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// Descriptor option functions

// ExtraPackages lists packages a worker must provide before the batch runs.
func ExtraPackages(pkgs ...string) DescriptorOption {
	return descriptor.ExtraPackages(pkgs...)
}

// CaptureEnvironment copies the named variables from this process.
func CaptureEnvironment(names ...string) DescriptorOption {
	return descriptor.CaptureEnvironment(names...)
}

// Environment sets explicit executor variables.
func Environment(env map[string]string) DescriptorOption {
	return descriptor.Environment(env)
}

// Timeout bounds every blocking step of a call on the worker.
func Timeout(d time.Duration) DescriptorOption {
	return descriptor.Timeout(d)
}

// SearchPaths replaces the default search paths of the batch.
func SearchPaths(paths ...string) DescriptorOption {
	return descriptor.SearchPaths(paths...)
}

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}

// WithHostID names the host for the code cache lock.
func WithHostID(id string) WorkerOption {
	return worker.WithHostID(id)
}

// WithExecutor configures the executor supervisors.
func WithExecutor(cfg ExecutorConfig) WorkerOption {
	return worker.WithExecutor(cfg)
}

// WithJanitor sweeps orphaned envelope files on s.
func WithJanitor(s Schedule, maxAge time.Duration) WorkerOption {
	return worker.WithJanitor(s, maxAge)
}

// WithStaleLockAge makes the janitor release job locks with no heartbeat for d.
func WithStaleLockAge(d time.Duration) WorkerOption {
	return worker.WithStaleLockAge(d)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return worker.WithLogger(l)
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (Schedule, error) {
	return schedule.ParseCron(expr)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
