// Package fanout gathers the results of the calls of a batch.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Call is an enqueued call whose outcome can be awaited.
type Call interface {
	Result(ctx context.Context, out any) error
}

// Gather waits for calls and decodes each result into T. Results keep the
// order of calls. Under FailFast the first failure stops the gather, and
// calls not yet collected report ErrNotCollected. The returned error is an
// *Error when the strategy judges the gather failed, or the context error.
func Gather[T any, C Call](ctx context.Context, calls []C, opts ...Option) ([]Result[T], error) {
	if len(calls) == 0 {
		return nil, nil
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.totalTimeout)
		defer cancel()
	}

	results := make([]Result[T], len(calls))
	for i := range results {
		results[i] = Result[T]{Index: i, Err: ErrNotCollected}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var v T
			err := call.Result(gctx, &v)
			if err != nil && gctx.Err() != nil && ctx.Err() == nil {
				// Cut short by an earlier failure.
				return nil
			}
			results[i] = Result[T]{Index: i, Value: v, Err: err}
			if err != nil && cfg.strategy == StrategyFailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}

	return results, judge(cfg, results)
}

func judge[T any](cfg *config, results []Result[T]) error {
	failures := Failures(results)
	if len(failures) == 0 {
		return nil
	}

	switch cfg.strategy {
	case StrategyCollectAll:
		return nil
	case StrategyThreshold:
		ok := float64(len(results)-len(failures)) / float64(len(results))
		if ok >= cfg.threshold {
			return nil
		}
	}
	return &Error{
		TotalCount:  len(results),
		FailedCount: len(failures),
		Strategy:    cfg.strategy,
		Failures:    failures,
	}
}
