package fanout

import (
	"time"
)

// DefaultConcurrency bounds how many calls are awaited at once.
const DefaultConcurrency = 8

// Option configures gather behavior.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	strategy     Strategy
	threshold    float64
	concurrency  int
	totalTimeout time.Duration
}

func defaultConfig() *config {
	return &config{
		strategy:    StrategyFailFast,
		threshold:   1.0,
		concurrency: DefaultConcurrency,
	}
}

// FailFast stops waiting on the first failed call.
func FailFast() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyFailFast
	})
}

// CollectAll waits for every call and returns partial results.
func CollectAll() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyCollectAll
	})
}

// Threshold succeeds if at least pct (0 to 1) of the calls succeed.
func Threshold(pct float64) Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyThreshold
		c.threshold = pct
	})
}

// WithConcurrency bounds how many calls are awaited at once.
func WithConcurrency(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	})
}

// WithTimeout bounds the entire gather.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.totalTimeout = d
	})
}
