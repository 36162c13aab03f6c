package descriptor

import (
	"maps"
	"slices"
	"time"
)

// Options holds the per-batch settings of a descriptor.
type Options struct {
	ExtraPackages      []string
	CaptureEnvironment []string
	Environment        map[string]string
	Timeout            time.Duration
	SearchPaths        []string
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// ExtraPackages lists packages the worker must provide before running the batch.
func ExtraPackages(pkgs ...string) Option {
	return optionFunc(func(o *Options) {
		o.ExtraPackages = append(o.ExtraPackages, pkgs...)
	})
}

// CaptureEnvironment copies the named variables from the submitting process.
// Variables that are not set are left out.
func CaptureEnvironment(names ...string) Option {
	return optionFunc(func(o *Options) {
		o.CaptureEnvironment = append(o.CaptureEnvironment, names...)
	})
}

// Environment sets explicit variables. They win over captured ones.
func Environment(env map[string]string) Option {
	return optionFunc(func(o *Options) {
		if o.Environment == nil {
			o.Environment = make(map[string]string, len(env))
		}
		maps.Copy(o.Environment, env)
	})
}

// Timeout bounds every blocking step of a call on the worker.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Timeout = d
	})
}

// SearchPaths records the paths the executor exports, replacing the default
// taken from GRID_SEARCH_PATH.
func SearchPaths(paths ...string) Option {
	return optionFunc(func(o *Options) {
		o.SearchPaths = slices.Clone(paths)
	})
}
