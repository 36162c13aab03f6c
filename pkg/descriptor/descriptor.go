// Package descriptor builds the task descriptor shared by every call of a
// batch.
package descriptor

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/packager"
	"github.com/jdziat/simple-grid/pkg/security"
)

// SearchPathEnv holds the submitter search paths. Executors export the
// rewritten paths under the same name.
const SearchPathEnv = "GRID_SEARCH_PATH"

// Builder mints descriptors. Environ defaults to os.LookupEnv.
type Builder struct {
	Packager *packager.Packager
	Store    core.CodeStore
	Environ  func(string) (string, bool)
}

// NewBuilder returns a Builder that uploads with p into store.
func NewBuilder(p *packager.Packager, store core.CodeStore) *Builder {
	return &Builder{Packager: p, Store: store, Environ: os.LookupEnv}
}

func (b *Builder) lookup(name string) (string, bool) {
	if b.Environ != nil {
		return b.Environ(name)
	}
	return os.LookupEnv(name)
}

// Build mints a job id, uploads the source tree and returns the descriptor
// for fn. The upload happens once here, not once per call.
func (b *Builder) Build(ctx context.Context, fn core.FunctionRef, opts ...Option) (core.TaskDescriptor, error) {
	o := &Options{}
	for _, opt := range opts {
		opt.Apply(o)
	}

	jobID := uuid.New().String()
	if err := b.Packager.Upload(ctx, b.Store, jobID); err != nil {
		return core.TaskDescriptor{}, err
	}

	env := make(map[string]string, len(o.CaptureEnvironment)+len(o.Environment))
	for _, name := range o.CaptureEnvironment {
		if _, explicit := o.Environment[name]; explicit {
			continue
		}
		if v, ok := b.lookup(name); ok {
			env[name] = v
		}
	}
	for k, v := range o.Environment {
		env[k] = v
	}

	base, err := filepath.Abs(b.Packager.BaseDir)
	if err != nil {
		return core.TaskDescriptor{}, err
	}

	paths := o.SearchPaths
	if paths == nil {
		paths = b.defaultSearchPaths(base)
	}

	timeout := core.DefaultTimeoutSeconds
	if o.Timeout > 0 {
		timeout = max(1, int(o.Timeout.Seconds()))
	}

	d := core.TaskDescriptor{
		JobID:          jobID,
		SearchPaths:    paths,
		Environment:    env,
		Function:       fn,
		ExtraPackages:  slices.Clone(o.ExtraPackages),
		TimeoutSeconds: timeout,
		BaseDir:        base,
	}
	return d, d.Validate()
}

// defaultSearchPaths keeps the GRID_SEARCH_PATH entries that lie under base.
// Anything else would not exist in the shipped tree.
func (b *Builder) defaultSearchPaths(base string) []string {
	raw, ok := b.lookup(SearchPathEnv)
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, p := range filepath.SplitList(raw) {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		if security.WithinDir(base, p) && !slices.Contains(out, p) {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}

// RewritePaths maps paths under base onto the same relative location in
// dir. Paths outside base are dropped.
func RewritePaths(paths []string, base, dir string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(base, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, filepath.Join(dir, rel))
	}
	return out
}
