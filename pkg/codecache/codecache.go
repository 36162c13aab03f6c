// Package codecache materializes shipped source trees on a worker host.
//
// Every call of a job needs the job's tree on disk. The first caller on a
// host fetches and extracts it; everyone else finds it in place. A single
// host-wide lock serializes materialization across all job ids, which keeps
// the cache consistent at the cost of throughput when many new jobs arrive
// on one host at once. The existence check before taking the lock is safe
// because a tree only appears at its final path through an atomic rename.
package codecache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/packager"
	"github.com/jdziat/simple-grid/pkg/security"
)

// DefaultLockWait bounds how long Materialize waits for the host lock.
const DefaultLockWait = 5 * time.Second

// DirPrefix prefixes every materialized directory under Root.
const DirPrefix = "grid_"

// Cache fetches archives from Store into Root.
type Cache struct {
	Store    core.CodeStore
	Locker   core.HostLocker
	Root     string
	LockWait time.Duration
	Logger   *slog.Logger

	// OnEvent, when set, receives a CodeMaterialized event per materialization.
	OnEvent func(core.Event)

	group singleflight.Group
}

// New returns a Cache rooted at root.
func New(store core.CodeStore, locker core.HostLocker, root string) *Cache {
	return &Cache{Store: store, Locker: locker, Root: root, LockWait: DefaultLockWait}
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Path returns where jobID is materialized.
func (c *Cache) Path(jobID string) string {
	return filepath.Join(c.Root, DirPrefix+jobID)
}

// LockScope returns the host lock name used for host.
func LockScope(host string) string {
	return "grid:code:" + host
}

// Materialize makes sure the tree of jobID exists on this host and returns
// its path. Repeated calls return the same path without fetching again.
func (c *Cache) Materialize(ctx context.Context, jobID, host string) (string, error) {
	if err := security.ValidateJobID(jobID); err != nil {
		return "", err
	}

	ch := c.group.DoChan(host+"/"+jobID, func() (any, error) {
		return c.materialize(context.WithoutCancel(ctx), jobID, host)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) materialize(ctx context.Context, jobID, host string) (string, error) {
	target := c.Path(jobID)

	// Fast path: a directory at target is always complete.
	if isDir(target) {
		c.emit(jobID, target, false)
		return target, nil
	}

	wait := c.LockWait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	lease, err := c.Locker.Acquire(ctx, LockScope(host), wait)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			c.logger().Warn("failed to release host lock", "host", host, "error", err)
		}
	}()

	if isDir(target) {
		c.emit(jobID, target, false)
		return target, nil
	}

	key := packager.ArchiveKey(jobID)
	data, err := c.Store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, key, err)
	}

	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}
	staging, err := os.MkdirTemp(c.Root, ".staging-"+jobID+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}
	defer os.RemoveAll(staging)

	if err := Extract(data, staging); err != nil {
		return "", err
	}
	if err := os.Rename(staging, target); err != nil {
		if isDir(target) {
			return target, nil
		}
		return "", fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}

	c.logger().Info("downloaded job code", "job_id", jobID, "host", host, "path", target)
	c.emit(jobID, target, true)
	return target, nil
}

func (c *Cache) emit(jobID, path string, fetched bool) {
	if c.OnEvent == nil {
		return
	}
	c.OnEvent(&core.CodeMaterialized{
		JobID:     jobID,
		Path:      path,
		Fetched:   fetched,
		Timestamp: time.Now(),
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Extract unpacks a tar+gzip archive into dir. Every member must resolve
// inside dir, and symlinks must point inside dir. A member whose parent path
// passes through an extracted symlink is rejected, and all writes go through
// an os.Root on dir. Only directories, regular files and symlinks are accepted.
func Extract(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
	}
	defer root.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return fmt.Errorf("%w: %w", core.ErrCodeFetch, err)
		}

		name := filepath.FromSlash(hdr.Name)
		path := filepath.Join(dir, name)
		if filepath.IsAbs(name) || !security.WithinDir(dir, path) {
			return &core.PathTraversalError{Member: hdr.Name, Target: dir}
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return &core.PathTraversalError{Member: hdr.Name, Target: dir}
		}
		if linked, err := throughSymlink(root, filepath.Dir(rel)); err != nil {
			return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
		} else if linked {
			return &core.PathTraversalError{Member: hdr.Name, Target: dir}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if rel == "." {
				continue
			}
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
			}

		case tar.TypeReg:
			total += hdr.Size
			if total > security.MaxArchiveSize {
				return fmt.Errorf("%w: archive exceeds %d bytes", core.ErrCodeFetch, security.MaxArchiveSize)
			}
			if err := writeFile(root, rel, tr, hdr); err != nil {
				return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
			}

		case tar.TypeSymlink:
			link := filepath.FromSlash(hdr.Linkname)
			if filepath.IsAbs(link) || !security.WithinDir(dir, filepath.Join(filepath.Dir(path), link)) {
				return &core.PathTraversalError{Member: hdr.Name, Target: dir}
			}
			if linked, err := linkThroughSymlink(root, filepath.Dir(rel), link); err != nil {
				return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
			} else if linked {
				return &core.PathTraversalError{Member: hdr.Name, Target: dir}
			}
			if err := mkdirParent(root, rel); err != nil {
				return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
			}
			if err := root.Symlink(link, rel); err != nil {
				return fmt.Errorf("%w: %s: %w", core.ErrCodeFetch, hdr.Name, err)
			}

		default:
			return fmt.Errorf("%w: %s: unsupported member type %q", core.ErrCodeFetch, hdr.Name, hdr.Typeflag)
		}
	}
}

// throughSymlink reports whether any existing component of rel is a symlink.
func throughSymlink(root *os.Root, rel string) (bool, error) {
	if rel == "." {
		return false, nil
	}
	prefix := ""
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		prefix = filepath.Join(prefix, part)
		info, err := root.Lstat(prefix)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

// linkThroughSymlink reports whether following link from parent steps
// through an existing symlink, whose target the text check cannot see.
func linkThroughSymlink(root *os.Root, parent, link string) (bool, error) {
	var stack []string
	if parent != "." {
		stack = strings.Split(parent, string(filepath.Separator))
	}
	for _, part := range strings.Split(link, string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		stack = append(stack, part)
		info, err := root.Lstat(filepath.Join(stack...))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

func mkdirParent(root *os.Root, rel string) error {
	parent := filepath.Dir(rel)
	if parent == "." {
		return nil
	}
	return root.MkdirAll(parent, 0o755)
}

func writeFile(root *os.Root, rel string, r io.Reader, hdr *tar.Header) error {
	if err := mkdirParent(root, rel); err != nil {
		return err
	}
	// A symlink placed earlier must not redirect the write.
	if info, err := root.Lstat(rel); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink")
	}
	f, err := root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777|0o600)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
