// Package packager archives the submitter's source tree and uploads it to
// the code store once per batch.
package packager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/security"
)

// DefaultExclude lists directory base names that are never packaged.
var DefaultExclude = []string{"__pycache__", ".git", "bin", "node_modules"}

// ArchiveKey returns the code store key of a job's archive.
func ArchiveKey(jobID string) string {
	return "tar:" + jobID
}

// Packager builds a tar+gzip archive of Roots. Member names are relative to
// BaseDir so the tree can be rebuilt anywhere.
type Packager struct {
	BaseDir string
	Roots   []string
	Exclude []string
	Logger  *slog.Logger
}

// New returns a Packager for roots under baseDir with the default excludes.
func New(baseDir string, roots ...string) *Packager {
	return &Packager{
		BaseDir: baseDir,
		Roots:   roots,
		Exclude: slices.Clone(DefaultExclude),
	}
}

func (p *Packager) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Archive returns the compressed archive of every root.
func (p *Packager) Archive() ([]byte, error) {
	base, err := filepath.Abs(p.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: base dir: %w", core.ErrPackaging, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, root := range p.Roots {
		if !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		if !security.WithinDir(base, root) {
			return nil, fmt.Errorf("%w: root %s is outside base dir %s", core.ErrPackaging, root, base)
		}
		if err := p.addTree(tw, base, root); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrPackaging, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPackaging, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPackaging, err)
	}
	return buf.Bytes(), nil
}

func (p *Packager) addTree(tw *tar.Writer, base, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root && slices.Contains(p.Exclude, d.Name()) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices and pipes have no meaning on another host.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Upload archives the roots and stores the result under ArchiveKey(jobID).
// An existing archive is left untouched.
func (p *Packager) Upload(ctx context.Context, store core.CodeStore, jobID string) error {
	if err := security.ValidateJobID(jobID); err != nil {
		return err
	}
	data, err := p.Archive()
	if err != nil {
		return err
	}

	key := ArchiveKey(jobID)
	written, err := store.PutIfAbsent(ctx, key, data)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %w", core.ErrPackaging, key, err)
	}
	if !written {
		p.logger().Info("code archive already uploaded", "job_id", jobID)
		return nil
	}
	p.logger().Debug("code archive uploaded", "job_id", jobID, "bytes", len(data))
	return nil
}
