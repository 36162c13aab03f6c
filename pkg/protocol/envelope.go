package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/security"
)

// EnvelopePattern matches the names of every envelope file.
const EnvelopePattern = "grid-*.json"

// CallEnvelope holds the arguments of one call.
type CallEnvelope struct {
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// ResultEnvelope holds a call's return value. A nil function result is
// stored as the JSON value null, never as a missing file.
type ResultEnvelope struct {
	Value json.RawMessage `json:"value"`
}

// Paths names the three envelopes of one call.
type Paths struct {
	Call   string
	Result string
	Error  string
}

// All returns every path.
func (p Paths) All() []string {
	return []string{p.Call, p.Result, p.Error}
}

// NewEnvelopePaths returns unique envelope paths in dir.
func NewEnvelopePaths(dir string) Paths {
	id := uuid.New().String()
	return Paths{
		Call:   filepath.Join(dir, "grid-"+id+"-call.json"),
		Result: filepath.Join(dir, "grid-"+id+"-result.json"),
		Error:  filepath.Join(dir, "grid-"+id+"-error.json"),
	}
}

// NewSettingsPath returns a unique path for an executor settings envelope.
func NewSettingsPath(dir string) string {
	return filepath.Join(dir, "grid-"+uuid.New().String()+"-settings.json")
}

// WriteEnvelope encodes v to path. The file appears complete or not at all.
func WriteEnvelope(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: envelope %s: %w", core.ErrSerialization, filepath.Base(path), err)
	}
	return WriteEnvelopeBytes(path, data)
}

// WriteEnvelopeBytes writes already encoded data to path.
func WriteEnvelopeBytes(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadEnvelope decodes path into v. A missing file returns an error
// matching fs.ErrNotExist.
func ReadEnvelope(path string, v any) error {
	data, err := ReadEnvelopeBytes(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: envelope %s: %w", core.ErrSerialization, filepath.Base(path), err)
	}
	return nil
}

// ReadEnvelopeBytes returns the raw content of path.
func ReadEnvelopeBytes(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, security.MaxEnvelopeSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > security.MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope %s exceeds %d bytes", core.ErrSerialization, filepath.Base(path), security.MaxEnvelopeSize)
	}
	return data, nil
}

// Remove deletes paths, ignoring files that do not exist.
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
