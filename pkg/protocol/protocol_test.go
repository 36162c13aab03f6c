package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-grid/pkg/core"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	paths := NewEnvelopePaths(t.TempDir())
	require.NoError(t, w.Send(Frame{Type: Ready}))
	require.NoError(t, w.Send(DispatchFrame(paths)))
	require.NoError(t, w.Send(Frame{Type: Done, Status: StatusOK}))

	r := NewReader(&buf, nil)

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Ready, f.Type)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Dispatch, f.Type)
	assert.Equal(t, paths, f.Paths())

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Done, f.Type)
	assert.Equal(t, StatusOK, f.Status)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_ForwardsProgramOutput(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("hello from user code\n")
	buf.WriteString("partial")
	require.NoError(t, NewWriter(&buf).Send(Frame{Type: Ready}))
	buf.WriteString("after\n")

	var lines []string
	r := NewReader(&buf, func(line string) { lines = append(lines, line) })

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Ready, f.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"hello from user code", "partial", "after"}, lines)
}

func TestReader_MalformedFrame(t *testing.T) {
	r := NewReader(strings.NewReader(Marker+"{not json\n"), nil)
	_, err := r.Next()
	assert.ErrorIs(t, err, core.ErrSerialization)

	r = NewReader(strings.NewReader(Marker+`{"type":"DONE","status":"maybe"}`+"\n"), nil)
	_, err = r.Next()
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestWriter_RejectsInvalidFrames(t *testing.T) {
	w := NewWriter(io.Discard)
	assert.ErrorIs(t, w.Send(Frame{Type: "HELLO"}), core.ErrSerialization)
	assert.ErrorIs(t, w.Send(Frame{Type: Dispatch, Call: "a"}), core.ErrSerialization)
	assert.ErrorIs(t, w.Send(Frame{Type: Done}), core.ErrSerialization)
}

func TestNewEnvelopePaths_Unique(t *testing.T) {
	dir := t.TempDir()
	a := NewEnvelopePaths(dir)
	b := NewEnvelopePaths(dir)

	assert.NotEqual(t, a.Call, b.Call)
	for _, p := range a.All() {
		assert.Equal(t, dir, filepath.Dir(p))
		ok, err := filepath.Match(EnvelopePattern, filepath.Base(p))
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	paths := NewEnvelopePaths(t.TempDir())

	in := CallEnvelope{
		Args:   []json.RawMessage{json.RawMessage(`3`)},
		Kwargs: map[string]json.RawMessage{"scale": json.RawMessage(`2`)},
	}
	require.NoError(t, WriteEnvelope(paths.Call, in))

	var out CallEnvelope
	require.NoError(t, ReadEnvelope(paths.Call, &out))
	assert.JSONEq(t, "3", string(out.Args[0]))
	assert.JSONEq(t, "2", string(out.Kwargs["scale"]))
}

func TestEnvelope_NullResultIsExplicit(t *testing.T) {
	paths := NewEnvelopePaths(t.TempDir())
	require.NoError(t, WriteEnvelope(paths.Result, ResultEnvelope{Value: json.RawMessage("null")}))

	data, err := os.ReadFile(paths.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":null}`, string(data))
}

func TestReadEnvelope_Missing(t *testing.T) {
	var out ResultEnvelope
	err := ReadEnvelope(filepath.Join(t.TempDir(), "nope.json"), &out)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReadEnvelope_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	var out ResultEnvelope
	assert.ErrorIs(t, ReadEnvelope(path, &out), core.ErrSerialization)
}

func TestRemove_IgnoresMissing(t *testing.T) {
	paths := NewEnvelopePaths(t.TempDir())
	require.NoError(t, WriteEnvelope(paths.Error, map[string]string{"kind": "x"}))

	require.NoError(t, Remove(paths.All()...))
	_, err := os.Stat(paths.Error)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
