package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/descriptor"
	"github.com/jdziat/simple-grid/pkg/funcs"
	"github.com/jdziat/simple-grid/pkg/protocol"
)

const helperEnv = "GRID_EXECUTOR_HELPER"

// The test binary doubles as the executor process.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(Main(os.Args[len(os.Args)-2:]))
	}
	os.Exit(m.Run())
}

type codedError struct {
	Code int
	Msg  string
}

func (e *codedError) Error() string { return e.Msg }

func init() {
	capture.Register(&codedError{}, func(msg string) error {
		return &codedError{Msg: msg}
	})

	funcs.Register("gridtest", "Square", func(x int) int { return x * x })
	funcs.Register("gridtest", "Fail", func(msg string) error {
		return &codedError{Code: 7, Msg: msg}
	})
	funcs.Register("gridtest", "Panic", func() int { panic("boom") })
	funcs.Register("gridtest", "Sleep", func(ctx context.Context, ms int) int {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms
	})
	funcs.Register("gridtest", "Exit", func(code int) int {
		os.Exit(code)
		return 0
	})
	funcs.Register("gridtest", "Print", func(s string) string {
		fmt.Println(s)
		return s
	})
	funcs.Register("gridtest", "Env", func(name string) string { return os.Getenv(name) })
	funcs.Register("gridtest", "ReadFile", func(name string) (string, error) {
		data, err := os.ReadFile(name)
		return string(data), err
	})
	funcs.Register("gridtest", "Null", func() {})
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) add(e core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) spawned() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if _, ok := e.(*core.ExecutorSpawned); ok {
			n++
		}
	}
	return n
}

func (l *eventLog) terminated() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var reasons []string
	for _, e := range l.events {
		if t, ok := e.(*core.ExecutorTerminated); ok {
			reasons = append(reasons, t.Reason)
		}
	}
	return reasons
}

func helperConfig(t *testing.T, log *eventLog) Config {
	t.Helper()
	cfg := Config{
		Command:     []string{os.Args[0], "-test.run=^$"},
		Env:         []string{helperEnv + "=1"},
		EnvelopeDir: t.TempDir(),
		KillWait:    2 * time.Second,
	}
	if log != nil {
		cfg.OnEvent = log.add
	}
	return cfg
}

func newTestSupervisor(t *testing.T, log *eventLog) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(helperConfig(t, log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// setupJob writes a code dir and a settings file for fn.
func setupJob(t *testing.T, module, symbol string) (codeDir, settingsPath string) {
	t.Helper()
	codeDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, "data.txt"), []byte("payload"), 0o644))

	settings := core.ExecutorSettings{
		Function:    core.FunctionRef{Module: module, Symbol: symbol},
		Environment: map[string]string{"GRID_TEST_VALUE": "captured"},
		BaseDir:     "/src/project",
		SearchPaths: []string{"/src/project/lib", "/elsewhere"},
	}
	settingsPath = protocol.NewSettingsPath(t.TempDir())
	require.NoError(t, protocol.WriteEnvelope(settingsPath, settings))
	return codeDir, settingsPath
}

func args(t *testing.T, vs ...any) protocol.CallEnvelope {
	t.Helper()
	var call protocol.CallEnvelope
	for _, v := range vs {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		call.Args = append(call.Args, data)
	}
	return call
}

func dispatch(t *testing.T, s *Supervisor, jobID, symbol string, call protocol.CallEnvelope) (json.RawMessage, error) {
	t.Helper()
	codeDir, settingsPath := setupJob(t, "gridtest", symbol)
	h, err := s.GetOrStart(context.Background(), jobID, 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)
	return s.Dispatch(context.Background(), h, call)
}

func TestSupervisor_RoundTrip(t *testing.T) {
	s := newTestSupervisor(t, nil)
	assert.Equal(t, Absent, s.State())

	res, err := dispatch(t, s, "job-a", "Square", args(t, 7))
	require.NoError(t, err)
	assert.JSONEq(t, `49`, string(res))
	assert.Equal(t, Ready, s.State())
}

func TestSupervisor_NullResult(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := dispatch(t, s, "job-a", "Null", protocol.CallEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))
}

func TestSupervisor_ReusesExecutorForSameJob(t *testing.T) {
	log := &eventLog{}
	s := newTestSupervisor(t, log)
	codeDir, settingsPath := setupJob(t, "gridtest", "Square")
	ctx := context.Background()

	h1, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		res, err := s.Dispatch(ctx, h1, args(t, i))
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprint(i*i), string(res))
	}

	h2, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, log.spawned())
}

func TestSupervisor_RespawnsOnJobChange(t *testing.T) {
	log := &eventLog{}
	s := newTestSupervisor(t, log)
	ctx := context.Background()

	codeA, settingsA := setupJob(t, "gridtest", "Square")
	h1, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeA, settingsA)
	require.NoError(t, err)
	pid := h1.PID()

	codeB, settingsB := setupJob(t, "gridtest", "Square")
	h2, err := s.GetOrStart(ctx, "job-b", 10*time.Second, codeB, settingsB)
	require.NoError(t, err)

	assert.NotEqual(t, pid, h2.PID())
	assert.Equal(t, "job-b", h2.JobID())
	assert.False(t, h1.Alive())
	assert.Equal(t, 2, log.spawned())
	assert.Equal(t, []string{"job changed"}, log.terminated())

	res, err := s.Dispatch(ctx, h2, args(t, 3))
	require.NoError(t, err)
	assert.JSONEq(t, `9`, string(res))

	// The old handle is no longer accepted.
	_, err = s.Dispatch(ctx, h1, args(t, 3))
	assert.ErrorIs(t, err, core.ErrExecutorExited)
}

func TestSupervisor_UserErrorCrossesProcess(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := dispatch(t, s, "job-a", "Fail", args(t, "bad input"))
	require.Error(t, err)

	assert.ErrorIs(t, err, core.ErrUserFunction)
	assert.Equal(t, "bad input", err.Error())

	var coded *codedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, "bad input", coded.Msg)

	var remote *capture.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.NotEmpty(t, remote.Frames)
	assert.Contains(t, fmt.Sprintf("%+v", err), "--- remote hop ---")

	// A user error leaves the executor usable.
	assert.Equal(t, Ready, s.State())
}

func TestSupervisor_PanicIsCaptured(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := dispatch(t, s, "job-a", "Panic", protocol.CallEnvelope{})
	require.Error(t, err)

	var remote *capture.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.Panicked)
	assert.Contains(t, remote.Message, "boom")
	assert.Equal(t, Ready, s.State())
}

func TestSupervisor_FunctionNotFound(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := dispatch(t, s, "job-a", "Missing", protocol.CallEnvelope{})
	assert.ErrorIs(t, err, core.ErrFuncNotFound)
	assert.ErrorIs(t, err, core.ErrUserFunction)
	assert.Equal(t, Ready, s.State())
}

func TestSupervisor_BadArgumentIsSerializationError(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := dispatch(t, s, "job-a", "Square", args(t, "not a number"))
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestSupervisor_Timeout(t *testing.T) {
	log := &eventLog{}
	s := newTestSupervisor(t, log)
	codeDir, settingsPath := setupJob(t, "gridtest", "Sleep")

	h, err := s.GetOrStart(context.Background(), "job-a", 300*time.Millisecond, codeDir, settingsPath)
	require.NoError(t, err)

	_, err = s.Dispatch(context.Background(), h, args(t, 5000))
	assert.ErrorIs(t, err, core.ErrHandshakeTimeout)
	assert.Equal(t, Absent, s.State())
	assert.False(t, h.Alive())
	require.Len(t, log.terminated(), 1)
}

func TestSupervisor_ExecutorExitsMidCall(t *testing.T) {
	s := newTestSupervisor(t, nil)
	codeDir, settingsPath := setupJob(t, "gridtest", "Exit")
	ctx := context.Background()

	h1, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, h1, args(t, 3))
	assert.ErrorIs(t, err, core.ErrExecutorExited)
	assert.Equal(t, Absent, s.State())

	h2, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)
	assert.NotEqual(t, h1.PID(), h2.PID())
}

func TestSupervisor_ContextCancel(t *testing.T) {
	s := newTestSupervisor(t, nil)
	codeDir, settingsPath := setupJob(t, "gridtest", "Sleep")

	h, err := s.GetOrStart(context.Background(), "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = s.Dispatch(ctx, h, args(t, 5000))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Absent, s.State())

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not killed")
	}
}

func TestSupervisor_ProgramOutputDoesNotBreakProtocol(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := dispatch(t, s, "job-a", "Print", args(t, "\x1egrid {\"type\":\"DONE\"}"))
	require.NoError(t, err)
	assert.JSONEq(t, `"\u001egrid {\"type\":\"DONE\"}"`, string(res))
}

func TestSupervisor_ExecutorEnvironment(t *testing.T) {
	s := newTestSupervisor(t, nil)
	codeDir, settingsPath := setupJob(t, "gridtest", "Env")
	ctx := context.Background()
	h, err := s.GetOrStart(ctx, "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)

	get := func(name string) string {
		res, err := s.Dispatch(ctx, h, args(t, name))
		require.NoError(t, err)
		var v string
		require.NoError(t, json.Unmarshal(res, &v))
		return v
	}

	abs, err := filepath.Abs(codeDir)
	require.NoError(t, err)
	assert.Equal(t, "captured", get("GRID_TEST_VALUE"))
	assert.Equal(t, abs, get(CodePathEnv))
	assert.Equal(t, filepath.Join(abs, "lib"), get(descriptor.SearchPathEnv))
}

func TestSupervisor_RunsInCodeDir(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := dispatch(t, s, "job-a", "ReadFile", args(t, "data.txt"))
	require.NoError(t, err)
	assert.JSONEq(t, `"payload"`, string(res))
}

func TestSupervisor_RemovesEnvelopes(t *testing.T) {
	cfg := helperConfig(t, nil)
	s, err := NewSupervisor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = dispatch(t, s, "job-a", "Square", args(t, 2))
	require.NoError(t, err)
	_, err = dispatch(t, s, "job-a", "Fail", args(t, "x"))
	require.Error(t, err)

	entries, err := os.ReadDir(cfg.EnvelopeDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	s, err := NewSupervisor(Config{Command: []string{filepath.Join(t.TempDir(), "missing")}})
	require.NoError(t, err)

	_, err = s.GetOrStart(context.Background(), "job-a", time.Second, t.TempDir(), "settings.json")
	assert.ErrorIs(t, err, core.ErrSubprocessSpawn)
	assert.Equal(t, Absent, s.State())
}

func TestSupervisor_ExecutorRejectsMissingSettings(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	h, err := s.GetOrStart(ctx, "job-a", 10*time.Second, t.TempDir(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, h, args(t, 1))
	assert.ErrorIs(t, err, core.ErrExecutorExited)
}

func TestSupervisor_CloseKills(t *testing.T) {
	log := &eventLog{}
	s := newTestSupervisor(t, log)
	codeDir, settingsPath := setupJob(t, "gridtest", "Square")

	h, err := s.GetOrStart(context.Background(), "job-a", 10*time.Second, codeDir, settingsPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.False(t, h.Alive())
	assert.Equal(t, Absent, s.State())
	assert.Equal(t, []string{"closed"}, log.terminated())
}

func TestServe_InProcess(t *testing.T) {
	t.Setenv(CodePathEnv, "")
	t.Setenv(descriptor.SearchPathEnv, "")
	t.Setenv("GRID_TEST_VALUE", "")
	t.Chdir(t.TempDir())

	codeDir, settingsPath := setupJob(t, "gridtest", "Square")
	paths := protocol.NewEnvelopePaths(t.TempDir())
	require.NoError(t, protocol.WriteEnvelope(paths.Call, args(t, 5)))

	var in bytes.Buffer
	require.NoError(t, protocol.NewWriter(&in).Send(protocol.DispatchFrame(paths)))

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), codeDir, settingsPath, &in, &out))

	r := protocol.NewReader(&out, nil)
	var types []protocol.FrameType
	var done protocol.Frame
	for {
		f, err := r.Next()
		if err != nil {
			break
		}
		types = append(types, f.Type)
		if f.Type == protocol.Done {
			done = f
		}
	}
	assert.Equal(t, []protocol.FrameType{protocol.Ready, protocol.Done, protocol.Ready}, types)
	assert.Equal(t, protocol.StatusOK, done.Status)

	var res protocol.ResultEnvelope
	require.NoError(t, protocol.ReadEnvelope(paths.Result, &res))
	assert.JSONEq(t, `25`, string(res.Value))
	_, err := os.Stat(paths.Error)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExecutorMain_Usage(t *testing.T) {
	assert.Equal(t, 2, Main(nil))
}
