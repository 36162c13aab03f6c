package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/descriptor"
	"github.com/jdziat/simple-grid/pkg/funcs"
	"github.com/jdziat/simple-grid/pkg/protocol"
)

// Main is the entry point of an executor process. args holds the code dir
// and the settings file. It returns the process exit code.
//
// The protocol stream is the original standard output. os.Stdout is pointed
// at standard error so user output cannot interleave with frames.
func Main(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if len(args) != 2 {
		logger.Error("usage: executor <code-dir> <settings-file>")
		return 2
	}
	stream := os.Stdout
	os.Stdout = os.Stderr

	if err := Serve(context.Background(), args[0], args[1], os.Stdin, stream); err != nil {
		logger.Error("executor failed", "error", err)
		return 1
	}
	return 0
}

// Serve prepares the process for the job and answers calls on in and out
// until in is closed.
func Serve(ctx context.Context, codeDir, settingsPath string, in io.Reader, out io.Writer) error {
	var settings core.ExecutorSettings
	if err := protocol.ReadEnvelope(settingsPath, &settings); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if err := prepare(codeDir, settings); err != nil {
		return err
	}

	// A missing function is reported per call, so the submitter sees it as
	// the call's error rather than as a crashed executor.
	fn, lookupErr := funcs.Lookup(settings.Function)

	w := protocol.NewWriter(out)
	r := protocol.NewReader(in, nil)
	for {
		if err := w.Send(protocol.Frame{Type: protocol.Ready}); err != nil {
			return err
		}
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Type != protocol.Dispatch {
			return fmt.Errorf("%w: expected DISPATCH, got %s", core.ErrSerialization, f.Type)
		}

		var status protocol.Status
		if lookupErr != nil {
			status = reportError(f.Paths(), lookupErr)
		} else {
			status = runCall(ctx, fn, settings.Function.Inline, f.Paths())
		}
		if err := w.Send(protocol.Frame{Type: protocol.Done, Status: status}); err != nil {
			return err
		}
	}
}

func prepare(codeDir string, settings core.ExecutorSettings) error {
	abs, err := filepath.Abs(codeDir)
	if err != nil {
		return err
	}
	for k, v := range settings.Environment {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	paths := descriptor.RewritePaths(settings.SearchPaths, settings.BaseDir, abs)
	if err := os.Setenv(descriptor.SearchPathEnv, strings.Join(paths, string(os.PathListSeparator))); err != nil {
		return err
	}
	if err := os.Setenv(CodePathEnv, abs); err != nil {
		return err
	}
	return os.Chdir(abs)
}

func runCall(ctx context.Context, fn *funcs.Func, inline []json.RawMessage, paths protocol.Paths) protocol.Status {
	var call protocol.CallEnvelope
	if err := protocol.ReadEnvelope(paths.Call, &call); err != nil {
		return reportError(paths, err)
	}
	result, err := fn.Call(ctx, inline, call.Args, call.Kwargs)
	if err != nil {
		return reportError(paths, err)
	}
	if err := protocol.WriteEnvelope(paths.Result, protocol.ResultEnvelope{Value: result}); err != nil {
		return reportError(paths, err)
	}
	return protocol.StatusOK
}

func reportError(paths protocol.Paths, err error) protocol.Status {
	data, merr := capture.Marshal(capture.Capture(err))
	if merr == nil {
		merr = protocol.WriteEnvelopeBytes(paths.Error, data)
	}
	if merr != nil {
		// The supervisor sees DONE(error) without an envelope.
		fmt.Fprintf(os.Stderr, "grid: failed to write error envelope: %v (call error: %v)\n", merr, err)
	}
	return protocol.StatusError
}
