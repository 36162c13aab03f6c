package executor

import (
	"log/slog"
	"os"
	"time"

	"github.com/jdziat/simple-grid/pkg/core"
)

// CodePathEnv is exported to executors as the local path of the job's tree.
const CodePathEnv = "GRID_CODE_PATH"

// DefaultKillWait bounds how long Kill waits for a killed executor to exit.
const DefaultKillWait = 5 * time.Second

// Config configures a Supervisor.
type Config struct {
	// Command starts an executor; the code dir and settings file are
	// appended. Defaults to the current executable with "executor".
	Command []string

	// Env is added to the inherited environment of every executor.
	Env []string

	// EnvelopeDir holds call, result and error envelopes.
	EnvelopeDir string

	// KillWait bounds the wait for a killed executor to exit.
	KillWait time.Duration

	Logger  *slog.Logger
	OnEvent func(core.Event)
}

func (c Config) withDefaults() (Config, error) {
	if len(c.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return c, err
		}
		c.Command = []string{exe, "executor"}
	}
	if c.EnvelopeDir == "" {
		c.EnvelopeDir = os.TempDir()
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

func (c Config) emit(e core.Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}
