package sandbox

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solscan/internal/task"
)

// Result is what one container run produced.
type Result struct {
	ExitCode *int // nil when the run timed out
	Logs     []string
	Output   []byte // tar archive of the tool's output path, nil if absent
	Args     RunArgs
}

// Executor runs single tasks on a backend.
type Executor struct {
	backend    Backend
	stagingDir string
}

// NewExecutor creates an executor staging inputs below stagingDir
// (os.TempDir when empty).
func NewExecutor(backend Backend, stagingDir string) *Executor {
	return &Executor{backend: backend, stagingDir: stagingDir}
}

// Execute stages t, runs its container and collects logs and output. A
// timeout stops the container and is not an error. The container and the
// staging dir are removed on every path. On error the returned Result
// still carries the run arguments when they were built.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*Result, error) {
	logger := log.With().
		Str("tool", t.Tool.ID).
		Str("mode", t.Tool.Mode).
		Str("file", t.RelFile).
		Logger()

	dir, err := Stage(e.stagingDir, t)
	if err != nil {
		return nil, &ExecutionError{Task: t.String(), Op: "stage", Err: err}
	}

	res := &Result{Args: BuildRunArgs(t, dir)}
	var id string
	defer func() { e.cleanup(id, dir, logger) }()

	id, err = e.backend.Run(ctx, res.Args)
	if err != nil {
		return res, &ExecutionError{Task: t.String(), Op: "run", Err: err}
	}

	code, err := e.backend.Wait(ctx, id, t.Settings.TimeoutDuration())
	switch {
	case err == nil:
		res.ExitCode = &code
	case IsTimeout(err):
		logger.Debug().Int("timeout", t.Settings.Timeout).Msg("timed out, stopping container")
		if err := e.backend.Stop(ctx, id); err != nil {
			logger.Warn().Err(err).Msg("failed to stop container")
		}
	default:
		return res, &ExecutionError{Task: t.String(), Op: "wait", Err: err}
	}

	logs, err := e.backend.Logs(ctx, id)
	if err != nil {
		return res, &ExecutionError{Task: t.String(), Op: "logs", Err: err}
	}
	res.Logs = SplitLines(string(logs))

	if t.Tool.Output != "" {
		out, err := e.backend.Extract(ctx, id, t.Tool.Output)
		switch {
		case err == nil:
			res.Output = out
		case IsNotFound(err):
			logger.Debug().Str("path", t.Tool.Output).Msg("no output produced")
		default:
			return res, &ExecutionError{Task: t.String(), Op: "extract", Err: err}
		}
	}

	return res, nil
}

// cleanup runs with its own deadline so a cancelled task still releases
// its container.
func (e *Executor) cleanup(id, dir string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if id != "" {
		if err := e.backend.Stop(ctx, id); err != nil {
			logger.Warn().Err(err).Str("container_id", id).Msg("failed to stop container")
		}
		if err := e.backend.Remove(ctx, id); err != nil {
			logger.Warn().Err(err).Str("container_id", id).Msg("failed to remove container")
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove staging dir")
	}
}

// SplitLines splits text into lines without their terminators.
func SplitLines(s string) []string {
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
