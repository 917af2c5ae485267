package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"solscan/internal/monitor"
	"solscan/internal/parsing"
	"solscan/internal/results"
	"solscan/internal/sandbox"
	"solscan/internal/sarif"
	"solscan/internal/storage"
	"solscan/internal/task"
)

// Execute runs one task end to end: gate on the result directory, run the
// container, then write the task log, tool log, tool output and, when
// requested, the parsed result and SARIF document. A matching task log
// without overwrite skips the task.
func (a *Analyzer) Execute(ctx context.Context, t *task.Task) (Outcome, error) {
	s := t.Settings

	ctx, span := a.tracer.StartSpan(ctx, "task",
		monitor.AttrRunID.String(s.RunID),
		monitor.AttrTool.String(t.Tool.ID),
		monitor.AttrMode.String(t.Tool.Mode),
		monitor.AttrFile.String(t.RelFile),
	)
	defer span.End()

	out, err := a.execute(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if out.Status != monitor.StatusSkipped {
		span.SetAttributes(monitor.AttrDurationMS.Int64(out.Duration.Milliseconds()))
	}
	return out, nil
}

func (a *Analyzer) execute(ctx context.Context, t *task.Task) (Outcome, error) {
	s := t.Settings

	dir, err := results.Open(t.ResultDir)
	if err != nil {
		return Outcome{}, err
	}

	skip, err := dir.Check(t.RelFile, t.Tool.ID, t.Tool.Mode, s.Overwrite)
	if err != nil {
		return Outcome{}, err
	}
	if skip {
		a.queue.Info(fmt.Sprintf("%s: Skipping %s, already analysed", t.Tool.ID, t.RelFile), map[string]any{"dir": dir.Path})
		return Outcome{Status: monitor.StatusSkipped}, nil
	}

	if err := dir.Clear(); err != nil {
		return Outcome{}, err
	}

	if a.metrics != nil {
		a.metrics.ActiveTasks.Inc()
		defer a.metrics.ActiveTasks.Dec()
	}

	start := a.now()
	res, err := a.executor.Execute(ctx, t)
	duration := a.now().Sub(start)
	if err != nil {
		return Outcome{}, err
	}

	tl := taskLog(t, res, start, duration)
	if err := writeArtifacts(dir, tl, res); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: monitor.StatusDone, Duration: duration}
	if res.ExitCode == nil {
		out.Status = monitor.StatusTimeout
	} else {
		monitor.SpanFromContext(ctx).SetAttributes(monitor.AttrExitCode.Int(*res.ExitCode))
	}

	if s.JSON || s.SARIF {
		parsed, err := parsing.Parse(tl, res.Logs, res.Output)
		if err != nil {
			return out, fmt.Errorf("parsing %s: %w", t, err)
		}
		out.Findings = len(parsed.Findings)
		if err := dir.WriteJSON(results.ParserOutputFile, parsed); err != nil {
			return out, err
		}
		if s.SARIF {
			if err := dir.WriteJSON(results.SarifOutputFile, sarif.Sarify(t.Tool, parsed.Findings)); err != nil {
				return out, err
			}
		}
	}

	if a.metrics != nil && res.Output != nil {
		a.metrics.OutputSizeBytes.Observe(float64(len(res.Output)))
	}
	if a.index != nil {
		finished := start.Add(duration)
		a.index.Log(&storage.TaskRun{
			RunID:      s.RunID,
			Tool:       t.Tool.ID,
			Mode:       t.Tool.Mode,
			Filename:   t.RelFile,
			ResultDir:  dir.Path,
			ExitCode:   res.ExitCode,
			Status:     out.Status,
			Findings:   out.Findings,
			DurationMS: duration.Milliseconds(),
			StartedAt:  start,
			FinishedAt: &finished,
		})
	}
	return out, nil
}

func taskLog(t *task.Task, res *sandbox.Result, start time.Time, duration time.Duration) *results.TaskLog {
	tl := &results.TaskLog{
		Filename: t.RelFile,
		RunID:    t.Settings.RunID,
		Result: results.RunResult{
			Start:    float64(start.UnixNano()) / 1e9,
			Duration: duration.Seconds(),
			ExitCode: res.ExitCode,
		},
		Tool:       t.Tool,
		Docker:     res.Args,
		SystemInfo: results.System(),
	}
	if t.SolcVersion != "" {
		v := t.SolcVersion
		tl.Solc = &v
	}
	if len(res.Logs) > 0 {
		name := results.ToolLogFile
		tl.Result.Logs = &name
	}
	if res.Output != nil {
		name := results.ToolOutputFile
		tl.Result.Output = &name
	}
	return tl
}

// writeArtifacts writes the task log first so an interrupted run leaves a
// record of what was executed.
func writeArtifacts(dir *results.Dir, tl *results.TaskLog, res *sandbox.Result) error {
	if err := dir.WriteJSON(results.TaskLogFile, tl); err != nil {
		return err
	}
	if tl.Result.Logs != nil {
		if err := dir.WriteToolLog(res.Logs); err != nil {
			return err
		}
	}
	if tl.Result.Output != nil {
		if err := dir.WriteToolOutput(res.Output); err != nil {
			return err
		}
	}
	return nil
}

// errorType labels a task error for metrics and the run index.
func errorType(err error) string {
	var execErr *sandbox.ExecutionError
	switch {
	case errors.Is(err, ErrPanic):
		return "panic"
	case errors.Is(err, results.ErrOccupied):
		return "occupied"
	case errors.Is(err, results.ErrClear):
		return "clear"
	case errors.Is(err, results.ErrCreateDir):
		return "create_dir"
	case errors.As(err, &execErr):
		return execErr.Op
	default:
		return "other"
	}
}

func failedRun(t *task.Task, err error, now time.Time) *storage.TaskRun {
	return &storage.TaskRun{
		RunID:     t.Settings.RunID,
		Tool:      t.Tool.ID,
		Mode:      t.Tool.Mode,
		Filename:  t.RelFile,
		ResultDir: t.ResultDir,
		Status:    monitor.StatusFailed,
		Error:     err.Error(),
		StartedAt: now,
	}
}
