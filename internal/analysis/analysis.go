// Package analysis runs a batch of tasks: the per-task result protocol and
// the worker pool that drives it.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"solscan/internal/collect"
	"solscan/internal/config"
	"solscan/internal/logging"
	"solscan/internal/monitor"
	"solscan/internal/sandbox"
	"solscan/internal/storage"
	"solscan/internal/task"
	"solscan/internal/tools"
)

var ErrPanic = errors.New("task panicked")

// Executor runs one task in a container.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (*sandbox.Result, error)
}

// Outcome describes a finished task.
type Outcome struct {
	Status   string // one of the monitor.Status* values
	Duration time.Duration
	Findings int
}

// Analyzer executes tasks against the result store. Metrics, tracing and
// the run index are optional.
type Analyzer struct {
	executor Executor
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	index    storage.TaskLogger
	queue    *logging.Queue
	now      func() time.Time
}

type Option func(*Analyzer)

func WithMetrics(m *monitor.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(a *Analyzer) { a.tracer = t }
}

func WithIndex(index storage.TaskLogger) Option {
	return func(a *Analyzer) { a.index = index }
}

// New creates an Analyzer. Worker messages go through a log queue bound to
// the global logger at the time of the call.
func New(executor Executor, opts ...Option) *Analyzer {
	a := &Analyzer{
		executor: executor,
		queue:    logging.NewQueue(log.Logger, 0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tracer == nil {
		a.tracer = monitor.NewTracer()
	}
	return a
}

// Prepare selects tools and files and builds the task set. An empty task
// set is fatal; empty tool or file selections only warn.
func Prepare(ctx context.Context, s *config.Settings, reg *tools.Registry, b *task.Builder) ([]*task.Task, error) {
	ts, err := reg.Load(s.Tools)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		log.Warn().Msg("no tools selected")
	}

	files, err := collect.Files(s.Files)
	if err != nil {
		return nil, fmt.Errorf("collecting files: %w", err)
	}
	if len(files) == 0 {
		log.Warn().Msg("no files selected")
	}

	tasks, err := b.Build(ctx, files, ts)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, task.ErrNoTasks
	}
	return tasks, nil
}
