package analysis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"solscan/internal/monitor"
	"solscan/internal/results"
	"solscan/internal/sandbox"
	"solscan/internal/task"
)

// Summary counts the outcomes of one batch.
type Summary struct {
	Total    int
	Done     int
	Skipped  int
	TimedOut int
	Failed   int
	Elapsed  time.Duration
}

// progress holds the counters shared by all workers.
type progress struct {
	total     int
	processes int

	mu         sync.Mutex
	started    int
	completed  int
	cumulative time.Duration
	summary    Summary
}

func (p *progress) start() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return p.started
}

// finish records an outcome and returns the completed count and the
// estimated time until the batch ends.
func (p *progress) finish(out Outcome, failed bool) (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	p.cumulative += out.Duration
	switch {
	case failed:
		p.summary.Failed++
	case out.Status == monitor.StatusSkipped:
		p.summary.Skipped++
	case out.Status == monitor.StatusTimeout:
		p.summary.TimedOut++
	default:
		p.summary.Done++
	}

	avg := p.cumulative / time.Duration(p.completed)
	eta := avg * time.Duration(p.total-p.completed) / time.Duration(p.processes)
	return p.completed, eta
}

func (p *progress) result(elapsed time.Duration) *Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.summary
	s.Total = p.total
	s.Elapsed = elapsed
	return &s
}

// Run executes tasks on processes workers in random order. Task errors are
// logged and counted; only fatal errors (result directory creation, backend
// unavailable, cancellation) stop the batch and are returned.
func (a *Analyzer) Run(ctx context.Context, tasks []*task.Task, processes int) (*Summary, error) {
	if processes < 1 {
		processes = 1
	}
	a.queue.Start()
	defer a.queue.Stop()

	begin := a.now()

	shuffled := append([]*task.Task(nil), tasks...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	// One nil sentinel per worker follows the tasks.
	queue := make(chan *task.Task, len(shuffled)+processes)
	for _, t := range shuffled {
		queue <- t
	}
	for i := 0; i < processes; i++ {
		queue <- nil
	}

	p := &progress{total: len(tasks), processes: processes}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < processes; i++ {
		g.Go(func() error {
			return a.worker(gctx, queue, p)
		})
	}
	err := g.Wait()

	elapsed := a.now().Sub(begin)
	a.queue.Info(fmt.Sprintf("Analysis completed in %s", elapsed.Round(time.Second)), nil)
	return p.result(elapsed), err
}

func (a *Analyzer) worker(ctx context.Context, queue <-chan *task.Task, p *progress) error {
	for {
		var t *task.Task
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t = <-queue:
		}
		if t == nil {
			return nil
		}

		started := p.start()
		a.queue.Info(fmt.Sprintf("Starting task %d/%d: %s and %s", started, p.total, t.Tool.ID, t.RelFile), nil)

		out, err := a.safeExecute(ctx, t)
		if err != nil {
			if fatal(err) {
				return err
			}
			a.taskFailed(t, err)
			out = Outcome{}
		} else if a.metrics != nil {
			a.metrics.RecordTask(t.Tool.ID, t.Tool.Mode, out.Status, out.Duration.Seconds())
			a.metrics.RecordFindings(t.Tool.ID, out.Findings)
		}

		completed, eta := p.finish(out, err != nil)
		a.queue.Info(fmt.Sprintf("%d/%d completed, ETA: %s", completed, p.total, eta.Round(time.Second)), nil)
	}
}

func (a *Analyzer) safeExecute(ctx context.Context, t *task.Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, t, r)
		}
	}()
	return a.Execute(ctx, t)
}

func (a *Analyzer) taskFailed(t *task.Task, err error) {
	kind := errorType(err)
	fields := map[string]any{"tool": t.Tool.ID, "mode": t.Tool.Mode, "file": t.RelFile, "error_type": kind}
	if errors.Is(err, results.ErrOccupied) || errors.Is(err, results.ErrClear) {
		a.queue.Warn(err.Error(), fields)
	} else {
		a.queue.Error(err.Error(), fields)
	}

	if a.metrics != nil {
		a.metrics.RecordTask(t.Tool.ID, t.Tool.Mode, monitor.StatusFailed, 0)
		a.metrics.RecordError(kind)
	}
	if a.index != nil {
		a.index.Log(failedRun(t, err, a.now()))
	}
}

// fatal reports errors that abort the whole batch.
func fatal(err error) bool {
	return errors.Is(err, results.ErrCreateDir) ||
		errors.Is(err, sandbox.ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled)
}
