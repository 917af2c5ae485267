package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store persists task run records.
type Store interface {
	LogTaskRun(ctx context.Context, run *TaskRun) error
}

// TaskLogger accepts task run records without blocking the caller.
type TaskLogger interface {
	Log(run *TaskRun)
}

// RunWriter writes task runs to a Store from a background goroutine,
// retrying failed inserts with exponential backoff.
type RunWriter struct {
	store   Store
	ch      chan *TaskRun
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
}

func NewRunWriter(store Store, bufferSize int) *RunWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &RunWriter{
		store:   store,
		ch:      make(chan *TaskRun, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *RunWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *RunWriter) Log(run *TaskRun) {
	select {
	case w.ch <- run:
	default:
		log.Warn().Str("task_run", run.ID).Msg("task run buffer full, dropping index entry")
	}
}

// Flush stops accepting work, drains the buffer and waits up to timeout.
func (w *RunWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Debug().Msg("task run writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("task run writer flush timed out")
	}
}

func (w *RunWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case run := <-w.ch:
			w.writeWithRetry(run)
		case <-w.done:
			for {
				select {
				case run := <-w.ch:
					w.writeWithRetry(run)
				default:
					return
				}
			}
		}
	}
}

func (w *RunWriter) writeWithRetry(run *TaskRun) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogTaskRun(ctx, run)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("task_run", run.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("task run write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("task_run", run.ID).
				Msg("task run write failed permanently after retries")
		}
	}
}
