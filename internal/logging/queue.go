package logging

import (
	"sync"

	"github.com/rs/zerolog"
)

// Message is one log record produced by a worker.
type Message struct {
	Level  zerolog.Level
	Text   string
	Fields map[string]any
}

// Queue funnels worker messages through a single goroutine so records
// from parallel tasks never interleave. Messages sent before Stop are
// never dropped.
type Queue struct {
	logger zerolog.Logger
	ch     chan Message
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewQueue(logger zerolog.Logger, bufferSize int) *Queue {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &Queue{
		logger: logger,
		ch:     make(chan Message, bufferSize),
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.processLoop()
}

// Send enqueues a message. After Stop it logs synchronously.
func (q *Queue) Send(level zerolog.Level, text string, fields map[string]any) {
	m := Message{Level: level, Text: text, Fields: fields}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		q.write(m)
		return
	}
	q.ch <- m
}

func (q *Queue) Info(text string, fields map[string]any)  { q.Send(zerolog.InfoLevel, text, fields) }
func (q *Queue) Warn(text string, fields map[string]any)  { q.Send(zerolog.WarnLevel, text, fields) }
func (q *Queue) Error(text string, fields map[string]any) { q.Send(zerolog.ErrorLevel, text, fields) }
func (q *Queue) Debug(text string, fields map[string]any) { q.Send(zerolog.DebugLevel, text, fields) }

// Stop drains pending messages and stops the consumer.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) processLoop() {
	defer q.wg.Done()
	for m := range q.ch {
		q.write(m)
	}
}

func (q *Queue) write(m Message) {
	ev := q.logger.WithLevel(m.Level)
	if len(m.Fields) > 0 {
		ev = ev.Fields(m.Fields)
	}
	ev.Msg(m.Text)
}
