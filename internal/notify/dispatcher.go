// Package notify delivers best-effort push notifications to members who are
// not connected to the room a message was posted in.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
)

// Job is one push notification for one user.
type Job struct {
	UserID    int    `json:"user_id"`
	RoomID    int64  `json:"room_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	MessageID int64  `json:"message_id"`
}

// Sink hands a job to whatever actually talks to the push provider.
type Sink interface {
	Push(ctx context.Context, job Job) error
}

// Dispatcher fans jobs out to a fixed pool of workers. Enqueue never blocks
// the caller: when the buffer is full the job is dropped.
type Dispatcher struct {
	sink    Sink
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, workers, buffer int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1000
	}
	return &Dispatcher{
		sink:    sink,
		jobs:    make(chan Job, buffer),
		workers: workers,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "push").Logger(),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- job:
		return true
	default:
		metrics.PushTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn().Int("user_id", job.UserID).Int64("message_id", job.MessageID).Msg("push queue full, dropping job")
		return false
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Push(ctx, job)
		cancel()

		if err != nil {
			metrics.PushTotal.WithLabelValues("failed").Inc()
			d.logger.Warn().Err(err).Int("user_id", job.UserID).Int64("room_id", job.RoomID).Msg("push failed")
			continue
		}
		metrics.PushTotal.WithLabelValues("sent").Inc()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
