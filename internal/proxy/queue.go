package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Priority orders queued requests. Higher priorities are always drained
// before lower ones.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// ParsePriority maps the X-Priority header value to a priority. Unknown
// values are normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	}
	return PriorityNormal
}

var (
	// ErrQueueFull is returned when the priority lane has no capacity.
	ErrQueueFull = errors.New("request queue full")
	// ErrExpired is returned when a request waited past its deadline.
	ErrExpired = errors.New("request expired in queue")
)

// Task lifecycle states. A worker claims a pending task before running its
// fn; a submitter abandons a pending task when its context is cancelled.
// The transition is one-way, so fn never runs for an abandoned task and a
// submitter never returns while its fn is still running.
const (
	taskPending int32 = iota
	taskClaimed
	taskAbandoned
)

type queueTask struct {
	fn       func()
	deadline time.Time
	done     chan error
	state    atomic.Int32
}

// RequestQueue runs submitted work on a fixed worker pool with three
// strict-priority lanes and bounded concurrency.
type RequestQueue struct {
	high   chan *queueTask
	normal chan *queueTask
	low    chan *queueTask
	sem    chan struct{}

	maxWait time.Duration
	logger  *slog.Logger

	expired   atomic.Int64
	processed atomic.Int64
	wg        sync.WaitGroup
}

// NewRequestQueue creates the queue. queueSize bounds each lane,
// maxConcurrent bounds requests running at once, and maxWait is how long a
// request may sit queued before it is discarded.
func NewRequestQueue(queueSize, maxConcurrent int, maxWait time.Duration, logger *slog.Logger) *RequestQueue {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &RequestQueue{
		high:    make(chan *queueTask, queueSize),
		normal:  make(chan *queueTask, queueSize),
		low:     make(chan *queueTask, queueSize),
		sem:     make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		logger:  logger,
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (q *RequestQueue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 10
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (q *RequestQueue) Wait() {
	q.wg.Wait()
}

// Submit enqueues fn at the given priority and blocks until it has run,
// the queue discards it, or ctx is cancelled.
func (q *RequestQueue) Submit(ctx context.Context, p Priority, fn func()) error {
	t := &queueTask{
		fn:       fn,
		deadline: time.Now().Add(q.maxWait),
		done:     make(chan error, 1),
	}

	var lane chan *queueTask
	switch p {
	case PriorityHigh:
		lane = q.high
	case PriorityLow:
		lane = q.low
	default:
		lane = q.normal
	}

	select {
	case lane <- t:
	default:
		q.logger.Warn("request queue full", "priority", p.String())
		return ErrQueueFull
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			// The worker will skip this task without running it.
			return ctx.Err()
		}
		// A worker already claimed the task. Wait it out so fn does not
		// outlive this call and write to a dead ResponseWriter.
		<-t.done
		return ctx.Err()
	}
}

// worker drains lanes in strict priority order: high always first, low
// only when high and normal are empty.
func (q *RequestQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.high:
			q.run(ctx, t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case t := <-q.high:
			q.run(ctx, t)
			continue
		case t := <-q.normal:
			q.run(ctx, t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case t := <-q.high:
			q.run(ctx, t)
		case t := <-q.normal:
			q.run(ctx, t)
		case t := <-q.low:
			q.run(ctx, t)
		}
	}
}

func (q *RequestQueue) run(ctx context.Context, t *queueTask) {
	if time.Now().After(t.deadline) {
		if t.state.CompareAndSwap(taskPending, taskClaimed) {
			q.expired.Add(1)
			t.done <- ErrExpired
		}
		return
	}

	// Bounded concurrency: wait for a slot before running.
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskClaimed) {
			t.done <- ctx.Err()
		}
		return
	}
	defer func() { <-q.sem }()

	if !t.state.CompareAndSwap(taskPending, taskClaimed) {
		// Abandoned by the submitter; never run it.
		return
	}
	t.fn()
	q.processed.Add(1)
	t.done <- nil
}

// Depths returns the current lane depths for metrics.
func (q *RequestQueue) Depths() (high, normal, low int) {
	return len(q.high), len(q.normal), len(q.low)
}

// Active returns the number of requests currently running.
func (q *RequestQueue) Active() int {
	return len(q.sem)
}

// Expired returns the count of requests discarded past their deadline.
func (q *RequestQueue) Expired() int64 {
	return q.expired.Load()
}

// Processed returns the count of requests run to completion.
func (q *RequestQueue) Processed() int64 {
	return q.processed.Load()
}
