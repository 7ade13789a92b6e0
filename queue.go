package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// waitSampleCap bounds the sliding window used for AvgWaitMs.
const waitSampleCap = 2000

// Task is a unit of admitted work. The returned value is delivered to the
// caller inside a Result.
type Task func(ctx context.Context) (any, error)

// Result is what every Offer eventually yields. Err is set when the task
// returned an error or panicked; the queue itself never fails a caller.
type Result struct {
	Value any
	Err   error
}

// QueueSnapshot is the point-in-time view served at /admin/queue.
type QueueSnapshot struct {
	CurrentLength  int     `json:"currentLength"`
	AvgWaitMs      float64 `json:"avgWaitMs"`
	MaxConcurrency int     `json:"maxConcurrency"`
	Inflight       int     `json:"inflight"`
	Limit          int     `json:"limit,omitempty"`
}

type queuedTask struct {
	enqueuedAt time.Time
	run        Task
	done       chan Result
}

// AdmissionQueue runs submitted tasks FIFO with at most maxConcurrency in
// flight. Admission is unconditional: a busy queue only grows its wait time.
// The configured limit is advisory and reported in snapshots, never enforced.
type AdmissionQueue struct {
	mu             sync.Mutex
	maxConcurrency int
	limit          int
	inflight       int
	pending        []*queuedTask

	samples     [waitSampleCap]time.Duration
	sampleCount int
	sampleNext  int

	ctx    context.Context
	logger *slog.Logger
}

// NewAdmissionQueue returns a queue running at most maxConcurrency tasks at
// once (values below 1 are treated as 1). Tasks receive ctx.
func NewAdmissionQueue(ctx context.Context, maxConcurrency, limit int, logger *slog.Logger) *AdmissionQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionQueue{
		maxConcurrency: maxConcurrency,
		limit:          limit,
		ctx:            ctx,
		logger:         logger.With("component", "queue"),
	}
}

// Submit admits task and returns a channel that receives exactly one Result.
func (q *AdmissionQueue) Submit(task Task) <-chan Result {
	qt := &queuedTask{
		enqueuedAt: time.Now(),
		run:        task,
		done:       make(chan Result, 1),
	}
	q.mu.Lock()
	q.pending = append(q.pending, qt)
	depth := len(q.pending)
	q.mu.Unlock()

	if q.limit > 0 && depth > q.limit {
		q.logger.Warn("queue above advisory limit", "length", depth, "limit", q.limit)
	}
	q.drain()
	return qt.done
}

// Offer admits task and waits for its Result. If ctx ends first the task
// still runs to completion; the caller gets ctx's error instead.
func (q *AdmissionQueue) Offer(ctx context.Context, task Task) Result {
	ch := q.Submit(task)
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// drain starts pending tasks while slots are free. Each task runs on its own
// goroutine so a caller's stack never executes queued work.
func (q *AdmissionQueue) drain() {
	q.mu.Lock()
	var start []*queuedTask
	for q.inflight < q.maxConcurrency && len(q.pending) > 0 {
		qt := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inflight++
		start = append(start, qt)
	}
	q.mu.Unlock()

	for _, qt := range start {
		go q.execute(qt)
	}
}

func (q *AdmissionQueue) execute(qt *queuedTask) {
	res := q.runSafely(qt.run)
	q.complete(qt)
	qt.done <- res
}

func (q *AdmissionQueue) runSafely(task Task) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("task panicked", "panic", fmt.Sprint(p))
			res = Result{Err: fmt.Errorf("task panicked: %v", p)}
		}
	}()
	v, err := task(q.ctx)
	return Result{Value: v, Err: err}
}

func (q *AdmissionQueue) complete(qt *queuedTask) {
	q.mu.Lock()
	q.inflight--
	q.samples[q.sampleNext] = time.Since(qt.enqueuedAt)
	q.sampleNext = (q.sampleNext + 1) % waitSampleCap
	if q.sampleCount < waitSampleCap {
		q.sampleCount++
	}
	q.mu.Unlock()
	q.drain()
}

// Snapshot reports queue length (tasks not yet started), the mean of the
// recorded wait samples, and the concurrency bound.
func (q *AdmissionQueue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := QueueSnapshot{
		CurrentLength:  len(q.pending),
		MaxConcurrency: q.maxConcurrency,
		Inflight:       q.inflight,
		Limit:          q.limit,
	}
	if q.sampleCount > 0 {
		var total time.Duration
		for i := 0; i < q.sampleCount; i++ {
			total += q.samples[i]
		}
		snap.AvgWaitMs = float64(total.Microseconds()) / 1000 / float64(q.sampleCount)
	}
	return snap
}
