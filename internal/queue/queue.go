// Package queue implements a bounded-concurrency, priority-ordered work
// queue shared by the development and review stages of the pipeline.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kugutsu/pipeline/internal/task"
)

// ErrAlreadyQueued is wrapped into the error Enqueue returns when the task
// ID is already waiting or processing. Callers that re-dispatch the same
// task ID once a just-finished handler call releases it (merge's
// conflict-resolution loopback reuses the original task's ID) can match on
// this to distinguish "try again shortly" from a genuine enqueue failure.
var ErrAlreadyQueued = errors.New("already queued or processing")

// Handler processes one task. A returned error is reported through
// Config.OnError but does not stop the queue; the caller decides whether to
// re-enqueue.
type Handler func(ctx context.Context, t *task.Task) error

// Config controls queue concurrency and instrumentation.
type Config struct {
	Name          string
	MaxConcurrent int
	Handler       Handler
	OnError       func(t *task.Task, err error) // optional
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Waiting       int
	Processing    int
	MaxConcurrent int
}

type item struct {
	t        *task.Task
	priority int
	seq      int // insertion order, for FIFO tie-breaking
	index    int // heap bookkeeping
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].seq < h[j].seq // earlier insertion first
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue dispatches queued tasks to Handler with at most MaxConcurrent
// running concurrently, highest priority (then earliest insertion) first.
// The dispatch loop mirrors the bounded-wave pattern of an errgroup-limited
// worker pool: a single goroutine pops ready work and hands it to
// errgroup.Group.Go, which blocks once the concurrency limit is reached.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	pending map[string]bool // task IDs currently waiting or in flight
	nextSeq int
	closed  bool

	g       *errgroup.Group
	gCtx    context.Context
	started bool
	done    chan struct{}
}

// New creates a queue. MaxConcurrent <= 0 is treated as 1.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	q := &Queue{
		cfg:     cfg,
		pending: make(map[string]bool),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task at the given priority. Re-enqueueing a task ID that is
// already waiting or processing is rejected so retries and re-dispatch
// loops can't silently double-run a task.
func (q *Queue) Enqueue(t *task.Task, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue %s: closed", q.cfg.Name)
	}
	if q.pending[t.ID] {
		return fmt.Errorf("queue %s: task %q %w", q.cfg.Name, t.ID, ErrAlreadyQueued)
	}

	q.pending[t.ID] = true
	q.nextSeq++
	heap.Push(&q.items, &item{t: t, priority: priority, seq: q.nextSeq})
	q.cond.Signal()
	return nil
}

// Start launches the dispatch loop. It returns immediately; call
// WaitForCompletion to block until all enqueued work has finished.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.MaxConcurrent)
	q.g = g
	q.gCtx = gCtx

	go q.dispatchLoop(ctx)
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.items).(*item)
		q.mu.Unlock()

		if ctx.Err() != nil {
			q.finish(it.t.ID)
			continue
		}

		t := it.t
		q.g.Go(func() error {
			defer q.finish(t.ID)
			err := q.cfg.Handler(q.gCtx, t)
			if err != nil && q.cfg.OnError != nil {
				q.cfg.OnError(t, err)
			}
			return nil // handler errors are routed via OnError, not errgroup cancellation
		})
	}
}

func (q *Queue) finish(taskID string) {
	q.mu.Lock()
	delete(q.pending, taskID)
	q.mu.Unlock()
}

// Close makes Enqueue reject new work from now on and wakes the dispatch
// loop, which exits once the items already queued have been dispatched.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// WaitForCompletion blocks until the dispatch loop has exited (after Close)
// and every in-flight handler has returned.
func (q *Queue) WaitForCompletion() error {
	<-q.done
	if q.g == nil {
		return nil
	}
	return q.g.Wait()
}

// Stats reports current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	processing := len(q.pending) - len(q.items)
	if processing < 0 {
		processing = 0
	}
	return Stats{
		Waiting:       len(q.items),
		Processing:    processing,
		MaxConcurrent: q.cfg.MaxConcurrent,
	}
}

// IsQueued reports whether a task ID is currently waiting or in flight.
func (q *Queue) IsQueued(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[taskID]
}
