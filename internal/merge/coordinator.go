// Package merge implements the serialized merge coordinator: the only
// component allowed to mutate the base repository's working directory.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/queue"
	"github.com/kugutsu/pipeline/internal/task"
	"github.com/kugutsu/pipeline/internal/worktree"
)

const maxMergeRetries = 3

// stabilizationDelay is paused after every processed item, successful or
// not, before the next item is dequeued. The single-slot queue below makes
// this delay double as part of the serialization guarantee.
var stabilizationDelay = time.Second

// CompletionTracker is the subset of the completion reporter the merge
// coordinator needs. Defined here to avoid a dependency on the report
// package's full surface.
type CompletionTracker interface {
	MarkTaskCompletedByTitle(title string)
}

type pendingItem struct {
	engineerID    string
	output        string
	reviewHistory []task.ReviewVerdict
}

// Coordinator serializes all merges to the base branch through a
// single-slot queue.Queue: MaxConcurrent=1 gives exactly the "one merge in
// flight, waiters resumed in arrival order" guarantee the spec calls a FIFO
// mutex, without hand-rolling a second synchronization primitive.
type Coordinator struct {
	wt       *worktree.Manager
	bus      *events.Bus
	reporter CompletionTracker

	mu      sync.Mutex
	pending map[string]*pendingItem

	q *queue.Queue
}

// New creates a merge coordinator. Call Start before Enqueue.
func New(wt *worktree.Manager, bus *events.Bus, reporter CompletionTracker) *Coordinator {
	c := &Coordinator{
		wt:       wt,
		bus:      bus,
		reporter: reporter,
		pending:  make(map[string]*pendingItem),
	}
	c.q = queue.New(queue.Config{
		Name:          "merge",
		MaxConcurrent: 1,
		Handler:       c.process,
	})
	return c
}

// Start launches the single merge worker.
func (c *Coordinator) Start(ctx context.Context) {
	c.q.Start(ctx)
}

// Stop rejects new merges from now on; merges already queued still run.
func (c *Coordinator) Stop() {
	c.q.Close()
}

// WaitForCompletion blocks until every enqueued merge has been processed.
func (c *Coordinator) WaitForCompletion() error {
	return c.q.WaitForCompletion()
}

// Stats reports queue occupancy.
func (c *Coordinator) Stats() queue.Stats {
	return c.q.Stats()
}

// Enqueue submits a reviewed, merge-ready task. A task ID that cycles
// through the conflict-resolution loop (same ID, re-merged after dev+review
// repairs it) can arrive here before queue.Queue has released that ID from
// its previous merge attempt: process's post-merge stabilizationDelay keeps
// the prior attempt's Handler call from returning, and only once it returns
// does queue.Queue clear the ID as pending. When that collision is what
// Enqueue hits, retry from a detached goroutine instead of failing outright.
func (c *Coordinator) Enqueue(t *task.Task, engineerID, output string, reviewHistory []task.ReviewVerdict) error {
	c.mu.Lock()
	c.pending[t.ID] = &pendingItem{
		engineerID:    engineerID,
		output:        output,
		reviewHistory: reviewHistory,
	}
	c.mu.Unlock()

	err := c.q.Enqueue(t, 0)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrAlreadyQueued) {
		go c.retryEnqueue(t)
		return nil
	}

	c.mu.Lock()
	delete(c.pending, t.ID)
	c.mu.Unlock()
	return err
}

const maxEnqueueRetries = 10

// enqueueRetryDelay is a var, not a const, so tests can shrink it instead of
// waiting out up to a full second of retries.
var enqueueRetryDelay = 100 * time.Millisecond

// retryEnqueue polls Enqueue for a task ID still held by the previous
// attempt's stabilization delay. Giving up after maxEnqueueRetries publishes
// a failed merge-completed rather than leaving the item stuck forever in
// c.pending without ever reaching the queue.
func (c *Coordinator) retryEnqueue(t *task.Task) {
	var err error
	for attempt := 0; attempt < maxEnqueueRetries; attempt++ {
		time.Sleep(enqueueRetryDelay)
		if err = c.q.Enqueue(t, 0); err == nil {
			return
		}
		if !errors.Is(err, queue.ErrAlreadyQueued) {
			break
		}
	}

	c.mu.Lock()
	item := c.pending[t.ID]
	delete(c.pending, t.ID)
	c.mu.Unlock()

	engineerID := ""
	if item != nil {
		engineerID = item.engineerID
	}
	c.bus.Publish(events.MergeCompleted{
		Base:       events.NewBase(t.ID, timeNow()),
		Task:       t,
		EngineerID: engineerID,
		Success:    false,
		Err:        fmt.Errorf("merge: could not re-enqueue task %q: %w", t.ID, err),
	})
}

func (c *Coordinator) process(ctx context.Context, t *task.Task) error {
	defer time.Sleep(stabilizationDelay)

	c.mu.Lock()
	item := c.pending[t.ID]
	c.mu.Unlock()
	if item == nil {
		return nil
	}

	info := &worktree.Info{
		Path:   t.Workspace.WorktreePath,
		Branch: t.Workspace.Branch,
		TaskID: t.ID,
	}

	conflicts, err := c.wt.MergeBaseIntoFeature(info)
	if err != nil || len(conflicts) > 0 {
		c.bus.Publish(events.MergeConflictDetected{
			Base:          events.NewBase(t.ID, timeNow()),
			Task:          t,
			EngineerID:    item.engineerID,
			Output:        item.output,
			ReviewHistory: item.reviewHistory,
			ConflictFiles: conflicts,
		})
		c.clearPending(t.ID)
		return nil
	}

	if mergeErr := c.finalMergeWithRetry(ctx, t); mergeErr != nil {
		c.bus.Publish(events.MergeCompleted{
			Base:       events.NewBase(t.ID, timeNow()),
			Task:       t,
			EngineerID: item.engineerID,
			Success:    false,
			Err:        mergeErr,
		})
		c.clearPending(t.ID)
		return nil
	}

	deleteBranch := t.Kind != task.ConflictResolution
	_ = c.wt.CleanupCompletedTask(t.ID, deleteBranch)

	title := task.BaseTitle(t.Title)
	c.reporter.MarkTaskCompletedByTitle(title)

	c.bus.Publish(events.MergeCompleted{
		Base:       events.NewBase(t.ID, timeNow()),
		Task:       t,
		EngineerID: item.engineerID,
		Success:    true,
	})
	c.clearPending(t.ID)
	return nil
}

// finalMergeWithRetry attempts FinalMergeToBase once and then retries it up
// to maxMergeRetries more times, aborting and pausing before each retry, all synchronously inside the
// handler call that holds the single merge slot. Retrying in place (rather
// than aborting the queue slot and re-enqueueing) avoids racing the
// deferred stabilizationDelay sleep against queue.Queue's own pending-map
// bookkeeping: a re-enqueue of the same task ID while process is still
// running for it would be rejected as "already queued or processing" and
// silently dropped, stranding the task in MERGING forever.
func (c *Coordinator) finalMergeWithRetry(ctx context.Context, t *task.Task) error {
	err := c.wt.FinalMergeToBase(t.Workspace.Branch)
	for attempt := 1; err != nil && attempt <= maxMergeRetries; attempt++ {
		_ = c.wt.AbortBaseMerge()

		select {
		case <-time.After(retryDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}

		err = c.wt.FinalMergeToBase(t.Workspace.Branch)
	}
	return err
}

func (c *Coordinator) clearPending(taskID string) {
	c.mu.Lock()
	delete(c.pending, taskID)
	c.mu.Unlock()
}

// mergeRetryInitialInterval/mergeRetryMaxInterval are package vars (rather
// than constants) so tests can shrink the final-merge retry backoff instead
// of waiting out several real seconds per retry round.
var (
	mergeRetryInitialInterval = 500 * time.Millisecond
	mergeRetryMaxInterval     = 5 * time.Second
)

// retryDelay computes a short, bounded backoff before retrying a failed
// final merge, so the base repo has a moment to settle before the next
// attempt.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = mergeRetryInitialInterval
	b.MaxInterval = mergeRetryMaxInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// timeNow returns the wall-clock time used to stamp merge events.
func timeNow() time.Time { return time.Now() }
