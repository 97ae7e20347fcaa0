// Package develop implements the development queue: dispatches a
// development agent per ready task, ensuring a worktree exists first.
package develop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/depgraph"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/queue"
	"github.com/kugutsu/pipeline/internal/task"
	"github.com/kugutsu/pipeline/internal/worktree"
)

const (
	maxDevRetries      = 3
	starvationPriority = -100
	retryPriority      = 0
)

// starvationRequeueDelay is paused before re-enqueueing a task whose
// dependencies were not ready yet. A nonzero delay matters here for the
// same reason it matters for a retry: re-enqueueing the same task ID while
// this handler call is still running (and queue.Queue's own pending map
// hasn't been cleared by its deferred finish) would be rejected as
// "already queued or processing" and silently dropped.
var starvationRequeueDelay = 50 * time.Millisecond

// Config wires a development queue to its collaborators.
type Config struct {
	MaxConcurrent int
	Graph         *depgraph.Graph
	Worktrees     *worktree.Manager
	Bus           *events.Bus
	Registry      *agent.Registry
	Breakers      *agent.BreakerRegistry
}

// Queue is the development stage.
type Queue struct {
	cfg Config
	q   *queue.Queue

	mu          sync.Mutex
	retries     map[string]int    // task id -> dev attempt count
	engineerIDs map[string]string // task id -> bound engineer handle id
}

// New creates a development queue.
func New(cfg Config) *Queue {
	d := &Queue{
		cfg:         cfg,
		retries:     make(map[string]int),
		engineerIDs: make(map[string]string),
	}
	d.q = queue.New(queue.Config{
		Name:          "develop",
		MaxConcurrent: cfg.MaxConcurrent,
		Handler:       d.process,
	})
	return d
}

// Start launches the worker pool.
func (d *Queue) Start(ctx context.Context) { d.q.Start(ctx) }

// Stop rejects new work from now on; items already queued still run.
func (d *Queue) Stop() { d.q.Close() }

// WaitForCompletion blocks until every enqueued item has finished.
func (d *Queue) WaitForCompletion() error { return d.q.WaitForCompletion() }

// Stats reports queue occupancy.
func (d *Queue) Stats() queue.Stats { return d.q.Stats() }

func priorityFor(p task.Priority) int { return int(p) }

// Enqueue submits a task for development. engineerID is empty on a task's
// very first dispatch; pass the previous handle id to reuse it across a
// revision or conflict-resolution re-drive.
func (d *Queue) Enqueue(t *task.Task, engineerID string) error {
	d.mu.Lock()
	if engineerID != "" {
		d.engineerIDs[t.ID] = engineerID
	}
	d.mu.Unlock()

	return d.q.Enqueue(t, priorityFor(t.Priority))
}

func (d *Queue) process(ctx context.Context, t *task.Task) error {
	if _, state, ok := d.cfg.Graph.Get(t.ID); ok && state == task.Waiting {
		status, err := d.cfg.Graph.DependencyStatusOf(t.ID)
		if err == nil && !status.ReadyNow {
			d.requeueAfter(t, starvationPriority, starvationRequeueDelay)
			return nil
		}
	}

	if err := d.ensureWorktree(t); err != nil {
		d.handleException(t, fmt.Errorf("ensure worktree: %w", err))
		return nil
	}

	d.mu.Lock()
	engineerID := d.engineerIDs[t.ID]
	d.mu.Unlock()

	handle := d.cfg.Registry.Obtain(engineerID)
	d.mu.Lock()
	d.engineerIDs[t.ID] = handle.ID
	d.mu.Unlock()

	result, err := d.cfg.Breakers.RunDevelopment(ctx, handle.Dev, t, t.Workspace.WorktreePath)
	if err != nil {
		d.handleException(t, err)
		return nil
	}

	if !result.Success {
		d.handleRetryableFailure(t, result)
		return nil
	}

	d.clearRetries(t.ID)
	_ = d.cfg.Graph.MarkDeveloped(t.ID)
	d.cfg.Bus.Publish(events.DevelopmentCompleted{
		Base:         events.NewBase(t.ID, time.Now()),
		Task:         t,
		Output:       result.Output,
		FilesChanged: result.FilesChanged,
		EngineerID:   handle.ID,
	})
	return nil
}

func (d *Queue) ensureWorktree(t *task.Task) error {
	switch {
	case t.Workspace.ForceFreshWorkspace:
		_ = d.cfg.Worktrees.RemoveWorktree(t.ID)
		info, err := d.cfg.Worktrees.CreateForced(t.ID)
		if err != nil {
			return err
		}
		t.Workspace = task.WorkspaceBinding{Branch: info.Branch, WorktreePath: info.Path}
	case t.Workspace.WorktreePath == "":
		info, err := d.cfg.Worktrees.CreateForced(t.ID)
		if err != nil {
			return err
		}
		t.Workspace = task.WorkspaceBinding{Branch: info.Branch, WorktreePath: info.Path}
	}
	return nil
}

func (d *Queue) handleRetryableFailure(t *task.Task, result agent.DevelopmentResult) {
	d.mu.Lock()
	d.retries[t.ID]++
	attempt := d.retries[t.ID]
	d.mu.Unlock()

	if attempt < maxDevRetries {
		d.requeueAfter(t, retryPriority, agent.BackoffForAttempt(attempt))
		return
	}

	reason := "development agent failed after max retries"
	if result.Err != nil {
		reason = fmt.Sprintf("development agent failed after max retries: %v", result.Err)
	}
	d.fail(t, reason)
}

// requeueAfter re-enqueues t once delay has elapsed, from a goroutine
// detached from the handler call currently processing t. queue.Queue only
// clears its pending-task bookkeeping for t.ID after this Handler call
// returns, so enqueueing again before then is always rejected as "already
// queued or processing" and, worse, gets discarded silently by any caller
// that ignores the error. Running the wait in its own goroutine guarantees
// the re-enqueue attempt lands after that bookkeeping clears.
func (d *Queue) requeueAfter(t *task.Task, priority int, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		_ = d.q.Enqueue(t, priority)
	}()
}

func (d *Queue) handleException(t *task.Task, err error) {
	d.fail(t, fmt.Sprintf("development agent exception: %v", err))
}

// fail runs the common error handler: cascade-fail dependents, publish
// task-failed for the task and every cascaded dependent, and release the
// worktree unless this is a conflict-resolution task whose worktree is
// still under repair.
func (d *Queue) fail(t *task.Task, reason string) {
	cascaded, _ := d.cfg.Graph.MarkFailed(t.ID, reason)

	d.cfg.Bus.Publish(events.TaskFailed{
		Base:   events.NewBase(t.ID, time.Now()),
		Phase:  events.PhaseDevelopment,
		Reason: reason,
	})
	for _, dependentID := range cascaded {
		d.cfg.Bus.Publish(events.TaskFailed{
			Base:     events.NewBase(dependentID, time.Now()),
			Phase:    events.PhaseDevelopment,
			Reason:   fmt.Sprintf("upstream task %q failed", t.ID),
			Cascaded: true,
		})
	}

	if t.Kind != task.ConflictResolution {
		_ = d.cfg.Worktrees.RemoveWorktree(t.ID)
	}

	d.mu.Lock()
	handleID := d.engineerIDs[t.ID]
	delete(d.engineerIDs, t.ID)
	delete(d.retries, t.ID)
	d.mu.Unlock()
	if handleID != "" {
		d.cfg.Registry.Release(handleID)
	}
}

func (d *Queue) clearRetries(taskID string) {
	d.mu.Lock()
	delete(d.retries, taskID)
	d.mu.Unlock()
}
