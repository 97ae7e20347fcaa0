// Package review implements the review queue: dispatches a review agent
// per completed development and records review history per original task.
package review

import (
	"context"
	"sync"
	"time"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/queue"
	"github.com/kugutsu/pipeline/internal/task"
)

// Config wires a review queue to its collaborators.
type Config struct {
	MaxConcurrent int
	Bus           *events.Bus
	Reviewer      agent.Review
	Breakers      *agent.BreakerRegistry
}

type pendingDev struct {
	engineerID string
	result     agent.DevelopmentResult
}

// Queue is the review stage. Round counting and the decision to convert a
// stalled revision loop into task-failed(phase=review) belong to the
// pipeline coordinator, which sees ReviewHistory on every ReviewCompleted
// event; this queue only accumulates and reports that history.
type Queue struct {
	cfg Config
	q   *queue.Queue

	mu      sync.Mutex
	pending map[string]pendingDev
	history map[string][]task.ReviewVerdict // keyed by original task id
}

// New creates a review queue.
func New(cfg Config) *Queue {
	r := &Queue{
		cfg:     cfg,
		pending: make(map[string]pendingDev),
		history: make(map[string][]task.ReviewVerdict),
	}
	r.q = queue.New(queue.Config{
		Name:          "review",
		MaxConcurrent: cfg.MaxConcurrent,
		Handler:       r.process,
	})
	return r
}

// Start launches the worker pool.
func (r *Queue) Start(ctx context.Context) { r.q.Start(ctx) }

// Stop rejects new work from now on; items already queued still run.
func (r *Queue) Stop() { r.q.Close() }

// WaitForCompletion blocks until every enqueued item has finished.
func (r *Queue) WaitForCompletion() error { return r.q.WaitForCompletion() }

// Stats reports queue occupancy.
func (r *Queue) Stats() queue.Stats { return r.q.Stats() }

// originalID returns the task id review history should be keyed under:
// the origin id for a revision/conflict-resolution item, or the task's own
// id for an original dispatch.
func originalID(t *task.Task) string {
	if t.OriginID != "" {
		return t.OriginID
	}
	return t.ID
}

// Enqueue submits a completed development for review.
func (r *Queue) Enqueue(t *task.Task, engineerID string, dev agent.DevelopmentResult) error {
	r.mu.Lock()
	r.pending[t.ID] = pendingDev{engineerID: engineerID, result: dev}
	r.mu.Unlock()

	if err := r.q.Enqueue(t, 0); err != nil {
		r.mu.Lock()
		delete(r.pending, t.ID)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Queue) process(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	item := r.pending[t.ID]
	delete(r.pending, t.ID)
	r.mu.Unlock()

	result, err := r.cfg.Breakers.RunReview(ctx, r.cfg.Reviewer, t, item.result)
	if err != nil {
		// An agent-invocation failure is treated as a needs-revision verdict
		// with a synthetic comment, so it flows through the same bounded
		// round-counting loop as an ordinary review rejection rather than
		// silently dropping the task.
		result = agent.ReviewResult{Approved: false, Comments: []string{"review agent invocation failed: " + err.Error()}}
	}

	origID := originalID(t)
	verdict := task.ReviewVerdict{Approved: result.Approved, Comments: result.Comments}

	r.mu.Lock()
	r.history[origID] = append(r.history[origID], verdict)
	hist := append([]task.ReviewVerdict(nil), r.history[origID]...)
	r.mu.Unlock()

	r.cfg.Bus.Publish(events.ReviewCompleted{
		Base:          events.NewBase(t.ID, time.Now()),
		Task:          t,
		EngineerID:    item.engineerID,
		NeedsRevision: !result.Approved,
		Comments:      result.Comments,
		ReviewHistory: hist,
	})

	if result.Approved {
		r.cfg.Bus.Publish(events.MergeReady{
			Base:          events.NewBase(t.ID, time.Now()),
			Task:          t,
			EngineerID:    item.engineerID,
			Output:        item.result.Output,
			ReviewHistory: hist,
		})
	}

	return nil
}
