// Package agent defines the interfaces the pipeline drives per task: an
// opaque development agent and an opaque review agent, plus the engineer
// handle bookkeeping and resilience wrapper shared by both.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/kugutsu/pipeline/internal/task"
)

// DevelopmentResult is what a development agent run produces.
type DevelopmentResult struct {
	Success      bool
	FilesChanged []string
	Output       string
	Err          error
}

// ReviewResult is what a review agent run produces.
type ReviewResult struct {
	Approved bool
	Comments []string
}

// Development is the opaque development-agent collaborator. It runs inside
// the task's worktree and may read/write freely there; ctx cancellation is
// the abort signal the agent is expected to honor.
type Development interface {
	Run(ctx context.Context, t *task.Task, workdir string) (DevelopmentResult, error)
}

// Review is the opaque review-agent collaborator.
type Review interface {
	Review(ctx context.Context, t *task.Task, dev DevelopmentResult) (ReviewResult, error)
}

// Handle is an engineer instance bound to one development agent, reused
// across revision rounds of the same original task.
type Handle struct {
	ID  string
	Dev Development
}

// Registry owns the engineer-handle map. The Coordinator is the exclusive
// caller.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	factory func() Development
}

// NewRegistry creates a registry that mints handles via factory.
func NewRegistry(factory func() Development) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		factory: factory,
	}
}

// Obtain returns the handle for handleID if one exists, or mints a fresh
// one with a new id when handleID is empty. Reuse (by passing an existing
// non-empty id) is how revision rounds keep the same engineer instance.
func (r *Registry) Obtain(handleID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handleID != "" {
		if h, ok := r.handles[handleID]; ok {
			return h
		}
	}

	h := &Handle{ID: uuid.NewString(), Dev: r.factory()}
	if handleID != "" {
		h.ID = handleID
	}
	r.handles[h.ID] = h
	return h
}

// Release drops a handle once its task merges or is abandoned.
func (r *Registry) Release(handleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, handleID)
}

// BreakerRegistry holds one circuit breaker per named collaborator (e.g.
// "development", "review"), tripping independently so a failing review
// agent doesn't also gate development calls.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty breaker registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// RunDevelopment invokes dev.Run through the "development" circuit breaker.
func (r *BreakerRegistry) RunDevelopment(ctx context.Context, dev Development, t *task.Task, workdir string) (DevelopmentResult, error) {
	cb := r.get("development")
	result, err := cb.Execute(func() (interface{}, error) {
		return dev.Run(ctx, t, workdir)
	})
	if err != nil {
		return DevelopmentResult{}, err
	}
	return result.(DevelopmentResult), nil
}

// RunReview invokes rev.Review through the "review" circuit breaker.
func (r *BreakerRegistry) RunReview(ctx context.Context, rev Review, t *task.Task, dev DevelopmentResult) (ReviewResult, error) {
	cb := r.get("review")
	result, err := cb.Execute(func() (interface{}, error) {
		return rev.Review(ctx, t, dev)
	})
	if err != nil {
		return ReviewResult{}, err
	}
	return result.(ReviewResult), nil
}

// backoffForAttempt returns a short bounded delay used between in-queue
// retries of a failed agent invocation (not between circuit breaker
// probes, which gobreaker already paces via Settings.Timeout).
func backoffForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// BackoffForAttempt exposes backoffForAttempt to callers in other packages
// that requeue a failed development item.
func BackoffForAttempt(attempt int) time.Duration { return backoffForAttempt(attempt) }
