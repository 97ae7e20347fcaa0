// Package report implements the completion reporter: tracks per-task
// completion against a known total and emits per-task and all-done events.
package report

import (
	"sync"
	"time"

	"github.com/kugutsu/pipeline/internal/events"
)

// Reporter is initialized with the full set of task titles at start and
// emits taskCompleted on every new completion and allTasksCompleted once
// completed reaches total.
type Reporter struct {
	bus *events.Bus

	mu        sync.Mutex
	total     int
	completed map[string]bool
	allFired  bool
}

// New creates a reporter seeded with titles, the full set of task titles
// known at pipeline start.
func New(bus *events.Bus, titles []string) *Reporter {
	r := &Reporter{
		bus:       bus,
		total:     len(titles),
		completed: make(map[string]bool, len(titles)),
	}
	return r
}

// MarkTaskCompletedByTitle records one task's completion. Idempotent: a
// title already marked complete does not re-fire events.
func (r *Reporter) MarkTaskCompletedByTitle(title string) {
	r.mu.Lock()
	if r.completed[title] {
		r.mu.Unlock()
		return
	}
	r.completed[title] = true
	completedCount := len(r.completed)
	total := r.total
	allDone := completedCount == total && !r.allFired
	if allDone {
		r.allFired = true
	}
	r.mu.Unlock()

	percentage := 0.0
	if total > 0 {
		percentage = float64(completedCount) / float64(total) * 100
	}

	r.bus.Publish(events.TaskCompleted{
		Base:       events.NewBase(title, time.Now()),
		Title:      title,
		Completed:  completedCount,
		Total:      total,
		Percentage: percentage,
	})

	if allDone {
		r.bus.Publish(events.AllTasksCompleted{
			Base:  events.NewBase("", time.Now()),
			Total: total,
		})
	}
}

// Counts returns (completed, total) for observability.
func (r *Reporter) Counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), r.total
}
