package events

import (
	"time"

	"github.com/kugutsu/pipeline/internal/task"
)

// Kind is the closed set of event kinds the bus delivers.
type Kind string

const (
	KindDevelopmentCompleted  Kind = "development-completed"
	KindReviewCompleted       Kind = "review-completed"
	KindMergeReady            Kind = "merge-ready"
	KindMergeConflictDetected Kind = "merge-conflict-detected"
	KindMergeCompleted        Kind = "merge-completed"
	KindTaskFailed            Kind = "task-failed"
	KindTaskCompleted         Kind = "task-completed"
	KindDependencyResolved    Kind = "dependency-resolved"
	KindAllTasksCompleted     Kind = "all-tasks-completed"
)

// Event is the base interface every typed payload satisfies.
type Event interface {
	Kind() Kind
	TaskID() string
	OccurredAt() time.Time
}

// Base carries the fields every event shares. Constructors embed it.
type Base struct {
	ID string
	At time.Time
}

func (b Base) TaskID() string        { return b.ID }
func (b Base) OccurredAt() time.Time { return b.At }

// NewBase stamps a Base for taskID with the given time.
func NewBase(taskID string, at time.Time) Base {
	return Base{ID: taskID, At: at}
}

// DevelopmentCompleted is published when a development agent finishes a task
// successfully.
type DevelopmentCompleted struct {
	Base
	Task         *task.Task
	Output       string
	FilesChanged []string
	EngineerID   string
}

func (DevelopmentCompleted) Kind() Kind { return KindDevelopmentCompleted }

// ReviewCompleted is published after a review agent returns a verdict.
type ReviewCompleted struct {
	Base
	Task          *task.Task
	EngineerID    string
	NeedsRevision bool
	Comments      []string
	ReviewHistory []task.ReviewVerdict // accumulated so far for this original task id
}

func (ReviewCompleted) Kind() Kind { return KindReviewCompleted }

// MergeReady is published when a task has been approved and is queued for
// the merge coordinator.
type MergeReady struct {
	Base
	Task          *task.Task
	EngineerID    string
	Output        string
	ReviewHistory []task.ReviewVerdict
}

func (MergeReady) Kind() Kind { return KindMergeReady }

// MergeConflictDetected is published when bringing base into a feature
// branch leaves unresolved-merge markers.
type MergeConflictDetected struct {
	Base
	Task          *task.Task
	EngineerID    string
	Output        string
	ReviewHistory []task.ReviewVerdict
	ConflictFiles []string
}

func (MergeConflictDetected) Kind() Kind { return KindMergeConflictDetected }

// MergeCompleted is published once the merge coordinator finishes
// processing an item, successfully or not.
type MergeCompleted struct {
	Base
	Task       *task.Task
	EngineerID string
	Success    bool
	Err        error
}

func (MergeCompleted) Kind() Kind { return KindMergeCompleted }

// Phase identifies where in the pipeline a task failure occurred.
type Phase string

const (
	PhaseDevelopment Phase = "development"
	PhaseReview      Phase = "review"
	PhaseMerge       Phase = "merge"
)

// TaskFailed is published when a task is marked failed, whether directly or
// via cascade.
type TaskFailed struct {
	Base
	Phase    Phase
	Reason   string
	Cascaded bool
}

func (TaskFailed) Kind() Kind { return KindTaskFailed }

// TaskCompleted is published by the completion reporter on every increment.
type TaskCompleted struct {
	Base
	Title      string
	Completed  int
	Total      int
	Percentage float64
}

func (TaskCompleted) Kind() Kind { return KindTaskCompleted }

// DependencyResolved is published after a successful merge promotes newly
// ready dependents.
type DependencyResolved struct {
	Base
	NewlyReady []string
}

func (DependencyResolved) Kind() Kind { return KindDependencyResolved }

// AllTasksCompleted is published once by the completion reporter when the
// completed count reaches the known total.
type AllTasksCompleted struct {
	Base
	Total int
}

func (AllTasksCompleted) Kind() Kind { return KindAllTasksCompleted }
