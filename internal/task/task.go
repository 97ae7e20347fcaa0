// Package task defines the unit of work scheduled by the pipeline: its
// identity, kind, priority, workspace binding, and lifecycle state.
package task

import "fmt"

// Kind identifies what variety of work a task represents.
type Kind int

const (
	Feature Kind = iota
	Bugfix
	Refactor
	Test
	Docs
	ConflictResolution
)

func (k Kind) String() string {
	switch k {
	case Feature:
		return "feature"
	case Bugfix:
		return "bugfix"
	case Refactor:
		return "refactor"
	case Test:
		return "test"
	case Docs:
		return "docs"
	case ConflictResolution:
		return "conflict-resolution"
	default:
		return "unknown"
	}
}

// Priority is the scheduling priority of a task. Higher weights dequeue first.
type Priority int

const (
	Low    Priority = -50
	Medium Priority = 0
	High   Priority = 50
)

// State is the lifecycle state of a task, owned by the dependency manager
// rather than the task itself.
type State int

const (
	Waiting State = iota
	Ready
	Running
	Developed
	Merging
	Merged
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Developed:
		return "developed"
	case Merging:
		return "merging"
	case Merged:
		return "merged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkspaceBinding is the (branch, worktree path) pair bound to a task on
// its first dispatch.
type WorkspaceBinding struct {
	Branch        string
	WorktreePath  string
	ForceFreshWorkspace bool
}

// ReviewVerdict is one entry in a task's review history.
type ReviewVerdict struct {
	Approved bool
	Comments []string
}

// ConflictContext is present only on tasks of kind ConflictResolution. It
// carries what the conflicted task had already produced so the
// conflict-resolution dev run can pick up where the original left off.
type ConflictContext struct {
	OriginalTaskID    string
	OriginalEngineerID string
	OriginalResult    string
	ReviewHistory     []ReviewVerdict
}

// Task is the unit scheduled by every queue in the pipeline.
type Task struct {
	ID       string
	Title    string
	OriginID string // non-empty when this task was derived from another

	Kind     Kind
	Priority Priority

	DependsOn []string // task ids (or titles, resolved to ids at build time)

	Workspace WorkspaceBinding

	Conflict *ConflictContext // non-nil iff Kind == ConflictResolution

	Description string // instruction body handed to the development agent
}

// Clone returns a deep copy safe to hand to a caller outside the lock that
// protects the owning graph.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Conflict != nil {
		conflictCopy := *t.Conflict
		conflictCopy.ReviewHistory = append([]ReviewVerdict(nil), t.Conflict.ReviewHistory...)
		cp.Conflict = &conflictCopy
	}
	return &cp
}

// RevisionTitle is the title a task gets when it's re-dispatched after a
// needs-revision review.
func RevisionTitle(original string) string {
	return fmt.Sprintf("[revision] %s", original)
}

// ConflictResolutionTitle is the title a synthetic conflict-resolution task
// gets.
func ConflictResolutionTitle(original string) string {
	return fmt.Sprintf("[conflict-resolution] %s", original)
}

const conflictResolutionPrefix = "[conflict-resolution] "
const revisionPrefix = "[revision] "

// StripConflictResolutionPrefix removes the conflict-resolution title prefix
// if present, so completion tracking stays keyed to the original title.
func StripConflictResolutionPrefix(title string) string {
	if len(title) > len(conflictResolutionPrefix) && title[:len(conflictResolutionPrefix)] == conflictResolutionPrefix {
		return title[len(conflictResolutionPrefix):]
	}
	return title
}

// StripRevisionPrefix removes the revision title prefix if present.
func StripRevisionPrefix(title string) string {
	if len(title) > len(revisionPrefix) && title[:len(revisionPrefix)] == revisionPrefix {
		return title[len(revisionPrefix):]
	}
	return title
}

// BaseTitle strips both the revision and conflict-resolution prefixes, so a
// task re-wrapped more than once across loopback rounds doesn't accumulate
// nested prefixes.
func BaseTitle(title string) string {
	return StripRevisionPrefix(StripConflictResolutionPrefix(title))
}
