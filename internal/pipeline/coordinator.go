// Package pipeline implements the top-level coordinator: it owns the event
// bus, the dependency graph, the three stage queues, the shared engineer and
// circuit-breaker registries, and the completion reporter, and wires the
// cross-stage event routing that turns a task set into a finished run.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/depgraph"
	"github.com/kugutsu/pipeline/internal/develop"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/merge"
	"github.com/kugutsu/pipeline/internal/queue"
	"github.com/kugutsu/pipeline/internal/report"
	"github.com/kugutsu/pipeline/internal/review"
	"github.com/kugutsu/pipeline/internal/task"
	"github.com/kugutsu/pipeline/internal/worktree"
)

const defaultMaxConcurrentEngineers = 10
const defaultMaxReviewRetries = 5

// Observer is the hook set a coordinator notifies for observability. The
// core ships no UI of its own beyond a plain stdlib-log implementation;
// richer transports (the TUI) subscribe to the Bus directly rather than
// implementing this interface.
type Observer interface {
	OnLog(msg string)
	OnTaskStatus(taskID string, state task.State)
	OnEngineerCount(n int)
	OnAllCompleted()
}

// NoopObserver discards every notification.
type NoopObserver struct{}

func (NoopObserver) OnLog(string)                   {}
func (NoopObserver) OnTaskStatus(string, task.State) {}
func (NoopObserver) OnEngineerCount(int)             {}
func (NoopObserver) OnAllCompleted()                 {}

// LogObserver writes every notification to the standard library logger,
// exactly the way the teacher reports progress: no richer transport beyond
// stderr unless something outside this package (a TUI) subscribes to the
// Bus directly instead.
type LogObserver struct{}

func (LogObserver) OnLog(msg string) { log.Println(msg) }
func (LogObserver) OnTaskStatus(taskID string, state task.State) {
	log.Printf("task %s -> %s", taskID, state)
}
func (LogObserver) OnEngineerCount(n int) { log.Printf("engineers in use: %d", n) }
func (LogObserver) OnAllCompleted()       { log.Println("all tasks completed") }

// MetricsSink is the subset of metrics.Collector the coordinator polls
// during WaitForCompletion. Defined here, rather than importing the
// metrics package directly, the same way merge.CompletionTracker keeps the
// merge package decoupled from report.Reporter's full surface.
type MetricsSink interface {
	SetQueueDepth(stage string, depth int)
	SetMergesInFlight(n int)
	SetTaskState(state string, count int)
}

// Config wires a Coordinator to the base repository and the external
// collaborators it drives.
type Config struct {
	RepoPath    string
	BaseBranch  string
	WorktreeDir string

	MaxConcurrentEngineers int // default 10, clamped to [1, 100]
	MaxReviewRetries       int // default 5

	DevFactory func() agent.Development
	Reviewer   agent.Review

	Observer Observer

	// Metrics is optional; when set, WaitForCompletion pushes queue depth,
	// merges-in-flight, and per-state task counts into it on every poll
	// tick alongside the existing OnLog stats emission.
	Metrics MetricsSink
}

// Coordinator owns C1-C7 and C9, and is the sole subscriber that mutates the
// dependency graph in response to stage events (queues never hold a
// back-reference to it; they only publish).
type Coordinator struct {
	cfg      Config
	bus      *events.Bus
	graph    *depgraph.Graph
	wt       *worktree.Manager
	registry *agent.Registry
	breakers *agent.BreakerRegistry
	observer Observer

	reporter *report.Reporter
	dev      *develop.Queue
	rev      *review.Queue
	mrg      *merge.Coordinator

	maxReviewRetries int
	regs             []*events.Registration
}

// New builds a coordinator's task-independent collaborators. Call
// Initialize with the task set before Start.
func New(cfg Config) *Coordinator {
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	bus := events.NewBus()
	wt := worktree.New(worktree.Config{
		RepoPath:    cfg.RepoPath,
		BaseBranch:  cfg.BaseBranch,
		WorktreeDir: cfg.WorktreeDir,
	})

	return &Coordinator{
		cfg:      cfg,
		bus:      bus,
		graph:    depgraph.New(),
		wt:       wt,
		registry: agent.NewRegistry(cfg.DevFactory),
		breakers: agent.NewBreakerRegistry(),
		observer: observer,
	}
}

func clamp(n, lo, hi int) int {
	if n <= 0 {
		return lo
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Initialize builds the dependency graph from tasks, aborts on any cycle,
// and wires the three stage queues and event routing. titles is the full
// set of task titles the completion reporter tracks toward 100%.
func (c *Coordinator) Initialize(tasks []*task.Task, titles []string) error {
	if err := c.graph.Build(tasks); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if cycles := c.graph.DetectCycles(); len(cycles) > 0 {
		return fmt.Errorf("pipeline: dependency cycle(s) detected, aborting: %v", cycles)
	}
	if _, err := c.graph.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	c.reporter = report.New(c.bus, titles)

	maxConcurrent := c.cfg.MaxConcurrentEngineers
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentEngineers
	}
	maxConcurrent = clamp(maxConcurrent, 1, 100)

	c.maxReviewRetries = c.cfg.MaxReviewRetries
	if c.maxReviewRetries <= 0 {
		c.maxReviewRetries = defaultMaxReviewRetries
	}

	c.dev = develop.New(develop.Config{
		MaxConcurrent: maxConcurrent,
		Graph:         c.graph,
		Worktrees:     c.wt,
		Bus:           c.bus,
		Registry:      c.registry,
		Breakers:      c.breakers,
	})
	c.rev = review.New(review.Config{
		MaxConcurrent: maxConcurrent,
		Bus:           c.bus,
		Reviewer:      c.cfg.Reviewer,
		Breakers:      c.breakers,
	})
	c.mrg = merge.New(c.wt, c.bus, c.reporter)

	c.wireEvents()
	return nil
}

func (c *Coordinator) wireEvents() {
	c.regs = append(c.regs,
		c.bus.Subscribe(events.KindDevelopmentCompleted, c.onDevelopmentCompleted),
		c.bus.Subscribe(events.KindReviewCompleted, c.onReviewCompleted),
		c.bus.Subscribe(events.KindMergeReady, c.onMergeReady),
		c.bus.Subscribe(events.KindMergeConflictDetected, c.onMergeConflictDetected),
		c.bus.Subscribe(events.KindMergeCompleted, c.onMergeCompleted),
		c.bus.Subscribe(events.KindTaskFailed, c.onTaskFailed),
		c.bus.Subscribe(events.KindAllTasksCompleted, c.onAllTasksCompleted),
	)
}

// Start launches the three stage worker pools and dispatches every task
// that is ready with no dependencies at all.
func (c *Coordinator) Start(ctx context.Context) {
	c.dev.Start(ctx)
	c.rev.Start(ctx)
	c.mrg.Start(ctx)

	for _, t := range c.graph.Ready() {
		_ = c.graph.MarkRunning(t.ID)
		if err := c.dev.Enqueue(t, ""); err != nil {
			c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue initial task %q: %v", t.ID, err))
		}
	}
}

// Stop stops accepting new work on every stage and releases subscriptions.
// Call WaitForCompletion first if in-flight work should be allowed to
// drain.
func (c *Coordinator) Stop() {
	c.dev.Stop()
	c.rev.Stop()
	c.mrg.Stop()
	for _, r := range c.regs {
		r.Unregister()
	}
}

// WaitForCompletion blocks until all three stage queues are idle and the
// dependency graph has no task left in a non-terminal state, polling at a
// fixed interval and reporting stats to the observer while it waits.
func (c *Coordinator) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		qs := c.QueueStats()
		c.reportMetrics(qs)

		ds, rs, ms := qs["develop"], qs["review"], qs["merge"]
		idle := ds.Waiting+ds.Processing+rs.Waiting+rs.Processing+ms.Waiting+ms.Processing == 0
		if idle && !c.graph.Outstanding() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.observer.OnLog(fmt.Sprintf(
				"pipeline: outstanding dev=%d review=%d merge=%d",
				ds.Waiting+ds.Processing, rs.Waiting+rs.Processing, ms.Waiting+ms.Processing,
			))
		}
	}
}

// reportMetrics pushes the queue occupancy QueueStats reports, plus the
// dependency graph's per-state task counts, into cfg.Metrics when one is
// configured.
func (c *Coordinator) reportMetrics(qs map[string]queue.Stats) {
	if c.cfg.Metrics == nil {
		return
	}

	for stage, stats := range qs {
		c.cfg.Metrics.SetQueueDepth(stage, stats.Waiting+stats.Processing)
	}
	c.cfg.Metrics.SetMergesInFlight(qs["merge"].Processing)

	s := c.graph.StatusSummary()
	c.cfg.Metrics.SetTaskState(task.Waiting.String(), s.Waiting)
	c.cfg.Metrics.SetTaskState(task.Ready.String(), s.Ready)
	c.cfg.Metrics.SetTaskState(task.Running.String(), s.Running)
	c.cfg.Metrics.SetTaskState(task.Developed.String(), s.Developed)
	c.cfg.Metrics.SetTaskState(task.Merging.String(), s.Merging)
	c.cfg.Metrics.SetTaskState(task.Merged.String(), s.Merged)
	c.cfg.Metrics.SetTaskState(task.Failed.String(), s.Failed)
}

// onDevelopmentCompleted routes a finished development to the review queue.
func (c *Coordinator) onDevelopmentCompleted(e events.Event) {
	ev := e.(events.DevelopmentCompleted)
	c.observer.OnTaskStatus(ev.Task.ID, task.Developed)

	err := c.rev.Enqueue(ev.Task, ev.EngineerID, agent.DevelopmentResult{
		Success:      true,
		Output:       ev.Output,
		FilesChanged: ev.FilesChanged,
	})
	if err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue review for %q: %v", ev.Task.ID, err))
	}
}

// onReviewCompleted either routes an approval onward (merge-ready is
// already published by the review queue itself) or, on needs-revision,
// either rebuilds a revision task and re-drives development or, once the
// task's review count reaches maxReviewRetries, converts the stalled loop
// into a terminal failure.
func (c *Coordinator) onReviewCompleted(e events.Event) {
	ev := e.(events.ReviewCompleted)
	if !ev.NeedsRevision {
		return
	}

	if len(ev.ReviewHistory) >= c.maxReviewRetries {
		reason := fmt.Sprintf("exceeded max review retries (%d)", c.maxReviewRetries)
		c.failTask(ev.Task.ID, events.PhaseReview, reason)
		if ev.Task.Kind != task.ConflictResolution {
			_ = c.wt.RemoveWorktree(ev.Task.ID)
		}
		c.registry.Release(ev.EngineerID)
		return
	}

	revised := ev.Task.Clone()
	revised.OriginID = ev.Task.ID
	revised.Title = task.RevisionTitle(task.BaseTitle(ev.Task.Title))
	revised.Description = ev.Task.Description + "\n\nReviewer comments:\n" + joinComments(ev.Comments)

	if err := c.dev.Enqueue(revised, ev.EngineerID); err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue revision for %q: %v", ev.Task.ID, err))
	}
}

func joinComments(comments []string) string {
	out := ""
	for i, comment := range comments {
		if i > 0 {
			out += "\n"
		}
		out += "- " + comment
	}
	return out
}

// onMergeReady marks the task MERGING and hands it to the merge
// coordinator.
func (c *Coordinator) onMergeReady(e events.Event) {
	ev := e.(events.MergeReady)
	_ = c.graph.MarkMerging(ev.Task.ID)
	c.observer.OnTaskStatus(ev.Task.ID, task.Merging)

	if err := c.mrg.Enqueue(ev.Task, ev.EngineerID, ev.Output, ev.ReviewHistory); err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue merge for %q: %v", ev.Task.ID, err))
	}
}

// onMergeConflictDetected builds a conflict-resolution task that reuses the
// original task's id, worktree, and branch (preserved by the merge
// coordinator for exactly this purpose) and re-drives development with the
// same engineer handle.
func (c *Coordinator) onMergeConflictDetected(e events.Event) {
	ev := e.(events.MergeConflictDetected)

	ct := ev.Task.Clone()
	ct.OriginID = ev.Task.ID
	ct.Kind = task.ConflictResolution
	ct.Priority = task.High
	ct.Title = task.ConflictResolutionTitle(task.BaseTitle(ev.Task.Title))
	ct.Conflict = &task.ConflictContext{
		OriginalTaskID:     ev.Task.ID,
		OriginalEngineerID: ev.EngineerID,
		OriginalResult:     ev.Output,
		ReviewHistory:      ev.ReviewHistory,
	}
	ct.Description = fmt.Sprintf(
		"%s\n\nThis merge conflicted against the base branch in the following files: %v. Resolve the conflict and leave the worktree clean.",
		ev.Task.Description, ev.ConflictFiles,
	)

	if err := c.dev.Enqueue(ct, ev.EngineerID); err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue conflict resolution for %q: %v", ev.Task.ID, err))
	}
}

// onMergeCompleted promotes newly-ready dependents on success, forcing a
// fresh worktree for each since the base tip has moved since their
// dependency was last inspected; on failure it marks the task (and its
// transitive dependents) FAILED.
func (c *Coordinator) onMergeCompleted(e events.Event) {
	ev := e.(events.MergeCompleted)
	taskID := ev.TaskID()

	if !ev.Success {
		reason := "merge failed"
		if ev.Err != nil {
			reason = fmt.Sprintf("merge failed: %v", ev.Err)
		}
		c.failTask(taskID, events.PhaseMerge, reason)
		if ev.EngineerID != "" {
			c.registry.Release(ev.EngineerID)
		}
		return
	}

	newlyReady, err := c.graph.MarkMerged(taskID)
	if err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: markMerged(%q): %v", taskID, err))
		return
	}
	c.observer.OnTaskStatus(taskID, task.Merged)
	if ev.EngineerID != "" {
		c.registry.Release(ev.EngineerID)
	}

	var ids []string
	for _, depID := range newlyReady {
		t, _, ok := c.graph.Get(depID)
		if !ok {
			continue
		}
		t.Workspace.ForceFreshWorkspace = true
		_ = c.graph.MarkRunning(depID)
		if err := c.dev.Enqueue(t, ""); err != nil {
			c.observer.OnLog(fmt.Sprintf("pipeline: failed to enqueue newly-ready task %q: %v", depID, err))
			continue
		}
		ids = append(ids, depID)
	}

	c.bus.Publish(events.DependencyResolved{
		Base:       events.NewBase(taskID, time.Now()),
		NewlyReady: ids,
	})
}

// failTask marks a task and its transitive dependents FAILED in the
// dependency graph and publishes task-failed for each. Stage queues that
// already discovered a failure internally (development does) have already
// performed this themselves; this handler is the one that performs it for
// failures discovered here, at the Coordinator level (review and merge).
func (c *Coordinator) failTask(taskID string, phase events.Phase, reason string) {
	cascaded, err := c.graph.MarkFailed(taskID, reason)
	if err != nil {
		c.observer.OnLog(fmt.Sprintf("pipeline: markFailed(%q): %v", taskID, err))
		return
	}
	c.observer.OnTaskStatus(taskID, task.Failed)

	c.bus.Publish(events.TaskFailed{
		Base:   events.NewBase(taskID, time.Now()),
		Phase:  phase,
		Reason: reason,
	})
	for _, depID := range cascaded {
		c.observer.OnTaskStatus(depID, task.Failed)
		c.bus.Publish(events.TaskFailed{
			Base:     events.NewBase(depID, time.Now()),
			Phase:    phase,
			Reason:   fmt.Sprintf("upstream task %q failed", taskID),
			Cascaded: true,
		})
	}
}

// onTaskFailed is purely observational here: by the time a task-failed
// event reaches the bus, whichever stage discovered the failure (this
// Coordinator for review/merge, the Development Queue for itself) has
// already applied the graph transition and cascade.
func (c *Coordinator) onTaskFailed(e events.Event) {
	ev := e.(events.TaskFailed)
	c.observer.OnLog(fmt.Sprintf("pipeline: task %q failed (phase=%s cascaded=%v): %s", ev.TaskID(), ev.Phase, ev.Cascaded, ev.Reason))
}

func (c *Coordinator) onAllTasksCompleted(e events.Event) {
	c.observer.OnAllCompleted()
}

// Bus exposes the event bus so external observers (a TUI, an audit log) can
// subscribe without the Coordinator needing to know about them.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// StatusSummary exposes the dependency graph's per-state task counts.
func (c *Coordinator) StatusSummary() depgraph.StatusSummary { return c.graph.StatusSummary() }

// Counts exposes the completion reporter's (completed, total) progress.
func (c *Coordinator) Counts() (int, int) { return c.reporter.Counts() }

// QueueStats exposes occupancy for all three stage queues, keyed the way
// metrics.Collector.SetQueueDepth expects ("develop", "review", "merge").
func (c *Coordinator) QueueStats() map[string]queue.Stats {
	return map[string]queue.Stats{
		"develop": c.dev.Stats(),
		"review":  c.rev.Stats(),
		"merge":   c.mrg.Stats(),
	}
}
