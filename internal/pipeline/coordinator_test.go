package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/task"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	repoPath := t.TempDir()

	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}
	run(repoPath, "init")
	run(repoPath, "config", "user.name", "Test User")
	run(repoPath, "config", "user.email", "test@example.com")
	run(repoPath, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "shared.txt"), []byte("base\n"), 0644); err != nil {
		t.Fatalf("write shared.txt: %v", err)
	}
	run(repoPath, "add", ".")
	run(repoPath, "commit", "-m", "initial commit")

	return repoPath
}

// commitDev writes a task-specific file and commits it, simulating a
// development agent doing real work in its worktree; for a
// conflict-resolution task it instead resolves whatever is mid-merge by
// taking the worktree's current state and committing it.
type commitDev struct {
	mu    sync.Mutex
	calls int
}

func (d *commitDev) Run(ctx context.Context, t *task.Task, workdir string) (agent.DevelopmentResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if t.Kind == task.ConflictResolution {
		cmd := exec.Command("git", "add", "-A")
		cmd.Dir = workdir
		if output, err := cmd.CombinedOutput(); err != nil {
			return agent.DevelopmentResult{}, fmt.Errorf("git add -A: %w (%s)", err, output)
		}
		cmd = exec.Command("git", "commit", "--no-edit")
		cmd.Dir = workdir
		if output, err := cmd.CombinedOutput(); err != nil {
			return agent.DevelopmentResult{}, fmt.Errorf("git commit --no-edit: %w (%s)", err, output)
		}
		return agent.DevelopmentResult{Success: true, Output: "resolved"}, nil
	}

	filename := t.ID + ".txt"
	if err := os.WriteFile(filepath.Join(workdir, filename), []byte(t.ID+"\n"), 0644); err != nil {
		return agent.DevelopmentResult{}, err
	}
	cmd := exec.Command("git", "add", filename)
	cmd.Dir = workdir
	if output, err := cmd.CombinedOutput(); err != nil {
		return agent.DevelopmentResult{}, fmt.Errorf("git add: %w (%s)", err, output)
	}
	cmd = exec.Command("git", "commit", "-m", "implement "+t.ID)
	cmd.Dir = workdir
	if output, err := cmd.CombinedOutput(); err != nil {
		return agent.DevelopmentResult{}, fmt.Errorf("git commit: %w (%s)", err, output)
	}
	return agent.DevelopmentResult{Success: true, Output: "did " + t.ID, FilesChanged: []string{filename}}, nil
}

// gitCommitFile writes name/content in dir and commits it, returning an
// error instead of calling testing.T (this runs from inside a fake agent,
// not the test goroutine).
func gitCommitFile(dir, name, content, msg string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		return err
	}
	cmd := exec.Command("git", "add", name)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w (%s)", err, output)
	}
	cmd = exec.Command("git", "commit", "-m", msg)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w (%s)", err, output)
	}
	return nil
}

type conflictingDev struct{ repoPath string }

// conflictingDev modifies shared.txt in the task's own worktree (to be
// merged later) and, the first time it runs, also mutates the same file on
// the base branch directly, guaranteeing the eventual merge conflicts.
func (d *conflictingDev) Run(ctx context.Context, t *task.Task, workdir string) (agent.DevelopmentResult, error) {
	if t.Kind == task.ConflictResolution {
		cmd := exec.Command("git", "add", "-A")
		cmd.Dir = workdir
		if output, err := cmd.CombinedOutput(); err != nil {
			return agent.DevelopmentResult{}, fmt.Errorf("git add -A: %w (%s)", err, output)
		}
		cmd = exec.Command("git", "commit", "--no-edit")
		cmd.Dir = workdir
		if output, err := cmd.CombinedOutput(); err != nil {
			return agent.DevelopmentResult{}, fmt.Errorf("git commit --no-edit: %w (%s)", err, output)
		}
		return agent.DevelopmentResult{Success: true, Output: "resolved"}, nil
	}

	if err := gitCommitFile(workdir, "shared.txt", "feature-change\n", "feature edits shared.txt"); err != nil {
		return agent.DevelopmentResult{}, err
	}
	if err := gitCommitFile(d.repoPath, "shared.txt", "main-change\n", "main edits shared.txt"); err != nil {
		return agent.DevelopmentResult{}, err
	}
	return agent.DevelopmentResult{Success: true, Output: "did " + t.ID}, nil
}

type approvingReviewer struct{}

func (approvingReviewer) Review(ctx context.Context, t *task.Task, dev agent.DevelopmentResult) (agent.ReviewResult, error) {
	return agent.ReviewResult{Approved: true}, nil
}

type rejectingReviewer struct{}

func (rejectingReviewer) Review(ctx context.Context, t *task.Task, dev agent.DevelopmentResult) (agent.ReviewResult, error) {
	return agent.ReviewResult{Approved: false, Comments: []string{"needs more work"}}, nil
}

type countingObserver struct {
	mu         sync.Mutex
	logs       []string
	allDone    int
	statusSeen map[string]task.State
}

func newCountingObserver() *countingObserver {
	return &countingObserver{statusSeen: make(map[string]task.State)}
}

func (o *countingObserver) OnLog(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, msg)
}

func (o *countingObserver) OnTaskStatus(taskID string, state task.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusSeen[taskID] = state
}

func (o *countingObserver) OnEngineerCount(int) {}

func (o *countingObserver) OnAllCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.allDone++
}

func TestCoordinatorRunsDependentTasksToCompletion(t *testing.T) {
	repoPath := setupTestRepo(t)
	dev := &commitDev{}
	observer := newCountingObserver()

	coord := New(Config{
		RepoPath:   repoPath,
		BaseBranch: "main",
		DevFactory: func() agent.Development { return dev },
		Reviewer:   approvingReviewer{},
		Observer:   observer,
	})

	tasks := []*task.Task{
		{ID: "a", Title: "First", Kind: task.Feature},
		{ID: "b", Title: "Second", Kind: task.Feature, DependsOn: []string{"a"}},
	}
	if err := coord.Initialize(tasks, []string{"First", "Second"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	coord.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	coord.Stop()

	summary := coord.StatusSummary()
	if summary.Merged != 2 || summary.Failed != 0 {
		t.Fatalf("expected both tasks merged, got %+v", summary)
	}

	completed, total := coord.Counts()
	if completed != 2 || total != 2 {
		t.Fatalf("expected 2/2 completion, got %d/%d", completed, total)
	}

	observer.mu.Lock()
	allDone := observer.allDone
	observer.mu.Unlock()
	if allDone != 1 {
		t.Fatalf("expected exactly one all-completed notification, got %d", allDone)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(repoPath, name)); os.IsNotExist(err) {
			t.Errorf("expected %s merged into base repo", name)
		}
	}
}

func TestCoordinatorRoutesMergeConflictThroughResolutionLoop(t *testing.T) {
	repoPath := setupTestRepo(t)
	dev := &conflictingDev{repoPath: repoPath}

	coord := New(Config{
		RepoPath:   repoPath,
		BaseBranch: "main",
		DevFactory: func() agent.Development { return dev },
		Reviewer:   approvingReviewer{},
	})

	var conflictCount int
	var mu sync.Mutex
	tasks := []*task.Task{{ID: "a", Title: "Touch shared", Kind: task.Feature}}
	if err := coord.Initialize(tasks, []string{"Touch shared"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	coord.Bus().Subscribe(events.KindMergeConflictDetected, func(e events.Event) {
		mu.Lock()
		conflictCount++
		mu.Unlock()
	})

	coord.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := coord.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	coord.Stop()

	mu.Lock()
	n := conflictCount
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one merge-conflict-detected, got %d", n)
	}

	summary := coord.StatusSummary()
	if summary.Merged != 1 || summary.Failed != 0 {
		t.Fatalf("expected the task to eventually merge after conflict resolution, got %+v", summary)
	}

	completed, total := coord.Counts()
	if completed != 1 || total != 1 {
		t.Fatalf("expected the original title recorded once, got %d/%d", completed, total)
	}
}

func TestCoordinatorCascadeFailsDependentsWhenReviewExceedsMaxRetries(t *testing.T) {
	repoPath := setupTestRepo(t)
	dev := &commitDev{}

	coord := New(Config{
		RepoPath:         repoPath,
		BaseBranch:       "main",
		MaxReviewRetries: 1,
		DevFactory:       func() agent.Development { return dev },
		Reviewer:         rejectingReviewer{},
	})

	tasks := []*task.Task{
		{ID: "a", Title: "First", Kind: task.Feature},
		{ID: "b", Title: "Second", Kind: task.Feature, DependsOn: []string{"a"}},
	}
	if err := coord.Initialize(tasks, []string{"First", "Second"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var failed []events.TaskFailed
	var mu sync.Mutex
	coord.Bus().Subscribe(events.KindTaskFailed, func(e events.Event) {
		mu.Lock()
		failed = append(failed, e.(events.TaskFailed))
		mu.Unlock()
	})

	coord.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	coord.Stop()

	summary := coord.StatusSummary()
	if summary.Failed != 2 {
		t.Fatalf("expected both tasks failed (direct + cascaded), got %+v", summary)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawCascaded bool
	for _, f := range failed {
		if f.Cascaded {
			sawCascaded = true
		}
	}
	if !sawCascaded {
		t.Fatal("expected at least one cascaded task-failed event")
	}
}
