package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func TestCreateForcedBindsWorktreeAndBranch(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("task-1")
	if err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if _, err := os.Stat(info.Path); os.IsNotExist(err) {
		t.Errorf("worktree directory does not exist: %s", info.Path)
	}
	if info.Branch != "task/task-1" {
		t.Errorf("expected branch task/task-1, got %s", info.Branch)
	}
	if info.Head == "" {
		t.Error("expected non-empty HEAD")
	}
}

func TestCreateForcedFailsLoudlyOnExistingPath(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	if _, err := m.CreateForced("dup-task"); err != nil {
		t.Fatalf("first CreateForced failed: %v", err)
	}
	if _, err := m.CreateForced("dup-task"); err == nil {
		t.Error("expected error creating a worktree for an already-bound task id")
	}
}

func TestMergeBaseIntoFeatureCleanNoConflicts(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("clean-task")
	if err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(info.Path, "feature.txt"), []byte("feature\n"), 0644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	runIn(t, info.Path, "add", "feature.txt")
	runIn(t, info.Path, "commit", "-m", "add feature")

	conflicts, err := m.MergeBaseIntoFeature(info)
	if err != nil {
		t.Fatalf("MergeBaseIntoFeature: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}

	if err := m.FinalMergeToBase(info.Branch); err != nil {
		t.Fatalf("FinalMergeToBase: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repoPath, "feature.txt")); os.IsNotExist(err) {
		t.Error("feature.txt not present in base repo after final merge")
	}
}

func TestMergeBaseIntoFeatureDetectsConflictMarkers(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("conflict-task")
	if err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\nmain change\n"), 0644); err != nil {
		t.Fatalf("modify main README: %v", err)
	}
	runIn(t, repoPath, "add", "README.md")
	runIn(t, repoPath, "commit", "-m", "update README in main")

	if err := os.WriteFile(filepath.Join(info.Path, "README.md"), []byte("# Test Repo\nfeature change\n"), 0644); err != nil {
		t.Fatalf("modify worktree README: %v", err)
	}
	runIn(t, info.Path, "add", "README.md")
	runIn(t, info.Path, "commit", "-m", "update README in feature")

	conflicts, err := m.MergeBaseIntoFeature(info)
	if err != nil {
		t.Fatalf("MergeBaseIntoFeature: %v", err)
	}
	if len(conflicts) != 1 || !strings.Contains(conflicts[0], "README.md") {
		t.Fatalf("expected README.md conflict, got %v", conflicts)
	}

	if err := m.AbortFeatureMerge(info); err != nil {
		t.Fatalf("AbortFeatureMerge: %v", err)
	}
}

func TestCleanupCompletedTaskDeletesBranchWhenRequested(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("cleanup-task")
	if err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if err := m.CleanupCompletedTask(info.TaskID, true); err != nil {
		t.Fatalf("CleanupCompletedTask: %v", err)
	}

	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Error("worktree directory still exists after cleanup")
	}

	branchCmd := exec.Command("git", "branch", "--list", info.Branch)
	branchCmd.Dir = repoPath
	output, _ := branchCmd.CombinedOutput()
	if strings.Contains(string(output), info.Branch) {
		t.Errorf("branch %s still exists after cleanup with deleteBranch=true", info.Branch)
	}
}

func TestCleanupCompletedTaskPreservesBranchForConflictResolution(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("preserve-task")
	if err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if err := m.CleanupCompletedTask(info.TaskID, false); err != nil {
		t.Fatalf("CleanupCompletedTask: %v", err)
	}

	branchCmd := exec.Command("git", "branch", "--list", info.Branch)
	branchCmd.Dir = repoPath
	output, _ := branchCmd.CombinedOutput()
	if !strings.Contains(string(output), info.Branch) {
		t.Errorf("expected branch %s to be preserved, it was deleted", info.Branch)
	}
}

func TestRemoveWorktreeIsIdempotent(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	if _, err := m.CreateForced("idempotent-task"); err != nil {
		t.Fatalf("CreateForced failed: %v", err)
	}

	if err := m.RemoveWorktree("idempotent-task"); err != nil {
		t.Fatalf("first RemoveWorktree: %v", err)
	}
	if err := m.RemoveWorktree("idempotent-task"); err != nil {
		t.Fatalf("second RemoveWorktree should be a no-op, got: %v", err)
	}
}

func TestListReportsAllWorktrees(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info1, err := m.CreateForced("list-task-1")
	if err != nil {
		t.Fatalf("CreateForced 1: %v", err)
	}
	info2, err := m.CreateForced("list-task-2")
	if err != nil {
		t.Fatalf("CreateForced 2: %v", err)
	}

	worktrees, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(worktrees) != 3 {
		t.Fatalf("expected 3 worktrees (base + 2 tasks), got %d", len(worktrees))
	}

	var found1, found2 bool
	for _, wt := range worktrees {
		if wt.TaskID == info1.TaskID {
			found1 = true
		}
		if wt.TaskID == info2.TaskID {
			found2 = true
		}
	}
	if !found1 || !found2 {
		t.Errorf("expected both task worktrees in list, found1=%v found2=%v", found1, found2)
	}
}

func TestPruneRemovesStaleMetadata(t *testing.T) {
	repoPath := setupTestRepo(t)
	m := New(Config{RepoPath: repoPath, BaseBranch: "main"})

	info, err := m.CreateForced("prune-task")
	if err != nil {
		t.Fatalf("CreateForced: %v", err)
	}

	if err := os.RemoveAll(info.Path); err != nil {
		t.Fatalf("remove worktree dir: %v", err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	worktrees, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, wt := range worktrees {
		if wt.TaskID == info.TaskID {
			t.Error("stale worktree still present after prune")
		}
	}
}

func runIn(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
	}
}
