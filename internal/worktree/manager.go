// Package worktree creates and reclaims per-task git worktrees and feature
// branches off a shared base branch.
package worktree

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager creates, merges against, and reclaims per-task worktrees. A
// Manager does not serialize final merges itself — that guarantee belongs
// to the merge coordinator, which is the only caller allowed to mutate the
// base repository's working directory.
type Manager struct {
	config Config
}

// New creates a worktree manager.
func New(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &Manager{config: cfg}
}

func (m *Manager) pathFor(taskID string) string {
	return filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)
}

// CreateForced creates a feature branch off the current base branch tip and
// binds a fresh worktree path for taskID. It fails loudly if the path
// already exists, since at most one active worktree per task id is an
// invariant the coordinator relies on.
func (m *Manager) CreateForced(taskID string) (*Info, error) {
	wtPath := m.pathFor(taskID)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, fmt.Errorf("worktree: path already exists for task %q: %s", taskID, wtPath)
	}

	branch := branchFor(taskID)
	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch)
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("worktree: create failed for task %q: %w (output: %s)", taskID, err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("worktree: rev-parse HEAD failed for task %q: %w (output: %s)", taskID, err, string(headOutput))
	}

	return &Info{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

// RemoveWorktree removes the worktree directory for taskID. Safe to call
// repeatedly; a missing worktree is not an error.
func (m *Manager) RemoveWorktree(taskID string) error {
	wtPath := m.pathFor(taskID)
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.Command("git", "worktree", "remove", wtPath)
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		forceCmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			return fmt.Errorf("worktree: remove failed for task %q: %v (output: %s, force output: %s)", taskID, err, string(output), string(forceOutput))
		}
	}
	return nil
}

// CleanupCompletedTask removes the worktree and, if deleteBranch is set,
// deletes the feature branch too. The caller must pass deleteBranch=false
// for conflict-resolution tasks so the branch under repair survives.
func (m *Manager) CleanupCompletedTask(taskID string, deleteBranch bool) error {
	if err := m.RemoveWorktree(taskID); err != nil {
		return err
	}
	if !deleteBranch {
		return nil
	}

	branch := branchFor(taskID)
	cmd := exec.Command("git", "branch", "-d", branch)
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		forceCmd := exec.Command("git", "branch", "-D", branch)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			return fmt.Errorf("worktree: branch delete failed for task %q: %v (output: %s, force output: %s)", taskID, err, string(output), string(forceOutput))
		}
	}
	return nil
}

// CleanupAllTaskWorktrees sweeps every known task worktree at shutdown.
func (m *Manager) CleanupAllTaskWorktrees(deleteBranches bool) error {
	worktrees, err := m.List()
	if err != nil {
		return err
	}

	var errs []string
	for _, wt := range worktrees {
		if wt.TaskID == "" {
			continue // the base repo's own entry
		}
		if err := m.CleanupCompletedTask(wt.TaskID, deleteBranches); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("worktree: cleanup sweep errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MergeBaseIntoFeature brings the current base branch tip into the task's
// feature branch, in place inside its worktree. It returns the list of
// conflicting file paths found via `git status --porcelain` (matching the
// UU/AA/DD prefixes) — a nonempty list means the merge left unresolved
// markers and the caller must not proceed to the final merge.
func (m *Manager) MergeBaseIntoFeature(info *Info) ([]string, error) {
	mergeCmd := exec.Command("git", "merge", "--no-ff", m.config.BaseBranch)
	mergeCmd.Dir = info.Path
	_, _ = mergeCmd.CombinedOutput() // a nonzero exit here just means conflicts; status below is authoritative

	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = info.Path
	statusOutput, err := statusCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("worktree: status check failed for task %q: %w (output: %s)", info.TaskID, err, string(statusOutput))
	}

	conflicts := parseConflictMarkers(string(statusOutput))
	return conflicts, nil
}

// AbortFeatureMerge aborts an in-progress merge inside the task's worktree,
// leaving it clean for a future conflict-resolution attempt.
func (m *Manager) AbortFeatureMerge(info *Info) error {
	cmd := exec.Command("git", "merge", "--abort")
	cmd.Dir = info.Path
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: merge --abort failed in task %q worktree: %w (output: %s)", info.TaskID, err, string(output))
	}
	return nil
}

// FinalMergeToBase checks out the base branch in the base repository's own
// working directory and merges branch into it with a merge commit. Only
// the merge coordinator, holding the merge mutex, may call this.
func (m *Manager) FinalMergeToBase(branch string) error {
	checkoutCmd := exec.Command("git", "checkout", m.config.BaseBranch)
	checkoutCmd.Dir = m.config.RepoPath
	if output, err := checkoutCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: checkout base branch failed: %w (output: %s)", err, string(output))
	}

	mergeCmd := exec.Command("git", "merge", "--no-ff", branch)
	mergeCmd.Dir = m.config.RepoPath
	if output, err := mergeCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: final merge of %q failed: %w (output: %s)", branch, err, string(output))
	}
	return nil
}

// AbortBaseMerge aborts an in-progress merge in the base repository's
// working directory.
func (m *Manager) AbortBaseMerge() error {
	cmd := exec.Command("git", "merge", "--abort")
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: merge --abort failed in base repo: %w (output: %s)", err, string(output))
	}
	return nil
}

// parseConflictMarkers scans `git status --porcelain` output for the
// unresolved-merge prefixes UU/AA/DD and returns the conflicting paths.
func parseConflictMarkers(statusOutput string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(statusOutput))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}
		prefix := line[:3]
		switch prefix {
		case "UU ", "AA ", "DD ":
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	return conflicts
}

// List returns every worktree currently attached to the repository.
func (m *Manager) List() ([]Info, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("worktree: list failed: %w (output: %s)", err, string(output))
	}

	var worktrees []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.Branch = branch
			if strings.HasPrefix(branch, "task/") {
				current.TaskID = strings.TrimPrefix(branch, "task/")
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune removes stale worktree metadata (e.g. after a directory was deleted
// outside of git).
func (m *Manager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.config.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: prune failed: %w (output: %s)", err, string(output))
	}
	return nil
}
