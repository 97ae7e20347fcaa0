package worktree

// Info describes a created worktree.
type Info struct {
	Path   string // absolute path to the worktree directory
	Branch string // feature branch name, e.g. "task/task-123"
	TaskID string
	Head   string // HEAD commit at creation time
}

// Config configures a Manager.
type Config struct {
	RepoPath    string // absolute path to the base repository
	BaseBranch  string // e.g. "main"
	WorktreeDir string // directory under RepoPath holding worktrees (default ".worktrees")
}

// branchFor names the feature branch deterministically from a task id.
func branchFor(taskID string) string {
	return "task/" + taskID
}
