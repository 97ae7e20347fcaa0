package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/task"
)

// fakeDeveloper is the in-process stand-in for the real CLI-backed
// development agent: it writes one file per task into the worktree so the
// merge stage has something real to combine, and succeeds unless that file
// cannot be written. Wire a genuine backend (claude, codex, ...) behind
// agent.Development in its place once one is configured.
type fakeDeveloper struct{}

func newFakeDeveloper() agent.Development { return fakeDeveloper{} }

func (fakeDeveloper) Run(ctx context.Context, t *task.Task, workdir string) (agent.DevelopmentResult, error) {
	select {
	case <-ctx.Done():
		return agent.DevelopmentResult{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	name := fmt.Sprintf("TASK_%s.md", sanitize(t.ID))
	path := filepath.Join(workdir, name)
	body := fmt.Sprintf("# %s\n\n%s\n", t.Title, t.Description)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return agent.DevelopmentResult{Success: false, Err: err}, err
	}

	return agent.DevelopmentResult{
		Success:      true,
		FilesChanged: []string{name},
		Output:       "wrote " + name,
	}, nil
}

// fakeReviewer approves every development result unconditionally. A real
// review agent inspects the diff and may request revisions instead.
type fakeReviewer struct{}

func (fakeReviewer) Review(ctx context.Context, t *task.Task, dev agent.DevelopmentResult) (agent.ReviewResult, error) {
	select {
	case <-ctx.Done():
		return agent.ReviewResult{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return agent.ReviewResult{Approved: true}, nil
}

func sanitize(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
