package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kugutsu/pipeline/internal/task"
)

// manifestEntry is the on-disk provenance record for one planned task,
// written before the pipeline starts so a run can be audited even if it
// never finishes.
type manifestEntry struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Kind        string   `json:"kind"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Description string   `json:"description,omitempty"`
}

type manifest struct {
	Request   string          `json:"request"`
	PlannedAt string          `json:"planned_at"`
	Tasks     []manifestEntry `json:"tasks"`
}

// writeTaskManifest records the planned task set under runDir/tasks.json,
// the filesystem trail a later audit starts from. Nothing reads it back to
// resume a run.
func writeTaskManifest(runDir, request string, tasks []*task.Task) error {
	m := manifest{
		Request:   request,
		PlannedAt: time.Now().Format(time.RFC3339),
		Tasks:     make([]manifestEntry, 0, len(tasks)),
	}
	for _, t := range tasks {
		m.Tasks = append(m.Tasks, manifestEntry{
			ID:          t.ID,
			Title:       t.Title,
			Kind:        t.Kind.String(),
			DependsOn:   t.DependsOn,
			Description: t.Description,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "tasks.json"), data, 0o644)
}
