package main

import (
	"fmt"
	"strings"

	"github.com/kugutsu/pipeline/internal/task"
)

// planTasks is the in-process stand-in for the planning agent spec.md treats
// as an opaque task source: it turns the free-text request into a small
// scaffold→features→integration task set so the scheduler has a dependency
// graph worth exercising in a demo run. A real deployment replaces this with
// whatever produces {tasks, summary, projectId} externally.
func planTasks(request string) (tasks []*task.Task, titles []string) {
	clauses := splitClauses(request)
	if len(clauses) == 0 {
		clauses = []string{request}
	}

	scaffold := &task.Task{
		ID:          "scaffold",
		Title:       "Scaffold project layout",
		Kind:        task.Feature,
		Priority:    task.High,
		Description: fmt.Sprintf("Prepare the repository for the request: %q", request),
	}
	tasks = append(tasks, scaffold)
	titles = append(titles, scaffold.Title)

	var featureIDs []string
	for i, clause := range clauses {
		id := fmt.Sprintf("feature-%d", i+1)
		t := &task.Task{
			ID:          id,
			Title:       fmt.Sprintf("Implement: %s", clause),
			Kind:        task.Feature,
			Priority:    task.Medium,
			DependsOn:   []string{scaffold.ID},
			Description: clause,
		}
		tasks = append(tasks, t)
		titles = append(titles, t.Title)
		featureIDs = append(featureIDs, id)
	}

	integration := &task.Task{
		ID:          "integration",
		Title:       "Integrate and finalize",
		Kind:        task.Test,
		Priority:    task.Low,
		DependsOn:   featureIDs,
		Description: "Verify the merged changes satisfy the original request: " + request,
	}
	tasks = append(tasks, integration)
	titles = append(titles, integration.Title)

	return tasks, titles
}

// splitClauses breaks a request into short independent-sounding chunks on
// sentence and comma boundaries, capped so a demo run stays small.
func splitClauses(request string) []string {
	fields := strings.FieldsFunc(request, func(r rune) bool {
		return r == '.' || r == ',' || r == ';' || r == '\n'
	})

	var clauses []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		clauses = append(clauses, f)
		if len(clauses) == 4 {
			break
		}
	}
	return clauses
}
