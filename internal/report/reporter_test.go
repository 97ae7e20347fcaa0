package report

import (
	"testing"

	"github.com/kugutsu/pipeline/internal/events"
)

func TestMarkTaskCompletedByTitleFiresAllDoneOnLastTask(t *testing.T) {
	bus := events.NewBus()
	var taskCompleted []events.TaskCompleted
	var allDone int

	bus.Subscribe(events.KindTaskCompleted, func(e events.Event) {
		taskCompleted = append(taskCompleted, e.(events.TaskCompleted))
	})
	bus.Subscribe(events.KindAllTasksCompleted, func(e events.Event) {
		allDone++
	})

	r := New(bus, []string{"A", "B"})
	r.MarkTaskCompletedByTitle("A")
	r.MarkTaskCompletedByTitle("B")

	if len(taskCompleted) != 2 {
		t.Fatalf("expected 2 taskCompleted events, got %d", len(taskCompleted))
	}
	if allDone != 1 {
		t.Fatalf("expected exactly 1 allTasksCompleted event, got %d", allDone)
	}
	if taskCompleted[1].Percentage != 100 {
		t.Fatalf("expected 100%% on last completion, got %v", taskCompleted[1].Percentage)
	}
}

func TestMarkTaskCompletedByTitleIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	var count int
	bus.Subscribe(events.KindTaskCompleted, func(e events.Event) { count++ })

	r := New(bus, []string{"A"})
	r.MarkTaskCompletedByTitle("A")
	r.MarkTaskCompletedByTitle("A")

	if count != 1 {
		t.Fatalf("expected exactly 1 event for duplicate completion, got %d", count)
	}
}

func TestCountsReflectsProgress(t *testing.T) {
	bus := events.NewBus()
	r := New(bus, []string{"A", "B", "C"})
	r.MarkTaskCompletedByTitle("A")

	completed, total := r.Counts()
	if completed != 1 || total != 3 {
		t.Fatalf("expected 1/3, got %d/%d", completed, total)
	}
}
