package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kugutsu/pipeline/internal/task"
)

func TestQueueProcessesInPriorityThenInsertionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := New(Config{
		Name:          "test",
		MaxConcurrent: 1,
		Handler: func(ctx context.Context, tk *task.Task) error {
			mu.Lock()
			order = append(order, tk.ID)
			mu.Unlock()
			return nil
		},
	})

	ctx := context.Background()
	q.Start(ctx)

	q.Enqueue(&task.Task{ID: "low"}, -50)
	q.Enqueue(&task.Task{ID: "high"}, 50)
	q.Enqueue(&task.Task{ID: "medium-a"}, 0)
	q.Enqueue(&task.Task{ID: "medium-b"}, 0)

	q.Close()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	want := []string{"high", "medium-a", "medium-b", "low"}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueueRejectsDuplicateInFlightID(t *testing.T) {
	release := make(chan struct{})
	q := New(Config{
		Name:          "test",
		MaxConcurrent: 1,
		Handler: func(ctx context.Context, tk *task.Task) error {
			<-release
			return nil
		},
	})

	ctx := context.Background()
	q.Start(ctx)

	if err := q.Enqueue(&task.Task{ID: "dup"}, 0); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// give the dispatch loop a moment to pick it up
	time.Sleep(20 * time.Millisecond)

	if err := q.Enqueue(&task.Task{ID: "dup"}, 0); err == nil {
		t.Fatal("expected duplicate enqueue to be rejected")
	}

	close(release)
	q.Close()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
}

func TestQueueRespectsMaxConcurrent(t *testing.T) {
	var mu sync.Mutex
	var current, max int

	q := New(Config{
		Name:          "test",
		MaxConcurrent: 2,
		Handler: func(ctx context.Context, tk *task.Task) error {
			mu.Lock()
			current++
			if current > max {
				max = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil
		},
	})

	ctx := context.Background()
	q.Start(ctx)

	for i := 0; i < 6; i++ {
		q.Enqueue(&task.Task{ID: string(rune('a' + i))}, 0)
	}

	q.Close()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if max > 2 {
		t.Fatalf("expected at most 2 concurrent, saw %d", max)
	}
}

func TestQueueOnErrorIsCalledButDoesNotStopDispatch(t *testing.T) {
	var mu sync.Mutex
	var errored []string
	var succeeded []string

	q := New(Config{
		Name:          "test",
		MaxConcurrent: 1,
		Handler: func(ctx context.Context, tk *task.Task) error {
			if tk.ID == "bad" {
				return context.DeadlineExceeded
			}
			mu.Lock()
			succeeded = append(succeeded, tk.ID)
			mu.Unlock()
			return nil
		},
		OnError: func(tk *task.Task, err error) {
			mu.Lock()
			errored = append(errored, tk.ID)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	q.Start(ctx)

	q.Enqueue(&task.Task{ID: "bad"}, 0)
	q.Enqueue(&task.Task{ID: "good"}, 0)

	q.Close()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errored) != 1 || errored[0] != "bad" {
		t.Fatalf("expected bad to be reported as errored, got %v", errored)
	}
	if len(succeeded) != 1 || succeeded[0] != "good" {
		t.Fatalf("expected good to succeed, got %v", succeeded)
	}
}
