package review

import (
	"context"
	"sync"
	"testing"

	"github.com/kugutsu/pipeline/internal/agent"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/task"
)

type scriptedReviewer struct {
	mu      sync.Mutex
	results []agent.ReviewResult
	calls   int
}

func (s *scriptedReviewer) Review(ctx context.Context, t *task.Task, dev agent.DevelopmentResult) (agent.ReviewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], nil
}

func newHarness(reviewer agent.Review) (*Queue, *events.Bus) {
	bus := events.NewBus()
	q := New(Config{
		MaxConcurrent: 2,
		Bus:           bus,
		Reviewer:      reviewer,
		Breakers:      agent.NewBreakerRegistry(),
	})
	return q, bus
}

func TestReviewQueueApprovedPublishesMergeReady(t *testing.T) {
	reviewer := &scriptedReviewer{results: []agent.ReviewResult{{Approved: true}}}
	q, bus := newHarness(reviewer)

	var reviewCompleted []events.ReviewCompleted
	var mergeReady []events.MergeReady
	var mu sync.Mutex
	bus.Subscribe(events.KindReviewCompleted, func(e events.Event) {
		mu.Lock()
		reviewCompleted = append(reviewCompleted, e.(events.ReviewCompleted))
		mu.Unlock()
	})
	bus.Subscribe(events.KindMergeReady, func(e events.Event) {
		mu.Lock()
		mergeReady = append(mergeReady, e.(events.MergeReady))
		mu.Unlock()
	})

	q.Start(context.Background())
	if err := q.Enqueue(&task.Task{ID: "t1"}, "eng-1", agent.DevelopmentResult{Output: "done"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Stop()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	if len(reviewCompleted) != 1 || reviewCompleted[0].NeedsRevision {
		t.Fatalf("expected one approving review-completed, got %+v", reviewCompleted)
	}
	if len(mergeReady) != 1 {
		t.Fatalf("expected one merge-ready, got %d", len(mergeReady))
	}
}

func TestReviewQueueNeedsRevisionAccumulatesHistoryByOriginalID(t *testing.T) {
	reviewer := &scriptedReviewer{results: []agent.ReviewResult{
		{Approved: false, Comments: []string{"add tests"}},
		{Approved: true},
	}}
	q, bus := newHarness(reviewer)

	var reviewCompleted []events.ReviewCompleted
	var mu sync.Mutex
	bus.Subscribe(events.KindReviewCompleted, func(e events.Event) {
		mu.Lock()
		reviewCompleted = append(reviewCompleted, e.(events.ReviewCompleted))
		mu.Unlock()
	})

	q.Start(context.Background())
	if err := q.Enqueue(&task.Task{ID: "t1"}, "eng-1", agent.DevelopmentResult{Output: "r1"}); err != nil {
		t.Fatalf("Enqueue round 1: %v", err)
	}
	q.Stop()
	if err := q.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion round 1: %v", err)
	}

	// second round re-dispatches under the same original id via OriginID
	q2, bus2 := newHarness(reviewer)
	q2.history["t1"] = q.history["t1"]
	var reviewCompleted2 []events.ReviewCompleted
	bus2.Subscribe(events.KindReviewCompleted, func(e events.Event) {
		mu.Lock()
		reviewCompleted2 = append(reviewCompleted2, e.(events.ReviewCompleted))
		mu.Unlock()
	})
	q2.Start(context.Background())
	if err := q2.Enqueue(&task.Task{ID: "t1", OriginID: "t1"}, "eng-1", agent.DevelopmentResult{Output: "r2"}); err != nil {
		t.Fatalf("Enqueue round 2: %v", err)
	}
	q2.Stop()
	if err := q2.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion round 2: %v", err)
	}

	if len(reviewCompleted) != 1 || !reviewCompleted[0].NeedsRevision {
		t.Fatalf("expected round 1 needs-revision, got %+v", reviewCompleted)
	}
	if len(reviewCompleted2) != 1 || len(reviewCompleted2[0].ReviewHistory) != 2 {
		t.Fatalf("expected round 2 history length 2, got %+v", reviewCompleted2)
	}
}
