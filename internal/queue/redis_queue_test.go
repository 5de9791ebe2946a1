package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"blood-test-analyzer/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewWithClient(client, config.Config{
		QueueChannel:      "blood_analysis",
		VisibilityTimeout: 30 * time.Second,
		ResultTTL:         time.Hour,
	})
	q.pollInterval = 5 * time.Millisecond
	return q, mr
}

func TestSubmitAndDequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	handle, err := q.Submit(ctx, Task{
		Type:       TypeStage,
		AnalysisID: "a-1",
		FilePath:   "data/report.pdf",
		Query:      "summarise",
		Stage:      "doctor",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	outcome, err := handle.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if outcome.Status != TaskPending {
		t.Fatalf("expected pending, got %s", outcome.Status)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d err=%v", depth, err)
	}

	task, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if task.ID != handle.ID() {
		t.Fatalf("dequeued wrong task: %s vs %s", task.ID, handle.ID())
	}
	if task.AnalysisID != "a-1" || task.Stage != "doctor" || task.Type != TypeStage {
		t.Fatalf("payload mangled: %+v", task)
	}

	// Empty queue returns ok=false, not an error.
	if _, ok, err := q.Dequeue(ctx); ok || err != nil {
		t.Fatalf("expected empty dequeue, ok=%v err=%v", ok, err)
	}
}

func TestCompleteFirstTerminalWins(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	handle, err := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "doctor"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := handle.ID()

	applied, err := q.Complete(ctx, id, "first result")
	if err != nil || !applied {
		t.Fatalf("first complete: applied=%v err=%v", applied, err)
	}

	// A duplicate completion and a late failure are both refused.
	applied, err = q.Complete(ctx, id, "second result")
	if err != nil || applied {
		t.Fatalf("duplicate complete should not apply: applied=%v err=%v", applied, err)
	}
	applied, err = q.Fail(ctx, id, "late failure")
	if err != nil || applied {
		t.Fatalf("late fail should not apply: applied=%v err=%v", applied, err)
	}

	outcome, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if outcome.Status != TaskSucceeded || outcome.Result != "first result" || outcome.Error != "" {
		t.Fatalf("outcome disturbed by duplicates: %+v", outcome)
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	handle, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "verifier"})
	applied, err := q.Fail(ctx, handle.ID(), "agent unreachable")
	if err != nil || !applied {
		t.Fatalf("fail: applied=%v err=%v", applied, err)
	}

	outcome, err := handle.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if outcome.Status != TaskFailed || outcome.Error != "agent unreachable" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestAwaitReturnsSettledOutcome(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	handle, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "doctor"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Complete(ctx, handle.ID(), "done")
	}()

	outcome, err := handle.Await(ctx, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if outcome.Status != TaskSucceeded || outcome.Result != "done" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestAwaitTimeoutIsDistinctFromFailure(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	handle, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "verifier"})

	_, err := handle.Await(ctx, 30*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}

	// The task itself is untouched: still pending, not failed.
	outcome, err := handle.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if outcome.Status != TaskPending {
		t.Fatalf("await timeout must not settle the task, got %s", outcome.Status)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Status(ctx, "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRequeueExpiredReturnsUnsettledTasks(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h1, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "doctor"})
	h2, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "verifier"})

	if _, ok, err := q.Dequeue(ctx); !ok || err != nil {
		t.Fatalf("dequeue 1: ok=%v err=%v", ok, err)
	}
	if _, ok, err := q.Dequeue(ctx); !ok || err != nil {
		t.Fatalf("dequeue 2: ok=%v err=%v", ok, err)
	}

	// One settles before its lease runs out; only the other is reclaimed.
	if _, err := q.Complete(ctx, h1.ID(), "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	future := time.Now().Add(q.visibilityTTL + time.Minute)
	requeued, err := q.RequeueExpired(ctx, future, 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != h2.ID() {
		t.Fatalf("expected only unsettled task requeued, got %v", requeued)
	}

	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1 after requeue, got %d", depth)
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, _ := q.Submit(ctx, Task{Type: TypeStage, AnalysisID: "a-1", Stage: "doctor"})
	if _, ok, err := q.Dequeue(ctx); !ok || err != nil {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := q.ExtendLease(ctx, h.ID(), 10*time.Minute); err != nil {
		t.Fatalf("extend lease: %v", err)
	}

	// With an extended lease the task survives the original visibility window.
	justPast := time.Now().Add(q.visibilityTTL + time.Second)
	requeued, err := q.RequeueExpired(ctx, justPast, 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(requeued) != 0 {
		t.Fatalf("extended lease should not be reclaimed, got %v", requeued)
	}
}
