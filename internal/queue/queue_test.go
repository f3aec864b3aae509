package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/filetrack/filetrack/internal/common"
)

func openTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), logger, opts...)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func mustEnqueue(t *testing.T, q *Queue, owner int64, locator string, opts ...EnqueueOption) *Task {
	t.Helper()
	task, err := q.Enqueue(context.Background(), Payload{
		Filename: filepath.Base(locator),
		Locator:  locator,
		OwnerID:  owner,
		JobType:  "metadata",
	}, opts...)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func mustDequeue(t *testing.T, q *Queue, timeout time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return task
}

func TestEnqueueDefaults(t *testing.T) {
	q := openTestQueue(t)
	task := mustEnqueue(t, q, 1, "a/x.txt")

	got, err := q.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != StateWaiting {
		t.Fatalf("state = %s, want waiting", got.State)
	}
	if got.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", got.MaxAttempts)
	}
	if got.BackoffBase != 2*time.Second {
		t.Fatalf("backoff base = %s, want 2s", got.BackoffBase)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
}

func TestDequeueFIFO(t *testing.T) {
	q := openTestQueue(t)
	first := mustEnqueue(t, q, 1, "a/1.txt")
	second := mustEnqueue(t, q, 1, "a/2.txt")
	third := mustEnqueue(t, q, 1, "a/3.txt")

	for i, want := range []string{first.ID, second.ID, third.ID} {
		got := mustDequeue(t, q, time.Second)
		if got.ID != want {
			t.Fatalf("dequeue %d returned %s, want %s", i, got.ID, want)
		}
		if got.State != StateActive {
			t.Fatalf("claimed task state = %s, want active", got.State)
		}
		if got.Attempts != 1 {
			t.Fatalf("claimed task attempts = %d, want 1", got.Attempts)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := openTestQueue(t)

	done := make(chan *Task, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		task, err := q.Dequeue(ctx)
		if err != nil {
			done <- nil
			return
		}
		done <- task
	}()

	time.Sleep(50 * time.Millisecond)
	want := mustEnqueue(t, q, 1, "a/x.txt")

	select {
	case got := <-done:
		if got == nil || got.ID != want.ID {
			t.Fatalf("dequeue returned %v, want task %s", got, want.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := openTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dequeue error = %v, want deadline exceeded", err)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q := openTestQueue(t)
	task := mustEnqueue(t, q, 1, "a/x.txt", WithMaxAttempts(3), WithBackoffBase(40*time.Millisecond))

	claimed := mustDequeue(t, q, time.Second)
	before := time.Now()
	if err := q.Fail(context.Background(), claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := q.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != StateWaiting {
		t.Fatalf("state = %s, want waiting", got.State)
	}
	if got.FailureReason != "boom" {
		t.Fatalf("failure reason = %q, want boom", got.FailureReason)
	}
	if got.NextRunAt.Before(before.Add(30 * time.Millisecond)) {
		t.Fatalf("next run %s is too soon after failure at %s", got.NextRunAt, before)
	}

	// redelivery happens once the backoff elapses
	redelivered := mustDequeue(t, q, 2*time.Second)
	if redelivered.ID != task.ID {
		t.Fatalf("redelivered %s, want %s", redelivered.ID, task.ID)
	}
	if redelivered.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", redelivered.Attempts)
	}
}

func TestExhaustedAttemptsLandInFailedSet(t *testing.T) {
	q := openTestQueue(t)
	task := mustEnqueue(t, q, 1, "a/x.txt", WithMaxAttempts(3), WithBackoffBase(time.Millisecond))

	for i := 0; i < 3; i++ {
		claimed := mustDequeue(t, q, 2*time.Second)
		if err := q.Fail(context.Background(), claimed.ID, "bad format"); err != nil {
			t.Fatalf("fail attempt %d: %v", i+1, err)
		}
	}

	got, err := q.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if got.FailureReason != "bad format" {
		t.Fatalf("failure reason = %q", got.FailureReason)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished at not set")
	}

	failed, err := q.List(context.Background(), StateFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != task.ID {
		t.Fatalf("failed set = %v", failed)
	}
}

func TestRetryResetsAttempts(t *testing.T) {
	q := openTestQueue(t)
	task := mustEnqueue(t, q, 1, "a/x.txt", WithMaxAttempts(1))

	claimed := mustDequeue(t, q, time.Second)
	if err := q.Fail(context.Background(), claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := q.Retry(context.Background(), task.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := q.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != StateWaiting {
		t.Fatalf("state = %s, want waiting", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 after retry", got.Attempts)
	}
	if got.FailureReason != "" {
		t.Fatalf("failure reason = %q, want cleared", got.FailureReason)
	}

	// a retried task must be redelivered and executed, never jump to completed
	redelivered := mustDequeue(t, q, time.Second)
	if redelivered.ID != task.ID || redelivered.State != StateActive {
		t.Fatalf("redelivered = %+v", redelivered)
	}
}

func TestRetryRequiresFailedState(t *testing.T) {
	q := openTestQueue(t)
	task := mustEnqueue(t, q, 1, "a/x.txt")

	if err := q.Retry(context.Background(), task.ID); !errors.Is(err, common.ErrNotFailed) {
		t.Fatalf("retry waiting task error = %v, want ErrNotFailed", err)
	}

	claimed := mustDequeue(t, q, time.Second)
	if err := q.Retry(context.Background(), claimed.ID); !errors.Is(err, common.ErrNotFailed) {
		t.Fatalf("retry active task error = %v, want ErrNotFailed", err)
	}
	if err := q.Complete(context.Background(), claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Retry(context.Background(), task.ID); !errors.Is(err, common.ErrNotFailed) {
		t.Fatalf("retry completed task error = %v, want ErrNotFailed", err)
	}

	if err := q.Retry(context.Background(), "no-such-task"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("retry unknown task error = %v, want ErrNotFound", err)
	}
}

func TestOwnerScopedListingsAndCounts(t *testing.T) {
	q := openTestQueue(t)
	mustEnqueue(t, q, 1, "a/1.txt")
	mustEnqueue(t, q, 1, "a/2.txt")
	mustEnqueue(t, q, 2, "b/1.txt")

	all, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if all.Waiting != 3 {
		t.Fatalf("waiting = %d, want 3", all.Waiting)
	}

	one, err := q.CountsForOwner(context.Background(), 1)
	if err != nil {
		t.Fatalf("counts for owner: %v", err)
	}
	two, err := q.CountsForOwner(context.Background(), 2)
	if err != nil {
		t.Fatalf("counts for owner: %v", err)
	}
	if one.Waiting != 2 || two.Waiting != 1 {
		t.Fatalf("scoped waiting = %d/%d, want 2/1", one.Waiting, two.Waiting)
	}
	if one.Waiting+two.Waiting != all.Waiting {
		t.Fatal("scoped counts do not sum to unscoped count")
	}

	tasks, err := q.ListForOwner(context.Background(), StateWaiting, 1)
	if err != nil {
		t.Fatalf("list for owner: %v", err)
	}
	for _, task := range tasks {
		if task.Payload.OwnerID != 1 {
			t.Fatalf("listing leaked task for owner %d", task.Payload.OwnerID)
		}
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
}
