package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func claimWithTimeout(t *testing.T, q *Memory, d time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Claim(ctx)
}

func TestEnqueueAndClaim(t *testing.T) {
	q := NewMemory()
	if err := q.Enqueue(context.Background(), "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := claimWithTimeout(t, q, time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "j1" {
		t.Fatalf("unexpected id: %s", id)
	}
}

func TestEnqueueTwiceDeliversOnce(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	if id, err := claimWithTimeout(t, q, time.Second); err != nil || id != "j1" {
		t.Fatalf("first claim: id=%s err=%v", id, err)
	}

	_, err := claimWithTimeout(t, q, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second claim to block, got %v", err)
	}
}

func TestEnqueueWhileClaimedIsIgnored(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := claimWithTimeout(t, q, time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue while claimed: %v", err)
	}
	if _, err := claimWithTimeout(t, q, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("claimed job must not be redelivered by Enqueue")
	}
}

func TestRequeueWhileClaimedRedelivers(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := claimWithTimeout(t, q, time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Requeue(ctx, "j1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	id, err := claimWithTimeout(t, q, time.Second)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if id != "j1" {
		t.Fatalf("unexpected id: %s", id)
	}
}

func TestDoneAllowsReEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := claimWithTimeout(t, q, time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	q.Done("j1")

	if err := q.Enqueue(ctx, "j1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id, err := claimWithTimeout(t, q, time.Second); err != nil || id != "j1" {
		t.Fatalf("claim after done: id=%s err=%v", id, err)
	}
}

func TestClaimOrder(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		id, err := claimWithTimeout(t, q, time.Second)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if id != want {
			t.Fatalf("unexpected order: got %s want %s", id, want)
		}
	}
}

func TestClaimBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()

	got := make(chan string, 1)
	go func() {
		id, err := q.Claim(context.Background())
		if err != nil {
			return
		}
		got <- id
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(context.Background(), "j1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case id := <-got:
		if id != "j1" {
			t.Fatalf("unexpected id: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not wake up after enqueue")
	}
}

func TestClaimHonoursContextCancel(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not return after cancel")
	}
}

func TestConcurrentClaimersDrainQueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	const n = 6
	results := make(chan string, n)
	claimCtx, stopClaimers := context.WithCancel(ctx)
	defer stopClaimers()
	for i := 0; i < 2; i++ {
		go func() {
			for {
				id, err := q.Claim(claimCtx)
				if err != nil {
					return
				}
				results <- id
			}
		}()
	}

	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case id := <-results:
			if seen[id] {
				t.Fatalf("job %s delivered twice", id)
			}
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d deliveries", i)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d", q.Len())
	}
}

func TestLen(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if q.Len() != 0 {
		t.Fatalf("unexpected initial length: %d", q.Len())
	}
	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b")
	if q.Len() != 2 {
		t.Fatalf("unexpected length: %d", q.Len())
	}
	if _, err := claimWithTimeout(t, q, time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("unexpected length after claim: %d", q.Len())
	}
}
