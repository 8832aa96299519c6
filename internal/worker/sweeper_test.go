package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/job-forge/internal/jobs"
)

type stubRequeuer struct {
	mu  sync.Mutex
	ids []string
}

func (r *stubRequeuer) Requeue(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return nil
}

func (r *stubRequeuer) requeued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestSweeper(t *testing.T, mod func(*SweeperOptions)) (*Sweeper, jobs.Store, *stubRequeuer, *stubBus) {
	t.Helper()
	store := jobs.NewMemoryStore()
	requeuer := &stubRequeuer{}
	events := &stubBus{}
	opts := SweeperOptions{
		Store:       store,
		Queue:       requeuer,
		Bus:         events,
		Interval:    time.Hour,
		MaxAttempts: 3,
	}
	if mod != nil {
		mod(&opts)
	}
	sweeper, err := NewSweeper(opts)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	return sweeper, store, requeuer, events
}

func claimExpired(t *testing.T, store jobs.Store, jobID string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{ID: jobID, Type: "square"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := store.Claim(ctx, jobID, -time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	sweeper, store, requeuer, events := newTestSweeper(t, nil)
	claimExpired(t, store, "j1")

	handled := sweeper.sweepOnce(context.Background(), time.Now().UTC())
	if handled != 1 {
		t.Fatalf("unexpected handled count: %d", handled)
	}

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("attempt count should survive recovery: %d", job.AttemptCount)
	}
	if ids := requeuer.requeued(); len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("unexpected requeued ids: %v", ids)
	}
	if st := events.statuses(); len(st) != 1 || st[0] != "pending" {
		t.Fatalf("unexpected events: %v", st)
	}
}

func TestSweepFailsAfterMaxAttempts(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, func(opts *SweeperOptions) {
		opts.MaxAttempts = 1
	})
	claimExpired(t, store, "j1")

	if handled := sweeper.sweepOnce(context.Background(), time.Now().UTC()); handled != 1 {
		t.Fatalf("unexpected handled count: %d", handled)
	}

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.Error == nil || job.Error.Kind != jobs.KindRetriesExhausted {
		t.Fatalf("unexpected error info: %#v", job.Error)
	}
	if !strings.Contains(job.Error.Message, "lease expired after 1 attempts") {
		t.Fatalf("unexpected message: %s", job.Error.Message)
	}
	if len(requeuer.requeued()) != 0 {
		t.Fatalf("exhausted job must not be requeued: %v", requeuer.requeued())
	}
}

func TestSweepCancelsRequestedJob(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, nil)
	claimExpired(t, store, "j1")
	if _, err := store.RequestCancel(context.Background(), "j1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	if handled := sweeper.sweepOnce(context.Background(), time.Now().UTC()); handled != 1 {
		t.Fatalf("unexpected handled count: %d", handled)
	}

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusCancelled {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if len(requeuer.requeued()) != 0 {
		t.Fatalf("cancelled job must not be requeued: %v", requeuer.requeued())
	}
}

func TestSweepSkipsActiveLease(t *testing.T) {
	sweeper, store, _, _ := newTestSweeper(t, nil)
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{ID: "j1", Type: "square"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "j1", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if handled := sweeper.sweepOnce(ctx, time.Now().UTC()); handled != 0 {
		t.Fatalf("unexpected handled count: %d", handled)
	}

	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusRunning {
		t.Fatalf("active job disturbed: %s", job.Status)
	}
}

func TestSweepRescuesStrandedPending(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, func(opts *SweeperOptions) {
		opts.Interval = time.Millisecond
	})
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{ID: "j1", Type: "square"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	sweeper.sweepOnce(ctx, time.Now().UTC())

	if ids := requeuer.requeued(); len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("stranded pending job not rescued: %v", ids)
	}
}

func TestSweepLeavesFreshPendingAlone(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, nil)
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{ID: "j1", Type: "square"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper.sweepOnce(ctx, time.Now().UTC())

	if len(requeuer.requeued()) != 0 {
		t.Fatalf("fresh pending job should not be requeued yet: %v", requeuer.requeued())
	}
}

func TestSweepConcedesSettledJob(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, nil)
	ctx := context.Background()
	claimExpired(t, store, "j1")

	snapshot, err := store.ListExpired(ctx, time.Now().UTC(), 10)
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("list expired: %v (%d)", err, len(snapshot))
	}

	// スイープより先に正規の書き戻しが勝った状況を作る。
	if _, err := store.UpdateStatus(ctx, "j1", jobs.StatusFailed, jobs.Update{
		Error: &jobs.ErrorInfo{Kind: jobs.KindExecutionFailure, Message: "boom"},
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if err := sweeper.recoverExpired(ctx, snapshot[0]); err != nil {
		t.Fatalf("recovery should concede, got %v", err)
	}

	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusFailed || job.Error == nil || job.Error.Message != "boom" {
		t.Fatalf("settled state disturbed: %s %#v", job.Status, job.Error)
	}
	if len(requeuer.requeued()) != 0 {
		t.Fatalf("settled job must not be requeued: %v", requeuer.requeued())
	}
}

func TestRecoverPending(t *testing.T) {
	sweeper, store, requeuer, _ := newTestSweeper(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.Create(ctx, &jobs.Job{ID: id, Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.Create(ctx, &jobs.Job{ID: "c", Type: "square"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "c", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := sweeper.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("recover pending: %v", err)
	}
	if n != 2 {
		t.Fatalf("unexpected recovered count: %d", n)
	}
	ids := requeuer.requeued()
	if len(ids) != 2 {
		t.Fatalf("unexpected requeued ids: %v", ids)
	}
}
