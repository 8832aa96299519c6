package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runStoreSuite は Store 契約の共通テストです。各ドライバーのテストから呼ばれます。
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := open(t)
		job := &Job{ID: "j1", Type: "square", PayloadRef: "jobs/j1/payload.json"}
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		if job.Status != StatusPending {
			t.Fatalf("unexpected status after create: %s", job.Status)
		}
		if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
			t.Fatal("timestamps not set on create")
		}

		got, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Type != "square" || got.PayloadRef != "jobs/j1/payload.json" {
			t.Fatalf("unexpected record: %#v", got)
		}
		if got.Status != StatusPending || got.AttemptCount != 0 {
			t.Fatalf("unexpected initial state: %s attempts=%d", got.Status, got.AttemptCount)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := open(t)
		_, err := store.Get(ctx, "nope")
		if !IsKind(err, KindNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := store.Create(ctx, &Job{ID: "j1", Type: "square"})
		if !IsKind(err, KindConflict) {
			t.Fatalf("expected Conflict, got %v", err)
		}
	})

	t.Run("InvalidTransitionKeepsState", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := store.UpdateStatus(ctx, "j1", StatusSucceeded, Update{ResultRef: "r"})
		if !IsKind(err, KindInvalidTransition) {
			t.Fatalf("expected InvalidTransition, got %v", err)
		}
		got, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusPending || got.ResultRef != "" {
			t.Fatalf("rejected write leaked into store: %#v", got)
		}
	})

	t.Run("ClaimLifecycle", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}

		claimed, err := store.Claim(ctx, "j1", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.Status != StatusRunning || claimed.AttemptCount != 1 {
			t.Fatalf("unexpected claim result: %s attempts=%d", claimed.Status, claimed.AttemptCount)
		}
		if !claimed.LeaseExpiresAt.After(time.Now().UTC()) {
			t.Fatalf("lease not in the future: %s", claimed.LeaseExpiresAt)
		}

		if _, err := store.Claim(ctx, "j1", time.Minute); !IsKind(err, KindInvalidTransition) {
			t.Fatalf("expected second claim to fail, got %v", err)
		}

		failed, err := store.UpdateStatus(ctx, "j1", StatusFailed, Update{
			Error: &ErrorInfo{Kind: KindExecutionFailure, Message: "boom"},
			Fence: claimed.AttemptCount,
		})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.Status != StatusFailed {
			t.Fatalf("unexpected status: %s", failed.Status)
		}
		if failed.Error == nil || failed.Error.Kind != KindExecutionFailure || failed.Error.Message != "boom" {
			t.Fatalf("error info lost: %#v", failed.Error)
		}
		if !failed.LeaseExpiresAt.IsZero() {
			t.Fatalf("lease not cleared: %s", failed.LeaseExpiresAt)
		}

		got, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Error == nil || got.Error.Message != "boom" {
			t.Fatalf("error info not persisted: %#v", got.Error)
		}
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Claim(ctx, "j1", time.Minute); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("expected exactly one successful claim, got %d", wins.Load())
		}
		got, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.AttemptCount != 1 {
			t.Fatalf("attempt count inflated by losing claims: %d", got.AttemptCount)
		}
	})

	t.Run("FenceRejectsStaleWriteback", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		first, err := store.Claim(ctx, "j1", time.Minute)
		if err != nil {
			t.Fatalf("first claim: %v", err)
		}

		// リース回収で pending に戻し、別ワーカーが再クレームした状況を作る。
		if _, err := store.UpdateStatus(ctx, "j1", StatusPending, Update{}); err != nil {
			t.Fatalf("release: %v", err)
		}
		second, err := store.Claim(ctx, "j1", time.Minute)
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if second.AttemptCount != 2 {
			t.Fatalf("unexpected attempt count: %d", second.AttemptCount)
		}

		_, err = store.UpdateStatus(ctx, "j1", StatusSucceeded, Update{ResultRef: "stale", Fence: first.AttemptCount})
		if !errors.Is(err, ErrStaleClaim) {
			t.Fatalf("expected ErrStaleClaim, got %v", err)
		}

		done, err := store.UpdateStatus(ctx, "j1", StatusSucceeded, Update{ResultRef: "fresh", Fence: second.AttemptCount})
		if err != nil {
			t.Fatalf("fresh writeback: %v", err)
		}
		if done.ResultRef != "fresh" {
			t.Fatalf("unexpected result ref: %s", done.ResultRef)
		}
	})

	t.Run("RequestCancel", func(t *testing.T) {
		store := open(t)
		if err := store.Create(ctx, &Job{ID: "j1", Type: "square"}); err != nil {
			t.Fatalf("create: %v", err)
		}

		if _, err := store.RequestCancel(ctx, "j1"); !IsKind(err, KindInvalidTransition) {
			t.Fatalf("expected cancel request on pending to fail, got %v", err)
		}

		if _, err := store.Claim(ctx, "j1", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		updated, err := store.RequestCancel(ctx, "j1")
		if err != nil {
			t.Fatalf("request cancel: %v", err)
		}
		if !updated.CancelRequested {
			t.Fatal("cancel flag not set")
		}
		got, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.CancelRequested {
			t.Fatal("cancel flag not persisted")
		}
	})

	t.Run("List", func(t *testing.T) {
		store := open(t)
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			job := &Job{ID: id, Type: "square", CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		if _, err := store.Claim(ctx, "b", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}

		all, err := store.List(ctx, "", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("unexpected count: %d", len(all))
		}
		if all[0].ID != "c" || all[1].ID != "b" || all[2].ID != "a" {
			t.Fatalf("unexpected order: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
		}

		pending, err := store.List(ctx, StatusPending, 0)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("unexpected pending count: %d", len(pending))
		}

		limited, err := store.List(ctx, "", 1)
		if err != nil {
			t.Fatalf("list limited: %v", err)
		}
		if len(limited) != 1 || limited[0].ID != "c" {
			t.Fatalf("unexpected limited result: %#v", limited)
		}
	})

	t.Run("ListExpired", func(t *testing.T) {
		store := open(t)
		for _, id := range []string{"expired", "alive"} {
			if err := store.Create(ctx, &Job{ID: id, Type: "square"}); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		if _, err := store.Claim(ctx, "expired", -time.Second); err != nil {
			t.Fatalf("claim expired: %v", err)
		}
		if _, err := store.Claim(ctx, "alive", time.Hour); err != nil {
			t.Fatalf("claim alive: %v", err)
		}

		out, err := store.ListExpired(ctx, time.Now().UTC(), 10)
		if err != nil {
			t.Fatalf("list expired: %v", err)
		}
		if len(out) != 1 || out[0].ID != "expired" {
			t.Fatalf("unexpected expired set: %#v", out)
		}
	})
}
