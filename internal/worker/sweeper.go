package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/job-forge/internal/bus"
	"github.com/yourusername/job-forge/internal/jobs"
)

const (
	defaultSweepInterval = 15 * time.Second
	sweepBatchSize       = 100
)

// Requeuer はリース回収・復旧時の再投入先です。
type Requeuer interface {
	Requeue(ctx context.Context, jobID string) error
}

// SweeperOptions は Sweeper の依存とパラメーターです。
type SweeperOptions struct {
	Store  jobs.Store
	Queue  Requeuer
	Bus    bus.Publisher
	Logger *log.Logger

	Interval    time.Duration
	MaxAttempts int
}

// Sweeper はリース期限切れの running ジョブを回収するバックグラウンド処理です。
// 試行回数が上限に達したジョブは失敗で確定させ、残りは pending に戻して
// 再配送します。処理中に消えたワーカー（クラッシュ、強制終了）の後始末です。
type Sweeper struct {
	store  jobs.Store
	queue  Requeuer
	bus    bus.Publisher
	logger *log.Logger

	interval    time.Duration
	maxAttempts int
}

// NewSweeper は Sweeper を初期化します。
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is nil")
	}
	if opts.Bus == nil {
		opts.Bus = bus.Nop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Sweeper{
		store:       opts.Store,
		queue:       opts.Queue,
		bus:         opts.Bus,
		logger:      opts.Logger,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Run は ctx がキャンセルされるまで定期的にスイープを実行します。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, time.Now().UTC())
		}
	}
}

// sweepOnce は期限切れジョブを1バッチ処理し、処理した件数を返します。
func (s *Sweeper) sweepOnce(ctx context.Context, now time.Time) int {
	expired, err := s.store.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		s.logf("sweep: list expired: %v", err)
		return 0
	}

	handled := 0
	for _, job := range expired {
		if err := s.recoverExpired(ctx, job); err != nil {
			s.logf("sweep: job %s: %v", job.ID, err)
			continue
		}
		handled++
	}

	s.rescuePending(ctx, now)
	return handled
}

// rescuePending は1スイープ間隔を超えて pending のまま残っているジョブを
// 再投入します。投入時の障害でキューから漏れたジョブの救済です。
// 投入は冪等なため、正常に配送待ちのジョブには影響しません。
func (s *Sweeper) rescuePending(ctx context.Context, now time.Time) {
	pending, err := s.store.List(ctx, jobs.StatusPending, sweepBatchSize)
	if err != nil {
		s.logf("sweep: list pending: %v", err)
		return
	}
	for _, job := range pending {
		if now.Sub(job.UpdatedAt) < s.interval {
			continue
		}
		if err := s.queue.Requeue(ctx, job.ID); err != nil {
			s.logf("sweep: rescue job %s: %v", job.ID, err)
		}
	}
}

// recoverExpired はリース切れジョブ1件を回収します。
// 並行する書き戻しに負けた場合（遷移拒否）はそのまま引き下がります。
func (s *Sweeper) recoverExpired(ctx context.Context, job *jobs.Job) error {
	// キャンセル要求済みのジョブは再配送せず、キャンセルで確定させます。
	// running → cancelled の直接遷移は無いため pending を経由します。
	if job.CancelRequested {
		if _, err := s.store.UpdateStatus(ctx, job.ID, jobs.StatusPending, jobs.Update{}); err != nil {
			return s.concede(job.ID, err)
		}
		updated, err := s.store.UpdateStatus(ctx, job.ID, jobs.StatusCancelled, jobs.Update{})
		if err != nil {
			return s.concede(job.ID, err)
		}
		s.logf("sweep: cancelled job %s after lease expiry", job.ID)
		s.publish(ctx, updated)
		return nil
	}

	if job.AttemptCount >= s.maxAttempts {
		updated, err := s.store.UpdateStatus(ctx, job.ID, jobs.StatusFailed, jobs.Update{
			Error: &jobs.ErrorInfo{
				Kind:    jobs.KindRetriesExhausted,
				Message: fmt.Sprintf("lease expired after %d attempts", job.AttemptCount),
			},
		})
		if err != nil {
			return s.concede(job.ID, err)
		}
		s.logf("sweep: job %s failed after %d attempts", job.ID, job.AttemptCount)
		s.publish(ctx, updated)
		return nil
	}

	updated, err := s.store.UpdateStatus(ctx, job.ID, jobs.StatusPending, jobs.Update{})
	if err != nil {
		return s.concede(job.ID, err)
	}
	if err := s.queue.Requeue(ctx, job.ID); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	s.logf("sweep: requeued job %s (attempt %d/%d)", job.ID, job.AttemptCount, s.maxAttempts)
	s.publish(ctx, updated)
	return nil
}

// RecoverPending は pending 状態のジョブをキューに投入し直します。
// 起動時に呼び出し、前回のプロセスが配送しきれなかったジョブを拾います。
// 投入は冪等なため、既にキューにあるジョブへの影響はありません。
func (s *Sweeper) RecoverPending(ctx context.Context) (int, error) {
	pending, err := s.store.List(ctx, jobs.StatusPending, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	recovered := 0
	for _, job := range pending {
		if err := s.queue.Requeue(ctx, job.ID); err != nil {
			return recovered, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		s.logf("recovered %d pending job(s) into the queue", recovered)
	}
	return recovered, nil
}

// 並行する正規の書き戻しが先に勝った場合は回収を取りやめます。
func (s *Sweeper) concede(jobID string, err error) error {
	if jobs.IsKind(err, jobs.KindInvalidTransition) || jobs.IsKind(err, jobs.KindNotFound) {
		s.logf("sweep: job %s already settled: %v", jobID, err)
		return nil
	}
	return err
}

func (s *Sweeper) publish(ctx context.Context, job *jobs.Job) {
	ev := bus.Event{
		JobID:    job.ID,
		Type:     job.Type,
		Status:   string(job.Status),
		Attempts: job.AttemptCount,
		At:       time.Now().UTC(),
	}
	if job.Error != nil {
		ev.Error = job.Error.Message
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logf("sweep: publish event job=%s: %v", job.ID, err)
	}
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
