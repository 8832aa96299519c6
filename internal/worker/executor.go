package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"sync/atomic"
	"time"

	"github.com/yourusername/job-forge/internal/bus"
	"github.com/yourusername/job-forge/internal/jobs"
	"github.com/yourusername/job-forge/internal/storage"
	"github.com/yourusername/job-forge/internal/tasks"
)

const (
	defaultLeaseTimeout       = 60 * time.Second
	defaultCancelPollInterval = 500 * time.Millisecond

	// 書き戻しは停止処理中でも完了させる必要があるため、
	// 親コンテキストから切り離した上でこの時間だけ待ちます。
	writebackTimeout = 10 * time.Second
)

// ExecutorOptions は Executor の依存と実行パラメーターです。
type ExecutorOptions struct {
	Store    jobs.Store
	Files    storage.Store
	Registry *Registry
	Bus      bus.Publisher
	Logger   *log.Logger

	LeaseTimeout       time.Duration
	CancelPollInterval time.Duration
}

// Executor はクレーム済みジョブを1件実行し、結果をストアへ書き戻します。
// リース回収後の古い書き戻しは試行回数フェンスで無効化されるため、
// 同じジョブが二重に配送されても保存状態は壊れません。
type Executor struct {
	store    jobs.Store
	files    storage.Store
	registry *Registry
	bus      bus.Publisher
	logger   *log.Logger

	leaseTimeout       time.Duration
	cancelPollInterval time.Duration
}

// NewExecutor は Executor を初期化します。
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Files == nil {
		return nil, errors.New("files is nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if opts.Bus == nil {
		opts.Bus = bus.Nop{}
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaultLeaseTimeout
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = defaultCancelPollInterval
	}
	return &Executor{
		store:              opts.Store,
		files:              opts.Files,
		registry:           opts.Registry,
		bus:                opts.Bus,
		logger:             opts.Logger,
		leaseTimeout:       opts.LeaseTimeout,
		cancelPollInterval: opts.CancelPollInterval,
	}, nil
}

// Execute はジョブをクレームして実行します。クレームできない場合
// （他ワーカーが処理済み、キャンセル済みなど）は何もせず正常終了します。
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	claimed, err := e.store.Claim(ctx, jobID, e.leaseTimeout)
	if err != nil {
		if jobs.IsKind(err, jobs.KindInvalidTransition) || jobs.IsKind(err, jobs.KindNotFound) {
			e.logf("skip job %s: %v", jobID, err)
			return nil
		}
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	e.publish(ctx, claimed)

	handler, ok := e.registry.Get(claimed.Type)
	if !ok {
		return e.failJob(ctx, claimed, fmt.Sprintf("no handler registered for task type %q", claimed.Type))
	}

	payload, err := e.loadPayload(ctx, claimed)
	if err != nil {
		return e.failJob(ctx, claimed, fmt.Sprintf("failed to load payload: %v", err))
	}

	// タスクにはリース期限を締め切りとして渡します。協調的なタスクは
	// 期限内に中断し、無視するタスクはスイーパーのリース回収に委ねます。
	taskCtx, taskCancel := context.WithDeadline(ctx, claimed.LeaseExpiresAt)
	defer taskCancel()

	var cancelFired atomic.Bool
	go e.watchCancel(taskCtx, claimed.ID, taskCancel, &cancelFired)

	result, taskErr := e.runTask(taskCtx, handler, &tasks.Request{
		JobID:   claimed.ID,
		Type:    claimed.Type,
		Payload: payload,
		Files:   e.files,
	})
	taskCancel()

	if taskErr == nil {
		return e.finishJob(ctx, claimed, result)
	}

	switch {
	case cancelFired.Load():
		return e.failJob(ctx, claimed, "execution cancelled by request")
	case ctx.Err() != nil:
		// プール停止によるキャンセル。pending に戻し、再起動後の配送に委ねます。
		return e.releaseJob(ctx, claimed)
	case errors.Is(taskErr, context.DeadlineExceeded):
		return e.failJob(ctx, claimed, "task execution timed out")
	default:
		return e.failJob(ctx, claimed, taskErr.Error())
	}
}

// runTask はハンドラーを呼び出します。パニックはエラーに変換し、
// ワーカーループを落とさないようにします。
func (e *Executor) runTask(ctx context.Context, h tasks.Handler, req *tasks.Request) (result *tasks.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, req)
}

// watchCancel はストアのキャンセル要求フラグを監視し、検出時にタスクの
// コンテキストをキャンセルします。タスクの終了とともに停止します。
func (e *Executor) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc, fired *atomic.Bool) {
	ticker := time.NewTicker(e.cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := e.store.Get(ctx, jobID)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				fired.Store(true)
				cancel()
				return
			}
		}
	}
}

func (e *Executor) loadPayload(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	if job.PayloadRef == "" {
		return nil, nil
	}
	return e.files.Load(ctx, job.PayloadRef)
}

func (e *Executor) finishJob(ctx context.Context, claimed *jobs.Job, result *tasks.Result) error {
	wbCtx, cancel := e.writebackContext(ctx)
	defer cancel()

	upd := jobs.Update{Fence: claimed.AttemptCount}
	if result != nil && len(result.Value) > 0 {
		ref := path.Join("jobs", claimed.ID, "result.json")
		if _, err := e.files.Save(wbCtx, ref, result.Value); err != nil {
			return e.failJob(ctx, claimed, fmt.Sprintf("failed to save result: %v", err))
		}
		upd.ResultRef = ref
	}

	updated, err := e.store.UpdateStatus(wbCtx, claimed.ID, jobs.StatusSucceeded, upd)
	if err != nil {
		return e.dropWriteback(claimed.ID, "succeeded", err)
	}
	e.publish(wbCtx, updated)
	return nil
}

func (e *Executor) failJob(ctx context.Context, claimed *jobs.Job, message string) error {
	wbCtx, cancel := e.writebackContext(ctx)
	defer cancel()

	updated, err := e.store.UpdateStatus(wbCtx, claimed.ID, jobs.StatusFailed, jobs.Update{
		Error: &jobs.ErrorInfo{Kind: jobs.KindExecutionFailure, Message: message},
		Fence: claimed.AttemptCount,
	})
	if err != nil {
		return e.dropWriteback(claimed.ID, "failed", err)
	}
	e.publish(wbCtx, updated)
	return nil
}

func (e *Executor) releaseJob(ctx context.Context, claimed *jobs.Job) error {
	wbCtx, cancel := e.writebackContext(ctx)
	defer cancel()

	updated, err := e.store.UpdateStatus(wbCtx, claimed.ID, jobs.StatusPending, jobs.Update{
		Fence: claimed.AttemptCount,
	})
	if err != nil {
		return e.dropWriteback(claimed.ID, "pending", err)
	}
	e.logf("released job %s back to pending (attempt %d)", claimed.ID, claimed.AttemptCount)
	e.publish(wbCtx, updated)
	return nil
}

// dropWriteback はフェンス不一致・遷移拒否による書き戻しの破棄を処理します。
// どちらも別の経路（リース回収、キャンセル）が先に状態を確定させた印であり、
// ログに残して正常終了します。
func (e *Executor) dropWriteback(jobID, to string, err error) error {
	if errors.Is(err, jobs.ErrStaleClaim) || jobs.IsKind(err, jobs.KindInvalidTransition) {
		e.logf("dropped stale writeback job=%s to=%s: %v", jobID, to, err)
		return nil
	}
	return fmt.Errorf("update job %s to %s: %w", jobID, to, err)
}

func (e *Executor) writebackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writebackTimeout)
}

func (e *Executor) publish(ctx context.Context, job *jobs.Job) {
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
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logf("failed to publish event job=%s status=%s: %v", job.ID, job.Status, err)
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
