package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/job-forge/internal/bus"
	"github.com/yourusername/job-forge/internal/storage"
)

const defaultMaxPayloadBytes = 1 << 20

// Enqueuer はジョブIDを配送キューへ投入します。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// ServiceOptions は Service の依存と制限値です。
type ServiceOptions struct {
	Store  Store
	Files  storage.Store
	Queue  Enqueuer
	Bus    bus.Publisher
	Logger *log.Logger

	MaxPayloadBytes int
}

// Service はジョブの投入・照会・キャンセルのアプリケーション層です。
// HTTPハンドラーはこのサービスを呼ぶだけで、ストアやキューの詳細を知りません。
type Service struct {
	store  Store
	files  storage.Store
	queue  Enqueuer
	bus    bus.Publisher
	logger *log.Logger

	maxPayloadBytes int
}

// NewService は Service を初期化します。
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("files is nil")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is nil")
	}
	if opts.Bus == nil {
		opts.Bus = bus.Nop{}
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	return &Service{
		store:           opts.Store,
		files:           opts.Files,
		queue:           opts.Queue,
		bus:             opts.Bus,
		logger:          opts.Logger,
		maxPayloadBytes: opts.MaxPayloadBytes,
	}, nil
}

// Submit は新規ジョブを登録し、配送キューへ投入します。
// タスク種別の実在はここでは確認しません。未登録の種別はワーカーが
// クレーム後に ExecutionFailure として確定させます。
func (s *Service) Submit(ctx context.Context, taskType string, payload json.RawMessage) (*Job, error) {
	if taskType == "" {
		return nil, validationError("type は必須です。")
	}
	if len(payload) > s.maxPayloadBytes {
		return nil, payloadTooLargeError(len(payload), s.maxPayloadBytes)
	}

	job := &Job{
		ID:     uuid.NewString(),
		Type:   taskType,
		Status: StatusPending,
	}

	if len(payload) > 0 {
		ref := path.Join("jobs", job.ID, "payload.json")
		if _, err := s.files.Save(ctx, ref, payload); err != nil {
			return nil, fmt.Errorf("failed to save payload: %w", err)
		}
		job.PayloadRef = ref
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	// 投入に失敗してもジョブは pending のまま残り、スイーパーの救済で
	// 再投入されます。受付自体は成功とします。
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.logf("enqueue job %s deferred to sweeper: %v", job.ID, err)
	}

	s.publish(ctx, job)
	return job, nil
}

// Snapshot はジョブの現在状態を返します。
func (s *Service) Snapshot(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// List は作成日時の新しい順にジョブを返します。status が空なら全件対象です。
func (s *Service) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	var st Status
	if status != "" {
		st = Status(status)
		if !st.Valid() {
			return nil, validationError(fmt.Sprintf("status %q は不正です。", status))
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.List(ctx, st, limit)
}

// Cancel はジョブのキャンセルを要求します。
// pending は即座に cancelled へ遷移し、running はキャンセル要求フラグを
// 立てて協調的な中断を待ちます。終了済みのジョブは Conflict です。
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, error) {
	// pending → cancelled が並行するクレームに負けた場合は、
	// 取り直して running 向けの経路をやり直します。
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch {
		case job.Status.Terminal():
			return nil, alreadyFinishedError(jobID, job.Status)
		case job.Status == StatusPending:
			updated, err := s.store.UpdateStatus(ctx, jobID, StatusCancelled, Update{})
			if err != nil {
				if IsKind(err, KindInvalidTransition) {
					continue
				}
				return nil, err
			}
			s.publish(ctx, updated)
			return updated, nil
		default:
			updated, err := s.store.RequestCancel(ctx, jobID)
			if err != nil {
				if IsKind(err, KindInvalidTransition) {
					continue
				}
				return nil, err
			}
			return updated, nil
		}
	}
	return nil, alreadyFinishedError(jobID, StatusCancelled)
}

// Result は成功したジョブの結果ドキュメントを返します。
// 未完了のジョブは Conflict、結果を持たないジョブは null を返します。
func (s *Service) Result(ctx context.Context, jobID string) (json.RawMessage, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusSucceeded {
		return nil, notFinishedError(jobID, job.Status)
	}
	return s.ResultValue(ctx, job)
}

// ResultValue は取得済みレコードから結果ドキュメントを読み出します。
func (s *Service) ResultValue(ctx context.Context, job *Job) (json.RawMessage, error) {
	if job.ResultRef == "" {
		return json.RawMessage("null"), nil
	}
	data, err := s.files.Load(ctx, job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return data, nil
}

func (s *Service) publish(ctx context.Context, job *Job) {
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
		s.logf("failed to publish event job=%s status=%s: %v", job.ID, job.Status, err)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
