package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeJob    = "job:execute"
	asynqQueueName = "jobs"
)

// taskPayload は asynq タスクのペイロードです。ジョブ本体はストアが
// 保持するため、キューに載せるのはIDだけです。
type taskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqQueue は asynq（Redis）をバックエンドにした配送キューです。
// タスクIDをジョブIDから固定で生成するため、投入は冪等です。
type AsynqQueue struct {
	client *asynq.Client
}

// NewAsynqQueue は Redis へ接続するキュークライアントを作成します。
func NewAsynqQueue(redisURL string) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &AsynqQueue{client: asynq.NewClient(opt)}, nil
}

// Enqueue はジョブIDをキューに投入します。同じジョブが既にキューに
// ある場合は何もしません。
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.enqueue(ctx, jobID)
}

// Requeue はリース回収・復旧経路の再投入です。asynq では Enqueue と
// 同じ操作になります。配送が重複しても、クレームの原子性とフェンスが
// 二重実行を無害化します。
func (q *AsynqQueue) Requeue(ctx context.Context, jobID string) error {
	return q.enqueue(ctx, jobID)
}

func (q *AsynqQueue) enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeJob, body, asynq.Queue(asynqQueueName))
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID("job:"+jobID),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close はクライアント接続を閉じます。
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// AsynqRunner は asynq サーバー上でジョブを実行するランナーです。
// 複数プロセスで起動すれば、同じ Redis を見るワーカー群として
// 水平に分散します。
type AsynqRunner struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	executor *Executor
	logger   *log.Logger
}

// NewAsynqRunner はランナーを初期化します。concurrency はプロセス内の
// 同時実行数、drainTimeout は停止時に実行中タスクを待つ時間です。
func NewAsynqRunner(redisURL string, concurrency int, drainTimeout time.Duration, exec *Executor, logger *log.Logger) (*AsynqRunner, error) {
	if exec == nil {
		return nil, errors.New("executor is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			asynqQueueName: 1,
		},
		ShutdownTimeout: drainTimeout,
	})

	mux := asynq.NewServeMux()
	runner := &AsynqRunner{
		server:   server,
		mux:      mux,
		executor: exec,
		logger:   logger,
	}
	mux.HandleFunc(taskTypeJob, runner.handleJobTask)
	return runner, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (r *AsynqRunner) Start() {
	go func() {
		if err := r.server.Run(r.mux); err != nil && err != asynq.ErrServerClosed {
			r.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーを停止します。実行中のタスクは drainTimeout まで
// 待った後キャンセルされ、リース回収経路で再配送されます。
func (r *AsynqRunner) Shutdown() {
	r.server.Shutdown()
}

// handleJobTask は配送された1件を実行します。ジョブの成否はストアに
// 記録されるため、asynq には常に成功を返してタスクを完了させます。
// 再試行の制御は asynq ではなくリースと試行回数フェンスが担います。
func (r *AsynqRunner) handleJobTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		r.logf("discard malformed task payload: %v", err)
		return nil
	}
	if payload.JobID == "" {
		r.logf("discard task without jobId")
		return nil
	}
	if err := r.executor.Execute(ctx, payload.JobID); err != nil {
		r.logf("job %s: %v", payload.JobID, err)
	}
	return nil
}

func (r *AsynqRunner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
