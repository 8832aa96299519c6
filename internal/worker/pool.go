// Package worker はジョブの取得・実行・書き戻しを担うワーカー基盤を提供します。
// プロセス内キューを使う Pool と、Redis 越しに分散実行する AsynqRunner の
// 2つの駆動方式があり、どちらも同じ Executor でジョブを処理します。
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/yourusername/job-forge/internal/queue"
)

// Pool はプロセス内キューから固定数のゴルーチンでジョブを取り出して
// 実行するワーカープールです。
type Pool struct {
	queue    *queue.Memory
	executor *Executor
	logger   *log.Logger
	count    int

	runCtx       context.Context
	runCancel    context.CancelFunc
	intakeCtx    context.Context
	intakeCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewPool はワーカープールを作成します。count は同時実行数です。
func NewPool(q *queue.Memory, exec *Executor, count int, logger *log.Logger) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{
		queue:    q,
		executor: exec,
		logger:   logger,
		count:    count,
	}
}

// Start はワーカーループを起動します。
func (p *Pool) Start() {
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.intakeCtx, p.intakeCancel = context.WithCancel(p.runCtx)

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logf("worker pool started (workers=%d)", p.count)
}

// Stop は新規ジョブの受付を止め、実行中のジョブの完了を待ちます。
// timeout までに完了しない場合は実行中のタスクをキャンセルします。
// キャンセルされたジョブは pending に戻され、リース回収経路で再配送されます。
func (p *Pool) Stop(timeout time.Duration) {
	p.intakeCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logf("drain timeout (%s) reached; cancelling in-flight jobs", timeout)
		p.runCancel()
		<-done
	}
	p.runCancel()
	p.logf("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		jobID, err := p.queue.Claim(p.intakeCtx)
		if err != nil {
			return
		}
		p.runOne(id, jobID)
	}
}

func (p *Pool) runOne(workerID int, jobID string) {
	defer p.queue.Done(jobID)
	if err := p.executor.Execute(p.runCtx, jobID); err != nil {
		p.logf("worker %d: job %s: %v", workerID, jobID, err)
	}
}

func (p *Pool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
