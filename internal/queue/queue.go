// Package queue はジョブIDの配送キューを提供します。
// ジョブ本体はストアが保持し、キューは「どのジョブを実行すべきか」だけを運びます。
package queue

import (
	"context"
	"sync"
)

type mark uint8

const (
	markQueued mark = iota + 1
	markClaimed
)

// Memory は単一プロセス用の FIFO 配送キューです。
// Enqueue は冪等で、投入済み・クレーム済みのジョブを二重に配送しません。
type Memory struct {
	mu     sync.Mutex
	order  []string
	marks  map[string]mark
	signal chan struct{}
}

// NewMemory は Memory を作成します。
func NewMemory() *Memory {
	return &Memory{
		marks:  make(map[string]mark),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue はジョブIDを投入します。既に投入済みまたはクレーム済みの場合は何もしません。
func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.marks[jobID]; ok {
		return nil
	}
	q.marks[jobID] = markQueued
	q.order = append(q.order, jobID)
	q.notify()
	return nil
}

// Requeue はリース回収経路の再投入です。クレーム済みマークが残っていても
// 再配送します（元のワーカーは消えているため）。
func (q *Memory) Requeue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.marks[jobID] == markQueued {
		return nil
	}
	q.marks[jobID] = markQueued
	q.order = append(q.order, jobID)
	q.notify()
	return nil
}

// Claim は次のジョブIDを取り出します。空の場合は投入があるまでブロックします。
func (q *Memory) Claim(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if id, ok := q.pop(); ok {
			// 残りがあれば次の待機者を起こします。
			if len(q.order) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		}
	}
}

// Done はジョブの処理完了を通知し、再投入可能な状態に戻します。
func (q *Memory) Done(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.marks, jobID)
}

// Len は投入済みで未クレームの件数を返します。
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *Memory) pop() (string, bool) {
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		if q.marks[id] == markQueued {
			q.marks[id] = markClaimed
			return id, true
		}
	}
	return "", false
}

func (q *Memory) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
