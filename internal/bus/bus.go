// Package bus はジョブのライフサイクルイベントの発行を抽象化します。
// NATS が未設定の場合は何もしない実装に差し替えられます。
package bus

import (
	"context"
	"time"
)

// Event はジョブの状態遷移1件の通知です。Error は failed のときだけ
// 埋まります。
type Event struct {
	JobID    string    `json:"jobId"`
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher はイベントの発行先です。発行の失敗はジョブ処理を止めないため、
// 呼び出し側はエラーをログに残すだけにしてください。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop は何も発行しない Publisher です。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() {}
