package jobs

import (
	"context"
	"time"
)

// Store はジョブレコードの永続化契約です。
// 全ての書き込みは現在の保存状態に対して遷移検証を行い、検証と反映を
// 原子的に実施します。読み取りは直近のコミット済み書き込みを必ず反映します。
type Store interface {
	// Create は pending 状態の新規ジョブを保存します。ID 重複は Conflict です。
	Create(ctx context.Context, job *Job) error

	// Get はジョブを取得します。存在しない場合は NotFound エラーを返します。
	Get(ctx context.Context, jobID string) (*Job, error)

	// UpdateStatus は遷移検証付きで状態を更新し、更新後のレコードを返します。
	// 不正な遷移は InvalidTransition で拒否し、保存状態を変更しません。
	UpdateStatus(ctx context.Context, jobID string, to Status, upd Update) (*Job, error)

	// Claim は pending → running の遷移・試行回数の加算・リース設定を
	// 原子的に行います。同時クレームは一方のみ成功します。
	Claim(ctx context.Context, jobID string, lease time.Duration) (*Job, error)

	// RequestCancel は実行中ジョブにキャンセル要求フラグを立てます。
	RequestCancel(ctx context.Context, jobID string) (*Job, error)

	// List は作成日時の新しい順にジョブを返します。status が空なら全件対象です。
	List(ctx context.Context, status Status, limit int) ([]*Job, error)

	// ListExpired はリース期限を過ぎた running 状態のジョブを返します。
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	Close() error
}
