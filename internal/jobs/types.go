// Package jobs は非同期ジョブのモデル・状態遷移・永続化を提供します。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid は既知のステータスかどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal は終端状態（それ以上遷移しない状態）かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job はジョブレコードの現在状態を表します。
// ペイロードと結果は本体を持たず、ブロブストレージへの参照のみを保持します。
type Job struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          Status     `json:"status"`
	PayloadRef      string     `json:"payloadRef,omitempty"`
	ResultRef       string     `json:"resultRef,omitempty"`
	Error           *ErrorInfo `json:"error,omitempty"`
	AttemptCount    int        `json:"attemptCount"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
	LeaseExpiresAt  time.Time  `json:"leaseExpiresAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone はレコードの独立したコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// transitions は許可される状態遷移の全体です。ここに無い組み合わせは全て拒否します。
// running → pending はリース切れによる再投入、それ以外は通常のライフサイクルです。
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusPending:   true,
	},
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Update は状態遷移に付随する更新内容です。
// Fence が正の場合、クレーム時の試行回数と一致しない書き込みを拒否します
// （リース回収後に旧ワーカーが行う書き戻しを無効化するためのフェンスです）。
type Update struct {
	ResultRef string
	Error     *ErrorInfo
	Fence     int
}

// normalizeNew は新規レコードの既定値を整えます。各ドライバーの Create が呼びます。
func normalizeNew(j *Job, now time.Time) {
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
}

// applyTransition は遷移を検証した上でレコードを書き換えます。
// 検証と反映を一箇所に集約し、各ドライバーは原子性のみを担います。
func applyTransition(j *Job, to Status, upd Update, now time.Time) error {
	if upd.Fence > 0 && upd.Fence != j.AttemptCount {
		return ErrStaleClaim
	}
	if !CanTransition(j.Status, to) {
		return invalidTransitionError(j.ID, j.Status, to)
	}

	j.Status = to
	j.LeaseExpiresAt = time.Time{}
	switch to {
	case StatusSucceeded:
		j.ResultRef = upd.ResultRef
		j.Error = nil
	case StatusFailed:
		j.Error = upd.Error
	case StatusPending:
		// リース回収による再投入。エラーは確定していないので持ち越さない。
		j.Error = nil
	}
	j.UpdatedAt = now
	return nil
}

// applyClaim はワーカーによるクレームを反映します。
// pending → running と同時に試行回数を加算し、リース期限を設定します。
func applyClaim(j *Job, lease time.Duration, now time.Time) error {
	if !CanTransition(j.Status, StatusRunning) {
		return invalidTransitionError(j.ID, j.Status, StatusRunning)
	}
	j.Status = StatusRunning
	j.AttemptCount++
	j.LeaseExpiresAt = now.Add(lease)
	j.UpdatedAt = now
	return nil
}

// applyCancelRequest は実行中ジョブへのキャンセル要求を記録します。
func applyCancelRequest(j *Job, now time.Time) error {
	if j.Status != StatusRunning {
		return invalidTransitionError(j.ID, j.Status, StatusCancelled)
	}
	j.CancelRequested = true
	j.UpdatedAt = now
	return nil
}
