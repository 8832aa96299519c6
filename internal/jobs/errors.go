package jobs

import (
	"errors"
	"fmt"
)

// エラー種別。ジョブの Error.Kind と API のエラー分類に使用します。
const (
	KindNotFound          = "NotFound"
	KindInvalidTransition = "InvalidTransition"
	KindRetriesExhausted  = "RetriesExhausted"
	KindExecutionFailure  = "ExecutionFailure"
	KindConflict          = "Conflict"
	KindValidation        = "Validation"
)

// ErrStaleClaim はリース回収後の古いクレームによる書き戻しを示します。
// API には露出せず、呼び出し側でログに落として破棄します。
var ErrStaleClaim = errors.New("stale claim: attempt fence mismatch")

// Error はストア・API が返す分類付きエラーです。
// Code はレスポンス封筒用のコード、Message は利用者向けメッセージです。
type Error struct {
	Kind    string
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind, code, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// IsKind は err が指定した種別の *Error かどうかを判定します。
func IsKind(err error, kind string) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

func notFoundError(jobID string) *Error {
	return newError(KindNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。", fmt.Errorf("job not found: %s", jobID))
}

func invalidTransitionError(jobID string, from, to Status) *Error {
	return newError(KindInvalidTransition, "INVALID_TRANSITION",
		fmt.Sprintf("ジョブ状態 %s から %s へは遷移できません。", from, to),
		fmt.Errorf("job %s: transition %s -> %s not allowed", jobID, from, to))
}

func duplicateJobError(jobID string) *Error {
	return newError(KindConflict, "DUPLICATE_JOB", "同じIDのジョブが既に存在します。", fmt.Errorf("duplicate job: %s", jobID))
}

func alreadyFinishedError(jobID string, status Status) *Error {
	return newError(KindConflict, "JOB_ALREADY_FINISHED",
		fmt.Sprintf("ジョブは既に %s で終了しています。", status),
		fmt.Errorf("job %s already finished: %s", jobID, status))
}

func validationError(message string) *Error {
	return newError(KindValidation, "INVALID_INPUT", message, nil)
}

func payloadTooLargeError(size, max int) *Error {
	return newError(KindValidation, "LIMIT_EXCEEDED",
		fmt.Sprintf("ペイロードが大きすぎます（最大 %d バイト）。", max),
		fmt.Errorf("payload size %d exceeds limit %d", size, max))
}

func notFinishedError(jobID string, status Status) *Error {
	return newError(KindConflict, "JOB_NOT_FINISHED",
		fmt.Sprintf("ジョブはまだ完了していません（現在: %s）。", status),
		fmt.Errorf("job %s not finished: %s", jobID, status))
}
