package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload_ref      TEXT NOT NULL DEFAULT '',
	result_ref       TEXT NOT NULL DEFAULT '',
	error_kind       TEXT,
	error_message    TEXT,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	lease_expires_at TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`

// 時刻は UTC・固定桁ナノ秒の文字列で保存します。桁数を固定することで、
// SQL の文字列比較が時刻の前後関係と一致します。
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteCASRetries = 3

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore はジョブ状態を SQLite に保存する Store 実装です。
// 遷移検証を伴う書き込みは status と attempt_count を条件に含む
// UPDATE で原子性を担保します（比較交換方式）。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite はデータベースを開き、スキーマを初期化して SQLiteStore を返します。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
	}

	// プラグマは DSN で渡し、プールが開く全コネクションに適用します。
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create は新規ジョブを保存します。
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return validationError("ジョブIDを指定してください。")
	}
	c := job.Clone()
	normalizeNew(c, time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, payload_ref, result_ref, error_kind, error_message,
			attempt_count, cancel_requested, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Type, string(c.Status), c.PayloadRef, c.ResultRef,
		errorKind(c.Error), errorMessage(c.Error),
		c.AttemptCount, boolToInt(c.CancelRequested),
		timeToSQL(c.LeaseExpiresAt), c.CreatedAt.Format(sqliteTimeLayout), c.UpdatedAt.Format(sqliteTimeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateJobError(c.ID)
		}
		return err
	}
	*job = *c
	return nil
}

// Get はジョブを取得します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, validationError("ジョブIDを指定してください。")
	}
	row := s.db.QueryRowContext(ctx, selectJobSQL+" WHERE id = ?", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(jobID)
	}
	return job, err
}

// UpdateStatus は遷移検証付きで状態を更新します。
func (s *SQLiteStore) UpdateStatus(ctx context.Context, jobID string, to Status, upd Update) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyTransition(j, to, upd, time.Now().UTC())
	})
}

// Claim は pending → running を原子的に行います。
func (s *SQLiteStore) Claim(ctx context.Context, jobID string, lease time.Duration) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyClaim(j, lease, time.Now().UTC())
	})
}

// RequestCancel はキャンセル要求フラグを立てます。
func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyCancelRequest(j, time.Now().UTC())
	})
}

// List は作成日時の新しい順にジョブを返します。
func (s *SQLiteStore) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := selectJobSQL
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListExpired はリース切れの running ジョブを返します。
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := selectJobSQL + `
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC`
	args := []any{string(StatusRunning), now.UTC().Format(sqliteTimeLayout)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// Close はデータベース接続を閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectJobSQL = `
	SELECT id, type, status, payload_ref, result_ref, error_kind, error_message,
		attempt_count, cancel_requested, lease_expires_at, created_at, updated_at
	FROM jobs`

// mutate は読み取り→検証→条件付き UPDATE を行い、競合時は再試行します。
// UPDATE の WHERE 句に読み取り時の status と attempt_count を含めることで、
// 別トランザクションに割り込まれた書き込みは 0 行更新となり失敗します。
func (s *SQLiteStore) mutate(ctx context.Context, jobID string, apply func(*Job) error) (*Job, error) {
	if jobID == "" {
		return nil, validationError("ジョブIDを指定してください。")
	}
	for i := 0; i < sqliteCASRetries; i++ {
		current, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, result_ref = ?, error_kind = ?, error_message = ?,
				attempt_count = ?, cancel_requested = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND attempt_count = ?`,
			string(next.Status), next.ResultRef, errorKind(next.Error), errorMessage(next.Error),
			next.AttemptCount, boolToInt(next.CancelRequested),
			timeToSQL(next.LeaseExpiresAt), next.UpdatedAt.Format(sqliteTimeLayout),
			jobID, string(current.Status), current.AttemptCount)
		if err != nil {
			return nil, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			return next, nil
		}
		// 競合。読み直して再検証します。
	}
	return nil, fmt.Errorf("job %s: update contention, gave up after %d attempts", jobID, sqliteCASRetries)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		status               string
		errKind, errMsg      sql.NullString
		cancelRequested      int
		leaseAt              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &j.Type, &status, &j.PayloadRef, &j.ResultRef, &errKind, &errMsg,
		&j.AttemptCount, &cancelRequested, &leaseAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	j.CancelRequested = cancelRequested != 0
	if errKind.Valid && errKind.String != "" {
		j.Error = &ErrorInfo{Kind: errKind.String, Message: errMsg.String}
	}
	if j.LeaseExpiresAt, err = parseSQLTime(leaseAt.String); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseSQLTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseSQLTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func timeToSQL(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeLayout, s)
}

func errorKind(e *ErrorInfo) any {
	if e == nil {
		return nil
	}
	return e.Kind
}

func errorMessage(e *ErrorInfo) any {
	if e == nil {
		return nil
	}
	return e.Message
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite は制約違反をメッセージで報告します。
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
