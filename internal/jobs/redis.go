package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// 楽観ロックの再試行上限。WATCH 競合時のみ消費されます。
	redisCASRetries = 5
)

var _ Store = (*RedisStore)(nil)

// RedisStore はジョブ状態を Redis に保存する Store 実装です。
// 遷移検証を伴う書き込みは WATCH による楽観ロックで原子性を担保します。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Create は新規ジョブを保存します。既存IDへの上書きは行いません。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return validationError("ジョブIDを指定してください。")
	}
	c := job.Clone()
	normalizeNew(c, time.Now().UTC())
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	// レコードは自動削除しないため TTL は設定しません。
	ok, err := s.rdb.SetNX(ctx, jobKey(c.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return duplicateJobError(c.ID)
	}
	*job = *c
	return nil
}

// Get はジョブを取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, validationError("ジョブIDを指定してください。")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFoundError(jobID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus は遷移検証付きで状態を更新します。
func (s *RedisStore) UpdateStatus(ctx context.Context, jobID string, to Status, upd Update) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyTransition(j, to, upd, time.Now().UTC())
	})
}

// Claim は pending → running を原子的に行います。
func (s *RedisStore) Claim(ctx context.Context, jobID string, lease time.Duration) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyClaim(j, lease, time.Now().UTC())
	})
}

// RequestCancel はキャンセル要求フラグを立てます。
func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	return s.mutate(ctx, jobID, func(j *Job) error {
		return applyCancelRequest(j, time.Now().UTC())
	})
}

// List は作成日時の新しい順にジョブを返します。
func (s *RedisStore) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	out := make([]*Job, 0, 32)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if status != "" && job.Status != status {
				continue
			}
			out = append(out, &job)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpired はリース切れの running ジョブを返します。
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	running, err := s.List(ctx, StatusRunning, 0)
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range running {
		if j.LeaseExpiresAt.IsZero() || j.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close は内部の Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// mutate は WATCH で読み取りから書き込みまでを保護し、競合時は再試行します。
func (s *RedisStore) mutate(ctx context.Context, jobID string, apply func(*Job) error) (*Job, error) {
	if jobID == "" {
		return nil, validationError("ジョブIDを指定してください。")
	}
	key := jobKey(jobID)
	var updated *Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFoundError(jobID)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := apply(&job); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < redisCASRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: update contention, gave up after %d attempts", jobID, redisCASRetries)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
