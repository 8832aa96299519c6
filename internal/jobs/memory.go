package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore は Store のインメモリ実装です。
// 開発・テスト・単一プロセス構成の既定ドライバーです。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Create は新規ジョブを保存します。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return validationError("ジョブIDを指定してください。")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return duplicateJobError(job.ID)
	}
	c := job.Clone()
	normalizeNew(c, time.Now().UTC())
	s.jobs[c.ID] = c
	*job = *c.Clone()
	return nil
}

// Get はジョブを取得します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, notFoundError(jobID)
	}
	return j.Clone(), nil
}

// UpdateStatus は遷移検証付きで状態を更新します。
func (s *MemoryStore) UpdateStatus(ctx context.Context, jobID string, to Status, upd Update) (*Job, error) {
	return s.mutate(jobID, func(j *Job) error {
		return applyTransition(j, to, upd, time.Now().UTC())
	})
}

// Claim は pending → running を原子的に行います。
func (s *MemoryStore) Claim(ctx context.Context, jobID string, lease time.Duration) (*Job, error) {
	return s.mutate(jobID, func(j *Job) error {
		return applyClaim(j, lease, time.Now().UTC())
	})
}

// RequestCancel はキャンセル要求フラグを立てます。
func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	return s.mutate(jobID, func(j *Job) error {
		return applyCancelRequest(j, time.Now().UTC())
	})
}

// List は作成日時の新しい順にジョブを返します。
func (s *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Clone())
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
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Status != StatusRunning {
			continue
		}
		if j.LeaseExpiresAt.IsZero() || j.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, j.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close は何もしません。
func (s *MemoryStore) Close() error {
	return nil
}

// mutate は検証付き更新を行い、失敗時は保存状態を変更しません。
func (s *MemoryStore) mutate(jobID string, apply func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, notFoundError(jobID)
	}
	c := j.Clone()
	if err := apply(c); err != nil {
		return nil, err
	}
	s.jobs[jobID] = c
	return c.Clone(), nil
}
