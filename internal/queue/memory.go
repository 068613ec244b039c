package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process. A single mutex makes every method
// atomic, which gives the same CAS guarantees as the Postgres backend.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[string]*Job)}
}

func (m *MemoryBackend) Insert(_ context.Context, job Job) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.DedupKey == job.DedupKey && j.Status.Live() {
			return j.ID, false, nil
		}
	}
	stored := job.clone()
	m.jobs[job.ID] = &stored
	return job.ID, true, nil
}

func (m *MemoryBackend) Claim(_ context.Context, workerID string, now time.Time, lease time.Duration) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := make(map[string]bool)
	var candidates []*Job
	for _, j := range m.jobs {
		switch {
		case j.Status == StatusClaimed && j.LeaseExpiry.After(now):
			busy[j.ContractorID] = true
		case j.Status == StatusClaimed:
			candidates = append(candidates, j)
		case j.Status == StatusPending && !j.ScheduledAt.After(now):
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if !x.ScheduledAt.Equal(y.ScheduledAt) {
			return x.ScheduledAt.Before(y.ScheduledAt)
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
	for _, j := range candidates {
		if busy[j.ContractorID] {
			continue
		}
		reclaimed := j.Status == StatusClaimed
		j.Status = StatusClaimed
		j.LeaseOwner = workerID
		j.LeaseExpiry = now.Add(lease)
		j.UpdatedAt = now
		out := j.clone()
		out.Reclaimed = reclaimed
		return out, true, nil
	}
	return Job{}, false, nil
}

// owned returns the job if it is claimed by workerID with the given attempt.
// A negative attempt skips the attempt comparison.
func (m *MemoryBackend) owned(jobID, workerID string, attempt int) (*Job, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusClaimed || j.LeaseOwner != workerID || (attempt >= 0 && j.Attempt != attempt) {
		return nil, ErrConflict
	}
	return j, nil
}

func (m *MemoryBackend) Complete(_ context.Context, jobID, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(jobID, workerID, -1)
	if err != nil {
		return err
	}
	j.Status = StatusDone
	j.LeaseOwner = ""
	j.LeaseExpiry = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) Retry(_ context.Context, jobID, workerID string, fromAttempt int, runAt time.Time, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(jobID, workerID, fromAttempt)
	if err != nil {
		return err
	}
	j.Status = StatusPending
	j.Attempt = fromAttempt + 1
	j.ScheduledAt = runAt
	j.LastError = lastErr
	j.LeaseOwner = ""
	j.LeaseExpiry = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) Kill(_ context.Context, jobID, workerID string, fromAttempt int, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(jobID, workerID, fromAttempt)
	if err != nil {
		return err
	}
	j.Status = StatusDead
	j.Attempt = fromAttempt + 1
	j.LastError = lastErr
	j.LeaseOwner = ""
	j.LeaseExpiry = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) Cancel(_ context.Context, jobID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusPending {
		return ErrConflict
	}
	j.Status = StatusCancelled
	j.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) Requeue(_ context.Context, jobID string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusDead {
		return ErrConflict
	}
	for _, other := range m.jobs {
		if other.ID != j.ID && other.DedupKey == j.DedupKey && other.Status.Live() {
			return ErrConflict
		}
	}
	j.Status = StatusPending
	j.Attempt = 0
	j.ScheduledAt = runAt
	j.UpdatedAt = runAt
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

func (m *MemoryBackend) ListDead(_ context.Context, limit int) ([]Job, error) {
	return m.filter(func(j *Job) bool { return j.Status == StatusDead }, limit, true), nil
}

func (m *MemoryBackend) ListPending(_ context.Context, contractorID string) ([]Job, error) {
	return m.filter(func(j *Job) bool {
		return j.Status == StatusPending && (contractorID == "" || j.ContractorID == contractorID)
	}, 0, false), nil
}

func (m *MemoryBackend) filter(keep func(*Job) bool, limit int, newestFirst bool) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if newestFirst {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].ScheduledAt.Before(out[b].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryBackend) CountLive(_ context.Context, contractorID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ContractorID == contractorID && j.Status.Live() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Seen(_ context.Context, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.DedupKey == dedupKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, j := range m.jobs {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusClaimed:
			s.Claimed++
		case StatusDead:
			s.Dead++
		case StatusDone:
			s.Done++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
