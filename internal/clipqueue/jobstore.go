package clipqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobStore is the durable state behind the queue: the job table and the
// idempotency ledger. Mutations are narrow and keyed; nothing scans for
// update.
type JobStore interface {
	// InsertIdempotency inserts the record if no record exists for its key.
	// It reports whether this caller won the insert; on a lost race the
	// existing record is left untouched.
	InsertIdempotency(ctx context.Context, record IdempotencyRecord) (bool, error)
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	LinkIdempotencyJob(ctx context.Context, key, jobID string) error
	// DeleteIdempotency removes the record for key so a later enqueue can
	// claim it again. Deleting a missing key is not an error.
	DeleteIdempotency(ctx context.Context, key string) error
	// UpdateIdempotencyFromJob mirrors the job's current status, result and
	// retry state onto its idempotency record.
	UpdateIdempotencyFromJob(ctx context.Context, job WriteJob) error

	InsertJob(ctx context.Context, job WriteJob) error
	GetJob(ctx context.Context, jobID string) (*WriteJob, error)
	UpdateJob(ctx context.Context, job WriteJob) error
	// ClaimJob atomically transitions queued→running and reports whether
	// this caller won the claim. A false return means another worker (or
	// another instance) already owns the job.
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	// ListDueJobs returns up to limit queued jobs whose retryAt is unset or
	// in the past, oldest created first.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]WriteJob, error)
	CountByStatus(ctx context.Context, status JobStatus) (int, error)
	// ListJobsByUser returns the user's most recent jobs, newest first,
	// optionally filtered by status.
	ListJobsByUser(ctx context.Context, userID string, status JobStatus, limit int) ([]WriteJob, error)

	Close() error
}

type memoryJobStore struct {
	mu      sync.Mutex
	jobs    map[string]WriteJob
	records map[string]IdempotencyRecord
}

// NewMemoryJobStore returns an in-process JobStore. It backs tests and the
// memory storage profile; production deployments use the Postgres store.
func NewMemoryJobStore() JobStore {
	return &memoryJobStore{
		jobs:    map[string]WriteJob{},
		records: map[string]IdempotencyRecord{},
	}
}

func (s *memoryJobStore) InsertIdempotency(ctx context.Context, record IdempotencyRecord) (bool, error) {
	if record.Key == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.Key]; exists {
		return false, nil
	}
	s.records[record.Key] = record
	return true, nil
}

func (s *memoryJobStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := record
	return &copied, nil
}

func (s *memoryJobStore) LinkIdempotencyJob(ctx context.Context, key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	record.JobID = jobID
	s.records[key] = record
	return nil
}

func (s *memoryJobStore) DeleteIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryJobStore) UpdateIdempotencyFromJob(ctx context.Context, job WriteJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[job.IdempotencyKey]
	if !ok {
		return ErrNotFound
	}
	record.Status = job.Status
	record.Result = job.Result
	record.RetryAt = job.RetryAt
	record.ErrorCode = job.ErrorCode
	s.records[job.IdempotencyKey] = record
	return nil
}

func (s *memoryJobStore) InsertJob(ctx context.Context, job WriteJob) error {
	if job.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryJobStore) GetJob(ctx context.Context, jobID string) (*WriteJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := job
	return &copied, nil
}

func (s *memoryJobStore) UpdateJob(ctx context.Context, job WriteJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryJobStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != StatusQueued {
		return false, nil
	}
	job.Status = StatusRunning
	s.jobs[jobID] = job
	return true, nil
}

func (s *memoryJobStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]WriteJob, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]WriteJob, 0, limit)
	for _, job := range s.jobs {
		if job.Status != StatusQueued {
			continue
		}
		if job.RetryAt != nil && job.RetryAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryJobStore) CountByStatus(ctx context.Context, status JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memoryJobStore) ListJobsByUser(ctx context.Context, userID string, status JobStatus, limit int) ([]WriteJob, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]WriteJob, 0, limit)
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *memoryJobStore) Close() error {
	return nil
}
