package clipqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultConcurrency    = 4
	DefaultMaxAttempts    = 5
	DefaultPollInterval   = time.Second
	DefaultBaseRetryDelay = time.Second
	DefaultMaxRetryDelay  = 5 * time.Minute

	minRetryDelay    = 500 * time.Millisecond
	jitterFraction   = 0.3
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

type QueueOptions struct {
	Store       JobStore
	Connections ConnectionStore
	Client      WriteClient
	Metrics     *Metrics
	Logger      zerolog.Logger

	// Concurrency bounds in-flight job executions; MaxAttempts bounds
	// attempts per job before it fails terminally.
	Concurrency int
	MaxAttempts int
	// PollInterval is how often the worker scans for due jobs.
	PollInterval time.Duration
	// BaseRetryDelay and MaxRetryDelay bound the exponential backoff used
	// when the upstream does not dictate a Retry-After.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// DisableWorker skips the background loop; tests drive the queue with
	// ProcessOnce.
	DisableWorker bool

	// Now and Jitter are injectable for tests.
	Now    func() time.Time
	Jitter func() float64
}

// Queue accepts clip writes, deduplicates them through the idempotency
// ledger, and drains them to the upstream in the background with bounded
// concurrency and retries. State lives in the JobStore, so a restart resumes
// where the previous process stopped.
type Queue struct {
	store       JobStore
	connections ConnectionStore
	client      WriteClient
	metrics     *Metrics
	logger      zerolog.Logger

	concurrency    int
	maxAttempts    int
	pollInterval   time.Duration
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
	now            func() time.Time
	jitter         func() float64

	slots     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Store == nil || opts.Connections == nil || opts.Client == nil {
		return nil, ErrInvalidInput
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	q := &Queue{
		store:          opts.Store,
		connections:    opts.Connections,
		client:         opts.Client,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		concurrency:    opts.Concurrency,
		maxAttempts:    opts.MaxAttempts,
		pollInterval:   opts.PollInterval,
		baseRetryDelay: opts.BaseRetryDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		now:            opts.Now,
		jitter:         opts.Jitter,
		slots:          make(chan struct{}, opts.Concurrency),
		closed:         make(chan struct{}),
	}
	if !opts.DisableWorker {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run()
		}()
	}
	return q, nil
}

// Enqueue registers one clip write. Duplicate submissions of the same logical
// write collapse onto the existing job via the idempotency ledger, whichever
// call reaches the store first.
func (q *Queue) Enqueue(ctx context.Context, userID string, req EnqueueRequest) (*EnqueueResponse, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	default:
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if !req.Operation.Valid() {
		return nil, ErrUnsupportedOperation
	}
	if len(req.Payload) == 0 {
		return nil, ErrInvalidInput
	}
	targetID := strings.TrimSpace(req.TargetID)
	if targetID == "" && req.Operation != OpCreatePage {
		return nil, ErrInvalidInput
	}

	connection, err := q.connections.ActiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if connection == nil {
		return nil, ErrNoConnection
	}

	contentHash, err := HashContent(req.Payload)
	if err != nil {
		return nil, ErrInvalidInput
	}
	insertionMode := strings.TrimSpace(req.InsertionMode)
	if insertionMode == "" {
		insertionMode = DefaultInsertionMode
	}
	key := BuildKey(KeyParts{
		UserID:        userID,
		WorkspaceID:   connection.WorkspaceID,
		TargetID:      targetID,
		Operation:     req.Operation,
		InsertionMode: insertionMode,
		AnchorID:      req.AnchorID,
		ContentHash:   contentHash,
	})

	now := q.now().UTC()
	won, err := q.store.InsertIdempotency(ctx, IdempotencyRecord{
		Key:           key,
		UserID:        userID,
		WorkspaceID:   connection.WorkspaceID,
		TargetID:      targetID,
		InsertionMode: insertionMode,
		ContentHash:   contentHash,
		Status:        StatusQueued,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		existing, err := q.store.GetIdempotency(ctx, key)
		if err != nil {
			return nil, err
		}
		return &EnqueueResponse{
			JobID:   existing.JobID,
			Status:  existing.Status,
			RetryAt: existing.RetryAt,
			Result:  existing.Result,
		}, nil
	}

	job := WriteJob{
		ID:             uuid.NewString(),
		UserID:         userID,
		WorkspaceID:    connection.WorkspaceID,
		IdempotencyKey: key,
		Operation:      req.Operation,
		TargetID:       targetID,
		InsertionMode:  insertionMode,
		AnchorID:       req.AnchorID,
		Payload:        append(json.RawMessage(nil), req.Payload...),
		Status:         StatusQueued,
		MaxAttempts:    q.maxAttempts,
		CreatedAt:      now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		q.releaseIdempotency(ctx, key, job.ID)
		return nil, err
	}
	if err := q.store.LinkIdempotencyJob(ctx, key, job.ID); err != nil {
		// The job row already exists; park it terminally so the worker never
		// runs a write the caller was told failed to enqueue.
		completed := q.now().UTC()
		job.Status = StatusFailed
		job.ErrorCode = CodeInternalError
		job.CompletedAt = &completed
		if updateErr := q.store.UpdateJob(ctx, job); updateErr != nil {
			q.logger.Error().Err(updateErr).Str("job_id", job.ID).Msg("orphaned job teardown failed")
		}
		q.releaseIdempotency(ctx, key, job.ID)
		return nil, err
	}
	q.publishQueueDepth(ctx)
	q.logger.Info().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Msg("clip write queued")
	return &EnqueueResponse{JobID: job.ID, Status: StatusQueued}, nil
}

// releaseIdempotency gives the key back after a failed job creation. Without
// this a record with no linked job would shadow the key and every later
// enqueue of the same write would observe a job that never exists.
func (q *Queue) releaseIdempotency(ctx context.Context, key, jobID string) {
	if err := q.store.DeleteIdempotency(ctx, key); err != nil {
		q.logger.Error().Err(err).Str("job_id", jobID).Msg("idempotency release failed")
	}
}

// GetStatus returns the job's current state. A job that does not exist and a
// job owned by another user are indistinguishable to the caller.
func (q *Queue) GetStatus(ctx context.Context, userID, jobID string) (*JobStatusResponse, error) {
	job, err := q.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatusResponse{
		Status:    job.Status,
		RetryAt:   job.RetryAt,
		ErrorCode: job.ErrorCode,
		Result:    job.Result,
	}, nil
}

// GetResult returns the sanitized upstream result for a succeeded job.
func (q *Queue) GetResult(ctx context.Context, userID, jobID string) (*WriteResult, error) {
	job, err := q.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusSucceeded {
		return nil, ErrJobNotFinished
	}
	if job.Result == nil {
		return &WriteResult{}, nil
	}
	copied := *job.Result
	return &copied, nil
}

// ListJobs returns the user's recent jobs, newest first.
func (q *Queue) ListJobs(ctx context.Context, userID string, status JobStatus, limit int) ([]WriteJob, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	return q.store.ListJobsByUser(ctx, userID, status, limit)
}

func (q *Queue) ownedJob(ctx context.Context, userID, jobID string) (*WriteJob, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(jobID) == "" {
		return nil, ErrNotFound
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (q *Queue) run() {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.closed:
			return
		case <-ticker.C:
			// Each poll cycle settles its whole batch before the next sleep;
			// jobs within a batch run concurrently but cycles never overlap.
			if err := q.dispatchDue(context.Background()); err != nil {
				q.logger.Error().Err(err).Msg("worker poll failed")
			}
		}
	}
}

// ProcessOnce claims and executes every currently due job, waiting for the
// batch to finish. It is the drive mechanism when the background worker is
// disabled.
func (q *Queue) ProcessOnce(ctx context.Context) error {
	return q.dispatchDue(ctx)
}

func (q *Queue) dispatchDue(ctx context.Context) error {
	due, err := q.store.ListDueJobs(ctx, q.now().UTC(), q.concurrency)
	if err != nil {
		return err
	}
	var batch sync.WaitGroup
	for _, job := range due {
		select {
		case q.slots <- struct{}{}:
		default:
			// All execution slots busy; the next poll picks the rest up.
			batch.Wait()
			return nil
		}
		claimed, err := q.store.ClaimJob(ctx, job.ID)
		if err != nil || !claimed {
			<-q.slots
			if err != nil && !errors.Is(err, ErrNotFound) {
				q.logger.Error().Err(err).Str("job_id", job.ID).Msg("claim failed")
			}
			continue
		}
		job := job
		job.Status = StatusRunning
		batch.Add(1)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer batch.Done()
			defer func() { <-q.slots }()
			defer func() {
				if recovered := recover(); recovered != nil {
					q.logger.Error().Interface("panic", recovered).Str("job_id", job.ID).Msg("job execution panicked")
					q.settlePanickedJob(job.ID, recovered)
				}
			}()
			q.executeJob(context.Background(), job)
		}()
	}
	batch.Wait()
	return nil
}

// settlePanickedJob moves a job whose execution panicked out of the running
// state. Claimed jobs are invisible to the due scan, so a job left running
// would never be picked up again; instead it goes back through the normal
// retry policy and fails terminally once its attempts are spent.
func (q *Queue) settlePanickedJob(jobID string, recovered any) {
	ctx := context.Background()
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", jobID).Msg("panicked job lookup failed")
		return
	}
	q.requeueOrFail(ctx, *job, &APIError{
		Code:      CodeInternalError,
		Message:   fmt.Sprintf("job execution panicked: %v", recovered),
		Retryable: true,
	})
}

func (q *Queue) executeJob(ctx context.Context, job WriteJob) {
	job.AttemptCount++
	job.RetryAt = nil
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("attempt bookkeeping failed")
	}
	_ = q.store.UpdateIdempotencyFromJob(ctx, job)

	connection, err := q.connections.ActiveConnection(ctx, job.UserID)
	if err == nil && connection == nil {
		err = ErrNoConnection
	}
	if errors.Is(err, ErrNoConnection) {
		q.finishJob(ctx, job, nil, CodeNoConnection)
		return
	}
	if err != nil {
		q.requeueOrFail(ctx, job, &APIError{Code: "connection_lookup", Message: err.Error(), Retryable: true})
		return
	}

	result, writeErr := q.dispatchWrite(ctx, connection.Credential, job)
	if writeErr == nil {
		q.finishJob(ctx, job, result, "")
		return
	}

	var apiErr *APIError
	if !errors.As(writeErr, &apiErr) {
		switch {
		case errors.Is(writeErr, ErrUnsupportedOperation):
			q.finishJob(ctx, job, nil, CodeUnsupportedOperation)
			return
		case errors.Is(writeErr, ErrInvalidInput):
			q.finishJob(ctx, job, nil, CodeInvalidRequest)
			return
		default:
			apiErr = networkError(writeErr)
		}
	}
	q.requeueOrFail(ctx, job, apiErr)
}

func (q *Queue) dispatchWrite(ctx context.Context, credential string, job WriteJob) (*WriteResult, error) {
	switch job.Operation {
	case OpAppendBlockChildren:
		return q.client.AppendBlockChildren(ctx, credential, job.TargetID, job.Payload)
	case OpCreatePage:
		return q.client.CreatePage(ctx, credential, job.Payload)
	case OpUpdatePage:
		return q.client.UpdatePage(ctx, credential, job.TargetID, job.Payload)
	default:
		return nil, ErrUnsupportedOperation
	}
}

// finishJob records a terminal outcome: success when errorCode is empty,
// failure otherwise.
func (q *Queue) finishJob(ctx context.Context, job WriteJob, result *WriteResult, errorCode string) {
	now := q.now().UTC()
	job.RetryAt = nil
	job.CompletedAt = &now
	job.ErrorCode = errorCode
	if errorCode == "" {
		job.Status = StatusSucceeded
		job.Result = result
		q.metrics.RecordJobOutcome(outcomeSucceeded, now.Sub(job.CreatedAt))
		q.logger.Info().
			Str("job_id", job.ID).
			Int("attempts", job.AttemptCount).
			Msg("clip write succeeded")
	} else {
		job.Status = StatusFailed
		q.metrics.RecordJobOutcome(outcomeFailed, 0)
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("error_code", errorCode).
			Int("attempts", job.AttemptCount).
			Msg("clip write failed")
	}
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("job completion update failed")
	}
	if err := q.store.UpdateIdempotencyFromJob(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("idempotency mirror failed")
	}
	q.publishQueueDepth(ctx)
}

// requeueOrFail applies the retry policy to a failed attempt. Upstream error
// codes (object_not_found, validation_error, ...) ride along on the job so
// the caller sees why, not just that, the write failed.
func (q *Queue) requeueOrFail(ctx context.Context, job WriteJob, apiErr *APIError) {
	if apiErr.Code == CodeAuthRevoked {
		q.finishJob(ctx, job, nil, CodeAuthRevoked)
		return
	}
	if !apiErr.Retryable {
		q.finishJob(ctx, job, nil, errorCodeOrDefault(apiErr, CodeInvalidRequest))
		return
	}
	if job.AttemptCount >= job.MaxAttempts {
		q.finishJob(ctx, job, nil, CodeMaxAttempts)
		return
	}
	delay := q.retryDelay(job.AttemptCount, apiErr.RetryAfter)
	retryAt := q.now().UTC().Add(delay)
	job.Status = StatusQueued
	job.RetryAt = &retryAt
	job.ErrorCode = errorCodeOrDefault(apiErr, CodeRetryLater)
	q.metrics.RecordRetryScheduled()
	q.logger.Info().
		Str("job_id", job.ID).
		Str("upstream_code", apiErr.Code).
		Dur("delay", delay).
		Int("attempt", job.AttemptCount).
		Msg("clip write retry scheduled")
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("retry update failed")
	}
	if err := q.store.UpdateIdempotencyFromJob(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("idempotency mirror failed")
	}
}

func errorCodeOrDefault(apiErr *APIError, fallback string) string {
	if apiErr.Code != "" {
		return apiErr.Code
	}
	return fallback
}

// retryDelay picks the next attempt's delay. An upstream Retry-After is
// authoritative; otherwise exponential backoff from the base delay with ±30%
// jitter, clamped between the floor and the configured cap.
func (q *Queue) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := q.baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			delay = q.maxRetryDelay
			break
		}
	}
	factor := 1 - jitterFraction + 2*jitterFraction*q.jitter()
	delay = time.Duration(float64(delay) * factor)
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	if delay > q.maxRetryDelay {
		delay = q.maxRetryDelay
	}
	return delay
}

func (q *Queue) publishQueueDepth(ctx context.Context) {
	depth, err := q.store.CountByStatus(ctx, StatusQueued)
	if err != nil {
		return
	}
	q.metrics.RecordQueueDepth(depth)
}

// QueueDepth reports the number of queued jobs.
func (q *Queue) QueueDepth(ctx context.Context) (int, error) {
	return q.store.CountByStatus(ctx, StatusQueued)
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.wg.Wait()
		_ = q.store.Close()
	})
}
