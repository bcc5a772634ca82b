package clipqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJobTableName         = "cliprelay_jobs"
	postgresIdempotencyTableName = "cliprelay_idempotency"
	postgresOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobStore persists jobs and idempotency records in Postgres. The
// claim step is a conditional queued→running update, so concurrent workers
// (including a second process instance) cannot both execute the same job.
type PostgresJobStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJobStore(dsn string) (*PostgresJobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJobStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresJobStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		jobTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				idempotency_key TEXT NOT NULL,
				operation TEXT NOT NULL,
				target_id TEXT,
				insertion_mode TEXT NOT NULL,
				anchor_id TEXT,
				payload TEXT NOT NULL,
				status TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				retry_at TIMESTAMPTZ,
				error_code TEXT,
				result TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ
			)`, postgresQuoteIdentifier(postgresJobTableName))
		if _, err := db.ExecContext(ctx, jobTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		dueIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (status, retry_at, created_at)",
			postgresQuoteIdentifier(postgresJobTableName+"_due_idx"),
			postgresQuoteIdentifier(postgresJobTableName),
		)
		if _, err := db.ExecContext(ctx, dueIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		idempotencyTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				target_id TEXT,
				insertion_mode TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				job_id TEXT,
				status TEXT NOT NULL,
				result TEXT,
				retry_at TIMESTAMPTZ,
				error_code TEXT,
				created_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(postgresIdempotencyTableName))
		if _, err := db.ExecContext(ctx, idempotencyTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresJobStore) InsertIdempotency(ctx context.Context, record IdempotencyRecord) (bool, error) {
	if record.Key == "" {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, user_id, workspace_id, target_id, insertion_mode, content_hash, job_id, status, result, retry_at, error_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO NOTHING`, postgresQuoteIdentifier(postgresIdempotencyTableName))
	result, err := s.db.ExecContext(ctx, query,
		record.Key,
		record.UserID,
		record.WorkspaceID,
		nullString(record.TargetID),
		record.InsertionMode,
		record.ContentHash,
		nullString(record.JobID),
		string(record.Status),
		nullJSON(record.Result),
		nullTime(record.RetryAt),
		nullString(record.ErrorCode),
		record.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresJobStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT key, user_id, workspace_id, target_id, insertion_mode, content_hash, job_id, status, result, retry_at, error_code, created_at
		FROM %s WHERE key = $1`, postgresQuoteIdentifier(postgresIdempotencyTableName))
	row := s.db.QueryRowContext(ctx, query, key)

	var record IdempotencyRecord
	var targetID, jobID, result, errorCode sql.NullString
	var retryAt sql.NullTime
	var status string
	err := row.Scan(&record.Key, &record.UserID, &record.WorkspaceID, &targetID, &record.InsertionMode,
		&record.ContentHash, &jobID, &status, &result, &retryAt, &errorCode, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record.TargetID = targetID.String
	record.JobID = jobID.String
	record.Status = JobStatus(status)
	record.ErrorCode = errorCode.String
	if retryAt.Valid {
		at := retryAt.Time
		record.RetryAt = &at
	}
	if result.Valid && result.String != "" {
		var parsed WriteResult
		if err := json.Unmarshal([]byte(result.String), &parsed); err == nil {
			record.Result = &parsed
		}
	}
	return &record, nil
}

func (s *PostgresJobStore) LinkIdempotencyJob(ctx context.Context, key, jobID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET job_id = $2 WHERE key = $1", postgresQuoteIdentifier(postgresIdempotencyTableName))
	result, err := s.db.ExecContext(ctx, query, key, jobID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) DeleteIdempotency(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(postgresIdempotencyTableName))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *PostgresJobStore) UpdateIdempotencyFromJob(ctx context.Context, job WriteJob) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, result = $3, retry_at = $4, error_code = $5
		WHERE key = $1`, postgresQuoteIdentifier(postgresIdempotencyTableName))
	result, err := s.db.ExecContext(ctx, query,
		job.IdempotencyKey,
		string(job.Status),
		nullJSON(job.Result),
		nullTime(job.RetryAt),
		nullString(job.ErrorCode),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) InsertJob(ctx context.Context, job WriteJob) error {
	if job.ID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, workspace_id, idempotency_key, operation, target_id, insertion_mode, anchor_id, payload, status, attempt_count, max_attempts, retry_at, error_code, result, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		postgresQuoteIdentifier(postgresJobTableName))
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.WorkspaceID,
		job.IdempotencyKey,
		string(job.Operation),
		nullString(job.TargetID),
		job.InsertionMode,
		nullString(job.AnchorID),
		string(job.Payload),
		string(job.Status),
		job.AttemptCount,
		job.MaxAttempts,
		nullTime(job.RetryAt),
		nullString(job.ErrorCode),
		nullJSON(job.Result),
		job.CreatedAt,
		nullTime(job.CompletedAt),
	)
	return err
}

func (s *PostgresJobStore) GetJob(ctx context.Context, jobID string) (*WriteJob, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("%s WHERE id = $1", postgresSelectJobPrefix())
	row := s.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresJobStore) UpdateJob(ctx context.Context, job WriteJob) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, attempt_count = $3, retry_at = $4, error_code = $5, result = $6, completed_at = $7
		WHERE id = $1`, postgresQuoteIdentifier(postgresJobTableName))
	result, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.AttemptCount,
		nullTime(job.RetryAt),
		nullString(job.ErrorCode),
		nullJSON(job.Result),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET status = $2 WHERE id = $1 AND status = $3",
		postgresQuoteIdentifier(postgresJobTableName))
	result, err := s.db.ExecContext(ctx, query, jobID, string(StatusRunning), string(StatusQueued))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresJobStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]WriteJob, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`%s
		WHERE status = $1 AND (retry_at IS NULL OR retry_at <= $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, postgresSelectJobPrefix())
	rows, err := s.db.QueryContext(ctx, query, string(StatusQueued), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]WriteJob, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresJobStore) CountByStatus(ctx context.Context, status JobStatus) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", postgresQuoteIdentifier(postgresJobTableName))
	var count int
	if err := s.db.QueryRowContext(ctx, query, string(status)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresJobStore) ListJobsByUser(ctx context.Context, userID string, status JobStatus, limit int) ([]WriteJob, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var rows *sql.Rows
	var err error
	if status != "" {
		query := fmt.Sprintf(`%s
			WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, postgresSelectJobPrefix())
		rows, err = s.db.QueryContext(ctx, query, userID, string(status), limit)
	} else {
		query := fmt.Sprintf(`%s
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, postgresSelectJobPrefix())
		rows, err = s.db.QueryContext(ctx, query, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]WriteJob, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresJobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresSelectJobPrefix() string {
	return fmt.Sprintf(`
		SELECT id, user_id, workspace_id, idempotency_key, operation, target_id, insertion_mode, anchor_id, payload, status, attempt_count, max_attempts, retry_at, error_code, result, created_at, completed_at
		FROM %s`, postgresQuoteIdentifier(postgresJobTableName))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*WriteJob, error) {
	var job WriteJob
	var targetID, anchorID, errorCode, result sql.NullString
	var retryAt, completedAt sql.NullTime
	var operation, status, payload string
	err := row.Scan(&job.ID, &job.UserID, &job.WorkspaceID, &job.IdempotencyKey, &operation, &targetID,
		&job.InsertionMode, &anchorID, &payload, &status, &job.AttemptCount, &job.MaxAttempts,
		&retryAt, &errorCode, &result, &job.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Operation = Operation(operation)
	job.Status = JobStatus(status)
	job.TargetID = targetID.String
	job.AnchorID = anchorID.String
	job.ErrorCode = errorCode.String
	job.Payload = json.RawMessage(payload)
	if retryAt.Valid {
		at := retryAt.Time
		job.RetryAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		job.CompletedAt = &at
	}
	if result.Valid && result.String != "" {
		var parsed WriteResult
		if err := json.Unmarshal([]byte(result.String), &parsed); err == nil {
			job.Result = &parsed
		}
	}
	return &job, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nullJSON(result *WriteResult) sql.NullString {
	if result == nil {
		return sql.NullString{}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(encoded), Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
