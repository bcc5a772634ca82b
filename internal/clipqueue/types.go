package clipqueue

import (
	"context"
	"encoding/json"
	"time"
)

type Operation string

const (
	OpAppendBlockChildren Operation = "append_block_children"
	OpCreatePage          Operation = "create_page"
	OpUpdatePage          Operation = "update_page"
)

func (op Operation) Valid() bool {
	switch op {
	case OpAppendBlockChildren, OpCreatePage, OpUpdatePage:
		return true
	}
	return false
}

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// WriteResult is the sanitized upstream result: only the echoed object id and
// object type ever leave this subsystem.
type WriteResult struct {
	ID     string `json:"id,omitempty"`
	Object string `json:"object,omitempty"`
}

// WriteJob is one attempted-or-completed upstream write.
type WriteJob struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	WorkspaceID    string          `json:"workspaceId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Operation      Operation       `json:"operation"`
	TargetID       string          `json:"targetId,omitempty"`
	InsertionMode  string          `json:"insertionMode"`
	AnchorID       string          `json:"anchorId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	RetryAt        *time.Time      `json:"retryAt,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	Result         *WriteResult    `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// IdempotencyRecord is the dedup ledger row for one logical write. It is
// created before its job so concurrent duplicate submissions race on the key
// insert, and mirrors the job's status until terminal.
type IdempotencyRecord struct {
	Key           string       `json:"key"`
	UserID        string       `json:"userId"`
	WorkspaceID   string       `json:"workspaceId"`
	TargetID      string       `json:"targetId,omitempty"`
	InsertionMode string       `json:"insertionMode"`
	ContentHash   string       `json:"contentHash"`
	JobID         string       `json:"jobId,omitempty"`
	Status        JobStatus    `json:"status"`
	Result        *WriteResult `json:"result,omitempty"`
	RetryAt       *time.Time   `json:"retryAt,omitempty"`
	ErrorCode     string       `json:"errorCode,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

type EnqueueRequest struct {
	Operation     Operation       `json:"operation"`
	TargetID      string          `json:"targetId,omitempty"`
	InsertionMode string          `json:"insertionMode,omitempty"`
	AnchorID      string          `json:"anchorId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type EnqueueResponse struct {
	JobID   string       `json:"jobId"`
	Status  JobStatus    `json:"status"`
	RetryAt *time.Time   `json:"retryAt,omitempty"`
	Result  *WriteResult `json:"result,omitempty"`
}

type JobStatusResponse struct {
	Status    JobStatus    `json:"status"`
	RetryAt   *time.Time   `json:"retryAt,omitempty"`
	ErrorCode string       `json:"errorCode,omitempty"`
	Result    *WriteResult `json:"result,omitempty"`
}

// Connection is the resolved upstream credential for a user. Token
// acquisition and decryption are external concerns; by the time a Connection
// reaches this subsystem the credential is usable as-is.
type Connection struct {
	Credential  string
	WorkspaceID string
}

type ConnectionStore interface {
	// ActiveConnection returns the user's upstream connection, or nil when
	// the user has none.
	ActiveConnection(ctx context.Context, userID string) (*Connection, error)
}

// WriteClient executes a single upstream write. It classifies failures into
// *APIError and never retries internally; retry policy belongs to the queue.
type WriteClient interface {
	AppendBlockChildren(ctx context.Context, credential, blockID string, payload json.RawMessage) (*WriteResult, error)
	CreatePage(ctx context.Context, credential string, payload json.RawMessage) (*WriteResult, error)
	UpdatePage(ctx context.Context, credential, pageID string, payload json.RawMessage) (*WriteResult, error)
}
