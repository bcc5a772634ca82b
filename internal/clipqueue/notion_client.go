package clipqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	DefaultNotionBaseURL    = "https://api.notion.com"
	DefaultNotionAPIVersion = "2022-06-28"
	DefaultHTTPTimeout      = 20 * time.Second
	DefaultAcquireTimeout   = 10 * time.Second
)

type NotionClientOptions struct {
	BaseURL    string
	APIVersion string
	UserAgent  string
	HTTPClient *http.Client
	// AcquireTimeout bounds how long a request waits on the credential's
	// token bucket before giving up with a retryable error.
	AcquireTimeout time.Duration

	Limiters *LimiterRegistry
	Metrics  *Metrics
	Signals  SignalSink
	Logger   zerolog.Logger
}

// NotionClient executes single upstream writes. Every call goes through the
// credential's cooldown check, circuit breaker and token bucket, in that
// order; failures come back as *APIError and the caller owns retry policy.
type NotionClient struct {
	baseURL        string
	apiVersion     string
	userAgent      string
	httpClient     *http.Client
	acquireTimeout time.Duration

	limiters *LimiterRegistry
	metrics  *Metrics
	signals  SignalSink
	logger   zerolog.Logger
}

func NewNotionClient(opts NotionClientOptions) *NotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultNotionBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultNotionAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	limiters := opts.Limiters
	if limiters == nil {
		limiters = NewLimiterRegistry(LimiterOptions{Logger: opts.Logger})
	}
	return &NotionClient{
		baseURL:        baseURL,
		apiVersion:     apiVersion,
		userAgent:      strings.TrimSpace(opts.UserAgent),
		httpClient:     httpClient,
		acquireTimeout: acquireTimeout,
		limiters:       limiters,
		metrics:        opts.Metrics,
		signals:        opts.Signals,
		logger:         opts.Logger,
	}
}

func (c *NotionClient) AppendBlockChildren(ctx context.Context, credential, blockID string, payload json.RawMessage) (*WriteResult, error) {
	blockID = strings.TrimSpace(blockID)
	if blockID == "" {
		return nil, ErrInvalidInput
	}
	return c.do(ctx, credential, http.MethodPatch, "/v1/blocks/"+blockID+"/children", "append_block_children", payload)
}

func (c *NotionClient) CreatePage(ctx context.Context, credential string, payload json.RawMessage) (*WriteResult, error) {
	return c.do(ctx, credential, http.MethodPost, "/v1/pages", "create_page", payload)
}

func (c *NotionClient) UpdatePage(ctx context.Context, credential, pageID string, payload json.RawMessage) (*WriteResult, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, ErrInvalidInput
	}
	return c.do(ctx, credential, http.MethodPatch, "/v1/pages/"+pageID, "update_page", payload)
}

func (c *NotionClient) do(ctx context.Context, credential, method, path, endpoint string, payload json.RawMessage) (*WriteResult, error) {
	if c == nil {
		return nil, fmt.Errorf("notion client is nil")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidInput
	}
	credentialHash := CredentialHash(credential)

	// Cooldown is checked before the breaker and the bucket so a credential
	// that Notion told to back off fails fast without consuming either.
	if remaining, cooling := c.limiters.Cooldown(credentialHash); cooling {
		c.metrics.RecordCooldownRejection(endpoint)
		return nil, &APIError{
			StatusCode: http.StatusTooManyRequests,
			Code:       "rate_limited",
			Message:    "credential cooling down",
			Retryable:  true,
			RetryAfter: remaining,
		}
	}

	result, err := c.limiters.Breaker(credentialHash).Execute(func() (*WriteResult, error) {
		return c.send(ctx, credential, credentialHash, method, path, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordCircuitRejection(endpoint)
			return nil, &APIError{
				Code:      "circuit_open",
				Message:   "upstream circuit open for credential",
				Retryable: true,
			}
		}
		return nil, err
	}
	return result, nil
}

func (c *NotionClient) send(ctx context.Context, credential, credentialHash, method, path, endpoint string, payload json.RawMessage) (*WriteResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()
	if err := c.limiters.Limiter(credentialHash).Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, networkError(ctx.Err())
		}
		return nil, &APIError{
			Code:      "throttled",
			Message:   "rate budget not available within acquire timeout",
			Retryable: true,
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, networkError(err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.apiVersion)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(endpoint, method, 0, time.Since(started))
		return nil, networkError(err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.metrics.RecordRequest(endpoint, method, resp.StatusCode, time.Since(started))
	if readErr != nil {
		return nil, networkError(readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return sanitizeResult(respBody), nil
	}

	retryAfter := parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		c.metrics.RecordRetryAfter(retryAfter)
		if c.signals != nil {
			c.signals.Observe(RateLimitSignal{
				CredentialHash: credentialHash,
				StatusCode:     resp.StatusCode,
				RetryAfter:     retryAfter,
			})
		}
		if c.limiters.SetCooldown(credentialHash, retryAfter) {
			c.metrics.RecordCooldownStart()
		}
	}

	code, message := parseErrorBody(respBody)
	apiErr := classifyStatus(resp.StatusCode, code, message, retryAfter)
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("code", apiErr.Code).
		Bool("retryable", apiErr.Retryable).
		Msg("notion write failed")
	return nil, apiErr
}

// sanitizeResult keeps only the object id and type from the upstream
// response. Page bodies can carry user content; none of it is persisted.
func sanitizeResult(body []byte) *WriteResult {
	var parsed struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &WriteResult{}
	}
	return &WriteResult{ID: parsed.ID, Object: parsed.Object}
}

func parseErrorBody(body []byte) (code, message string) {
	message = strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if value, ok := parsed["code"].(string); ok {
			code = value
		}
		if value, ok := parsed["message"].(string); ok && strings.TrimSpace(value) != "" {
			message = value
		}
	}
	return code, message
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
