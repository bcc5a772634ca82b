package clipqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSink struct {
	signals []RateLimitSignal
}

func (s *recordingSink) Observe(signal RateLimitSignal) {
	s.signals = append(s.signals, signal)
}

func newTestClient(server *httptest.Server, sink SignalSink) *NotionClient {
	return NewNotionClient(NotionClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Limiters:   NewLimiterRegistry(LimiterOptions{}),
		Metrics:    NewMetrics(),
		Signals:    sink,
	})
}

func TestNotionClientAppendSendsExpectedRequest(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath, capturedMethod string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedPath = r.URL.Path
		capturedMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"list","id":"result_1","results":[{"secret":"never"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	result, err := client.AppendBlockChildren(context.Background(), "token_123", "block_1", json.RawMessage(`{"children":[]}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if capturedMethod != http.MethodPatch || capturedPath != "/v1/blocks/block_1/children" {
		t.Fatalf("expected PATCH /v1/blocks/block_1/children, got %s %s", capturedMethod, capturedPath)
	}
	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedVersion != DefaultNotionAPIVersion {
		t.Fatalf("expected Notion-Version header, got %q", capturedVersion)
	}
	if _, ok := capturedBody["children"]; !ok {
		t.Fatalf("expected payload forwarded as-is, got %+v", capturedBody)
	}
	if result.ID != "result_1" || result.Object != "list" {
		t.Fatalf("expected sanitized result, got %+v", result)
	}
}

func TestNotionClientCreatePagePath(t *testing.T) {
	var capturedMethod, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"page","id":"page_1"}`))
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	result, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{"parent":{}}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if capturedMethod != http.MethodPost || capturedPath != "/v1/pages" {
		t.Fatalf("expected POST /v1/pages, got %s %s", capturedMethod, capturedPath)
	}
	if result.ID != "page_1" {
		t.Fatalf("expected page id in result, got %+v", result)
	}
}

func TestNotionClientUpdatePagePath(t *testing.T) {
	var capturedMethod, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"page","id":"page_1"}`))
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	if _, err := client.UpdatePage(context.Background(), "token_123", "page_1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if capturedMethod != http.MethodPatch || capturedPath != "/v1/pages/page_1" {
		t.Fatalf("expected PATCH /v1/pages/page_1, got %s %s", capturedMethod, capturedPath)
	}
}

func TestNotionClientClassifiesRateLimit(t *testing.T) {
	sink := &recordingSink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := newTestClient(server, sink)
	_, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Retryable || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected retryable 429, got %+v", apiErr)
	}
	if apiErr.RetryAfter != 3*time.Second {
		t.Fatalf("expected Retry-After 3s, got %v", apiErr.RetryAfter)
	}
	if len(sink.signals) != 1 || sink.signals[0].RetryAfter != 3*time.Second {
		t.Fatalf("expected one throttle signal, got %+v", sink.signals)
	}
	if sink.signals[0].CredentialHash == "token_123" {
		t.Fatalf("signal must carry the credential hash, not the raw credential")
	}
}

func TestNotionClientCooldownFailsFastWithoutNetwork(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	if _, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected rate limit error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}

	_, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		t.Fatalf("expected retryable cooldown error, got %v", err)
	}
	if apiErr.RetryAfter <= 0 {
		t.Fatalf("cooldown error must carry remaining wait, got %v", apiErr.RetryAfter)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("cooldown must fail fast without a network call, got %d calls", got)
	}
}

func TestNotionClientRecordsAttemptLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"page","id":"page_1"}`))
	}))
	defer server.Close()

	metrics := NewMetrics()
	client := NewNotionClient(NotionClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Limiters:   NewLimiterRegistry(LimiterOptions{}),
		Metrics:    metrics,
	})
	if _, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snapshot := metrics.Snapshot()
	if snapshot.RequestsByEndpoint["create_page"] != 1 {
		t.Fatalf("expected one recorded attempt, got %+v", snapshot.RequestsByEndpoint)
	}
	if snapshot.RequestLatencySamples != 1 || snapshot.MeanRequestLatency <= 0 {
		t.Fatalf("expected the attempt's latency recorded, got %v over %d samples",
			snapshot.MeanRequestLatency, snapshot.RequestLatencySamples)
	}
}

func TestNotionClientAuthRevokedIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"token revoked"}`))
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	_, err := client.CreatePage(context.Background(), "token_123", json.RawMessage(`{}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Retryable || apiErr.Code != CodeAuthRevoked {
		t.Fatalf("expected fatal auth error, got %+v", apiErr)
	}
}

func TestNotionClientRejectsBlankTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("request must not reach the network")
	}))
	defer server.Close()

	client := newTestClient(server, nil)
	if _, err := client.AppendBlockChildren(context.Background(), "token_123", "  ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := client.UpdatePage(context.Background(), "token_123", "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
