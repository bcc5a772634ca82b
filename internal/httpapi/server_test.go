package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/cliprelay/internal/clipqueue"
)

type stubWriteClient struct {
	result *clipqueue.WriteResult
	err    error
}

func (c *stubWriteClient) respond() (*clipqueue.WriteResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		copied := *c.result
		return &copied, nil
	}
	return &clipqueue.WriteResult{ID: "obj_1", Object: "page"}, nil
}

func (c *stubWriteClient) AppendBlockChildren(ctx context.Context, credential, blockID string, payload json.RawMessage) (*clipqueue.WriteResult, error) {
	return c.respond()
}

func (c *stubWriteClient) CreatePage(ctx context.Context, credential string, payload json.RawMessage) (*clipqueue.WriteResult, error) {
	return c.respond()
}

func (c *stubWriteClient) UpdatePage(ctx context.Context, credential, pageID string, payload json.RawMessage) (*clipqueue.WriteResult, error) {
	return c.respond()
}

type apiHarness struct {
	server  *Server
	queue   *clipqueue.Queue
	handler http.Handler
}

func newAPIHarness(t *testing.T, cfg ServerConfig) *apiHarness {
	t.Helper()
	connections := clipqueue.NewMemoryConnectionStore()
	connections.Put("user_1", clipqueue.Connection{Credential: "token_1", WorkspaceID: "ws_1"})
	metrics := clipqueue.NewMetrics()
	queue, err := clipqueue.NewQueue(clipqueue.QueueOptions{
		Store:         clipqueue.NewMemoryJobStore(),
		Connections:   connections,
		Client:        &stubWriteClient{},
		Metrics:       metrics,
		DisableWorker: true,
	})
	if err != nil {
		t.Fatalf("queue init failed: %v", err)
	}
	t.Cleanup(queue.Close)
	sentinel := clipqueue.NewSentinel(clipqueue.SentinelOptions{})
	server := NewServer(queue, metrics, sentinel, cfg)
	return &apiHarness{server: server, queue: queue, handler: server.Router()}
}

func (h *apiHarness) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, req)
	return recorder
}

func TestEnqueueEndpointAcceptsClip(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	resp := h.do(t, http.MethodPost, "/v1/clips", "user_1",
		`{"operation":"append_block_children","targetId":"block_1","payload":{"children":[]}}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", resp.Code, resp.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["jobId"] == "" || body["status"] != "queued" {
		t.Fatalf("expected queued job response, got %+v", body)
	}
}

func TestEnqueueEndpointRequiresIdentity(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	resp := h.do(t, http.MethodPost, "/v1/clips", "",
		`{"operation":"create_page","payload":{}}`)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity header, got %d", resp.Code)
	}
}

func TestEnqueueEndpointValidatesSchema(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	cases := []struct {
		name string
		body string
	}{
		{"missing operation", `{"payload":{}}`},
		{"unknown operation", `{"operation":"delete_page","payload":{}}`},
		{"payload not object", `{"operation":"create_page","payload":"text"}`},
		{"unknown field", `{"operation":"create_page","payload":{},"extra":true}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		resp := h.do(t, http.MethodPost, "/v1/clips", "user_1", tc.body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.name, resp.Code, resp.Body.String())
		}
	}
}

func TestEnqueueEndpointNoConnection(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	resp := h.do(t, http.MethodPost, "/v1/clips", "user_without_connection",
		`{"operation":"create_page","payload":{}}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 without connection, got %d", resp.Code)
	}
}

func TestJobStatusEndpointOwnership(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	enqueue := h.do(t, http.MethodPost, "/v1/clips", "user_1",
		`{"operation":"create_page","payload":{"title":"x"}}`)
	var created struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(enqueue.Body.Bytes(), &created); err != nil || created.JobID == "" {
		t.Fatalf("enqueue did not return a job id: %s", enqueue.Body.String())
	}

	owner := h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, "user_1", "")
	if owner.Code != http.StatusOK {
		t.Fatalf("owner status lookup failed: %d", owner.Code)
	}
	stranger := h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, "user_2", "")
	if stranger.Code != http.StatusNotFound {
		t.Fatalf("foreign job must 404, got %d", stranger.Code)
	}
	missing := h.do(t, http.MethodGet, "/v1/jobs/does_not_exist", "user_1", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing job must 404, got %d", missing.Code)
	}
}

func TestJobResultEndpoint(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	enqueue := h.do(t, http.MethodPost, "/v1/clips", "user_1",
		`{"operation":"create_page","payload":{"title":"x"}}`)
	var created struct {
		JobID string `json:"jobId"`
	}
	_ = json.Unmarshal(enqueue.Body.Bytes(), &created)

	pending := h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID+"/result", "user_1", "")
	if pending.Code != http.StatusConflict {
		t.Fatalf("result before completion must 409, got %d", pending.Code)
	}

	if err := h.queue.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	done := h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID+"/result", "user_1", "")
	if done.Code != http.StatusOK {
		t.Fatalf("expected 200 after completion, got %d", done.Code)
	}
	var result clipqueue.WriteResult
	if err := json.Unmarshal(done.Body.Bytes(), &result); err != nil || result.ID != "obj_1" {
		t.Fatalf("expected sanitized result, got %s", done.Body.String())
	}
}

func TestListJobsEndpoint(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	h.do(t, http.MethodPost, "/v1/clips", "user_1", `{"operation":"create_page","payload":{"title":"a"}}`)
	h.do(t, http.MethodPost, "/v1/clips", "user_1", `{"operation":"create_page","payload":{"title":"b"}}`)

	resp := h.do(t, http.MethodGet, "/v1/jobs", "user_1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("list failed: %d", resp.Code)
	}
	var body struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("list response is not JSON: %v", err)
	}
	if len(body.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(body.Jobs))
	}
	for _, job := range body.Jobs {
		if _, ok := job["payload"]; ok {
			t.Fatalf("listing must not echo the clip payload: %+v", job)
		}
	}

	bad := h.do(t, http.MethodGet, "/v1/jobs?limit=zero", "user_1", "")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.Code)
	}
}

func TestObservabilityEndpointAuth(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{ObservabilityToken: "ops_secret"})

	anonymous := h.do(t, http.MethodGet, "/v1/observability", "", "")
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anonymous.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/observability", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", recorder.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/observability", nil)
	req.Header.Set("Authorization", "Bearer ops_secret")
	recorder = httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("observability response is not JSON: %v", err)
	}
	if _, ok := body["metrics"]; !ok {
		t.Fatalf("expected metrics in observability payload, got %+v", body)
	}
	if _, ok := body["sentinel"]; !ok {
		t.Fatalf("expected sentinel in observability payload, got %+v", body)
	}
}

func TestObservabilityDisabledWithoutToken(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/observability", nil)
	req.Header.Set("Authorization", "Bearer anything")
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unconfigured endpoint must 404, got %d", recorder.Code)
	}
}

func TestHealthzAndMetricsEndpoints(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{})
	if resp := h.do(t, http.MethodGet, "/healthz", "", ""); resp.Code != http.StatusOK {
		t.Fatalf("healthz failed: %d", resp.Code)
	}
	if resp := h.do(t, http.MethodGet, "/metrics", "", ""); resp.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", resp.Code)
	}
}

func TestEnqueueBodyLimit(t *testing.T) {
	h := newAPIHarness(t, ServerConfig{MaxBodyBytes: 64})
	big := `{"operation":"create_page","payload":{"title":"` + strings.Repeat("x", 200) + `"}}`
	resp := h.do(t, http.MethodPost, "/v1/clips", "user_1", big)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", resp.Code)
	}
}
