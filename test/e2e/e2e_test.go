// Package e2e drives tokentap's full pipeline end to end: an HTTP request
// hits the MITM proxy handler, flows to a mock upstream, gets captured as an
// event, lands in SQLite, and is readable (and wipeable) through the admin
// API.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tokentap/tokentap/internal/api"
	"github.com/tokentap/tokentap/internal/config"
	"github.com/tokentap/tokentap/internal/provider"
	"github.com/tokentap/tokentap/internal/proxy"
	"github.com/tokentap/tokentap/internal/redact"
	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/sink"
	"github.com/tokentap/tokentap/internal/store"
	tokentaptls "github.com/tokentap/tokentap/internal/tls"
)

type harness struct {
	t        *testing.T
	store    *store.SQLiteStore
	security *security.Gate
	sink     *sink.Sink
	proxy    *proxy.MITMProxy
	api      http.Handler
	stateDir string
}

func newHarness(t *testing.T, providersJSON string) *harness {
	t.Helper()

	tempDir := t.TempDir()

	dbPath := filepath.Join(tempDir, "tokentap.db")
	st, err := store.Open(dbPath, store.Options{EventTTLDays: 7, DropLogTTLDays: 1})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	certDir := filepath.Join(tempDir, "certs")
	ca, err := tokentaptls.LoadOrCreateCA(certDir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	certCache := tokentaptls.NewCertCache(ca, 100)

	stateDir := filepath.Join(tempDir, "state")
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		t.Fatalf("mkdir state dir: %v", err)
	}
	logger := testLogger()
	sec, err := security.Load(stateDir, logger)
	if err != nil {
		t.Fatalf("security.Load: %v", err)
	}

	cfg := &config.Config{
		Proxy:     config.ProxyConfig{Listen: "127.0.0.1:0"},
		Redaction: config.RedactionConfig{RedactAPIKeys: true, AlwaysRedactHeaders: []string{"authorization", "x-api-key"}},
	}
	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		t.Fatalf("redact.New: %v", err)
	}

	providersPath := filepath.Join(tempDir, "providers.json")
	if err := os.WriteFile(providersPath, []byte(providersJSON), 0600); err != nil {
		t.Fatalf("writing providers.json: %v", err)
	}
	reg, err := provider.Load(providersPath, "")
	if err != nil {
		t.Fatalf("provider.Load: %v", err)
	}

	snk := sink.New(st, 64, 2, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		snk.Drain(ctx)
	})

	mp, err := proxy.NewMITMProxy(proxy.MITMProxyConfig{
		Config:                     cfg,
		Logger:                     logger,
		CA:                         ca,
		CertCache:                  certCache,
		Redactor:                   redactor,
		Providers:                  reg,
		Security:                   sec,
		Store:                      st,
		Sink:                       snk,
		InsecureSkipVerifyUpstream: true,
	})
	if err != nil {
		t.Fatalf("NewMITMProxy: %v", err)
	}

	return &harness{
		t:        t,
		store:    st,
		security: sec,
		sink:     snk,
		proxy:    mp,
		api:      api.NewServer(st, sec, logger).Handler(),
		stateDir: stateDir,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// anthropicProviders is a minimal single-provider registry mirroring
// the shape of the shipped Anthropic definition, scoped to whatever
// domain the mock upstream in a given test happens to listen on.
func anthropicProviders() string {
	return `{
		"capture_all": true,
		"providers": {
			"anthropic": {
				"domains": ["does-not-matter.example.com"],
				"request": {
					"model_path": "$.model",
					"messages_path": "$.messages",
					"system_path": "$.system"
				},
				"response": {
					"json": {
						"input_tokens_path": {"primary": "$.usage.input_tokens"},
						"output_tokens_path": {"primary": "$.usage.output_tokens"},
						"model_path": {"primary": "$.model"}
					},
					"sse": {
						"format": "sse",
						"event_types": ["message_start", "message_delta", "message_stop"],
						"input_tokens_event": "message_start",
						"input_tokens_path": {"primary": "$.message.usage.input_tokens"},
						"output_tokens_event": "message_delta",
						"output_tokens_path": {"primary": "$.usage.output_tokens"}
					}
				}
			}
		}
	}`
}

func proxyRequest(mockURL, method, path, body string) *http.Request {
	u, _ := url.Parse(mockURL)
	req := httptest.NewRequest(method, mockURL+path, strings.NewReader(body))
	req.Host = u.Host
	req.URL.Host = u.Host
	req.URL.Scheme = u.Scheme
	req.Header.Set("Content-Type", "application/json")
	return req
}

// TestE2E_DirectHandler drives a request through the proxy handler to a mock
// upstream and confirms the resulting event is both stored and readable
// through the admin API.
func TestE2E_DirectHandler(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_e2e123",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-3-sonnet-20240229",
			"content":     []map[string]any{{"type": "text", "text": "E2E test response!"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 15, "output_tokens": 8},
		})
	}))
	defer mockUpstream.Close()

	h := newHarness(t, anthropicProviders())

	req := proxyRequest(mockUpstream.URL, http.MethodPost, "/v1/messages",
		`{"model":"claude-3-sonnet-20240229","messages":[{"role":"user","content":"E2E test"}],"max_tokens":50}`)
	req.Header.Set("Authorization", "Bearer sk-ant-api-test456")

	rec := httptest.NewRecorder()
	h.proxy.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status: %d, body: %s", resp.StatusCode, body)
	}

	var respData map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&respData)
	if respData["id"] != "msg_e2e123" {
		t.Errorf("unexpected response id: %v", respData["id"])
	}

	h.sink.Drain(contextWithTimeout(t))

	ctx := context.Background()
	events, err := h.store.FindEvents(ctx, store.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("FindEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events saved")
	}

	ev := events[0]
	if ev.ResponseStatus != http.StatusOK {
		t.Errorf("expected status 200, got %d", ev.ResponseStatus)
	}
	if ev.Model != "" && ev.Model != "claude-3-sonnet-20240229" {
		t.Errorf("expected model claude-3-sonnet-20240229 or empty, got %q", ev.Model)
	}

	// Read it back through the admin API.
	apiReq := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	apiRec := httptest.NewRecorder()
	h.api.ServeHTTP(apiRec, apiReq)
	if apiRec.Code != http.StatusOK {
		t.Fatalf("GET /api/events returned %d: %s", apiRec.Code, apiRec.Body.String())
	}

	var apiEvents []*store.Event
	if err := json.NewDecoder(apiRec.Body).Decode(&apiEvents); err != nil {
		t.Fatalf("decoding /api/events: %v", err)
	}
	if len(apiEvents) == 0 {
		t.Fatal("admin API returned no events")
	}
}

// TestE2E_SSEStreaming drives a streaming request through the proxy and
// confirms the SSE body reaches the client unbroken and the flow is still
// captured as a single event.
func TestE2E_SSEStreaming(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher := w.(http.Flusher)
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_sse123","model":"claude-3-opus-20240229","usage":{"input_tokens":12}}}` + "\n\n",
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello from SSE!"}}` + "\n\n",
			`event: message_delta` + "\n" + `data: {"type":"message_delta","usage":{"output_tokens":5}}` + "\n\n",
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}` + "\n\n",
		}
		for _, e := range events {
			fmt.Fprint(w, e)
			flusher.Flush()
		}
	}))
	defer mockUpstream.Close()

	h := newHarness(t, anthropicProviders())

	req := proxyRequest(mockUpstream.URL, http.MethodPost, "/v1/messages",
		`{"model":"claude-3-opus-20240229","messages":[{"role":"user","content":"Stream test"}],"stream":true}`)

	rec := httptest.NewRecorder()
	h.proxy.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status: %d, body: %s", resp.StatusCode, body)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)
	if !strings.Contains(bodyStr, "message_start") || !strings.Contains(bodyStr, "Hello from SSE!") {
		t.Fatalf("streamed body missing expected events: %s", bodyStr)
	}

	h.sink.Drain(contextWithTimeout(t))

	events, err := h.store.FindEvents(context.Background(), store.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("FindEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no event saved for streaming request")
	}
	if !events[0].Streaming {
		t.Error("event should be marked streaming")
	}
}

// TestE2E_ErrorPassthrough confirms upstream error responses still reach the
// client unmodified and are still captured.
func TestE2E_ErrorPassthrough(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "Invalid model specified"},
		})
	}))
	defer mockUpstream.Close()

	h := newHarness(t, anthropicProviders())

	req := proxyRequest(mockUpstream.URL, http.MethodPost, "/v1/messages", `{"model":"invalid-model","messages":[]}`)
	rec := httptest.NewRecorder()
	h.proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	h.sink.Drain(contextWithTimeout(t))

	events, _ := h.store.FindEvents(context.Background(), store.EventFilter{Limit: 10})
	if len(events) == 0 {
		t.Fatal("error event was not saved")
	}
	if events[0].ResponseStatus != http.StatusBadRequest {
		t.Errorf("expected saved status 400, got %d", events[0].ResponseStatus)
	}
}

// TestE2E_AdminResetRequiresToken exercises the admin token gate around the
// destructive reset endpoint end to end, through a real store and a real
// security gate: no header and a wrong header both leave events intact, the
// correct token wipes them.
func TestE2E_AdminResetRequiresToken(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_reset", "model": "claude-3-sonnet-20240229",
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer mockUpstream.Close()

	h := newHarness(t, anthropicProviders())

	for i := 0; i < 3; i++ {
		req := proxyRequest(mockUpstream.URL, http.MethodPost, "/v1/messages",
			`{"model":"claude-3-sonnet-20240229","messages":[{"role":"user","content":"hi"}]}`)
		rec := httptest.NewRecorder()
		h.proxy.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d failed: %d", i, rec.Code)
		}
	}

	h.sink.Drain(contextWithTimeout(t))

	countReq := httptest.NewRequest(http.MethodGet, "/api/events/count", nil)
	countRec := httptest.NewRecorder()
	h.api.ServeHTTP(countRec, countReq)
	var countResp map[string]int
	_ = json.NewDecoder(countRec.Body).Decode(&countResp)
	if countResp["count"] != 3 {
		t.Fatalf("count = %d, want 3", countResp["count"])
	}

	// No token -> rejected, nothing deleted.
	delReq := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	delRec := httptest.NewRecorder()
	h.api.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusForbidden {
		t.Fatalf("delete without token: status = %d, want 403", delRec.Code)
	}

	token, err := os.ReadFile(filepath.Join(h.stateDir, "admin.token"))
	if err != nil {
		t.Fatalf("reading admin token: %v", err)
	}

	delReq = httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	delReq.Header.Set(security.AdminTokenHeader, string(token))
	delRec = httptest.NewRecorder()
	h.api.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete with token: status = %d, body=%s", delRec.Code, delRec.Body.String())
	}

	countRec = httptest.NewRecorder()
	h.api.ServeHTTP(countRec, httptest.NewRequest(http.MethodGet, "/api/events/count", nil))
	_ = json.NewDecoder(countRec.Body).Decode(&countResp)
	if countResp["count"] != 0 {
		t.Fatalf("count after admin reset = %d, want 0", countResp["count"])
	}
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
