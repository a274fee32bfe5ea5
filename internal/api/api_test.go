package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/store"
)

// mockStore implements store.EventStore for API tests.
type mockStore struct {
	mu      sync.Mutex
	events  []*store.Event
	devices map[string]*store.Device
}

func newMockStore() *mockStore {
	return &mockStore{devices: make(map[string]*store.Device)}
}

func (m *mockStore) InsertEvent(ctx context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStore) FindEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := filter.Offset
	if start > len(m.events) {
		start = len(m.events)
	}
	end := start + filter.Limit
	if end > len(m.events) || filter.Limit == 0 {
		end = len(m.events)
	}
	out := make([]*store.Event, end-start)
	copy(out, m.events[start:end])
	return out, nil
}

func (m *mockStore) CountEvents(ctx context.Context, filter store.EventFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), nil
}

func (m *mockStore) UpsertDevice(ctx context.Context, d *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *mockStore) GetDevice(ctx context.Context, id string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id], nil
}

func (m *mockStore) ListDevices(ctx context.Context) ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockStore) RenameDevice(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil
	}
	d.Name = &name
	return nil
}

func (m *mockStore) RunRetention(ctx context.Context) (int64, error) {
	return 0, nil
}

func (m *mockStore) DeleteAllEvents(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

func (m *mockStore) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSecurityGate(t *testing.T) *security.Gate {
	t.Helper()
	g, err := security.Load(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("security.Load: %v", err)
	}
	return g
}

func readAdminToken(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "admin.token"))
	if err != nil {
		t.Fatalf("reading admin token: %v", err)
	}
	return string(data)
}

func TestHealthCheck(t *testing.T) {
	st := newMockStore()
	s := NewServer(st, testSecurityGate(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestListAndCountEvents(t *testing.T) {
	st := newMockStore()
	st.events = []*store.Event{{ID: "e1"}, {ID: "e2"}}
	s := NewServer(st, testSecurityGate(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/events/count", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var countResp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&countResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if countResp["count"] != 2 {
		t.Errorf("count = %d, want 2", countResp["count"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var events []*store.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}
}

// TestDeleteAllEvents_AdminTokenRequired is spec.md §8 scenario 6: missing
// header and wrong header both 403; the correct token deletes everything
// and a subsequent count() returns 0.
func TestDeleteAllEvents_AdminTokenRequired(t *testing.T) {
	dir := t.TempDir()
	gate, err := security.Load(dir, testLogger())
	if err != nil {
		t.Fatalf("security.Load: %v", err)
	}

	st := newMockStore()
	st.events = []*store.Event{{ID: "e1"}, {ID: "e2"}, {ID: "e3"}}
	s := NewServer(st, gate, testLogger())

	// No header -> 403.
	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no header: status = %d, want 403", rec.Code)
	}

	// Wrong header -> 403.
	req = httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req.Header.Set(security.AdminTokenHeader, "not-the-token")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong header: status = %d, want 403", rec.Code)
	}

	if n, _ := st.CountEvents(context.Background(), store.EventFilter{}); n != 3 {
		t.Fatalf("events deleted despite rejected requests: count = %d", n)
	}

	token := readAdminToken(t, dir)

	// Correct header -> 200, events wiped.
	req = httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req.Header.Set(security.AdminTokenHeader, token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct header: status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if n, _ := st.CountEvents(context.Background(), store.EventFilter{}); n != 0 {
		t.Fatalf("count after delete = %d, want 0", n)
	}
}

func TestRenameDevice(t *testing.T) {
	st := newMockStore()
	st.devices["dev1"] = &store.Device{ID: "dev1"}
	s := NewServer(st, testSecurityGate(t), testLogger())

	body := `{"name": "my laptop"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/devices/dev1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if st.devices["dev1"].Name == nil || *st.devices["dev1"].Name != "my laptop" {
		t.Errorf("device name not updated: %+v", st.devices["dev1"])
	}
}

func TestCORSMiddleware_AllowsLocalOrigin(t *testing.T) {
	st := newMockStore()
	s := NewServer(st, testSecurityGate(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q, want echoed localhost origin", got)
	}
}
