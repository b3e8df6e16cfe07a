package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeAdmin struct {
	sessions []SessionInfo
	ended    map[string]string
	silenced map[string]bool
}

func newFakeAdmin(sessions ...SessionInfo) *fakeAdmin {
	return &fakeAdmin{
		sessions: sessions,
		ended:    make(map[string]string),
		silenced: make(map[string]bool),
	}
}

func (f *fakeAdmin) has(id string) bool {
	for _, s := range f.sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeAdmin) Sessions() []SessionInfo { return f.sessions }

func (f *fakeAdmin) EndSession(id, reason string) error {
	if !f.has(id) {
		return ErrSessionNotFound
	}
	f.ended[id] = reason
	return nil
}

func (f *fakeAdmin) SetSessionSilence(id string, enabled bool) error {
	if !f.has(id) {
		return ErrSessionNotFound
	}
	f.silenced[id] = enabled
	return nil
}

// Test health checker aggregation

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(CacheCheck(func(ctx context.Context) error { return nil }))
	hc.RegisterCheck(ProfileSourceCheck(func(ctx context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Errorf("Status = %s, want healthy", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("Version = %q, want test", resp.Version)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("len(Checks) = %d, want 2", len(resp.Checks))
	}
}

func TestHealthChecker_CriticalFailure(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(ProfileSourceCheck(func(ctx context.Context) error {
		return errors.New("firestore unreachable")
	}))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy", resp.Status)
	}
	if resp.Checks["profiles"].Message != "firestore unreachable" {
		t.Errorf("check message = %q", resp.Checks["profiles"].Message)
	}
}

func TestHealthChecker_NonCriticalFailure(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(CacheCheck(func(ctx context.Context) error {
		return errors.New("redis down")
	}))
	hc.RegisterCheck(ProfileSourceCheck(func(ctx context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("Status = %s, want degraded", resp.Status)
	}
}

func TestHealthChecker_CheckTimeout_NonCritical(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Timeout:  20 * time.Millisecond,
		Critical: false,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("Status = %s, want degraded after timeout", resp.Status)
	}
}

// Test ops HTTP surface

func newTestServer(t *testing.T, admin SessionAdmin, hc *HealthChecker) *httptest.Server {
	t.Helper()
	if hc == nil {
		hc = NewHealthChecker("test")
	}
	srv := NewServer(ServerConfig{Health: hc, Admin: admin})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestOpsServer_HealthEndpoints(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(CacheCheck(func(ctx context.Context) error {
		return errors.New("redis down")
	}))
	ts := newTestServer(t, nil, hc)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200 for degraded", resp.StatusCode)
	}

	live, err := http.Get(ts.URL + "/health/live")
	if err != nil {
		t.Fatalf("GET /health/live failed: %v", err)
	}
	defer func() { _ = live.Body.Close() }()
	if live.StatusCode != http.StatusOK {
		t.Errorf("/health/live status = %d, want 200", live.StatusCode)
	}

	ready, err := http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatalf("GET /health/ready failed: %v", err)
	}
	defer func() { _ = ready.Body.Close() }()
	if ready.StatusCode != http.StatusOK {
		t.Errorf("/health/ready status = %d, want 200 while only degraded", ready.StatusCode)
	}
}

func TestOpsServer_HealthUnhealthy(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(ProfileSourceCheck(func(ctx context.Context) error {
		return errors.New("no profiles")
	}))
	ts := newTestServer(t, nil, hc)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/health status = %d, want 503", resp.StatusCode)
	}

	ready, err := http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatalf("GET /health/ready failed: %v", err)
	}
	defer func() { _ = ready.Body.Close() }()
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status = %d, want 503", ready.StatusCode)
	}
}

func TestOpsServer_ListSessions(t *testing.T) {
	later := SessionInfo{ID: "s2", Profile: "default", StartedAt: time.Now()}
	earlier := SessionInfo{ID: "s1", Profile: "banking", StartedAt: time.Now().Add(-time.Minute)}
	ts := newTestServer(t, newFakeAdmin(later, earlier), nil)

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `"count":2`) {
		t.Errorf("response missing count: %s", text)
	}
	if i1, i2 := strings.Index(text, `"s1"`), strings.Index(text, `"s2"`); i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("sessions not sorted by start time: %s", text)
	}
}

func TestOpsServer_ListSessions_NoAdmin(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"count":0`) {
		t.Errorf("expected empty listing, got: %s", body)
	}
}

func TestOpsServer_EndSession(t *testing.T) {
	admin := newFakeAdmin(SessionInfo{ID: "s1"})
	ts := newTestServer(t, admin, nil)

	resp, err := http.Post(ts.URL+"/sessions/s1/end", "application/json",
		strings.NewReader(`{"reason":"operator"}`))
	if err != nil {
		t.Fatalf("POST end failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if admin.ended["s1"] != "operator" {
		t.Errorf("ended[s1] = %q, want operator", admin.ended["s1"])
	}
}

func TestOpsServer_EndSession_DefaultReason(t *testing.T) {
	admin := newFakeAdmin(SessionInfo{ID: "s1"})
	ts := newTestServer(t, admin, nil)

	resp, err := http.Post(ts.URL+"/sessions/s1/end", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatalf("POST end failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if admin.ended["s1"] != "admin" {
		t.Errorf("ended[s1] = %q, want admin", admin.ended["s1"])
	}
}

func TestOpsServer_EndSession_NotFound(t *testing.T) {
	ts := newTestServer(t, newFakeAdmin(), nil)

	resp, err := http.Post(ts.URL+"/sessions/missing/end", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST end failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOpsServer_SessionSilence(t *testing.T) {
	admin := newFakeAdmin(SessionInfo{ID: "s1"})
	ts := newTestServer(t, admin, nil)

	resp, err := http.Post(ts.URL+"/sessions/s1/silence", "application/json",
		strings.NewReader(`{"enabled":false}`))
	if err != nil {
		t.Fatalf("POST silence failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if got, ok := admin.silenced["s1"]; !ok || got {
		t.Errorf("silenced[s1] = %v (set=%v), want false recorded", got, ok)
	}
}

func TestOpsServer_SessionSilence_MissingEnabled(t *testing.T) {
	admin := newFakeAdmin(SessionInfo{ID: "s1"})
	ts := newTestServer(t, admin, nil)

	resp, err := http.Post(ts.URL+"/sessions/s1/silence", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST silence failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOpsServer_Metrics(t *testing.T) {
	InitMetrics()
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "crelay_active_sessions") {
		t.Error("metrics output missing crelay_active_sessions")
	}
}
