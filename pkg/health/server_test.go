package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrelay/pkg/supervisor"
)

type fakePoller struct {
	mu    sync.Mutex
	state supervisor.State
}

func (f *fakePoller) TryStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case supervisor.Running:
		return supervisor.ErrAlreadyRunning
	case supervisor.Stopping:
		return supervisor.ErrStopping
	}
	f.state = supervisor.Running
	return nil
}

func (f *fakePoller) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != supervisor.Running {
		return false
	}
	f.state = supervisor.Stopped
	return true
}

func (f *fakePoller) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePoller) set(state supervisor.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

type fakeCursor struct{}

func (fakeCursor) Source() string { return "telegram" }
func (fakeCursor) Cursor() int64  { return 77 }

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil, nil)
	rec, body := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil, nil)
	s.RegisterCheck("store", func(context.Context) error { return nil })

	rec, body := do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	s.RegisterCheck("store", func(context.Context) error { return errors.New("redis down") })
	rec, body = do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "fail", checks["store"].(map[string]interface{})["status"])
}

func TestPollerToggle(t *testing.T) {
	p := &fakePoller{}
	s := NewServer("127.0.0.1", 0, p, fakeCursor{})
	h := s.Handler()

	rec, body := do(t, h, http.MethodGet, "/poller", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(77), body["cursor"])
	assert.Equal(t, "telegram", body["source"])

	rec, body = do(t, h, http.MethodPut, "/poller", `{"running": true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, true, body["changed"])

	_, body = do(t, h, http.MethodPost, "/poller/start", "")
	assert.Equal(t, false, body["changed"], "second start is a no-op")

	_, body = do(t, h, http.MethodPost, "/poller/stop", "")
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, supervisor.Stopped, p.State())

	rec, _ = do(t, h, http.MethodPut, "/poller", `{"enabled": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollerStartWhileStoppingConflicts(t *testing.T) {
	p := &fakePoller{}
	p.set(supervisor.Stopping)
	h := NewServer("127.0.0.1", 0, p, fakeCursor{}).Handler()

	rec, body := do(t, h, http.MethodPost, "/poller/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "stopping", body["state"])
	assert.Equal(t, false, body["changed"])

	rec, _ = do(t, h, http.MethodPut, "/poller", `{"running": true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	p.set(supervisor.Stopped)
	rec, body = do(t, h, http.MethodPost, "/poller/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])
}

func TestPollerToggleWithoutPoller(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil, nil)
	rec, _ := do(t, s.Handler(), http.MethodPost, "/poller/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
