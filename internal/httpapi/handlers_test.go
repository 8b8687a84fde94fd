package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestguardian/internal/config"
	"forestguardian/internal/store"
	"forestguardian/internal/telemetry"
)

type fakeQuota struct {
	remaining int
	resetAt   time.Time
}

func (f fakeQuota) QuotaRemaining() int       { return f.remaining }
func (f fakeQuota) QuotaResetAt() time.Time   { return f.resetAt }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	st, err := store.Open(filepath.Join(dir, "guardian.db"), filepath.Join(dir, "spectrograms"), metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, fakeQuota{remaining: 3, resetAt: time.Now().Add(time.Minute)}, config.ModeAuto, metrics)
}

func TestHandleStatus_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleNodes_EmptyStoreReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestHandleSimulateHeartbeat_CreatesNode(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{"node_id": "GUARDIAN_SIM_1", "battery_percent": 77})
	req := httptest.NewRequest(http.MethodPost, "/api/simulate/heartbeat", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w2 := httptest.NewRecorder()
	s.Mux().ServeHTTP(w2, req2)

	var nodes []map[string]interface{}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "GUARDIAN_SIM_1", nodes[0]["node_id"])
}

func TestHandleSimulateAlert_CreatesAlert(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{"node_id": "GUARDIAN_SIM_2", "confidence": 91.0})
	req := httptest.NewRequest(http.MethodPost, "/api/simulate/alert", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	w2 := httptest.NewRecorder()
	s.Mux().ServeHTTP(w2, req2)

	var alerts []map[string]interface{}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, float64(91), alerts[0]["confidence"])
}

func TestHandleRespondToAlert_NotFoundReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/does-not-exist/respond", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAIStatus_ReportsQuota(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/ai/status", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "auto", body["mode"])
	assert.Equal(t, float64(3), body["quota_remaining"])
}

func TestHandleMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
