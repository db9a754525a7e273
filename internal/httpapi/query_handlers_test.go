package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/metrics"
	"carepulse-ingest/internal/models"
	"carepulse-ingest/internal/store"
)

type fakeConn struct{ connected bool }

func (f *fakeConn) IsConnected() bool { return f.connected }

func newTestRouter(t *testing.T, keys keystore.Store) (*Router, *store.RollingStore, *metrics.Recorder) {
	t.Helper()
	rolling := store.NewRollingStore(0)
	recorder := metrics.NewRecorder()
	q := NewQueryHandler(rolling, recorder, keys, &fakeConn{connected: true}, zap.NewNop())
	r := NewRouter(zap.NewNop())
	r.RegisterQueryRoutes(q)
	return r, rolling, recorder
}

func doGet(t *testing.T, r *Router, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth(t *testing.T) {
	keys, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys.json"), true, zap.NewNop())
	require.NoError(t, err)
	r, rolling, _ := newTestRouter(t, keys)

	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7"})

	w, body := doGet(t, r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, true, body["mqtt_connected"])
	require.Equal(t, true, body["crypto_available"])
	require.Equal(t, 1.0, body["active_patients"])
}

func TestHealth_CryptoUnavailable(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w, body := doGet(t, r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, body["crypto_available"])
}

func TestPatients(t *testing.T) {
	r, rolling, _ := newTestRouter(t, nil)

	w, body := doGet(t, r, "/api/patients")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "success", body["status"])
	require.Empty(t, body["patients"])

	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7"})
	_, body = doGet(t, r, "/api/patients")
	require.Equal(t, []interface{}{"7"}, body["patients"])
}

func TestPatientHistory(t *testing.T) {
	r, rolling, _ := newTestRouter(t, nil)
	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7", Vitals: models.Vitals{"heart_rate": 72}})
	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7", Vitals: models.Vitals{"heart_rate": 73}})

	w, body := doGet(t, r, "/api/patient/7")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["data"], 2)

	// 未知患者返回空历史而非404（查询面是尽力只读视图）
	w, body = doGet(t, r, "/api/patient/404")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, body["data"])

	w, _ = doGet(t, r, "/api/patient/")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardData(t *testing.T) {
	r, rolling, _ := newTestRouter(t, nil)
	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7", Vitals: models.Vitals{"heart_rate": 72}})
	rolling.Append(&models.Reading{Hospital: "1", Dept: "d", Ward: "w", Patient: "7", Vitals: models.Vitals{"heart_rate": 75}})

	w, body := doGet(t, r, "/api/dashboard-data")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	require.Len(t, data, 1)

	latest := data["1|d|w|7"].(map[string]interface{})
	vitals := latest["vitals"].(map[string]interface{})
	require.Equal(t, 75.0, vitals["heart_rate"])
}

func TestDevices(t *testing.T) {
	keys, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys.json"), true, zap.NewNop())
	require.NoError(t, err)
	_, err = keys.Provision("1_7")
	require.NoError(t, err)

	r, _, _ := newTestRouter(t, keys)
	w, body := doGet(t, r, "/api/devices")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []interface{}{"1_7"}, body["devices"])
}

func TestDevices_KeyStoreUnavailable(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w, body := doGet(t, r, "/api/devices")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "error", body["status"])
}

func TestLatency(t *testing.T) {
	r, _, recorder := newTestRouter(t, nil)
	recorder.ObserveDecryption("1_7", 0.8)

	w, body := doGet(t, r, "/api/latency")
	require.Equal(t, http.StatusOK, w.Code)
	all := body["latency_metrics"].(map[string]interface{})
	require.Contains(t, all, "1_7")

	w, body = doGet(t, r, "/api/latency/1_7")
	require.Equal(t, http.StatusOK, w.Code)
	snap := body["latency"].(map[string]interface{})
	require.Equal(t, 0.8, snap["decryption_ms"])

	w, _ = doGet(t, r, "/api/latency/unknown_device_x")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOnly(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
