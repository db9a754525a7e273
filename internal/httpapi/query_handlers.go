package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/metrics"
	"carepulse-ingest/internal/models"
	"carepulse-ingest/internal/store"
)

// ConnStatus broker连接状态查询接口
type ConnStatus interface {
	IsConnected() bool
}

// QueryHandler 只读查询与健康检查处理器
type QueryHandler struct {
	rolling  *store.RollingStore
	recorder *metrics.Recorder
	keys     keystore.Store // nil表示密钥存储不可用
	conn     ConnStatus
	logger   *zap.Logger
}

// NewQueryHandler 创建查询处理器
func NewQueryHandler(
	rolling *store.RollingStore,
	recorder *metrics.Recorder,
	keys keystore.Store,
	conn ConnStatus,
	logger *zap.Logger,
) *QueryHandler {
	return &QueryHandler{
		rolling:  rolling,
		recorder: recorder,
		keys:     keys,
		conn:     conn,
		logger:   logger,
	}
}

// Health 健康检查
// 区分"没有数据到达"与"数据到达但全部被拒绝"两种情况的关键信息：
// broker连接状态与密钥存储可用性
func (q *QueryHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"mqtt_connected":   q.conn != nil && q.conn.IsConnected(),
		"crypto_available": q.keys != nil,
		"active_patients":  q.rolling.Keys(),
	})
}

// Patients 已知患者列表
func (q *QueryHandler) Patients(w http.ResponseWriter, _ *http.Request) {
	patients := q.rolling.Patients()
	if patients == nil {
		patients = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"patients": patients,
	})
}

// PatientHistory 指定患者的滚动历史
func (q *QueryHandler) PatientHistory(w http.ResponseWriter, _ *http.Request, patientID string) {
	history := q.rolling.History(patientID)
	if history == nil {
		history = []*models.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   history,
	})
}

// DashboardData 每个患者键的最新读数快照
func (q *QueryHandler) DashboardData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   q.rolling.Snapshot(),
	})
}

// Devices 密钥存储中的Active设备列表
func (q *QueryHandler) Devices(w http.ResponseWriter, _ *http.Request) {
	if q.keys == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "error",
			"message": "key store unavailable",
		})
		return
	}
	devices := q.keys.ListDevices()
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"devices": devices,
	})
}

// Latency 全部设备各阶段延迟的最新值
func (q *QueryHandler) Latency(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"latency_metrics": q.recorder.CurrentLatency(),
	})
}

// DeviceLatency 单台设备各阶段延迟的最新值
func (q *QueryHandler) DeviceLatency(w http.ResponseWriter, _ *http.Request, deviceID string) {
	snapshot, ok := q.recorder.DeviceLatency(deviceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"status":  "error",
			"message": "Device not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"device_id": deviceID,
		"latency":   snapshot,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
