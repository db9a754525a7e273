// Package metrics 指标与延迟记录器
//
// 持有独立的prometheus注册表（显式管道上下文对象的一部分，不使用全局默认注册表）：
//   - 每项生命体征一个Gauge，标签 {hospital, department, ward, patient}
//   - 加密/明文消息计数、解密成功/失败（按原因）计数
//   - 解密/处理/网络/端到端延迟直方图（毫秒）
//
// 同时维护每台设备各阶段延迟的最新值，供查询接口读取
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carepulse-ingest/internal/models"
)

var readingLabels = []string{"hospital", "department", "ward", "patient"}

// vitalGauges 生命体征字段 → prometheus指标定义
var vitalGauges = []struct {
	Field string
	Name  string
	Help  string
}{
	{"heart_rate", "heart_rate_bpm", "Heart Rate (BPM)"},
	{"bp_systolic", "bp_systolic", "BP Systolic"},
	{"bp_diastolic", "bp_diastolic", "BP Diastolic"},
	{"respiratory_rate", "respiratory_rate", "Respiratory Rate"},
	{"spo2", "spo2_percent", "SpO2 (%)"},
	{"etco2", "etco2", "EtCO2"},
	{"fio2", "fio2_percent", "FiO2 (%)"},
	{"temperature", "temperature_celsius", "Temperature (Celsius)"},
	{"wbc_count", "wbc_count", "WBC Count"},
	{"lactate", "lactate", "Lactate (mmol/L)"},
	{"blood_glucose", "blood_glucose", "Blood Glucose (mg/dL)"},
	{"anomaly_score", "anomaly_score", "Anomaly Score"},
}

// LatencySnapshot 单台设备各阶段延迟的最新值（毫秒）
type LatencySnapshot struct {
	DecryptionMS float64 `json:"decryption_ms"`
	ProcessingMS float64 `json:"processing_ms"`
	NetworkMS    float64 `json:"network_ms"`
	EndToEndMS   float64 `json:"end_to_end_ms"`
}

// Recorder 指标记录器
type Recorder struct {
	registry *prometheus.Registry

	vitals map[string]*prometheus.GaugeVec

	encryptedMessages prometheus.Counter
	plainMessages     prometheus.Counter
	decryptionSuccess *prometheus.CounterVec
	decryptionFailure *prometheus.CounterVec

	networkLatency  *prometheus.HistogramVec
	decryptLatency  *prometheus.HistogramVec
	processLatency  *prometheus.HistogramVec
	endToEndLatency *prometheus.HistogramVec

	mu      sync.Mutex
	current map[string]*LatencySnapshot
}

// NewRecorder 创建指标记录器并注册全部指标
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		vitals:   make(map[string]*prometheus.GaugeVec, len(vitalGauges)),
		current:  make(map[string]*LatencySnapshot),
	}

	for _, g := range vitalGauges {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: g.Name,
			Help: g.Help,
		}, readingLabels)
		r.vitals[g.Field] = vec
		registry.MustRegister(vec)
	}

	r.encryptedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "encrypted_messages_total",
		Help: "Total encrypted messages received",
	})
	r.plainMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plain_messages_total",
		Help: "Total plain messages received",
	})
	r.decryptionSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decryption_success_total",
		Help: "Successful decryptions",
	}, []string{"device_id"})
	r.decryptionFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decryption_failure_total",
		Help: "Failed decryptions by reason",
	}, []string{"device_id", "reason"})
	registry.MustRegister(r.encryptedMessages, r.plainMessages, r.decryptionSuccess, r.decryptionFailure)

	r.networkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqtt_receive_latency_ms",
		Help:    "MQTT message receive latency (ms)",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"device_id"})
	r.decryptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decryption_latency_ms",
		Help:    "Decryption latency (ms)",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	}, []string{"device_id"})
	r.processLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "processing_latency_ms",
		Help:    "Data processing latency (ms)",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50},
	}, []string{"device_id"})
	r.endToEndLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "end_to_end_latency_ms",
		Help:    "End-to-end latency from device to backend (ms)",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"device_id"})
	registry.MustRegister(r.networkLatency, r.decryptLatency, r.processLatency, r.endToEndLatency)

	return r
}

// Handler 返回prometheus文本格式导出端点
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// UpdateReading 按读数更新各体征Gauge
func (r *Recorder) UpdateReading(reading *models.Reading) {
	labels := prometheus.Labels{
		"hospital":   reading.Hospital,
		"department": reading.Dept,
		"ward":       reading.Ward,
		"patient":    reading.Patient,
	}
	for field, vec := range r.vitals {
		if value, ok := reading.Vitals[field]; ok {
			vec.With(labels).Set(value)
		}
	}
}

// IncEncrypted 加密消息计数+1
func (r *Recorder) IncEncrypted() { r.encryptedMessages.Inc() }

// IncPlain 明文消息计数+1（设备回退到未加密传输的安全退化信号）
func (r *Recorder) IncPlain() { r.plainMessages.Inc() }

// IncDecryptSuccess 解密成功计数+1
func (r *Recorder) IncDecryptSuccess(deviceID string) {
	r.decryptionSuccess.WithLabelValues(deviceID).Inc()
}

// IncDecryptFailure 解密失败计数+1（按失败原因区分）
func (r *Recorder) IncDecryptFailure(deviceID, reason string) {
	r.decryptionFailure.WithLabelValues(deviceID, reason).Inc()
}

// ObserveNetwork 记录网络延迟样本
// 时钟偏移导致的非正值直接丢弃，不记为负数
func (r *Recorder) ObserveNetwork(deviceID string, ms float64) {
	if ms <= 0 {
		return
	}
	r.networkLatency.WithLabelValues(deviceID).Observe(ms)
	r.updateCurrent(deviceID, func(s *LatencySnapshot) { s.NetworkMS = ms })
}

// ObserveDecryption 记录解密耗时样本
func (r *Recorder) ObserveDecryption(deviceID string, ms float64) {
	r.decryptLatency.WithLabelValues(deviceID).Observe(ms)
	r.updateCurrent(deviceID, func(s *LatencySnapshot) { s.DecryptionMS = ms })
}

// ObserveProcessing 记录处理耗时样本
func (r *Recorder) ObserveProcessing(deviceID string, ms float64) {
	r.processLatency.WithLabelValues(deviceID).Observe(ms)
	r.updateCurrent(deviceID, func(s *LatencySnapshot) { s.ProcessingMS = ms })
}

// ObserveEndToEnd 记录端到端延迟样本
func (r *Recorder) ObserveEndToEnd(deviceID string, ms float64) {
	if ms <= 0 {
		return
	}
	r.endToEndLatency.WithLabelValues(deviceID).Observe(ms)
	r.updateCurrent(deviceID, func(s *LatencySnapshot) { s.EndToEndMS = ms })
}

func (r *Recorder) updateCurrent(deviceID string, fn func(*LatencySnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.current[deviceID]
	if !ok {
		s = &LatencySnapshot{}
		r.current[deviceID] = s
	}
	fn(s)
}

// CurrentLatency 返回全部设备的延迟最新值
func (r *Recorder) CurrentLatency() map[string]LatencySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LatencySnapshot, len(r.current))
	for id, s := range r.current {
		out[id] = *s
	}
	return out
}

// DeviceLatency 返回指定设备的延迟最新值
func (r *Recorder) DeviceLatency(deviceID string) (LatencySnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.current[deviceID]
	if !ok {
		return LatencySnapshot{}, false
	}
	return *s, true
}
