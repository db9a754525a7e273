package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"carepulse-ingest/internal/models"
)

// AnomalyRequest 异常评分服务请求体（11项生命体征）
type AnomalyRequest struct {
	HeartRate       float64 `json:"heart_rate"`
	BPSystolic      float64 `json:"bp_systolic"`
	BPDiastolic     float64 `json:"bp_diastolic"`
	RespiratoryRate float64 `json:"respiratory_rate"`
	SpO2            float64 `json:"spo2"`
	EtCO2           float64 `json:"etco2"`
	FiO2            float64 `json:"fio2"`
	Temperature     float64 `json:"temperature"`
	WBCCount        float64 `json:"wbc_count"`
	Lactate         float64 `json:"lactate"`
	BloodGlucose    float64 `json:"blood_glucose"`
}

// AnomalyResponse 异常评分服务响应
type AnomalyResponse struct {
	NormalizedScore float64 `json:"normalized_score"`
}

// AnomalyClient 异常评分服务客户端
// 评分失败对管道非致命：调用方以0.0为兜底分值继续处理
type AnomalyClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewAnomalyClient 创建异常评分客户端
func NewAnomalyClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AnomalyClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &AnomalyClient{
		httpClient: client,
		logger:     logger,
	}
}

// Score 请求异常评分，返回 normalized_score ∈ [0,1]
// 失败或超时返回 (0.0, err)，调用方记录后继续
func (c *AnomalyClient) Score(ctx context.Context, vitals models.Vitals) (float64, error) {
	// 缺失字段按生理正常值填充
	request := AnomalyRequest{
		HeartRate:       vitals.Get("heart_rate", 75),
		BPSystolic:      vitals.Get("bp_systolic", 120),
		BPDiastolic:     vitals.Get("bp_diastolic", 80),
		RespiratoryRate: vitals.Get("respiratory_rate", 16),
		SpO2:            vitals.Get("spo2", 95),
		EtCO2:           vitals.Get("etco2", 35),
		FiO2:            vitals.Get("fio2", 21),
		Temperature:     vitals.Get("temperature", 37.0),
		WBCCount:        vitals.Get("wbc_count", 7.0),
		Lactate:         vitals.Get("lactate", 1.2),
		BloodGlucose:    vitals.Get("blood_glucose", 95),
	}

	var response AnomalyResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/predict")

	if err != nil {
		return 0.0, fmt.Errorf("failed to call anomaly service: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0.0, fmt.Errorf("anomaly service returned status %d", resp.StatusCode())
	}

	return response.NormalizedScore, nil
}
