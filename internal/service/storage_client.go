package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"carepulse-ingest/internal/crypto"
	"carepulse-ingest/internal/models"
)

// VitalsRecord 落盘存储记录（加密前的明文结构）
type VitalsRecord struct {
	PatientID  string `json:"patient_id"`
	Hospital   string `json:"hospital"`
	Department string `json:"department"`
	Ward       string `json:"ward"`

	HeartRate       float64 `json:"heart_rate"`
	SpO2            float64 `json:"spo2"`
	BPSystolic      float64 `json:"bp_systolic"`
	BPDiastolic     float64 `json:"bp_diastolic"`
	RespiratoryRate float64 `json:"respiratory_rate"`
	Temperature     float64 `json:"temperature"`
	EtCO2           float64 `json:"etco2"`
	FiO2            float64 `json:"fio2"`
	WBCCount        float64 `json:"wbc_count"`
	Lactate         float64 `json:"lactate"`
	BloodGlucose    float64 `json:"blood_glucose"`
	AnomalyScore    float64 `json:"anomaly_score"`

	Timestamp string `json:"timestamp,omitempty"`
}

// saveRequest 存储服务请求体
type saveRequest struct {
	EncryptedData string `json:"encrypted_data"`
	PatientID     string `json:"patient_id"`
}

// StorageClient 持久化存储服务客户端
//
// 记录先用落盘密钥做AES-GCM加密再传输，这是独立于设备传输层的第二道加密：
// 密钥不同、用途不同，与Ascon编解码互不相干。
// 写入失败对管道非致命：记录日志后跳过。
type StorageClient struct {
	httpClient    *resty.Client
	encryptionKey string
	logger        *zap.Logger
}

// NewStorageClient 创建存储客户端
func NewStorageClient(baseURL, encryptionKey string, timeout time.Duration, logger *zap.Logger) *StorageClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &StorageClient{
		httpClient:    client,
		encryptionKey: encryptionKey,
		logger:        logger,
	}
}

// SaveReading 加密并提交一条读数
func (c *StorageClient) SaveReading(ctx context.Context, reading *models.Reading) error {
	record := VitalsRecord{
		PatientID:       reading.Patient,
		Hospital:        reading.Hospital,
		Department:      reading.Dept,
		Ward:            reading.Ward,
		HeartRate:       reading.Vitals.Get("heart_rate", 0),
		SpO2:            reading.Vitals.Get("spo2", 0),
		BPSystolic:      reading.Vitals.Get("bp_systolic", 0),
		BPDiastolic:     reading.Vitals.Get("bp_diastolic", 0),
		RespiratoryRate: reading.Vitals.Get("respiratory_rate", 0),
		Temperature:     reading.Vitals.Get("temperature", 0),
		EtCO2:           reading.Vitals.Get("etco2", 0),
		FiO2:            reading.Vitals.Get("fio2", 21),
		WBCCount:        reading.Vitals.Get("wbc_count", 0),
		Lactate:         reading.Vitals.Get("lactate", 0),
		BloodGlucose:    reading.Vitals.Get("blood_glucose", 0),
		AnomalyScore:    reading.Vitals.Get("anomaly_score", 0),
		Timestamp:       reading.Timestamp,
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal vitals record: %w", err)
	}

	encrypted, err := crypto.EncryptAtRest(c.encryptionKey, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt vitals record: %w", err)
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(saveRequest{
			EncryptedData: encrypted,
			PatientID:     reading.Patient,
		}).
		Post("/vitals/save")

	if err != nil {
		return fmt.Errorf("failed to call storage service: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("storage service returned status %d", resp.StatusCode())
	}

	c.logger.Debug("Saved encrypted vitals record",
		zap.String("patient_id", reading.Patient),
	)
	return nil
}
