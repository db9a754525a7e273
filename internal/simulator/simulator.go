// Package simulator 模拟床旁IoT设备：按周期生成患者生命体征，
// 用设备密钥做Ascon-128加密后经MQTT发布到主题层级
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/crypto"
	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/models"
	"carepulse-ingest/internal/mqtt"
)

// 每个发布周期的并发上限，替代无界的每批次起协程
const maxConcurrentPublish = 15

// Simulator 设备模拟器
type Simulator struct {
	config     *config.Config
	keys       keystore.Store
	mqttClient *mqtt.Client
	logger     *zap.Logger
	sem        *semaphore.Weighted
}

// New 创建模拟器
func New(cfg *config.Config, keys keystore.Store, mqttClient *mqtt.Client, logger *zap.Logger) *Simulator {
	return &Simulator{
		config:     cfg,
		keys:       keys,
		mqttClient: mqttClient,
		logger:     logger,
		sem:        semaphore.NewWeighted(maxConcurrentPublish),
	}
}

// Run 周期性发布所有模拟患者的读数，直到上下文取消
func (s *Simulator) Run(ctx context.Context) error {
	interval := time.Duration(s.config.Simulator.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Simulator running",
		zap.Int("hospitals", s.config.Simulator.Hospitals),
		zap.Int("wards_per_hospital", s.config.Simulator.WardsPerHosp),
		zap.Int("patients_per_ward", s.config.Simulator.PatientsPerWard),
		zap.Duration("interval", interval),
		zap.Bool("encrypt", s.config.Simulator.Encrypt),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick 一个周期：并发发布全部患者读数，等待本批完成
func (s *Simulator) tick(ctx context.Context) {
	var wg sync.WaitGroup
	patientSeq := 0

	for h := 1; h <= s.config.Simulator.Hospitals; h++ {
		for w := 1; w <= s.config.Simulator.WardsPerHosp; w++ {
			for p := 1; p <= s.config.Simulator.PatientsPerWard; p++ {
				patientSeq++
				hospital := fmt.Sprintf("%d", h)
				ward := fmt.Sprintf("ward_%d", w)
				patient := fmt.Sprintf("%d", patientSeq)

				if err := s.sem.Acquire(ctx, 1); err != nil {
					return
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer s.sem.Release(1)
					if err := s.publishVitals(hospital, ward, patient); err != nil {
						s.logger.Error("Failed to publish vitals",
							zap.String("patient", patient),
							zap.Error(err),
						)
					}
				}()
			}
		}
	}
	wg.Wait()
}

// publishVitals 生成、加密并发布单个患者的读数
func (s *Simulator) publishVitals(hospital, ward, patient string) error {
	deviceID := hospital + "_" + patient
	now := time.Now()

	payload := map[string]interface{}{
		"patient_id": patient,
		"timestamp":  now.UTC().Format(time.RFC3339),
	}
	for field, value := range GenerateVitals() {
		payload[field] = value
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal vitals: %w", err)
	}

	env := models.Envelope{
		DeviceID:    deviceID,
		Hospital:    hospital,
		Ward:        ward,
		Timestamp:   now.UTC().Format(time.RFC3339),
		TimestampUS: now.UnixMicro(),
	}

	if s.config.Simulator.Encrypt {
		key, err := s.keys.GetKey(deviceID)
		if err != nil {
			return fmt.Errorf("failed to get device key: %w", err)
		}

		encryptStart := time.Now()
		// 每条消息使用新的随机nonce，避免同密钥下nonce重用
		ciphertext, nonce, err := crypto.Encrypt(key, plaintext, nil)
		if err != nil {
			return fmt.Errorf("failed to encrypt vitals: %w", err)
		}
		env.Encrypted = true
		env.Ciphertext, env.Nonce = models.EncodePayload(ciphertext, nonce)
		env.LatencyEncryptMS = float64(time.Since(encryptStart).Microseconds()) / 1000.0
	} else {
		// 明文降级模式：接入侧会对此计数告警
		env.Encrypted = false
		var vitals models.Vitals
		if err := json.Unmarshal(plaintext, &vitals); err != nil {
			return fmt.Errorf("failed to build plain vitals: %w", err)
		}
		env.Vitals = vitals
	}

	body, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := models.DeviceTopic(hospital, ward, patient)
	if err := s.mqttClient.Publish(topic, s.config.MQTT.QoS, false, body); err != nil {
		return err
	}

	s.logger.Debug("Published vitals",
		zap.String("device_id", deviceID),
		zap.String("topic", topic),
		zap.Bool("encrypted", env.Encrypted),
	)
	return nil
}

// vitalRanges 各体征的生理正常区间
var vitalRanges = []struct {
	Field string
	Min   float64
	Max   float64
}{
	{"heart_rate", 60, 100},
	{"bp_systolic", 100, 140},
	{"bp_diastolic", 60, 90},
	{"respiratory_rate", 12, 20},
	{"spo2", 94, 100},
	{"etco2", 30, 43},
	{"fio2", 21, 21},
	{"temperature", 36.1, 37.8},
	{"wbc_count", 4.0, 11.0},
	{"lactate", 0.5, 2.0},
	{"blood_glucose", 70, 140},
}

// GenerateVitals 在生理正常区间内随机生成一组体征值
func GenerateVitals() models.Vitals {
	vitals := make(models.Vitals, len(vitalRanges))
	for _, r := range vitalRanges {
		value := r.Min + rand.Float64()*(r.Max-r.Min)
		// 保留一位小数，贴近真实设备的上报精度
		vitals[r.Field] = float64(int(value*10)) / 10
	}
	return vitals
}
