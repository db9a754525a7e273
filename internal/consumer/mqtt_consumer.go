// Package consumer 接入管道：订阅设备主题，解密、校验、充实并分发读数
//
// 单条消息的处理状态机：
//
//	Received → Parsed → (Decrypted | PlainAccepted) → Enriched → Dispatched
//
// 任一阶段失败进入 Rejected(reason)，只终止该条消息，订阅循环永不停摆。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/crypto"
	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/metrics"
	"carepulse-ingest/internal/models"
	"carepulse-ingest/internal/mqtt"
	"carepulse-ingest/internal/store"
)

// 拒绝原因，对应 decryption_failure_total 的 reason 标签
const (
	ReasonMalformedEnvelope = "malformed_envelope"
	ReasonInvalidNonce      = "invalid_nonce_or_key_length"
	ReasonAuthFailed        = "auth_failed"
	ReasonDeviceRevoked     = "device_revoked"
	ReasonUnknownDevice     = "unknown_device"
	ReasonCryptoUnavailable = "crypto_unavailable"
	ReasonDecryptionError   = "decryption_error"
)

// ErrCryptoUnavailable 密钥存储初始化失败（启动期配置故障）
// 加密消息将全部以 crypto_unavailable 原因被丢弃
var ErrCryptoUnavailable = errors.New("consumer: key store unavailable")

// AnomalyScorer 异常评分调用方接口
type AnomalyScorer interface {
	Score(ctx context.Context, vitals models.Vitals) (float64, error)
}

// ReadingSaver 持久化存储调用方接口
type ReadingSaver interface {
	SaveReading(ctx context.Context, reading *models.Reading) error
}

// StreamPublisher 读数分发接口
type StreamPublisher interface {
	PublishReading(ctx context.Context, reading *models.Reading) (string, error)
}

// MQTTConsumer MQTT消息消费者 / 接入管道
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	keys       keystore.Store // nil表示密钥存储初始化失败（配置故障）
	recorder   *metrics.Recorder
	rolling    *store.RollingStore
	scorer     AnomalyScorer   // 可选
	saver      ReadingSaver    // 可选
	publisher  StreamPublisher // 可选
	logger     *zap.Logger

	// 工作池：限制在途消息数，避免无界并发
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTTConsumer 创建接入管道消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	keys keystore.Store,
	recorder *metrics.Recorder,
	rolling *store.RollingStore,
	scorer AnomalyScorer,
	saver ReadingSaver,
	publisher StreamPublisher,
	logger *zap.Logger,
) *MQTTConsumer {
	maxInflight := cfg.Pipeline.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 15
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		keys:       keys,
		recorder:   recorder,
		rolling:    rolling,
		scorer:     scorer,
		saver:      saver,
		publisher:  publisher,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(maxInflight)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 订阅设备主题，启动消费
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.MQTT.Topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to device topics: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.config.MQTT.Topic),
		zap.Int("max_inflight", c.config.Pipeline.MaxInflight),
		zap.Bool("crypto_available", c.keys != nil),
	)
	return nil
}

// Stop 优雅停止：先停止接收新消息，等在途消息处理完（或超时），再返回
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.config.MQTT.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("MQTT consumer stopped")
	case <-ctx.Done():
		c.logger.Warn("MQTT consumer stopped with in-flight messages abandoned")
	case <-time.After(10 * time.Second):
		c.logger.Warn("MQTT consumer stopped with in-flight messages abandoned")
	}
	return nil
}

// handleMessage broker回调：只做接收时间戳记录和工作池投递
// 在途消息达到上限时在此阻塞，形成对broker读取的背压
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	receivedAt := time.Now()

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		// 正在关停，放弃该消息（broker为at-least-once，重连后会重投）
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.process(topic, payload, receivedAt)
	}()
	return nil
}

// process 在工作池中处理单条消息
func (c *MQTTConsumer) process(topic string, payload []byte, receivedAt time.Time) {
	// Parsed
	env, err := models.ParseEnvelope(payload)
	if err != nil {
		c.logger.Error("Malformed envelope, dropping message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		c.recorder.IncDecryptFailure("unknown", ReasonMalformedEnvelope)
		return
	}

	// 网络延迟：仅在设备带了发送时间戳且差值为正时记录（负值视为时钟偏移，丢弃）
	var networkMS float64
	if env.TimestampUS > 0 {
		networkMS = float64(receivedAt.UnixMicro()-env.TimestampUS) / 1000.0
		c.recorder.ObserveNetwork(env.DeviceID, networkMS)
	}

	info := models.ParseTopic(topic, env)
	dept := models.DeriveDept(info.Ward)

	// Decrypted | PlainAccepted
	var vitals models.Vitals
	if env.Encrypted {
		vitals, err = c.decrypt(env)
		if err != nil {
			return // 已在decrypt内记录拒绝原因
		}
	} else {
		c.recorder.IncPlain()
		vitals = env.Vitals
		c.logger.Warn("Received PLAIN vitals (unencrypted transmission)",
			zap.String("device_id", env.DeviceID),
		)
	}

	// 异常评分：评分缺失时请求下游服务，失败兜底为0.0（非致命）
	if score, ok := vitals["anomaly_score"]; !ok || score == 0 {
		vitals["anomaly_score"] = c.score(vitals, env.DeviceID)
	}

	// Enriched：位置元数据来自主题解析，而非信封内容
	reading := &models.Reading{
		Hospital:   info.Hospital,
		Dept:       dept,
		Ward:       info.Ward,
		Patient:    info.Patient,
		Vitals:     vitals,
		DeviceID:   env.DeviceID,
		Timestamp:  env.Timestamp,
		ReceivedAt: receivedAt,
	}

	// Dispatched：滚动存储 + 指标
	processStart := time.Now()
	c.rolling.Append(reading)
	c.recorder.UpdateReading(reading)
	processingMS := float64(time.Since(processStart).Microseconds()) / 1000.0
	c.recorder.ObserveProcessing(env.DeviceID, processingMS)

	if env.TimestampUS > 0 {
		totalMS := float64(time.Since(receivedAt).Microseconds()) / 1000.0
		c.recorder.ObserveEndToEnd(env.DeviceID, networkMS+totalMS)
	}

	// 下游分发：逐个fire-and-forget，失败只记日志，绝不回滚或重新解密
	c.fanout(reading)
}

// decrypt 解码、取密钥、解密并计时；失败时记录拒绝原因并返回错误
func (c *MQTTConsumer) decrypt(env *models.Envelope) (models.Vitals, error) {
	c.recorder.IncEncrypted()

	if c.keys == nil {
		// 配置故障而非单条消息问题，应触发运维告警
		c.logger.Error("Received encrypted data but key store unavailable",
			zap.String("device_id", env.DeviceID),
		)
		c.recorder.IncDecryptFailure(env.DeviceID, ReasonCryptoUnavailable)
		return nil, ErrCryptoUnavailable
	}

	ciphertext, nonce, err := env.DecodePayload()
	if err != nil {
		c.logger.Error("Failed to decode envelope payload",
			zap.String("device_id", env.DeviceID),
			zap.Error(err),
		)
		c.recorder.IncDecryptFailure(env.DeviceID, ReasonMalformedEnvelope)
		return nil, err
	}

	key, err := c.keys.GetKey(env.DeviceID)
	if err != nil {
		reason := ReasonDecryptionError
		switch {
		case errors.Is(err, keystore.ErrDeviceRevoked):
			reason = ReasonDeviceRevoked
		case errors.Is(err, keystore.ErrDeviceNotFound):
			reason = ReasonUnknownDevice
		}
		c.logger.Error("Failed to get device key",
			zap.String("device_id", env.DeviceID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		c.recorder.IncDecryptFailure(env.DeviceID, reason)
		return nil, err
	}

	decryptStart := time.Now()
	plaintext, err := crypto.Decrypt(key, nonce, ciphertext)
	decryptMS := float64(time.Since(decryptStart).Microseconds()) / 1000.0
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrAuthenticationFailed):
			// 标签校验失败是篡改或密钥错配的确定性证据，直接丢弃
			c.logger.Error("AUTHENTICATION FAILED - possible tampering",
				zap.String("device_id", env.DeviceID),
			)
			c.recorder.IncDecryptFailure(env.DeviceID, ReasonAuthFailed)
		case errors.Is(err, crypto.ErrInvalidNonceLength), errors.Is(err, crypto.ErrInvalidKeyLength):
			c.logger.Error("Invalid nonce or key length",
				zap.String("device_id", env.DeviceID),
				zap.Error(err),
			)
			c.recorder.IncDecryptFailure(env.DeviceID, ReasonInvalidNonce)
		default:
			c.logger.Error("Decryption error",
				zap.String("device_id", env.DeviceID),
				zap.Error(err),
			)
			c.recorder.IncDecryptFailure(env.DeviceID, ReasonDecryptionError)
		}
		return nil, err
	}

	var vitals models.Vitals
	if err := json.Unmarshal(plaintext, &vitals); err != nil {
		c.logger.Error("Decrypted payload is not valid JSON",
			zap.String("device_id", env.DeviceID),
			zap.Error(err),
		)
		c.recorder.IncDecryptFailure(env.DeviceID, ReasonDecryptionError)
		return nil, err
	}

	c.recorder.ObserveDecryption(env.DeviceID, decryptMS)
	c.recorder.IncDecryptSuccess(env.DeviceID)
	c.logger.Debug("Decrypted vitals",
		zap.String("device_id", env.DeviceID),
		zap.Float64("decrypt_ms", decryptMS),
	)
	return vitals, nil
}

// score 请求异常评分，失败兜底0.0
func (c *MQTTConsumer) score(vitals models.Vitals, deviceID string) float64 {
	if c.scorer == nil {
		return 0.0
	}
	score, err := c.scorer.Score(c.ctx, vitals)
	if err != nil {
		c.logger.Warn("Anomaly scoring failed, using fallback score 0.0",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return 0.0
	}
	return score
}

// fanout 分发到持久化存储与Redis Streams，失败互不影响且不中断管道
func (c *MQTTConsumer) fanout(reading *models.Reading) {
	if c.saver != nil {
		if err := c.saver.SaveReading(c.ctx, reading); err != nil {
			c.logger.Warn("Storage sink write failed, skipping",
				zap.String("patient", reading.Patient),
				zap.Error(err),
			)
		}
	}
	if c.publisher != nil {
		if _, err := c.publisher.PublishReading(c.ctx, reading); err != nil {
			c.logger.Warn("Stream publish failed, skipping",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}
}
