package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/consumer"
	"carepulse-ingest/internal/httpapi"
	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/metrics"
	"carepulse-ingest/internal/mqtt"
	"carepulse-ingest/internal/store"
	"carepulse-ingest/internal/stream"
)

// IngestService 接入服务
// 显式持有连接、滚动存储与指标记录器，负责统一的构建与关停生命周期
type IngestService struct {
	config     *config.Config
	logger     *zap.Logger
	keys       keystore.Store
	recorder   *metrics.Recorder
	rolling    *store.RollingStore
	mqttClient *mqtt.Client
	publisher  *stream.Publisher
	consumer   *consumer.MQTTConsumer
	httpServer *http.Server
}

// NewIngestService 创建接入服务
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	// 密钥存储初始化失败不阻止启动：服务降级运行，
	// 加密消息将以crypto_unavailable被拒绝并触发告警指标
	var keys keystore.Store
	if fs, err := keystore.NewFileStore(cfg.KeyStore.Path, cfg.KeyStore.AutoProvision, logger); err != nil {
		logger.Error("Key store initialization failed - encrypted messages will be rejected",
			zap.String("path", cfg.KeyStore.Path),
			zap.Error(err),
		)
	} else {
		keys = fs
	}

	recorder := metrics.NewRecorder()
	rolling := store.NewRollingStore(store.DefaultCapacity)

	// broker连不上（含TLS回退后仍失败）是启动失败
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	var publisher *stream.Publisher
	var streamPub consumer.StreamPublisher
	if cfg.Redis.Enabled {
		p, err := stream.NewPublisher(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis stream publisher unavailable, fan-out disabled", zap.Error(err))
		} else {
			publisher = p
			streamPub = p
		}
	}

	var scorer consumer.AnomalyScorer
	if cfg.Anomaly.URL != "" {
		scorer = NewAnomalyClient(cfg.Anomaly.URL, time.Duration(cfg.Anomaly.Timeout)*time.Second, logger)
	}
	var saver consumer.ReadingSaver
	if cfg.Storage.URL != "" {
		saver = NewStorageClient(cfg.Storage.URL, cfg.Storage.EncryptionKey, time.Duration(cfg.Storage.Timeout)*time.Second, logger)
	}

	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, keys, recorder, rolling, scorer, saver, streamPub, logger)

	router := httpapi.NewRouter(logger)
	router.RegisterQueryRoutes(httpapi.NewQueryHandler(rolling, recorder, keys, mqttClient, logger))
	router.HandleHandler("/metrics", recorder.Handler())

	return &IngestService{
		config:     cfg,
		logger:     logger,
		keys:       keys,
		recorder:   recorder,
		rolling:    rolling,
		mqttClient: mqttClient,
		publisher:  publisher,
		consumer:   mqttConsumer,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: router,
		},
	}, nil
}

// Start 启动消费者与查询接口
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("Ingest service started successfully")
	return nil
}

// Stop 优雅关停：停止消费、关闭查询接口、断开连接
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Error closing stream publisher", zap.Error(err))
		}
	}

	s.logger.Info("Ingest service stopped")
	return nil
}
