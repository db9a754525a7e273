// Package stream 将解码后的读数分发到 Redis Streams，供下游消费方
// （报警、数据融合等）按消费者组读取。分发失败只记录日志，不影响接入管道。
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/models"
)

// Publisher Redis Streams 发布器
type Publisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewPublisher 创建发布器并校验Redis连通性
func NewPublisher(cfg *config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Publisher{
		client: client,
		stream: cfg.Stream,
		logger: logger,
	}, nil
}

// PublishReading 将读数以JSON发布到Stream
func (p *Publisher) PublishReading(ctx context.Context, reading *models.Reading) (string, error) {
	data, err := json.Marshal(reading)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reading: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream: %w", err)
	}

	p.logger.Debug("Published reading to Redis Streams",
		zap.String("stream", p.stream),
		zap.String("stream_id", id),
		zap.String("device_id", reading.DeviceID),
	)
	return id, nil
}

// Close 关闭Redis连接
func (p *Publisher) Close() error {
	return p.client.Close()
}
