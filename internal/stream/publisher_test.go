package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/models"
)

func TestPublisher_PublishReading(t *testing.T) {
	mr := miniredis.RunT(t)

	pub, err := NewPublisher(&config.RedisConfig{
		Addr:   mr.Addr(),
		Stream: "vitals:readings",
	}, zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	reading := &models.Reading{
		Hospital: "1",
		Dept:     "dept_2",
		Ward:     "ward_2",
		Patient:  "7",
		DeviceID: "1_7",
		Vitals:   models.Vitals{"heart_rate": 72},
	}

	id, err := pub.PublishReading(context.Background(), reading)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// 用独立客户端读回Stream条目
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	entries, err := client.XRange(context.Background(), "vitals:readings", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)

	var got models.Reading
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &got))
	require.Equal(t, "7", got.Patient)
	require.Equal(t, 72.0, got.Vitals["heart_rate"])
	require.Contains(t, entries[0].Values, "timestamp")
}

func TestNewPublisher_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewPublisher(&config.RedisConfig{Addr: addr, Stream: "s"}, zap.NewNop())
	require.Error(t, err)
}
