package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carepulse-ingest/internal/crypto"
	"carepulse-ingest/internal/models"
)

func testReading() *models.Reading {
	return &models.Reading{
		Hospital: "1",
		Dept:     "dept_2",
		Ward:     "ward_2",
		Patient:  "7",
		DeviceID: "1_7",
		Vitals: models.Vitals{
			"heart_rate":    72,
			"spo2":          98,
			"anomaly_score": 0.1,
		},
		Timestamp: "2026-08-30T10:00:00Z",
	}
}

func TestStorageClient_SaveReading(t *testing.T) {
	const passphrase = "test-db-key"

	var received saveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/vitals/save", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewStorageClient(srv.URL, passphrase, 2*time.Second, zap.NewNop())
	require.NoError(t, client.SaveReading(context.Background(), testReading()))

	require.Equal(t, "7", received.PatientID)

	// 传输的是落盘加密后的记录，服务端（测试里持有同一口令）可还原
	plaintext, err := crypto.DecryptAtRest(passphrase, received.EncryptedData)
	require.NoError(t, err)

	var record VitalsRecord
	require.NoError(t, json.Unmarshal(plaintext, &record))
	require.Equal(t, "7", record.PatientID)
	require.Equal(t, "dept_2", record.Department)
	require.Equal(t, 72.0, record.HeartRate)
	require.Equal(t, 98.0, record.SpO2)
	require.Equal(t, 0.1, record.AnomalyScore)
	// 缺失字段的默认值
	require.Equal(t, 21.0, record.FiO2)
	require.Equal(t, 0.0, record.Temperature)
}

func TestStorageClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewStorageClient(srv.URL, "key", 2*time.Second, zap.NewNop())
	require.Error(t, client.SaveReading(context.Background(), testReading()))
}

func TestStorageClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewStorageClient(srv.URL, "key", time.Second, zap.NewNop())
	require.Error(t, client.SaveReading(context.Background(), testReading()))
}
