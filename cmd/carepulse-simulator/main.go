package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"carepulse-ingest/internal/config"
	"carepulse-ingest/internal/keystore"
	"carepulse-ingest/internal/logger"
	"carepulse-ingest/internal/mqtt"
	"carepulse-ingest/internal/simulator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "carepulse-simulator")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	// 设备侧密钥存储：与接入侧共享同一份密钥文件时即可解密
	keys, err := keystore.NewFileStore(cfg.KeyStore.Path, true, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize key store", zap.Error(err))
	}

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to MQTT", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	sim := simulator.New(cfg, keys, mqttClient, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := sim.Run(ctx); err != nil {
		zlog.Error("Simulator exited with error", zap.Error(err))
	}

	zlog.Info("Simulator stopped")
}
