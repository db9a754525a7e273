package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carepulse-ingest/internal/config"
)

// MessageHandler 消息处理函数类型
// 返回错误只用于记录，单条消息的失败不会中断订阅循环
type MessageHandler func(topic string, payload []byte) error

// Client MQTT客户端封装
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient 创建MQTT客户端并建立连接
//
// UseTLS开启时先尝试TLS端口，失败后回退到明文端口并告警；
// 两者都失败视为启动失败（进程级错误，不做静默忽略）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	// ClientID 加随机后缀，避免重启后与broker中的残留会话冲突
	clientID := fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])

	if cfg.UseTLS {
		tlsCfg, err := newTLSConfig(cfg.CAFile)
		if err != nil {
			logger.Error("Failed to load TLS config, falling back to plain MQTT", zap.Error(err))
		} else {
			broker := fmt.Sprintf("ssl://%s:%d", cfg.Broker, cfg.PortTLS)
			client, err := connect(cfg, broker, clientID, tlsCfg)
			if err == nil {
				logger.Info("Connected to MQTT broker with TLS", zap.String("broker", broker))
				return &Client{client: client, config: cfg, logger: logger}, nil
			}
			logger.Warn("TLS connection failed, falling back to plain MQTT",
				zap.String("broker", broker),
				zap.Error(err),
			)
		}
	}

	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.PortPlain)
	client, err := connect(cfg, broker, clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}

	if cfg.UseTLS {
		logger.Warn("Connected to MQTT broker WITHOUT TLS (fallback)", zap.String("broker", broker))
	} else {
		logger.Info("Connected to MQTT broker", zap.String("broker", broker))
	}
	return &Client{client: client, config: cfg, logger: logger}, nil
}

func connect(cfg *config.MQTTConfig, broker, clientID string, tlsCfg *tls.Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

func newTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no valid certificates in %s", caFile)
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Error("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
