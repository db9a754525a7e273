package config

import (
	"os"
	"strconv"
)

// MQTTConfig MQTT连接配置
type MQTTConfig struct {
	Broker    string // broker 主机名（不带端口）
	PortTLS   int    // TLS 端口，如 8883
	PortPlain int    // 明文端口，如 1883
	UseTLS    bool
	CAFile    string // TLS CA 证书路径
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	Topic     string // 订阅主题，如 "hospital/#"
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Stream   string
}

// Config 接入服务配置
type Config struct {
	MQTT MQTTConfig

	KeyStore struct {
		Path          string // 设备密钥文件路径
		AutoProvision bool   // 未知设备自动发放密钥（开发模式策略）
	}

	// 下游协作服务
	Anomaly struct {
		URL     string // 异常评分服务，如 "http://ml-service:6000"
		Timeout int    // 超时（秒）
	}
	Storage struct {
		URL           string // 持久化存储服务，如 "http://web-dashboard:5000"
		Timeout       int    // 超时（秒）
		EncryptionKey string // 数据落盘加密口令（与传输层密钥无关）
	}

	// Redis Streams 数据分发（可选）
	Redis RedisConfig

	HTTP struct {
		Addr string // 查询/指标接口监听地址
	}

	Pipeline struct {
		MaxInflight int // 工作池并发上限
	}

	// 设备模拟器配置（仅 carepulse-simulator 使用）
	Simulator struct {
		Hospitals       int
		WardsPerHosp    int
		PatientsPerWard int
		IntervalSeconds int
		Encrypt         bool
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "localhost")
	cfg.MQTT.PortTLS = getEnvInt("MQTT_PORT_TLS", 8883)
	cfg.MQTT.PortPlain = getEnvInt("MQTT_PORT_PLAIN", 1883)
	cfg.MQTT.UseTLS = getEnvBool("MQTT_USE_TLS", true)
	cfg.MQTT.CAFile = getEnv("MQTT_CA_FILE", "certs/ca.crt")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "carepulse-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "hospital/#")

	cfg.KeyStore.Path = getEnv("KEYSTORE_PATH", "keys/device_keys.json")
	cfg.KeyStore.AutoProvision = getEnvBool("KEYSTORE_AUTO_PROVISION", true)

	cfg.Anomaly.URL = getEnv("ANOMALY_SERVICE_URL", "http://ml-service:6000")
	cfg.Anomaly.Timeout = getEnvInt("ANOMALY_TIMEOUT_SECONDS", 3)

	cfg.Storage.URL = getEnv("STORAGE_SERVICE_URL", "http://web-dashboard:5000")
	cfg.Storage.Timeout = getEnvInt("STORAGE_TIMEOUT_SECONDS", 2)
	cfg.Storage.EncryptionKey = getEnv("DB_ENCRYPTION_KEY", "dev-db-key-change-in-production")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Enabled = cfg.Redis.Addr != ""
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.Stream = getEnv("REDIS_STREAM", "vitals:data:stream")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8000")

	cfg.Pipeline.MaxInflight = getEnvInt("PIPELINE_MAX_INFLIGHT", 15)

	cfg.Simulator.Hospitals = getEnvInt("SIM_HOSPITALS", 1)
	cfg.Simulator.WardsPerHosp = getEnvInt("SIM_WARDS", 2)
	cfg.Simulator.PatientsPerWard = getEnvInt("SIM_PATIENTS_PER_WARD", 5)
	cfg.Simulator.IntervalSeconds = getEnvInt("SIM_INTERVAL_SECONDS", 5)
	cfg.Simulator.Encrypt = getEnvBool("SIM_ENCRYPT", true)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
