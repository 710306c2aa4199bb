package config

import (
	"os"
	"strconv"
)

// Config 采集检测服务配置
type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Enabled     bool
		Broker      string
		ClientID    string
		Username    string
		Password    string
		QoS         byte
		IngestTopic string // 设备上行主题，如 "helmet/+/ingest"
	}

	Server struct {
		Addr string // WebSocket 接入地址
	}

	Cache struct {
		RiskKeyPrefix string // 实时风险缓存键前缀，如 "rideguard:device:"
		RiskSuffix    string // 实时风险缓存键后缀，如 ":risk"
		RiskTTL       int    // 实时风险 TTL（秒）
		AlertStream   string // 报警下游 Stream 名称
	}

	Pipeline struct {
		QueueSize int // 入站队列容量
	}

	Detector struct {
		WarmupWindows      int     // 允许确认前的最少打分次数
		StreakMin          int     // 确认所需的最少连续异常次数
		EvidencePercentile float64 // 自适应佐证阈值的分位数
		ModelConfigPath    string  // 基线模型配置 JSON 路径（空则用默认配置）
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "rideguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "rideguard-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.IngestTopic = getEnv("MQTT_INGEST_TOPIC", "helmet/+/ingest")

	cfg.Server.Addr = getEnv("SERVER_ADDR", ":8080")

	cfg.Cache.RiskKeyPrefix = getEnv("CACHE_RISK_PREFIX", "rideguard:device:")
	cfg.Cache.RiskSuffix = ":risk"
	cfg.Cache.RiskTTL = getEnvInt("CACHE_RISK_TTL", 30)
	cfg.Cache.AlertStream = getEnv("ALERT_STREAM", "rideguard:alerts")

	cfg.Pipeline.QueueSize = getEnvInt("QUEUE_SIZE", 10000)

	cfg.Detector.WarmupWindows = getEnvInt("WARMUP_WINDOWS", 10)
	cfg.Detector.StreakMin = getEnvInt("STREAK_MIN", 2)
	cfg.Detector.EvidencePercentile = getEnvFloat("EVIDENCE_PERCENTILE", 95.0)
	cfg.Detector.ModelConfigPath = getEnv("MODEL_CONFIG_PATH", "")

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
