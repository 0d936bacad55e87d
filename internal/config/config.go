package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-cardio/common/config"
)

// ModalityConfig 单个模态的采集约束
type ModalityConfig struct {
	SampleRateHz    int     // 默认采样率（start_* 未声明时使用）
	MaxSampleRateHz int     // 设备可声明的最高采样率，缓冲上限按它封顶
	Format          string  // 默认编码，如 "s16le"
	MaxDurationSec  float64 // 最大时长，超过即强制 error
	MinDurationSec  float64 // 可分析的最小时长，不足则记为 insufficient_data
}

// MaxBufferBytes 单个模态缓冲区的内存上限（按最高采样率、双声道 32 位计算）
const MaxBufferBytes = 1 << 30

// Config 心音/心电流式推理服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Cardio struct {
		// MQTT 主题根（可为空），完整主题：{root}/tenant/{t}/device/{d}/session/{s}/{kind}
		TopicRoot string

		DemoMode bool // 强制使用 placeholder 模型

		HeartSound ModalityConfig
		Electrical ModalityConfig

		IdleTimeout     time.Duration // 无消息空闲超时 -> 部分 finalize
		AbsoluteTimeout time.Duration // 绝对时长超时 -> error
		TombstoneTTL    time.Duration // 终态会话 ID 保留时长，防止迟到分片复活会话
		MailboxSize     int           // 每个会话 actor 的信箱容量

		Inference struct {
			ModelDir      string
			Workers       int
			QueueSize     int
			SubmitTimeout time.Duration
			HTTPTimeout   time.Duration
		}

		Telemetry struct {
			RateHz        float64 // 1-5 Hz
			WindowSamples int     // 每个模态快照中的最近样本数
			CacheTTL      time.Duration
			Stream        string // Redis 追加写遥测流
			StreamMaxLen  int64
			PersistEvery  int // 每 N 个 tick 落库一次，0 表示不落库
		}

		Storage struct {
			Dir string // 录音文件目录
		}

		LastSeenTTL time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-cardio")
	cfg.MQTT.ControlQoS = 1
	cfg.MQTT.DataQoS = 0
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	// 心音/心电服务配置
	c := &cfg.Cardio
	c.TopicRoot = strings.Trim(getEnv("CARDIO_TOPIC_ROOT", ""), "/")
	c.DemoMode = getEnvBool("CARDIO_DEMO_MODE", false)

	c.HeartSound = ModalityConfig{
		SampleRateHz:    getEnvInt("CARDIO_HS_SAMPLE_RATE", 22050),
		MaxSampleRateHz: getEnvInt("CARDIO_HS_MAX_SAMPLE_RATE", 48000),
		Format:          getEnv("CARDIO_HS_FORMAT", "s16le"),
		MaxDurationSec:  getEnvFloat("CARDIO_HS_MAX_DURATION_SEC", 60),
		MinDurationSec:  getEnvFloat("CARDIO_HS_MIN_DURATION_SEC", 2),
	}
	c.Electrical = ModalityConfig{
		SampleRateHz:    getEnvInt("CARDIO_ECG_SAMPLE_RATE", 500),
		MaxSampleRateHz: getEnvInt("CARDIO_ECG_MAX_SAMPLE_RATE", 2000),
		Format:          getEnv("CARDIO_ECG_FORMAT", "s16le"),
		MaxDurationSec:  getEnvFloat("CARDIO_ECG_MAX_DURATION_SEC", 60),
		MinDurationSec:  getEnvFloat("CARDIO_ECG_MIN_DURATION_SEC", 2),
	}

	c.IdleTimeout = getEnvSeconds("CARDIO_IDLE_TIMEOUT_SEC", 10*time.Second)
	c.AbsoluteTimeout = getEnvSeconds("CARDIO_ABSOLUTE_TIMEOUT_SEC", 10*time.Minute)
	c.TombstoneTTL = getEnvSeconds("CARDIO_TOMBSTONE_TTL_SEC", time.Hour)
	c.MailboxSize = getEnvInt("CARDIO_MAILBOX_SIZE", 256)

	c.Inference.ModelDir = getEnv("CARDIO_MODEL_DIR", "./models")
	c.Inference.Workers = getEnvInt("CARDIO_INFERENCE_WORKERS", 4)
	c.Inference.QueueSize = getEnvInt("CARDIO_INFERENCE_QUEUE", 64)
	c.Inference.SubmitTimeout = getEnvSeconds("CARDIO_INFERENCE_SUBMIT_TIMEOUT_SEC", 30*time.Second)
	c.Inference.HTTPTimeout = getEnvSeconds("CARDIO_MODEL_HTTP_TIMEOUT_SEC", 10*time.Second)

	c.Telemetry.RateHz = getEnvFloat("CARDIO_TELEMETRY_HZ", 2)
	c.Telemetry.WindowSamples = getEnvInt("CARDIO_TELEMETRY_WINDOW", 512)
	c.Telemetry.CacheTTL = getEnvSeconds("CARDIO_TELEMETRY_CACHE_TTL_SEC", 5*time.Second)
	c.Telemetry.Stream = getEnv("CARDIO_TELEMETRY_STREAM", "cardio:telemetry:stream")
	c.Telemetry.StreamMaxLen = int64(getEnvInt("CARDIO_TELEMETRY_STREAM_MAXLEN", 10000))
	c.Telemetry.PersistEvery = getEnvInt("CARDIO_TELEMETRY_PERSIST_EVERY", 0)

	c.Storage.Dir = getEnv("CARDIO_STORAGE_DIR", "./data/recordings")
	c.LastSeenTTL = getEnvSeconds("CARDIO_LAST_SEEN_TTL_SEC", 24*time.Hour)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置；遥测频率超出 1-5 Hz 时钳制而不是报错
func (c *Config) Validate() error {
	for name, m := range map[string]ModalityConfig{
		"heart-sound": c.Cardio.HeartSound,
		"electrical":  c.Cardio.Electrical,
	} {
		if m.SampleRateHz <= 0 {
			return fmt.Errorf("%s: sample rate must be positive, got %d", name, m.SampleRateHz)
		}
		if m.MaxDurationSec <= 0 {
			return fmt.Errorf("%s: max duration must be positive, got %v", name, m.MaxDurationSec)
		}
		if m.MinDurationSec < 0 || m.MinDurationSec > m.MaxDurationSec {
			return fmt.Errorf("%s: min duration %v outside [0, %v]", name, m.MinDurationSec, m.MaxDurationSec)
		}
		if m.MaxSampleRateHz < m.SampleRateHz {
			return fmt.Errorf("%s: max sample rate %d below default %d", name, m.MaxSampleRateHz, m.SampleRateHz)
		}
		if m.MaxDurationSec*float64(m.MaxSampleRateHz)*8 > MaxBufferBytes {
			return fmt.Errorf("%s: %v s at %d Hz exceeds buffer ceiling of %d bytes", name, m.MaxDurationSec, m.MaxSampleRateHz, MaxBufferBytes)
		}
	}
	if c.Cardio.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.Cardio.AbsoluteTimeout <= c.Cardio.IdleTimeout {
		return fmt.Errorf("absolute timeout (%s) must exceed idle timeout (%s)", c.Cardio.AbsoluteTimeout, c.Cardio.IdleTimeout)
	}
	if c.Cardio.Inference.Workers <= 0 || c.Cardio.Inference.QueueSize <= 0 {
		return fmt.Errorf("inference workers and queue size must be positive")
	}
	if c.Cardio.MailboxSize <= 0 {
		c.Cardio.MailboxSize = 256
	}

	if c.Cardio.Telemetry.RateHz < 1 {
		c.Cardio.Telemetry.RateHz = 1
	}
	if c.Cardio.Telemetry.RateHz > 5 {
		c.Cardio.Telemetry.RateHz = 5
	}
	if c.Cardio.Telemetry.WindowSamples <= 0 {
		c.Cardio.Telemetry.WindowSamples = 512
	}
	return nil
}

// TelemetryInterval 遥测发布周期
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Cardio.Telemetry.RateHz)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return defaultValue
}
