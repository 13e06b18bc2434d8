package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/chevastian666/forten-sub002/pkg/database"
	"github.com/chevastian666/forten-sub002/pkg/mqtt"
	"github.com/chevastian666/forten-sub002/pkg/redisx"
)

// Config 监控服务配置
type Config struct {
	Database database.Config `yaml:"database"`
	Redis    redisx.Config   `yaml:"redis"`
	MQTT     mqtt.Config     `yaml:"mqtt"`

	HTTP struct {
		Addr   string `yaml:"addr"`
		APIKey string `yaml:"api_key"` // 事件上报接口的共享密钥
	} `yaml:"http"`

	Gateway struct {
		JWTSecret     string `yaml:"jwt_secret"`
		SendQueueSize int    `yaml:"send_queue_size"` // 每连接发送缓冲，默认 64
		PingInterval  int    `yaml:"ping_interval"`   // 秒，默认 30
		PongWait      int    `yaml:"pong_wait"`       // 秒，默认 60
	} `yaml:"gateway"`

	Monitor struct {
		PollInterval        int `yaml:"poll_interval"`         // 健康轮询间隔（秒），默认 30
		ProbeTimeout        int `yaml:"probe_timeout"`         // 单设备探测超时（秒），默认 5
		MaxConcurrentProbes int `yaml:"max_concurrent_probes"` // 并发探测上限，默认 16
		OfflineThreshold    int `yaml:"offline_threshold"`     // 心跳过期阈值（分钟），默认 5
	} `yaml:"monitor"`

	Alerts struct {
		DispatchInterval int `yaml:"dispatch_interval"` // 待发送扫描间隔（秒），默认 10
		RetryInterval    int `yaml:"retry_interval"`    // 重试扫描间隔（秒），默认 60
		MaxRetries       int `yaml:"max_retries"`       // 默认 3
		BatchSize        int `yaml:"batch_size"`        // 单次扫描批量，默认 100
		BackoffBase      int `yaml:"backoff_base"`      // 退避基数（秒），默认 60
		BackoffMax       int `yaml:"backoff_max"`       // 退避上限（秒），默认 1800
		ClaimTTL         int `yaml:"claim_ttl"`         // Redis 派发占用 TTL（秒），默认 60
	} `yaml:"alerts"`

	Streaming struct {
		FFmpegPath   string `yaml:"ffmpeg_path"`   // 默认 "ffmpeg"
		ArtifactDir  string `yaml:"artifact_dir"`  // HLS 切片输出目录
		IdleTimeout  int    `yaml:"idle_timeout"`  // 空闲回收阈值（分钟），默认 30
		StopGrace    int    `yaml:"stop_grace"`    // 优雅停止等待（秒），默认 5
		ReapInterval int    `yaml:"reap_interval"` // 回收扫描间隔（秒），默认 60
	} `yaml:"streaming"`

	VideoSource struct {
		BaseURL     string `yaml:"base_url"`      // 视频管理系统 API
		APIKey      string `yaml:"api_key"`
		DoorBaseURL string `yaml:"door_base_url"` // 门禁控制器 API
		Timeout     int    `yaml:"timeout"`       // 秒，默认 10
	} `yaml:"video_source"`

	Notify struct {
		EmailEndpoint string `yaml:"email_endpoint"`
		SMSEndpoint   string `yaml:"sms_endpoint"`
		PushEndpoint  string `yaml:"push_endpoint"`
		APIKey        string `yaml:"api_key"`
		Timeout       int    `yaml:"timeout"` // 秒，默认 10
	} `yaml:"notify"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：环境变量优先，可选 YAML 文件（CONFIG_FILE）补充默认值
func Load() (*Config, error) {
	cfg := &Config{}

	// 可选的 YAML 配置文件
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// 数据库
	cfg.Database.Host = getEnv("DB_HOST", defaultStr(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvInt("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnv("DB_USER", defaultStr(cfg.Database.User, "postgres"))
	cfg.Database.Password = getEnv("DB_PASSWORD", defaultStr(cfg.Database.Password, "postgres"))
	cfg.Database.Database = getEnv("DB_NAME", defaultStr(cfg.Database.Database, "forten"))
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", defaultStr(cfg.Database.SSLMode, "disable"))
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", defaultInt(cfg.Database.MaxConns, 20))
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", defaultInt(cfg.Database.MaxIdle, 5))

	// Redis
	cfg.Redis.Addr = getEnv("REDIS_ADDR", defaultStr(cfg.Redis.Addr, "localhost:6379"))
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	// MQTT（硬件事件上报）
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", defaultStr(cfg.MQTT.Broker, "tcp://localhost:1883"))
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", defaultStr(cfg.MQTT.ClientID, "forten-monitor"))
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", defaultInt(int(cfg.MQTT.QoS), 1)))

	// HTTP
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", defaultStr(cfg.HTTP.Addr, ":8080"))
	cfg.HTTP.APIKey = getEnv("HTTP_API_KEY", cfg.HTTP.APIKey)

	// Gateway
	cfg.Gateway.JWTSecret = getEnv("GATEWAY_JWT_SECRET", defaultStr(cfg.Gateway.JWTSecret, "change-me"))
	cfg.Gateway.SendQueueSize = getEnvInt("GATEWAY_SEND_QUEUE", defaultInt(cfg.Gateway.SendQueueSize, 64))
	cfg.Gateway.PingInterval = getEnvInt("GATEWAY_PING_INTERVAL", defaultInt(cfg.Gateway.PingInterval, 30))
	cfg.Gateway.PongWait = getEnvInt("GATEWAY_PONG_WAIT", defaultInt(cfg.Gateway.PongWait, 60))

	// 健康监控
	cfg.Monitor.PollInterval = getEnvInt("MONITOR_POLL_INTERVAL", defaultInt(cfg.Monitor.PollInterval, 30))
	cfg.Monitor.ProbeTimeout = getEnvInt("MONITOR_PROBE_TIMEOUT", defaultInt(cfg.Monitor.ProbeTimeout, 5))
	cfg.Monitor.MaxConcurrentProbes = getEnvInt("MONITOR_MAX_PROBES", defaultInt(cfg.Monitor.MaxConcurrentProbes, 16))
	cfg.Monitor.OfflineThreshold = getEnvInt("MONITOR_OFFLINE_THRESHOLD", defaultInt(cfg.Monitor.OfflineThreshold, 5))

	// 报警管道
	cfg.Alerts.DispatchInterval = getEnvInt("ALERTS_DISPATCH_INTERVAL", defaultInt(cfg.Alerts.DispatchInterval, 10))
	cfg.Alerts.RetryInterval = getEnvInt("ALERTS_RETRY_INTERVAL", defaultInt(cfg.Alerts.RetryInterval, 60))
	cfg.Alerts.MaxRetries = getEnvInt("ALERTS_MAX_RETRIES", defaultInt(cfg.Alerts.MaxRetries, 3))
	cfg.Alerts.BatchSize = getEnvInt("ALERTS_BATCH_SIZE", defaultInt(cfg.Alerts.BatchSize, 100))
	cfg.Alerts.BackoffBase = getEnvInt("ALERTS_BACKOFF_BASE", defaultInt(cfg.Alerts.BackoffBase, 60))
	cfg.Alerts.BackoffMax = getEnvInt("ALERTS_BACKOFF_MAX", defaultInt(cfg.Alerts.BackoffMax, 1800))
	cfg.Alerts.ClaimTTL = getEnvInt("ALERTS_CLAIM_TTL", defaultInt(cfg.Alerts.ClaimTTL, 60))

	// 视频会话
	cfg.Streaming.FFmpegPath = getEnv("STREAMING_FFMPEG_PATH", defaultStr(cfg.Streaming.FFmpegPath, "ffmpeg"))
	cfg.Streaming.ArtifactDir = getEnv("STREAMING_ARTIFACT_DIR", defaultStr(cfg.Streaming.ArtifactDir, "/var/lib/forten/streams"))
	cfg.Streaming.IdleTimeout = getEnvInt("STREAMING_IDLE_TIMEOUT", defaultInt(cfg.Streaming.IdleTimeout, 30))
	cfg.Streaming.StopGrace = getEnvInt("STREAMING_STOP_GRACE", defaultInt(cfg.Streaming.StopGrace, 5))
	cfg.Streaming.ReapInterval = getEnvInt("STREAMING_REAP_INTERVAL", defaultInt(cfg.Streaming.ReapInterval, 60))

	// 外部视频源 / 门禁
	cfg.VideoSource.BaseURL = getEnv("VIDEO_SOURCE_URL", defaultStr(cfg.VideoSource.BaseURL, "http://localhost:9000"))
	cfg.VideoSource.APIKey = getEnv("VIDEO_SOURCE_API_KEY", cfg.VideoSource.APIKey)
	cfg.VideoSource.DoorBaseURL = getEnv("DOOR_CONTROLLER_URL", defaultStr(cfg.VideoSource.DoorBaseURL, "http://localhost:9001"))
	cfg.VideoSource.Timeout = getEnvInt("VIDEO_SOURCE_TIMEOUT", defaultInt(cfg.VideoSource.Timeout, 10))

	// 通知提供商
	cfg.Notify.EmailEndpoint = getEnv("NOTIFY_EMAIL_ENDPOINT", cfg.Notify.EmailEndpoint)
	cfg.Notify.SMSEndpoint = getEnv("NOTIFY_SMS_ENDPOINT", cfg.Notify.SMSEndpoint)
	cfg.Notify.PushEndpoint = getEnv("NOTIFY_PUSH_ENDPOINT", cfg.Notify.PushEndpoint)
	cfg.Notify.APIKey = getEnv("NOTIFY_API_KEY", cfg.Notify.APIKey)
	cfg.Notify.Timeout = getEnvInt("NOTIFY_TIMEOUT", defaultInt(cfg.Notify.Timeout, 10))

	// 日志
	cfg.Log.Level = getEnv("LOG_LEVEL", defaultStr(cfg.Log.Level, "info"))
	cfg.Log.Format = getEnv("LOG_FORMAT", defaultStr(cfg.Log.Format, "json"))

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

func defaultStr(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func defaultInt(current, fallback int) int {
	if current != 0 {
		return current
	}
	return fallback
}
