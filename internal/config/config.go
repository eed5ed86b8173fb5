package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/zxyfanta/emsv1-sub000/internal/common/config"
)

// Config 遥测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 缓存配置
	Cache struct {
		DeviceTTL       time.Duration `envconfig:"CACHE_DEVICE_TTL" default:"5m"`        // 设备信息缓存基础 TTL
		DeviceTTLJitter time.Duration `envconfig:"CACHE_DEVICE_TTL_JITTER" default:"1m"` // TTL 随机抖动范围（±）
		StatusTTL       time.Duration `envconfig:"CACHE_STATUS_TTL" default:"600s"`      // 设备状态哈希 TTL
		LatestTTL       time.Duration `envconfig:"CACHE_LATEST_TTL" default:"10m"`       // 最新样本 TTL
		OpTimeout       time.Duration `envconfig:"CACHE_OP_TIMEOUT" default:"200ms"`     // 单次 Redis 操作超时
		SyncDelay       time.Duration `envconfig:"CACHE_SYNC_DELAY" default:"1s"`        // 延迟双删间隔
		SyncWorkers     int           `envconfig:"CACHE_SYNC_WORKERS" default:"5"`
		SyncQueue       int           `envconfig:"CACHE_SYNC_QUEUE" default:"100"`

		Breaker struct {
			Enabled          bool          `envconfig:"CACHE_BREAKER_ENABLED" default:"true"`
			FailureThreshold int           `envconfig:"CACHE_BREAKER_FAILURES" default:"5"`
			OpenTimeout      time.Duration `envconfig:"CACHE_BREAKER_OPEN_TIMEOUT" default:"10s"`
			HalfOpenRequests int           `envconfig:"CACHE_BREAKER_HALF_OPEN_REQUESTS" default:"1"`
		}
	}

	// 写缓冲配置
	Buffer struct {
		QueueMaxSize       int           `envconfig:"BUFFER_QUEUE_MAX_SIZE" default:"10000"`
		BatchMaxSize       int           `envconfig:"BUFFER_BATCH_MAX_SIZE" default:"1000"`
		FlushInterval      time.Duration `envconfig:"BUFFER_FLUSH_INTERVAL" default:"10s"`
		EmergencyInterval  time.Duration `envconfig:"BUFFER_EMERGENCY_INTERVAL" default:"2s"`
		HighWaterRatio     float64       `envconfig:"BUFFER_HIGH_WATER_RATIO" default:"0.8"`
		DropAlertThreshold int64         `envconfig:"BUFFER_DROP_ALERT_THRESHOLD" default:"100"` // 累计丢弃达到该值时发出数据丢失告警
		DirectFallback     bool          `envconfig:"BUFFER_DIRECT_FALLBACK" default:"true"`    // 缓存不可用时直接写库
	}

	// 在线状态配置
	Online struct {
		OnlineThreshold      time.Duration `envconfig:"ONLINE_THRESHOLD" default:"5m"`
		WarningThreshold     time.Duration `envconfig:"WARNING_THRESHOLD" default:"10m"`
		OfflineCheckInterval time.Duration `envconfig:"OFFLINE_CHECK_INTERVAL" default:"1m"`
		StatusSyncInterval   time.Duration `envconfig:"STATUS_SYNC_INTERVAL" default:"5m"`
	}

	// 告警配置
	Alert struct {
		DefaultCooldownMinutes int           `envconfig:"ALERT_DEFAULT_COOLDOWN_MINUTES" default:"30"`
		RuleCacheTTL           time.Duration `envconfig:"ALERT_RULE_CACHE_TTL" default:"30s"`
		OfflineEnabled         bool          `envconfig:"ALERT_OFFLINE_ENABLED" default:"true"`
		OfflineSeverity        string        `envconfig:"ALERT_OFFLINE_SEVERITY" default:"WARNING"`
		CPMRiseMinCPM          float64       `envconfig:"ALERT_CPM_RISE_MIN_CPM" default:"50"`

		// 内置规则（设备未配置同指标规则时生效）
		BuiltinEnabled         bool    `envconfig:"ALERT_BUILTIN_ENABLED" default:"true"`
		CPMRisePercent         float64 `envconfig:"ALERT_CPM_RISE_PERCENT" default:"15"`
		CPMRiseCooldownMinutes int     `envconfig:"ALERT_CPM_RISE_COOLDOWN_MINUTES" default:"5"`
		LowBatteryVoltage      float64 `envconfig:"ALERT_LOW_BATTERY_VOLTAGE" default:"3.5"`
	}

	// 事件通知配置
	Notify struct {
		StreamEnabled  bool          `envconfig:"NOTIFY_STREAM_ENABLED" default:"true"`
		StreamPrefix   string        `envconfig:"NOTIFY_STREAM_PREFIX" default:"ems:events:"`
		StreamMaxLen   int64         `envconfig:"NOTIFY_STREAM_MAXLEN" default:"10000"`
		MQTTEnabled    bool          `envconfig:"NOTIFY_MQTT_ENABLED" default:"false"`
		MQTTTopic      string        `envconfig:"NOTIFY_MQTT_TOPIC" default:"ems/events"`
		WebhookURL     string        `envconfig:"NOTIFY_WEBHOOK_URL" default:""`
		WebhookTimeout time.Duration `envconfig:"NOTIFY_WEBHOOK_TIMEOUT" default:"5s"`
		Timeout        time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"1s"`
	}

	// 接入配置
	Ingest struct {
		Topic string `envconfig:"INGEST_TOPIC" default:"ems/+/+/data"` // ems/{kind}/{deviceCode}/data
	}

	HTTP struct {
		Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
		ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	}

	Log struct {
		Level  string `envconfig:"LOG_LEVEL" default:"info"`
		Format string `envconfig:"LOG_FORMAT" default:"json"`
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Buffer.QueueMaxSize <= 0 {
		return fmt.Errorf("BUFFER_QUEUE_MAX_SIZE must be positive, got %d", c.Buffer.QueueMaxSize)
	}
	if c.Buffer.BatchMaxSize <= 0 {
		return fmt.Errorf("BUFFER_BATCH_MAX_SIZE must be positive, got %d", c.Buffer.BatchMaxSize)
	}
	if c.Buffer.HighWaterRatio <= 0 || c.Buffer.HighWaterRatio > 1 {
		return fmt.Errorf("BUFFER_HIGH_WATER_RATIO must be in (0,1], got %v", c.Buffer.HighWaterRatio)
	}
	if c.Buffer.FlushInterval <= 0 || c.Buffer.EmergencyInterval <= 0 {
		return fmt.Errorf("buffer flush intervals must be positive")
	}
	if c.Cache.DeviceTTLJitter >= c.Cache.DeviceTTL {
		return fmt.Errorf("CACHE_DEVICE_TTL_JITTER (%s) must be smaller than CACHE_DEVICE_TTL (%s)",
			c.Cache.DeviceTTLJitter, c.Cache.DeviceTTL)
	}
	if c.Cache.SyncWorkers <= 0 {
		return fmt.Errorf("CACHE_SYNC_WORKERS must be positive, got %d", c.Cache.SyncWorkers)
	}
	if c.Online.OnlineThreshold <= 0 || c.Online.WarningThreshold <= c.Online.OnlineThreshold {
		return fmt.Errorf("WARNING_THRESHOLD (%s) must be greater than ONLINE_THRESHOLD (%s)",
			c.Online.WarningThreshold, c.Online.OnlineThreshold)
	}
	if c.Online.OfflineCheckInterval <= 0 {
		return fmt.Errorf("OFFLINE_CHECK_INTERVAL must be positive, got %s", c.Online.OfflineCheckInterval)
	}
	if c.Online.StatusSyncInterval <= 0 {
		return fmt.Errorf("STATUS_SYNC_INTERVAL must be positive, got %s", c.Online.StatusSyncInterval)
	}
	if c.Alert.DefaultCooldownMinutes < 0 {
		return fmt.Errorf("ALERT_DEFAULT_COOLDOWN_MINUTES must not be negative")
	}
	return nil
}
