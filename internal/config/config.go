package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"sos-emergency/common/config"
	"sos-emergency/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFileEnv 指定 TOML 配置文件路径的环境变量
const ConfigFileEnv = "EMERGENCY_CONFIG_FILE"

// Config 紧急告警服务配置
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Database  DatabaseSection `toml:"database"`
	Redis     RedisSection    `toml:"redis"`
	MQTT      MQTTSection     `toml:"mqtt"`
	Emergency EmergencyConfig `toml:"emergency"`
	Streams   StreamsConfig   `toml:"streams"`
	Contacts  ContactsConfig  `toml:"contacts"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Log       LogConfig       `toml:"log"`
}

// HTTPConfig HTTP 服务
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseSection 未启用时使用内存存储
type DatabaseSection struct {
	Enabled bool `toml:"enabled"`
	config.DatabaseConfig
}

// RedisSection 未启用时事件只写日志
type RedisSection struct {
	Enabled bool `toml:"enabled"`
	config.RedisConfig
}

// MQTTSection 设备事件接入
type MQTTSection struct {
	Enabled     bool   `toml:"enabled"`
	DeviceTopic string `toml:"device_topic"`
	config.MQTTConfig
}

// EmergencyConfig 倒计时与升级
type EmergencyConfig struct {
	CountdownSeconds            int           `toml:"countdown_seconds"`
	AutoTriggerCountdownSeconds int           `toml:"auto_trigger_countdown_seconds"`
	MaxCountdownSeconds         int           `toml:"max_countdown_seconds"`
	EscalationTimeout           time.Duration `toml:"escalation_timeout"`
	TimerFireTimeout            time.Duration `toml:"timer_fire_timeout"`
}

// StreamsConfig Redis Streams 名称
type StreamsConfig struct {
	Activated     string `toml:"activated"`
	Resolved      string `toml:"resolved"`
	Cancelled     string `toml:"cancelled"`
	Acknowledged  string `toml:"acknowledged"`
	Escalated     string `toml:"escalated"`
	Location      string `toml:"location"`
	ConsumerGroup string `toml:"consumer_group"`
	ConsumerName  string `toml:"consumer_name"`
}

// ContactsConfig 联系人目录；Secondary 为目录服务不可用时的兜底联系人
type ContactsConfig struct {
	DirectoryURL     string           `toml:"directory_url"`
	DirectoryTimeout time.Duration    `toml:"directory_timeout"`
	DirectoryRetries int              `toml:"directory_retries"`
	Secondary        []models.Contact `toml:"secondary"`
}

// ReconcileConfig 计时器对账
type ReconcileConfig struct {
	Enabled   bool   `toml:"enabled"`
	Schedule  string `toml:"schedule"`
	BatchSize int    `toml:"batch_size"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default 内置默认值
func Default() *Config {
	cfg := &Config{}

	cfg.HTTP.Addr = ":8080"

	cfg.Database.Enabled = false
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "sos"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5

	cfg.Redis.Enabled = false
	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Enabled = false
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "sos-emergency"
	cfg.MQTT.QoS = 1
	cfg.MQTT.DeviceTopic = "sos/+/event"

	cfg.Emergency.CountdownSeconds = 10
	cfg.Emergency.AutoTriggerCountdownSeconds = 30
	cfg.Emergency.MaxCountdownSeconds = 3600
	cfg.Emergency.EscalationTimeout = 2 * time.Minute
	cfg.Emergency.TimerFireTimeout = 10 * time.Second

	cfg.Streams.Activated = "emergency-created"
	cfg.Streams.Resolved = "emergency-resolved"
	cfg.Streams.Cancelled = "emergency-cancelled"
	cfg.Streams.Acknowledged = "contact-acknowledged"
	cfg.Streams.Escalated = "emergency-escalated"
	cfg.Streams.Location = "location-updated"
	cfg.Streams.ConsumerGroup = "sos-emergency"
	cfg.Streams.ConsumerName = hostname()

	cfg.Contacts.DirectoryTimeout = 3 * time.Second
	cfg.Contacts.DirectoryRetries = 2

	cfg.Reconcile.Enabled = true
	cfg.Reconcile.Schedule = "@every 30s"
	cfg.Reconcile.BatchSize = 500

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

// Load 加载配置
// 优先级：默认值 < TOML 文件 < .env < 进程环境变量
// envFiles 为空时尝试当前目录的 .env；文件不存在时忽略
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv 不覆盖已存在的环境变量
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	cfg := Default()
	if path := os.Getenv(ConfigFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Database.Enabled = getEnvBool("DB_ENABLED", c.Database.Enabled)
	c.Database.LoadFromEnv("DB")

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.LoadFromEnv("REDIS")

	c.MQTT.Enabled = getEnvBool("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.LoadFromEnv("MQTT")
	c.MQTT.DeviceTopic = getEnv("MQTT_DEVICE_TOPIC", c.MQTT.DeviceTopic)

	c.Emergency.CountdownSeconds = getEnvInt("COUNTDOWN_SECONDS", c.Emergency.CountdownSeconds)
	c.Emergency.AutoTriggerCountdownSeconds = getEnvInt("AUTO_TRIGGER_COUNTDOWN_SECONDS", c.Emergency.AutoTriggerCountdownSeconds)
	c.Emergency.MaxCountdownSeconds = getEnvInt("MAX_COUNTDOWN_SECONDS", c.Emergency.MaxCountdownSeconds)
	c.Emergency.EscalationTimeout = getEnvDuration("ESCALATION_TIMEOUT", c.Emergency.EscalationTimeout)
	c.Emergency.TimerFireTimeout = getEnvDuration("TIMER_FIRE_TIMEOUT", c.Emergency.TimerFireTimeout)

	c.Streams.Activated = getEnv("STREAM_ACTIVATED", c.Streams.Activated)
	c.Streams.Resolved = getEnv("STREAM_RESOLVED", c.Streams.Resolved)
	c.Streams.Cancelled = getEnv("STREAM_CANCELLED", c.Streams.Cancelled)
	c.Streams.Acknowledged = getEnv("STREAM_ACKNOWLEDGED", c.Streams.Acknowledged)
	c.Streams.Escalated = getEnv("STREAM_ESCALATED", c.Streams.Escalated)
	c.Streams.Location = getEnv("LOCATION_STREAM", c.Streams.Location)
	c.Streams.ConsumerGroup = getEnv("CONSUMER_GROUP", c.Streams.ConsumerGroup)
	c.Streams.ConsumerName = getEnv("CONSUMER_NAME", c.Streams.ConsumerName)

	c.Contacts.DirectoryURL = getEnv("CONTACT_DIRECTORY_URL", c.Contacts.DirectoryURL)
	c.Contacts.DirectoryTimeout = getEnvDuration("CONTACT_DIRECTORY_TIMEOUT", c.Contacts.DirectoryTimeout)
	c.Contacts.DirectoryRetries = getEnvInt("CONTACT_DIRECTORY_RETRIES", c.Contacts.DirectoryRetries)

	c.Reconcile.Enabled = getEnvBool("RECONCILE_ENABLED", c.Reconcile.Enabled)
	c.Reconcile.Schedule = getEnv("RECONCILE_SCHEDULE", c.Reconcile.Schedule)
	c.Reconcile.BatchSize = getEnvInt("RECONCILE_BATCH_SIZE", c.Reconcile.BatchSize)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Emergency.CountdownSeconds < 0 {
		errs = append(errs, fmt.Errorf("countdown_seconds must be >= 0, got %d", c.Emergency.CountdownSeconds))
	}
	if c.Emergency.AutoTriggerCountdownSeconds < 0 {
		errs = append(errs, fmt.Errorf("auto_trigger_countdown_seconds must be >= 0, got %d", c.Emergency.AutoTriggerCountdownSeconds))
	}
	if c.Emergency.MaxCountdownSeconds < 1 || c.Emergency.MaxCountdownSeconds > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("max_countdown_seconds must be in [1, %d], got %d", math.MaxInt32, c.Emergency.MaxCountdownSeconds))
	} else {
		if c.Emergency.CountdownSeconds > c.Emergency.MaxCountdownSeconds {
			errs = append(errs, fmt.Errorf("countdown_seconds %d exceeds max_countdown_seconds %d", c.Emergency.CountdownSeconds, c.Emergency.MaxCountdownSeconds))
		}
		if c.Emergency.AutoTriggerCountdownSeconds > c.Emergency.MaxCountdownSeconds {
			errs = append(errs, fmt.Errorf("auto_trigger_countdown_seconds %d exceeds max_countdown_seconds %d", c.Emergency.AutoTriggerCountdownSeconds, c.Emergency.MaxCountdownSeconds))
		}
	}
	if c.Emergency.EscalationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("escalation_timeout must be positive, got %s", c.Emergency.EscalationTimeout))
	}
	if c.Emergency.TimerFireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timer_fire_timeout must be positive, got %s", c.Emergency.TimerFireTimeout))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	return errors.Join(errs...)
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

// getEnvDuration 支持 "90s"、"2m"，纯数字按秒
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "sos-emergency"
}
