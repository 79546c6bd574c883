package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int    `toml:"max_conns"`
	MaxIdle  int    `toml:"max_idle"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      byte   `toml:"qos"`
}

// GetDSN 获取数据库连接字符串 (lib/pq key=value 格式)
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, quoteDSNValue(c.Password), c.Database, c.SSLMode)
}

// quoteDSNValue 密码中含空格或引号时按 libpq 规则加引号
func quoteDSNValue(v string) string {
	needQuote := v == ""
	for _, r := range v {
		if r == ' ' || r == '\'' || r == '\\' {
			needQuote = true
			break
		}
	}
	if !needQuote {
		return v
	}
	out := make([]rune, 0, len(v)+2)
	out = append(out, '\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(append(out, '\''))
}

// Redacted 日志中使用的连接描述（不含密码）
func (c *DatabaseConfig) Redacted() string {
	u := url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", c.Host, c.Port), Path: c.Database}
	if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}

// LoadFromEnv 从环境变量加载数据库配置，如 prefix=DB 读取 DB_HOST、DB_PORT ...
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.Host = envString(prefix+"_HOST", c.Host)
	c.Port = envInt(prefix+"_PORT", c.Port)
	c.User = envString(prefix+"_USER", c.User)
	c.Password = envString(prefix+"_PASSWORD", c.Password)
	c.Database = envString(prefix+"_NAME", c.Database)
	c.SSLMode = envString(prefix+"_SSLMODE", c.SSLMode)
	c.MaxConns = envInt(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = envInt(prefix+"_MAX_IDLE", c.MaxIdle)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = envString(prefix+"_ADDR", c.Addr)
	c.Password = envString(prefix+"_PASSWORD", c.Password)
	c.DB = envInt(prefix+"_DB", c.DB)
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	c.Broker = envString(prefix+"_BROKER", c.Broker)
	c.ClientID = envString(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = envString(prefix+"_USERNAME", c.Username)
	c.Password = envString(prefix+"_PASSWORD", c.Password)
	if qos := envInt(prefix+"_QOS", int(c.QoS)); qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
