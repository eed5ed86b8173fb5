package config

import (
	"fmt"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"postgres"`
	Password        string        `envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `envconfig:"DB_NAME" default:"ems"`
	SSLMode         string        `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"20"`
	MaxIdle         int           `envconfig:"DB_MAX_IDLE" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"30s"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password     string        `envconfig:"REDIS_PASSWORD" default:""`
	DB           int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"20"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"2s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"500ms"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"500ms"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled  bool   `envconfig:"MQTT_ENABLED" default:"true"`
	Broker   string `envconfig:"MQTT_BROKER" default:"tcp://localhost:1883"`
	ClientID string `envconfig:"MQTT_CLIENT_ID" default:"ems-telemetry"`
	Username string `envconfig:"MQTT_USERNAME" default:""`
	Password string `envconfig:"MQTT_PASSWORD" default:""`
	QoS      byte   `envconfig:"MQTT_QOS" default:"1"`

	KeepAlive      time.Duration `envconfig:"MQTT_KEEPALIVE" default:"30s"`
	ConnectTimeout time.Duration `envconfig:"MQTT_CONNECT_TIMEOUT" default:"10s"`
	PublishTimeout time.Duration `envconfig:"MQTT_PUBLISH_TIMEOUT" default:"5s"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
