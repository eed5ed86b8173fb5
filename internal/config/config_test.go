package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "ems", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 5*time.Second, cfg.MQTT.PublishTimeout)

	assert.Equal(t, 5*time.Minute, cfg.Cache.DeviceTTL)
	assert.Equal(t, time.Minute, cfg.Cache.DeviceTTLJitter)
	assert.Equal(t, 600*time.Second, cfg.Cache.StatusTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.LatestTTL)
	assert.Equal(t, time.Second, cfg.Cache.SyncDelay)
	assert.Equal(t, 5, cfg.Cache.SyncWorkers)
	assert.True(t, cfg.Cache.Breaker.Enabled)

	assert.Equal(t, 10000, cfg.Buffer.QueueMaxSize)
	assert.Equal(t, 1000, cfg.Buffer.BatchMaxSize)
	assert.Equal(t, 10*time.Second, cfg.Buffer.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.Buffer.EmergencyInterval)
	assert.Equal(t, 0.8, cfg.Buffer.HighWaterRatio)
	assert.Equal(t, int64(100), cfg.Buffer.DropAlertThreshold)

	assert.Equal(t, 5*time.Minute, cfg.Online.OnlineThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Online.WarningThreshold)
	assert.Equal(t, time.Minute, cfg.Online.OfflineCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Online.StatusSyncInterval)

	assert.Equal(t, 30, cfg.Alert.DefaultCooldownMinutes)
	assert.True(t, cfg.Alert.BuiltinEnabled)
	assert.Equal(t, 15.0, cfg.Alert.CPMRisePercent)
	assert.Equal(t, 5, cfg.Alert.CPMRiseCooldownMinutes)
	assert.Equal(t, 3.5, cfg.Alert.LowBatteryVoltage)
	assert.Equal(t, "ems/+/+/data", cfg.Ingest.Topic)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ADDR", "test-redis:6380")
	t.Setenv("BUFFER_QUEUE_MAX_SIZE", "1000")
	t.Setenv("BUFFER_FLUSH_INTERVAL", "3s")
	t.Setenv("BUFFER_DROP_ALERT_THRESHOLD", "7")
	t.Setenv("ONLINE_THRESHOLD", "2m")
	t.Setenv("WARNING_THRESHOLD", "4m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 1000, cfg.Buffer.QueueMaxSize)
	assert.Equal(t, 3*time.Second, cfg.Buffer.FlushInterval)
	assert.Equal(t, int64(7), cfg.Buffer.DropAlertThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Online.OnlineThreshold)
	assert.Equal(t, 4*time.Minute, cfg.Online.WarningThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidThresholds(t *testing.T) {
	os.Clearenv()
	t.Setenv("ONLINE_THRESHOLD", "10m")
	t.Setenv("WARNING_THRESHOLD", "5m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARNING_THRESHOLD")

	os.Clearenv()
	t.Setenv("OFFLINE_CHECK_INTERVAL", "0s")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFLINE_CHECK_INTERVAL")

	os.Clearenv()
	t.Setenv("STATUS_SYNC_INTERVAL", "-1m")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATUS_SYNC_INTERVAL")
}

func TestLoad_InvalidHighWaterRatio(t *testing.T) {
	os.Clearenv()
	t.Setenv("BUFFER_HIGH_WATER_RATIO", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUFFER_HIGH_WATER_RATIO")
}

func TestGetDSN(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=ems sslmode=disable",
		cfg.Database.GetDSN())
}
