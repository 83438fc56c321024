package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_PORT", "PLC_HOST", "PLC_PORT", "MODBUS_CONNECT_TIMEOUT", "MODBUS_MAX_RETRIES",
		"MODBUS_DEBUG", "DATA_DIR", "HISTORY_SAVE_INTERVAL", "WINDOW_SIZE", "ANOMALY_THRESHOLD",
		"ANOMALY_MODEL_ENABLED", "REDIS_ADDR", "ANOMALY_RETENTION_HOURS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "5000", cfg.ServerPort)
	assert.Equal(t, "127.0.0.1:502", cfg.PLCAddress())
	assert.Equal(t, 3*time.Second, cfg.ModbusTimeout)
	assert.Equal(t, 3, cfg.ModbusMaxRetries)
	assert.False(t, cfg.ModbusDebug)
	assert.Equal(t, "ml_data", cfg.DataDir)
	assert.Equal(t, time.Minute, cfg.HistorySaveInterval)
	assert.Equal(t, 30, cfg.WindowSize)
	assert.Equal(t, 2.5, cfg.AnomalyThreshold)
	assert.True(t, cfg.ModelEnabled)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.AnomalyRetention)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PLC_HOST", "10.0.0.5")
	t.Setenv("PLC_PORT", "1502")
	t.Setenv("MODBUS_CONNECT_TIMEOUT", "1.5")
	t.Setenv("MODBUS_DEBUG", "true")
	t.Setenv("HISTORY_SAVE_INTERVAL", "2m")
	t.Setenv("ANOMALY_THRESHOLD", "3.1")
	t.Setenv("ANOMALY_MODEL_ENABLED", "0")

	cfg := Load()
	assert.Equal(t, "10.0.0.5:1502", cfg.PLCAddress())
	assert.Equal(t, 1500*time.Millisecond, cfg.ModbusTimeout)
	assert.True(t, cfg.ModbusDebug)
	assert.Equal(t, 2*time.Minute, cfg.HistorySaveInterval)
	assert.Equal(t, 3.1, cfg.AnomalyThreshold)
	assert.False(t, cfg.ModelEnabled)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("PLC_PORT", "abc")
	t.Setenv("MODBUS_DEBUG", "maybe")
	t.Setenv("HISTORY_SAVE_INTERVAL", "soon")

	cfg := Load()
	assert.Equal(t, 502, cfg.PLCPort)
	assert.False(t, cfg.ModbusDebug)
	assert.Equal(t, time.Minute, cfg.HistorySaveInterval)
}

func TestNonPositiveDurationsFallBack(t *testing.T) {
	for _, v := range []string{"0", "-5s", "0s", "-1.5"} {
		t.Setenv("HISTORY_SAVE_INTERVAL", v)
		t.Setenv("MODBUS_CONNECT_TIMEOUT", v)

		cfg := Load()
		assert.Equal(t, time.Minute, cfg.HistorySaveInterval, "value %q", v)
		assert.Equal(t, 3*time.Second, cfg.ModbusTimeout, "value %q", v)
	}
}
