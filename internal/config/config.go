// Package config загружает настройки сервиса из environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config конфигурация приложения
type Config struct {
	ServerPort string

	PLCHost          string
	PLCPort          int
	ModbusTimeout    time.Duration
	ModbusMaxRetries int
	ModbusDebug      bool
	RegisterMapFile  string

	DataDir             string
	HistoryCapacity     int
	HistorySaveInterval time.Duration

	WindowSize       int
	AnomalyThreshold float64
	ModelEnabled     bool
	TrainPerMinute   int

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AnomalyRetention time.Duration
}

// PLCAddress адрес PLC в виде host:port
func (c Config) PLCAddress() string {
	return fmt.Sprintf("%s:%d", c.PLCHost, c.PLCPort)
}

// Load загружает конфигурацию из environment
func Load() Config {
	return Config{
		ServerPort: getEnv("SERVER_PORT", "5000"),

		PLCHost:          getEnv("PLC_HOST", "127.0.0.1"),
		PLCPort:          getEnvAsInt("PLC_PORT", 502),
		ModbusTimeout:    getEnvAsDuration("MODBUS_CONNECT_TIMEOUT", 3*time.Second),
		ModbusMaxRetries: getEnvAsInt("MODBUS_MAX_RETRIES", 3),
		ModbusDebug:      getEnvAsBool("MODBUS_DEBUG", false),
		RegisterMapFile:  getEnv("REGISTER_MAP_FILE", ""),

		DataDir:             getEnv("DATA_DIR", "ml_data"),
		HistoryCapacity:     getEnvAsInt("HISTORY_CAPACITY", 5000),
		HistorySaveInterval: getEnvAsDuration("HISTORY_SAVE_INTERVAL", 60*time.Second),

		WindowSize:       getEnvAsInt("WINDOW_SIZE", 30),
		AnomalyThreshold: getEnvAsFloat("ANOMALY_THRESHOLD", 2.5),
		ModelEnabled:     getEnvAsBool("ANOMALY_MODEL_ENABLED", true),
		TrainPerMinute:   getEnvAsInt("TRAIN_RATE_PER_MINUTE", 6),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvAsInt("REDIS_DB", 0),
		AnomalyRetention: time.Duration(getEnvAsInt("ANOMALY_RETENTION_HOURS", 24)) * time.Hour,
	}
}

// getEnv получает environment variable или возвращает default
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt получает environment variable как int
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat получает environment variable как float64
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var value float64
	if _, err := fmt.Sscanf(valueStr, "%f", &value); err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool получает environment variable как bool
func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration принимает "3s", "1m" или число секунд.
// Нулевые и отрицательные значения заменяются на default.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		secs, ferr := strconv.ParseFloat(valueStr, 64)
		if ferr != nil {
			return defaultValue
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return defaultValue
	}
	return d
}
