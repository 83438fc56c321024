package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"plc-monitor/internal/metrics"
	"plc-monitor/internal/storage"
)

// RedisCache обертка для Redis клиента: снимки, веса модели и журнал аномалий
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisCache создает новый Redis кэш; ttl задает время хранения аномалий
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// redisBlob хранит один документ под ключом key
type redisBlob struct {
	client *redis.Client
	key    string
}

// Blob возвращает storage.Blob поверх строкового ключа
func (r *RedisCache) Blob(key string) storage.Blob {
	return &redisBlob{client: r.client, key: key}
}

func (b *redisBlob) Load(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to load %s: %w", b.key, err)
	}
	metrics.RedisOperations.WithLabelValues("load", "success").Inc()
	return data, nil
}

func (b *redisBlob) Save(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save %s: %w", b.key, err)
	}
	metrics.RedisOperations.WithLabelValues("save", "success").Inc()
	return nil
}

func anomalyListKey(channel string) string {
	return fmt.Sprintf("anomaly_list:%s", channel)
}

// StoreAnomaly сохраняет аномалию канала и индексирует ее в sorted set
func (r *RedisCache) StoreAnomaly(ctx context.Context, channel string, timestamp time.Time, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	key := fmt.Sprintf("anomaly:%s:%d", channel, timestamp.UnixNano())
	score := float64(timestamp.UnixMilli())
	listKey := anomalyListKey(channel)
	cutoff := r.now().Add(-r.ttl).UnixMilli()

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, jsonData, r.ttl)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: score, Member: key})
	pipe.ZRemRangeByScore(ctx, listKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, listKey, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("store_anomaly", "error").Inc()
		return fmt.Errorf("failed to store anomaly: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("store_anomaly", "success").Inc()
	return nil
}

// RecentAnomalies возвращает последние аномалии канала, новые первыми
func (r *RedisCache) RecentAnomalies(ctx context.Context, channel string, limit int) ([]json.RawMessage, error) {
	anomalies := make([]json.RawMessage, 0)
	if limit <= 0 {
		return anomalies, nil
	}

	keys, err := r.client.ZRevRange(ctx, anomalyListKey(channel), 0, int64(limit-1)).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("get_anomalies", "error").Inc()
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}
	if len(keys) == 0 {
		return anomalies, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("get_anomalies", "error").Inc()
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}

	for _, v := range values {
		// ключ мог истечь раньше индекса
		if s, ok := v.(string); ok {
			anomalies = append(anomalies, json.RawMessage(s))
		}
	}
	metrics.RedisOperations.WithLabelValues("get_anomalies", "success").Inc()
	return anomalies, nil
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats возвращает статистику пула соединений
func (r *RedisCache) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
