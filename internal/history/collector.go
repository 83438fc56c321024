package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"plc-monitor/internal/metrics"
	"plc-monitor/internal/storage"
)

const (
	// DefaultCapacity емкость каждого буфера истории
	DefaultCapacity = 5000

	// DefaultSaveInterval период сохранения снимка
	DefaultSaveInterval = 60 * time.Second
)

// TemperatureEntry один опрос температурных каналов
type TemperatureEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Channels  map[string]float64 `json:"channels"`
}

// HVACEntry снимок катушек одного шкафа HVAC
type HVACEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Box       string    `json:"box"`
	OnCount   int       `json:"on_count"`
	Total     int       `json:"total"`
}

// TemperaturePoint точка временного ряда канала
type TemperaturePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HVACPoint точка временного ряда шкафа
type HVACPoint struct {
	Timestamp time.Time `json:"timestamp"`
	OnCount   int       `json:"on_count"`
	Total     int       `json:"total"`
}

// snapshot формат файла снимка
type snapshot struct {
	Temperature []TemperatureEntry `json:"temperature"`
	HVAC        []HVACEntry        `json:"hvac"`
}

// Collector хранит ограниченную историю показаний и периодически сохраняет ее
type Collector struct {
	mu          sync.Mutex
	temperature *ring[TemperatureEntry]
	hvac        *ring[HVACEntry]

	store storage.Blob
	now   func() time.Time
}

// NewCollector создает коллектор с емкостью capacity на каждый вид истории
func NewCollector(store storage.Blob, capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{
		temperature: newRing[TemperatureEntry](capacity),
		hvac:        newRing[HVACEntry](capacity),
		store:       store,
		now:         time.Now,
	}
}

// RecordTemperature добавляет значения каналов с текущим временем
func (c *Collector) RecordTemperature(channels map[string]float64) {
	entry := TemperatureEntry{
		Timestamp: c.now(),
		Channels:  make(map[string]float64, len(channels)),
	}
	for ch, v := range channels {
		entry.Channels[ch] = v
	}

	c.mu.Lock()
	c.temperature.push(entry)
	n := c.temperature.len()
	c.mu.Unlock()

	metrics.HistoryEntries.WithLabelValues("temperature").Set(float64(n))
}

// RecordHVAC добавляет снимок катушек шкафа; число включенных
// считается в момент записи
func (c *Collector) RecordHVAC(box string, coils []bool) {
	onCount := 0
	for _, on := range coils {
		if on {
			onCount++
		}
	}
	entry := HVACEntry{
		Timestamp: c.now(),
		Box:       box,
		OnCount:   onCount,
		Total:     len(coils),
	}

	c.mu.Lock()
	c.hvac.push(entry)
	n := c.hvac.len()
	c.mu.Unlock()

	metrics.HistoryEntries.WithLabelValues("hvac").Set(float64(n))
}

// TemperatureSeries последние limit значений канала в хронологическом порядке
func (c *Collector) TemperatureSeries(channel string, limit int) []TemperaturePoint {
	series := make([]TemperaturePoint, 0)
	if limit <= 0 {
		return series
	}

	c.mu.Lock()
	c.temperature.reverse(func(e TemperatureEntry) bool {
		if v, ok := e.Channels[channel]; ok {
			series = append(series, TemperaturePoint{Timestamp: e.Timestamp, Value: v})
		}
		return len(series) < limit
	})
	c.mu.Unlock()

	slices.Reverse(series)
	return series
}

// HVACSeries последние limit снимков шкафа в хронологическом порядке
func (c *Collector) HVACSeries(box string, limit int) []HVACPoint {
	series := make([]HVACPoint, 0)
	if limit <= 0 {
		return series
	}

	c.mu.Lock()
	c.hvac.reverse(func(e HVACEntry) bool {
		if e.Box == box {
			series = append(series, HVACPoint{Timestamp: e.Timestamp, OnCount: e.OnCount, Total: e.Total})
		}
		return len(series) < limit
	})
	c.mu.Unlock()

	slices.Reverse(series)
	return series
}

// Len текущее число записей в буферах
func (c *Collector) Len() (temperature, hvac int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temperature.len(), c.hvac.len()
}

// SaveHistory сериализует оба буфера и записывает снимок.
// Блокировка держится только на время сериализации.
func (c *Collector) SaveHistory(ctx context.Context) error {
	c.mu.Lock()
	data, err := json.Marshal(snapshot{
		Temperature: c.temperature.snapshot(),
		HVAC:        c.hvac.snapshot(),
	})
	c.mu.Unlock()
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := c.store.Save(ctx, data); err != nil {
		metrics.SnapshotOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save history: %w", err)
	}

	metrics.SnapshotOperations.WithLabelValues("save", "success").Inc()
	return nil
}

// LoadHistory восстанавливает историю из снимка. Отсутствующий или
// поврежденный снимок не является ошибкой: история остается пустой.
func (c *Collector) LoadHistory(ctx context.Context) {
	data, err := c.store.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		log.Println("No history snapshot found, starting with empty history")
		return
	}
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("load", "error").Inc()
		log.Printf("WARNING: failed to load history: %v", err)
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.SnapshotOperations.WithLabelValues("load", "error").Inc()
		log.Printf("WARNING: history snapshot is corrupt, starting empty: %v", err)
		return
	}

	c.mu.Lock()
	c.temperature.reset()
	c.hvac.reset()
	for _, e := range snap.Temperature {
		c.temperature.push(e)
	}
	for _, e := range snap.HVAC {
		c.hvac.push(e)
	}
	nt, nh := c.temperature.len(), c.hvac.len()
	c.mu.Unlock()

	metrics.SnapshotOperations.WithLabelValues("load", "success").Inc()
	metrics.HistoryEntries.WithLabelValues("temperature").Set(float64(nt))
	metrics.HistoryEntries.WithLabelValues("hvac").Set(float64(nh))
	log.Printf("Loaded history: %d temperature entries, %d HVAC entries", nt, nh)
}

// Run периодически сохраняет историю до отмены ctx; при остановке
// выполняется последнее сохранение. interval <= 0 заменяется на DefaultSaveInterval.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.SaveHistory(saveCtx); err != nil {
				log.Printf("WARNING: final history save failed: %v", err)
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := c.SaveHistory(ctx); err != nil {
				log.Printf("WARNING: periodic history save failed: %v", err)
			}
		}
	}
}
