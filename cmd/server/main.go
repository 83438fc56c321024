package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"plc-monitor/internal/analytics"
	"plc-monitor/internal/cache"
	"plc-monitor/internal/config"
	"plc-monitor/internal/fieldbus"
	"plc-monitor/internal/handlers"
	"plc-monitor/internal/history"
	"plc-monitor/internal/plc"
	"plc-monitor/internal/storage"
)

const (
	historyKey = "plc-monitor:history"
	modelKey   = "plc-monitor:model"
)

func main() {
	log.Println("Starting PLC Monitoring Service...")

	// Конфигурация из environment variables
	cfg := config.Load()

	registers, err := plc.LoadRegisterMap(cfg.RegisterMapFile)
	if err != nil {
		log.Fatalf("Failed to load register map: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Хранилище: Redis, если доступен, иначе файлы в DATA_DIR
	historyStore, modelStore, redisCache := openStores(ctx, cfg)
	if redisCache != nil {
		defer redisCache.Close()
	}

	// Менеджер соединения с PLC
	dialer := fieldbus.NewTCPDialer(cfg.PLCAddress(), cfg.ModbusTimeout)
	if cfg.ModbusDebug {
		dialer.Logger = log.New(os.Stdout, "modbus: ", log.LstdFlags)
	}
	manager := fieldbus.NewManager(dialer, fieldbus.WithMaxRetries(cfg.ModbusMaxRetries))

	collector := history.NewCollector(historyStore, cfg.HistoryCapacity)
	collector.LoadHistory(ctx)

	detector := analytics.NewDetector(analytics.Config{
		WindowSize:   cfg.WindowSize,
		Threshold:    cfg.AnomalyThreshold,
		ModelEnabled: cfg.ModelEnabled,
		ModelStore:   modelStore,
	})
	log.Printf("Detector configured with window size: %d, threshold: %.2f", cfg.WindowSize, cfg.AnomalyThreshold)

	var anomalies handlers.AnomalyStore
	if redisCache != nil {
		anomalies = redisCache
	}

	handler := handlers.NewHandler(handlers.Config{
		PLCHost:        cfg.PLCHost,
		PLCPort:        cfg.PLCPort,
		TrainPerMinute: cfg.TrainPerMinute,
	}, manager, registers, collector, detector, anomalies)

	// HTTP сервер
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server listening on port %s (PLC %s)", cfg.ServerPort, cfg.PLCAddress())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Периодическое сохранение истории
	g.Go(func() error {
		return collector.Run(gctx, cfg.HistorySaveInterval)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}

	if err := manager.Close(); err != nil {
		log.Printf("Failed to close PLC session: %v", err)
	}
	log.Println("Server stopped gracefully")
}

// openStores выбирает хранилище снимков истории и весов модели
func openStores(ctx context.Context, cfg config.Config) (historyStore, modelStore storage.Blob, redisCache *cache.RedisCache) {
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		rc, err := cache.NewRedisCache(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AnomalyRetention)
		if err == nil {
			log.Println("Connected to Redis")
			return rc.Blob(historyKey), rc.Blob(modelKey), rc
		}
		log.Printf("WARNING: Redis unavailable, falling back to files in %s: %v", cfg.DataDir, err)
	}

	hs, err := storage.NewFileBlob(filepath.Join(cfg.DataDir, "history.json"))
	if err != nil {
		log.Fatalf("Failed to prepare data dir: %v", err)
	}
	ms, err := storage.NewFileBlob(filepath.Join(cfg.DataDir, "autoencoder.json"))
	if err != nil {
		log.Fatalf("Failed to prepare data dir: %v", err)
	}
	return hs, ms, nil
}
