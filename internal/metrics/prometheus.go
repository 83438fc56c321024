package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// ModbusTransactions завершенные транзакции по исходу
	ModbusTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbus_transactions_total",
			Help: "Total number of Modbus transactions by outcome",
		},
		[]string{"operation", "status"},
	)

	// ModbusTransactionDuration длительность транзакции вместе с повторами
	ModbusTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modbus_transaction_duration_seconds",
			Help:    "Modbus transaction duration including retries and backoff",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// ModbusTransportFaults сбои транспорта (каждая неудачная попытка)
	ModbusTransportFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modbus_transport_faults_total",
			Help: "Total number of transport-level Modbus faults",
		},
	)

	// ModbusReconnects успешные подключения к ПЛК
	ModbusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modbus_reconnects_total",
			Help: "Total number of successful PLC connects",
		},
	)

	// ModbusBackoff задержки перед повторами
	ModbusBackoff = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modbus_backoff_seconds",
			Help:    "Backoff delays slept before Modbus retries",
			Buckets: []float64{.5, 1, 2, 4, 8, 10},
		},
	)

	// PLCConnected есть ли активная сессия с ПЛК
	PLCConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plc_connected",
			Help: "1 if a PLC session is currently open",
		},
	)

	// AnomaliesDetected обнаруженные аномалии
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"method", "channel"},
	)

	// AnalysisLatency задержка анализа
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_latency_seconds",
			Help:    "Analysis processing latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	// CurrentZScore текущий z-score по каналу
	CurrentZScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "current_zscore",
			Help: "Current z-score per channel",
		},
		[]string{"channel"},
	)

	// ReconstructionError ошибка реконструкции автоэнкодера
	ReconstructionError = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoencoder_reconstruction_error",
			Help: "Latest autoencoder reconstruction error per channel",
		},
		[]string{"channel"},
	)

	// ModelTrainings запуски обучения модели
	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_model_trainings_total",
			Help: "Total number of anomaly model training runs",
		},
		[]string{"status"},
	)

	// HistoryEntries размер буферов истории
	HistoryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "history_entries",
			Help: "Number of entries held in history buffers",
		},
		[]string{"kind"},
	)

	// SnapshotOperations сохранения и загрузки снимков
	SnapshotOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_operations_total",
			Help: "Total number of snapshot save/load operations",
		},
		[]string{"operation", "status"},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)
)
