// Package handlers реализует HTTP API мониторинга PLC.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"plc-monitor/internal/analytics"
	"plc-monitor/internal/fieldbus"
	"plc-monitor/internal/history"
	"plc-monitor/internal/metrics"
	"plc-monitor/internal/models"
	"plc-monitor/internal/plc"
)

const (
	defaultSeriesLimit  = 200
	defaultTrainEpochs  = 50
	defaultAnomalyLimit = 20
	maxTemperatureCount = 32
	anomalyStoreTimeout = 2 * time.Second
	healthPingTimeout   = 2 * time.Second
)

// PLC операции менеджера соединения, нужные обработчикам
type PLC interface {
	ReadCoils(ctx context.Context, address, count uint16, unitID byte) ([]bool, error)
	WriteCoil(ctx context.Context, address uint16, value bool, unitID byte) error
	ReadHoldingRegisters(ctx context.Context, address, count uint16, unitID byte) ([]uint16, error)
	CheckConnection(ctx context.Context) bool
	Stats() fieldbus.StatsSnapshot
}

// AnomalyStore журнал аномалий в Redis
type AnomalyStore interface {
	StoreAnomaly(ctx context.Context, channel string, timestamp time.Time, data interface{}) error
	RecentAnomalies(ctx context.Context, channel string, limit int) ([]json.RawMessage, error)
	Ping(ctx context.Context) error
	GetStats() map[string]interface{}
}

// Config параметры HTTP слоя
type Config struct {
	PLCHost        string
	PLCPort        int
	TrainPerMinute int
}

// Handler обработчик HTTP запросов
type Handler struct {
	cfg       Config
	plc       PLC
	registers *plc.RegisterMap
	collector *history.Collector
	detector  *analytics.Detector
	anomalies AnomalyStore // nil без Redis
	trainRate *rate.Limiter
}

// NewHandler создает новый обработчик
func NewHandler(cfg Config, client PLC, registers *plc.RegisterMap, collector *history.Collector,
	detector *analytics.Detector, anomalies AnomalyStore) *Handler {
	limit := rate.Inf
	burst := 1
	if cfg.TrainPerMinute > 0 {
		limit = rate.Limit(float64(cfg.TrainPerMinute) / 60)
		burst = cfg.TrainPerMinute
	}

	return &Handler{
		cfg:       cfg,
		plc:       client,
		registers: registers,
		collector: collector,
		detector:  detector,
		anomalies: anomalies,
		trainRate: rate.NewLimiter(limit, burst),
	}
}

// Router регистрирует маршруты API
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/api/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/config", h.Config).Methods(http.MethodGet)
	r.HandleFunc("/api/meter/{slave:[0-9]+}", h.ReadMeter).Methods(http.MethodGet)
	r.HandleFunc("/api/hvac/{box}/status", h.HVACStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/hvac/{box}/coil", h.HVACWriteCoil).Methods(http.MethodPost)
	r.HandleFunc("/api/hvac/{box}/fan", h.HVACFanSpeed).Methods(http.MethodPost)
	r.HandleFunc("/api/temperatures", h.Temperatures).Methods(http.MethodGet)
	r.HandleFunc("/api/plc/overview", h.Overview).Methods(http.MethodGet)
	r.HandleFunc("/api/ml/status", h.MLStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/ml/history/temperature", h.TemperatureHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/ml/history/hvac", h.HVACHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/ml/train", h.Train).Methods(http.MethodPost)
	r.HandleFunc("/api/ml/analyze", h.AnalyzeLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/anomalies", h.Anomalies).Methods(http.MethodGet)

	// Prometheus metrics endpoint
	r.Handle("/prometheus", promhttp.Handler())
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument считает запросы и их длительность по шаблону маршрута
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		next.ServeHTTP(rec, r)

		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writePLCError отображает ошибку транзакции в HTTP статус
func writePLCError(w http.ResponseWriter, err error, action string) {
	var pe *fieldbus.ProtocolError
	switch {
	case fieldbus.IsConnectivity(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusInternalServerError, pe.Error())
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s error: %v", action, err))
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}

func queryString(r *http.Request, key, def string) string {
	if s := r.URL.Query().Get(key); s != "" {
		return s
	}
	return def
}

func (h *Handler) box(w http.ResponseWriter, r *http.Request) (string, plc.Box, bool) {
	id := mux.Vars(r)["box"]
	box, ok := h.registers.Box(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid box id")
	}
	return id, box, ok
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	redisState := "disabled"

	// Проверяем Redis, если он подключен
	if h.anomalies != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		redisState = "ok"
		if err := h.anomalies.Ping(ctx); err != nil {
			log.Printf("WARNING: Redis ping failed: %v", err)
			redisState = "down"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":    status,
		"redis":     redisState,
		"timestamp": time.Now(),
	})
}

// Status обрабатывает GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	connected := h.plc.CheckConnection(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": connected,
		"host":      h.cfg.PLCHost,
		"port":      h.cfg.PLCPort,
		"stats":     h.plc.Stats(),
	})
}

// addressOffsets смещения областей памяти FATEK в адресах Modbus
var addressOffsets = map[string]int{
	"Y": plc.YOffset,
	"X": plc.XOffset,
	"M": plc.MOffset,
	"R": plc.ROffset,
	"D": plc.DOffset,
}

// Config обрабатывает GET /api/config
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plc_host":        h.cfg.PLCHost,
		"plc_port":        h.cfg.PLCPort,
		"registers":       h.registers,
		"address_offsets": addressOffsets,
	})
}

// ReadMeter обрабатывает GET /api/meter/{slave}
func (h *Handler) ReadMeter(w http.ResponseWriter, r *http.Request) {
	slave, err := strconv.Atoi(mux.Vars(r)["slave"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid meter slave id")
		return
	}
	meter, ok := h.registers.Meter(slave)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid meter slave id")
		return
	}

	regs, err := h.plc.ReadHoldingRegisters(r.Context(), plc.RAddr(meter.BaseR),
		uint16(h.registers.MeterReadCount), byte(h.registers.MeterUnitID))
	if err != nil {
		log.Printf("Meter %d (R%d) read failed: %v", slave, meter.BaseR, err)
		writePLCError(w, err, "read")
		return
	}

	writeJSON(w, http.StatusOK, models.MeterReading{
		Status:  "success",
		SlaveID: slave,
		BaseR:   meter.BaseR,
		CTRatio: h.registers.CTRatio,
		Params:  meter.Decode(regs),
		Note:    meter.Note,
	})
}

func coilMap(coils []bool) map[string]bool {
	out := make(map[string]bool, len(coils))
	for i, on := range coils {
		out[strconv.Itoa(i)] = on
	}
	return out
}

// HVACStatus обрабатывает GET /api/hvac/{box}/status
func (h *Handler) HVACStatus(w http.ResponseWriter, r *http.Request) {
	id, box, ok := h.box(w, r)
	if !ok {
		return
	}

	coils, err := h.plc.ReadCoils(r.Context(), 0, uint16(box.CoilCount), byte(box.UnitID))
	if err != nil {
		writePLCError(w, err, "read")
		return
	}

	h.collector.RecordHVAC(id, coils)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"box":    id,
		"coils":  coilMap(coils),
	})
}

// HVACWriteCoil обрабатывает POST /api/hvac/{box}/coil
func (h *Handler) HVACWriteCoil(w http.ResponseWriter, r *http.Request) {
	_, box, ok := h.box(w, r)
	if !ok {
		return
	}

	var req models.CoilWrite
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Address == nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "address and value are required")
		return
	}
	if *req.Address < 0 || *req.Address >= box.CoilCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("address must be in 0..%d", box.CoilCount-1))
		return
	}

	if err := h.plc.WriteCoil(r.Context(), plc.YAddr(*req.Address), *req.Value, byte(box.UnitID)); err != nil {
		writePLCError(w, err, "write")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"address": *req.Address,
		"value":   *req.Value,
	})
}

// HVACFanSpeed обрабатывает POST /api/hvac/{box}/fan.
// Для двухскоростного вентилятора сначала гасится высокая скорость,
// затем выставляется низкая и только потом, при необходимости, высокая.
func (h *Handler) HVACFanSpeed(w http.ResponseWriter, r *http.Request) {
	_, box, ok := h.box(w, r)
	if !ok {
		return
	}

	var req models.FanCommand
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	for _, y := range []*int{req.YL, req.YH} {
		if y != nil && (*y < 0 || *y >= box.CoilCount) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("coil must be in 0..%d", box.CoilCount-1))
			return
		}
	}

	unit := byte(box.UnitID)
	ctx := r.Context()

	// односкоростное устройство
	if req.YH == nil && req.YL != nil && (req.Speed == "off" || req.Speed == "on") {
		if err := h.plc.WriteCoil(ctx, plc.YAddr(*req.YL), req.Speed == "on", unit); err != nil {
			writePLCError(w, err, "write")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "speed": req.Speed})
		return
	}

	if req.YL == nil || req.YH == nil {
		writeError(w, http.StatusBadRequest, "y_l, y_h and speed (off/low/high) are required")
		return
	}

	var low, high bool
	switch req.Speed {
	case "off":
	case "low":
		low = true
	case "high":
		low, high = true, true
	default:
		writeError(w, http.StatusBadRequest, "y_l, y_h and speed (off/low/high) are required")
		return
	}

	type coilStep struct {
		y  int
		on bool
	}
	steps := []coilStep{{*req.YH, false}, {*req.YL, low}}
	if high {
		steps = append(steps, coilStep{*req.YH, true})
	}

	for _, s := range steps {
		if err := h.plc.WriteCoil(ctx, plc.YAddr(s.y), s.on, unit); err != nil {
			writePLCError(w, err, "write")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "speed": req.Speed})
}

// readTemperatures читает блок PT100 и переводит регистры в каналы CHn
func (h *Handler) readTemperatures(ctx context.Context, rReg, count int) (map[string]*models.TemperatureChannel, error) {
	regs, err := h.plc.ReadHoldingRegisters(ctx, plc.RAddr(rReg), uint16(count), byte(h.registers.Temperature.UnitID))
	if err != nil {
		return nil, err
	}

	channels := make(map[string]*models.TemperatureChannel, len(regs))
	for i, raw := range regs {
		channels[fmt.Sprintf("CH%d", i)] = &models.TemperatureChannel{
			Temperature: plc.ConvertPT100(raw),
			RAddr:       rReg + i,
		}
	}
	return channels, nil
}

// Temperatures обрабатывает GET /api/temperatures
func (h *Handler) Temperatures(w http.ResponseWriter, r *http.Request) {
	rReg, err := queryInt(r, "r_reg", h.registers.Temperature.RReg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := queryInt(r, "count", h.registers.Temperature.Count)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if count < 1 || count > maxTemperatureCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be in 1..%d", maxTemperatureCount))
		return
	}
	if rReg < 0 || rReg+count > math.MaxUint16 {
		writeError(w, http.StatusBadRequest, "r_reg out of range")
		return
	}

	channels, err := h.readTemperatures(r.Context(), rReg, count)
	if err != nil {
		writePLCError(w, err, "read")
		return
	}

	values := make(map[string]float64, len(channels))
	for name, ch := range channels {
		if !ch.Valid() {
			continue
		}
		values[name] = *ch.Temperature.Temperature
		// ноль означает неподключенный канал
		if *ch.Temperature.Temperature == 0 {
			continue
		}

		result := h.detector.Analyze(name, *ch.Temperature.Temperature)
		ch.Anomaly = result.IsAnomaly
		if result.IsAnomaly {
			ch.AnomalyInfo = &models.AnomalyInfo{
				Statistical: result.Statistical,
				Autoencoder: result.Autoencoder,
			}
			h.storeAnomaly(result)
		}
	}

	h.collector.RecordTemperature(values)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"r_reg":   rReg,
		"address": plc.RAddr(rReg),
		"data":    channels,
	})
}

// storeAnomaly пишет аномалию в журнал; ошибка журнала не влияет на ответ
func (h *Handler) storeAnomaly(result analytics.Result) {
	if h.anomalies == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), anomalyStoreTimeout)
	defer cancel()

	now := time.Now()
	record := models.AnomalyRecord{
		Channel:   result.Channel,
		Value:     result.Value,
		Timestamp: now,
		Result:    result,
	}
	if err := h.anomalies.StoreAnomaly(ctx, result.Channel, now, record); err != nil {
		log.Printf("WARNING: failed to store anomaly for %s: %v", result.Channel, err)
		return
	}
	log.Printf("ANOMALY DETECTED: Channel=%s, Value=%.1f, Z=%.2f", result.Channel, result.Value, result.Statistical.ZScore)
}

// Overview обрабатывает GET /api/plc/overview; ошибка одной части
// не мешает остальным
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result := map[string]interface{}{"status": "success"}

	temps, err := h.readTemperatures(ctx, h.registers.Temperature.RReg, h.registers.Temperature.Count)
	if err != nil {
		result["temperatures"] = nil
		result["temp_error"] = err.Error()
	} else {
		result["temperatures"] = temps
	}

	ids := make([]string, 0, len(h.registers.Boxes))
	for id := range h.registers.Boxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		box := h.registers.Boxes[id]
		coils, err := h.plc.ReadCoils(ctx, 0, uint16(box.CoilCount), byte(box.UnitID))
		if err != nil {
			log.Printf("PLC overview: box %s coil read failed: %v", id, err)
			result["box_"+id+"_coils"] = nil
			result["box_"+id+"_error"] = err.Error()
			continue
		}
		result["box_"+id+"_coils"] = coilMap(coils)
	}

	writeJSON(w, http.StatusOK, result)
}

// MLStatus обрабатывает GET /api/ml/status
func (h *Handler) MLStatus(w http.ResponseWriter, r *http.Request) {
	temperature, hvac := h.collector.Len()
	status := h.detector.Status()

	resp := map[string]interface{}{
		"modbus": h.plc.Stats(),
		"ml": map[string]interface{}{
			"temperature_records": temperature,
			"hvac_records":        hvac,
			"model_available":     status.ModelAvailable,
			"channels_tracked":    status.ChannelsTracked,
			"window_size":         status.WindowSize,
			"threshold":           status.Threshold,
		},
	}
	if h.anomalies != nil {
		resp["redis"] = h.anomalies.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// TemperatureHistory обрабатывает GET /api/ml/history/temperature
func (h *Handler) TemperatureHistory(w http.ResponseWriter, r *http.Request) {
	channel := queryString(r, "channel", "CH0")
	limit, err := queryInt(r, "limit", defaultSeriesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series := h.collector.TemperatureSeries(channel, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": channel,
		"count":   len(series),
		"data":    series,
	})
}

// HVACHistory обрабатывает GET /api/ml/history/hvac
func (h *Handler) HVACHistory(w http.ResponseWriter, r *http.Request) {
	box := queryString(r, "box", "a")
	limit, err := queryInt(r, "limit", defaultSeriesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series := h.collector.HVACSeries(box, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"box":   box,
		"count": len(series),
		"data":  series,
	})
}

// Train обрабатывает POST /api/ml/train
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	channel := queryString(r, "channel", "CH0")
	epochs, err := queryInt(r, "epochs", defaultTrainEpochs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.trainRate.Allow() {
		writeError(w, http.StatusTooManyRequests, "training rate limit exceeded")
		return
	}

	result := h.detector.Train(r.Context(), h.collector, channel, epochs)
	writeJSON(w, http.StatusOK, result)
}

// AnalyzeLatest обрабатывает GET /api/ml/analyze: повторно оценивает
// последнее значение каждого канала
func (h *Handler) AnalyzeLatest(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]analytics.Result)
	for channel, value := range h.detector.Latest() {
		results[channel] = h.detector.Analyze(channel, value)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": results})
}

// Anomalies обрабатывает GET /api/anomalies
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	if h.anomalies == nil {
		writeError(w, http.StatusNotFound, "anomaly log requires Redis")
		return
	}

	channel := queryString(r, "channel", "CH0")
	limit, err := queryInt(r, "limit", defaultAnomalyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	anomalies, err := h.anomalies.RecentAnomalies(r.Context(), channel, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve anomalies")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":       channel,
		"anomaly_count": len(anomalies),
		"anomalies":     anomalies,
	})
}
