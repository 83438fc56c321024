package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"plc-monitor/internal/history"
	"plc-monitor/internal/metrics"
	"plc-monitor/internal/storage"
)

const (
	// DefaultWindowSize размер скользящего окна канала
	DefaultWindowSize = 30
	// DefaultThreshold порог z-score
	DefaultThreshold = 2.5
	// ModelInputDim длина окна, подаваемого в автоэнкодер
	ModelInputDim = 10

	minStatSamples    = 5
	flatStdLimit      = 0.1
	flatJumpLimit     = 1.0
	flatConfidence    = 0.8
	normalizeStdLimit = 0.01
	learnedThreshold  = 0.5
	trainHistoryLimit = 1000
	minTrainSamples   = 20
	learningRate      = 0.001
)

var (
	// ErrInsufficientData мало данных для обучения
	ErrInsufficientData = errors.New("insufficient data")
	// ErrModelUnavailable обучаемая модель отключена в этом процессе
	ErrModelUnavailable = errors.New("anomaly model unavailable")
)

// SeriesSource источник истории для обучения
type SeriesSource interface {
	TemperatureSeries(channel string, limit int) []history.TemperaturePoint
}

// Config параметры детектора
type Config struct {
	WindowSize   int
	Threshold    float64
	ModelEnabled bool
	ModelStore   storage.Blob
	Seed         int64
}

// StatisticalResult результат статистического теста
type StatisticalResult struct {
	Anomaly    bool    `json:"anomaly"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
	ZScore     float64 `json:"z_score,omitempty"`
	Mean       float64 `json:"mean,omitempty"`
	Std        float64 `json:"std,omitempty"`
}

// AutoencoderResult результат теста по ошибке реконструкции
type AutoencoderResult struct {
	ReconstructionError float64 `json:"reconstruction_error"`
	Anomaly             bool    `json:"anomaly"`
	Confidence          float64 `json:"confidence"`
}

// Result результат анализа одного значения
type Result struct {
	Channel     string             `json:"channel"`
	Value       float64            `json:"value"`
	Statistical StatisticalResult  `json:"statistical"`
	Autoencoder *AutoencoderResult `json:"autoencoder,omitempty"`
	IsAnomaly   bool               `json:"is_anomaly"`
}

// TrainResult результат обучения
type TrainResult struct {
	Success   bool    `json:"success"`
	Samples   int     `json:"samples,omitempty"`
	FinalLoss float64 `json:"final_loss,omitempty"`
	Epochs    int     `json:"epochs,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Err       error   `json:"-"`
}

// Status состояние детектора
type Status struct {
	ModelAvailable  bool     `json:"model_available"`
	ChannelsTracked []string `json:"channels_tracked"`
	WindowSize      int      `json:"window_size"`
	Threshold       float64  `json:"threshold"`
}

// Detector детектор аномалий по каналам: z-score и опциональный автоэнкодер
type Detector struct {
	mu         sync.Mutex
	windows    map[string][]float64
	windowSize int
	threshold  float64

	modelEnabled bool
	modelStore   storage.Blob
	seed         int64
	modelOnce    sync.Once
	model        *Autoencoder // nil: только статистика

	// trainMu не дает двум обучениям идти одновременно
	trainMu sync.Mutex
}

// NewDetector создает детектор
func NewDetector(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Detector{
		windows:      make(map[string][]float64),
		windowSize:   cfg.WindowSize,
		threshold:    cfg.Threshold,
		modelEnabled: cfg.ModelEnabled,
		modelStore:   cfg.ModelStore,
		seed:         cfg.Seed,
	}
}

// Analyze добавляет значение в окно канала и оценивает его.
// Значение попадает в окно до подсчета статистики.
func (d *Detector) Analyze(channel string, value float64) Result {
	start := time.Now()

	d.mu.Lock()
	window := append(d.windows[channel], value)
	if len(window) > d.windowSize {
		window = window[len(window)-d.windowSize:]
	}
	d.windows[channel] = window

	stat := d.checkStatistical(window, value)
	var recent []float64
	if len(window) >= ModelInputDim {
		recent = slices.Clone(window[len(window)-ModelInputDim:])
	}
	d.mu.Unlock()

	result := Result{
		Channel:     channel,
		Value:       value,
		Statistical: stat,
	}

	if model := d.currentModel(); model != nil && recent != nil {
		ae := checkLearned(model, recent)
		result.Autoencoder = &ae
		metrics.ReconstructionError.WithLabelValues(channel).Set(ae.ReconstructionError)
		if ae.Anomaly {
			metrics.AnomaliesDetected.WithLabelValues("autoencoder", channel).Inc()
		}
	}

	if stat.Anomaly {
		metrics.AnomaliesDetected.WithLabelValues("statistical", channel).Inc()
	}
	metrics.CurrentZScore.WithLabelValues(channel).Set(stat.ZScore)

	result.IsAnomaly = stat.Anomaly || (result.Autoencoder != nil && result.Autoencoder.Anomaly)

	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	return result
}

// checkStatistical z-score по окну; при почти постоянном сигнале
// используется правило абсолютного скачка
func (d *Detector) checkStatistical(window []float64, value float64) StatisticalResult {
	if len(window) < minStatSamples {
		return StatisticalResult{}
	}

	mean := calculateAverage(window)
	std := calculateStdDev(window, mean)

	if std < flatStdLimit {
		if math.Abs(value-mean) > flatJumpLimit {
			return StatisticalResult{
				Anomaly:    true,
				Reason:     fmt.Sprintf("value jump (%.1f -> %g)", mean, value),
				Confidence: flatConfidence,
				Mean:       mean,
				Std:        std,
			}
		}
		return StatisticalResult{Mean: mean, Std: std}
	}

	z := math.Abs(value-mean) / std
	if z > d.threshold {
		return StatisticalResult{
			Anomaly:    true,
			Reason:     fmt.Sprintf("z-score %.1f exceeds threshold %g", z, d.threshold),
			Confidence: math.Min(z/(2*d.threshold), 1.0),
			ZScore:     z,
			Mean:       mean,
			Std:        std,
		}
	}

	return StatisticalResult{ZScore: z, Mean: mean, Std: std}
}

// checkLearned ошибка реконструкции нормализованного окна
func checkLearned(model *Autoencoder, recent []float64) AutoencoderResult {
	loss := model.ReconstructionError(normalize(recent))
	res := AutoencoderResult{ReconstructionError: loss}
	if loss > learnedThreshold {
		res.Anomaly = true
		res.Confidence = math.Min(loss, 1.0)
	}
	return res
}

// normalize приводит значения к нулевому среднему и, если разброс
// заметен, к единичной дисперсии
func normalize(values []float64) []float64 {
	mean := calculateAverage(values)
	std := calculateStdDev(values, mean)

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v - mean
		if std > normalizeStdLimit {
			out[i] /= std
		}
	}
	return out
}

// currentModel лениво инициализирует модель при первом обращении
func (d *Detector) currentModel() *Autoencoder {
	d.modelOnce.Do(d.initModel)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// initModel создает модель и подгружает сохраненные веса. Любая ошибка
// отключает обучаемый тест до конца жизни процесса.
func (d *Detector) initModel() {
	if !d.modelEnabled {
		log.Println("Anomaly model disabled, using statistical detection only")
		return
	}

	model := NewAutoencoder(rand.New(rand.NewSource(d.seed)))

	if d.modelStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		data, err := d.modelStore.Load(ctx)
		cancel()

		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Println("Anomaly model initialized (untrained)")
		case err != nil:
			log.Printf("WARNING: anomaly model init failed, using statistical detection only: %v", err)
			return
		default:
			loaded, err := DecodeAutoencoder(data)
			if err != nil {
				log.Printf("WARNING: anomaly model init failed, using statistical detection only: %v", err)
				return
			}
			model = loaded
			log.Println("Loaded trained anomaly model")
		}
	}

	d.mu.Lock()
	d.model = model
	d.mu.Unlock()
}

// Train дообучает модель на истории канала. Обучение идет на копии
// весов, которая затем атомарно подменяет текущую модель.
func (d *Detector) Train(ctx context.Context, source SeriesSource, channel string, epochs int) TrainResult {
	if d.currentModel() == nil {
		metrics.ModelTrainings.WithLabelValues("unavailable").Inc()
		return TrainResult{Reason: ErrModelUnavailable.Error(), Err: ErrModelUnavailable}
	}
	if epochs <= 0 {
		metrics.ModelTrainings.WithLabelValues("rejected").Inc()
		err := fmt.Errorf("epochs must be positive, got %d", epochs)
		return TrainResult{Reason: err.Error(), Err: err}
	}

	series := source.TemperatureSeries(channel, trainHistoryLimit)
	if len(series) < minTrainSamples {
		metrics.ModelTrainings.WithLabelValues("insufficient_data").Inc()
		err := fmt.Errorf("%w: need at least %d samples, have %d", ErrInsufficientData, minTrainSamples, len(series))
		return TrainResult{Reason: err.Error(), Err: err}
	}

	d.trainMu.Lock()
	defer d.trainMu.Unlock()

	x := buildSequences(series)
	rows, _ := x.Dims()

	candidate := d.currentModel().Clone()
	losses, err := candidate.fit(ctx, x, epochs, learningRate)
	if err != nil {
		metrics.ModelTrainings.WithLabelValues("cancelled").Inc()
		return TrainResult{Reason: fmt.Sprintf("training aborted: %v", err), Err: err}
	}

	d.mu.Lock()
	d.model = candidate
	d.mu.Unlock()

	d.persistModel(ctx, candidate)

	metrics.ModelTrainings.WithLabelValues("success").Inc()
	log.Printf("Anomaly model trained on %s: %d samples, %d epochs, final loss %.6f",
		channel, rows, epochs, losses[len(losses)-1])

	return TrainResult{
		Success:   true,
		Samples:   rows,
		FinalLoss: losses[len(losses)-1],
		Epochs:    epochs,
	}
}

// buildSequences окна длины ModelInputDim с шагом 1, нормализованные
// общими средним и отклонением
func buildSequences(series []history.TemperaturePoint) *mat.Dense {
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Value
	}

	rows := len(values) - ModelInputDim + 1
	data := make([]float64, 0, rows*ModelInputDim)
	for i := 0; i < rows; i++ {
		data = append(data, values[i:i+ModelInputDim]...)
	}

	mean := calculateAverage(data)
	std := calculateStdDev(data, mean)
	if std > normalizeStdLimit {
		for i := range data {
			data[i] = (data[i] - mean) / std
		}
	}

	return mat.NewDense(rows, ModelInputDim, data)
}

func (d *Detector) persistModel(ctx context.Context, model *Autoencoder) {
	if d.modelStore == nil {
		return
	}
	data, err := model.Encode()
	if err != nil {
		log.Printf("WARNING: failed to encode anomaly model: %v", err)
		return
	}
	if err := d.modelStore.Save(ctx, data); err != nil {
		log.Printf("WARNING: failed to save anomaly model: %v", err)
	}
}

// Latest последнее значение каждого канала
func (d *Detector) Latest() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	latest := make(map[string]float64, len(d.windows))
	for ch, w := range d.windows {
		if len(w) > 0 {
			latest[ch] = w[len(w)-1]
		}
	}
	return latest
}

// Status возвращает состояние детектора
func (d *Detector) Status() Status {
	d.modelOnce.Do(d.initModel)

	d.mu.Lock()
	defer d.mu.Unlock()

	channels := make([]string, 0, len(d.windows))
	for ch := range d.windows {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	return Status{
		ModelAvailable:  d.model != nil,
		ChannelsTracked: channels,
		WindowSize:      d.windowSize,
		Threshold:       d.threshold,
	}
}

// calculateAverage вычисляет среднее значение
func calculateAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStdDev вычисляет стандартное отклонение (по генеральной совокупности)
func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}
