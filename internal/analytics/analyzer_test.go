package analytics

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plc-monitor/internal/history"
	"plc-monitor/internal/storage"
)

type memBlob struct {
	mu      sync.Mutex
	data    []byte
	loadErr error
	saves   int
}

func (b *memBlob) Load(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.data == nil {
		return nil, storage.ErrNotFound
	}
	return b.data, nil
}

func (b *memBlob) Save(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	b.data = append([]byte(nil), data...)
	return nil
}

// staticSeries источник истории из готового набора значений
type staticSeries []float64

func (s staticSeries) TemperatureSeries(channel string, limit int) []history.TemperaturePoint {
	values := []float64(s)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]history.TemperaturePoint, len(values))
	for i, v := range values {
		points[i] = history.TemperaturePoint{Timestamp: base.Add(time.Duration(i) * time.Second), Value: v}
	}
	return points
}

func sineSeries(n int) staticSeries {
	s := make(staticSeries, n)
	for i := range s {
		s[i] = 22 + 2*math.Sin(float64(i)/3)
	}
	return s
}

func statisticalOnly() *Detector {
	return NewDetector(Config{ModelEnabled: false})
}

func (d *Detector) windowLen(channel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows[channel])
}

func TestAnalyzeConstantSignalIsNormal(t *testing.T) {
	d := statisticalOnly()
	for i := 0; i < 5; i++ {
		d.Analyze("CH0", 10)
	}

	res := d.Analyze("CH0", 10)
	assert.False(t, res.Statistical.Anomaly)
	assert.False(t, res.IsAnomaly)
	assert.Nil(t, res.Autoencoder)
	assert.Equal(t, 10.0, res.Statistical.Mean)
}

func TestAnalyzeNeedsFiveSamples(t *testing.T) {
	d := statisticalOnly()
	for _, v := range []float64{1, 1, 1} {
		d.Analyze("CH0", v)
	}
	res := d.Analyze("CH0", 500)
	assert.False(t, res.IsAnomaly)
	assert.Zero(t, res.Statistical.Confidence)
}

func TestCheckStatisticalFlatJumpRule(t *testing.T) {
	d := statisticalOnly()

	res := d.checkStatistical([]float64{10, 10, 10, 10, 10.05}, 12)
	assert.True(t, res.Anomaly)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Less(t, res.Std, 0.1)

	res = d.checkStatistical([]float64{10, 10, 10, 10, 10.05}, 10.9)
	assert.False(t, res.Anomaly)
}

func TestAnalyzeFlatJumpWithWideWindow(t *testing.T) {
	// с учетом самого значения в окне правило скачка срабатывает
	// только на длинных окнах
	d := NewDetector(Config{WindowSize: 200})
	for i := 0; i < 199; i++ {
		d.Analyze("CH0", 10)
	}

	res := d.Analyze("CH0", 11.2)
	assert.True(t, res.Statistical.Anomaly)
	assert.True(t, res.IsAnomaly)
	assert.Equal(t, 0.8, res.Statistical.Confidence)
	assert.Contains(t, res.Statistical.Reason, "value jump")
}

func TestAnalyzeZScoreAnomaly(t *testing.T) {
	d := statisticalOnly()
	for _, v := range []float64{10, 11, 10, 11, 10, 11, 10, 11, 10} {
		d.Analyze("CH0", v)
	}

	res := d.Analyze("CH0", 20)
	require.True(t, res.Statistical.Anomaly)
	assert.True(t, res.IsAnomaly)
	assert.Greater(t, res.Statistical.Std, 0.1)
	assert.InDelta(t, 2.96, res.Statistical.ZScore, 0.01)
	assert.GreaterOrEqual(t, res.Statistical.Confidence, 0.0)
	assert.LessOrEqual(t, res.Statistical.Confidence, 1.0)
	assert.InDelta(t, res.Statistical.ZScore/5, res.Statistical.Confidence, 1e-9)
	assert.Contains(t, res.Statistical.Reason, "z-score")
}

func TestAnalyzeNormalVariationBelowThreshold(t *testing.T) {
	d := statisticalOnly()
	for _, v := range []float64{10, 11, 10, 11, 10, 11} {
		d.Analyze("CH0", v)
	}
	res := d.Analyze("CH0", 10.5)
	assert.False(t, res.IsAnomaly)
	assert.Less(t, res.Statistical.ZScore, DefaultThreshold)
}

func TestAnalyzeGrowsWindowEachCall(t *testing.T) {
	d := statisticalOnly()
	d.Analyze("CH0", 21)
	assert.Equal(t, 1, d.windowLen("CH0"))
	d.Analyze("CH0", 21)
	assert.Equal(t, 2, d.windowLen("CH0"))
}

func TestAnalyzeWindowBoundedAndIsolated(t *testing.T) {
	d := NewDetector(Config{WindowSize: 8})
	for i := 0; i < 20; i++ {
		d.Analyze("CH0", float64(i))
	}
	d.Analyze("CH1", 5)

	assert.Equal(t, 8, d.windowLen("CH0"))
	assert.Equal(t, 1, d.windowLen("CH1"))
	assert.Equal(t, map[string]float64{"CH0": 19, "CH1": 5}, d.Latest())

	status := d.Status()
	assert.Equal(t, []string{"CH0", "CH1"}, status.ChannelsTracked)
	assert.Equal(t, 8, status.WindowSize)
	assert.Equal(t, DefaultThreshold, status.Threshold)
}

func TestLearnedTestNeedsTenSamples(t *testing.T) {
	d := NewDetector(Config{ModelEnabled: true, Seed: 7})
	for i := 0; i < ModelInputDim-1; i++ {
		res := d.Analyze("CH0", 20+float64(i%3))
		assert.Nil(t, res.Autoencoder)
	}

	res := d.Analyze("CH0", 21)
	require.NotNil(t, res.Autoencoder)
	ae := res.Autoencoder
	assert.GreaterOrEqual(t, ae.ReconstructionError, 0.0)
	if ae.Anomaly {
		assert.Equal(t, math.Min(ae.ReconstructionError, 1), ae.Confidence)
	} else {
		assert.Zero(t, ae.Confidence)
	}
	assert.Equal(t, res.Statistical.Anomaly || ae.Anomaly, res.IsAnomaly)
	assert.True(t, d.Status().ModelAvailable)
}

func TestCorruptModelDisablesLearnedTest(t *testing.T) {
	store := &memBlob{data: []byte("garbage")}
	d := NewDetector(Config{ModelEnabled: true, ModelStore: store})

	for i := 0; i < 15; i++ {
		res := d.Analyze("CH0", 20)
		assert.Nil(t, res.Autoencoder)
	}
	assert.False(t, d.Status().ModelAvailable)

	res := d.Train(context.Background(), sineSeries(100), "CH0", 5)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrModelUnavailable)
	assert.Equal(t, 0, store.saves)
}

func TestModelStoreErrorDisablesLearnedTest(t *testing.T) {
	d := NewDetector(Config{ModelEnabled: true, ModelStore: &memBlob{loadErr: errors.New("io error")}})
	assert.Nil(t, d.currentModel())
	assert.Nil(t, d.currentModel())
}

func TestTrainInsufficientData(t *testing.T) {
	store := &memBlob{}
	d := NewDetector(Config{ModelEnabled: true, ModelStore: store, Seed: 1})

	res := d.Train(context.Background(), sineSeries(19), "CH0", 10)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInsufficientData)
	assert.Contains(t, res.Reason, "insufficient data")
	assert.Equal(t, 0, store.saves)
	assert.Nil(t, store.data)
}

func TestTrainRejectsNonPositiveEpochs(t *testing.T) {
	store := &memBlob{}
	d := NewDetector(Config{ModelEnabled: true, ModelStore: store, Seed: 1})

	res := d.Train(context.Background(), sineSeries(50), "CH0", 0)
	assert.False(t, res.Success)
	assert.Equal(t, 0, store.saves)
}

func TestTrainPersistsAndReloads(t *testing.T) {
	store := &memBlob{}
	d := NewDetector(Config{ModelEnabled: true, ModelStore: store, Seed: 42})
	before := d.currentModel()

	res := d.Train(context.Background(), sineSeries(60), "CH0", 25)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, 51, res.Samples)
	assert.Equal(t, 25, res.Epochs)
	assert.False(t, math.IsNaN(res.FinalLoss))
	assert.Equal(t, 1, store.saves)

	trained := d.currentModel()
	assert.NotSame(t, before, trained)

	window := normalize([]float64{20, 21, 22, 23, 22, 21, 20, 21, 22, 23})
	reloaded := NewDetector(Config{ModelEnabled: true, ModelStore: store, Seed: 99})
	require.NotNil(t, reloaded.currentModel())
	assert.InDelta(t, trained.ReconstructionError(window), reloaded.currentModel().ReconstructionError(window), 1e-12)
}

func TestTrainUsesAtMostThousandPoints(t *testing.T) {
	d := NewDetector(Config{ModelEnabled: true, Seed: 3})
	res := d.Train(context.Background(), sineSeries(1500), "CH0", 1)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, trainHistoryLimit-ModelInputDim+1, res.Samples)
}

func TestTrainCancelled(t *testing.T) {
	store := &memBlob{}
	d := NewDetector(Config{ModelEnabled: true, ModelStore: store, Seed: 3})
	before := d.currentModel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Train(ctx, sineSeries(40), "CH0", 10)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Same(t, before, d.currentModel())
	assert.Equal(t, 0, store.saves)
}

func TestAnalyzeDuringTraining(t *testing.T) {
	d := NewDetector(Config{ModelEnabled: true, Seed: 5})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res := d.Train(context.Background(), sineSeries(300), "CH0", 30)
		assert.True(t, res.Success)
	}()

	for i := 0; i < 200; i++ {
		d.Analyze("CH0", 22+float64(i%5)/10)
	}
	wg.Wait()
	assert.Equal(t, DefaultWindowSize, d.windowLen("CH0"))
}

func TestNormalize(t *testing.T) {
	out := normalize([]float64{1, 2, 3, 4})
	assert.InDelta(t, 0, calculateAverage(out), 1e-12)
	assert.InDelta(t, 1, calculateStdDev(out, 0), 1e-12)

	flat := normalize([]float64{5, 5, 5.001})
	assert.InDelta(t, 0, calculateAverage(flat), 1e-12)
	assert.Less(t, calculateStdDev(flat, 0), 0.01)
}

func TestBuildSequences(t *testing.T) {
	series := make(staticSeries, 25)
	for i := range series {
		series[i] = float64(i)
	}
	x := buildSequences(series.TemperatureSeries("CH0", 100))
	rows, cols := x.Dims()
	assert.Equal(t, 16, rows)
	assert.Equal(t, ModelInputDim, cols)

	// первая строка и строка со сдвигом на 1 отличаются на один шаг
	assert.InDelta(t, x.At(1, 0), x.At(0, 1), 1e-12)
	assert.InDelta(t, 0, calculateAverage(x.RawMatrix().Data), 1e-9)
}
