package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// layerSizes архитектура автоэнкодера: 10 → 8 → 4 → 2 → 4 → 8 → 10
var layerSizes = []int{ModelInputDim, 8, 4, 2, 4, 8, ModelInputDim}

// bottleneck индекс слоя, выдающего код; после него и после выходного слоя ReLU нет
const bottleneck = 2

type denseLayer struct {
	w    *mat.Dense // in × out
	b    []float64
	relu bool
}

// Autoencoder небольшой полносвязный автоэнкодер для окна из ModelInputDim значений
type Autoencoder struct {
	layers []*denseLayer
}

// NewAutoencoder создает модель с инициализацией U(-1/sqrt(in), 1/sqrt(in))
func NewAutoencoder(rng *rand.Rand) *Autoencoder {
	a := &Autoencoder{}
	last := len(layerSizes) - 2
	for i := 0; i < len(layerSizes)-1; i++ {
		in, out := layerSizes[i], layerSizes[i+1]
		bound := 1 / math.Sqrt(float64(in))

		w := make([]float64, in*out)
		for j := range w {
			w[j] = (rng.Float64()*2 - 1) * bound
		}
		b := make([]float64, out)
		for j := range b {
			b[j] = (rng.Float64()*2 - 1) * bound
		}

		a.layers = append(a.layers, &denseLayer{
			w:    mat.NewDense(in, out, w),
			b:    b,
			relu: i != bottleneck && i != last,
		})
	}
	return a
}

// Clone глубокая копия весов
func (a *Autoencoder) Clone() *Autoencoder {
	c := &Autoencoder{layers: make([]*denseLayer, len(a.layers))}
	for i, l := range a.layers {
		c.layers[i] = &denseLayer{
			w:    mat.DenseCopyOf(l.w),
			b:    append([]float64(nil), l.b...),
			relu: l.relu,
		}
	}
	return c
}

func (l *denseLayer) forward(x *mat.Dense) (z, out *mat.Dense) {
	r, _ := x.Dims()
	_, c := l.w.Dims()

	z = mat.NewDense(r, c, nil)
	z.Mul(x, l.w)
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += l.b[j]
		}
	}
	if !l.relu {
		return z, z
	}

	out = mat.DenseCopyOf(z)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}
	return z, out
}

// forward прямой проход; acts[0] = x, acts[i+1] = выход слоя i
func (a *Autoencoder) forward(x *mat.Dense) (acts, pre []*mat.Dense) {
	acts = append(acts, x)
	cur := x
	for _, l := range a.layers {
		z, out := l.forward(cur)
		pre = append(pre, z)
		acts = append(acts, out)
		cur = out
	}
	return acts, pre
}

// ReconstructionError среднеквадратичная ошибка реконструкции одного окна
func (a *Autoencoder) ReconstructionError(x []float64) float64 {
	in := mat.NewDense(1, len(x), append([]float64(nil), x...))
	acts, _ := a.forward(in)
	return mse(acts[len(acts)-1], in)
}

func mse(out, target *mat.Dense) float64 {
	r, c := target.Dims()
	var diff mat.Dense
	diff.Sub(out, target)
	sum := 0.0
	for i := 0; i < r; i++ {
		for _, v := range diff.RawRowView(i) {
			sum += v * v
		}
	}
	return sum / float64(r*c)
}

// adam состояние оптимизатора Adam
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	mW, vW, mB, vB        [][]float64
}

func newAdam(a *Autoencoder, lr float64) *adam {
	opt := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, l := range a.layers {
		n := len(l.w.RawMatrix().Data)
		opt.mW = append(opt.mW, make([]float64, n))
		opt.vW = append(opt.vW, make([]float64, n))
		opt.mB = append(opt.mB, make([]float64, len(l.b)))
		opt.vB = append(opt.vB, make([]float64, len(l.b)))
	}
	return opt
}

func (o *adam) update(params, grads, m, v []float64) {
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, g := range grads {
		m[i] = o.beta1*m[i] + (1-o.beta1)*g
		v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
		params[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.eps)
	}
}

// step один шаг полного батча; возвращает loss до обновления
func (a *Autoencoder) step(x *mat.Dense, opt *adam) float64 {
	acts, pre := a.forward(x)
	out := acts[len(acts)-1]
	loss := mse(out, x)

	r, c := x.Dims()
	grad := mat.NewDense(r, c, nil)
	grad.Sub(out, x)
	scale := 2 / float64(r*c)
	for i := 0; i < r; i++ {
		row := grad.RawRowView(i)
		for j := range row {
			row[j] *= scale
		}
	}

	opt.t++
	for i := len(a.layers) - 1; i >= 0; i-- {
		l := a.layers[i]

		dz := grad
		if l.relu {
			dz = mat.DenseCopyOf(grad)
			rows, _ := dz.Dims()
			for ri := 0; ri < rows; ri++ {
				zr := pre[i].RawRowView(ri)
				dr := dz.RawRowView(ri)
				for j := range dr {
					if zr[j] <= 0 {
						dr[j] = 0
					}
				}
			}
		}

		in, outDim := l.w.Dims()
		dw := mat.NewDense(in, outDim, nil)
		dw.Mul(acts[i].T(), dz)

		db := make([]float64, outDim)
		rows, _ := dz.Dims()
		for ri := 0; ri < rows; ri++ {
			for j, v := range dz.RawRowView(ri) {
				db[j] += v
			}
		}

		if i > 0 {
			next := mat.NewDense(rows, in, nil)
			next.Mul(dz, l.w.T())
			grad = next
		}

		opt.update(l.w.RawMatrix().Data, dw.RawMatrix().Data, opt.mW[i], opt.vW[i])
		opt.update(l.b, db, opt.mB[i], opt.vB[i])
	}
	return loss
}

// fit обучает модель на строках x; возвращает loss каждой эпохи
func (a *Autoencoder) fit(ctx context.Context, x *mat.Dense, epochs int, lr float64) ([]float64, error) {
	opt := newAdam(a, lr)
	losses := make([]float64, 0, epochs)
	for e := 0; e < epochs; e++ {
		if err := ctx.Err(); err != nil {
			return losses, err
		}
		losses = append(losses, a.step(x, opt))
	}
	return losses, nil
}

type layerJSON struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

type modelJSON struct {
	InputDim int         `json:"input_dim"`
	Layers   []layerJSON `json:"layers"`
}

// Encode сериализует веса модели
func (a *Autoencoder) Encode() ([]byte, error) {
	m := modelJSON{InputDim: ModelInputDim}
	for _, l := range a.layers {
		in, out := l.w.Dims()
		m.Layers = append(m.Layers, layerJSON{
			In:      in,
			Out:     out,
			Weights: append([]float64(nil), l.w.RawMatrix().Data...),
			Bias:    append([]float64(nil), l.b...),
		})
	}
	return json.Marshal(m)
}

// DecodeAutoencoder восстанавливает модель, проверяя размерности
func DecodeAutoencoder(data []byte) (*Autoencoder, error) {
	var m modelJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if m.InputDim != ModelInputDim || len(m.Layers) != len(layerSizes)-1 {
		return nil, fmt.Errorf("model shape mismatch: input %d, %d layers", m.InputDim, len(m.Layers))
	}

	a := &Autoencoder{}
	last := len(layerSizes) - 2
	for i, l := range m.Layers {
		in, out := layerSizes[i], layerSizes[i+1]
		if l.In != in || l.Out != out || len(l.Weights) != in*out || len(l.Bias) != out {
			return nil, fmt.Errorf("layer %d shape mismatch: want %dx%d", i, in, out)
		}
		a.layers = append(a.layers, &denseLayer{
			w:    mat.NewDense(in, out, append([]float64(nil), l.Weights...)),
			b:    append([]float64(nil), l.Bias...),
			relu: i != bottleneck && i != last,
		})
	}
	return a, nil
}
