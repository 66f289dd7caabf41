package qnet

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	rmspropRho     = 0.9
	rmspropEpsilon = 1e-6
)

// MLP is a fully connected network with ReLU hidden layers and a linear
// output layer, trained with RMSprop on a mean-squared-error loss.
type MLP struct {
	sizes   []int
	weights []*mat.Dense // sizes[l] x sizes[l+1]
	biases  []*mat.Dense // 1 x sizes[l+1]
	opt     *rmsprop
}

// NewMLP creates a network with the given layer widths (input first, output
// last). Weights are He-normal initialised from rng, biases start at zero.
func NewMLP(sizes []int, learningRate float64, rng *rand.Rand) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("need at least an input and an output layer, got %d sizes", len(sizes))
	}
	for i, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("layer %d width must be positive, got %d", i, s)
		}
	}
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", learningRate)
	}
	if rng == nil {
		return nil, fmt.Errorf("rng is required")
	}

	m := &MLP{
		sizes: append([]int(nil), sizes...),
		opt:   &rmsprop{lr: learningRate, rho: rmspropRho, eps: rmspropEpsilon},
	}

	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		std := math.Sqrt(2 / float64(in))
		data := make([]float64, in*out)
		for i := range data {
			data[i] = rng.NormFloat64() * std
		}
		m.weights = append(m.weights, mat.NewDense(in, out, data))
		m.biases = append(m.biases, mat.NewDense(1, out, nil))
	}

	return m, nil
}

// Sizes returns the layer widths.
func (m *MLP) Sizes() []int {
	return append([]int(nil), m.sizes...)
}

// Predict implements Network.
func (m *MLP) Predict(input []float64) ([]float64, error) {
	if len(input) != m.sizes[0] {
		return nil, fmt.Errorf("%w: input has %d values, want %d", ErrShapeMismatch, len(input), m.sizes[0])
	}

	x := mat.NewDense(1, len(input), append([]float64(nil), input...))
	_, acts := m.forward(x)
	out := acts[len(acts)-1].RawRowView(0)
	return append([]float64(nil), out...), nil
}

// Fit implements Network.
func (m *MLP) Fit(inputs, targets [][]float64) (float64, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	if len(inputs) != len(targets) {
		return 0, fmt.Errorf("%w: %d inputs, %d targets", ErrShapeMismatch, len(inputs), len(targets))
	}

	inSize, outSize := m.sizes[0], m.sizes[len(m.sizes)-1]
	x, err := stack(inputs, inSize)
	if err != nil {
		return 0, fmt.Errorf("inputs: %w", err)
	}
	y, err := stack(targets, outSize)
	if err != nil {
		return 0, fmt.Errorf("targets: %w", err)
	}

	pre, acts := m.forward(x)

	delta := new(mat.Dense)
	delta.Sub(acts[len(acts)-1], y)

	n := float64(len(inputs) * outSize)
	var loss float64
	rows, cols := delta.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := delta.At(i, j)
			loss += d * d
		}
	}
	loss /= n

	// d(mean squared error)/d(output)
	delta.Scale(2/n, delta)

	layers := len(m.weights)
	grads := make([]*mat.Dense, 2*layers)
	for l := layers - 1; l >= 0; l-- {
		gw := new(mat.Dense)
		gw.Mul(acts[l].T(), delta)

		_, width := delta.Dims()
		gb := mat.NewDense(1, width, nil)
		for j := 0; j < width; j++ {
			gb.Set(0, j, mat.Sum(delta.ColView(j)))
		}
		grads[2*l], grads[2*l+1] = gw, gb

		if l == 0 {
			break
		}
		next := new(mat.Dense)
		next.Mul(delta, m.weights[l].T())
		z := pre[l-1]
		next.Apply(func(i, j int, v float64) float64 {
			return v * reluGrad(z.At(i, j))
		}, next)
		delta = next
	}

	m.opt.step(m.params(), grads)
	return loss, nil
}

// Weights implements Network.
func (m *MLP) Weights() Weights {
	return Weights(m.params()).Clone()
}

// SetWeights implements Network.
func (m *MLP) SetWeights(w Weights) error {
	if err := Weights(m.params()).SameShape(w); err != nil {
		return err
	}
	for i, p := range m.params() {
		p.Copy(w[i])
	}
	return nil
}

func (m *MLP) params() []*mat.Dense {
	params := make([]*mat.Dense, 0, 2*len(m.weights))
	for l := range m.weights {
		params = append(params, m.weights[l], m.biases[l])
	}
	return params
}

// forward returns the pre-activation of every layer and the activations,
// where acts[0] is the input and acts[len-1] the output.
func (m *MLP) forward(x *mat.Dense) ([]*mat.Dense, []*mat.Dense) {
	last := len(m.weights) - 1
	pre := make([]*mat.Dense, 0, len(m.weights))
	acts := make([]*mat.Dense, 0, len(m.weights)+1)
	acts = append(acts, x)

	for l := range m.weights {
		z := new(mat.Dense)
		z.Mul(acts[l], m.weights[l])
		bias := m.biases[l].RawRowView(0)
		z.Apply(func(_, j int, v float64) float64 {
			return v + bias[j]
		}, z)
		pre = append(pre, z)

		if l == last {
			acts = append(acts, z)
			continue
		}
		a := new(mat.Dense)
		a.Apply(func(_, _ int, v float64) float64 {
			return relu(v)
		}, z)
		acts = append(acts, a)
	}

	return pre, acts
}

func stack(rows [][]float64, width int) (*mat.Dense, error) {
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShapeMismatch, i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func reluGrad(x float64) float64 {
	if x < 0 {
		return 0
	}
	return 1
}

type rmsprop struct {
	lr    float64
	rho   float64
	eps   float64
	cache []*mat.Dense
}

func (o *rmsprop) step(params, grads []*mat.Dense) {
	if o.cache == nil {
		o.cache = make([]*mat.Dense, len(params))
		for i, p := range params {
			r, c := p.Dims()
			o.cache[i] = mat.NewDense(r, c, nil)
		}
	}

	for i, p := range params {
		g, cache := grads[i], o.cache[i]
		r, c := p.Dims()
		for a := 0; a < r; a++ {
			for b := 0; b < c; b++ {
				gv := g.At(a, b)
				cv := o.rho*cache.At(a, b) + (1-o.rho)*gv*gv
				cache.Set(a, b, cv)
				p.Set(a, b, p.At(a, b)-o.lr*gv/(math.Sqrt(cv)+o.eps))
			}
		}
	}
}
