package policy

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// EpsilonGreedy explores with probability epsilon and otherwise exploits
type EpsilonGreedy struct {
	rng     *rand.Rand
	epsilon float64
}

// NewEpsilonGreedy creates an epsilon-greedy policy. A nil rng is seeded from the clock.
func NewEpsilonGreedy(epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &EpsilonGreedy{rng: rng, epsilon: epsilon}
}

// Epsilon returns the exploration rate used by SelectAction.
func (p *EpsilonGreedy) Epsilon() float64 {
	return p.epsilon
}

// SetEpsilon changes the exploration rate used by SelectAction.
func (p *EpsilonGreedy) SetEpsilon(epsilon float64) {
	p.epsilon = epsilon
}

// SelectAction implements Policy interface
func (p *EpsilonGreedy) SelectAction(qValues []float64) (int, error) {
	return p.SelectWithEpsilon(qValues, p.epsilon)
}

// SelectWithEpsilon picks a uniformly random action with probability epsilon,
// else the argmax. With epsilon <= 0 the random source is never touched.
func (p *EpsilonGreedy) SelectWithEpsilon(qValues []float64, epsilon float64) (int, error) {
	if len(qValues) == 0 {
		return 0, ErrNoActions
	}
	if epsilon <= 0 {
		return Argmax(qValues), nil
	}
	if p.rng.Float64() < epsilon {
		return p.rng.Intn(len(qValues)), nil
	}
	return Argmax(qValues), nil
}

// Proportional samples an action with probability proportional to
// (q + shift)^bias, where shift makes every Q-value strictly positive.
type Proportional struct {
	rng  *rand.Rand
	bias float64
}

// NewProportional creates a proportional policy. A nil rng is seeded from the clock.
func NewProportional(bias float64, rng *rand.Rand) (*Proportional, error) {
	if bias <= 0 {
		return nil, fmt.Errorf("bias must be positive, got %v", bias)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Proportional{rng: rng, bias: bias}, nil
}

// SelectAction implements Policy interface
func (p *Proportional) SelectAction(qValues []float64) (int, error) {
	probs, err := p.Probabilities(qValues)
	if err != nil {
		return 0, err
	}

	r := p.rng.Float64()
	cumulative := 0.0
	for i, prob := range probs {
		cumulative += prob
		if r <= cumulative || i == len(probs)-1 {
			return i, nil
		}
	}
	return len(probs) - 1, nil
}

// Probabilities returns the selection probability of every action.
func (p *Proportional) Probabilities(qValues []float64) ([]float64, error) {
	if len(qValues) == 0 {
		return nil, ErrNoActions
	}

	shift := 1e-6
	if min := minValue(qValues); min < 0 {
		shift -= min
	}

	weights := make([]float64, len(qValues))
	sum := 0.0
	for i, q := range qValues {
		weights[i] = math.Pow(q+shift, p.bias)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights, nil
}

func minValue(values []float64) float64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
