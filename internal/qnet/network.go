// Package qnet provides the Q-value function approximator used by the agent.
package qnet

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when inputs or weights do not match the network layout.
var ErrShapeMismatch = errors.New("shape mismatch")

// Network is a trainable function approximator mapping a state vector to one
// Q-value per action.
type Network interface {
	// Predict returns the output vector for a single input.
	Predict(input []float64) ([]float64, error)
	// Fit performs one optimisation pass over the batch and returns the
	// mean-squared error measured before the update.
	Fit(inputs, targets [][]float64) (float64, error)
	// Weights returns a deep copy of the parameters.
	Weights() Weights
	// SetWeights overwrites the parameters with a copy of w.
	SetWeights(w Weights) error
}

// Weights is the ordered parameter list of a network: W0, b0, W1, b1, ...
type Weights []*mat.Dense

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for i, m := range w {
		out[i] = mat.DenseCopyOf(m)
	}
	return out
}

// Equal reports whether both parameter lists have identical shapes and values.
func (w Weights) Equal(other Weights) bool {
	if len(w) != len(other) {
		return false
	}
	for i := range w {
		if !mat.Equal(w[i], other[i]) {
			return false
		}
	}
	return true
}

// SameShape checks that other can replace w.
func (w Weights) SameShape(other Weights) error {
	if len(w) != len(other) {
		return fmt.Errorf("%w: %d parameter matrices, want %d", ErrShapeMismatch, len(other), len(w))
	}
	for i := range w {
		r, c := w[i].Dims()
		or, oc := other[i].Dims()
		if r != or || c != oc {
			return fmt.Errorf("%w: parameter %d is %dx%d, want %dx%d", ErrShapeMismatch, i, or, oc, r, c)
		}
	}
	return nil
}
