// Package policy provides action selection strategies over Q-values
package policy

import "errors"

// ErrNoActions is returned when a policy is asked to choose from an empty Q-vector.
var ErrNoActions = errors.New("no actions to select from")

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses an action index given the Q-values of every action
	SelectAction(qValues []float64) (int, error)
}

// Argmax returns the index of the largest Q-value. Ties resolve to the lowest index.
func Argmax(qValues []float64) int {
	best := 0
	for i := 1; i < len(qValues); i++ {
		if qValues[i] > qValues[best] {
			best = i
		}
	}
	return best
}

// Max returns the largest Q-value, or 0 for an empty vector.
func Max(qValues []float64) float64 {
	if len(qValues) == 0 {
		return 0
	}
	return qValues[Argmax(qValues)]
}
