// Package env defines the contract between the trainer and a simulated robot.
package env

import (
	"context"
	"fmt"
)

// Observation is what the robot perceives after a reset or a step.
type Observation struct {
	// Laser holds one range reading per beam.
	Laser []float64 `json:"laser"`
	// Target is the goal position relative to the robot.
	Target []float64 `json:"target"`
}

// Input concatenates laser and target into a single network input.
func (o Observation) Input() []float64 {
	input := make([]float64, 0, len(o.Laser)+len(o.Target))
	input = append(input, o.Laser...)
	return append(input, o.Target...)
}

// StepResult is returned by Environment.Step.
type StepResult struct {
	Observation
	Reward float64 `json:"reward"`
	Done   bool    `json:"done"`
}

// Spec describes the observation and action dimensions of an environment.
type Spec struct {
	LaserInputs  int `json:"laser_inputs"`
	TargetInputs int `json:"target_inputs"`
	Actions      int `json:"actions"`
}

// Check verifies that an observation matches the spec.
func (s Spec) Check(o Observation) error {
	if len(o.Laser) != s.LaserInputs {
		return fmt.Errorf("observation has %d laser readings, want %d", len(o.Laser), s.LaserInputs)
	}
	if len(o.Target) != s.TargetInputs {
		return fmt.Errorf("observation has %d target values, want %d", len(o.Target), s.TargetInputs)
	}
	return nil
}

// Environment is a resettable episodic simulation.
type Environment interface {
	Reset(ctx context.Context) (Observation, error)
	Step(ctx context.Context, action int) (StepResult, error)
	Close() error
}
