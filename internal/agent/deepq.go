// Package agent implements the Deep Q-Network controller: action selection,
// Bellman targets, mini-batch training and target-network synchronisation.
package agent

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/policy"
	"github.com/cartridge/mantis/internal/qnet"
	"github.com/cartridge/mantis/internal/replay"
)

// DeepQ owns an online network, a delayed target network and the replay memory.
type DeepQ struct {
	hp       config.Hyperparams
	online   qnet.Network
	target   qnet.Network
	memory   *replay.Memory
	rng      *rand.Rand
	greedy   *policy.EpsilonGreedy
	weighted *policy.Proportional
}

// Option configures a DeepQ.
type Option func(*DeepQ)

// WithRand seeds action selection.
func WithRand(rng *rand.Rand) Option {
	return func(d *DeepQ) {
		d.rng = rng
	}
}

// New creates the agent and copies the online weights onto the target network.
func New(hp config.Hyperparams, online, target qnet.Network, memory *replay.Memory, opts ...Option) (*DeepQ, error) {
	if online == nil || target == nil {
		return nil, errors.New("online and target networks are required")
	}
	if memory == nil {
		return nil, errors.New("replay memory is required")
	}
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hyperparameters: %w", err)
	}

	d := &DeepQ{
		hp:     hp,
		online: online,
		target: target,
		memory: memory,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	d.greedy = policy.NewEpsilonGreedy(0, d.rng)
	if hp.ActionSelection == config.SelectProbability {
		weighted, err := policy.NewProportional(hp.SelectionBias, d.rng)
		if err != nil {
			return nil, fmt.Errorf("proportional policy: %w", err)
		}
		d.weighted = weighted
	}

	if err := d.SyncTargetNetwork(); err != nil {
		return nil, err
	}
	return d, nil
}

// Memory returns the replay memory.
func (d *DeepQ) Memory() *replay.Memory {
	return d.memory
}

// Online returns the network being trained.
func (d *DeepQ) Online() qnet.Network {
	return d.online
}

// QValues predicts the Q-value of every action with the online network.
func (d *DeepQ) QValues(obs env.Observation) ([]float64, error) {
	return d.online.Predict(obs.Input())
}

// TargetQValues predicts the Q-value of every action with the target network.
func (d *DeepQ) TargetQValues(obs env.Observation) ([]float64, error) {
	return d.target.Predict(obs.Input())
}

// SelectAction predicts Q-values for obs and picks an action. With the
// epsilon-greedy strategy and epsilon <= 0 the result is the argmax.
func (d *DeepQ) SelectAction(obs env.Observation, epsilon float64) (int, error) {
	q, err := d.QValues(obs)
	if err != nil {
		return 0, fmt.Errorf("predict q-values: %w", err)
	}
	return d.SelectFromQValues(q, epsilon)
}

// SelectFromQValues applies the configured selection strategy to q.
func (d *DeepQ) SelectFromQValues(q []float64, epsilon float64) (int, error) {
	if d.weighted != nil {
		return d.weighted.SelectAction(q)
	}
	return d.greedy.SelectWithEpsilon(q, epsilon)
}

// ComputeTarget returns reward for terminal transitions and
// reward + discount*max(nextQ) otherwise.
func ComputeTarget(reward float64, nextQ []float64, terminal bool, discount float64) float64 {
	if terminal {
		return reward
	}
	return reward + discount*policy.Max(nextQ)
}

// ComputeTarget applies the agent's discount factor.
func (d *DeepQ) ComputeTarget(reward float64, nextQ []float64, terminal bool) float64 {
	return ComputeTarget(reward, nextQ, terminal, d.hp.DiscountFactor)
}

// Remember stores a transition in replay memory.
func (d *DeepQ) Remember(t replay.Transition) {
	d.memory.Add(t)
}

// TrainStep fits the online network towards the Bellman targets of batch and
// returns the loss. Next-state values come from the target network when
// useTargetNetwork is set, otherwise from the online network.
//
// With InjectTerminalSample enabled every terminal transition also
// contributes a row mapping its next state to a vector filled with the reward.
// Canonical DQN has no such row.
func (d *DeepQ) TrainStep(batch []replay.Transition, useTargetNetwork bool) (float64, error) {
	if len(batch) == 0 {
		return 0, replay.ErrInvalidBatchSize
	}

	inputs := make([][]float64, 0, len(batch)+1)
	targets := make([][]float64, 0, len(batch)+1)

	for i, t := range batch {
		state := env.Observation{Laser: t.State, Target: t.Target}
		next := env.Observation{Laser: t.NextState, Target: t.NextTarget}

		q, err := d.online.Predict(state.Input())
		if err != nil {
			return 0, fmt.Errorf("transition %d: predict state: %w", i, err)
		}
		if t.Action < 0 || t.Action >= len(q) {
			return 0, fmt.Errorf("transition %d: action %d outside [0, %d)", i, t.Action, len(q))
		}

		var nextQ []float64
		if useTargetNetwork {
			nextQ, err = d.target.Predict(next.Input())
		} else {
			nextQ, err = d.online.Predict(next.Input())
		}
		if err != nil {
			return 0, fmt.Errorf("transition %d: predict next state: %w", i, err)
		}

		q[t.Action] = d.ComputeTarget(t.Reward, nextQ, t.Done)
		inputs = append(inputs, state.Input())
		targets = append(targets, q)

		if t.Done && d.hp.InjectTerminalSample {
			uniform := make([]float64, len(q))
			for a := range uniform {
				uniform[a] = t.Reward
			}
			inputs = append(inputs, next.Input())
			targets = append(targets, uniform)
		}
	}

	loss, err := d.online.Fit(inputs, targets)
	if err != nil {
		return 0, fmt.Errorf("fit online network: %w", err)
	}
	return loss, nil
}

// LearnOnMiniBatch samples batchSize transitions and trains on them. Nothing
// happens until the memory holds more than LearnStart transitions; trained
// reports whether an update was made.
func (d *DeepQ) LearnOnMiniBatch(batchSize int, useTargetNetwork bool) (loss float64, trained bool, err error) {
	if d.memory.Len() <= d.hp.LearnStart {
		return 0, false, nil
	}

	batch, err := d.memory.Sample(batchSize)
	if err != nil {
		if errors.Is(err, replay.ErrInsufficientTransitions) {
			return 0, false, nil
		}
		return 0, false, err
	}

	loss, err = d.TrainStep(batch, useTargetNetwork)
	if err != nil {
		return 0, false, err
	}
	return loss, true, nil
}

// LastTransition returns the most recently remembered transition.
func (d *DeepQ) LastTransition() (replay.Transition, bool) {
	return d.memory.Last()
}

// SyncTargetNetwork copies the online parameters onto the target network.
func (d *DeepQ) SyncTargetNetwork() error {
	if err := d.target.SetWeights(d.online.Weights()); err != nil {
		return fmt.Errorf("sync target network: %w", err)
	}
	return nil
}

// LoadWeights sets both networks to w.
func (d *DeepQ) LoadWeights(w qnet.Weights) error {
	if err := d.online.SetWeights(w); err != nil {
		return fmt.Errorf("load online weights: %w", err)
	}
	return d.SyncTargetNetwork()
}

// DecayEpsilon applies one multiplicative decay step and clamps at floor.
func DecayEpsilon(epsilon, decay, floor float64) float64 {
	return math.Max(floor, epsilon*decay)
}

// NewNetworks builds structurally identical online and target MLPs for hp.
func NewNetworks(hp config.Hyperparams, seed int64) (online, target *qnet.MLP, err error) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	online, err = qnet.NewMLP(hp.LayerSizes(), hp.LearningRate, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("build online network: %w", err)
	}
	target, err = qnet.NewMLP(hp.LayerSizes(), hp.LearningRate, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("build target network: %w", err)
	}
	return online, target, nil
}
