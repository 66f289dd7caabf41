package agent

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/qnet"
	"github.com/cartridge/mantis/internal/replay"
)

// tableNetwork answers Predict from a lookup keyed on the first input value
// and records every Fit call.
type tableNetwork struct {
	table    map[float64][]float64
	fallback []float64
	weights  qnet.Weights
	fits     []fitCall
	fitErr   error
}

type fitCall struct {
	inputs  [][]float64
	targets [][]float64
}

func newTableNetwork(fallback ...float64) *tableNetwork {
	return &tableNetwork{
		table:    make(map[float64][]float64),
		fallback: fallback,
		weights:  qnet.Weights{mat.NewDense(1, 1, []float64{0})},
	}
}

func (n *tableNetwork) Predict(input []float64) ([]float64, error) {
	if q, ok := n.table[input[0]]; ok {
		return append([]float64(nil), q...), nil
	}
	return append([]float64(nil), n.fallback...), nil
}

func (n *tableNetwork) Fit(inputs, targets [][]float64) (float64, error) {
	if n.fitErr != nil {
		return 0, n.fitErr
	}
	n.fits = append(n.fits, fitCall{inputs: inputs, targets: targets})
	return 0.5, nil
}

func (n *tableNetwork) Weights() qnet.Weights { return n.weights.Clone() }

func (n *tableNetwork) SetWeights(w qnet.Weights) error {
	if err := n.weights.SameShape(w); err != nil {
		return err
	}
	n.weights = w.Clone()
	return nil
}

func testHyperparams() config.Hyperparams {
	hp := config.DefaultHyperparams()
	hp.LaserInputs = 2
	hp.TargetInputs = 1
	hp.OutputSize = 3
	hp.HiddenLayers = []int{4}
	hp.MemorySize = 100
	hp.MinibatchSize = 2
	hp.LearnStart = 3
	hp.DiscountFactor = 0.9
	return hp
}

func newTestAgent(t *testing.T, hp config.Hyperparams, online, target qnet.Network) *DeepQ {
	t.Helper()
	mem, err := replay.New(hp.MemorySize, replay.WithRand(rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	d, err := New(hp, online, target, mem, WithRand(rand.New(rand.NewSource(2))))
	require.NoError(t, err)
	return d
}

func TestComputeTarget(t *testing.T) {
	assert.Equal(t, 5.0, ComputeTarget(5, []float64{1, 2, 3}, true, 0.9))
	assert.InDelta(t, 7.7, ComputeTarget(5, []float64{1, 2, 3}, false, 0.9), 1e-9)
	assert.InDelta(t, -1.0+0.5*-0.2, ComputeTarget(-1, []float64{-0.5, -0.2}, false, 0.5), 1e-9)
}

func TestDecayEpsilon(t *testing.T) {
	eps := 1.0
	for i := 0; i < 500; i++ {
		eps = DecayEpsilon(eps, 0.99, 0.05)
		assert.GreaterOrEqual(t, eps, 0.05)
	}
	assert.Equal(t, 0.05, eps)

	assert.InDelta(t, 0.99, DecayEpsilon(1, 0.99, 0.05), 1e-12)
}

func TestNew_SyncsTargetNetwork(t *testing.T) {
	online := newTableNetwork(0, 0, 0)
	online.weights = qnet.Weights{mat.NewDense(1, 1, []float64{42})}
	target := newTableNetwork(0, 0, 0)

	newTestAgent(t, testHyperparams(), online, target)
	assert.True(t, target.weights.Equal(online.weights))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	mem, err := replay.New(10)
	require.NoError(t, err)
	hp := testHyperparams()

	_, err = New(hp, nil, newTableNetwork(), mem)
	assert.Error(t, err)
	_, err = New(hp, newTableNetwork(), newTableNetwork(), nil)
	assert.Error(t, err)

	hp.DiscountFactor = 2
	_, err = New(hp, newTableNetwork(), newTableNetwork(), mem)
	assert.Error(t, err)
}

func TestSelectAction_GreedyMatchesArgmax(t *testing.T) {
	online := newTableNetwork()
	online.table[0.3] = []float64{0.1, 0.9, 0.4}
	d := newTestAgent(t, testHyperparams(), online, newTableNetwork())

	obs := env.Observation{Laser: []float64{0.3, 1}, Target: []float64{0}}
	for i := 0; i < 50; i++ {
		action, err := d.SelectAction(obs, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, action)
	}
}

func TestSelectAction_ExploresWithFullEpsilon(t *testing.T) {
	online := newTableNetwork(5, 0, 0)
	d := newTestAgent(t, testHyperparams(), online, newTableNetwork())

	obs := env.Observation{Laser: []float64{0, 0}, Target: []float64{0}}
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		action, err := d.SelectAction(obs, 1)
		require.NoError(t, err)
		seen[action] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelectAction_Probability(t *testing.T) {
	hp := testHyperparams()
	hp.ActionSelection = config.SelectProbability
	hp.SelectionBias = 1
	online := newTableNetwork(0, 0, 10)
	d := newTestAgent(t, hp, online, newTableNetwork())

	obs := env.Observation{Laser: []float64{0, 0}, Target: []float64{0}}
	counts := make([]int, 3)
	for i := 0; i < 500; i++ {
		action, err := d.SelectAction(obs, 0)
		require.NoError(t, err)
		counts[action]++
	}
	assert.Greater(t, counts[2], 450)
}

func TestSelectAction_ProbabilityIsSeeded(t *testing.T) {
	hp := testHyperparams()
	hp.ActionSelection = config.SelectProbability
	hp.SelectionBias = 1
	obs := env.Observation{Laser: []float64{0, 0}, Target: []float64{0}}

	run := func() []int {
		d := newTestAgent(t, hp, newTableNetwork(1, 1, 1), newTableNetwork())
		actions := make([]int, 100)
		for i := range actions {
			action, err := d.SelectAction(obs, 0)
			require.NoError(t, err)
			actions[i] = action
		}
		return actions
	}

	first := run()
	assert.Equal(t, first, run())
	assert.Contains(t, first, 0)
	assert.Contains(t, first, 2)
}

func TestTrainStep_ReplacesTakenActionWithTarget(t *testing.T) {
	online := newTableNetwork()
	online.table[1] = []float64{0.1, 0.2, 0.3}
	online.table[2] = []float64{9, 9, 9}
	target := newTableNetwork()
	target.table[2] = []float64{1, 2, 3}
	d := newTestAgent(t, testHyperparams(), online, target)

	batch := []replay.Transition{{
		State:      []float64{1, 0},
		Target:     []float64{0.5},
		Action:     1,
		Reward:     5,
		NextState:  []float64{2, 0},
		NextTarget: []float64{0.5},
	}}

	loss, err := d.TrainStep(batch, true)
	require.NoError(t, err)
	assert.Equal(t, 0.5, loss)

	require.Len(t, online.fits, 1)
	fit := online.fits[0]
	require.Len(t, fit.inputs, 1)
	assert.Equal(t, []float64{1, 0, 0.5}, fit.inputs[0])
	assert.InDelta(t, 0.1, fit.targets[0][0], 1e-12)
	assert.InDelta(t, 5+0.9*3, fit.targets[0][1], 1e-12)
	assert.InDelta(t, 0.3, fit.targets[0][2], 1e-12)

	// Without the target network the online estimate of the next state is used.
	_, err = d.TrainStep(batch, false)
	require.NoError(t, err)
	assert.InDelta(t, 5+0.9*9, online.fits[1].targets[0][1], 1e-12)
}

func TestTrainStep_TerminalInjection(t *testing.T) {
	online := newTableNetwork(0.1, 0.2, 0.3)
	d := newTestAgent(t, testHyperparams(), online, newTableNetwork(0, 0, 0))

	batch := []replay.Transition{
		{State: []float64{1, 1}, Target: []float64{0}, Action: 0, Reward: -200, NextState: []float64{7, 7}, NextTarget: []float64{1}, Done: true},
		{State: []float64{3, 3}, Target: []float64{0}, Action: 2, Reward: 1, NextState: []float64{4, 4}, NextTarget: []float64{0}},
	}

	_, err := d.TrainStep(batch, true)
	require.NoError(t, err)

	fit := online.fits[0]
	require.Len(t, fit.inputs, 3)
	assert.Equal(t, []float64{-200, 0.2, 0.3}, fit.targets[0])
	assert.Equal(t, []float64{7, 7, 1}, fit.inputs[1])
	assert.Equal(t, []float64{-200, -200, -200}, fit.targets[1])
	assert.Equal(t, []float64{3, 3, 0}, fit.inputs[2])
}

func TestTrainStep_TerminalInjectionDisabled(t *testing.T) {
	hp := testHyperparams()
	hp.InjectTerminalSample = false
	online := newTableNetwork(0.1, 0.2, 0.3)
	d := newTestAgent(t, hp, online, newTableNetwork(0, 0, 0))

	batch := []replay.Transition{
		{State: []float64{1, 1}, Target: []float64{0}, Action: 0, Reward: -200, NextState: []float64{7, 7}, NextTarget: []float64{1}, Done: true},
	}
	_, err := d.TrainStep(batch, true)
	require.NoError(t, err)
	assert.Len(t, online.fits[0].inputs, 1)
}

func TestTrainStep_Errors(t *testing.T) {
	online := newTableNetwork(0, 0, 0)
	d := newTestAgent(t, testHyperparams(), online, newTableNetwork(0, 0, 0))

	_, err := d.TrainStep(nil, true)
	assert.ErrorIs(t, err, replay.ErrInvalidBatchSize)

	bad := []replay.Transition{{State: []float64{1, 1}, Target: []float64{0}, Action: 3, NextState: []float64{1, 1}, NextTarget: []float64{0}}}
	_, err = d.TrainStep(bad, true)
	assert.Error(t, err)

	boom := errors.New("boom")
	online.fitErr = boom
	ok := []replay.Transition{{State: []float64{1, 1}, Target: []float64{0}, Action: 1, NextState: []float64{1, 1}, NextTarget: []float64{0}}}
	_, err = d.TrainStep(ok, true)
	assert.ErrorIs(t, err, boom)
}

func TestLearnOnMiniBatch_WaitsForLearnStart(t *testing.T) {
	online := newTableNetwork(0, 0, 0)
	d := newTestAgent(t, testHyperparams(), online, newTableNetwork(0, 0, 0))

	for i := 0; i < 3; i++ {
		d.Remember(replay.Transition{State: []float64{float64(i), 0}, Target: []float64{0}, Action: 0, NextState: []float64{0, 0}, NextTarget: []float64{0}})
		_, trained, err := d.LearnOnMiniBatch(2, false)
		require.NoError(t, err)
		assert.False(t, trained)
	}

	d.Remember(replay.Transition{State: []float64{3, 0}, Target: []float64{0}, Action: 2, NextState: []float64{0, 0}, NextTarget: []float64{0}})
	loss, trained, err := d.LearnOnMiniBatch(2, false)
	require.NoError(t, err)
	assert.True(t, trained)
	assert.Equal(t, 0.5, loss)
	require.Len(t, online.fits, 1)
	assert.Len(t, online.fits[0].inputs, 2)

	last, ok := d.LastTransition()
	require.True(t, ok)
	assert.Equal(t, 2, last.Action)
}

func TestSyncTargetNetwork(t *testing.T) {
	online := newTableNetwork(0, 0, 0)
	target := newTableNetwork(0, 0, 0)
	d := newTestAgent(t, testHyperparams(), online, target)

	online.weights = qnet.Weights{mat.NewDense(1, 1, []float64{7})}
	assert.False(t, target.weights.Equal(online.weights))

	require.NoError(t, d.SyncTargetNetwork())
	assert.True(t, target.weights.Equal(online.weights))

	online.weights = qnet.Weights{mat.NewDense(2, 1, nil)}
	assert.Error(t, d.SyncTargetNetwork())
}

func TestDeepQ_TrainsRealNetwork(t *testing.T) {
	hp := testHyperparams()
	hp.LearningRate = 0.01
	online, target, err := NewNetworks(hp, 11)
	require.NoError(t, err)
	d := newTestAgent(t, hp, online, target)
	assert.True(t, online.Weights().Equal(target.Weights()))

	for i := 0; i < 20; i++ {
		d.Remember(replay.Transition{
			State:      []float64{float64(i%4) / 4, 1},
			Target:     []float64{0.5},
			Action:     i % 3,
			Reward:     1,
			NextState:  []float64{float64((i+1)%4) / 4, 1},
			NextTarget: []float64{0.5},
			Done:       i%5 == 4,
		})
	}

	for i := 0; i < 10; i++ {
		_, trained, err := d.LearnOnMiniBatch(8, true)
		require.NoError(t, err)
		assert.True(t, trained)
	}
	assert.False(t, online.Weights().Equal(target.Weights()))

	require.NoError(t, d.SyncTargetNetwork())
	assert.True(t, online.Weights().Equal(target.Weights()))
}
