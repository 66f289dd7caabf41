package trainer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/mantis/internal/agent"
	"github.com/cartridge/mantis/internal/checkpoint"
	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/events"
	"github.com/cartridge/mantis/internal/metrics"
	"github.com/cartridge/mantis/internal/qnet"
	"github.com/cartridge/mantis/internal/replay"
)

// scriptedEnv ends every episode after episodeLen steps; zero means never.
type scriptedEnv struct {
	episodeLen int
	reward     float64
	laser      int
	steps      int
	total      int
	resets     int
	stepErr    error
	onStep     func(total int)
}

func (e *scriptedEnv) obs() env.Observation {
	laser := make([]float64, e.laser)
	for i := range laser {
		laser[i] = float64((e.steps+i)%5) / 5
	}
	return env.Observation{Laser: laser, Target: []float64{1}}
}

func (e *scriptedEnv) Reset(ctx context.Context) (env.Observation, error) {
	if err := ctx.Err(); err != nil {
		return env.Observation{}, err
	}
	e.resets++
	e.steps = 0
	return e.obs(), nil
}

func (e *scriptedEnv) Step(ctx context.Context, action int) (env.StepResult, error) {
	if e.stepErr != nil {
		return env.StepResult{}, e.stepErr
	}
	if err := ctx.Err(); err != nil {
		return env.StepResult{}, err
	}
	e.steps++
	e.total++
	if e.onStep != nil {
		e.onStep(e.total)
	}
	done := e.episodeLen > 0 && e.steps >= e.episodeLen
	return env.StepResult{Observation: e.obs(), Reward: e.reward, Done: done}, nil
}

func (e *scriptedEnv) Close() error { return nil }

type recordingPublisher struct {
	mu          sync.Mutex
	episodes    []events.EpisodeEvent
	checkpoints []events.CheckpointEvent
}

func (p *recordingPublisher) PublishEpisode(_ context.Context, e events.EpisodeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.episodes = append(p.episodes, e)
	return nil
}

func (p *recordingPublisher) PublishCheckpoint(_ context.Context, e events.CheckpointEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints = append(p.checkpoints, e)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Hyperparams = config.Hyperparams{
		Episodes:             5,
		Steps:                100,
		MaxEpisodeSteps:      10,
		UpdateTargetNetwork:  7,
		ExplorationRate:      1,
		ExplorationDecay:     0.5,
		MinExplorationRate:   0.1,
		MinibatchSize:        2,
		LearnStart:           3,
		LearningRate:         0.01,
		DiscountFactor:       0.9,
		MemorySize:           100,
		LaserInputs:          2,
		TargetInputs:         1,
		OutputSize:           3,
		HiddenLayers:         []int{4},
		ActionSelection:      config.SelectEpsilonGreedy,
		SelectionBias:        1,
		InjectTerminalSample: true,
	}
	cfg.CheckpointEvery = 2
	return *cfg
}

func newTestAgent(t *testing.T, hp config.Hyperparams) *agent.DeepQ {
	t.Helper()
	memory, err := replay.New(hp.MemorySize, replay.WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)
	online, target, err := agent.NewNetworks(hp, 1)
	require.NoError(t, err)
	ag, err := agent.New(hp, online, target, memory, agent.WithRand(rand.New(rand.NewSource(2))))
	require.NoError(t, err)
	return ag
}

func newTestTrainer(t *testing.T, cfg config.Config, e env.Environment, opts ...Option) *Trainer {
	t.Helper()
	tr, err := New(cfg, newTestAgent(t, cfg.Hyperparams), e, opts...)
	require.NoError(t, err)
	return tr
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	ag := newTestAgent(t, cfg.Hyperparams)

	_, err := New(cfg, nil, &scriptedEnv{laser: 2})
	assert.Error(t, err)
	_, err = New(cfg, ag, nil)
	assert.Error(t, err)

	bad := cfg
	bad.CheckpointEvery = 0
	_, err = New(bad, ag, &scriptedEnv{laser: 2})
	assert.Error(t, err)

	bad = cfg
	bad.MinibatchSize = 0
	_, err = New(bad, ag, &scriptedEnv{laser: 2})
	assert.Error(t, err)
}

func TestRun_TimeoutEndsEpisodes(t *testing.T) {
	cfg := testConfig()
	e := &scriptedEnv{laser: 2, reward: 1}
	tr := newTestTrainer(t, cfg, e)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Episodes)
	assert.Equal(t, 5*cfg.MaxEpisodeSteps, summary.StepCounter)
	assert.Equal(t, 5, e.resets)
	assert.InDelta(t, float64(cfg.MaxEpisodeSteps), summary.HighestReward, 1e-9)

	snap := tr.Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, cfg.MaxEpisodeSteps, snap.LastSteps)
	assert.InDelta(t, 10.0, snap.AvgLast100Steps, 1e-9)
	assert.Equal(t, 50, snap.MemorySize)
}

func TestRun_StepsCapsEpisodeLength(t *testing.T) {
	cfg := testConfig()
	cfg.Steps = 4
	e := &scriptedEnv{laser: 2}
	tr := newTestTrainer(t, cfg, e)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*4, summary.StepCounter)
	for _, ep := range tr.History() {
		assert.Equal(t, 4, ep.Steps)
	}
}

func TestRun_DoneEndsEpisodes(t *testing.T) {
	cfg := testConfig()
	e := &scriptedEnv{laser: 2, episodeLen: 3, reward: -1}
	pub := &recordingPublisher{}
	tr := newTestTrainer(t, cfg, e, WithPublisher(pub))

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, summary.StepCounter)
	assert.Equal(t, 0.0, summary.HighestReward)

	require.Len(t, pub.episodes, 5)
	for i, ev := range pub.episodes {
		assert.Equal(t, i+1, ev.Episode)
		assert.Equal(t, 3, ev.Steps)
		assert.Equal(t, events.TerminalDone, ev.Terminal)
		assert.InDelta(t, -3, ev.Reward, 1e-9)
	}
	// No store, no checkpoints.
	assert.Empty(t, pub.checkpoints)
}

func TestRun_EpsilonDecaysToFloor(t *testing.T) {
	cfg := testConfig()
	pub := &recordingPublisher{}
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2, episodeLen: 2}, WithPublisher(pub))

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	want := []float64{1, 0.5, 0.25, 0.125, 0.1}
	require.Len(t, pub.episodes, len(want))
	for i, ev := range pub.episodes {
		assert.InDelta(t, want[i], ev.Epsilon, 1e-12)
	}
	assert.InDelta(t, 0.1, summary.Epsilon, 1e-12)
}

func TestRun_SyncsTargetNetworkPeriodically(t *testing.T) {
	cfg := testConfig()
	var buf bytes.Buffer
	collector := metrics.NewCollector(zerolog.New(&buf))
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2}, WithCollector(collector))

	_, err := tr.Run(context.Background())
	require.NoError(t, err)

	// 50 steps with a sync every 7.
	assert.Equal(t, 7, strings.Count(buf.String(), `"metric":"target_synced"`))
	assert.Equal(t, 5, strings.Count(buf.String(), `"metric":"episode_completed"`))
}

func TestRun_WritesCheckpointsAndResumes(t *testing.T) {
	cfg := testConfig()
	store := checkpoint.NewStore(t.TempDir(), "turtle")
	pub := &recordingPublisher{}
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2, reward: 1}, WithStore(store), WithPublisher(pub), WithRunID("run-a"))

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.BasePath(5), summary.LastCheckpoint)

	// Every second episode plus the final one.
	require.Len(t, pub.checkpoints, 3)
	assert.Equal(t, []int{2, 4, 5}, []int{pub.checkpoints[0].Episode, pub.checkpoints[1].Episode, pub.checkpoints[2].Episode})
	assert.FileExists(t, store.BasePath(2)+".png")

	latest, err := store.Latest()
	require.NoError(t, err)
	cp, err := store.Load(latest)
	require.NoError(t, err)
	assert.Equal(t, 5, cp.Params.CurrentEpoch)
	assert.Equal(t, 50, cp.Params.StepCounter)
	assert.InDelta(t, 0.1, cp.Params.Epsilon, 1e-12)
	assert.Equal(t, "run-a", cp.Params.RunID)
	assert.InDelta(t, 10.0, cp.Params.HighestReward, 1e-9)
	assert.True(t, cp.Weights.Equal(tr.agent.Online().Weights()))

	resumedCfg := cfg
	resumedCfg.Episodes = 7
	e := &scriptedEnv{laser: 2}
	resumed := newTestTrainer(t, resumedCfg, e, WithStore(store))
	require.NoError(t, resumed.Resume(cp))
	assert.True(t, cp.Weights.Equal(resumed.agent.Online().Weights()))

	snap := resumed.Snapshot()
	assert.Equal(t, 5, snap.Episode)
	assert.Equal(t, "run-a", snap.RunID)
	assert.InDelta(t, 10.0, snap.HighestReward, 1e-9)

	summary, err = resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Episodes)
	assert.Equal(t, 70, summary.StepCounter)
	assert.Equal(t, 2, e.resets)
	assert.Equal(t, store.BasePath(7), summary.LastCheckpoint)
	assert.InDelta(t, 10.0, summary.HighestReward, 1e-9)

	history := resumed.History()
	require.Len(t, history, 2)
	assert.Equal(t, 6, history[0].Number)
	assert.Equal(t, 7, history[1].Number)
}

func TestResume_ShapeMismatch(t *testing.T) {
	cfg := testConfig()
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2})

	other := cfg.Hyperparams
	other.HiddenLayers = []int{8}
	online, _, err := agent.NewNetworks(other, 1)
	require.NoError(t, err)

	err = tr.Resume(checkpoint.Checkpoint{Weights: online.Weights()})
	assert.Error(t, err)
}

func TestRun_CancelWritesFinalCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointEvery = 100
	store := checkpoint.NewStore(t.TempDir(), "turtle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel midway through the third episode.
	e := &scriptedEnv{laser: 2, episodeLen: 4, onStep: func(total int) {
		if total == 10 {
			cancel()
		}
	}}
	tr := newTestTrainer(t, cfg, e, WithStore(store))

	summary, err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Episodes)
	assert.Equal(t, StateStopped, tr.Snapshot().State)

	cp, err := store.Load(store.BasePath(2))
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Params.CurrentEpoch)
}

func TestRun_EnvErrorFailsRun(t *testing.T) {
	cfg := testConfig()
	boom := errors.New("gazebo died")
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2, stepErr: boom})

	_, err := tr.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, tr.Snapshot().State)
}

func TestRun_ObservationShapeMismatch(t *testing.T) {
	cfg := testConfig()
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 5})

	_, err := tr.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_TrainsOnceLearnStartIsReached(t *testing.T) {
	cfg := testConfig()
	cfg.Episodes = 1
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2, reward: 1})

	before := tr.agent.Online().Weights()
	_, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, before.Equal(tr.agent.Online().Weights()))
	assert.Greater(t, tr.Snapshot().LastLoss, 0.0)
}

// countingNetwork counts Predict and Fit calls on the wrapped network.
type countingNetwork struct {
	qnet.Network
	predicts int
	fits     int
}

func (n *countingNetwork) Predict(input []float64) ([]float64, error) {
	n.predicts++
	return n.Network.Predict(input)
}

func (n *countingNetwork) Fit(inputs, targets [][]float64) (float64, error) {
	n.fits++
	return n.Network.Fit(inputs, targets)
}

func TestRun_LearningSchedule(t *testing.T) {
	cfg := testConfig()
	hp := cfg.Hyperparams

	memory, err := replay.New(hp.MemorySize, replay.WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)
	onlineNet, targetNet, err := agent.NewNetworks(hp, 1)
	require.NoError(t, err)
	online := &countingNetwork{Network: onlineNet}
	target := &countingNetwork{Network: targetNet}
	ag, err := agent.New(hp, online, target, memory, agent.WithRand(rand.New(rand.NewSource(2))))
	require.NoError(t, err)

	// Counts as they stood after each completed global step; index 0 is before
	// the first step.
	type counts struct{ fits, targetPredicts int }
	var after []counts
	environment := &scriptedEnv{laser: 2, onStep: func(int) {
		after = append(after, counts{fits: online.fits, targetPredicts: target.predicts})
	}}

	tr, err := New(cfg, ag, environment)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, after, hp.Episodes*hp.MaxEpisodeSteps)

	for step := 0; step <= hp.LearnStart; step++ {
		assert.Zero(t, after[step].fits, "fit after step %d", step)
	}
	assert.Equal(t, 1, after[hp.LearnStart+1].fits)

	for step := 0; step <= hp.UpdateTargetNetwork; step++ {
		assert.Zero(t, after[step].targetPredicts, "target predict after step %d", step)
	}
	assert.Equal(t, hp.MinibatchSize, after[hp.UpdateTargetNetwork+1].targetPredicts)
	assert.Greater(t, target.predicts, after[hp.UpdateTargetNetwork+1].targetPredicts)
}

func TestWindow(t *testing.T) {
	w := newWindow(3)
	assert.Equal(t, 0.0, w.mean())
	w.add(1)
	w.add(2)
	assert.InDelta(t, 1.5, w.mean(), 1e-12)
	w.add(3)
	w.add(10)
	assert.InDelta(t, 5, w.mean(), 1e-12)
	assert.Equal(t, 3, w.len())
}

func TestHistory(t *testing.T) {
	cfg := testConfig()
	cfg.Episodes = 3
	tr := newTestTrainer(t, cfg, &scriptedEnv{laser: 2, episodeLen: 2, reward: 0.5})

	_, err := tr.Run(context.Background())
	require.NoError(t, err)

	history := tr.History()
	require.Len(t, history, 3)
	for _, ep := range history {
		assert.Equal(t, 2, ep.Steps)
		assert.InDelta(t, 1.0, ep.Reward, 1e-9)
	}

	// Callers get a copy.
	history[0].Steps = 99
	assert.Equal(t, 2, tr.History()[0].Steps)
}
