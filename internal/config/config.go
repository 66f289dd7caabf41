package config

import (
	"fmt"
)

// Hyperparams holds the learning parameters of a training run. They are
// persisted alongside every checkpoint and restored on resume.
type Hyperparams struct {
	Episodes            int     `mapstructure:"episodes" json:"epochs"`
	Steps               int     `mapstructure:"steps" json:"steps"`
	MaxEpisodeSteps     int     `mapstructure:"max_episode_steps" json:"max_episode_steps"`
	UpdateTargetNetwork int     `mapstructure:"update_target_network" json:"updateTargetNetwork"`
	ExplorationRate     float64 `mapstructure:"exploration_rate" json:"explorationRate"`
	ExplorationDecay    float64 `mapstructure:"exploration_decay" json:"explorationDecay"`
	MinExplorationRate  float64 `mapstructure:"min_exploration_rate" json:"minExplorationRate"`
	MinibatchSize       int     `mapstructure:"minibatch_size" json:"minibatch_size"`
	LearnStart          int     `mapstructure:"learn_start" json:"learnStart"`
	LearningRate        float64 `mapstructure:"learning_rate" json:"learningRate"`
	DiscountFactor      float64 `mapstructure:"discount_factor" json:"discountFactor"`
	MemorySize          int     `mapstructure:"memory_size" json:"memorySize"`

	// Network shape
	LaserInputs  int   `mapstructure:"laser_inputs" json:"network_laser_inputs"`
	TargetInputs int   `mapstructure:"target_inputs" json:"network_target_inputs"`
	OutputSize   int   `mapstructure:"output_size" json:"output_size"`
	HiddenLayers []int `mapstructure:"hidden_layers" json:"hidden_layers"`

	// Action selection: "epsilon-greedy" or "probability"
	ActionSelection string  `mapstructure:"action_selection" json:"action_selection"`
	SelectionBias   float64 `mapstructure:"selection_bias" json:"selection_bias"`

	// InjectTerminalSample adds a nextState -> [reward]*actions row for every
	// terminal transition in a mini-batch.
	InjectTerminalSample bool `mapstructure:"inject_terminal_sample" json:"inject_terminal_sample"`
}

const (
	SelectEpsilonGreedy = "epsilon-greedy"
	SelectProbability   = "probability"
)

// Config holds all trainer configuration
type Config struct {
	Hyperparams `mapstructure:",squash"`

	Seed int64 `mapstructure:"seed"`

	// Environment: empty EnvAddr runs the built-in simulator
	EnvAddr      string  `mapstructure:"env_addr"`
	SimObstacles int     `mapstructure:"sim_obstacles"`
	SimArena     float64 `mapstructure:"sim_arena"`
	SimListen    string  `mapstructure:"sim_listen"`

	// Checkpoints
	CheckpointDir    string `mapstructure:"checkpoint_dir"`
	CheckpointPrefix string `mapstructure:"checkpoint_prefix"`
	CheckpointEvery  int    `mapstructure:"checkpoint_every"`
	Continue         bool   `mapstructure:"continue"`
	ResumeFrom       string `mapstructure:"resume_from"`

	// Observability
	StatusAddr  string `mapstructure:"status_addr"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
}

// DefaultHyperparams mirrors the parameter list of the TurtleBot3 lidar run.
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		Episodes:             10000,
		Steps:                10000,
		MaxEpisodeSteps:      1000,
		UpdateTargetNetwork:  10000,
		ExplorationRate:      1.0,
		ExplorationDecay:     0.995,
		MinExplorationRate:   0.05,
		MinibatchSize:        64,
		LearnStart:           64,
		LearningRate:         0.00025,
		DiscountFactor:       0.99,
		MemorySize:           1000000,
		LaserInputs:          180,
		TargetInputs:         2,
		OutputSize:           3,
		HiddenLayers:         []int{64, 32},
		ActionSelection:      SelectEpsilonGreedy,
		SelectionBias:        1.0,
		InjectTerminalSample: true,
	}
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Hyperparams:      DefaultHyperparams(),
		Seed:             1,
		SimObstacles:     4,
		SimArena:         4.0,
		SimListen:        ":50051",
		CheckpointDir:    "/tmp/gazebo_gym_experiments",
		CheckpointPrefix: "turtle_c2_dqn",
		CheckpointEvery:  100,
		NATSSubject:      "mantis.episodes",
		LogLevel:         "info",
	}
}

// InputSize is the width of the network input: laser scan plus target vector.
func (h Hyperparams) InputSize() int {
	return h.LaserInputs + h.TargetInputs
}

// EpisodeStepLimit is the number of steps after which an episode times out.
func (h Hyperparams) EpisodeStepLimit() int {
	if h.Steps < h.MaxEpisodeSteps {
		return h.Steps
	}
	return h.MaxEpisodeSteps
}

// LayerSizes returns input, hidden and output widths in order.
func (h Hyperparams) LayerSizes() []int {
	sizes := make([]int, 0, len(h.HiddenLayers)+2)
	sizes = append(sizes, h.InputSize())
	sizes = append(sizes, h.HiddenLayers...)
	return append(sizes, h.OutputSize)
}

// Validate checks if the hyperparameters are usable
func (h Hyperparams) Validate() error {
	if h.Episodes <= 0 {
		return fmt.Errorf("episodes must be positive")
	}
	if h.Steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}
	if h.MaxEpisodeSteps <= 0 {
		return fmt.Errorf("max_episode_steps must be positive")
	}
	if h.UpdateTargetNetwork <= 0 {
		return fmt.Errorf("update_target_network must be positive")
	}
	if h.ExplorationRate < 0 || h.ExplorationRate > 1 {
		return fmt.Errorf("exploration_rate must be within [0, 1], got %v", h.ExplorationRate)
	}
	if h.ExplorationDecay <= 0 || h.ExplorationDecay > 1 {
		return fmt.Errorf("exploration_decay must be within (0, 1], got %v", h.ExplorationDecay)
	}
	if h.MinExplorationRate < 0 || h.MinExplorationRate > 1 {
		return fmt.Errorf("min_exploration_rate must be within [0, 1], got %v", h.MinExplorationRate)
	}
	if h.MinibatchSize <= 0 {
		return fmt.Errorf("minibatch_size must be positive")
	}
	if h.LearnStart < 0 {
		return fmt.Errorf("learn_start must not be negative")
	}
	if h.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if h.DiscountFactor < 0 || h.DiscountFactor > 1 {
		return fmt.Errorf("discount_factor must be within [0, 1], got %v", h.DiscountFactor)
	}
	if h.MemorySize < h.MinibatchSize {
		return fmt.Errorf("memory_size (%d) must be at least minibatch_size (%d)", h.MemorySize, h.MinibatchSize)
	}
	if h.LaserInputs <= 0 {
		return fmt.Errorf("laser_inputs must be positive")
	}
	if h.TargetInputs < 0 {
		return fmt.Errorf("target_inputs must not be negative")
	}
	if h.OutputSize <= 0 {
		return fmt.Errorf("output_size must be positive")
	}
	for i, width := range h.HiddenLayers {
		if width <= 0 {
			return fmt.Errorf("hidden_layers[%d] must be positive, got %d", i, width)
		}
	}
	switch h.ActionSelection {
	case SelectEpsilonGreedy:
	case SelectProbability:
		if h.SelectionBias <= 0 {
			return fmt.Errorf("selection_bias must be positive")
		}
	default:
		return fmt.Errorf("unknown action_selection %q", h.ActionSelection)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Hyperparams.Validate(); err != nil {
		return err
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir is required")
	}
	if c.CheckpointPrefix == "" {
		return fmt.Errorf("checkpoint_prefix is required")
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive")
	}
	if c.EnvAddr == "" {
		if c.SimArena <= 1 {
			return fmt.Errorf("sim_arena must be larger than 1 metre")
		}
		if c.SimObstacles < 0 {
			return fmt.Errorf("sim_obstacles must not be negative")
		}
		if c.TargetInputs != 2 || c.OutputSize != 3 {
			return fmt.Errorf("the built-in simulator needs target_inputs=2 and output_size=3")
		}
	}
	return nil
}
