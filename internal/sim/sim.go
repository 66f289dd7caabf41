// Package sim is a small 2D stand-in for the Gazebo TurtleBot3 world: a
// square arena with round obstacles, a unicycle robot with a 360 degree laser
// scanner and a goal point to reach.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/cartridge/mantis/internal/env"
)

// Actions understood by the simulator.
const (
	ActionForward = iota
	ActionLeft
	ActionRight
	actionCount
)

// ErrPlacement is returned when no free spot could be found for the robot,
// the goal or an obstacle.
var ErrPlacement = errors.New("could not place object in arena")

// Config describes the world and its reward scheme.
type Config struct {
	Arena             float64 // side length of the square arena in metres
	Obstacles         int
	ObstacleRadius    float64
	Beams             int
	MaxRange          float64
	LinearStep        float64 // metres moved by ActionForward
	AngularStep       float64 // radians turned by ActionLeft/ActionRight
	CollisionDistance float64
	GoalTolerance     float64
	GoalReward        float64
	CollisionReward   float64
	ProgressScale     float64
	Seed              int64
}

// DefaultConfig matches the TurtleBot3 burger with an LDS-01 scanner.
func DefaultConfig() Config {
	return Config{
		Arena:             4.0,
		Obstacles:         4,
		ObstacleRadius:    0.2,
		Beams:             180,
		MaxRange:          3.5,
		LinearStep:        0.15,
		AngularStep:       math.Pi / 8,
		CollisionDistance: 0.2,
		GoalTolerance:     0.3,
		GoalReward:        200,
		CollisionReward:   -200,
		ProgressScale:     10,
		Seed:              1,
	}
}

func (c Config) validate() error {
	switch {
	case c.Arena <= 1:
		return fmt.Errorf("arena must be larger than 1 metre, got %v", c.Arena)
	case c.Obstacles < 0:
		return fmt.Errorf("obstacles must not be negative")
	case c.Beams <= 0:
		return fmt.Errorf("beams must be positive")
	case c.MaxRange <= 0:
		return fmt.Errorf("max range must be positive")
	case c.LinearStep <= 0 || c.AngularStep <= 0:
		return fmt.Errorf("step sizes must be positive")
	}
	return nil
}

type obstacle struct {
	center r2.Vec
	radius float64
}

// Simulator implements env.Environment.
type Simulator struct {
	cfg       Config
	rng       *rand.Rand
	pose      r2.Vec
	heading   float64
	goal      r2.Vec
	obstacles []obstacle
	prevDist  float64
	started   bool
}

// New creates a simulator. Reset must be called before Step.
func New(cfg Config) (*Simulator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Spec returns the observation and action dimensions.
func (s *Simulator) Spec() env.Spec {
	return env.Spec{LaserInputs: s.cfg.Beams, TargetInputs: 2, Actions: actionCount}
}

// Reset implements env.Environment.
func (s *Simulator) Reset(ctx context.Context) (env.Observation, error) {
	if err := ctx.Err(); err != nil {
		return env.Observation{}, err
	}

	s.obstacles = s.obstacles[:0]
	for i := 0; i < s.cfg.Obstacles; i++ {
		center, err := s.freeSpot(s.cfg.ObstacleRadius + 0.1)
		if err != nil {
			return env.Observation{}, fmt.Errorf("obstacle %d: %w", i, err)
		}
		s.obstacles = append(s.obstacles, obstacle{center: center, radius: s.cfg.ObstacleRadius})
	}

	pose, err := s.freeSpot(s.cfg.CollisionDistance + 0.2)
	if err != nil {
		return env.Observation{}, fmt.Errorf("robot: %w", err)
	}
	s.pose = pose
	s.heading = s.rng.Float64()*2*math.Pi - math.Pi

	for attempt := 0; ; attempt++ {
		goal, err := s.freeSpot(s.cfg.GoalTolerance)
		if err != nil {
			return env.Observation{}, fmt.Errorf("goal: %w", err)
		}
		if r2.Norm(r2.Sub(goal, s.pose)) > 1 || attempt >= 100 {
			s.goal = goal
			break
		}
	}

	s.prevDist = s.goalDistance()
	s.started = true
	return s.observe(), nil
}

// Step implements env.Environment.
func (s *Simulator) Step(ctx context.Context, action int) (env.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return env.StepResult{}, err
	}
	if !s.started {
		return env.StepResult{}, errors.New("step called before reset")
	}

	switch action {
	case ActionForward:
		s.pose = r2.Add(s.pose, r2.Scale(s.cfg.LinearStep, direction(s.heading)))
	case ActionLeft:
		s.heading = normalizeAngle(s.heading + s.cfg.AngularStep)
	case ActionRight:
		s.heading = normalizeAngle(s.heading - s.cfg.AngularStep)
	default:
		return env.StepResult{}, fmt.Errorf("action %d outside [0, %d)", action, actionCount)
	}

	obs := s.observe()
	dist := s.goalDistance()
	result := env.StepResult{Observation: obs}

	switch {
	case s.collided(obs.Laser):
		result.Reward = s.cfg.CollisionReward
		result.Done = true
	case dist < s.cfg.GoalTolerance:
		result.Reward = s.cfg.GoalReward
		result.Done = true
	default:
		result.Reward = s.cfg.ProgressScale * (s.prevDist - dist)
	}
	s.prevDist = dist
	if result.Done {
		s.started = false
	}

	return result, nil
}

// Close implements env.Environment.
func (s *Simulator) Close() error {
	return nil
}

func (s *Simulator) observe() env.Observation {
	laser := make([]float64, s.cfg.Beams)
	for i := range laser {
		angle := s.heading + 2*math.Pi*float64(i)/float64(s.cfg.Beams)
		laser[i] = s.cast(s.pose, direction(angle))
	}

	// Goal vector in the robot frame: x ahead, y to the left.
	rel := r2.Rotate(r2.Sub(s.goal, s.pose), -s.heading, r2.Vec{})
	return env.Observation{Laser: laser, Target: []float64{rel.X, rel.Y}}
}

// cast returns the distance from origin along the unit vector dir to the first
// wall or obstacle, capped at the scanner range.
func (s *Simulator) cast(origin, dir r2.Vec) float64 {
	best := s.cfg.MaxRange
	half := s.cfg.Arena / 2

	if dir.X > 0 {
		best = math.Min(best, (half-origin.X)/dir.X)
	} else if dir.X < 0 {
		best = math.Min(best, (-half-origin.X)/dir.X)
	}
	if dir.Y > 0 {
		best = math.Min(best, (half-origin.Y)/dir.Y)
	} else if dir.Y < 0 {
		best = math.Min(best, (-half-origin.Y)/dir.Y)
	}

	for _, o := range s.obstacles {
		oc := r2.Sub(o.center, origin)
		b := r2.Dot(oc, dir)
		disc := b*b - (r2.Dot(oc, oc) - o.radius*o.radius)
		if disc < 0 {
			continue
		}
		root := math.Sqrt(disc)
		t := b - root
		if t < 0 {
			t = b + root
		}
		if t >= 0 && t < best {
			best = t
		}
	}

	return math.Max(0, best)
}

func (s *Simulator) collided(laser []float64) bool {
	half := s.cfg.Arena / 2
	if math.Abs(s.pose.X) >= half || math.Abs(s.pose.Y) >= half {
		return true
	}
	for _, r := range laser {
		if r < s.cfg.CollisionDistance {
			return true
		}
	}
	return false
}

func (s *Simulator) goalDistance() float64 {
	return r2.Norm(r2.Sub(s.goal, s.pose))
}

// freeSpot samples a point at least clearance away from walls and obstacles.
func (s *Simulator) freeSpot(clearance float64) (r2.Vec, error) {
	half := s.cfg.Arena/2 - clearance
	if half <= 0 {
		return r2.Vec{}, ErrPlacement
	}

	for attempt := 0; attempt < 200; attempt++ {
		p := r2.Vec{
			X: (s.rng.Float64()*2 - 1) * half,
			Y: (s.rng.Float64()*2 - 1) * half,
		}
		free := true
		for _, o := range s.obstacles {
			if r2.Norm(r2.Sub(p, o.center)) < o.radius+clearance {
				free = false
				break
			}
		}
		if free {
			return p, nil
		}
	}
	return r2.Vec{}, ErrPlacement
}

func direction(angle float64) r2.Vec {
	return r2.Vec{X: math.Cos(angle), Y: math.Sin(angle)}
}

func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
