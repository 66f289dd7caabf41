// Package replay implements the experience replay memory used by the DQN agent.
package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	// ErrInvalidBatchSize is returned when a sample of zero or negative size is requested.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	// ErrInsufficientTransitions is returned when the memory holds fewer transitions than requested.
	ErrInsufficientTransitions = errors.New("not enough transitions to sample")
)

// Transition represents a single experience transition
type Transition struct {
	State      []float64
	Target     []float64
	Action     int
	Reward     float64
	NextState  []float64
	NextTarget []float64
	Done       bool
}

func (t Transition) clone() Transition {
	t.State = cloneSlice(t.State)
	t.Target = cloneSlice(t.Target)
	t.NextState = cloneSlice(t.NextState)
	t.NextTarget = cloneSlice(t.NextTarget)
	return t
}

// Stats represents replay memory statistics
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	TotalAdded  uint64  `json:"total_added"`
	Utilization float64 `json:"utilization"`
}

// Option configures a Memory.
type Option func(*Memory)

// WithRand sets the random source used for sampling.
func WithRand(rng *rand.Rand) Option {
	return func(m *Memory) {
		m.rng = rng
	}
}

// Memory is a fixed-capacity ring buffer of transitions. Once full, each new
// transition overwrites the oldest slot. Memory is not safe for concurrent use.
type Memory struct {
	buffer     []Transition
	capacity   int
	next       int    // slot written by the next Add
	size       int    // number of filled slots
	totalAdded uint64 // lifetime inserts
	rng        *rand.Rand
}

// New creates a replay memory holding at most capacity transitions
func New(capacity int, opts ...Option) (*Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay capacity must be positive, got %d", capacity)
	}

	m := &Memory{
		capacity: capacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Grow lazily; a million-slot buffer is mostly empty early in a run.
	initial := capacity
	if initial > 4096 {
		initial = 4096
	}
	m.buffer = make([]Transition, 0, initial)

	return m, nil
}

// Add stores a copy of the transition at the current write index.
func (m *Memory) Add(t Transition) {
	t = t.clone()
	if len(m.buffer) < m.capacity {
		m.buffer = append(m.buffer, t)
	} else {
		m.buffer[m.next] = t
	}

	m.next = (m.next + 1) % m.capacity
	if m.size < m.capacity {
		m.size++
	}
	m.totalAdded++
}

// Sample returns batchSize distinct transitions drawn uniformly from the
// filled part of the memory.
func (m *Memory) Sample(batchSize int) ([]Transition, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if m.size < batchSize {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficientTransitions, m.size, batchSize)
	}

	// Floyd's algorithm: batchSize draws without replacement, no full permutation.
	chosen := make(map[int]struct{}, batchSize)
	sampled := make([]Transition, 0, batchSize)
	for j := m.size - batchSize; j < m.size; j++ {
		idx := m.rng.Intn(j + 1)
		if _, taken := chosen[idx]; taken {
			idx = j
		}
		chosen[idx] = struct{}{}
		sampled = append(sampled, m.buffer[idx])
	}

	return sampled, nil
}

// At returns the transition stored in the given physical slot.
func (m *Memory) At(slot int) (Transition, error) {
	if slot < 0 || slot >= m.size {
		return Transition{}, fmt.Errorf("slot %d out of range [0, %d)", slot, m.size)
	}
	return m.buffer[slot], nil
}

// Last returns the most recently added transition.
func (m *Memory) Last() (Transition, bool) {
	if m.size == 0 {
		return Transition{}, false
	}
	slot := (m.next - 1 + m.capacity) % m.capacity
	return m.buffer[slot], true
}

// Len returns the number of stored transitions.
func (m *Memory) Len() int {
	return m.size
}

// Cap returns the maximum number of stored transitions.
func (m *Memory) Cap() int {
	return m.capacity
}

// Stats returns current memory statistics
func (m *Memory) Stats() Stats {
	return Stats{
		Size:        m.size,
		Capacity:    m.capacity,
		TotalAdded:  m.totalAdded,
		Utilization: float64(m.size) / float64(m.capacity),
	}
}

// Reset drops every stored transition.
func (m *Memory) Reset() {
	m.buffer = m.buffer[:0]
	m.next = 0
	m.size = 0
}

func cloneSlice(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
