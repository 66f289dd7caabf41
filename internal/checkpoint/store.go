// Package checkpoint persists network weights and training progress so a run
// can be resumed.
//
// A checkpoint is a pair of files sharing a base path
// <dir>/<prefix>_ep<epoch>: a ".weights" file holding the network parameters
// as gonum binary matrices inside a snappy stream, and a ".json" file holding
// the hyperparameters and loop counters.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/qnet"
)

const (
	weightsExt = ".weights"
	paramsExt  = ".json"
)

// Layout of the header gonum writes before each matrix: version, four flag
// bytes, then rows, cols, ku and kl as little-endian int64.
const (
	denseHeaderSize = 40
	denseRowsOffset = 8
	denseColsOffset = 16

	maxMatrixElements = 1 << 24
)

// ErrNotFound is returned when no checkpoint exists at the requested location.
var ErrNotFound = errors.New("checkpoint not found")

// Params is the JSON side of a checkpoint.
type Params struct {
	config.Hyperparams

	Epsilon       float64   `json:"epsilon"`
	CurrentEpoch  int       `json:"current_epoch"`
	StepCounter   int       `json:"step_counter"`
	HighestReward float64   `json:"highest_reward"`
	RunID         string    `json:"run_id"`
	SavedAt       time.Time `json:"saved_at"`
}

// Checkpoint is everything needed to resume training.
type Checkpoint struct {
	Params  Params
	Weights qnet.Weights
}

// Paths lists the files written for one checkpoint.
type Paths struct {
	Base    string
	Weights string
	Params  string
}

func pathsFor(base string) Paths {
	return Paths{Base: base, Weights: base + weightsExt, Params: base + paramsExt}
}

// Store reads and writes checkpoints in a directory.
type Store struct {
	dir    string
	prefix string
}

// NewStore returns a store rooted at dir. Files are named prefix_ep<epoch>.
func NewStore(dir, prefix string) *Store {
	return &Store{dir: dir, prefix: prefix}
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// BasePath returns the path prefix used for the checkpoint of epoch.
func (s *Store) BasePath(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_ep%d", s.prefix, epoch))
}

// Save writes cp under the base path of its current epoch.
func (s *Store) Save(ctx context.Context, cp Checkpoint) (Paths, error) {
	if err := ctx.Err(); err != nil {
		return Paths{}, err
	}
	if len(cp.Weights) == 0 {
		return Paths{}, errors.New("checkpoint has no weights")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create checkpoint directory: %w", err)
	}

	paths := pathsFor(s.BasePath(cp.Params.CurrentEpoch))
	if cp.Params.SavedAt.IsZero() {
		cp.Params.SavedAt = time.Now().UTC()
	}

	if err := writeAtomic(paths.Weights, func(w io.Writer) error {
		return writeWeights(w, cp.Weights)
	}); err != nil {
		return Paths{}, fmt.Errorf("write weights: %w", err)
	}
	if err := writeAtomic(paths.Params, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cp.Params)
	}); err != nil {
		return Paths{}, fmt.Errorf("write params: %w", err)
	}

	return paths, nil
}

// Load reads the checkpoint at base, which is a path without extension as
// returned in Paths.Base.
func (s *Store) Load(base string) (Checkpoint, error) {
	base = strings.TrimSuffix(strings.TrimSuffix(base, paramsExt), weightsExt)
	paths := pathsFor(base)

	raw, err := os.ReadFile(paths.Params)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%s: %w", paths.Params, ErrNotFound)
		}
		return Checkpoint{}, fmt.Errorf("read params: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp.Params); err != nil {
		return Checkpoint{}, fmt.Errorf("decode params %s: %w", paths.Params, err)
	}

	f, err := os.Open(paths.Weights)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%s: %w", paths.Weights, ErrNotFound)
		}
		return Checkpoint{}, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()

	cp.Weights, err = readWeights(f)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode weights %s: %w", paths.Weights, err)
	}
	return cp, nil
}

// Latest returns the base path of the checkpoint with the highest epoch.
func (s *Store) Latest() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.prefix+"_ep*"+paramsExt))
	if err != nil {
		return "", fmt.Errorf("list checkpoints: %w", err)
	}

	type candidate struct {
		base  string
		epoch int
	}
	var found []candidate
	for _, m := range matches {
		base := strings.TrimSuffix(m, paramsExt)
		idx := strings.LastIndex(base, "_ep")
		epoch, err := strconv.Atoi(base[idx+3:])
		if err != nil {
			continue
		}
		if _, err := os.Stat(base + weightsExt); err != nil {
			continue
		}
		found = append(found, candidate{base: base, epoch: epoch})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%s: %w", s.dir, ErrNotFound)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].epoch > found[j].epoch })
	return found[0].base, nil
}

func writeAtomic(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeWeights(w io.Writer, weights qnet.Weights) error {
	sw := snappy.NewBufferedWriter(w)
	if err := binary.Write(sw, binary.LittleEndian, uint32(len(weights))); err != nil {
		return err
	}
	for i, m := range weights {
		if _, err := m.MarshalBinaryTo(sw); err != nil {
			return fmt.Errorf("matrix %d: %w", i, err)
		}
	}
	return sw.Close()
}

func readWeights(r io.Reader) (qnet.Weights, error) {
	sr := snappy.NewReader(r)
	var count uint32
	if err := binary.Read(sr, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if count == 0 || count > 1024 {
		return nil, fmt.Errorf("implausible matrix count %d", count)
	}

	weights := make(qnet.Weights, count)
	hdr := make([]byte, denseHeaderSize)
	for i := range weights {
		if _, err := io.ReadFull(sr, hdr); err != nil {
			return nil, fmt.Errorf("matrix %d: read header: %w", i, err)
		}
		rows := int64(binary.LittleEndian.Uint64(hdr[denseRowsOffset:]))
		cols := int64(binary.LittleEndian.Uint64(hdr[denseColsOffset:]))
		if rows <= 0 || cols <= 0 || rows > maxMatrixElements || cols > maxMatrixElements || rows*cols > maxMatrixElements {
			return nil, fmt.Errorf("matrix %d: implausible shape %dx%d", i, rows, cols)
		}

		m := new(mat.Dense)
		if _, err := m.UnmarshalBinaryFrom(io.MultiReader(bytes.NewReader(hdr), sr)); err != nil {
			return nil, fmt.Errorf("matrix %d: %w", i, err)
		}
		weights[i] = m
	}
	return weights, nil
}
