// Package checkpoint persists resumable training state at generation
// boundaries and recovers it with a fallback chain.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/racer/curriculum"
)

// Version is incremented when the format changes incompatibly.
const Version = 1

// ErrNoCheckpoint is returned by Load when nothing on disk decodes.
var ErrNoCheckpoint = errors.New("no usable checkpoint")

var (
	errMissingVersion = errors.New("missing format version")
	errEmergencyFlag  = errors.New("emergency checkpoint passed to Save")
)

// Checkpoint is the full resumable state of a run. Generation is the index
// of the next generation to run.
type Checkpoint struct {
	Version        int              `json:"version"`
	RunID          string           `json:"run_id"`
	Generation     int              `json:"generation"`
	Curriculum     curriculum.State `json:"curriculum"`
	Flags          map[string]bool  `json:"flags"`
	Seed           uint64           `json:"seed"`
	RNGState       []byte           `json:"rng_state"`
	Algorithm      string           `json:"algorithm"`
	Population     []byte           `json:"population"`
	BestFitness    float64          `json:"best_fitness"`
	BestGeneration int              `json:"best_generation"`
	Emergency      bool             `json:"emergency"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Skipped is a checkpoint file that failed to decode during Load.
type Skipped struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Report describes how Load found its checkpoint.
type Report struct {
	Path          string
	FromEmergency bool
	Skipped       []Skipped
	Degraded      bool // something was skipped or the emergency tier was used
}

// Store reads and writes checkpoints under one directory.
type Store struct {
	dir    string
	retain int
}

// NewStore creates a store keeping retain normal checkpoints (0 keeps all).
func NewStore(dir string, retain int) *Store {
	return &Store{dir: dir, retain: retain}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) emergencyDir() string {
	return filepath.Join(s.dir, "emergency")
}

// FileName returns the normal checkpoint name for a generation.
func FileName(generation int) string {
	return fmt.Sprintf("checkpoint_gen_%06d.json.zst", generation)
}

// Save writes a boundary checkpoint atomically and prunes old ones.
func (s *Store) Save(cp *Checkpoint) (string, error) {
	if cp.Emergency {
		return "", errEmergencyFlag
	}
	path := filepath.Join(s.dir, FileName(cp.Generation))
	if err := writeFile(path, cp); err != nil {
		return "", err
	}
	if err := s.prune(); err != nil {
		return path, fmt.Errorf("prune checkpoints: %w", err)
	}
	return path, nil
}

// SaveEmergency writes cp into the emergency tier, marking it Emergency.
func (s *Store) SaveEmergency(cp *Checkpoint) (string, error) {
	c := *cp
	c.Emergency = true
	name := fmt.Sprintf("emergency_gen_%06d_%d.json.zst", c.Generation, time.Now().UnixNano())
	path := filepath.Join(s.emergencyDir(), name)
	if err := writeFile(path, &c); err != nil {
		return "", err
	}
	return path, nil
}

func writeFile(path string, cp *Checkpoint) error {
	if cp.Version == 0 {
		cp.Version = Version
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(cp); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// ReadFile decodes one checkpoint file.
func ReadFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var cp Checkpoint
	if err := json.NewDecoder(dec).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	switch {
	case cp.Version == 0:
		return nil, errMissingVersion
	case cp.Version > Version:
		return nil, fmt.Errorf("unsupported format version %d", cp.Version)
	}
	return &cp, nil
}

// Load returns the newest decodable checkpoint: normal files newest first,
// then emergency files newest first.
func (s *Store) Load() (*Checkpoint, Report, error) {
	var rep Report

	tiers := []struct {
		pattern   string
		emergency bool
	}{
		{filepath.Join(s.dir, "checkpoint_gen_*.json.zst"), false},
		{filepath.Join(s.emergencyDir(), "emergency_gen_*.json.zst"), true},
	}
	for _, tier := range tiers {
		paths, err := filepath.Glob(tier.pattern)
		if err != nil {
			return nil, rep, fmt.Errorf("list checkpoints: %w", err)
		}
		slices.Sort(paths)
		slices.Reverse(paths)

		for _, p := range paths {
			cp, err := ReadFile(p)
			if err != nil {
				rep.Skipped = append(rep.Skipped, Skipped{Path: p, Err: err.Error()})
				continue
			}
			rep.Path = p
			rep.FromEmergency = tier.emergency
			rep.Degraded = tier.emergency || len(rep.Skipped) > 0
			return cp, rep, nil
		}
	}
	rep.Degraded = len(rep.Skipped) > 0
	return nil, rep, ErrNoCheckpoint
}

// prune removes normal checkpoints beyond the retain count, oldest first.
func (s *Store) prune() error {
	if s.retain <= 0 {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "checkpoint_gen_*.json.zst"))
	if err != nil {
		return err
	}
	if len(paths) <= s.retain {
		return nil
	}
	slices.Sort(paths)
	var errs []error
	for _, p := range paths[:len(paths)-s.retain] {
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
