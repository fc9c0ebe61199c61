package ghost

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
)

// ErrNoGhost is returned by LoadBest when the directory holds no readable trace.
var ErrNoGhost = errors.New("no ghost trace found")

const filePattern = "ghost_gen_*.json.sz"

// FileName returns the on-disk name for a trace of the given generation.
func FileName(generation int) string {
	return fmt.Sprintf("ghost_gen_%05d.json.sz", generation)
}

// Save writes t to dir as snappy-compressed JSON and returns the path.
func Save(dir string, t *Trace) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create ghost dir: %w", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal ghost: %w", err)
	}
	path := filepath.Join(dir, FileName(t.Generation))
	if err := os.WriteFile(path, snappy.Encode(nil, data), 0644); err != nil {
		return "", fmt.Errorf("write ghost: %w", err)
	}
	return path, nil
}

// Load reads one trace file.
func Load(path string) (*Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ghost: %w", err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress ghost %s: %w", filepath.Base(path), err)
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode ghost %s: %w", filepath.Base(path), err)
	}
	return &t, nil
}

// LoadBest returns the highest scoring trace in dir. Ties go to the earlier
// generation. Unreadable files are skipped.
func LoadBest(dir string) (*Trace, error) {
	paths, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	var best *Trace
	for _, p := range paths {
		t, err := Load(p)
		if err != nil {
			continue
		}
		if best == nil || t.Score > best.Score || (t.Score == best.Score && t.Generation < best.Generation) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoGhost
	}
	return best, nil
}

// Prune removes trace files in dir that are not in keep.
func Prune(dir string, keep []*Trace) error {
	paths, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return fmt.Errorf("list ghosts: %w", err)
	}
	wanted := make(map[string]bool, len(keep))
	for _, t := range keep {
		wanted[FileName(t.Generation)] = true
	}
	var errs []error
	for _, p := range paths {
		if wanted[filepath.Base(p)] {
			continue
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
