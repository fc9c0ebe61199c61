package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CrashReport is written when a run aborts on a fatal fault.
type CrashReport struct {
	RunID          string         `json:"run_id"`
	Kind           string         `json:"kind"`
	Cause          string         `json:"cause"`
	Generation     int            `json:"generation"`
	Tick           int            `json:"tick"`
	Level          int            `json:"level"`
	Recent         map[string]any `json:"recent,omitempty"`
	CheckpointPath string         `json:"checkpoint_path,omitempty"`
	Time           time.Time      `json:"time"`
}

// WriteCrashReport writes r as indented JSON into dir and returns the path.
func WriteCrashReport(dir string, r CrashReport) (string, error) {
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("crash_gen%05d_%d.json", r.Generation, r.Time.Unix()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}
