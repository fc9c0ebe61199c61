package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/racer/curriculum"
)

func testCheckpoint(gen int) *Checkpoint {
	return &Checkpoint{
		RunID:      "run-1",
		Generation: gen,
		Curriculum: curriculum.State{Level: 2, Streak: 1, LevelGens: 4},
		Flags:      map[string]bool{"curriculum": true, "future_thing": true},
		Seed:       42,
		RNGState:   []byte{1, 2, 3},
		Algorithm:  "neat",
		Population: []byte(`{"genomes":[]}`),
	}
}

func writeRaw(t *testing.T, path string, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), 3)
	path, err := s.Save(testCheckpoint(5))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(path) != "checkpoint_gen_000005.json.zst" {
		t.Errorf("unexpected file name %s", path)
	}

	cp, rep, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rep.Degraded || rep.FromEmergency || rep.Path != path {
		t.Errorf("unexpected report %+v", rep)
	}
	if cp.Version != Version || cp.Generation != 5 || cp.Curriculum.Level != 2 || cp.Seed != 42 {
		t.Errorf("round trip mismatch: %+v", cp)
	}
	if !bytes.Equal(cp.RNGState, []byte{1, 2, 3}) || string(cp.Population) != `{"genomes":[]}` {
		t.Error("binary fields lost")
	}
	if !cp.Flags["future_thing"] {
		t.Error("unknown flag lost")
	}
	if cp.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestSaveRejectsEmergency(t *testing.T) {
	s := NewStore(t.TempDir(), 3)
	cp := testCheckpoint(1)
	cp.Emergency = true
	if _, err := s.Save(cp); err == nil {
		t.Error("Save must reject emergency checkpoints")
	}
}

func TestRetainPrunes(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 2)
	for g := 1; g <= 5; g++ {
		if _, err := s.Save(testCheckpoint(g)); err != nil {
			t.Fatalf("Save %d failed: %v", g, err)
		}
	}
	paths, _ := filepath.Glob(filepath.Join(dir, "checkpoint_gen_*"))
	if len(paths) != 2 {
		t.Fatalf("%d checkpoints on disk, want 2", len(paths))
	}
	if !strings.HasSuffix(paths[0], FileName(4)) || !strings.HasSuffix(paths[1], FileName(5)) {
		t.Errorf("kept %v, want generations 4 and 5", paths)
	}
	tmps, _ := filepath.Glob(filepath.Join(dir, ".checkpoint-*"))
	if len(tmps) != 0 {
		t.Errorf("temp files left behind: %v", tmps)
	}
}

func TestLoadFallsBackPastCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 5)
	if _, err := s.Save(testCheckpoint(3)); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name  string
		gen   int
		write func(path string)
	}{
		{"garbage bytes", 9, func(p string) {
			if err := os.WriteFile(p, []byte("definitely not zstd"), 0644); err != nil {
				t.Fatal(err)
			}
		}},
		{"missing version", 8, func(p string) { writeRaw(t, p, []byte(`{"generation":8}`)) }},
		{"truncated json", 7, func(p string) { writeRaw(t, p, []byte(`{"version":1,"gener`)) }},
	}
	for _, tc := range testCases {
		tc.write(filepath.Join(dir, FileName(tc.gen)))
	}

	cp, rep, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.Generation != 3 {
		t.Errorf("loaded generation %d, want 3", cp.Generation)
	}
	if !rep.Degraded || len(rep.Skipped) != len(testCases) {
		t.Errorf("report = %+v, want %d skipped and degraded", rep, len(testCases))
	}
	for _, sk := range rep.Skipped {
		t.Logf("skipped %s: %s", filepath.Base(sk.Path), sk.Err)
	}
}

func TestLoadUnknownFieldsIgnored(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 5)
	raw := map[string]any{"version": 1, "generation": 4, "run_id": "x", "shiny_new_field": []int{1, 2}}
	data, _ := json.Marshal(raw)
	writeRaw(t, filepath.Join(dir, FileName(4)), data)

	cp, rep, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.Generation != 4 || rep.Degraded {
		t.Errorf("cp = %+v report = %+v", cp, rep)
	}
}

func TestLoadEmergencyTier(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 5)
	if err := os.WriteFile(filepath.Join(dir, FileName(6)), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}
	cp := testCheckpoint(6)
	if _, err := s.SaveEmergency(cp); err != nil {
		t.Fatalf("SaveEmergency failed: %v", err)
	}
	if cp.Emergency {
		t.Error("SaveEmergency must not mutate the caller's checkpoint flag")
	}

	got, rep, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Emergency || !rep.FromEmergency || !rep.Degraded {
		t.Errorf("expected emergency restore, got %+v / %+v", got, rep)
	}
}

func TestLoadNothing(t *testing.T) {
	s := NewStore(t.TempDir(), 3)
	if _, _, err := s.Load(); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("err = %v, want ErrNoCheckpoint", err)
	}
}

func TestWriteCrashReport(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteCrashReport(dir, CrashReport{
		RunID:      "run-1",
		Kind:       "generation",
		Cause:      "track generation failed",
		Generation: 12,
		Recent:     map[string]any{"best": 1234.5},
	})
	if err != nil {
		t.Fatalf("WriteCrashReport failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "crash_gen00012_") {
		t.Errorf("unexpected name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var r CrashReport
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if r.Cause != "track generation failed" || r.Time.IsZero() {
		t.Errorf("report = %+v", r)
	}
}
