package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsDBDisabled(t *testing.T) {
	db, err := OpenMetricsDB("", "run")
	if err != nil || db != nil {
		t.Fatalf("expected nil db for empty path, got %v, %v", db, err)
	}
	if err := db.WriteSummary(GenerationSummary{}); err != nil {
		t.Errorf("nil WriteSummary returned %v", err)
	}
}

func TestMetricsDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := OpenMetricsDB(path, "run-a")
	if err != nil {
		t.Fatalf("OpenMetricsDB failed: %v", err)
	}
	defer db.Close()

	for gen := 0; gen < 3; gen++ {
		records := testRecords()
		s := Summarize("ignored", gen, records, 2, 0).WithLevel(gen/2, "Simple Ovals", "clear")
		if err := db.WriteSummary(s); err != nil {
			t.Fatalf("WriteSummary failed: %v", err)
		}
		if err := db.WriteRecords(gen, records); err != nil {
			t.Fatalf("WriteRecords failed: %v", err)
		}
		if err := db.WriteCrashes(gen, CrashesFrom(gen, 0, records)); err != nil {
			t.Fatalf("WriteCrashes failed: %v", err)
		}
	}
	// A resumed run repeats generation 2
	if err := db.WriteSummary(Summarize("ignored", 2, testRecords()[:1], 2, 0)); err != nil {
		t.Fatalf("repeat WriteSummary failed: %v", err)
	}
	if err := db.WriteLevelChange(LevelChange{Generation: 2, From: 0, To: 1, Name: "Chicanes", Best: 50, Time: time.Now()}); err != nil {
		t.Fatalf("WriteLevelChange failed: %v", err)
	}

	history, err := db.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 generations, got %d", len(history))
	}
	if history[0].Best != 50 || history[1].Level != 0 {
		t.Errorf("unexpected history %+v", history)
	}
	if history[2].Best != 10 {
		t.Errorf("repeated generation should replace the row, best = %v", history[2].Best)
	}

	n, err := db.CrashCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("expected 6 crashes, got %d", n)
	}

	var fitnessRows int
	if err := db.conn.Get(&fitnessRows, `SELECT COUNT(*) FROM fitness WHERE run_id = ?`, "run-a"); err != nil {
		t.Fatal(err)
	}
	if fitnessRows != 15 {
		t.Errorf("expected 15 fitness rows, got %d", fitnessRows)
	}
}
