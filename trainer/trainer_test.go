package trainer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/pthm-cable/racer/checkpoint"
	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/features"
	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/telemetry"
	"github.com/pthm-cable/racer/track"
)

// testConfig returns a small, fast configuration with one short level.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Run.Seed = 7
	cfg.Run.MaxGenerations = 2
	cfg.Run.Workers = 2
	cfg.Evolution.Population = 8
	cfg.Evolution.Elitism = 1
	cfg.Checkpoint.Interval = 1
	cfg.Curriculum.Levels = cfg.Curriculum.Levels[:1]
	cfg.Curriculum.Levels[0].MaxTicks = 40
	return cfg
}

func testFlags(on ...string) features.Set {
	m := map[string]bool{}
	for _, name := range on {
		m[name] = true
	}
	return features.FromMap(m, nil)
}

// constController always returns the same outputs.
type constController struct {
	out []float64
}

func (c constController) Decide([]float64) ([]float64, error) {
	return c.out, nil
}

type panicController struct{}

func (panicController) Decide([]float64) ([]float64, error) {
	panic("boom")
}

// stubCapability replays the same controllers every generation with fresh ids
// and records what it was asked to advance.
type stubCapability struct {
	controllers []neural.Controller
	members     []evolve.Member
	nextID      int
	scored      [][]evolve.Scored
	populations [][]int
	advanceErr  error
}

func newStubCapability(controllers ...neural.Controller) *stubCapability {
	s := &stubCapability{controllers: controllers}
	s.refill()
	return s
}

func (s *stubCapability) refill() {
	s.members = s.members[:0]
	for _, c := range s.controllers {
		s.members = append(s.members, evolve.Member{ID: s.nextID, Controller: c})
		s.nextID++
	}
}

func (s *stubCapability) Population() []evolve.Member { return slices.Clone(s.members) }
func (s *stubCapability) SpeciesCount() int           { return 0 }
func (s *stubCapability) Serialize() ([]byte, error)  { return []byte(`{}`), nil }
func (s *stubCapability) Deserialize([]byte) error    { return nil }

func (s *stubCapability) Advance(scored []evolve.Scored) ([]evolve.Member, error) {
	if s.advanceErr != nil {
		return nil, s.advanceErr
	}
	ids := make([]int, len(s.members))
	for i, m := range s.members {
		ids[i] = m.ID
	}
	s.populations = append(s.populations, ids)
	s.scored = append(s.scored, slices.Clone(scored))
	s.refill()
	return s.Population(), nil
}

// recordingSink keeps everything written to it.
type recordingSink struct {
	mu        sync.Mutex
	summaries []telemetry.GenerationSummary
	records   [][]fitness.Record
	onSummary func(telemetry.GenerationSummary)
}

func (r *recordingSink) WriteSummary(s telemetry.GenerationSummary) error {
	r.mu.Lock()
	r.summaries = append(r.summaries, s)
	r.mu.Unlock()
	if r.onSummary != nil {
		r.onSummary(s)
	}
	return nil
}

func (r *recordingSink) WriteRecords(_ int, records []fitness.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records)
	return nil
}

func (r *recordingSink) WriteCrashes(int, []telemetry.Crash) error     { return nil }
func (r *recordingSink) WriteLevelChange(telemetry.LevelChange) error { return nil }
func (r *recordingSink) Close() error                                 { return nil }

func driving() neural.Controller { return constController{out: []float64{0, 1}} }
func parked() neural.Controller  { return constController{out: []float64{0, 0}} }

func TestRunRecordsMatchPopulation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 3
	stub := newStubCapability(driving(), parked(), driving(), parked(), driving())
	sink := &recordingSink{}

	tr, err := New(cfg, testFlags(features.DetailedMetrics), stub, Options{Sinks: sink, Seed: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Phase != Completed || res.Generation != 3 || res.Generations != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(stub.scored) != 3 || len(sink.records) != 3 {
		t.Fatalf("expected 3 advances and 3 record batches, got %d and %d", len(stub.scored), len(sink.records))
	}
	for gen := range stub.scored {
		ids := stub.populations[gen]
		if len(stub.scored[gen]) != len(ids) || len(sink.records[gen]) != len(ids) {
			t.Fatalf("generation %d: %d scores and %d records for %d genomes",
				gen, len(stub.scored[gen]), len(sink.records[gen]), len(ids))
		}
		for i, s := range stub.scored[gen] {
			if s.ID != ids[i] || sink.records[gen][i].GenomeID != ids[i] {
				t.Errorf("generation %d slot %d: score id %d, record id %d, genome id %d",
					gen, i, s.ID, sink.records[gen][i].GenomeID, ids[i])
			}
			if s.Fitness < 0 || math.IsNaN(s.Fitness) {
				t.Errorf("generation %d slot %d: invalid fitness %v", gen, i, s.Fitness)
			}
		}
	}
	if len(sink.summaries) != 3 || sink.summaries[2].Vehicles != 5 {
		t.Errorf("unexpected summaries %+v", sink.summaries)
	}
}

func TestTickBudgetTimesOutSurvivors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 1
	cfg.Physics.StallTicks = 0
	cfg.Curriculum.Levels[0].MaxTicks = 500
	stub := newStubCapability(parked(), parked(), parked())
	sink := &recordingSink{}

	tr, err := New(cfg, testFlags(features.DetailedMetrics), stub, Options{Sinks: sink, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, r := range sink.records[0] {
		if r.Status != physics.TimedOut || r.Ticks != 500 {
			t.Errorf("vehicle %d: status %v after %d ticks, want timed_out after 500", r.GenomeID, r.Status, r.Ticks)
		}
	}
	if s := sink.summaries[0]; s.Timeouts != 3 || s.Ticks != 500 {
		t.Errorf("summary timeouts=%d ticks=%d", s.Timeouts, s.Ticks)
	}
}

func TestVehicleFaultIsolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 1
	nan := constController{out: []float64{math.NaN(), 1}}
	short := constController{out: []float64{0}}
	stub := newStubCapability(driving(), panicController{}, nan, short, driving())
	sink := &recordingSink{}

	tr, err := New(cfg, testFlags(features.DetailedMetrics), stub, Options{Sinks: sink, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatalf("a vehicle fault must not fail the run: %v", err)
	}

	records := sink.records[0]
	for _, i := range []int{1, 2, 3} {
		if records[i].Status != physics.Crashed || records[i].Ticks != 0 {
			t.Errorf("faulted vehicle %d: status %v ticks %d", i, records[i].Status, records[i].Ticks)
		}
	}
	for _, i := range []int{0, 4} {
		if records[i].Ticks == 0 {
			t.Errorf("healthy vehicle %d never moved", i)
		}
	}
	if sink.summaries[0].Faults != 3 {
		t.Errorf("expected 3 faults, got %d", sink.summaries[0].Faults)
	}
	if len(tr.recent) != 3 {
		t.Errorf("expected 3 recent faults, got %v", tr.recent)
	}
}

func TestCancellationCheckpointsAtBoundary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 10
	cfg.Checkpoint.Interval = 100
	store := checkpoint.NewStore(t.TempDir(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSummary: func(telemetry.GenerationSummary) { cancel() }}

	tr, err := New(cfg, testFlags(), newStubCapability(driving(), driving()), Options{Sinks: sink, Checkpoints: store, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Phase != Aborted || res.Generation != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	cp, report, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.Generation != 1 || report.FromEmergency {
		t.Errorf("expected a normal checkpoint for generation 1, got %d (emergency=%v)", cp.Generation, report.FromEmergency)
	}
}

func TestAbortWritesEmergencyCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 10
	cfg.Checkpoint.Interval = 100
	store := checkpoint.NewStore(t.TempDir(), 0)

	var tr *Trainer
	observer := telemetry.ObserverFunc(func(f telemetry.Frame) {
		if f.Tick >= 4 {
			tr.Abort()
		}
	})
	tr, err := New(cfg, testFlags(features.EmergencyCheckpoints), newStubCapability(driving(), parked()),
		Options{Checkpoints: store, Observer: observer, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if res.Phase != Aborted || tr.Phase() != Aborted {
		t.Errorf("expected aborted phase, got %v", res.Phase)
	}

	cp, report, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !report.FromEmergency || !cp.Emergency || cp.Generation != 0 {
		t.Errorf("expected emergency checkpoint for generation 0, got %+v (report %+v)", cp.Generation, report)
	}
}

func TestRunAfterAbortContinues(t *testing.T) {
	cfg := testConfig(t)

	var tr *Trainer
	var once sync.Once
	observer := telemetry.ObserverFunc(func(f telemetry.Frame) {
		if f.Tick >= 4 {
			once.Do(tr.Abort)
		}
	})
	tr, err := New(cfg, testFlags(), newStubCapability(driving(), parked()), Options{Observer: observer, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if res.Phase != Completed || res.Generation != cfg.Run.MaxGenerations {
		t.Errorf("unexpected result %+v", res)
	}
}

// speciatingStub reports fixed species statistics.
type speciatingStub struct {
	*stubCapability
}

func (speciatingStub) SpeciesStats() neural.SpeciesStats {
	return neural.SpeciesStats{Count: 3, TotalMembers: 2, LargestSize: 1, SmallestSize: 1}
}

func TestSpeciesStatsLogged(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxGenerations = 1
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	stub := speciatingStub{newStubCapability(driving(), parked())}
	tr, err := New(cfg, testFlags(), stub, Options{Logger: logger, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"species_stats"`) || !strings.Contains(out, `"count":3`) {
		t.Errorf("species stats not logged:\n%s", out)
	}
}

func TestCapabilityFaultWritesCrashReport(t *testing.T) {
	cfg := testConfig(t)
	crashDir := t.TempDir()
	stub := newStubCapability(driving())
	stub.advanceErr = evolve.ErrScoreMismatch

	tr, err := New(cfg, testFlags(), stub, Options{CrashDir: crashDir, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Run(context.Background())

	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if fault.Kind != CapabilityFault || fault.Generation != 0 || !errors.Is(err, evolve.ErrScoreMismatch) {
		t.Errorf("unexpected fault %+v", fault)
	}
	entries, err := os.ReadDir(crashDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".json" {
		t.Errorf("expected one crash report, got %v", entries)
	}
}

func TestEmptyPopulationIsGenerationFault(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, testFlags(), newStubCapability(), Options{CrashDir: t.TempDir(), Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Run(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != GenerationFault || !errors.Is(err, evolve.ErrEmptyPopulation) {
		t.Fatalf("expected generation fault wrapping ErrEmptyPopulation, got %v", err)
	}
}

func TestResumeReproducesNextGeneration(t *testing.T) {
	newRun := func(dir string, maxGen int) (*Trainer, *recordingSink) {
		cfg := testConfig(t)
		cfg.Run.MaxGenerations = maxGen
		cfg.Evolution.Population = 12
		capability, err := evolve.New(cfg, 99)
		if err != nil {
			t.Fatalf("evolve.New failed: %v", err)
		}
		sink := &recordingSink{}
		tr, err := New(cfg, testFlags(features.ErrorRecovery), capability,
			Options{Sinks: sink, Checkpoints: checkpoint.NewStore(dir, 0), Seed: 5})
		if err != nil {
			t.Fatal(err)
		}
		return tr, sink
	}

	straight, straightSink := newRun(t.TempDir(), 3)
	straightRes, err := straight.Run(context.Background())
	if err != nil {
		t.Fatalf("straight run failed: %v", err)
	}

	dir := t.TempDir()
	first, _ := newRun(dir, 2)
	firstRes, err := first.Run(context.Background())
	if err != nil {
		t.Fatalf("first half failed: %v", err)
	}
	cp, _, err := checkpoint.NewStore(dir, 0).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.BestFitness != firstRes.Best || cp.BestGeneration != firstRes.BestGeneration {
		t.Errorf("checkpoint best %v@%d, run best %v@%d",
			cp.BestFitness, cp.BestGeneration, firstRes.Best, firstRes.BestGeneration)
	}
	resumed, resumedSink := newRun(dir, 3)
	res, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if !res.Resumed || res.Generations != 1 {
		t.Fatalf("expected one resumed generation, got %+v", res)
	}

	want := straightSink.summaries[2]
	got := resumedSink.summaries[0]
	if got.Generation != 2 || got.Best != want.Best || got.Mean != want.Mean || got.BestGenome != want.BestGenome {
		t.Errorf("resumed generation 2 = {best %v mean %v genome %d}, straight = {best %v mean %v genome %d}",
			got.Best, got.Mean, got.BestGenome, want.Best, want.Mean, want.BestGenome)
	}
	if res.Best != straightRes.Best || res.BestGeneration != straightRes.BestGeneration {
		t.Errorf("resumed best %v@%d, straight best %v@%d",
			res.Best, res.BestGeneration, straightRes.Best, straightRes.BestGeneration)
	}
}

func TestPoolMatchesSingleThreaded(t *testing.T) {
	cfg := testConfig(t)
	members := make([]evolve.Member, parallelThreshold+6)
	for i := range members {
		out := []float64{float64(i%5)/5 - 0.4, 1}
		members[i] = evolve.Member{ID: i, Controller: constController{out: out}}
	}
	tc := &tickContext{
		sensor: physics.SensorParamsFromConfig(cfg.Sensors),
		params: physics.ParamsFromConfig(cfg.Physics, referenceDT),
		dt:     cfg.Derived.DT,
		env:    physics.Neutral,
	}

	step := func(workers int) []physics.State {
		tr := track.Corridor(3000, 200, 6)
		tc.track = tr
		f := newFleet(members, tr)
		p := newPool(workers, len(members))
		defer p.stop()
		for range 30 {
			p.snapshots = f.snapshot(p.snapshots)
			p.run(tc)
			f.apply(p.snapshots, p.intents, func(*vehicleSnapshot, error) { t.Error("unexpected fault") })
		}
		out := make([]physics.State, len(members))
		for i, e := range f.entities {
			out[i] = f.bodies.Get(e).State
		}
		return out
	}

	single, parallel := step(1), step(4)
	for i := range single {
		if single[i].Pos != parallel[i].Pos || single[i].Status != parallel[i].Status {
			t.Fatalf("vehicle %d diverged: %+v vs %+v", i, single[i].Pos, parallel[i].Pos)
		}
	}
}

func TestFaultError(t *testing.T) {
	testCases := []struct {
		fault *Fault
		want  string
	}{
		{newFault(VehicleFault, 3, 12, errors.New("nan")), "vehicle fault at generation 3 tick 12: nan"},
		{newFault(PersistenceFault, 4, -1, errors.New("disk")), "persistence fault at generation 4: disk"},
	}
	for _, tc := range testCases {
		if got := tc.fault.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
	if Completed.String() != "completed" || Phase(42).String() != "phase(42)" {
		t.Error("unexpected phase names")
	}
}
