// Package trainer runs the generation loop: it simulates the population on a
// curriculum track, scores it, persists metrics and checkpoints, and asks the
// evolutionary capability for the next generation.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/pthm-cable/racer/checkpoint"
	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/curriculum"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/features"
	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/ghost"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/telemetry"
)

// referenceDT is the tick length the physics friction constant is tuned at.
const referenceDT = 1.0 / 60

// recentFaults bounds the vehicle fault history attached to crash reports.
const recentFaults = 20

// Options wires the trainer to its collaborators. Every field is optional.
type Options struct {
	Sinks       telemetry.Sink
	Output      *telemetry.OutputManager // heatmap and perf CSVs
	Observer    telemetry.Observer
	Checkpoints *checkpoint.Store
	GhostDir    string
	CrashDir    string // defaults to the checkpoint dir
	Logger      *slog.Logger
	RunID       string
	Seed        uint64 // orchestrator stream seed; 0 uses run.seed
	Fresh       bool   // never resume from disk
}

// Result describes how a run ended.
type Result struct {
	RunID          string
	Generation     int // index of the next generation to run
	Generations    int // generations completed by this process
	Best           float64
	BestGeneration int
	Level          int
	Phase          Phase
	Resumed        bool
	CheckpointPath string
}

// boundary is the resumable state as of the last completed generation.
type boundary struct {
	generation int
	curriculum curriculum.State
	rng        []byte
	best       float64
	bestGen    int
}

// Trainer is the training orchestrator. It owns the population, the RNG
// stream and the curriculum; Run must not be called concurrently.
type Trainer struct {
	cfg        *config.Config
	flags      features.Set
	capability evolve.Capability
	opts       Options
	logger     *slog.Logger
	sinks      telemetry.Sink

	seed uint64
	pcg  *rand.PCG
	rng  *rand.Rand

	curr      *curriculum.Manager
	evaluator *fitness.Evaluator
	ghosts    *ghost.Recorder
	heatmap   *telemetry.Heatmap
	perf      *telemetry.PerfCollector
	pool      *pool
	params    physics.Params
	sensors   physics.SensorParams

	generation      int
	startGeneration int
	best            float64
	bestGeneration  int
	mark            boundary
	resumed         bool
	lastCheckpoint  string
	recent          []string

	phase atomic.Int32
	abort atomic.Bool
}

// New creates a trainer. The capability must already hold generation zero
// (or be restored by Resume).
func New(cfg *config.Config, flags features.Set, capability evolve.Capability, opts Options) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.New("trainer: nil config")
	}
	if capability == nil {
		return nil, errors.New("trainer: nil capability")
	}
	if len(cfg.Curriculum.Levels) == 0 {
		return nil, errors.New("trainer: no curriculum levels")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sinks telemetry.Sink = telemetry.MultiSink{}
	if opts.Sinks != nil {
		sinks = opts.Sinks
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(cfg.Run.Seed)
	}
	pcg := rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)

	t := &Trainer{
		cfg:        cfg,
		flags:      flags,
		capability: capability,
		opts:       opts,
		logger:     logger,
		sinks:      sinks,
		seed:       seed,
		pcg:        pcg,
		rng:        rand.New(pcg),
		curr:       curriculum.New(cfg.Curriculum.Levels, cfg.Curriculum.StartLevel, !flags.Enabled(features.Curriculum)),
		evaluator:  fitness.NewEvaluator(fitness.WeightsFromConfig(cfg.Fitness, flags.Enabled(features.MultiObjective))),
		ghosts:     ghost.NewRecorder(cfg.Run.TickRate, cfg.Ghost.Retain),
		perf:       telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		pool:       newPool(cfg.Run.Workers, cfg.Evolution.Population),
		params:     physics.ParamsFromConfig(cfg.Physics, referenceDT),
		sensors:    physics.SensorParamsFromConfig(cfg.Sensors),
	}
	if flags.Enabled(features.CrashHeatmap) {
		t.heatmap = telemetry.NewHeatmap(cfg.Telemetry.HeatmapCell)
	}
	t.markBoundary()
	return t, nil
}

// Phase returns the current phase. Safe for concurrent use.
func (t *Trainer) Phase() Phase {
	return Phase(t.phase.Load())
}

func (t *Trainer) setPhase(p Phase) {
	t.phase.Store(int32(p))
}

// Abort requests the immediate stop path: the tick loop exits at the next
// tick, an emergency checkpoint is written and Run returns ErrAborted.
// Safe for concurrent use.
func (t *Trainer) Abort() {
	t.abort.Store(true)
}

// Resume restores the newest usable checkpoint through the store's fallback
// chain. It returns checkpoint.ErrNoCheckpoint when there is nothing to load.
func (t *Trainer) Resume() (checkpoint.Report, error) {
	if t.opts.Checkpoints == nil {
		return checkpoint.Report{}, checkpoint.ErrNoCheckpoint
	}
	cp, report, err := t.opts.Checkpoints.Load()
	for _, s := range report.Skipped {
		t.logger.Warn("checkpoint_skipped", "path", s.Path, "error", s.Err)
	}
	if err != nil {
		return report, err
	}
	if report.Degraded {
		t.logger.Warn("checkpoint_recovery_degraded",
			"path", report.Path,
			"from_emergency", report.FromEmergency,
			"skipped", len(report.Skipped),
		)
	}

	if cp.Algorithm != t.cfg.Evolution.Algorithm {
		return report, fmt.Errorf("checkpoint algorithm %q does not match configured %q", cp.Algorithm, t.cfg.Evolution.Algorithm)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(cp.RNGState); err != nil {
		return report, fmt.Errorf("restore rng: %w", err)
	}
	if err := t.curr.Restore(cp.Curriculum); err != nil {
		return report, err
	}
	if err := t.capability.Deserialize(cp.Population); err != nil {
		return report, fmt.Errorf("restore population: %w", err)
	}

	*t.pcg = *pcg
	t.generation = cp.Generation
	t.startGeneration = cp.Generation
	t.best = cp.BestFitness
	t.bestGeneration = cp.BestGeneration
	t.resumed = true
	t.lastCheckpoint = report.Path
	t.markBoundary()

	if changed := t.flagChanges(cp.Flags); len(changed) > 0 {
		t.logger.Info("feature_flags_changed", "flags", changed)
	}
	if t.flags.Enabled(features.GhostCars) && t.opts.GhostDir != "" {
		trace, err := ghost.LoadBest(t.opts.GhostDir)
		switch {
		case err == nil:
			t.ghosts.Seed(trace)
		case !errors.Is(err, ghost.ErrNoGhost):
			t.logger.Warn("ghost_load_failed", "dir", t.opts.GhostDir, "error", err)
		}
	}

	t.logger.Info("checkpoint_resumed",
		"path", report.Path,
		"generation", cp.Generation,
		"previous_run_id", cp.RunID,
		"level", cp.Curriculum.Level,
		"best", cp.BestFitness,
		"best_generation", cp.BestGeneration,
	)
	return report, nil
}

// flagChanges lists flags whose state differs from a checkpoint's.
func (t *Trainer) flagChanges(saved map[string]bool) []string {
	now := t.flags.Map()
	var changed []string
	for name, on := range now {
		if was, ok := saved[name]; ok && was != on {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return changed
}

// Run trains until run.max_generations, cancellation or a fatal fault.
// Cancellation is honored at a generation boundary after writing a
// checkpoint and returns the context's error.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	t.setPhase(Initializing)
	t.abort.Store(false)
	defer t.pool.stop()

	if t.flags.Enabled(features.ErrorRecovery) && !t.opts.Fresh && !t.resumed {
		if _, err := t.Resume(); err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return t.fail(newFault(PersistenceFault, t.generation, -1, fmt.Errorf("resume: %w", err)))
		}
	}

	t.logger.Info("training_started",
		"run_id", t.opts.RunID,
		"generation", t.generation,
		"algorithm", t.cfg.Evolution.Algorithm,
		"population", len(t.capability.Population()),
		"level", t.curr.Level(),
		"workers", t.pool.numWorkers,
		"resumed", t.resumed,
	)

	maxGen := t.cfg.Run.MaxGenerations
	for {
		if maxGen > 0 && t.generation >= maxGen {
			t.setPhase(Completed)
			res := t.result()
			t.logger.Info("training_complete", "generation", res.Generation, "best", res.Best, "best_generation", res.BestGeneration)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			t.setPhase(Aborted)
			t.logger.Info("training_stopped", "generation", t.generation, "checkpoint", t.lastCheckpoint)
			return t.result(), err
		}
		if err := t.runGeneration(ctx); err != nil {
			return t.fail(err)
		}
	}
}

// fail handles the abort and fatal-fault paths.
func (t *Trainer) fail(err error) (Result, error) {
	t.setPhase(Aborted)
	path := t.emergencyCheckpoint()

	if errors.Is(err, ErrAborted) {
		t.logger.Warn("training_aborted", "generation", t.generation, "checkpoint", path)
		return t.result(), ErrAborted
	}

	var fault *Fault
	if !errors.As(err, &fault) {
		fault = newFault(GenerationFault, t.generation, -1, err)
	}
	report := checkpoint.CrashReport{
		RunID:      t.opts.RunID,
		Kind:       fault.Kind.String(),
		Cause:      fault.Err.Error(),
		Generation: fault.Generation,
		Tick:       fault.Tick,
		Level:      t.curr.Level(),
		Recent: map[string]any{
			"vehicle_faults":  slices.Clone(t.recent),
			"best_fitness":    t.best,
			"best_generation": t.bestGeneration,
			"flags":           t.flags.Map(),
		},
		CheckpointPath: path,
	}
	reportPath, werr := checkpoint.WriteCrashReport(t.crashDir(), report)
	if werr != nil {
		t.logger.Error("crash_report_failed", "error", werr)
	}
	t.logger.Error("training_failed", "error", fault, "kind", fault.Kind.String(), "crash_report", reportPath, "checkpoint", path)
	return t.result(), fault
}

func (t *Trainer) crashDir() string {
	switch {
	case t.opts.CrashDir != "":
		return t.opts.CrashDir
	case t.opts.Checkpoints != nil:
		return t.opts.Checkpoints.Dir()
	}
	return "."
}

// markBoundary records the resumable state after a completed generation.
func (t *Trainer) markBoundary() {
	rng, _ := t.pcg.MarshalBinary()
	t.mark = boundary{
		generation: t.generation,
		curriculum: t.curr.State(),
		rng:        rng,
		best:       t.best,
		bestGen:    t.bestGeneration,
	}
}

func (t *Trainer) buildCheckpoint() (*checkpoint.Checkpoint, error) {
	pop, err := t.capability.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize population: %w", err)
	}
	return &checkpoint.Checkpoint{
		Version:        checkpoint.Version,
		RunID:          t.opts.RunID,
		Generation:     t.mark.generation,
		Curriculum:     t.mark.curriculum,
		Flags:          t.flags.Map(),
		Seed:           t.seed,
		RNGState:       t.mark.rng,
		Algorithm:      t.cfg.Evolution.Algorithm,
		Population:     pop,
		BestFitness:    t.mark.best,
		BestGeneration: t.mark.bestGen,
	}, nil
}

// saveCheckpoint writes a normal boundary checkpoint.
func (t *Trainer) saveCheckpoint() error {
	if t.opts.Checkpoints == nil {
		return nil
	}
	cp, err := t.buildCheckpoint()
	if err != nil {
		return err
	}
	path, err := t.opts.Checkpoints.Save(cp)
	if path != "" {
		t.lastCheckpoint = path
	}
	if err != nil {
		if path != "" {
			// written but not pruned
			t.logger.Warn("checkpoint_prune_failed", "path", path, "error", err)
			return nil
		}
		return err
	}
	t.logger.Info("checkpoint_saved", "path", path, "generation", cp.Generation)
	return nil
}

// emergencyCheckpoint writes the last boundary state into the emergency tier
// and returns its path, or "" when disabled or failed.
func (t *Trainer) emergencyCheckpoint() string {
	if t.opts.Checkpoints == nil || !t.flags.Enabled(features.EmergencyCheckpoints) {
		return ""
	}
	cp, err := t.buildCheckpoint()
	if err != nil {
		t.logger.Error("emergency_checkpoint_failed", "error", err)
		return ""
	}
	path, err := t.opts.Checkpoints.SaveEmergency(cp)
	if err != nil {
		t.logger.Error("emergency_checkpoint_failed", "error", err)
		return ""
	}
	t.logger.Warn("emergency_checkpoint_saved", "path", path, "generation", cp.Generation)
	return path
}

func (t *Trainer) result() Result {
	return Result{
		RunID:          t.opts.RunID,
		Generation:     t.generation,
		Generations:    t.generation - t.startGeneration,
		Best:           t.best,
		BestGeneration: t.bestGeneration,
		Level:          t.curr.Level(),
		Phase:          t.Phase(),
		Resumed:        t.resumed,
		CheckpointPath: t.lastCheckpoint,
	}
}

// noteFault appends to the bounded history attached to crash reports.
func (t *Trainer) noteFault(f *Fault) {
	t.recent = append(t.recent, f.Error())
	if over := len(t.recent) - recentFaults; over > 0 {
		t.recent = slices.Delete(t.recent, 0, over)
	}
}

func (t *Trainer) sinkErr(what string, err error) {
	if err != nil {
		t.logger.Warn("metrics_write_failed", "sink", what, "error", err)
	}
}
