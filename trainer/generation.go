package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/features"
	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/ghost"
	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/telemetry"
	"github.com/pthm-cable/racer/track"
	"github.com/pthm-cable/racer/weather"
)

// generationRun is the per-generation context of the tick loop.
type generationRun struct {
	index    int
	level    config.LevelConfig
	levelIdx int
	track    *track.Track
	fleet    *fleet
	env      weather.Provider
	weather  *weather.System // nil without weather effects
	phantom  *ghost.Phantom  // nil without a ghost opponent
	ticks    int
	faults   int
}

// condition names the weather active at tick.
func (g *generationRun) condition(tick int) string {
	if g.weather == nil {
		return ""
	}
	return g.weather.Condition(tick)
}

// conditions lists the distinct weather conditions seen, in order.
func (g *generationRun) conditions() string {
	if g.weather == nil {
		return ""
	}
	var names []string
	for _, sp := range g.weather.Schedule() {
		if sp.Start >= max(g.ticks, 1) {
			break
		}
		if !slices.Contains(names, sp.Condition) {
			names = append(names, sp.Condition)
		}
	}
	return strings.Join(names, "+")
}

// runGeneration simulates, evaluates and advances one generation.
func (t *Trainer) runGeneration(ctx context.Context) error {
	t.setPhase(RunningGeneration)
	g, err := t.prepare()
	if err != nil {
		return err
	}
	if g.phantom != nil {
		defer g.phantom.Close()
	}

	if err := t.simulate(g); err != nil {
		return err
	}

	t.setPhase(Evaluating)
	records := g.fleet.records(t.evaluator, g.track)
	summary := telemetry.Summarize(t.opts.RunID, g.index, records, t.capability.SpeciesCount(), g.faults).
		WithLevel(g.levelIdx, g.level.Name, g.conditions())
	summary.LogStats(t.logger)
	t.logSpecies(g.index)

	t.setPhase(Advancing)
	return t.advance(ctx, g, records, summary)
}

// prepare builds the track, environment and fleet for the next generation.
func (t *Trainer) prepare() (*generationRun, error) {
	g := &generationRun{
		index:    t.generation,
		level:    t.curr.Current(),
		levelIdx: t.curr.Level(),
	}

	tr, err := track.Generate(t.curr.TrackParams(t.cfg.Track), t.rng)
	if err != nil {
		return nil, newFault(GenerationFault, g.index, -1, fmt.Errorf("generate track: %w", err))
	}
	g.track = tr

	base := t.curr.Environment(t.curr.SurfaceFriction(t.rng))
	g.env = weather.Noop{Env: base}
	if t.flags.Enabled(features.Weather) && len(g.level.Weather) > 0 {
		rng := rand.New(rand.NewPCG(t.rng.Uint64(), t.rng.Uint64()))
		sys, err := weather.NewSystem(t.cfg.Weather.Conditions, g.level.Weather, base, rng)
		if err != nil {
			return nil, newFault(GenerationFault, g.index, -1, err)
		}
		g.weather = sys
		g.env = sys
	}

	members := t.capability.Population()
	if len(members) == 0 {
		return nil, newFault(GenerationFault, g.index, -1, evolve.ErrEmptyPopulation)
	}
	g.fleet = newFleet(members, tr)

	if best := t.ghosts.Best(); best != nil && g.level.Ghosts && t.flags.Enabled(features.GhostCars) {
		g.phantom = ghost.NewPhantom(best)
	}
	return g, nil
}

// simulate runs the lock-step tick loop until every vehicle is terminal or
// the level's tick budget is spent. Survivors then time out.
func (t *Trainer) simulate(g *generationRun) error {
	sensor := t.sensors
	sensor.Scale = g.level.SensorRange
	tc := &tickContext{
		track:  g.track,
		sensor: sensor,
		params: t.params,
		dt:     t.cfg.Derived.DT,
	}
	overlay := t.flags.Enabled(features.TelemetryOverlay)
	frameEvery := max(t.cfg.Telemetry.FrameEvery, 1)
	p := t.pool

	for tick := 0; tick < g.level.MaxTicks; tick++ {
		if t.abort.Load() {
			return ErrAborted
		}
		t.perf.StartTick()
		t.perf.StartPhase(telemetry.PhaseSnapshot)
		p.snapshots = g.fleet.snapshot(p.snapshots)
		if len(p.snapshots) == 0 {
			t.perf.EndTick()
			break
		}

		t.perf.StartPhase(telemetry.PhaseCompute)
		tc.env = g.env.At(tick)
		p.run(tc)
		sums := p.timings()
		t.perf.AddPhase(telemetry.PhaseSense, sums.sense)
		t.perf.AddPhase(telemetry.PhaseThink, sums.think)
		t.perf.AddPhase(telemetry.PhaseIntegrate, sums.integrate)

		t.perf.StartPhase(telemetry.PhaseApply)
		g.fleet.apply(p.snapshots, p.intents, func(snap *vehicleSnapshot, err error) {
			g.faults++
			fault := newFault(VehicleFault, g.index, tick, fmt.Errorf("vehicle %d: %w", snap.GenomeID, err))
			t.noteFault(fault)
			t.logger.Warn("vehicle_fault",
				"generation", g.index,
				"tick", tick,
				"vehicle", snap.GenomeID,
				"error", err,
			)
		})
		g.ticks = tick + 1

		t.perf.StartPhase(telemetry.PhaseObserve)
		var gf ghost.Frame
		if g.phantom != nil {
			gf, _ = g.phantom.Step()
		}
		if t.opts.Observer != nil && tick%frameEvery == 0 {
			t.opts.Observer.Observe(t.frame(g, tick, overlay, gf))
		}
		t.perf.EndTick()
	}

	if n := g.fleet.timeoutSurvivors(); n > 0 {
		t.logger.Debug("tick_budget_reached", "generation", g.index, "ticks", g.ticks, "timed_out", n)
	}
	return nil
}

func (t *Trainer) frame(g *generationRun, tick int, overlay bool, gf ghost.Frame) telemetry.Frame {
	f := telemetry.Frame{
		Generation: g.index,
		Tick:       tick,
		Level:      g.levelIdx,
		LevelName:  g.level.Name,
		Weather:    g.condition(tick),
		Vehicles:   g.fleet.views(overlay),
		Track:      g.track,
	}
	if g.phantom != nil {
		f.Ghost = &telemetry.GhostView{
			Generation: g.phantom.Generation,
			X:          gf.Pos.X,
			Y:          gf.Pos.Y,
			Heading:    gf.Heading,
		}
	}
	return f
}

// advance runs the boundary sequence: curriculum, ghost, metrics, heatmap,
// capability, checkpoint.
func (t *Trainer) advance(ctx context.Context, g *generationRun, records []fitness.Record, summary telemetry.GenerationSummary) error {
	bestIdx := bestRecord(records)
	best := records[bestIdx].Aggregate
	if best > t.best {
		t.best = best
		t.bestGeneration = g.index
	}

	from := t.curr.Level()
	if t.curr.Record(g.index, best) {
		change := telemetry.LevelChange{
			Generation: g.index,
			From:       from,
			To:         t.curr.Level(),
			Name:       t.curr.Current().Name,
			Best:       best,
			Time:       time.Now().UTC(),
		}
		t.logger.Info("curriculum_advanced", "generation", g.index, "from", from, "to", change.To, "name", change.Name, "best", best)
		t.sinkErr("level_change", t.sinks.WriteLevelChange(change))
	}

	if t.flags.Enabled(features.GhostCars) {
		t.captureGhost(g, bestIdx, best)
	}

	t.sinkErr("summary", t.sinks.WriteSummary(summary))
	crashes := telemetry.CrashesFrom(g.index, g.levelIdx, records)
	t.sinkErr("crashes", t.sinks.WriteCrashes(g.index, crashes))
	if t.flags.Enabled(features.DetailedMetrics) {
		t.sinkErr("records", t.sinks.WriteRecords(g.index, records))
		stats := t.perf.Stats()
		stats.LogStats(t.logger, g.index)
		t.sinkErr("perf", t.opts.Output.WritePerf(stats, g.index))
	}
	t.perf.Reset()

	if t.heatmap != nil {
		t.heatmap.Add(crashes)
		t.sinkErr("heatmap", t.opts.Output.WriteHeatmap(t.heatmap))
	}

	scored := make([]evolve.Scored, len(records))
	for i, r := range records {
		scored[i] = evolve.Scored{ID: r.GenomeID, Fitness: r.Aggregate}
	}
	if _, err := t.capability.Advance(scored); err != nil {
		return newFault(CapabilityFault, g.index, -1, err)
	}
	t.generation = g.index + 1
	t.markBoundary()

	interval := t.cfg.Checkpoint.Interval
	maxGen := t.cfg.Run.MaxGenerations
	due := interval > 0 && t.generation%interval == 0
	last := maxGen > 0 && t.generation >= maxGen
	if due || last || ctx.Err() != nil {
		if err := t.saveCheckpoint(); err != nil {
			return newFault(PersistenceFault, g.index, -1, err)
		}
	}
	return nil
}

func (t *Trainer) captureGhost(g *generationRun, bestIdx int, best float64) {
	trace, ok := t.ghosts.Capture(g.index, g.levelIdx, g.fleet.trajectory(bestIdx), best)
	if !ok || t.opts.GhostDir == "" {
		return
	}
	path, err := ghost.Save(t.opts.GhostDir, trace)
	if err != nil {
		t.logger.Warn("ghost_save_failed", "error", err)
		return
	}
	if err := ghost.Prune(t.opts.GhostDir, t.ghosts.Retained()); err != nil {
		t.logger.Warn("ghost_prune_failed", "error", err)
	}
	t.logger.Info("ghost_captured", "generation", g.index, "score", best, "path", path)
}

// bestRecord returns the index of the highest aggregate, the first on ties.
func bestRecord(records []fitness.Record) int {
	best := 0
	for i, r := range records {
		if r.Aggregate > records[best].Aggregate {
			best = i
		}
	}
	return best
}

// speciesReporter is implemented by capabilities that speciate.
type speciesReporter interface {
	SpeciesStats() neural.SpeciesStats
}

func (t *Trainer) logSpecies(generation int) {
	sr, ok := t.capability.(speciesReporter)
	if !ok {
		return
	}
	st := sr.SpeciesStats()
	t.logger.Info("species_stats",
		"generation", generation,
		"count", st.Count,
		"members", st.TotalMembers,
		"largest", st.LargestSize,
		"smallest", st.SmallestSize,
		"avg_staleness", st.AverageStaleness,
		"best", st.BestFitness,
	)
}
