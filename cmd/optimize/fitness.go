package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/features"
	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/telemetry"
	"github.com/pthm-cable/racer/trainer"
)

// FitnessEvaluator runs short headless trainings and scores a parameter set.
type FitnessEvaluator struct {
	params      *ParamVector
	configPath  string
	generations int
	population  int
	seeds       []int64

	mu          sync.Mutex
	lastQuality float64 // mean checkpoints from the most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator. Each evaluation reloads the
// base config from configPath so runs never share state.
func NewFitnessEvaluator(params *ParamVector, configPath string, generations, population int, seeds []int64) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		configPath:  configPath,
		generations: generations,
		population:  population,
		seeds:       seeds,
	}
}

// LastQuality returns the quality score from the most recent evaluation.
func (fe *FitnessEvaluator) LastQuality() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastQuality
}

// summarySink collects generation summaries from one run.
type summarySink struct {
	mu        sync.Mutex
	summaries []telemetry.GenerationSummary
}

func (s *summarySink) WriteSummary(sum telemetry.GenerationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *summarySink) WriteRecords(int, []fitness.Record) error     { return nil }
func (s *summarySink) WriteCrashes(int, []telemetry.Crash) error    { return nil }
func (s *summarySink) WriteLevelChange(telemetry.LevelChange) error { return nil }
func (s *summarySink) Close() error                                 { return nil }

// runResult holds the results from a single training run.
type runResult struct {
	summaries []telemetry.GenerationSummary
	err       error
}

// Evaluate computes fitness for a parameter vector (lower = better).
// Fitness is the negated mean best fitness over the last quarter of
// generations, averaged across seeds.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	results := make([]runResult, len(fe.seeds))
	var wg sync.WaitGroup
	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			results[idx] = fe.runTraining(x, s)
		}(i, seed)
	}
	wg.Wait()

	scores := make([]float64, 0, len(results))
	quality := make([]float64, 0, len(results))
	for _, r := range results {
		if r.err != nil || len(r.summaries) == 0 {
			slog.Warn("evaluation_run_failed", "error", r.err)
			scores = append(scores, 0)
			continue
		}
		tail := r.summaries[len(r.summaries)*3/4:]
		best := make([]float64, len(tail))
		for i, s := range tail {
			best[i] = s.Best
		}
		scores = append(scores, stat.Mean(best, nil))
		quality = append(quality, tail[len(tail)-1].MeanCheckpoints)
	}
	f := -stat.Mean(scores, nil)

	fe.mu.Lock()
	if len(quality) > 0 {
		fe.lastQuality = stat.Mean(quality, nil)
	}
	fe.mu.Unlock()
	return f
}

// runTraining executes one headless training run without persistence.
func (fe *FitnessEvaluator) runTraining(x []float64, seed int64) runResult {
	cfg, err := config.Load(fe.configPath)
	if err != nil {
		return runResult{err: err}
	}
	fe.params.ApplyToConfig(cfg, x)
	cfg.Run.Seed = seed
	cfg.Run.MaxGenerations = fe.generations
	cfg.Run.Workers = 1 // seeds already run in parallel
	if fe.population > 0 {
		cfg.Evolution.Population = fe.population
	}

	// Persistence and visual features stay off; only scoring-relevant flags
	// carry over from the base config.
	base, err := features.Resolve(cfg.Features, nil)
	if err != nil {
		return runResult{err: err}
	}
	flags := features.FromMap(map[string]bool{
		features.Curriculum:     base.Enabled(features.Curriculum),
		features.Weather:        base.Enabled(features.Weather),
		features.MultiObjective: base.Enabled(features.MultiObjective),
	}, cfg.Features.Requires)

	capability, err := evolve.New(cfg, uint64(seed))
	if err != nil {
		return runResult{err: err}
	}
	sink := &summarySink{}
	tr, err := trainer.New(cfg, flags, capability, trainer.Options{
		Sinks:  sink,
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Seed:   uint64(seed),
		Fresh:  true,
	})
	if err != nil {
		return runResult{err: err}
	}
	if _, err := tr.Run(context.Background()); err != nil {
		return runResult{summaries: sink.summaries, err: err}
	}
	return runResult{summaries: sink.summaries}
}
