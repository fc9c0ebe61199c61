package telemetry

import (
	"log/slog"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/physics"
)

// GenerationSummary holds aggregated statistics for one evaluated generation.
type GenerationSummary struct {
	RunID      string `csv:"run_id" db:"run_id"`
	Generation int    `csv:"generation" db:"generation"`

	// Fitness distribution
	Best   float64 `csv:"best" db:"best"`
	Mean   float64 `csv:"mean" db:"mean"`
	Median float64 `csv:"median" db:"median"`
	Worst  float64 `csv:"worst" db:"worst"`
	StdDev float64 `csv:"stddev" db:"stddev"`

	BestGenome int `csv:"best_genome" db:"best_genome"`
	Species    int `csv:"species" db:"species"`

	// Outcomes
	Vehicles int `csv:"vehicles" db:"vehicles"`
	Crashes  int `csv:"crashes" db:"crashes"`
	Timeouts int `csv:"timeouts" db:"timeouts"`
	Finishes int `csv:"finishes" db:"finishes"`
	Faults   int `csv:"faults" db:"faults"`

	MeanCheckpoints float64 `csv:"mean_checkpoints" db:"mean_checkpoints"`
	Ticks           int     `csv:"ticks" db:"ticks"`

	Level     int    `csv:"level" db:"level"`
	LevelName string `csv:"level_name" db:"level_name"`
	Weather   string `csv:"weather" db:"weather"`

	Time time.Time `csv:"time" db:"time"`
}

// Summarize aggregates one generation's fitness records. faults counts
// vehicles whose controller failed during the run.
func Summarize(runID string, generation int, records []fitness.Record, speciesCount, faults int) GenerationSummary {
	s := GenerationSummary{
		RunID:      runID,
		Generation: generation,
		Species:    speciesCount,
		Vehicles:   len(records),
		Faults:     faults,
		Time:       time.Now().UTC(),
	}
	if len(records) == 0 {
		return s
	}

	scores := make([]float64, len(records))
	cps := make([]float64, len(records))
	for i, r := range records {
		scores[i] = r.Aggregate
		cps[i] = float64(r.Components.Checkpoints)
		s.Ticks = max(s.Ticks, r.Ticks)
		switch r.Status {
		case physics.Crashed:
			s.Crashes++
		case physics.TimedOut:
			s.Timeouts++
		case physics.Finished:
			s.Finishes++
		}
	}

	s.Mean, s.StdDev = stat.PopMeanStdDev(scores, nil)
	s.MeanCheckpoints = stat.Mean(cps, nil)
	s.Worst = floats.Min(scores)
	best := floats.MaxIdx(scores)
	s.Best = scores[best]
	s.BestGenome = records[best].GenomeID

	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	s.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return s
}

// WithLevel returns a copy annotated with curriculum and weather context.
func (s GenerationSummary) WithLevel(level int, name, weather string) GenerationSummary {
	s.Level = level
	s.LevelName = name
	s.Weather = weather
	return s
}

// LogValue implements slog.LogValuer for structured logging.
func (s GenerationSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("generation", s.Generation),
		slog.Float64("best", s.Best),
		slog.Float64("mean", s.Mean),
		slog.Float64("median", s.Median),
		slog.Float64("worst", s.Worst),
		slog.Float64("stddev", s.StdDev),
		slog.Int("best_genome", s.BestGenome),
		slog.Int("species", s.Species),
		slog.Int("crashes", s.Crashes),
		slog.Int("timeouts", s.Timeouts),
		slog.Int("finishes", s.Finishes),
		slog.Int("faults", s.Faults),
		slog.Int("level", s.Level),
		slog.String("level_name", s.LevelName),
	)
}

// LogStats logs the summary as flat attributes.
func (s GenerationSummary) LogStats(logger *slog.Logger) {
	logger.Info("generation_complete",
		"run_id", s.RunID,
		"generation", s.Generation,
		"best", s.Best,
		"mean", s.Mean,
		"median", s.Median,
		"worst", s.Worst,
		"stddev", s.StdDev,
		"species", s.Species,
		"crashes", s.Crashes,
		"timeouts", s.Timeouts,
		"finishes", s.Finishes,
		"faults", s.Faults,
		"mean_checkpoints", s.MeanCheckpoints,
		"level", s.Level,
		"level_name", s.LevelName,
		"weather", s.Weather,
	)
}
