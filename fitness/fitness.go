// Package fitness scores finished vehicle trajectories.
package fitness

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/track"
)

// Weights scale each objective in the aggregate. They are configuration,
// not constants, so tuning never touches the EA integration.
type Weights struct {
	Distance     float64 `json:"distance"`
	Checkpoints  float64 `json:"checkpoints"`
	Smoothness   float64 `json:"smoothness"`
	Efficiency   float64 `json:"efficiency"`
	Centering    float64 `json:"centering"`
	LapBonus     float64 `json:"lap_bonus"`
	CrashPenalty float64 `json:"crash_penalty"`
}

// WeightsFromConfig builds weights from config. With multiObjective off only
// distance, checkpoints, laps and the crash penalty contribute.
func WeightsFromConfig(c config.FitnessConfig, multiObjective bool) Weights {
	w := Weights{
		Distance:     c.Distance,
		Checkpoints:  c.Checkpoints,
		Smoothness:   c.Smoothness,
		Efficiency:   c.Efficiency,
		Centering:    c.Centering,
		LapBonus:     c.LapBonus,
		CrashPenalty: c.CrashPenalty,
	}
	if !multiObjective {
		w.Smoothness, w.Efficiency, w.Centering = 0, 0, 0
	}
	return w
}

// LogValue implements slog.LogValuer.
func (w Weights) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("distance", w.Distance),
		slog.Float64("checkpoints", w.Checkpoints),
		slog.Float64("smoothness", w.Smoothness),
		slog.Float64("efficiency", w.Efficiency),
		slog.Float64("centering", w.Centering),
		slog.Float64("lap_bonus", w.LapBonus),
		slog.Float64("crash_penalty", w.CrashPenalty),
	)
}

// Components are the unweighted per-objective scores.
type Components struct {
	Distance    float64 `json:"distance"`
	Checkpoints float64 `json:"checkpoints"`
	Smoothness  float64 `json:"smoothness"` // -mean |delta steering|, 0 is best
	Efficiency  float64 `json:"efficiency"` // checkpoints per tick
	Centering   float64 `json:"centering"`  // -mean distance from centerline, 0 is best
}

// Record is the score of one vehicle. It is never modified after Evaluate.
type Record struct {
	GenomeID   int            `json:"genome_id"`
	Components Components     `json:"components"`
	Laps       int            `json:"laps"`
	Ticks      int            `json:"ticks"`
	Status     physics.Status `json:"status"`
	CrashPos   r2.Vec         `json:"crash_pos"`
	Aggregate  float64        `json:"aggregate"`
}

// Evaluator converts trajectories into records.
type Evaluator struct {
	weights Weights
}

// NewEvaluator creates an evaluator with the given weights.
func NewEvaluator(w Weights) *Evaluator {
	return &Evaluator{weights: w}
}

// Weights returns the active weights.
func (e *Evaluator) Weights() Weights {
	return e.weights
}

// Evaluate scores a terminated vehicle.
func (e *Evaluator) Evaluate(genomeID int, s physics.State, t *track.Track) Record {
	c := Score(s, t)

	laps := 0
	if len(t.Gates) > 0 {
		laps = s.Checkpoints / len(t.Gates)
	}

	w := e.weights
	total := w.Distance*c.Distance +
		w.Checkpoints*c.Checkpoints +
		w.Smoothness*c.Smoothness +
		w.Efficiency*c.Efficiency +
		w.Centering*c.Centering +
		w.LapBonus*float64(laps)
	if s.Status == physics.Crashed || s.Status == physics.TimedOut {
		total -= w.CrashPenalty
	}
	if math.IsNaN(total) || total < 0 {
		total = 0
	}

	return Record{
		GenomeID:   genomeID,
		Components: c,
		Laps:       laps,
		Ticks:      s.Ticks,
		Status:     s.Status,
		CrashPos:   s.CrashPos,
		Aggregate:  total,
	}
}

// Score computes the unweighted components from a trajectory.
func Score(s physics.State, t *track.Track) Components {
	traj := s.Trajectory
	c := Components{Checkpoints: float64(s.Checkpoints)}
	if len(traj) == 0 {
		return c
	}

	var steerDelta, offCenter float64
	for i, smp := range traj {
		offCenter += t.DistanceToCenterline(smp.Pos)
		if i == 0 {
			continue
		}
		prev := traj[i-1]
		c.Distance += r2.Norm(r2.Sub(smp.Pos, prev.Pos))
		steerDelta += math.Abs(smp.Steering - prev.Steering)
	}

	steps := len(traj) - 1
	if steps > 0 {
		c.Smoothness = -steerDelta / float64(steps)
		c.Efficiency = c.Checkpoints / float64(steps)
	}
	c.Centering = -offCenter / float64(len(traj))
	return c
}
