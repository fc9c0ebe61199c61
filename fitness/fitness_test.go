package fitness

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/track"
)

func testEvaluator(t *testing.T, multiObjective bool) (*Evaluator, *config.Config) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	return NewEvaluator(WeightsFromConfig(cfg.Fitness, multiObjective)), cfg
}

func TestNeverMovesScoresZero(t *testing.T) {
	ev, _ := testEvaluator(t, true)
	tr := track.Corridor(1000, 40, 2)
	s := physics.NewState(tr)
	s.Status = physics.TimedOut
	s.Ticks = 90

	rec := ev.Evaluate(7, s, tr)
	if rec.Aggregate != 0 {
		t.Errorf("aggregate = %f, want 0", rec.Aggregate)
	}
	if rec.GenomeID != 7 {
		t.Errorf("genome id = %d, want 7", rec.GenomeID)
	}
	if rec.Components.Distance != 0 {
		t.Errorf("distance = %f, want 0", rec.Components.Distance)
	}
}

func TestStraightCorridorScores(t *testing.T) {
	ev, cfg := testEvaluator(t, true)
	p := physics.ParamsFromConfig(cfg.Physics, cfg.Derived.DT)
	tr := track.Corridor(100, 40, 1)
	s := physics.NewState(tr)
	for s.Ticks < 500 && !s.Status.Terminal() {
		s = physics.Advance(s, physics.Control{Throttle: 1}, cfg.Derived.DT, physics.Neutral, p, tr)
	}

	rec := ev.Evaluate(0, s, tr)
	if rec.Components.Distance < 95 {
		t.Errorf("distance = %f, want >= 95", rec.Components.Distance)
	}
	if math.Abs(rec.Components.Distance-s.Distance) > 1e-9 {
		t.Errorf("trajectory distance %f != state distance %f", rec.Components.Distance, s.Distance)
	}
	if rec.Components.Checkpoints != 1 || rec.Laps != 1 {
		t.Errorf("checkpoints = %f laps = %d, want 1 and 1", rec.Components.Checkpoints, rec.Laps)
	}
	if rec.Components.Smoothness != 0 {
		t.Errorf("smoothness = %f, want 0 with constant steering", rec.Components.Smoothness)
	}
	if rec.Components.Centering != 0 {
		t.Errorf("centering = %f, want 0 on the centerline", rec.Components.Centering)
	}
	if rec.Status != physics.Finished {
		t.Errorf("status = %s, want finished", rec.Status)
	}

	w := ev.Weights()
	want := w.Distance*rec.Components.Distance + w.Checkpoints + w.Efficiency*rec.Components.Efficiency + w.LapBonus
	if math.Abs(rec.Aggregate-want) > 1e-6 {
		t.Errorf("aggregate = %f, want %f", rec.Aggregate, want)
	}
}

func TestAggregateNeverNegative(t *testing.T) {
	ev, _ := testEvaluator(t, true)
	tr := track.Corridor(1000, 40, 4)

	testCases := []struct {
		name   string
		status physics.Status
		steer  []float64
		offset float64
	}{
		{"crashed jittery", physics.Crashed, []float64{1, -1, 1, -1, 1}, 19},
		{"timeout", physics.TimedOut, []float64{0, 0, 0}, 0},
		{"alive wide", physics.Alive, []float64{0.5, -0.5}, 18},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := physics.NewState(tr)
			s.Status = tc.status
			s.Trajectory = s.Trajectory[:0]
			for i, st := range tc.steer {
				s.Trajectory = append(s.Trajectory, physics.Sample{
					Pos:      r2.Vec{X: float64(i), Y: tc.offset},
					Steering: st,
				})
			}
			rec := ev.Evaluate(1, s, tr)
			if rec.Aggregate < 0 {
				t.Errorf("aggregate = %f, want >= 0", rec.Aggregate)
			}
			t.Logf("components: %+v", rec.Components)
		})
	}
}

func TestSmoothnessAndCentering(t *testing.T) {
	tr := track.Corridor(1000, 40, 1)
	s := physics.NewState(tr)
	s.Trajectory = []physics.Sample{
		{Pos: r2.Vec{X: 0, Y: 4}, Steering: 0},
		{Pos: r2.Vec{X: 3, Y: 4}, Steering: 1},
		{Pos: r2.Vec{X: 6, Y: 4}, Steering: 0},
	}
	s.Checkpoints = 1

	c := Score(s, tr)
	if c.Distance != 6 {
		t.Errorf("distance = %f, want 6", c.Distance)
	}
	if c.Smoothness != -1 {
		t.Errorf("smoothness = %f, want -1", c.Smoothness)
	}
	if c.Centering != -4 {
		t.Errorf("centering = %f, want -4", c.Centering)
	}
	if c.Efficiency != 0.5 {
		t.Errorf("efficiency = %f, want 0.5", c.Efficiency)
	}
}

func TestSingleObjectiveZeroesExtras(t *testing.T) {
	ev, _ := testEvaluator(t, false)
	w := ev.Weights()
	if w.Smoothness != 0 || w.Efficiency != 0 || w.Centering != 0 {
		t.Errorf("extra weights should be zero: %+v", w)
	}
	if w.Distance == 0 || w.Checkpoints == 0 {
		t.Errorf("primary weights should be kept: %+v", w)
	}
}
