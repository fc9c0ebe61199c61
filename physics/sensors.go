package physics

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/track"
)

// SensorParams configures the radar fan and the gate inputs.
type SensorParams struct {
	Angles   []float64 // radians relative to heading
	Range    float64
	GateNorm float64
	Scale    float64 // per-level range multiplier, 0 = 1
}

// SensorParamsFromConfig converts the sensors config section.
func SensorParamsFromConfig(c config.SensorsConfig) SensorParams {
	angles := make([]float64, len(c.Angles))
	for i, deg := range c.Angles {
		angles[i] = deg * math.Pi / 180
	}
	return SensorParams{
		Angles:   angles,
		Range:    c.Range,
		GateNorm: c.GateNorm,
		Scale:    1,
	}
}

// NumInputs is the length of the vector Sense produces.
func (sp SensorParams) NumInputs() int {
	return len(sp.Angles) + 2
}

// Sense fills out with the controller input vector and returns it:
// one normalized reading per radar angle (1 = clear to the nominal range),
// then the heading offset to the next gate over pi, then the gate distance
// over GateNorm clamped to 1.
func Sense(s State, sp SensorParams, env Environment, t *track.Track, out []float64) []float64 {
	env = env.orNeutral()
	out = out[:0]

	scale := sp.Scale
	if scale == 0 {
		scale = 1
	}
	reach := sp.Range * env.Visibility * scale
	segs := t.BoundarySegments()

	for _, a := range sp.Angles {
		out = append(out, radar(s.Pos, s.Heading+a, reach, sp.Range, segs))
	}

	if len(t.Gates) == 0 {
		return append(out, 0, 1)
	}
	to := r2.Sub(t.Gate(s.NextGate).Center, s.Pos)
	diff := track.NormalizeAngle(track.Heading(to)-s.Heading) / math.Pi
	dist := 1.0
	if sp.GateNorm > 0 {
		dist = math.Min(r2.Norm(to)/sp.GateNorm, 1)
	}
	return append(out, diff, dist)
}

// radar casts one ray and returns the wall distance over nominal, capped at
// reach. A blind sensor (reach 0) reads 0.
func radar(origin r2.Vec, angle, reach, nominal float64, segs []track.Segment) float64 {
	if reach <= 0 || nominal <= 0 {
		return 0
	}
	dir := r2.Vec{X: math.Cos(angle), Y: math.Sin(angle)}
	best := reach
	for _, seg := range segs {
		if !seg.Near(origin, best) {
			continue
		}
		if d, ok := track.RayDistance(origin, dir, seg); ok && d < best {
			best = d
		}
	}
	return best / nominal
}
