// Package physics implements deterministic vehicle kinematics, collision
// against track walls and radar sensing.
package physics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/track"
)

// Status is the lifecycle state of a vehicle within one generation.
type Status uint8

const (
	Alive Status = iota
	Crashed
	TimedOut
	Finished
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timeout"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("status(%d)", s)
}

// Terminal reports whether the vehicle has stopped participating.
func (s Status) Terminal() bool {
	return s != Alive
}

// Control is one tick of controller output.
type Control struct {
	Steering float64 // [-1, 1], positive turns counter-clockwise
	Throttle float64 // [-1, 1], negative reverses
}

var errNonFiniteControl = errors.New("non-finite control output")

// Validate rejects NaN and infinite outputs.
func (c Control) Validate() error {
	if math.IsNaN(c.Steering) || math.IsInf(c.Steering, 0) || math.IsNaN(c.Throttle) || math.IsInf(c.Throttle, 0) {
		return errNonFiniteControl
	}
	return nil
}

func (c Control) clamped() Control {
	return Control{
		Steering: clamp(c.Steering, -1, 1),
		Throttle: clamp(c.Throttle, -1, 1),
	}
}

// Environment holds the per-tick effect multipliers supplied by the weather
// collaborator. A zero field is treated as 1.
type Environment struct {
	Friction   float64 `json:"friction"`
	Visibility float64 `json:"visibility"`
}

// Neutral is the environment with no effects.
var Neutral = Environment{Friction: 1, Visibility: 1}

func (e Environment) orNeutral() Environment {
	if e.Friction == 0 {
		e.Friction = 1
	}
	if e.Visibility == 0 {
		e.Visibility = 1
	}
	return e
}

// Sample is one recorded trajectory point.
type Sample struct {
	Pos      r2.Vec  `json:"pos"`
	Heading  float64 `json:"heading"`
	Vel      r2.Vec  `json:"vel"`
	Steering float64 `json:"steering"`
}

// State is the full kinematic and progress state of one vehicle.
type State struct {
	Pos      r2.Vec
	Heading  float64
	Vel      r2.Vec
	Steering float64

	Status      Status
	Distance    float64
	Checkpoints int
	NextGate    int
	Ticks       int
	SinceGate   int // ticks since the last gate, for stall detection
	CrashPos    r2.Vec

	// Trajectory grows by one sample per Advance. The returned state owns the
	// slice; callers must not keep appending through an older state.
	Trajectory []Sample
}

// NewState places a vehicle at rest on the track's start pose.
func NewState(t *track.Track) State {
	s := State{
		Pos:     t.Start,
		Heading: t.StartHeading,
	}
	s.Trajectory = append(make([]Sample, 0, 256), s.sample())
	return s
}

func (s State) sample() Sample {
	return Sample{Pos: s.Pos, Heading: s.Heading, Vel: s.Vel, Steering: s.Steering}
}

// Speed returns the velocity magnitude.
func (s State) Speed() float64 {
	return r2.Norm(s.Vel)
}

// Finite reports whether all kinematic values are finite numbers.
func (s State) Finite() bool {
	for _, v := range [...]float64{s.Pos.X, s.Pos.Y, s.Vel.X, s.Vel.Y, s.Heading} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Params holds vehicle dynamics constants.
type Params struct {
	MaxSpeed       float64
	Accel          float64
	Friction       float64 // velocity retained per reference tick
	TurnRate       float64
	MinSteerSpeed  float64
	SteerFullSpeed float64
	SlipBase       float64
	SlipGain       float64
	StallTicks     int
	Laps           int
	RefDT          float64 // tick length the Friction constant is expressed in
}

// ParamsFromConfig converts the physics config section.
func ParamsFromConfig(c config.PhysicsConfig, refDT float64) Params {
	return Params{
		MaxSpeed:       c.MaxSpeed,
		Accel:          c.Accel,
		Friction:       c.Friction,
		TurnRate:       c.TurnRate,
		MinSteerSpeed:  c.MinSteerSpeed,
		SteerFullSpeed: c.SteerFullSpeed,
		SlipBase:       c.SlipBase,
		SlipGain:       c.SlipGain,
		StallTicks:     c.StallTicks,
		Laps:           max(c.Laps, 1),
		RefDT:          refDT,
	}
}

// Advance integrates one tick. Terminal states are returned unchanged.
func Advance(s State, c Control, dt float64, env Environment, p Params, t *track.Track) State {
	if s.Status.Terminal() {
		return s
	}
	c = c.clamped()
	env = env.orNeutral()

	speed := s.Speed()

	// Steering authority grows with speed; a stationary vehicle cannot turn.
	heading := s.Heading
	if c.Steering != 0 && speed >= p.MinSteerSpeed && speed > 0 {
		authority := 1.0
		if p.SteerFullSpeed > 0 {
			authority = math.Min(speed/p.SteerFullSpeed, 1)
		}
		heading = track.NormalizeAngle(heading + c.Steering*p.TurnRate*authority*dt)
	}

	// Friction loss scales with the surface multiplier: slick surfaces lose less.
	k := 1.0
	if p.RefDT > 0 {
		k = dt / p.RefDT
	}
	retain := 1 - (1-p.Friction)*env.Friction
	vel := r2.Scale(math.Pow(clamp(retain, 0, 1), k), s.Vel)

	fwd := r2.Vec{X: math.Cos(heading), Y: math.Sin(heading)}
	vel = r2.Add(vel, r2.Scale(c.Throttle*p.Accel*dt, fwd))

	// Lateral slip: faster vehicles and slicker surfaces keep more sideways motion.
	along := r2.Dot(vel, fwd)
	lateral := r2.Sub(vel, r2.Scale(along, fwd))
	keep := p.SlipBase + (1 - env.Friction)
	if p.MaxSpeed > 0 {
		keep += p.SlipGain * speed / p.MaxSpeed
	}
	vel = r2.Add(r2.Scale(along, fwd), r2.Scale(clamp(keep, 0, 1), lateral))

	if sp := r2.Norm(vel); sp > p.MaxSpeed {
		vel = r2.Scale(p.MaxSpeed/sp, vel)
	}

	next := s
	next.Heading = heading
	next.Vel = vel
	next.Steering = c.Steering
	next.Ticks++
	next.SinceGate++

	to := r2.Add(s.Pos, r2.Scale(dt, vel))
	if frac, hit := firstWallHit(s.Pos, to, t); hit {
		to = r2.Add(s.Pos, r2.Scale(frac, r2.Sub(to, s.Pos)))
		next.Status = Crashed
		next.CrashPos = to
		next.Vel = r2.Vec{}
	}
	next.Distance += r2.Norm(r2.Sub(to, s.Pos))
	next.Pos = to

	passGates(&next, s.Pos, to, t)

	if next.Status == Alive {
		switch {
		case len(t.Gates) > 0 && next.Checkpoints >= len(t.Gates)*max(p.Laps, 1):
			next.Status = Finished
		case p.StallTicks > 0 && next.SinceGate > p.StallTicks:
			next.Status = TimedOut
		}
	}

	next.Trajectory = append(s.Trajectory, next.sample())
	return next
}

// firstWallHit returns the smallest fraction along from->to where the move
// crosses a boundary segment.
func firstWallHit(from, to r2.Vec, t *track.Track) (float64, bool) {
	move := r2.Sub(to, from)
	reach := r2.Norm(move)
	if reach == 0 {
		return 0, false
	}
	best, hit := 1.0, false
	for _, seg := range t.BoundarySegments() {
		if !seg.Near(from, reach) {
			continue
		}
		if frac, ok := track.Intersect(from, to, seg.A, seg.B); ok && frac <= best {
			best, hit = frac, true
		}
	}
	return best, hit
}

// passGates advances the gate counter for each consecutive gate the move crosses.
func passGates(s *State, from, to r2.Vec, t *track.Track) {
	if len(t.Gates) == 0 || from == to {
		return
	}
	for range len(t.Gates) {
		g := t.Gate(s.NextGate)
		if _, ok := track.Intersect(from, to, g.A, g.B); !ok {
			return
		}
		s.Checkpoints++
		s.NextGate = (s.NextGate + 1) % len(t.Gates)
		s.SinceGate = 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
