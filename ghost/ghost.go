// Package ghost records the best trajectories seen during training and
// replays them as non-interacting phantom opponents.
package ghost

import (
	"iter"
	"slices"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/physics"
)

// Trace is a recorded trajectory with the score that earned it.
type Trace struct {
	Generation int              `json:"generation"`
	Level      int              `json:"level"`
	Score      float64          `json:"score"`
	TickRate   float64          `json:"tick_rate"`
	Samples    []physics.Sample `json:"samples"`
}

// Frame is one replayed tick of a trace.
type Frame struct {
	Tick    int     `json:"tick"`
	Pos     r2.Vec  `json:"pos"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
}

// Recorder keeps the best-ever trace plus the most recent accepted ones.
type Recorder struct {
	tickRate float64
	retain   int
	best     *Trace
	recent   []*Trace
}

// NewRecorder creates a recorder keeping retain recent traces besides the best.
func NewRecorder(tickRate float64, retain int) *Recorder {
	return &Recorder{tickRate: tickRate, retain: max(retain, 1)}
}

// Capture stores samples if score beats the best-ever score. Ties keep the
// earlier trace. The samples are copied.
func (r *Recorder) Capture(generation, level int, samples []physics.Sample, score float64) (*Trace, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	if r.best != nil && score <= r.best.Score {
		return nil, false
	}
	t := &Trace{
		Generation: generation,
		Level:      level,
		Score:      score,
		TickRate:   r.tickRate,
		Samples:    slices.Clone(samples),
	}
	r.best = t
	r.recent = append(r.recent, t)
	if over := len(r.recent) - r.retain; over > 0 {
		r.recent = slices.Delete(r.recent, 0, over)
	}
	return t, true
}

// Seed installs a previously saved best trace, e.g. after a resume.
func (r *Recorder) Seed(t *Trace) {
	if t == nil || (r.best != nil && t.Score <= r.best.Score) {
		return
	}
	r.best = t
	r.recent = append(r.recent, t)
}

// Best returns the best-ever trace, or nil.
func (r *Recorder) Best() *Trace {
	return r.best
}

// Retained returns every trace the recorder keeps: the recent ones, plus
// the best if it has aged out.
func (r *Recorder) Retained() []*Trace {
	out := slices.Clone(r.recent)
	if r.best != nil && !slices.Contains(out, r.best) {
		out = append([]*Trace{r.best}, out...)
	}
	return out
}

// Replay yields one frame per recorded sample. Ranging again restarts it.
func Replay(t *Trace) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		if t == nil {
			return
		}
		for i, s := range t.Samples {
			f := Frame{Tick: i, Pos: s.Pos, Heading: s.Heading, Speed: r2.Norm(s.Vel)}
			if !yield(f) {
				return
			}
		}
	}
}

// Phantom steps through a trace one tick at a time alongside live vehicles.
// It never interacts with them.
type Phantom struct {
	Generation int
	next       func() (Frame, bool)
	stop       func()
	last       Frame
	done       bool
}

// NewPhantom starts a cursor over t. Callers must Close it.
func NewPhantom(t *Trace) *Phantom {
	next, stop := iter.Pull(Replay(t))
	p := &Phantom{next: next, stop: stop}
	if t != nil {
		p.Generation = t.Generation
	}
	return p
}

// Step advances one tick. After the trace ends the phantom holds its last
// frame and reports false.
func (p *Phantom) Step() (Frame, bool) {
	if p.done {
		return p.last, false
	}
	f, ok := p.next()
	if !ok {
		p.done = true
		return p.last, false
	}
	p.last = f
	return f, true
}

// Close releases the underlying iterator.
func (p *Phantom) Close() {
	p.stop()
}
