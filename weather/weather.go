// Package weather supplies per-tick environment effects to the physics step.
package weather

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/physics"
)

// Provider returns the environment in effect at a tick.
type Provider interface {
	At(tick int) physics.Environment
}

// Noop is a provider with a fixed environment.
type Noop struct {
	Env physics.Environment
}

// At implements Provider.
func (n Noop) At(int) physics.Environment {
	if n.Env == (physics.Environment{}) {
		return physics.Neutral
	}
	return n.Env
}

// Span is one scheduled weather condition.
type Span struct {
	Condition string `json:"condition"`
	Start     int    `json:"start"`
	End       int    `json:"end"` // exclusive
}

// System is a seeded weather schedule restricted to a set of conditions.
// Spans are drawn lazily as ticks advance, so At must be called from a single
// goroutine.
type System struct {
	conds []config.WeatherCondition
	total float64
	base  physics.Environment
	rng   *rand.Rand
	spans []Span
	index []int // condition index per span
}

// NewSystem builds a schedule over the allowed conditions. base carries the
// level's surface friction and visibility; condition multipliers stack on it.
func NewSystem(all []config.WeatherCondition, allowed []string, base physics.Environment, rng *rand.Rand) (*System, error) {
	s := &System{base: base, rng: rng}
	for _, c := range all {
		if len(allowed) > 0 && !slices.Contains(allowed, c.Name) {
			continue
		}
		if c.Weight <= 0 {
			continue
		}
		s.conds = append(s.conds, c)
		s.total += c.Weight
	}
	if len(s.conds) == 0 {
		return nil, fmt.Errorf("weather: no usable conditions in %v", allowed)
	}
	return s, nil
}

// At implements Provider.
func (s *System) At(tick int) physics.Environment {
	if tick < 0 {
		tick = 0
	}
	for len(s.spans) == 0 || s.spans[len(s.spans)-1].End <= tick {
		s.draw()
	}
	i, _ := slices.BinarySearchFunc(s.spans, tick, func(sp Span, t int) int {
		switch {
		case sp.End <= t:
			return -1
		case sp.Start > t:
			return 1
		}
		return 0
	})
	c := s.conds[s.index[i]]
	return physics.Environment{
		Friction:   s.base.Friction * c.Friction,
		Visibility: s.base.Visibility * c.Visibility,
	}
}

// Condition returns the condition name active at tick.
func (s *System) Condition(tick int) string {
	s.At(tick)
	for _, sp := range s.spans {
		if tick >= sp.Start && tick < sp.End {
			return sp.Condition
		}
	}
	return ""
}

// Schedule returns the spans drawn so far.
func (s *System) Schedule() []Span {
	return slices.Clone(s.spans)
}

func (s *System) draw() {
	r := s.rng.Float64() * s.total
	idx := len(s.conds) - 1
	for i, c := range s.conds {
		if r < c.Weight {
			idx = i
			break
		}
		r -= c.Weight
	}
	c := s.conds[idx]

	lo, hi := max(c.MinTicks, 1), max(c.MaxTicks, c.MinTicks, 1)
	dur := lo + s.rng.IntN(hi-lo+1)

	start := 0
	if n := len(s.spans); n > 0 {
		start = s.spans[n-1].End
	}
	s.spans = append(s.spans, Span{Condition: c.Name, Start: start, End: start + dur})
	s.index = append(s.index, idx)
}
