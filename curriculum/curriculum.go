// Package curriculum tracks progression through ordered difficulty levels.
package curriculum

import (
	"fmt"
	"math/rand/v2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/track"
)

// State is the checkpointed progress of a Manager.
type State struct {
	Level        int `json:"level"`
	Streak       int `json:"streak"`        // consecutive generations above threshold
	LevelGens    int `json:"level_gens"`    // generations spent on the current level
	EnteredAtGen int `json:"entered_at_gen"`
}

// Manager decides when to advance to the next level. The level index never
// decreases.
type Manager struct {
	levels []config.LevelConfig
	frozen bool
	state  State
}

// New creates a manager starting at start. A frozen manager never advances.
func New(levels []config.LevelConfig, start int, frozen bool) *Manager {
	m := &Manager{levels: levels, frozen: frozen}
	m.state.Level = clampLevel(start, len(levels))
	return m
}

func clampLevel(i, n int) int {
	if i < 0 || n == 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Level returns the current level index.
func (m *Manager) Level() int {
	return m.state.Level
}

// Current returns the active level bundle.
func (m *Manager) Current() config.LevelConfig {
	return m.levels[m.state.Level]
}

// Terminal reports whether the current level is the last one.
func (m *Manager) Terminal() bool {
	return m.state.Level >= len(m.levels)-1
}

// Frozen reports whether advancement is disabled.
func (m *Manager) Frozen() bool {
	return m.frozen
}

// Record feeds a generation's best fitness and reports whether the manager
// advanced to the next level.
func (m *Manager) Record(generation int, best float64) bool {
	lvl := m.Current()
	m.state.LevelGens++
	if best > lvl.Threshold {
		m.state.Streak++
	} else {
		m.state.Streak = 0
	}

	if m.frozen || m.Terminal() {
		return false
	}

	ready := m.state.Streak >= max(lvl.Consecutive, 1)
	exhausted := lvl.GenerationBudget > 0 && m.state.LevelGens >= lvl.GenerationBudget
	if !ready && !exhausted {
		return false
	}

	m.state = State{
		Level:        m.state.Level + 1,
		EnteredAtGen: generation + 1,
	}
	return true
}

// State returns a copy of the progress for checkpointing.
func (m *Manager) State() State {
	return m.state
}

// Restore replaces the progress with a checkpointed state.
func (m *Manager) Restore(s State) error {
	if s.Level < 0 || s.Level >= len(m.levels) {
		return fmt.Errorf("restore curriculum: level %d out of range [0, %d)", s.Level, len(m.levels))
	}
	m.state = s
	return nil
}

// TrackParams builds generator parameters for the current level.
func (m *Manager) TrackParams(tc config.TrackConfig) track.GenParams {
	lvl := m.Current()
	return track.GenParams{
		ControlPoints:  lvl.ControlPoints,
		Radius:         tc.Radius,
		ControlSpacing: tc.ControlSpacing,
		RadiusVariance: lvl.RadiusVariance,
		Width:          tc.Width,
		Spacing:        tc.Spacing,
		Gates:          lvl.Gates,
		MaxAttempts:    tc.MaxAttempts,
	}
}

// SurfaceFriction draws the level's base surface friction multiplier for a
// generation: FrictionBase jittered uniformly by FrictionVariance.
func (m *Manager) SurfaceFriction(rng *rand.Rand) float64 {
	lvl := m.Current()
	f := lvl.FrictionBase
	if f == 0 {
		f = 1
	}
	if lvl.FrictionVariance > 0 {
		f += (rng.Float64()*2 - 1) * lvl.FrictionVariance
	}
	return max(f, 0.05)
}

// Environment is the level's static environment before weather effects.
func (m *Manager) Environment(surface float64) physics.Environment {
	return physics.Environment{Friction: surface, Visibility: m.Current().Visibility}
}
