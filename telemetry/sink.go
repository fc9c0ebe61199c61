package telemetry

import (
	"errors"
	"time"

	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/physics"
)

// Crash is one vehicle that hit a wall during a generation.
type Crash struct {
	Generation int     `csv:"generation" db:"generation"`
	GenomeID   int     `csv:"genome_id" db:"genome_id"`
	X          float64 `csv:"x" db:"x"`
	Y          float64 `csv:"y" db:"y"`
	Tick       int     `csv:"tick" db:"tick"`
	Level      int     `csv:"level" db:"level"`
}

// CrashesFrom extracts crash rows from fitness records.
func CrashesFrom(generation, level int, records []fitness.Record) []Crash {
	var out []Crash
	for _, r := range records {
		if r.Status != physics.Crashed {
			continue
		}
		out = append(out, Crash{
			Generation: generation,
			GenomeID:   r.GenomeID,
			X:          r.CrashPos.X,
			Y:          r.CrashPos.Y,
			Tick:       r.Ticks,
			Level:      level,
		})
	}
	return out
}

// LevelChange records a curriculum advance.
type LevelChange struct {
	Generation int       `csv:"generation" db:"generation"`
	From       int       `csv:"from_level" db:"from_level"`
	To         int       `csv:"to_level" db:"to_level"`
	Name       string    `csv:"name" db:"name"`
	Best       float64   `csv:"best" db:"best"`
	Time       time.Time `csv:"time" db:"time"`
}

// Sink receives generation-boundary metrics. Implementations must treat a
// nil receiver as disabled. Errors are reported to the caller, which logs
// them and carries on.
type Sink interface {
	WriteSummary(s GenerationSummary) error
	WriteRecords(generation int, records []fitness.Record) error
	WriteCrashes(generation int, crashes []Crash) error
	WriteLevelChange(c LevelChange) error
	Close() error
}

// MultiSink fans every write out to all sinks and joins their errors.
type MultiSink []Sink

// WriteSummary writes to every sink.
func (m MultiSink) WriteSummary(s GenerationSummary) error {
	return m.each(func(sk Sink) error { return sk.WriteSummary(s) })
}

// WriteRecords writes to every sink.
func (m MultiSink) WriteRecords(generation int, records []fitness.Record) error {
	return m.each(func(sk Sink) error { return sk.WriteRecords(generation, records) })
}

// WriteCrashes writes to every sink.
func (m MultiSink) WriteCrashes(generation int, crashes []Crash) error {
	return m.each(func(sk Sink) error { return sk.WriteCrashes(generation, crashes) })
}

// WriteLevelChange writes to every sink.
func (m MultiSink) WriteLevelChange(c LevelChange) error {
	return m.each(func(sk Sink) error { return sk.WriteLevelChange(c) })
}

// Close closes every sink.
func (m MultiSink) Close() error {
	return m.each(Sink.Close)
}

func (m MultiSink) each(fn func(Sink) error) error {
	var errs []error
	for _, sk := range m {
		if sk == nil {
			continue
		}
		if err := fn(sk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
