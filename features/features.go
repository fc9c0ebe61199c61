// Package features resolves the run's feature flags.
package features

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pthm-cable/racer/config"
)

// Known flag names.
const (
	Curriculum           = "curriculum"
	Weather              = "weather"
	GhostCars            = "ghost_cars"
	MultiObjective       = "multi_objective"
	TelemetryOverlay     = "telemetry_overlay"
	CrashHeatmap         = "crash_heatmap"
	DetailedMetrics      = "detailed_metrics"
	ErrorRecovery        = "error_recovery"
	EmergencyCheckpoints = "emergency_checkpoints"
)

// EnvPrefix prefixes environment overrides, e.g. FEATURE_WEATHER=off.
const EnvPrefix = "FEATURE_"

// Set is an immutable resolved flag set. The zero value has every flag off.
type Set struct {
	flags  map[string]bool
	forced []string
}

// Resolve builds a Set from config flags, applies environment overrides
// through lookup (os.LookupEnv when nil), then force-disables every flag whose
// dependency is off.
func Resolve(c config.FeaturesConfig, lookup func(string) (string, bool)) (Set, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	flags := maps.Clone(c.Flags)
	if flags == nil {
		flags = map[string]bool{}
	}

	for _, name := range slices.Sorted(maps.Keys(flags)) {
		raw, ok := lookup(EnvPrefix + strings.ToUpper(name))
		if !ok {
			continue
		}
		v, err := parseBool(raw)
		if err != nil {
			return Set{}, fmt.Errorf("feature %s: %w", name, err)
		}
		flags[name] = v
	}

	forced := cascade(flags, c.Requires)
	return Set{flags: flags, forced: forced}, nil
}

// FromMap rebuilds a Set from a checkpointed flag map, applying the same
// dependency cascade.
func FromMap(flags map[string]bool, requires map[string][]string) Set {
	f := maps.Clone(flags)
	if f == nil {
		f = map[string]bool{}
	}
	forced := cascade(f, requires)
	return Set{flags: f, forced: forced}
}

// cascade disables dependents of disabled flags until nothing changes and
// returns the names it disabled, sorted.
func cascade(flags map[string]bool, requires map[string][]string) []string {
	var forced []string
	names := slices.Sorted(maps.Keys(requires))
	for changed := true; changed; {
		changed = false
		for _, name := range names {
			if !flags[name] {
				continue
			}
			for _, dep := range requires[name] {
				if !flags[dep] {
					flags[name] = false
					forced = append(forced, name)
					changed = true
					break
				}
			}
		}
	}
	slices.Sort(forced)
	return forced
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// Enabled reports whether name is on. Unknown names are off.
func (s Set) Enabled(name string) bool {
	return s.flags[name]
}

// Forced returns the flags disabled because a dependency was off.
func (s Set) Forced() []string {
	return slices.Clone(s.forced)
}

// Map returns a copy of every flag, including unknown ones.
func (s Set) Map() map[string]bool {
	return maps.Clone(s.flags)
}

// Attrs returns the flags as alternating key/value pairs for slog.
func (s Set) Attrs() []any {
	var out []any
	for _, name := range slices.Sorted(maps.Keys(s.flags)) {
		out = append(out, name, s.flags[name])
	}
	return out
}
