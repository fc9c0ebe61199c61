// Package config provides configuration loading for the trainer.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all training configuration parameters.
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Physics    PhysicsConfig    `yaml:"physics"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Fitness    FitnessConfig    `yaml:"fitness"`
	Track      TrackConfig      `yaml:"track"`
	Curriculum CurriculumConfig `yaml:"curriculum"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Ghost      GhostConfig      `yaml:"ghost"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Weather    WeatherConfig    `yaml:"weather"`
	Features   FeaturesConfig   `yaml:"features"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// RunConfig holds run-level settings.
type RunConfig struct {
	Seed           int64   `yaml:"seed"`            // 0 = time-based
	MaxGenerations int     `yaml:"max_generations"` // 0 = unlimited
	TickRate       float64 `yaml:"tick_rate"`       // Simulation ticks per second
	Workers        int     `yaml:"workers"`         // 0 = GOMAXPROCS
}

// PhysicsConfig holds vehicle dynamics parameters.
type PhysicsConfig struct {
	MaxSpeed       float64 `yaml:"max_speed"`
	Accel          float64 `yaml:"accel"`
	Friction       float64 `yaml:"friction"` // Velocity retained per reference tick
	TurnRate       float64 `yaml:"turn_rate"`
	MinSteerSpeed  float64 `yaml:"min_steer_speed"`
	SteerFullSpeed float64 `yaml:"steer_full_speed"`
	SlipBase       float64 `yaml:"slip_base"`
	SlipGain       float64 `yaml:"slip_gain"`
	StallTicks     int     `yaml:"stall_ticks"`
	Laps           int     `yaml:"laps"`
}

// SensorsConfig holds radar parameters.
type SensorsConfig struct {
	Angles   []float64 `yaml:"angles"` // Degrees relative to heading
	Range    float64   `yaml:"range"`
	GateNorm float64   `yaml:"gate_norm"` // Distance that maps to a gate input of 1
}

// FitnessConfig holds the multi-objective weights.
type FitnessConfig struct {
	Distance     float64 `yaml:"distance"`
	Checkpoints  float64 `yaml:"checkpoints"`
	Smoothness   float64 `yaml:"smoothness"`
	Efficiency   float64 `yaml:"efficiency"`
	Centering    float64 `yaml:"centering"`
	LapBonus     float64 `yaml:"lap_bonus"`
	CrashPenalty float64 `yaml:"crash_penalty"`
}

// TrackConfig holds track generator defaults shared by all levels.
type TrackConfig struct {
	Radius         float64 `yaml:"radius"`
	ControlSpacing float64 `yaml:"control_spacing"` // Minimum arc between control points; raises Radius for busy levels
	Width          float64 `yaml:"width"`
	Spacing        float64 `yaml:"spacing"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

// LevelConfig is the configuration bundle for one curriculum level.
type LevelConfig struct {
	Name             string   `yaml:"name"`
	ControlPoints    int      `yaml:"control_points"`
	RadiusVariance   float64  `yaml:"radius_variance"`
	Gates            int      `yaml:"gates"`
	MaxTicks         int      `yaml:"max_ticks"`
	FrictionBase     float64  `yaml:"friction_base"`
	FrictionVariance float64  `yaml:"friction_variance"`
	Visibility       float64  `yaml:"visibility"`
	SensorRange      float64  `yaml:"sensor_range"`
	Weather          []string `yaml:"weather"`
	Ghosts           bool     `yaml:"ghosts"`
	Threshold        float64  `yaml:"threshold"`
	Consecutive      int      `yaml:"consecutive"`       // Generations above threshold needed to advance
	GenerationBudget int      `yaml:"generation_budget"` // Advance after this many generations regardless
}

// CurriculumConfig holds the ordered difficulty levels.
type CurriculumConfig struct {
	StartLevel int           `yaml:"start_level"`
	Levels     []LevelConfig `yaml:"levels"`
}

// EvolutionConfig selects and tunes the evolutionary algorithm.
type EvolutionConfig struct {
	Algorithm      string     `yaml:"algorithm"`
	Population     int        `yaml:"population"`
	Elitism        int        `yaml:"elitism"`
	SurvivalThresh float64    `yaml:"survival_thresh"`
	NEAT           NEATConfig `yaml:"neat"`
	FFNN           FFNNConfig `yaml:"ffnn"`
}

// NEATConfig holds NEAT mutation and speciation parameters.
type NEATConfig struct {
	InitialConnectionProb  float64 `yaml:"initial_connection_prob"`
	WeightMutPower         float64 `yaml:"weight_mut_power"`
	MutateLinkWeightsProb  float64 `yaml:"mutate_link_weights_prob"`
	MutateAddNodeProb      float64 `yaml:"mutate_add_node_prob"`
	MutateAddLinkProb      float64 `yaml:"mutate_add_link_prob"`
	MutateToggleEnableProb float64 `yaml:"mutate_toggle_enable_prob"`
	MateProb               float64 `yaml:"mate_prob"`
	CompatThreshold        float64 `yaml:"compat_threshold"`
	DisjointCoeff          float64 `yaml:"disjoint_coeff"`
	ExcessCoeff            float64 `yaml:"excess_coeff"`
	MutdiffCoeff           float64 `yaml:"mutdiff_coeff"`
	DropOffAge             int     `yaml:"drop_off_age"`
}

// FFNNConfig holds fixed-topology GA parameters.
type FFNNConfig struct {
	MutationRate  float64 `yaml:"mutation_rate"`
	MutationSigma float64 `yaml:"mutation_sigma"`
}

// CheckpointConfig holds persistence settings.
type CheckpointConfig struct {
	Dir      string `yaml:"dir"`
	Interval int    `yaml:"interval"` // Generations between boundary checkpoints
	Retain   int    `yaml:"retain"`   // Normal checkpoints kept on disk
}

// GhostConfig holds ghost recorder settings.
type GhostConfig struct {
	Dir    string `yaml:"dir"`
	Retain int    `yaml:"retain"`
}

// TelemetryConfig holds metrics and live feed settings.
type TelemetryConfig struct {
	OutputDir   string  `yaml:"output_dir"`
	SQLitePath  string  `yaml:"sqlite_path"`
	FeedAddr    string  `yaml:"feed_addr"`
	FrameEvery  int     `yaml:"frame_every"`
	HeatmapCell float64 `yaml:"heatmap_cell"`
	PerfWindow  int     `yaml:"perf_window"`
}

// WeatherCondition describes one weather type and its effect multipliers.
type WeatherCondition struct {
	Name       string  `yaml:"name"`
	Friction   float64 `yaml:"friction"`
	Visibility float64 `yaml:"visibility"`
	Weight     float64 `yaml:"weight"`
	MinTicks   int     `yaml:"min_ticks"`
	MaxTicks   int     `yaml:"max_ticks"`
}

// WeatherConfig holds the weather condition table.
type WeatherConfig struct {
	Conditions []WeatherCondition `yaml:"conditions"`
}

// FeaturesConfig holds feature flags and their dependency edges.
type FeaturesConfig struct {
	Flags    map[string]bool     `yaml:"flags"`
	Requires map[string][]string `yaml:"requires"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	DT         float64 // 1 / Run.TickRate
	NumInputs  int     // len(Sensors.Angles) + 2
	NumOutputs int     // steering, throttle
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	return cfg
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	if c.Run.TickRate > 0 {
		c.Derived.DT = 1 / c.Run.TickRate
	}
	c.Derived.NumInputs = len(c.Sensors.Angles) + 2
	c.Derived.NumOutputs = 2

	for i := range c.Curriculum.Levels {
		lvl := &c.Curriculum.Levels[i]
		if lvl.Visibility == 0 {
			lvl.Visibility = 1
		}
		if lvl.SensorRange == 0 {
			lvl.SensorRange = 1
		}
		if lvl.Consecutive == 0 {
			lvl.Consecutive = 1
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	if c.Run.TickRate <= 0 {
		problems = append(problems, fmt.Errorf("run.tick_rate must be > 0"))
	}
	if c.Run.MaxGenerations < 0 {
		problems = append(problems, fmt.Errorf("run.max_generations must be >= 0"))
	}
	if c.Physics.MaxSpeed <= 0 {
		problems = append(problems, fmt.Errorf("physics.max_speed must be > 0"))
	}
	if c.Physics.Friction <= 0 || c.Physics.Friction > 1 {
		problems = append(problems, fmt.Errorf("physics.friction must be in (0, 1]"))
	}
	if c.Physics.Laps < 1 {
		problems = append(problems, fmt.Errorf("physics.laps must be >= 1"))
	}
	if len(c.Sensors.Angles) == 0 {
		problems = append(problems, fmt.Errorf("sensors.angles must not be empty"))
	}
	if c.Sensors.Range <= 0 {
		problems = append(problems, fmt.Errorf("sensors.range must be > 0"))
	}
	if len(c.Curriculum.Levels) == 0 {
		problems = append(problems, fmt.Errorf("curriculum.levels must not be empty"))
	} else if c.Curriculum.StartLevel < 0 || c.Curriculum.StartLevel >= len(c.Curriculum.Levels) {
		problems = append(problems, fmt.Errorf("curriculum.start_level %d out of range", c.Curriculum.StartLevel))
	}
	if c.Track.ControlSpacing < 0 {
		problems = append(problems, fmt.Errorf("track.control_spacing must be >= 0"))
	}
	for i, lvl := range c.Curriculum.Levels {
		if lvl.MaxTicks <= 0 {
			problems = append(problems, fmt.Errorf("curriculum.levels[%d].max_ticks must be > 0", i))
		}
		if lvl.Gates < 1 {
			problems = append(problems, fmt.Errorf("curriculum.levels[%d].gates must be >= 1", i))
		}
	}
	if c.Evolution.Population <= 0 {
		problems = append(problems, fmt.Errorf("evolution.population must be > 0"))
	}
	if c.Evolution.Elitism < 0 || c.Evolution.Elitism > c.Evolution.Population {
		problems = append(problems, fmt.Errorf("evolution.elitism must be in [0, population]"))
	}
	switch c.Evolution.Algorithm {
	case "neat", "ffnn":
	default:
		problems = append(problems, fmt.Errorf("evolution.algorithm %q is not one of neat, ffnn", c.Evolution.Algorithm))
	}
	if c.Checkpoint.Interval < 1 {
		problems = append(problems, fmt.Errorf("checkpoint.interval must be >= 1"))
	}
	return errors.Join(problems...)
}

// Level returns the level bundle at index i, clamped to the configured range.
func (c *Config) Level(i int) LevelConfig {
	if i < 0 {
		i = 0
	}
	if i >= len(c.Curriculum.Levels) {
		i = len(c.Curriculum.Levels) - 1
	}
	return c.Curriculum.Levels[i]
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
