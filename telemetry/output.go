package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/fitness"
)

// FitnessRow is the flat CSV form of a fitness record.
type FitnessRow struct {
	Generation  int     `csv:"generation" db:"generation"`
	GenomeID    int     `csv:"genome_id" db:"genome_id"`
	Aggregate   float64 `csv:"aggregate" db:"aggregate"`
	Distance    float64 `csv:"distance" db:"distance"`
	Checkpoints float64 `csv:"checkpoints" db:"checkpoints"`
	Smoothness  float64 `csv:"smoothness" db:"smoothness"`
	Efficiency  float64 `csv:"efficiency" db:"efficiency"`
	Centering   float64 `csv:"centering" db:"centering"`
	Laps        int     `csv:"laps" db:"laps"`
	Ticks       int     `csv:"ticks" db:"ticks"`
	Status      string  `csv:"status" db:"status"`
}

// FitnessRows flattens records for tabular sinks.
func FitnessRows(generation int, records []fitness.Record) []FitnessRow {
	rows := make([]FitnessRow, len(records))
	for i, r := range records {
		rows[i] = FitnessRow{
			Generation:  generation,
			GenomeID:    r.GenomeID,
			Aggregate:   r.Aggregate,
			Distance:    r.Components.Distance,
			Checkpoints: r.Components.Checkpoints,
			Smoothness:  r.Components.Smoothness,
			Efficiency:  r.Components.Efficiency,
			Centering:   r.Components.Centering,
			Laps:        r.Laps,
			Ticks:       r.Ticks,
			Status:      r.Status.String(),
		}
	}
	return rows
}

// csvFile appends gocsv rows, writing the header with the first batch.
type csvFile struct {
	f             *os.File
	headerWritten bool
}

func (c *csvFile) write(rows any, n int) error {
	if n == 0 {
		return nil
	}
	if !c.headerWritten {
		if err := gocsv.Marshal(rows, c.f); err != nil {
			return err
		}
		c.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(rows, c.f)
}

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir         string
	generations csvFile
	fitness     csvFile
	crashes     csvFile
	curriculum  csvFile
	perf        csvFile
}

var outputFiles = []string{"generations.csv", "fitness.csv", "crashes.csv", "curriculum.csv", "perf.csv"}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}
	targets := []*csvFile{&om.generations, &om.fitness, &om.crashes, &om.curriculum, &om.perf}
	for i, name := range outputFiles {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		targets[i].f = f
	}
	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteSummary appends a row to generations.csv.
func (om *OutputManager) WriteSummary(s GenerationSummary) error {
	if om == nil {
		return nil
	}
	if err := om.generations.write([]GenerationSummary{s}, 1); err != nil {
		return fmt.Errorf("writing generations: %w", err)
	}
	return nil
}

// WriteRecords appends one row per vehicle to fitness.csv.
func (om *OutputManager) WriteRecords(generation int, records []fitness.Record) error {
	if om == nil {
		return nil
	}
	if err := om.fitness.write(FitnessRows(generation, records), len(records)); err != nil {
		return fmt.Errorf("writing fitness: %w", err)
	}
	return nil
}

// WriteCrashes appends crash positions to crashes.csv.
func (om *OutputManager) WriteCrashes(generation int, crashes []Crash) error {
	if om == nil {
		return nil
	}
	if err := om.crashes.write(crashes, len(crashes)); err != nil {
		return fmt.Errorf("writing crashes: %w", err)
	}
	return nil
}

// WriteLevelChange appends a curriculum advance to curriculum.csv.
func (om *OutputManager) WriteLevelChange(c LevelChange) error {
	if om == nil {
		return nil
	}
	if err := om.curriculum.write([]LevelChange{c}, 1); err != nil {
		return fmt.Errorf("writing curriculum: %w", err)
	}
	return nil
}

// WritePerf appends a performance record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, generation int) error {
	if om == nil {
		return nil
	}
	if err := om.perf.write([]PerfStatsCSV{stats.ToCSV(generation)}, 1); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteHeatmap replaces heatmap.csv with the current crash grid.
func (om *OutputManager) WriteHeatmap(h *Heatmap) error {
	if om == nil || h == nil {
		return nil
	}
	path := filepath.Join(om.dir, "heatmap.csv")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating heatmap: %w", err)
	}
	cells := h.Cells()
	if len(cells) > 0 {
		err = gocsv.Marshal(cells, f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing heatmap: %w", err)
	}
	return os.Rename(tmp, path)
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, c := range []*csvFile{&om.generations, &om.fitness, &om.crashes, &om.curriculum, &om.perf} {
		if c.f == nil {
			continue
		}
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.f = nil
	}
	return firstErr
}
