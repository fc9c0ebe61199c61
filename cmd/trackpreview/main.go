// Track preview tool - generates one track per curriculum level and writes
// its geometry as CSV for plotting.
//
// Usage: go run ./cmd/trackpreview -output preview/ [-config config.yaml] [-seed 42]
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/curriculum"
	"github.com/pthm-cable/racer/track"
)

// PointRow is one vertex of a track polyline or gate.
type PointRow struct {
	Level int     `csv:"level"`
	Kind  string  `csv:"kind"` // center, left, right, gate_a, gate_b
	Index int     `csv:"index"`
	X     float64 `csv:"x"`
	Y     float64 `csv:"y"`
}

// LevelRow summarizes one generated track.
type LevelRow struct {
	Level    int     `csv:"level"`
	Name     string  `csv:"name"`
	Points   int     `csv:"points"`
	Gates    int     `csv:"gates"`
	Length   float64 `csv:"length"`
	Friction float64 `csv:"friction"`
}

func main() {
	configPath := flag.String("config", "", "Config YAML file (empty = use defaults)")
	seed := flag.Uint64("seed", 42, "Generator seed")
	outputDir := flag.String("output", "", "Output directory")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var points []PointRow
	var levels []LevelRow
	for i := range cfg.Curriculum.Levels {
		curr := curriculum.New(cfg.Curriculum.Levels, i, true)
		rng := rand.New(rand.NewPCG(*seed, uint64(i)))
		tr, err := track.Generate(curr.TrackParams(cfg.Track), rng)
		if err != nil {
			log.Fatalf("level %d (%s): %v", i, curr.Current().Name, err)
		}
		points = append(points, trackPoints(i, tr)...)
		levels = append(levels, LevelRow{
			Level:    i,
			Name:     curr.Current().Name,
			Points:   len(tr.Centerline),
			Gates:    len(tr.Gates),
			Length:   length(tr),
			Friction: curr.SurfaceFriction(rng),
		})
		fmt.Printf("level %d (%s): %d points, %d gates, length %.0f\n",
			i, curr.Current().Name, len(tr.Centerline), len(tr.Gates), length(tr))
	}

	if err := writeCSV(filepath.Join(*outputDir, "track_points.csv"), &points); err != nil {
		log.Fatalf("failed to write points: %v", err)
	}
	if err := writeCSV(filepath.Join(*outputDir, "track_levels.csv"), &levels); err != nil {
		log.Fatalf("failed to write levels: %v", err)
	}
}

func trackPoints(level int, tr *track.Track) []PointRow {
	var rows []PointRow
	add := func(kind string, i int, x, y float64) {
		rows = append(rows, PointRow{Level: level, Kind: kind, Index: i, X: x, Y: y})
	}
	for i, p := range tr.Centerline {
		add("center", i, p.X, p.Y)
	}
	for i, p := range tr.Left {
		add("left", i, p.X, p.Y)
	}
	for i, p := range tr.Right {
		add("right", i, p.X, p.Y)
	}
	for _, g := range tr.Gates {
		add("gate_a", g.Index, g.A.X, g.A.Y)
		add("gate_b", g.Index, g.B.X, g.B.Y)
	}
	return rows
}

// length is the centerline arc length.
func length(tr *track.Track) float64 {
	var total float64
	pts := tr.Centerline
	for i := 1; i < len(pts); i++ {
		total += r2.Norm(r2.Sub(pts[i], pts[i-1]))
	}
	if tr.Closed && len(pts) > 1 {
		total += r2.Norm(r2.Sub(pts[0], pts[len(pts)-1]))
	}
	return total
}

func writeCSV(path string, rows any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gocsv.MarshalFile(rows, f)
}
