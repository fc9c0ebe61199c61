package telemetry

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r2"
)

// HeatCell is one populated heatmap bin.
type HeatCell struct {
	CellX int     `csv:"cell_x"`
	CellY int     `csv:"cell_y"`
	X     float64 `csv:"x"` // cell center
	Y     float64 `csv:"y"`
	Count int     `csv:"count"`
}

// Heatmap bins crash positions on a square grid.
type Heatmap struct {
	cell   float64
	counts map[[2]int]int
	total  int
}

// NewHeatmap creates a heatmap with the given cell size in world units.
func NewHeatmap(cell float64) *Heatmap {
	if cell <= 0 {
		cell = 100
	}
	return &Heatmap{cell: cell, counts: make(map[[2]int]int)}
}

// Add records crashes.
func (h *Heatmap) Add(crashes []Crash) {
	for _, c := range crashes {
		h.AddPoint(r2.Vec{X: c.X, Y: c.Y})
	}
}

// AddPoint records one crash position.
func (h *Heatmap) AddPoint(p r2.Vec) {
	key := [2]int{int(math.Floor(p.X / h.cell)), int(math.Floor(p.Y / h.cell))}
	h.counts[key]++
	h.total++
}

// Total returns the number of recorded crashes.
func (h *Heatmap) Total() int {
	return h.total
}

// Cells returns the populated bins ordered by y then x.
func (h *Heatmap) Cells() []HeatCell {
	out := make([]HeatCell, 0, len(h.counts))
	for k, n := range h.counts {
		out = append(out, HeatCell{
			CellX: k[0],
			CellY: k[1],
			X:     (float64(k[0]) + 0.5) * h.cell,
			Y:     (float64(k[1]) + 0.5) * h.cell,
			Count: n,
		})
	}
	slices.SortFunc(out, func(a, b HeatCell) int {
		if c := cmp.Compare(a.CellY, b.CellY); c != 0 {
			return c
		}
		return cmp.Compare(a.CellX, b.CellX)
	})
	return out
}

// Reset clears all bins, used when the curriculum moves to a new track family.
func (h *Heatmap) Reset() {
	clear(h.counts)
	h.total = 0
}
