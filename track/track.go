// Package track provides the immutable course geometry shared by every
// vehicle in a generation.
package track

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrSelfIntersecting is returned when no attempt produced a clean boundary.
var ErrSelfIntersecting = errors.New("track boundary self-intersects")

// Gate is a checkpoint line across the road, passed in Index order.
type Gate struct {
	Index  int    `json:"index"`
	Center r2.Vec `json:"center"`
	A      r2.Vec `json:"a"` // left end
	B      r2.Vec `json:"b"` // right end
}

// Track is a course: centerline, boundaries and ordered gates.
// A Track is never modified after construction.
type Track struct {
	Centerline   []r2.Vec `json:"centerline"`
	Left         []r2.Vec `json:"left"`
	Right        []r2.Vec `json:"right"`
	Gates        []Gate   `json:"gates"`
	Closed       bool     `json:"closed"`
	Width        float64  `json:"width"`
	Start        r2.Vec   `json:"start"`
	StartHeading float64  `json:"start_heading"`

	boundary []Segment
	center   []Segment
}

// GenParams controls procedural track generation.
type GenParams struct {
	ControlPoints  int
	Radius         float64
	ControlSpacing float64 // Minimum arc length between control points, 0 = none
	RadiusVariance float64 // Fraction of Radius each control point may deviate
	Width          float64
	Spacing        float64 // Approximate distance between centerline samples
	Gates          int
	MaxAttempts    int
}

// Generate builds a closed loop track from randomized control points.
// The first half of the attempts use the full RadiusVariance; the rest taper
// it linearly so the last attempt is a jittered circle.
func Generate(p GenParams, rng *rand.Rand) (*Track, error) {
	if p.ControlPoints < 3 {
		return nil, fmt.Errorf("generate track: need at least 3 control points, got %d", p.ControlPoints)
	}
	if p.Width <= 0 || p.Radius <= 0 {
		return nil, fmt.Errorf("generate track: width and radius must be positive")
	}
	if p.Gates < 1 {
		return nil, fmt.Errorf("generate track: need at least 1 gate")
	}
	if p.Spacing <= 0 {
		p.Spacing = 40
	}
	attempts := max(p.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		controls := controlPoints(p, attemptVariance(p.RadiusVariance, attempt, attempts), rng)
		center := catmullRomClosed(controls, p.Spacing)
		if len(center) < p.Gates {
			continue
		}
		t := fromCenterline(center, p.Width, true)
		if t.selfIntersects() {
			continue
		}
		t.placeGates(p.Gates)
		return t, nil
	}
	return nil, fmt.Errorf("generate track after %d attempts: %w", attempts, ErrSelfIntersecting)
}

// Corridor builds an open straight course along +X with evenly spaced gates,
// the last one at the far end.
func Corridor(length, width float64, gates int) *Track {
	const step = 10.0
	n := max(int(math.Ceil(length/step)), 1)
	center := make([]r2.Vec, 0, n+1)
	for i := 0; i <= n; i++ {
		center = append(center, r2.Vec{X: length * float64(i) / float64(n)})
	}
	t := fromCenterline(center, width, false)
	t.Gates = make([]Gate, 0, gates)
	for k := 0; k < gates; k++ {
		x := length * float64(k+1) / float64(gates)
		t.Gates = append(t.Gates, Gate{
			Index:  k,
			Center: r2.Vec{X: x},
			A:      r2.Vec{X: x, Y: width / 2},
			B:      r2.Vec{X: x, Y: -width / 2},
		})
	}
	return t
}

// attemptVariance returns the radius variance used on attempt.
func attemptVariance(variance float64, attempt, attempts int) float64 {
	half := attempts / 2
	if attempt < half {
		return variance
	}
	rest := attempts - 1 - half
	if rest <= 0 {
		return variance
	}
	return variance * float64(attempts-1-attempt) / float64(rest)
}

// loopRadius is Radius, raised so adjacent control points sit at least
// ControlSpacing apart along the circle.
func (p GenParams) loopRadius() float64 {
	return max(p.Radius, float64(p.ControlPoints)*p.ControlSpacing/(2*math.Pi))
}

// controlPoints places jittered points around the loop. Radial offsets are
// smoothed with a [1 2 1] pass so neighbours cannot zig-zag into corners
// tighter than half the road width.
func controlPoints(p GenParams, variance float64, rng *rand.Rand) []r2.Vec {
	n := p.ControlPoints
	radius := p.loopRadius()
	slice := 2 * math.Pi / float64(n)
	angles := make([]float64, n)
	offsets := make([]float64, n)
	for i := range angles {
		angles[i] = float64(i)*slice + (rng.Float64()-0.5)*slice*0.5
		offsets[i] = variance * (rng.Float64()*2 - 1)
	}

	pts := make([]r2.Vec, n)
	for i := range pts {
		off := (offsets[(i-1+n)%n] + 2*offsets[i] + offsets[(i+1)%n]) / 4
		r := radius * (1 + off)
		pts[i] = r2.Vec{X: r * math.Cos(angles[i]), Y: r * math.Sin(angles[i])}
	}
	return pts
}

// catmullRomClosed samples a closed Catmull-Rom spline through pts.
func catmullRomClosed(pts []r2.Vec, spacing float64) []r2.Vec {
	n := len(pts)
	out := make([]r2.Vec, 0, n*8)
	for i := 0; i < n; i++ {
		p0 := pts[(i-1+n)%n]
		p1 := pts[i]
		p2 := pts[(i+1)%n]
		p3 := pts[(i+2)%n]
		steps := max(int(math.Ceil(r2.Norm(r2.Sub(p2, p1))/spacing)), 2)
		for s := 0; s < steps; s++ {
			out = append(out, catmullRom(p0, p1, p2, p3, float64(s)/float64(steps)))
		}
	}
	return out
}

func catmullRom(p0, p1, p2, p3 r2.Vec, t float64) r2.Vec {
	t2 := t * t
	t3 := t2 * t
	f := func(a, b, c, d float64) float64 {
		return 0.5 * ((2 * b) + (-a+c)*t + (2*a-5*b+4*c-d)*t2 + (-a+3*b-3*c+d)*t3)
	}
	return r2.Vec{X: f(p0.X, p1.X, p2.X, p3.X), Y: f(p0.Y, p1.Y, p2.Y, p3.Y)}
}

func fromCenterline(center []r2.Vec, width float64, closed bool) *Track {
	n := len(center)
	left := make([]r2.Vec, n)
	right := make([]r2.Vec, n)
	for i := range center {
		prev, next := i-1, i+1
		if closed {
			prev = (i - 1 + n) % n
			next = (i + 1) % n
		} else {
			prev = max(prev, 0)
			next = min(next, n-1)
		}
		tangent := r2.Unit(r2.Sub(center[next], center[prev]))
		normal := r2.Vec{X: -tangent.Y, Y: tangent.X}
		left[i] = r2.Add(center[i], r2.Scale(width/2, normal))
		right[i] = r2.Sub(center[i], r2.Scale(width/2, normal))
	}

	t := &Track{
		Centerline: center,
		Left:       left,
		Right:      right,
		Closed:     closed,
		Width:      width,
		Start:      center[0],
	}
	if n > 1 {
		t.StartHeading = Heading(r2.Sub(center[1], center[0]))
	}
	t.boundary = append(polylineSegments(left, closed), polylineSegments(right, closed)...)
	t.center = polylineSegments(center, closed)
	return t
}

// placeGates spaces gates along the centerline so the last gate sits on the
// start line.
func (t *Track) placeGates(count int) {
	n := len(t.Centerline)
	t.Gates = make([]Gate, 0, count)
	for k := 0; k < count; k++ {
		i := ((k + 1) * n / count) % n
		t.Gates = append(t.Gates, Gate{
			Index:  k,
			Center: t.Centerline[i],
			A:      t.Left[i],
			B:      t.Right[i],
		})
	}
}

func polylineSegments(pts []r2.Vec, closed bool) []Segment {
	if len(pts) < 2 {
		return nil
	}
	segs := make([]Segment, 0, len(pts))
	for i := 0; i+1 < len(pts); i++ {
		segs = append(segs, NewSegment(pts[i], pts[i+1]))
	}
	if closed {
		segs = append(segs, NewSegment(pts[len(pts)-1], pts[0]))
	}
	return segs
}

// selfIntersects checks every pair of non-adjacent boundary segments.
func (t *Track) selfIntersects() bool {
	segs := t.boundary
	for i := 0; i < len(segs); i++ {
		for j := i + 1; j < len(segs); j++ {
			a, b := segs[i], segs[j]
			if a.A == b.B || a.B == b.A || a.A == b.A || a.B == b.B {
				continue
			}
			if !b.Near(a.Mid, a.HalfLen) {
				continue
			}
			if _, ok := Intersect(a.A, a.B, b.A, b.B); ok {
				return true
			}
		}
	}
	return false
}

// BoundarySegments returns the left and right wall segments.
// The returned slice must not be modified.
func (t *Track) BoundarySegments() []Segment {
	return t.boundary
}

// Gate returns the gate at index i modulo the gate count.
func (t *Track) Gate(i int) Gate {
	n := len(t.Gates)
	return t.Gates[((i%n)+n)%n]
}

// DistanceToCenterline returns the distance from p to the nearest centerline segment.
func (t *Track) DistanceToCenterline(p r2.Vec) float64 {
	best := math.Inf(1)
	for _, s := range t.center {
		if d := PointSegmentDistance(p, s.A, s.B); d < best {
			best = d
		}
	}
	if len(t.center) == 0 && len(t.Centerline) == 1 {
		return r2.Norm(r2.Sub(p, t.Centerline[0]))
	}
	return best
}
