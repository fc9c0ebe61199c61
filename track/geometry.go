package track

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Segment is a directed line segment with a cached midpoint and half-length
// for cheap distance rejection.
type Segment struct {
	A, B    r2.Vec
	Mid     r2.Vec
	HalfLen float64
}

// NewSegment builds a segment from two endpoints.
func NewSegment(a, b r2.Vec) Segment {
	return Segment{
		A:       a,
		B:       b,
		Mid:     r2.Scale(0.5, r2.Add(a, b)),
		HalfLen: 0.5 * r2.Norm(r2.Sub(b, a)),
	}
}

// Near reports whether any point of the segment may lie within radius of p.
func (s Segment) Near(p r2.Vec, radius float64) bool {
	reach := radius + s.HalfLen
	d := r2.Sub(s.Mid, p)
	return d.X*d.X+d.Y*d.Y <= reach*reach
}

// Intersect returns the parameter t along p1->p2 where it crosses q1->q2.
// Parallel and collinear segments do not intersect.
func Intersect(p1, p2, q1, q2 r2.Vec) (float64, bool) {
	r := r2.Sub(p2, p1)
	s := r2.Sub(q2, q1)
	denom := r2.Cross(r, s)
	if denom == 0 {
		return 0, false
	}
	qp := r2.Sub(q1, p1)
	t := r2.Cross(qp, s) / denom
	u := r2.Cross(qp, r) / denom
	if t < 0 || t > 1 || u < 0 || u > 1 {
		return 0, false
	}
	return t, true
}

// RayDistance returns the distance along a ray from origin in direction dir
// (unit length) to segment s, or false if the ray misses.
func RayDistance(origin, dir r2.Vec, s Segment) (float64, bool) {
	v := r2.Sub(s.B, s.A)
	denom := r2.Cross(dir, v)
	if denom == 0 {
		return 0, false
	}
	w := r2.Sub(s.A, origin)
	t := r2.Cross(w, v) / denom
	u := r2.Cross(w, dir) / denom
	if t < 0 || u < 0 || u > 1 {
		return 0, false
	}
	return t, true
}

// PointSegmentDistance returns the shortest distance from p to segment a-b.
func PointSegmentDistance(p, a, b r2.Vec) float64 {
	ab := r2.Sub(b, a)
	lenSq := r2.Dot(ab, ab)
	if lenSq == 0 {
		return r2.Norm(r2.Sub(p, a))
	}
	t := r2.Dot(r2.Sub(p, a), ab) / lenSq
	t = math.Max(0, math.Min(1, t))
	closest := r2.Add(a, r2.Scale(t, ab))
	return r2.Norm(r2.Sub(p, closest))
}

// Heading returns the angle of v in radians.
func Heading(v r2.Vec) float64 {
	return math.Atan2(v.Y, v.X)
}

// NormalizeAngle wraps an angle into [-pi, pi].
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
