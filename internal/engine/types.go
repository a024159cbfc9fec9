package engine

import "math"

// Point is a position in the logical trail grid.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Polyline is an ordered sequence of points joined by straight segments.
type Polyline []Point

// Finite reports whether every point of the polyline has finite coordinates.
func (pl Polyline) Finite() bool {
	for _, p := range pl {
		if !p.Finite() {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no backing array with pl.
func (pl Polyline) Clone() Polyline {
	if pl == nil {
		return nil
	}
	out := make(Polyline, len(pl))
	copy(out, pl)
	return out
}

// Bounds returns the axis-aligned bounding box of the polyline.
// ok is false for an empty polyline.
func (pl Polyline) Bounds() (min, max Point, ok bool) {
	if len(pl) == 0 {
		return Point{}, Point{}, false
	}
	min, max = pl[0], pl[0]
	for _, p := range pl[1:] {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
	}
	return min, max, true
}
