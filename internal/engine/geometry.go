package engine

import "math"

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// DistancePointToSegment returns the distance from p to the closest point of
// segment ab. The projection parameter is clamped to [0,1] so the closest
// point never lies on the extension of the segment.
//
// A zero-length segment divides by 1 instead of 0; the numerator is then 0 as
// well, t becomes 0 and the result is the distance from p to a.
func DistancePointToSegment(p, a, b Point) float64 {
	abx := b.X - a.X
	aby := b.Y - a.Y
	apx := p.X - a.X
	apy := p.Y - a.Y

	abLenSq := abx*abx + aby*aby
	if abLenSq == 0 {
		abLenSq = 1
	}

	t := (apx*abx + apy*aby) / abLenSq
	t = math.Max(0, math.Min(1, t))

	closestX := a.X + abx*t
	closestY := a.Y + aby*t
	return math.Hypot(p.X-closestX, p.Y-closestY)
}

// DistanceToPath returns the minimum distance from point to any segment of
// path, or +Inf when path has fewer than two points.
func DistanceToPath(point Point, path Polyline) float64 {
	best := math.Inf(1)
	for i := 0; i+1 < len(path); i++ {
		if d := DistancePointToSegment(point, path[i], path[i+1]); d < best {
			best = d
		}
	}
	return best
}

// Length returns the arc length of path.
func Length(path Polyline) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += Distance(path[i-1], path[i])
	}
	return total
}
