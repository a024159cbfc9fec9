package engine

import (
	"math"

	"github.com/dhconnelly/rtreego"
)

// indexMinSegments is the segment count from which threshold queries go
// through an R-tree instead of a linear scan.
const indexMinSegments = 64

const (
	rtreeMinChildren = 25
	rtreeMaxChildren = 50
	queryEpsilon     = 1e-9
)

// segment is one edge of an indexed polyline. Its bounds are the segment's
// bounding box padded by the query radius, so any point within the radius
// of the segment falls inside them.
type segment struct {
	a, b Point
	rect rtreego.Rect
}

func (s *segment) Bounds() rtreego.Rect {
	return s.rect
}

// SegmentIndex answers "is this point within radius of the polyline"
// queries without scanning every segment.
type SegmentIndex struct {
	tree   *rtreego.Rtree
	radius float64
	path   Polyline
}

// NewSegmentIndex indexes every segment of path for queries at radius.
func NewSegmentIndex(path Polyline, radius float64) *SegmentIndex {
	idx := &SegmentIndex{radius: radius, path: path}
	if len(path) < 2 {
		return idx
	}

	pad := radius + queryEpsilon
	spatials := make([]rtreego.Spatial, 0, len(path)-1)
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		lo := rtreego.Point{min(a.X, b.X) - pad, min(a.Y, b.Y) - pad}
		lengths := []float64{math.Abs(a.X-b.X) + 2*pad, math.Abs(a.Y-b.Y) + 2*pad}
		rect, err := rtreego.NewRect(lo, lengths)
		if err != nil {
			// Only reachable with non-finite coordinates; fall back to a scan.
			return &SegmentIndex{radius: radius, path: path}
		}
		spatials = append(spatials, &segment{a: a, b: b, rect: rect})
	}
	idx.tree = rtreego.NewTree(2, rtreeMinChildren, rtreeMaxChildren, spatials...)
	return idx
}

// Within reports whether p lies within the index radius of the polyline.
func (idx *SegmentIndex) Within(p Point) bool {
	if idx.tree == nil {
		return DistanceToPath(p, idx.path) <= idx.radius
	}

	query, err := rtreego.NewRect(
		rtreego.Point{p.X - queryEpsilon, p.Y - queryEpsilon},
		[]float64{2 * queryEpsilon, 2 * queryEpsilon},
	)
	if err != nil {
		return DistanceToPath(p, idx.path) <= idx.radius
	}

	found := false
	idx.tree.SearchIntersect(query, func(_ []rtreego.Spatial, obj rtreego.Spatial) (refuse, abort bool) {
		seg := obj.(*segment)
		if DistancePointToSegment(p, seg.a, seg.b) <= idx.radius {
			found = true
			return false, true
		}
		return true, false
	})
	return found
}

// CountWithin returns how many of points lie within the index radius.
func (idx *SegmentIndex) CountWithin(points Polyline) int {
	n := 0
	for _, p := range points {
		if idx.Within(p) {
			n++
		}
	}
	return n
}
