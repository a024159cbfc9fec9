package books

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/engine"
)

const (
	wavePoints  = 73
	wavePeriods = 2

	crossStepsPerLeg = 18

	heartSamples = 221
	heartScale   = GridHeight * 0.018
	petalSamples = 121
	petalRadius  = GridHeight * 0.4
)

// crossWaypoints is the traversal order of the cross trail: bottom centre,
// up to the centre, top-right arm, down the right side, back to the centre,
// bottom-left arm, up the left side, top, and down to the centre again.
var crossWaypoints = []engine.Point{
	{X: 12, Y: 21},
	{X: 12, Y: 12},
	{X: 20, Y: 4},
	{X: 20, Y: 20},
	{X: 12, Y: 12},
	{X: 4, Y: 20},
	{X: 4, Y: 4},
	{X: 12, Y: 3},
	{X: 12, Y: 12},
}

// Wave is the easiest book: a horizontal sine wave.
func Wave() Book {
	return newGenerated(BookSpec{
		ID:         "wave",
		Name:       "Wave",
		Difficulty: 1,
		TimeLimit:  30 * time.Second,
		Reward:     decimal.NewFromInt(10),
	}, WaveTrail)
}

// Cross is the intermediate book: a piecewise-linear four-armed star.
func Cross() Book {
	return newGenerated(BookSpec{
		ID:         "cross",
		Name:       "Cross",
		Difficulty: 2,
		TimeLimit:  45 * time.Second,
		Reward:     decimal.NewFromInt(25),
	}, CrossTrail)
}

// Heart is the hardest book: a parametric heart followed by a petal ring.
func Heart() Book {
	return newGenerated(BookSpec{
		ID:         "heart",
		Name:       "Heart",
		Difficulty: 3,
		TimeLimit:  60 * time.Second,
		Reward:     decimal.NewFromInt(50),
	}, HeartTrail)
}

// WaveTrail samples a sine wave spanning 90% of the grid width with an
// amplitude of 30% of the grid height.
func WaveTrail() engine.Polyline {
	out := make(engine.Polyline, wavePoints)
	for i := range out {
		t := float64(i) / float64(wavePoints-1)
		out[i] = engine.Point{
			X: GridWidth*0.05 + t*GridWidth*0.9,
			Y: GridHeight/2 + math.Sin(t*2*math.Pi*wavePeriods)*GridHeight*0.3,
		}
	}
	return out
}

// CrossTrail interpolates crossWaypoints in equal steps.
func CrossTrail() engine.Polyline {
	out := make(engine.Polyline, 0, (len(crossWaypoints)-1)*crossStepsPerLeg+1)
	for i := 0; i+1 < len(crossWaypoints); i++ {
		a, b := crossWaypoints[i], crossWaypoints[i+1]
		for s := 0; s < crossStepsPerLeg; s++ {
			f := float64(s) / crossStepsPerLeg
			out = append(out, engine.Point{
				X: a.X + (b.X-a.X)*f,
				Y: a.Y + (b.Y-a.Y)*f,
			})
		}
	}
	return append(out, crossWaypoints[len(crossWaypoints)-1])
}

// HeartTrail returns the heart curve followed by the petal ring. The two
// parts are not joined; the trail jumps from the heart's end to the ring's
// start.
func HeartTrail() engine.Polyline {
	cx, cy := GridWidth/2, GridHeight/2
	out := make(engine.Polyline, 0, heartSamples+petalSamples)

	for i := 0; i < heartSamples; i++ {
		t := float64(i) / float64(heartSamples-1) * 2 * math.Pi
		s := math.Sin(t)
		hx := 16 * s * s * s
		hy := 13*math.Cos(t) - 5*math.Cos(2*t) - 2*math.Cos(3*t) - math.Cos(4*t)
		out = append(out, engine.Point{X: cx + hx*heartScale, Y: cy - hy*heartScale})
	}

	for i := 0; i < petalSamples; i++ {
		t := float64(i) / float64(petalSamples-1) * 2 * math.Pi
		r := petalRadius * (0.9 + 0.2*math.Sin(3*t))
		out = append(out, engine.Point{X: cx + r*math.Cos(t), Y: cy + r*math.Sin(t)})
	}
	return out
}
