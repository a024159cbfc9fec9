package engine

import "math"

// Scoring constants.
const (
	// MaxDist is the distance, in grid units, under which a point counts as
	// touching the other polyline.
	MaxDist = 1.2

	// MinPlayerSamples is the minimum number of player samples for a run to
	// be scored at all.
	MinPlayerSamples = 5

	// MinTravelFraction is the share of the reference length the player must
	// travel before the attempt is scored.
	MinTravelFraction = 0.10

	ProximityWeight = 0.4
	CoverageWeight  = 0.6

	// Excess-travel penalty breakpoints, expressed as traveled/reference.
	SoftPenaltyRatio = 2.0
	HardPenaltyRatio = 2.5
)

// RejectReason explains why a path was scored 0 without evaluation.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectEmpty         RejectReason = "empty_path"
	RejectShortRef      RejectReason = "reference_too_short"
	RejectFewSamples    RejectReason = "too_few_samples"
	RejectUnderMovement RejectReason = "insufficient_movement"
	RejectNonFinite     RejectReason = "non_finite_coordinates"
)

// Breakdown holds every intermediate value of a scoring pass.
type Breakdown struct {
	Score           int          `json:"score"`
	Rejected        RejectReason `json:"rejected,omitempty"`
	ReferenceLength float64      `json:"reference_length"`
	TraveledLength  float64      `json:"traveled_length"`
	Ratio           float64      `json:"ratio"`
	Penalty         float64      `json:"penalty"`
	Proximity       float64      `json:"proximity"`
	Coverage        float64      `json:"coverage"`
	Raw             float64      `json:"raw"`
	PlayerSamples   int          `json:"player_samples"`
	ReferencePoints int          `json:"reference_points"`
}

// ComputeScore compares a recorded player polyline against a reference trail
// and returns an integer score in [0,100]. It never fails and never mutates
// its inputs.
func ComputeScore(reference, player Polyline) int {
	return Evaluate(reference, player).Score
}

// Evaluate is ComputeScore with the intermediate values exposed.
func Evaluate(reference, player Polyline) Breakdown {
	b := Breakdown{
		PlayerSamples:   len(player),
		ReferencePoints: len(reference),
	}

	if len(reference) == 0 || len(player) == 0 {
		b.Rejected = RejectEmpty
		return b
	}
	if len(player) < MinPlayerSamples {
		b.Rejected = RejectFewSamples
		return b
	}
	if len(reference) < 2 {
		b.Rejected = RejectShortRef
		return b
	}
	if !reference.Finite() || !player.Finite() {
		b.Rejected = RejectNonFinite
		return b
	}

	b.ReferenceLength = Length(reference)
	b.TraveledLength = Length(player)
	if b.TraveledLength < b.ReferenceLength*MinTravelFraction {
		b.Rejected = RejectUnderMovement
		return b
	}

	// A reference of coincident points has zero length; the player moved at
	// least that much, so treat the ratio as neutral.
	if b.ReferenceLength > 0 {
		b.Ratio = b.TraveledLength / b.ReferenceLength
	} else {
		b.Ratio = 1
	}
	b.Penalty = PenaltyFactor(b.Ratio)

	b.Proximity = withinFraction(player, reference)
	b.Coverage = withinFraction(reference, player)

	b.Raw = ProximityWeight*b.Proximity + CoverageWeight*b.Coverage
	final := math.Round(b.Raw * b.Penalty * 100)
	b.Score = int(math.Max(0, math.Min(100, final)))
	return b
}

// PenaltyFactor returns the multiplier applied for traveling much further
// than the reference trail is long.
func PenaltyFactor(ratio float64) float64 {
	switch {
	case ratio <= SoftPenaltyRatio:
		return 1.0
	case ratio <= HardPenaltyRatio:
		return math.Max(0.5, 1.0-(ratio-SoftPenaltyRatio)*0.6)
	default:
		return math.Max(0.1, 1.0-(ratio-HardPenaltyRatio)*0.3)
	}
}

// withinFraction returns the share of points lying within MaxDist of path.
func withinFraction(points, path Polyline) float64 {
	if len(points) == 0 {
		return 0
	}
	var hits int
	if len(path)-1 >= indexMinSegments {
		hits = NewSegmentIndex(path, MaxDist).CountWithin(points)
	} else {
		hits = countWithin(points, path, MaxDist)
	}
	return float64(hits) / float64(len(points))
}

func countWithin(points, path Polyline, maxDist float64) int {
	n := 0
	for _, p := range points {
		if DistanceToPath(p, path) <= maxDist {
			n++
		}
	}
	return n
}
