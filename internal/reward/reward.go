// Package reward maps trail scores to crypto payouts.
package reward

import (
	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/books"
)

// Tier thresholds, inclusive.
const (
	FullThreshold    = 80
	PartialThreshold = 50
)

// Tier is the payout band a score falls into.
type Tier string

const (
	TierNone    Tier = "none"
	TierPartial Tier = "partial"
	TierFull    Tier = "full"
)

// DefaultPartialShare is the fraction of the full reward paid for a partial
// tier.
var DefaultPartialShare = decimal.NewFromFloat(0.5)

// Reward is the outcome of mapping a score.
type Reward struct {
	Tier   Tier            `json:"tier"`
	Amount decimal.Decimal `json:"amount"`
}

// TierFor returns the tier for score.
func TierFor(score int) Tier {
	switch {
	case score >= FullThreshold:
		return TierFull
	case score >= PartialThreshold:
		return TierPartial
	default:
		return TierNone
	}
}

// Schedule computes payouts for books.
type Schedule struct {
	PartialShare decimal.Decimal
}

// NewSchedule returns a schedule paying share of the full reward for the
// partial tier. A negative or zero share falls back to the default.
func NewSchedule(share decimal.Decimal) Schedule {
	if !share.IsPositive() {
		share = DefaultPartialShare
	}
	return Schedule{PartialShare: share}
}

// For maps score on the given book to a reward. Amounts are rounded to
// eight decimal places.
func (s Schedule) For(spec books.BookSpec, score int) Reward {
	share := s.PartialShare
	if !share.IsPositive() {
		share = DefaultPartialShare
	}

	tier := TierFor(score)
	var amount decimal.Decimal
	switch tier {
	case TierFull:
		amount = spec.Reward
	case TierPartial:
		amount = spec.Reward.Mul(share)
	default:
		amount = decimal.Zero
	}
	return Reward{Tier: tier, Amount: amount.Round(8)}
}
