package scan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOp    = errors.New("scan: invalid target operation")
	ErrBookNotFound = errors.New("scan: book not found")
)

// TargetOp represents comparison operations for scanning
type TargetOp string

const (
	OpEqual        TargetOp = "eq"
	OpGreater      TargetOp = "gt"
	OpGreaterEqual TargetOp = "ge"
	OpLess         TargetOp = "lt"
	OpLessEqual    TargetOp = "le"
	OpBetween      TargetOp = "between"
	OpOutside      TargetOp = "outside"
)

// Valid reports whether op is a known operation.
func (op TargetOp) Valid() bool {
	switch op {
	case OpEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpBetween, OpOutside:
		return true
	}
	return false
}

// TargetEvaluator matches integer scores against a target condition.
type TargetEvaluator struct {
	op   TargetOp
	val1 int
	val2 int // for "between" and "outside"
}

// NewTargetEvaluator creates a new target evaluator. For "between" and
// "outside" the bounds may be given in either order.
func NewTargetEvaluator(op TargetOp, val1, val2 int) (*TargetEvaluator, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOp, op)
	}
	if (op == OpBetween || op == OpOutside) && val2 < val1 {
		val1, val2 = val2, val1
	}
	return &TargetEvaluator{op: op, val1: val1, val2: val2}, nil
}

// Matches checks if a score matches the target criteria
func (te *TargetEvaluator) Matches(score int) bool {
	switch te.op {
	case OpEqual:
		return score == te.val1
	case OpGreater:
		return score > te.val1
	case OpGreaterEqual:
		return score >= te.val1
	case OpLess:
		return score < te.val1
	case OpLessEqual:
		return score <= te.val1
	case OpBetween:
		return score >= te.val1 && score <= te.val2
	case OpOutside:
		return score < te.val1 || score > te.val2
	default:
		return false
	}
}
