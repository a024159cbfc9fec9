package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/scan"
	"github.com/dbs2/ashtrail/internal/session"
)

// Request limits.
const (
	maxPathPoints        = 20_000
	maxPositionsPerBatch = 2_000
	maxScriptBytes       = 64 << 10
	maxGhostSpeed        = 50.0
	maxRescoreLimit      = 100_000
	maxRescoreTimeoutMs  = 300_000
	maxPlayerIDLen       = 128
)

// fieldError is a validation failure tied to a request field.
type fieldError struct {
	Field   string
	Message string
}

func (e *fieldError) Error() string { return e.Message }

func invalid(field, format string, args ...interface{}) *fieldError {
	return &fieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateScoreRequest validates a stateless scoring request. Degenerate
// paths are left to the scorer, which rejects them with a zero score.
func ValidateScoreRequest(req *ScoreRequest, reg *books.Registry) error {
	if req.BookID == "" && len(req.Reference) == 0 {
		return invalid("book_id", "book_id or reference is required")
	}
	if req.BookID != "" && len(req.Reference) > 0 {
		return invalid("reference", "book_id and reference are mutually exclusive")
	}
	if req.BookID != "" {
		if _, ok := reg.Get(req.BookID); !ok {
			return invalid("book_id", "book '%s' not found", req.BookID)
		}
	}
	if len(req.Reference) > maxPathPoints {
		return invalid("reference", "reference too long (max %d points)", maxPathPoints)
	}
	if len(req.Player) > maxPathPoints {
		return invalid("player", "player path too long (max %d points)", maxPathPoints)
	}
	return nil
}

// ValidateStartRunRequest validates a run start request.
func ValidateStartRunRequest(req *StartRunRequest) error {
	if req.BookID == "" {
		return invalid("book_id", "book_id is required")
	}
	if len(req.PlayerID) > maxPlayerIDLen {
		return invalid("player_id", "player_id too long (max %d characters)", maxPlayerIDLen)
	}
	return nil
}

// ValidatePositionsRequest validates a batch of positions.
func ValidatePositionsRequest(req *PositionsRequest) error {
	if len(req.Positions) == 0 {
		return invalid("positions", "at least one position is required")
	}
	if len(req.Positions) > maxPositionsPerBatch {
		return invalid("positions", "too many positions (max %d per request)", maxPositionsPerBatch)
	}
	for i, p := range req.Positions {
		if err := validatePosition(p); err != nil {
			err.Field = fmt.Sprintf("positions[%d].%s", i, err.Field)
			return err
		}
		if i > 0 && p.T < req.Positions[i-1].T {
			return invalid(fmt.Sprintf("positions[%d].t", i), "timestamps must be non-decreasing within a batch")
		}
	}
	return nil
}

func validatePosition(p Position) *fieldError {
	if math.IsNaN(p.T) || math.IsInf(p.T, 0) || p.T < 0 {
		return invalid("t", "t must be a non-negative number of milliseconds")
	}
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return invalid("x", "coordinates must be finite")
	}
	return nil
}

// ValidateFinishRequest validates a finish request and fills the default
// reason.
func ValidateFinishRequest(req *FinishRequest) error {
	switch req.Reason {
	case "":
		req.Reason = session.ReasonCompleted
	case session.ReasonCompleted, session.ReasonAborted:
	default:
		return invalid("reason", "reason must be one of: %s, %s", session.ReasonCompleted, session.ReasonAborted)
	}
	return nil
}

// ValidateRescoreRequest validates a batch re-score request.
func ValidateRescoreRequest(req *scan.RescoreRequest, reg *books.Registry) error {
	if req.BookID != "" {
		if _, ok := reg.Get(req.BookID); !ok {
			return invalid("book_id", "book '%s' not found", req.BookID)
		}
	}

	validOps := []string{"eq", "gt", "ge", "lt", "le", "between", "outside"}
	if req.TargetOp == "" {
		return invalid("target_op", "target_op is required")
	}
	if !req.TargetOp.Valid() {
		return invalid("target_op", "target_op must be one of: %s", strings.Join(validOps, ", "))
	}

	if req.TargetOp == scan.OpBetween || req.TargetOp == scan.OpOutside {
		if req.TargetVal > req.TargetVal2 {
			return invalid("target_val", "target_val must be <= target_val2 for '%s' operation", req.TargetOp)
		}
	}

	if req.Limit < 0 {
		return invalid("limit", "limit must be >= 0")
	}
	if req.Limit > maxRescoreLimit {
		return invalid("limit", "limit too large (max %d)", maxRescoreLimit)
	}
	if req.MaxRuns < 0 {
		return invalid("max_runs", "max_runs must be >= 0")
	}
	if req.TimeoutMs < 0 {
		return invalid("timeout_ms", "timeout_ms must be >= 0")
	}
	if req.TimeoutMs > maxRescoreTimeoutMs {
		return invalid("timeout_ms", "timeout_ms too large (max %d ms)", maxRescoreTimeoutMs)
	}
	return nil
}

// ValidateGhostRequest validates a ghost script request.
func ValidateGhostRequest(req *GhostRequest, reg *books.Registry) error {
	if req.BookID == "" {
		return invalid("book_id", "book_id is required")
	}
	if _, ok := reg.Get(req.BookID); !ok {
		return invalid("book_id", "book '%s' not found", req.BookID)
	}
	if strings.TrimSpace(req.Script) == "" {
		return invalid("script", "script is required")
	}
	if len(req.Script) > maxScriptBytes {
		return invalid("script", "script too large (max %d bytes)", maxScriptBytes)
	}
	if req.MaxSpeed < 0 || req.MaxSpeed > maxGhostSpeed {
		return invalid("max_speed", "max_speed must be between 0 and %g", maxGhostSpeed)
	}
	return nil
}

// handleValidation writes err as a validation error response.
func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request, err error) {
	field := "body"
	if fe, ok := err.(*fieldError); ok {
		field = fe.Field
	}
	s.errorHandler.HandleValidationError(w, r, field, err.Error())
}

func qInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
