package api

import (
	"github.com/dbs2/ashtrail/internal/backend"
	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/scripting"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

// APIError represents a structured error response with context
type APIError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e APIError) Error() string {
	return e.Message
}

// Error types
const (
	// Input validation errors
	ErrTypeValidation  = "validation_error"
	ErrTypeInvalidPath = "invalid_path"

	// Book and run errors
	ErrTypeBookNotFound = "book_not_found"
	ErrTypeRunNotFound  = "run_not_found"
	ErrTypeRunState     = "run_state_conflict"
	ErrTypeGhost        = "ghost_error"

	// System errors
	ErrTypeTimeout            = "timeout"
	ErrTypeInternal           = "internal_error"
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeUpstream           = "upstream_error"
)

// ErrorCategory groups error types for monitoring
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryRun        ErrorCategory = "run"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeValidation, ErrTypeInvalidPath:
		return CategoryValidation
	case ErrTypeBookNotFound, ErrTypeRunNotFound, ErrTypeRunState, ErrTypeGhost:
		return CategoryRun
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// BooksResponse lists the selectable books.
type BooksResponse struct {
	Books         []BookInfo `json:"books"`
	EngineVersion string     `json:"engine_version"`
}

// BookInfo is a book's metadata as served over HTTP.
type BookInfo struct {
	books.BookSpec
	TimeLimitSeconds float64 `json:"time_limit_seconds"`
	ReferenceLength  float64 `json:"reference_length"`
}

// TrailResponse is a book's reference polyline.
type TrailResponse struct {
	Book          BookInfo        `json:"book"`
	Trail         engine.Polyline `json:"trail"`
	EngineVersion string          `json:"engine_version"`
}

// ScoreRequest scores a finished player path without a run. Either BookID
// or Reference must be set.
type ScoreRequest struct {
	BookID    string          `json:"book_id,omitempty"`
	Reference engine.Polyline `json:"reference,omitempty"`
	Player    engine.Polyline `json:"player"`
}

// ScoreResponse is the stateless scoring result.
type ScoreResponse struct {
	Score         int              `json:"score"`
	Breakdown     engine.Breakdown `json:"breakdown"`
	Reward        *reward.Reward   `json:"reward,omitempty"`
	EngineVersion string           `json:"engine_version"`
	Echo          ScoreRequest     `json:"echo"`
}

// StartRunRequest begins a run.
type StartRunRequest struct {
	BookID   string `json:"book_id"`
	PlayerID string `json:"player_id,omitempty"`
}

// StartRunResponse is returned when a run is created.
type StartRunResponse struct {
	Run           session.Status `json:"run"`
	Book          BookInfo       `json:"book"`
	SampleRate    int            `json:"sample_rate"`
	EngineVersion string         `json:"engine_version"`
}

// Position is one timestamped player position. T is milliseconds since
// the client started the run.
type Position struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PositionsRequest appends positions to a run.
type PositionsRequest struct {
	Positions []Position `json:"positions"`
}

// PositionsResponse reports the run after the positions were applied. When
// the run hit its time limit Finished carries the outcome.
type PositionsResponse struct {
	Run      session.Status  `json:"run"`
	Accepted int             `json:"accepted"`
	Finished *FinishResponse `json:"finished,omitempty"`
}

// FinishRequest ends a run early. Reason defaults to completed.
type FinishRequest struct {
	Reason session.FinishReason `json:"reason,omitempty"`
}

// FinishResponse is the outcome of the finish pipeline.
type FinishResponse struct {
	Result        session.Result `json:"result"`
	Reward        reward.Reward  `json:"reward"`
	PlayerID      string         `json:"player_id,omitempty"`
	Persisted     bool           `json:"persisted"`
	Reported      bool           `json:"reported"`
	ReportError   string         `json:"report_error,omitempty"`
	ArchiveKey    string         `json:"archive_key,omitempty"`
	EngineVersion string         `json:"engine_version"`
}

// RunResponse is a run looked up by id: live while it is tracked in memory,
// stored once persisted.
type RunResponse struct {
	Live   *session.Status `json:"live,omitempty"`
	Stored *store.Run      `json:"stored,omitempty"`
}

// LeaderboardResponse ranks players on a book.
type LeaderboardResponse struct {
	BookID  string                     `json:"book_id,omitempty"`
	Source  string                     `json:"source"`
	Entries []store.LeaderboardEntry   `json:"entries,omitempty"`
	Remote  []backend.LeaderboardEntry `json:"remote,omitempty"`
}

// GhostRequest runs a ghost script against a book.
type GhostRequest struct {
	BookID   string  `json:"book_id"`
	Script   string  `json:"script"`
	MaxSpeed float64 `json:"max_speed,omitempty"`
}

// GhostResponse is a scored ghost run.
type GhostResponse struct {
	*scripting.GhostResult
	Reward        reward.Reward `json:"reward"`
	EngineVersion string        `json:"engine_version"`
}
