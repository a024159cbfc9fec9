package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// DB represents the database interface
type DB interface {
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error)
	RunsForBook(ctx context.Context, bookID string, limit int) ([]Run, error)
	MarkReported(ctx context.Context, id string, reportErr string) error
	SetArchiveKey(ctx context.Context, id, key string) error
	UpdateScore(ctx context.Context, id string, update ScoreUpdate) error
	Leaderboard(ctx context.Context, bookID string, limit int) ([]LeaderboardEntry, error)
	Stats(ctx context.Context) (*Stats, error)

	SaveRescan(ctx context.Context, rescan *Rescan, hits []RescanHit) error
	GetRescan(ctx context.Context, id string) (*Rescan, error)
	GetRescanHits(ctx context.Context, rescanID string, page, perPage int) (*RescanHitsPage, error)
}

// Run is a finished, scored attempt at a book.
type Run struct {
	ID            string          `json:"id"`
	BookID        string          `json:"book_id"`
	PlayerID      string          `json:"player_id,omitempty"`
	Reason        string          `json:"reason"`
	Score         int             `json:"score"`
	Tier          string          `json:"tier"`
	Reward        decimal.Decimal `json:"reward"`
	Samples       int             `json:"samples"`
	ElapsedMS     int64           `json:"elapsed_ms"`
	BreakdownJSON string          `json:"breakdown_json"`
	Path          engine.Polyline `json:"path,omitempty"`
	Reported      bool            `json:"reported"`
	ReportError   string          `json:"report_error,omitempty"`
	ArchiveKey    string          `json:"archive_key,omitempty"`
	EngineVersion string          `json:"engine_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RunsQuery represents query parameters for listing runs
type RunsQuery struct {
	BookID   string `json:"book_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
	Page     int    `json:"page"`
	PerPage  int    `json:"perPage"`
}

// RunsList represents paginated runs response
type RunsList struct {
	Runs       []Run `json:"runs"`
	TotalCount int   `json:"totalCount"`
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalPages int   `json:"totalPages"`
}

// ScoreUpdate carries the fields rewritten by a re-score.
type ScoreUpdate struct {
	Score         int
	Tier          string
	Reward        decimal.Decimal
	BreakdownJSON string
	EngineVersion string
}

// LeaderboardEntry is a player's best run and its rank.
type LeaderboardEntry struct {
	Rank      int       `json:"rank"`
	RunID     string    `json:"run_id"`
	PlayerID  string    `json:"player_id,omitempty"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates stored runs.
type Stats struct {
	Runs       int     `json:"runs"`
	Reported   int     `json:"reported"`
	Unreported int     `json:"unreported"`
	AvgScore   float64 `json:"avg_score"`
}

// Rescan is one batch re-score over stored runs.
type Rescan struct {
	ID             string    `json:"id"`
	BookID         string    `json:"book_id,omitempty"`
	TargetOp       string    `json:"target_op"`
	TargetVal      float64   `json:"target_val"`
	TargetVal2     float64   `json:"target_val2,omitempty"`
	HitLimit       int       `json:"hit_limit"`
	TimedOut       bool      `json:"timed_out"`
	TotalEvaluated int       `json:"total_evaluated"`
	HitCount       int       `json:"hit_count"`
	ChangedCount   int       `json:"changed_count"`
	SummaryMin     *int      `json:"summary_min"`
	SummaryMax     *int      `json:"summary_max"`
	SummarySum     *int      `json:"summary_sum"`
	SummaryCount   int       `json:"summary_count"`
	EngineVersion  string    `json:"engine_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// RescanHit is a run whose new score matched the rescan target.
type RescanHit struct {
	ID       int64  `json:"id"`
	RescanID string `json:"rescan_id"`
	RunID    string `json:"run_id"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
}

// RescanHitsPage represents a paginated list of rescan hits
type RescanHitsPage struct {
	Hits       []RescanHit `json:"hits"`
	TotalCount int         `json:"totalCount"`
	Page       int         `json:"page"`
	PerPage    int         `json:"perPage"`
	TotalPages int         `json:"totalPages"`
}
