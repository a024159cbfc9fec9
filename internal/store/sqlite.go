package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dbs2/ashtrail/internal/engine"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

// SQLiteDB implements the DB interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite is not concurrent for writes, and every :memory: connection
	// would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	return &SQLiteDB{db: db}, nil
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*SQLiteDB, error) {
	s, err := NewSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending schema migrations.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const runColumns = `id, book_id, player_id, reason, score, tier, reward, samples, elapsed_ms,
	breakdown_json, reported, report_error, archive_key, engine_version, created_at`

// SaveRun inserts a run. An empty ID is filled with a new UUID and a zero
// CreatedAt with the current time.
func (s *SQLiteDB) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if run.BreakdownJSON == "" {
		run.BreakdownJSON = "{}"
	}
	path := run.Path
	if path == nil {
		path = engine.Polyline{}
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("encode path: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (
		id, book_id, player_id, reason, score, tier, reward, samples, elapsed_ms,
		breakdown_json, path_json, reported, report_error, archive_key, engine_version, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BookID, run.PlayerID, run.Reason, run.Score, run.Tier, run.Reward.String(),
		run.Samples, run.ElapsedMS, run.BreakdownJSON, string(pathJSON), boolInt(run.Reported),
		run.ReportError, run.ArchiveKey, run.EngineVersion, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, withPath bool) (Run, error) {
	var run Run
	var reported int
	var reward string
	var pathJSON string

	dest := []any{
		&run.ID, &run.BookID, &run.PlayerID, &run.Reason, &run.Score, &run.Tier, &reward,
		&run.Samples, &run.ElapsedMS, &run.BreakdownJSON, &reported, &run.ReportError,
		&run.ArchiveKey, &run.EngineVersion, &run.CreatedAt,
	}
	if withPath {
		dest = append(dest, &pathJSON)
	}
	if err := row.Scan(dest...); err != nil {
		return Run{}, err
	}

	if err := run.Reward.UnmarshalText([]byte(reward)); err != nil {
		return Run{}, fmt.Errorf("decode reward: %w", err)
	}
	run.Reported = reported == 1
	if withPath {
		if err := json.Unmarshal([]byte(pathJSON), &run.Path); err != nil {
			return Run{}, fmt.Errorf("decode path: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves a run, including its player path, by ID.
func (s *SQLiteDB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+`, path_json FROM runs WHERE id = ?`, id)
	run, err := scanRun(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves runs with pagination and filtering. Paths are not
// loaded.
func (s *SQLiteDB) ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error) {
	whereClause := "WHERE 1=1"
	args := []any{}
	if query.BookID != "" {
		whereClause += " AND book_id = ?"
		args = append(args, query.BookID)
	}
	if query.PlayerID != "" {
		whereClause += " AND player_id = ?"
		args = append(args, query.PlayerID)
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+whereClause, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	page, perPage := normalizePage(query.Page, query.PerPage)
	offset := (page - 1) * perPage

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs `+whereClause+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, perPage, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return &RunsList{
		Runs:       runs,
		TotalCount: totalCount,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (totalCount + perPage - 1) / perPage,
	}, nil
}

// RunsForBook returns up to limit runs with their paths, oldest first. An
// empty bookID matches every book; a non-positive limit means no limit.
func (s *SQLiteDB) RunsForBook(ctx context.Context, bookID string, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + `, path_json FROM runs`
	args := []any{}
	if bookID != "" {
		q += ` WHERE book_id = ?`
		args = append(args, bookID)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkReported records the outcome of reporting a run to the backend. An
// empty reportErr marks the run as reported.
func (s *SQLiteDB) MarkReported(ctx context.Context, id string, reportErr string) error {
	return s.execOne(ctx, `UPDATE runs SET reported = ?, report_error = ? WHERE id = ?`,
		id, boolInt(reportErr == ""), reportErr, id)
}

// SetArchiveKey records where a run's recording was archived.
func (s *SQLiteDB) SetArchiveKey(ctx context.Context, id, key string) error {
	return s.execOne(ctx, `UPDATE runs SET archive_key = ? WHERE id = ?`, id, key, id)
}

// UpdateScore rewrites the score fields of a run.
func (s *SQLiteDB) UpdateScore(ctx context.Context, id string, u ScoreUpdate) error {
	if u.BreakdownJSON == "" {
		u.BreakdownJSON = "{}"
	}
	return s.execOne(ctx, `UPDATE runs SET score = ?, tier = ?, reward = ?, breakdown_json = ?, engine_version = ?
		WHERE id = ?`, id, u.Score, u.Tier, u.Reward.String(), u.BreakdownJSON, u.EngineVersion, id)
}

func (s *SQLiteDB) execOne(ctx context.Context, query, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Leaderboard ranks players on a book by their best run. Ties go to the
// earlier run. Runs without a player id are ranked individually.
func (s *SQLiteDB) Leaderboard(ctx context.Context, bookID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxPerPage {
		limit = maxPerPage
	}

	rows, err := s.db.QueryContext(ctx, `SELECT r.id, r.player_id, r.score, r.created_at FROM runs r
		WHERE r.book_id = ? AND r.score > 0
		AND (r.player_id = '' OR NOT EXISTS (
			SELECT 1 FROM runs o
			WHERE o.book_id = r.book_id AND o.player_id = r.player_id AND o.score > 0
			AND (o.score > r.score
				OR (o.score = r.score AND o.created_at < r.created_at)
				OR (o.score = r.score AND o.created_at = r.created_at AND o.id < r.id))))
		ORDER BY r.score DESC, r.created_at ASC LIMIT ?`, bookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []LeaderboardEntry{}
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.RunID, &e.PlayerID, &e.Score, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates every stored run.
func (s *SQLiteDB) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(reported), 0), AVG(score) FROM runs`).
		Scan(&st.Runs, &st.Reported, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	st.Unreported = st.Runs - st.Reported
	if avg.Valid {
		st.AvgScore = avg.Float64
	}
	return &st, nil
}

// SaveRescan stores a rescan and its hits in one transaction.
func (s *SQLiteDB) SaveRescan(ctx context.Context, rescan *Rescan, hits []RescanHit) error {
	if rescan.ID == "" {
		rescan.ID = uuid.New().String()
	}
	if rescan.CreatedAt.IsZero() {
		rescan.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO rescans (
		id, book_id, target_op, target_val, target_val2, hit_limit, timed_out, total_evaluated,
		hit_count, changed_count, summary_min, summary_max, summary_sum, summary_count,
		engine_version, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rescan.ID, rescan.BookID, rescan.TargetOp, rescan.TargetVal, rescan.TargetVal2,
		rescan.HitLimit, boolInt(rescan.TimedOut), rescan.TotalEvaluated, rescan.HitCount,
		rescan.ChangedCount, rescan.SummaryMin, rescan.SummaryMax, rescan.SummarySum,
		rescan.SummaryCount, rescan.EngineVersion, rescan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rescan: %w", err)
	}

	if len(hits) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO rescan_hits (rescan_id, run_id, old_score, new_score) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, h := range hits {
			if _, err := stmt.ExecContext(ctx, rescan.ID, h.RunID, h.OldScore, h.NewScore); err != nil {
				return fmt.Errorf("failed to save rescan hit: %w", err)
			}
		}
	}
	return tx.Commit()
}

// GetRescan retrieves a rescan by ID.
func (s *SQLiteDB) GetRescan(ctx context.Context, id string) (*Rescan, error) {
	var r Rescan
	var timedOut int
	var summaryMin, summaryMax, summarySum sql.NullInt64

	err := s.db.QueryRowContext(ctx, `SELECT
		id, book_id, target_op, target_val, target_val2, hit_limit, timed_out, total_evaluated,
		hit_count, changed_count, summary_min, summary_max, summary_sum, summary_count,
		engine_version, created_at
		FROM rescans WHERE id = ?`, id).Scan(
		&r.ID, &r.BookID, &r.TargetOp, &r.TargetVal, &r.TargetVal2, &r.HitLimit, &timedOut,
		&r.TotalEvaluated, &r.HitCount, &r.ChangedCount, &summaryMin, &summaryMax, &summarySum,
		&r.SummaryCount, &r.EngineVersion, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rescan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.TimedOut = timedOut == 1
	r.SummaryMin = nullInt(summaryMin)
	r.SummaryMax = nullInt(summaryMax)
	r.SummarySum = nullInt(summarySum)
	return &r, nil
}

// GetRescanHits returns a page of rescan hits ordered by new score.
func (s *SQLiteDB) GetRescanHits(ctx context.Context, rescanID string, page, perPage int) (*RescanHitsPage, error) {
	var totalCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rescan_hits WHERE rescan_id = ?`, rescanID).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count rescan hits: %w", err)
	}

	page, perPage = normalizePage(page, perPage)
	rows, err := s.db.QueryContext(ctx, `SELECT id, rescan_id, run_id, old_score, new_score
		FROM rescan_hits WHERE rescan_id = ?
		ORDER BY new_score DESC, id ASC LIMIT ? OFFSET ?`, rescanID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to query rescan hits: %w", err)
	}
	defer rows.Close()

	hits := []RescanHit{}
	for rows.Next() {
		var h RescanHit
		if err := rows.Scan(&h.ID, &h.RescanID, &h.RunID, &h.OldScore, &h.NewScore); err != nil {
			return nil, fmt.Errorf("failed to scan rescan hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &RescanHitsPage{
		Hits:       hits,
		TotalCount: totalCount,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (totalCount + perPage - 1) / perPage,
	}, nil
}

func normalizePage(page, perPage int) (int, int) {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return page, perPage
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
