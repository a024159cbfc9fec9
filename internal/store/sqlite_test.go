package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/engine"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRun(id, book, player string, score int, offset time.Duration) *Run {
	return &Run{
		ID:            id,
		BookID:        book,
		PlayerID:      player,
		Reason:        "completed",
		Score:         score,
		Tier:          "none",
		Reward:        decimal.Zero,
		Samples:       3,
		ElapsedMS:     1500,
		Path:          engine.Polyline{{X: 0, Y: 0}, {X: 1, Y: 0.5}, {X: 2, Y: 1}},
		EngineVersion: "test",
		CreatedAt:     baseTime.Add(offset),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	run := testRun("run-1", "wave", "p1", 87, 0)
	run.Tier = "full"
	run.Reward = decimal.RequireFromString("10.5")
	run.BreakdownJSON = `{"score":87}`
	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Score != 87 || got.Tier != "full" || got.BookID != "wave" || got.PlayerID != "p1" {
		t.Errorf("unexpected run %+v", got)
	}
	if !got.Reward.Equal(run.Reward) {
		t.Errorf("reward = %s, want %s", got.Reward, run.Reward)
	}
	if len(got.Path) != 3 || got.Path[1] != (engine.Point{X: 1, Y: 0.5}) {
		t.Errorf("path not round-tripped: %v", got.Path)
	}
	if got.BreakdownJSON != `{"score":87}` {
		t.Errorf("breakdown = %s", got.BreakdownJSON)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.Reported {
		t.Error("new runs must not be marked reported")
	}

	if _, err := db.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRunAssignsID(t *testing.T) {
	db := newTestDB(t)
	run := testRun("", "wave", "", 0, 0)
	run.Path = nil
	if err := db.SaveRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if run.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := db.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Path) != 0 {
		t.Errorf("expected empty path, got %v", got.Path)
	}
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	runs := []*Run{
		testRun("run1", "wave", "p1", 40, 1*time.Minute),
		testRun("run2", "cross", "p2", 60, 2*time.Minute),
		testRun("run3", "wave", "p2", 90, 3*time.Minute),
	}
	for _, run := range runs {
		if err := db.SaveRun(ctx, run); err != nil {
			t.Fatalf("Failed to save run %s: %v", run.ID, err)
		}
	}

	result, err := db.ListRuns(ctx, RunsQuery{Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if result.TotalCount != 3 || len(result.Runs) != 3 {
		t.Fatalf("expected 3 runs, got %d/%d", result.TotalCount, len(result.Runs))
	}
	if result.Runs[0].ID != "run3" {
		t.Errorf("expected newest first, got %s", result.Runs[0].ID)
	}
	if result.Runs[0].Path != nil {
		t.Error("list should not load paths")
	}

	result, err = db.ListRuns(ctx, RunsQuery{BookID: "wave", Page: 1, PerPage: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalCount != 2 || result.TotalPages != 2 || len(result.Runs) != 1 {
		t.Errorf("unexpected filtered page %+v", result)
	}

	result, err = db.ListRuns(ctx, RunsQuery{PlayerID: "p2", BookID: "wave"})
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalCount != 1 || result.Runs[0].ID != "run3" {
		t.Errorf("unexpected player filter result %+v", result)
	}
	if result.PerPage != defaultPerPage || result.Page != 1 {
		t.Errorf("expected default pagination, got page %d perPage %d", result.Page, result.PerPage)
	}

	result, err = db.ListRuns(ctx, RunsQuery{BookID: "heart"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Runs == nil || len(result.Runs) != 0 {
		t.Errorf("expected empty non-nil list, got %v", result.Runs)
	}
}

func TestMarkReportedAndArchiveKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.SaveRun(ctx, testRun("r", "wave", "p", 70, 0)); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkReported(ctx, "r", "backend unavailable"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetRun(ctx, "r")
	if got.Reported || got.ReportError != "backend unavailable" {
		t.Errorf("expected failed report recorded, got %+v", got)
	}

	if err := db.MarkReported(ctx, "r", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.SetArchiveKey(ctx, "r", "runs/r.json"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetRun(ctx, "r")
	if !got.Reported || got.ReportError != "" || got.ArchiveKey != "runs/r.json" {
		t.Errorf("unexpected run after report %+v", got)
	}

	if err := db.MarkReported(ctx, "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Runs != 1 || stats.Reported != 1 || stats.Unreported != 0 || stats.AvgScore != 70 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestUpdateScore(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.SaveRun(ctx, testRun("r", "wave", "p", 45, 0)); err != nil {
		t.Fatal(err)
	}

	err := db.UpdateScore(ctx, "r", ScoreUpdate{
		Score:         55,
		Tier:          "partial",
		Reward:        decimal.NewFromInt(5),
		BreakdownJSON: `{"score":55}`,
		EngineVersion: "next",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetRun(ctx, "r")
	if got.Score != 55 || got.Tier != "partial" || !got.Reward.Equal(decimal.NewFromInt(5)) || got.EngineVersion != "next" {
		t.Errorf("unexpected run after update %+v", got)
	}
	if err := db.UpdateScore(ctx, "nope", ScoreUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLeaderboardAndRunsForBook(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for i, r := range []*Run{
		testRun("a", "wave", "p1", 70, 1*time.Minute),
		testRun("b", "wave", "p2", 95, 2*time.Minute),
		testRun("c", "wave", "p3", 70, 0),
		testRun("d", "wave", "p4", 0, 3*time.Minute),
		testRun("e", "cross", "p1", 99, 4*time.Minute),
	} {
		if err := db.SaveRun(ctx, r); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	board, err := db.Leaderboard(ctx, "wave", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "c", "a"}
	if len(board) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), board)
	}
	for i, id := range want {
		if board[i].RunID != id || board[i].Rank != i+1 {
			t.Errorf("rank %d: got %+v, want run %s", i+1, board[i], id)
		}
	}

	runs, err := db.RunsForBook(ctx, "wave", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 4 || runs[0].ID != "c" || len(runs[0].Path) != 3 {
		t.Errorf("unexpected runs for book: %d runs, first %+v", len(runs), runs[0])
	}
	all, err := db.RunsForBook(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected limit to apply, got %d", len(all))
	}
}

func TestLeaderboardOneEntryPerPlayer(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for i, r := range []*Run{
		testRun("a1", "wave", "p1", 99, 0),
		testRun("a2", "wave", "p1", 98, 1*time.Minute),
		testRun("a3", "wave", "p1", 99, 2*time.Minute),
		testRun("b1", "wave", "p2", 60, 3*time.Minute),
		testRun("n1", "wave", "", 80, 4*time.Minute),
		testRun("n2", "wave", "", 50, 5*time.Minute),
		testRun("x1", "cross", "p2", 100, 6*time.Minute),
	} {
		if err := db.SaveRun(ctx, r); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	board, err := db.Leaderboard(ctx, "wave", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a1", "n1", "b1", "n2"}
	if len(board) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), board)
	}
	for i, id := range want {
		if board[i].RunID != id || board[i].Rank != i+1 {
			t.Errorf("rank %d: got %+v, want run %s", i+1, board[i], id)
		}
	}

	top, err := db.Leaderboard(ctx, "wave", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].PlayerID != "p1" || top[1].RunID != "n1" {
		t.Errorf("top two = %+v", top)
	}
}

func TestRescanRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	lo, hi, sum := 10, 90, 150
	rescan := &Rescan{
		BookID:         "wave",
		TargetOp:       "ge",
		TargetVal:      50,
		HitLimit:       100,
		TotalEvaluated: 3,
		HitCount:       2,
		ChangedCount:   1,
		SummaryMin:     &lo,
		SummaryMax:     &hi,
		SummarySum:     &sum,
		SummaryCount:   3,
		EngineVersion:  "test",
	}
	hits := []RescanHit{
		{RunID: "a", OldScore: 48, NewScore: 50},
		{RunID: "b", OldScore: 90, NewScore: 90},
	}
	if err := db.SaveRescan(ctx, rescan, hits); err != nil {
		t.Fatal(err)
	}
	if rescan.ID == "" {
		t.Fatal("expected generated rescan id")
	}

	got, err := db.GetRescan(ctx, rescan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TargetOp != "ge" || *got.SummaryMax != 90 || got.HitCount != 2 || got.TimedOut {
		t.Errorf("unexpected rescan %+v", got)
	}

	page, err := db.GetRescanHits(ctx, rescan.ID, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 2 || page.TotalPages != 2 || page.Hits[0].RunID != "b" {
		t.Errorf("unexpected hits page %+v", page)
	}

	if _, err := db.GetRescan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ashtrail.db")

	db, err := NewSQLiteDB(path)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Failed to migrate (pass %d): %v", i+1, err)
		}
	}

	if err := db.SaveRun(ctx, testRun("migration-test", "wave", "", 10, 0)); err != nil {
		t.Fatalf("Failed to save run after multiple migrations: %v", err)
	}
	if _, err := db.GetRun(ctx, "migration-test"); err != nil {
		t.Fatalf("Failed to get run after multiple migrations: %v", err)
	}
}
