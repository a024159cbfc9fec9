package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/archive"
	"github.com/dbs2/ashtrail/internal/backend"
	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/scan"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

// lineBook is a straight 10-unit trail along the x axis.
type lineBook struct {
	spec  books.BookSpec
	trail engine.Polyline
}

func (b lineBook) Spec() books.BookSpec   { return b.spec }
func (b lineBook) Trail() engine.Polyline { return b.trail.Clone() }

func newLineBook(id string, limit time.Duration) lineBook {
	trail := make(engine.Polyline, 11)
	for i := range trail {
		trail[i] = engine.Point{X: float64(i)}
	}
	return lineBook{
		spec: books.BookSpec{
			ID:         id,
			Name:       strings.ToUpper(id),
			Difficulty: 1,
			Points:     len(trail),
			TimeLimit:  limit,
			Reward:     decimal.NewFromInt(10),
		},
		trail: trail,
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	configured bool
	submitErr  error
	creditErr  error
	scores     []backend.ScoreSubmission
	credits    []backend.CryptoCredit
	board      []backend.LeaderboardEntry
}

func (f *fakeBackend) Configured() bool { return f.configured }

func (f *fakeBackend) SubmitScore(_ context.Context, sub backend.ScoreSubmission) (*backend.ScoreReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.scores = append(f.scores, sub)
	return &backend.ScoreReceipt{Accepted: true, Best: sub.Score}, nil
}

func (f *fakeBackend) AddCrypto(_ context.Context, playerID string, credit backend.CryptoCredit) (*backend.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return nil, f.creditErr
	}
	f.credits = append(f.credits, credit)
	return &backend.Balance{PlayerID: playerID, Crypto: credit.Amount}, nil
}

func (f *fakeBackend) GetLeaderboard(_ context.Context, book string, limit int) ([]backend.LeaderboardEntry, error) {
	return f.board, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	recs []archive.Recording
	err  error
}

func (f *fakeArchiver) Archive(_ context.Context, rec archive.Recording) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.recs = append(f.recs, rec)
	return "runs/" + rec.RunID + ".json", nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	db       *store.SQLiteDB
	sessions *session.Manager
	backend  *fakeBackend
	archiver *fakeArchiver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := books.NewRegistry(
		newLineBook("line", 10*time.Second),
		newLineBook("short", time.Second),
		books.Wave(),
	)
	sessions := session.NewManager(reg)
	be := &fakeBackend{configured: true}
	arch := &fakeArchiver{}

	s := NewServer(Options{
		DB:       db,
		Books:    reg,
		Sessions: sessions,
		Backend:  be,
		Archiver: arch,
		Logger:   log.New(io.Discard, "", 0),
		Audit:    NewAuditLoggerTo(io.Discard),
	})
	return &testEnv{
		server:   s,
		handler:  s.Routes(),
		db:       db,
		sessions: sessions,
		backend:  be,
		archiver: arch,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d. Body: %s", w.Code, want, w.Body.String())
	}
}

func expectErrorType(t *testing.T, w *httptest.ResponseRecorder, status int, errType string) {
	t.Helper()
	expectStatus(t, w, status)
	if got := w.Header().Get("X-Error-Type"); got != errType {
		t.Errorf("X-Error-Type = %q, want %q", got, errType)
	}
	var apiErr APIError
	decode(t, w, &apiErr)
	if apiErr.Type != errType {
		t.Errorf("error type = %q, want %q (%s)", apiErr.Type, errType, apiErr.Message)
	}
}

// tracePositions walks the line book one tenth of a unit every 50ms.
func tracePositions(from, to int) []Position {
	out := make([]Position, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, Position{T: float64(i * 50), X: float64(i) * 0.1})
	}
	return out
}

func (e *testEnv) startRun(t *testing.T, bookID, playerID string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{BookID: bookID, PlayerID: playerID})
	expectStatus(t, w, http.StatusCreated)
	var resp StartRunResponse
	decode(t, w, &resp)
	if resp.Run.State != session.StatePending {
		t.Fatalf("new run state = %s, want pending", resp.Run.State)
	}
	if resp.SampleRate != session.SampleRate {
		t.Errorf("sample rate = %d, want %d", resp.SampleRate, session.SampleRate)
	}
	return resp.Run.ID.String()
}

func (e *testEnv) traceAndFinish(t *testing.T, playerID string) FinishResponse {
	t.Helper()
	id := e.startRun(t, "line", playerID)

	w := e.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(0, 100)})
	expectStatus(t, w, http.StatusOK)
	var pr PositionsResponse
	decode(t, w, &pr)
	if pr.Accepted != 101 || pr.Finished != nil {
		t.Fatalf("positions: accepted %d, finished %v", pr.Accepted, pr.Finished)
	}

	w = e.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", nil)
	expectStatus(t, w, http.StatusOK)
	var fr FinishResponse
	decode(t, w, &fr)
	return fr
}

func TestBooksEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/books", nil)
	expectStatus(t, w, http.StatusOK)
	var list BooksResponse
	decode(t, w, &list)
	if len(list.Books) != 3 {
		t.Fatalf("expected 3 books, got %d", len(list.Books))
	}

	w = env.do(t, http.MethodGet, "/api/v1/books/wave", nil)
	expectStatus(t, w, http.StatusOK)
	var info BookInfo
	decode(t, w, &info)
	if info.Points != 73 || info.TimeLimitSeconds != 30 {
		t.Errorf("wave: points %d, limit %v", info.Points, info.TimeLimitSeconds)
	}
	if info.ReferenceLength <= 0 {
		t.Errorf("wave reference length = %v", info.ReferenceLength)
	}

	w = env.do(t, http.MethodGet, "/api/v1/books/line/trail", nil)
	expectStatus(t, w, http.StatusOK)
	var trail TrailResponse
	decode(t, w, &trail)
	if len(trail.Trail) != 11 || trail.Book.ReferenceLength != 10 {
		t.Errorf("line trail: %d points, length %v", len(trail.Trail), trail.Book.ReferenceLength)
	}

	w = env.do(t, http.MethodGet, "/api/v1/books/spiral", nil)
	expectErrorType(t, w, http.StatusNotFound, ErrTypeBookNotFound)
}

func TestScoreEndpoint(t *testing.T) {
	env := newTestEnv(t)

	perfect := make(engine.Polyline, 0, 101)
	for _, p := range tracePositions(0, 100) {
		perfect = append(perfect, engine.Point{X: p.X, Y: p.Y})
	}

	t.Run("book reference", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/score", ScoreRequest{BookID: "line", Player: perfect})
		expectStatus(t, w, http.StatusOK)
		var resp ScoreResponse
		decode(t, w, &resp)
		if resp.Score != 100 {
			t.Errorf("score = %d, want 100 (%+v)", resp.Score, resp.Breakdown)
		}
		if resp.Reward == nil || resp.Reward.Tier != reward.TierFull || !resp.Reward.Amount.Equal(decimal.NewFromInt(10)) {
			t.Errorf("reward = %+v, want full 10", resp.Reward)
		}
		if resp.Echo.BookID != "line" || resp.EngineVersion == "" {
			t.Errorf("echo/version missing: %+v", resp)
		}
	})

	t.Run("explicit reference", func(t *testing.T) {
		ref := engine.Polyline{{X: 0}, {X: 10}}
		w := env.do(t, http.MethodPost, "/api/v1/score", ScoreRequest{Reference: ref, Player: perfect})
		expectStatus(t, w, http.StatusOK)
		var resp ScoreResponse
		decode(t, w, &resp)
		if resp.Score != 100 || resp.Reward != nil {
			t.Errorf("score %d reward %+v", resp.Score, resp.Reward)
		}
	})

	t.Run("too few samples", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/score", ScoreRequest{BookID: "line", Player: perfect[:3]})
		expectStatus(t, w, http.StatusOK)
		var resp ScoreResponse
		decode(t, w, &resp)
		if resp.Score != 0 || resp.Breakdown.Rejected != engine.RejectFewSamples {
			t.Errorf("score %d rejected %q", resp.Score, resp.Breakdown.Rejected)
		}
		if resp.Reward.Tier != reward.TierNone || !resp.Reward.Amount.IsZero() {
			t.Errorf("reward = %+v, want none", resp.Reward)
		}
	})

	cases := []struct {
		name string
		body interface{}
	}{
		{"missing reference", ScoreRequest{Player: perfect}},
		{"both references", ScoreRequest{BookID: "line", Reference: engine.Polyline{{}, {X: 1}}, Player: perfect}},
		{"unknown book", ScoreRequest{BookID: "spiral", Player: perfect}},
		{"unknown field", `{"book_id":"line","player":[],"cheat":true}`},
		{"malformed", `{"book_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/score", tc.body)
			expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)

	fr := env.traceAndFinish(t, "player-1")
	if fr.Result.Score != 100 || fr.Result.Reason != session.ReasonCompleted {
		t.Fatalf("result = %+v", fr.Result)
	}
	if fr.Reward.Tier != reward.TierFull || !fr.Reward.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("reward = %+v", fr.Reward)
	}
	if !fr.Persisted || !fr.Reported || fr.ReportError != "" {
		t.Errorf("pipeline flags: persisted %t reported %t err %q", fr.Persisted, fr.Reported, fr.ReportError)
	}
	if fr.PlayerID != "player-1" {
		t.Errorf("player = %q", fr.PlayerID)
	}
	id := fr.Result.RunID.String()
	if fr.ArchiveKey != "runs/"+id+".json" {
		t.Errorf("archive key = %q", fr.ArchiveKey)
	}

	if len(env.backend.scores) != 1 || env.backend.scores[0].Score != 100 || env.backend.scores[0].Book != "line" {
		t.Errorf("submitted scores = %+v", env.backend.scores)
	}
	if len(env.backend.credits) != 1 || env.backend.credits[0].Reason != "ash_trail:full" || env.backend.credits[0].RunID != id {
		t.Errorf("credits = %+v", env.backend.credits)
	}
	if len(env.archiver.recs) != 1 || len(env.archiver.recs[0].Path) != fr.Result.Samples {
		t.Errorf("archived = %+v", env.archiver.recs)
	}

	w := env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	expectStatus(t, w, http.StatusOK)
	var rr RunResponse
	decode(t, w, &rr)
	if rr.Live == nil || rr.Live.State != session.StateFinished {
		t.Errorf("live = %+v", rr.Live)
	}
	if rr.Stored == nil {
		t.Fatal("expected stored run")
	}
	if !rr.Stored.Reported || rr.Stored.ArchiveKey != fr.ArchiveKey || rr.Stored.Score != 100 {
		t.Errorf("stored = %+v", rr.Stored)
	}
	if len(rr.Stored.Path) != fr.Result.Samples {
		t.Errorf("stored path has %d points, want %d", len(rr.Stored.Path), fr.Result.Samples)
	}

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", nil)
	expectErrorType(t, w, http.StatusConflict, ErrTypeRunState)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(101, 102)})
	expectErrorType(t, w, http.StatusConflict, ErrTypeRunState)
}

func TestRunAbortedByClient(t *testing.T) {
	env := newTestEnv(t)
	id := env.startRun(t, "line", "")

	w := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", FinishRequest{})
	expectErrorType(t, w, http.StatusConflict, ErrTypeRunState)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(0, 20)})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", FinishRequest{Reason: session.ReasonAborted})
	expectStatus(t, w, http.StatusOK)
	var fr FinishResponse
	decode(t, w, &fr)
	if fr.Result.Reason != session.ReasonAborted {
		t.Errorf("reason = %s", fr.Result.Reason)
	}
	if fr.Reported || len(env.backend.scores) != 0 {
		t.Error("anonymous runs must not be reported")
	}
	if !fr.Persisted {
		t.Error("anonymous runs are still stored")
	}

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", FinishRequest{Reason: session.ReasonTimeout})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)
}

func TestBackendFailureDoesNotFailRun(t *testing.T) {
	env := newTestEnv(t)
	env.backend.submitErr = errors.New("backend down")
	env.archiver.err = errors.New("bucket gone")

	fr := env.traceAndFinish(t, "player-2")
	if fr.Result.Score != 100 {
		t.Fatalf("score = %d", fr.Result.Score)
	}
	if !fr.Persisted || fr.Reported {
		t.Errorf("persisted %t reported %t", fr.Persisted, fr.Reported)
	}
	if !strings.Contains(fr.ReportError, "submit score: backend down") {
		t.Errorf("report error = %q", fr.ReportError)
	}
	if fr.ArchiveKey != "" {
		t.Errorf("archive key = %q, want none", fr.ArchiveKey)
	}

	stored, err := env.db.GetRun(context.Background(), fr.Result.RunID.String())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Reported || stored.ReportError != fr.ReportError {
		t.Errorf("stored reported %t error %q", stored.Reported, stored.ReportError)
	}

	st, err := env.db.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Unreported != 1 {
		t.Errorf("unreported = %d, want 1", st.Unreported)
	}
}

func TestCreditFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.backend.creditErr = errors.New("ledger locked")

	fr := env.traceAndFinish(t, "player-3")
	if fr.Reported || !strings.HasPrefix(fr.ReportError, "add crypto:") {
		t.Errorf("reported %t error %q", fr.Reported, fr.ReportError)
	}
	if len(env.backend.scores) != 1 {
		t.Errorf("score should still be submitted, got %d", len(env.backend.scores))
	}
}

func TestPositionsTimeoutFinalizesRun(t *testing.T) {
	env := newTestEnv(t)
	id := env.startRun(t, "short", "player-4")

	w := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(0, 40)})
	expectStatus(t, w, http.StatusOK)
	var pr PositionsResponse
	decode(t, w, &pr)

	// The limit is 1s; the position at 1050ms finishes the run without
	// being recorded.
	if pr.Accepted != 21 {
		t.Errorf("accepted = %d, want 21", pr.Accepted)
	}
	if pr.Run.Result == nil || pr.Run.Result.Samples != 21 {
		t.Errorf("result = %+v, want 21 samples", pr.Run.Result)
	}
	if pr.Run.State != session.StateFinished || pr.Finished == nil {
		t.Fatalf("run not finished: %+v", pr)
	}
	if pr.Finished.Result.Reason != session.ReasonTimeout || !pr.Finished.Persisted {
		t.Errorf("finished = %+v", pr.Finished)
	}

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/finish", nil)
	expectErrorType(t, w, http.StatusConflict, ErrTypeRunState)
}

func (e *testEnv) liveStatus(t *testing.T, id string) session.Status {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	expectStatus(t, w, http.StatusOK)
	var rr RunResponse
	decode(t, w, &rr)
	if rr.Live == nil {
		t.Fatalf("run %s has no live status", id)
	}
	return *rr.Live
}

func TestRejectedBatchLeavesRunUntouched(t *testing.T) {
	env := newTestEnv(t)
	id := env.startRun(t, "line", "")

	w := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: []Position{
		{T: 500, X: 3},
		{T: 100, X: 1},
	}})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	st := env.liveStatus(t, id)
	if st.State != session.StatePending || st.Samples != 0 {
		t.Fatalf("after a rejected batch: state=%s samples=%d", st.State, st.Samples)
	}

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(0, 10)})
	expectStatus(t, w, http.StatusOK)
	before := env.liveStatus(t, id)

	// Ordered within itself but earlier than the run's clock.
	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: []Position{
		{T: 200, X: 0.4},
		{T: 900, X: 1.8},
	}})
	expectStatus(t, w, http.StatusBadRequest)
	if got := w.Header().Get("X-Error-Type"); got != ErrTypeInvalidPath {
		t.Errorf("X-Error-Type = %q, want %q", got, ErrTypeInvalidPath)
	}
	var apiErr APIError
	decode(t, w, &apiErr)
	if accepted, ok := apiErr.Context["accepted"].(float64); !ok || accepted != 0 {
		t.Errorf("context = %v, want accepted=0", apiErr.Context)
	}

	after := env.liveStatus(t, id)
	if after.Samples != before.Samples || after.Elapsed != before.Elapsed {
		t.Errorf("run changed: before %+v after %+v", before, after)
	}
}

func TestPositionsValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.startRun(t, "line", "")

	w := env.do(t, http.MethodPost, "/api/v1/runs/not-a-uuid/positions", PositionsRequest{Positions: tracePositions(0, 1)})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/runs/6f1c2d7e-0000-4000-8000-000000000000/positions", PositionsRequest{Positions: tracePositions(0, 1)})
	expectErrorType(t, w, http.StatusNotFound, ErrTypeRunNotFound)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: []Position{{T: -1}}})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: []Position{{T: 500}, {T: 100, X: 1}}})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeInvalidPath)

	w = env.do(t, http.MethodGet, "/api/v1/runs/6f1c2d7e-0000-4000-8000-000000000000", nil)
	expectErrorType(t, w, http.StatusNotFound, ErrTypeRunNotFound)
}

func TestStartRunValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{BookID: "spiral"})
	expectErrorType(t, w, http.StatusNotFound, ErrTypeBookNotFound)

	w = env.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{BookID: "line", PlayerID: strings.Repeat("p", 200)})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)
}

func TestListAndExportRuns(t *testing.T) {
	env := newTestEnv(t)
	env.traceAndFinish(t, "alice")
	env.traceAndFinish(t, "bob")

	w := env.do(t, http.MethodGet, "/api/v1/runs?book=line&per_page=1", nil)
	expectStatus(t, w, http.StatusOK)
	var list store.RunsList
	decode(t, w, &list)
	if list.TotalCount != 2 || len(list.Runs) != 1 || list.TotalPages != 2 {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/runs?player=bob", nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &list)
	if list.TotalCount != 1 || list.Runs[0].PlayerID != "bob" {
		t.Errorf("player filter = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/runs/export.csv?book=line", nil)
	expectStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[0][4] != "score" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][4] != "100" || rows[1][6] != "10.00000000" || rows[1][9] != "true" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	env.traceAndFinish(t, "alice")

	w := env.do(t, http.MethodGet, "/api/v1/leaderboard?book=line&limit=5", nil)
	expectStatus(t, w, http.StatusOK)
	var lb LeaderboardResponse
	decode(t, w, &lb)
	if lb.Source != "local" || len(lb.Entries) != 1 || lb.Entries[0].PlayerID != "alice" || lb.Entries[0].Rank != 1 {
		t.Errorf("local leaderboard = %+v", lb)
	}

	env.backend.board = []backend.LeaderboardEntry{{Rank: 1, PlayerID: "zed", Username: "Zed", Score: 99}}
	w = env.do(t, http.MethodGet, "/api/v1/leaderboard?book=line&source=backend", nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &lb)
	if lb.Source != "backend" || len(lb.Remote) != 1 || lb.Remote[0].Username != "Zed" {
		t.Errorf("backend leaderboard = %+v", lb)
	}

	w = env.do(t, http.MethodGet, "/api/v1/leaderboard", nil)
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodGet, "/api/v1/leaderboard?book=line&source=moon", nil)
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	env.backend.configured = false
	w = env.do(t, http.MethodGet, "/api/v1/leaderboard?book=line&source=backend", nil)
	expectErrorType(t, w, http.StatusServiceUnavailable, ErrTypeServiceUnavailable)
}

func TestRescoreEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.traceAndFinish(t, "alice")

	w := env.do(t, http.MethodPost, "/api/v1/rescore", scan.RescoreRequest{BookID: "line", TargetOp: scan.OpGreaterEqual, TargetVal: 90})
	expectStatus(t, w, http.StatusOK)
	var res scan.RescoreResult
	decode(t, w, &res)
	if res.Summary.TotalEvaluated != 1 || res.Summary.HitsFound != 1 || res.Summary.Changed != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.ID == "" {
		t.Fatal("expected rescan id")
	}

	w = env.do(t, http.MethodGet, "/api/v1/rescans/"+res.ID, nil)
	expectStatus(t, w, http.StatusOK)
	var rescan store.Rescan
	decode(t, w, &rescan)
	if rescan.HitCount != 1 || rescan.TargetOp != "ge" {
		t.Errorf("rescan = %+v", rescan)
	}

	w = env.do(t, http.MethodGet, "/api/v1/rescans/"+res.ID+"/hits", nil)
	expectStatus(t, w, http.StatusOK)
	var hits store.RescanHitsPage
	decode(t, w, &hits)
	if hits.TotalCount != 1 || hits.Hits[0].NewScore != 100 {
		t.Errorf("hits = %+v", hits)
	}

	w = env.do(t, http.MethodPost, "/api/v1/rescore", scan.RescoreRequest{TargetOp: "approx"})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/rescore", scan.RescoreRequest{TargetOp: scan.OpBetween, TargetVal: 80, TargetVal2: 20})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodGet, "/api/v1/rescans/missing", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestGhostEndpoint(t *testing.T) {
	env := newTestEnv(t)

	script := `
		log("ghost on " + book.id);
		function steer(t, x, y) {
			if (x >= 10) return null;
			return {x: 5, y: 0};
		}`
	w := env.do(t, http.MethodPost, "/api/v1/ghosts", GhostRequest{BookID: "line", Script: script})
	expectStatus(t, w, http.StatusOK)
	var resp GhostResponse
	decode(t, w, &resp)
	if resp.GhostResult == nil {
		t.Fatal("missing ghost result")
	}
	if resp.Result.Score < 95 || resp.Result.Reason != session.ReasonCompleted {
		t.Errorf("ghost result = %+v", resp.Result)
	}
	if resp.Reward.Tier != reward.TierFull {
		t.Errorf("reward = %+v", resp.Reward)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Message != "ghost on line" {
		t.Errorf("logs = %+v", resp.Logs)
	}

	n, err := env.db.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n.Runs != 0 {
		t.Errorf("ghost runs must not be stored, found %d", n.Runs)
	}

	w = env.do(t, http.MethodPost, "/api/v1/ghosts", GhostRequest{BookID: "line", Script: "function steer( {"})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeGhost)

	w = env.do(t, http.MethodPost, "/api/v1/ghosts", GhostRequest{BookID: "line", Script: "var x = 1;"})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeGhost)

	w = env.do(t, http.MethodPost, "/api/v1/ghosts", GhostRequest{BookID: "line"})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)

	w = env.do(t, http.MethodPost, "/api/v1/ghosts", GhostRequest{BookID: "line", Script: script, MaxSpeed: 500})
	expectErrorType(t, w, http.StatusBadRequest, ErrTypeValidation)
}

func TestSweepFinalizesAbandonedRuns(t *testing.T) {
	env := newTestEnv(t)
	id := env.startRun(t, "line", "player-5")

	w := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/positions", PositionsRequest{Positions: tracePositions(0, 30)})
	expectStatus(t, w, http.StatusOK)

	// Any running run is overdue with a negative grace.
	env.sessions.Grace = -time.Hour
	env.server.sweep(context.Background())

	stored, err := env.db.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("swept run not stored: %v", err)
	}
	if stored.Reason != string(session.ReasonTimeout) || stored.PlayerID != "player-5" {
		t.Errorf("stored = %+v", stored)
	}
	if len(env.backend.scores) != 1 {
		t.Errorf("swept run should be reported, got %d submissions", len(env.backend.scores))
	}

	// A second sweep finds nothing left to finalize.
	env.server.sweep(context.Background())
	if len(env.backend.scores) != 1 {
		t.Errorf("run reported twice")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.traceAndFinish(t, "alice")

	w := env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)
	var health HealthCheckResponse
	decode(t, w, &health)
	if health.Status != HealthStatusHealthy {
		t.Errorf("health = %s (%+v)", health.Status, health.Checks)
	}
	for _, name := range []string{"books", "database", "backend", "archive"} {
		if _, ok := health.Checks[name]; !ok {
			t.Errorf("missing %s check", name)
		}
	}

	env.backend.configured = false
	w = env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &health)
	if health.Status != HealthStatusDegraded {
		t.Errorf("health without backend = %s", health.Status)
	}

	w = env.do(t, http.MethodGet, "/health/ready", nil)
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, http.MethodGet, "/health/live", nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, w, http.StatusOK)
	var m MetricsResponse
	decode(t, w, &m)
	if m.ActiveRuns != 1 || m.StoredRuns != 1 || m.AvgScore != 100 {
		t.Errorf("metrics = %+v", m)
	}
	op, ok := m.Operations["POST /api/v1/runs/{id}/positions"]
	if !ok || op.TotalRequests != 1 || op.SuccessRequests != 1 {
		t.Errorf("positions metrics = %+v (ok=%t)", op, ok)
	}

	w = env.do(t, http.MethodGet, "/version", nil)
	expectStatus(t, w, http.StatusOK)
	var v VersionInfo
	decode(t, w, &v)
	if v.EngineVersion != EngineVersion {
		t.Errorf("version = %+v", v)
	}
}

func TestReadinessWithoutDatabase(t *testing.T) {
	s := NewServer(Options{
		Logger: log.New(io.Discard, "", 0),
		Audit:  NewAuditLoggerTo(io.Discard),
	})
	h := s.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("X-Error-Type") != ErrTypeServiceUnavailable {
		t.Errorf("runs without db: %d %s", w.Code, w.Header().Get("X-Error-Type"))
	}
}

func TestCORS(t *testing.T) {
	s := NewServer(Options{
		CORSOrigins: []string{"https://dbs2.example"},
		Logger:      log.New(io.Discard, "", 0),
		Audit:       NewAuditLoggerTo(io.Discard),
	})
	h := s.Routes()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/books", nil)
	req.Header.Set("Origin", "https://dbs2.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "https://dbs2.example" {
		t.Errorf("preflight: %d %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestAuditLoggerRedacts(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLoggerTo(&buf)
	al.LogSecurityEvent("req-1", "validation_failure", "bad token", map[string]interface{}{
		"token":     "secret-value",
		"player_id": "alice",
		"script":    "function steer() {}",
	}, "127.0.0.1")

	out := buf.String()
	if strings.Contains(out, "secret-value") || strings.Contains(out, "alice") || strings.Contains(out, "steer") {
		t.Errorf("audit log leaked data: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, "player_id_hash") || !strings.Contains(out, fmt.Sprintf("script_bytes:%d", len("function steer() {}"))) {
		t.Errorf("audit log missing sanitized fields: %s", out)
	}
}
