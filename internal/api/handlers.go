package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/scan"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

func newBookInfo(b books.Book) BookInfo {
	spec := b.Spec()
	return BookInfo{
		BookSpec:         spec,
		TimeLimitSeconds: spec.TimeLimitSeconds(),
		ReferenceLength:  engine.Length(b.Trail()),
	}
}

func (s *Server) lookupBook(w http.ResponseWriter, r *http.Request, id string) (books.Book, bool) {
	b, ok := s.books.Get(id)
	if !ok {
		s.errorHandler.HandleError(w, r, fmt.Errorf("%w: %q", session.ErrUnknownBook, id), http.StatusNotFound)
		return nil, false
	}
	return b, true
}

func (s *Server) parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleValidationError(w, r, "id", "run id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) requireDB(w http.ResponseWriter, r *http.Request) bool {
	if s.db != nil {
		return true
	}
	apiErr := NewError(ErrTypeServiceUnavailable, "Database not initialized").
		WithRequestID(middleware.GetReqID(r.Context())).
		Build()
	s.errorHandler.HandleError(w, r, apiErr, http.StatusServiceUnavailable)
	return false
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	specs := s.books.List()
	out := make([]BookInfo, 0, len(specs))
	for _, spec := range specs {
		if b, ok := s.books.Get(spec.ID); ok {
			out = append(out, newBookInfo(b))
		}
	}
	s.writeJSON(w, http.StatusOK, BooksResponse{Books: out, EngineVersion: EngineVersion})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBook(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newBookInfo(b))
}

func (s *Server) handleGetTrail(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBook(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, TrailResponse{
		Book:          newBookInfo(b),
		Trail:         b.Trail(),
		EngineVersion: EngineVersion,
	})
}

// handleScore scores a finished path without creating a run. Rejected
// paths score 0 with the reason in the breakdown.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidateScoreRequest(&req, s.books); err != nil {
		s.handleValidation(w, r, err)
		return
	}

	reference := req.Reference
	var spec *books.BookSpec
	if req.BookID != "" {
		b, _ := s.books.Get(req.BookID)
		reference = b.Trail()
		bs := b.Spec()
		spec = &bs
	}

	breakdown := engine.Evaluate(reference, req.Player)
	resp := ScoreResponse{
		Score:         breakdown.Score,
		Breakdown:     breakdown,
		EngineVersion: EngineVersion,
		Echo:          req,
	}
	if spec != nil {
		rw := s.schedule.For(*spec, breakdown.Score)
		resp.Reward = &rw
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidateStartRunRequest(&req); err != nil {
		s.handleValidation(w, r, err)
		return
	}

	b, ok := s.lookupBook(w, r, req.BookID)
	if !ok {
		return
	}
	run, err := s.sessions.Start(req.BookID)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.setOwner(run.ID(), req.PlayerID)

	s.audit.LogAuditEvent(middleware.GetReqID(r.Context()), "run_started", run.ID().String(), "success", map[string]interface{}{
		"book":      req.BookID,
		"player_id": req.PlayerID,
	})

	s.writeJSON(w, http.StatusCreated, StartRunResponse{
		Run:           run.Status(),
		Book:          newBookInfo(b),
		SampleRate:    session.SampleRate,
		EngineVersion: EngineVersion,
	})
}

func positionTS(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// observe applies positions to a run as one batch and stops at the first
// one that finishes it. A run finished by its time limit is finalized here.
func (s *Server) observe(ctx context.Context, requestID string, id uuid.UUID, positions []Position) (PositionsResponse, error) {
	obs := make([]session.Observation, len(positions))
	for i, p := range positions {
		obs[i] = session.Observation{TS: positionTS(p.T), Pos: engine.Point{X: p.X, Y: p.Y}}
	}

	var resp PositionsResponse
	var err error
	resp.Run, resp.Accepted, err = s.sessions.ObserveBatch(id, obs)
	if err != nil {
		return resp, err
	}

	if resp.Run.State == session.StateFinished && resp.Run.Result != nil {
		if fr, ok := s.finalize(ctx, requestID, *resp.Run.Result); ok {
			resp.Finished = fr
		}
	}
	return resp, nil
}

// observeError shapes a rejected batch, carrying how many positions were
// applied before the failure.
func observeError(err error, requestID string, accepted int) (int, APIError) {
	status, errType := classify(err, http.StatusInternalServerError)
	return status, NewError(errType, err.Error()).
		WithRequestID(requestID).
		WithContext("accepted", accepted).
		Build()
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseRunID(w, r)
	if !ok {
		return
	}
	var req PositionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidatePositionsRequest(&req); err != nil {
		s.handleValidation(w, r, err)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	resp, err := s.observe(r.Context(), requestID, id, req.Positions)
	if err != nil {
		status, apiErr := observeError(err, requestID, resp.Accepted)
		s.errorHandler.HandleError(w, r, apiErr, status)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseRunID(w, r)
	if !ok {
		return
	}
	var req FinishRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidateFinishRequest(&req); err != nil {
		s.handleValidation(w, r, err)
		return
	}

	res, err := s.sessions.Finish(id, req.Reason)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	fr, ok := s.finalize(r.Context(), middleware.GetReqID(r.Context()), res)
	if !ok {
		s.errorHandler.HandleError(w, r, session.ErrAlreadyFinished, http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, fr)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseRunID(w, r)
	if !ok {
		return
	}

	var resp RunResponse
	if run, found := s.sessions.Get(id); found {
		st := run.Status()
		resp.Live = &st
	}
	if s.db != nil {
		stored, err := s.db.GetRun(r.Context(), id.String())
		switch {
		case err == nil:
			resp.Stored = stored
		case !errors.Is(err, store.ErrNotFound):
			s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
			return
		}
	}
	if resp.Live == nil && resp.Stored == nil {
		s.errorHandler.HandleError(w, r, session.ErrRunNotFound, http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func runsQuery(r *http.Request) store.RunsQuery {
	return store.RunsQuery{
		BookID:   r.URL.Query().Get("book"),
		PlayerID: r.URL.Query().Get("player"),
		Page:     clampInt(qInt(r, "page", 1), 1, 1_000_000),
		PerPage:  clampInt(qInt(r, "per_page", 50), 1, 500),
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	list, err := s.db.ListRuns(r.Context(), runsQuery(r))
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

var runsCSVHeader = []string{
	"id", "book_id", "player_id", "reason", "score", "tier", "reward",
	"samples", "elapsed_ms", "reported", "archive_key", "engine_version", "created_at",
}

// handleExportRuns streams the filtered run history as CSV, page by page.
func (s *Server) handleExportRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	q := runsQuery(r)
	q.Page = 1
	q.PerPage = 500

	// Fetch the first page before writing so a query error still gets a
	// JSON error response.
	list, err := s.db.ListRuns(r.Context(), q)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ashtrail_runs.csv"`)
	w.Header().Set("X-Engine-Version", EngineVersion)

	cw := csv.NewWriter(w)
	_ = cw.Write(runsCSVHeader)
	for {
		for _, run := range list.Runs {
			if err := cw.Write(runCSVRow(run)); err != nil {
				s.logger.Printf("csv_export_failed request_id=%s err=%v", middleware.GetReqID(r.Context()), err)
				return
			}
		}
		if q.Page >= list.TotalPages {
			break
		}
		q.Page++
		if list, err = s.db.ListRuns(r.Context(), q); err != nil {
			// Headers are gone; the truncated file is all we can do.
			s.logger.Printf("csv_export_failed request_id=%s page=%d err=%v", middleware.GetReqID(r.Context()), q.Page, err)
			break
		}
	}
	cw.Flush()
}

func runCSVRow(run store.Run) []string {
	return []string{
		run.ID,
		run.BookID,
		run.PlayerID,
		run.Reason,
		strconv.Itoa(run.Score),
		run.Tier,
		run.Reward.StringFixed(8),
		strconv.Itoa(run.Samples),
		strconv.FormatInt(run.ElapsedMS, 10),
		strconv.FormatBool(run.Reported),
		run.ArchiveKey,
		run.EngineVersion,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleLeaderboard ranks stored runs for a book, or proxies the DBS2
// backend leaderboard with source=backend.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("book")
	if bookID == "" {
		s.errorHandler.HandleValidationError(w, r, "book", "book is required")
		return
	}
	if _, ok := s.lookupBook(w, r, bookID); !ok {
		return
	}
	limit := clampInt(qInt(r, "limit", 10), 1, 100)
	source := r.URL.Query().Get("source")

	switch source {
	case "", "local":
		if !s.requireDB(w, r) {
			return
		}
		entries, err := s.db.Leaderboard(r.Context(), bookID, limit)
		if err != nil {
			s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, LeaderboardResponse{BookID: bookID, Source: "local", Entries: entries})

	case "backend":
		if s.backend == nil || !s.backend.Configured() {
			apiErr := NewError(ErrTypeServiceUnavailable, "Backend not configured").
				WithRequestID(middleware.GetReqID(r.Context())).
				Build()
			s.errorHandler.HandleError(w, r, apiErr, http.StatusServiceUnavailable)
			return
		}
		remote, err := s.backend.GetLeaderboard(r.Context(), bookID, limit)
		if err != nil {
			apiErr := NewError(ErrTypeUpstream, "Backend leaderboard unavailable").
				WithRequestID(middleware.GetReqID(r.Context())).
				WithCause(err).
				Build()
			s.errorHandler.HandleError(w, r, apiErr, http.StatusBadGateway)
			return
		}
		s.writeJSON(w, http.StatusOK, LeaderboardResponse{BookID: bookID, Source: "backend", Remote: remote})

	default:
		s.errorHandler.HandleValidationError(w, r, "source", "source must be one of: local, backend")
	}
}

func (s *Server) handleRescore(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	requestID := middleware.GetReqID(r.Context())

	var req scan.RescoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidateRescoreRequest(&req, s.books); err != nil {
		s.handleValidation(w, r, err)
		return
	}

	start := time.Now()
	result, err := s.scanner.Rescore(r.Context(), req)
	if err != nil {
		s.audit.LogPerformanceMetrics(requestID, "rescore", time.Since(start), 0, false)
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.audit.LogPerformanceMetrics(requestID, "rescore", time.Since(start), result.Summary.TotalEvaluated, true)

	s.logger.Printf(
		"rescore_completed request_id=%s rescan_id=%s book=%s evaluated=%d hits=%d changed=%d applied=%d timed_out=%t",
		requestID, result.ID, req.BookID, result.Summary.TotalEvaluated, result.Summary.HitsFound,
		result.Summary.Changed, result.Summary.Applied, result.Summary.TimedOut,
	)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRescan(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	rescan, err := s.db.GetRescan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rescan)
}

func (s *Server) handleGetRescanHits(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	page := clampInt(qInt(r, "page", 1), 1, 1_000_000)
	perPage := clampInt(qInt(r, "per_page", 50), 1, 500)
	hits, err := s.db.GetRescanHits(r.Context(), chi.URLParam(r, "id"), page, perPage)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, hits)
}

// handleGhost runs a ghost script to completion and returns its scored
// run. Ghost runs are not persisted or reported.
func (s *Server) handleGhost(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var req GhostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := ValidateGhostRequest(&req, s.books); err != nil {
		s.handleValidation(w, r, err)
		return
	}
	b, _ := s.books.Get(req.BookID)

	runner := s.ghosts
	if req.MaxSpeed > 0 {
		runner.MaxSpeed = req.MaxSpeed
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ghostTimeout)
	defer cancel()

	start := time.Now()
	res, err := runner.Run(ctx, b, req.Script)
	if err != nil {
		s.audit.LogPerformanceMetrics(requestID, "ghost", time.Since(start), 0, false)
		if errors.Is(err, context.DeadlineExceeded) {
			s.errorHandler.HandleTimeoutError(w, r, "ghost", s.ghostTimeout)
			return
		}
		eb := NewError(ErrTypeGhost, "Ghost script failed").
			WithRequestID(requestID).
			WithContext("book", req.BookID).
			WithCause(err)
		if res != nil && len(res.Logs) > 0 {
			eb = eb.WithContext("logs", res.Logs)
		}
		s.errorHandler.HandleError(w, r, eb.Build(), http.StatusBadRequest)
		return
	}
	s.audit.LogPerformanceMetrics(requestID, "ghost", time.Since(start), res.Result.Samples, true)

	s.writeJSON(w, http.StatusOK, GhostResponse{
		GhostResult:   res,
		Reward:        s.schedule.For(b.Spec(), res.Result.Score),
		EngineVersion: EngineVersion,
	})
}
