// Package api serves Ash Trail over HTTP: book metadata, stateless scoring,
// live runs (REST and websocket), history, leaderboards, batch re-scoring
// and ghost scripts.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dbs2/ashtrail/internal/archive"
	"github.com/dbs2/ashtrail/internal/backend"
	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/scan"
	"github.com/dbs2/ashtrail/internal/scripting"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

// Backend is the part of the DBS2 backend client the server reports to.
type Backend interface {
	Configured() bool
	SubmitScore(ctx context.Context, sub backend.ScoreSubmission) (*backend.ScoreReceipt, error)
	AddCrypto(ctx context.Context, playerID string, credit backend.CryptoCredit) (*backend.Balance, error)
	GetLeaderboard(ctx context.Context, book string, limit int) ([]backend.LeaderboardEntry, error)
}

// Archiver stores finished run recordings.
type Archiver interface {
	Archive(ctx context.Context, rec archive.Recording) (string, error)
}

// Options configures a Server. DB is required; everything else has a
// default.
type Options struct {
	DB       store.DB
	Books    *books.Registry
	Sessions *session.Manager
	Schedule reward.Schedule

	// Backend and Archiver are optional.
	Backend  Backend
	Archiver Archiver

	Ghosts       scripting.Runner
	GhostTimeout time.Duration
	ScanWorkers  int

	RequestTimeout time.Duration
	ReportTimeout  time.Duration
	CORSOrigins    []string

	Logger *log.Logger
	Audit  *AuditLogger
}

// Server handles HTTP requests
type Server struct {
	db       store.DB
	books    *books.Registry
	sessions *session.Manager
	schedule reward.Schedule
	backend  Backend
	archiver Archiver
	scanner  *scan.Scanner
	ghosts   scripting.Runner

	ghostTimeout   time.Duration
	requestTimeout time.Duration
	reportTimeout  time.Duration
	corsOrigins    []string

	errorHandler *ErrorHandler
	logger       *log.Logger
	audit        *AuditLogger
	metrics      *opMetrics
	upgrader     websocket.Upgrader
	startTime    time.Time

	// owners maps runs that have not been finalized yet to their player.
	ownersMu sync.Mutex
	owners   map[uuid.UUID]string
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Books == nil {
		opts.Books = books.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(opts.Books)
	}
	if !opts.Schedule.PartialShare.IsPositive() {
		opts.Schedule = reward.NewSchedule(opts.Schedule.PartialShare)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[API] ", log.LstdFlags|log.Lshortfile)
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditLogger()
	}
	if opts.GhostTimeout <= 0 {
		opts.GhostTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		db:             opts.DB,
		books:          opts.Books,
		sessions:       opts.Sessions,
		schedule:       opts.Schedule,
		backend:        opts.Backend,
		archiver:       opts.Archiver,
		ghosts:         opts.Ghosts,
		ghostTimeout:   opts.GhostTimeout,
		requestTimeout: opts.RequestTimeout,
		reportTimeout:  opts.ReportTimeout,
		corsOrigins:    opts.CORSOrigins,
		errorHandler:   NewErrorHandler(opts.Logger, opts.Audit),
		logger:         opts.Logger,
		audit:          opts.Audit,
		metrics:        newOpMetrics(),
		startTime:      time.Now(),
		owners:         make(map[uuid.UUID]string),
	}
	if opts.DB != nil {
		s.scanner = scan.NewScanner(opts.DB, opts.Books, opts.Schedule, EngineVersion, opts.ScanWorkers)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.audit.LogSystemStartup("", map[string]interface{}{
		"books_available":  len(opts.Books.List()),
		"database_enabled": opts.DB != nil,
		"backend_enabled":  opts.Backend != nil && opts.Backend.Configured(),
		"archive_enabled":  opts.Archiver != nil,
	})
	return s
}

// Routes sets up the HTTP routes with proper middleware
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.RequestLoggingMiddleware)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(s.CORSMiddleware)

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/version", s.handleVersion)

	// Websocket connections outlive the request timeout.
	r.Get("/ws/runs/{id}", s.handleRunSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/books", s.handleListBooks)
		r.Get("/books/{id}", s.handleGetBook)
		r.Get("/books/{id}/trail", s.handleGetTrail)

		r.Post("/score", s.handleScore)

		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/export.csv", s.handleExportRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/positions", s.handlePositions)
		r.Post("/runs/{id}/finish", s.handleFinishRun)

		r.Get("/leaderboard", s.handleLeaderboard)

		r.Post("/rescore", s.handleRescore)
		r.Get("/rescans/{id}", s.handleGetRescan)
		r.Get("/rescans/{id}/hits", s.handleGetRescanHits)

		r.Post("/ghosts", s.handleGhost)
	})

	return r
}

// StartSweeper expires abandoned runs every interval until ctx is done.
// Runs the sweep times out go through the finish pipeline like any other.
func (s *Server) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context) {
	for _, res := range s.sessions.Sweep() {
		if _, ok := s.finalize(ctx, "sweeper", res); ok {
			s.logger.Printf("run_expired run_id=%s book=%s score=%d", res.RunID, res.BookID, res.Score)
		}
	}

	// Forget owners of runs the sweep dropped before they started.
	s.ownersMu.Lock()
	for id := range s.owners {
		if _, ok := s.sessions.Get(id); !ok {
			delete(s.owners, id)
		}
	}
	s.ownersMu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, GetVersionInfo())
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("response_encode_failed status=%d err=%v", status, err)
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

const maxBodyBytes = 4 << 20
