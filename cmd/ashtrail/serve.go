package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/dbs2/ashtrail/internal/api"
	"github.com/dbs2/ashtrail/internal/archive"
	"github.com/dbs2/ashtrail/internal/backend"
	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/config"
	"github.com/dbs2/ashtrail/internal/credentials"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/scripting"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

const shutdownTimeout = 15 * time.Second

// loadConfig resolves the configuration for a command, applying the
// --addr and --db flags when the command has them.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("env"))
	if err != nil {
		return cfg, err
	}
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("db"); v != "" {
		cfg.DBPath = v
	}
	if v := c.String("profile"); v != "" {
		cfg.Profile = v
	}
	return cfg, nil
}

// registry builds the book registry with the configured overrides.
func registry(cfg config.Config) (*books.Registry, error) {
	reg := books.NewRegistry(books.Wave(), books.Cross(), books.Heart())
	if len(cfg.BookOverrides) > 0 {
		if err := reg.Apply(cfg.BookOverrides); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// backendClient returns nil when no backend URL is configured.
func backendClient(cfg config.Config) (*backend.Client, error) {
	if cfg.BackendURL == "" {
		return nil, nil
	}
	creds := credentials.NewStore(credentials.DefaultService, credentials.DefaultFallbackPath())
	token, err := creds.ResolveToken(cfg.Profile, cfg.BackendToken)
	if err != nil {
		return nil, fmt.Errorf("resolve backend token: %w", err)
	}
	if token == "" {
		logger.Printf("backend_token_missing profile=%s hint=%q", cfg.Profile, "run ashtrail login")
	}
	return backend.NewClient(backend.Config{
		BaseURL:   cfg.BackendURL,
		Token:     token,
		UserAgent: api.UserAgent(),
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serverOptions maps the configuration onto the API options. The optional
// backend and archiver are left for the caller.
func serverOptions(cfg config.Config, reg *books.Registry, db store.DB) api.Options {
	return api.Options{
		DB:             db,
		Books:          reg,
		Sessions:       session.NewManager(reg),
		Schedule:       reward.NewSchedule(cfg.PartialShare),
		Ghosts:         scripting.Runner{},
		GhostTimeout:   cfg.GhostTimeout,
		ScanWorkers:    cfg.ScanWorkers,
		RequestTimeout: cfg.RequestTimeout,
		ReportTimeout:  cfg.ReportTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer db.Close()

	opts := serverOptions(cfg, reg, db)
	client, err := backendClient(cfg)
	if err != nil {
		return err
	}
	if client != nil {
		opts.Backend = client
	}

	if cfg.ArchiveBucket != "" {
		arch, err := archive.NewS3(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion, cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		opts.Archiver = arch
	}

	srv := api.NewServer(opts)
	srv.StartSweeper(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	audit := api.NewAuditLogger()
	audit.LogSystemStartup(ln.Addr().String(), map[string]interface{}{
		"db":             cfg.DBPath,
		"backend_url":    cfg.BackendURL,
		"archive_bucket": cfg.ArchiveBucket,
		"books":          len(reg.List()),
	})
	started := time.Now()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	logger.Printf("listening addr=%s", ln.Addr())

	reason := "signal"
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			reason = "serve_error"
			logger.Printf("serve_failed err=%v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown_failed err=%v", err)
	}
	audit.LogSystemShutdown(reason, time.Since(started))
	return nil
}
