package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	auditpg "github.com/playsql/sandbox/pkg/audit/postgres"
	"github.com/playsql/sandbox/pkg/database/migrate"
	"github.com/playsql/sandbox/pkg/service"
	sessionpg "github.com/playsql/sandbox/pkg/session/postgres"
)

// Version is set at build time.
var Version = "dev"

// Server owns the process resources: the connection pool, the session
// manager and trail store with their background routines, and the HTTP
// listener.
type Server struct {
	cfg      *service.Config
	db       *sql.DB
	sessions *sessionpg.Manager
	recorder *auditpg.Store
	httpSrv  *http.Server
	logger   *slog.Logger
}

// New wires the full service from configuration. It opens the pool, runs
// migrations, and starts the sweep and cleanup routines.
func New(cfg *service.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openPool(cfg.Database)
	if err != nil {
		return nil, err
	}

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	sessions := sessionpg.New(db, sessionpg.Config{
		TTL: cfg.Sandbox.SessionTTL,
	})
	sessions.StartSweepRoutine(cfg.Sandbox.SweepInterval, cfg.Sandbox.SweepBatch)

	recorder := auditpg.New(db, auditpg.Config{
		RetentionDays: cfg.Audit.RetentionDays,
	})
	recorder.StartCleanupRoutine(cfg.Audit.CleanupInterval)

	svc, err := service.New(
		service.WithDB(db),
		service.WithSessions(sessions),
		service.WithRecorder(recorder),
		service.WithLimits(service.Limits{
			TimeoutMS: int(cfg.Sandbox.StatementTimeout.Milliseconds()),
			MaxRows:   cfg.Sandbox.MaxRows,
		}),
	)
	if err != nil {
		_ = sessions.Shutdown()
		_ = recorder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating service: %w", err)
	}

	var adminAuth func(http.Handler) http.Handler
	if len(cfg.Admin.APIKeys) > 0 {
		adminAuth = RequireAdmin(NewAPIKeyAuthenticator(cfg.Admin.APIKeys))
	} else {
		logger.Warn("no admin api keys configured, admin endpoints disabled")
		adminAuth = denyAll
	}

	handler := NewHandler(svc, db, adminAuth)

	return &Server{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.httpSrv.Addr, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	return s.Close()
}

// Close stops background routines and releases the pool.
func (s *Server) Close() error {
	if err := s.sessions.Shutdown(); err != nil {
		s.logger.Warn("session manager shutdown", "error", err)
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("trail store shutdown", "error", err)
	}
	return s.db.Close()
}

// openPool opens and verifies the shared connection pool.
func openPool(cfg service.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// denyAll rejects every request. Used when no admin keys are configured.
func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, "admin api disabled")
	})
}
