package service

import (
	"database/sql"

	"github.com/playsql/sandbox/pkg/audit"
	"github.com/playsql/sandbox/pkg/session"
)

// Options configures the service.
type Options struct {
	// DB is the shared connection pool. Required.
	DB *sql.DB

	// Sessions is the session lifecycle manager. Required.
	Sessions session.Manager

	// Recorder is the execution trail. Required.
	Recorder audit.Recorder

	// Limits bounds query execution. Defaults are applied if zero.
	Limits Limits
}

// Option is a functional option for configuring the service.
type Option func(*Options)

// WithDB sets the database connection pool.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithSessions sets the session lifecycle manager.
func WithSessions(mgr session.Manager) Option {
	return func(o *Options) {
		o.Sessions = mgr
	}
}

// WithRecorder sets the execution trail recorder.
func WithRecorder(rec audit.Recorder) Option {
	return func(o *Options) {
		o.Recorder = rec
	}
}

// WithLimits sets the execution limits.
func WithLimits(limits Limits) Option {
	return func(o *Options) {
		o.Limits = limits
	}
}
