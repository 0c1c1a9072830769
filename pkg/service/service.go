// Package service orchestrates sandbox query execution: it binds one
// request to one tenant schema, applies the policy guard, runs the
// statement under a hard timeout inside a transaction, and records every
// attempt in the execution trail.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/playsql/sandbox/pkg/audit"
	"github.com/playsql/sandbox/pkg/guard"
	"github.com/playsql/sandbox/pkg/session"
)

const (
	defaultTimeout = 3 * time.Second
	defaultMaxRows = 500
)

// Limits bounds a single query execution.
type Limits struct {
	// TimeoutMS is the hard statement timeout in milliseconds.
	TimeoutMS int `json:"timeout_ms"`

	// MaxRows caps result rows for auto-limited reads.
	MaxRows int `json:"max_rows"`
}

// Result is the outcome of a successful execution.
type Result struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	DurationMS int64    `json:"duration_ms"`
}

// Service is the execution orchestrator.
type Service struct {
	db       *sql.DB
	sessions session.Manager
	recorder audit.Recorder
	limits   Limits
}

// New creates a service from the given options.
func New(opts ...Option) (*Service, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if o.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if o.Recorder == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}
	if o.Limits.TimeoutMS == 0 {
		o.Limits.TimeoutMS = int(defaultTimeout.Milliseconds())
	}
	if o.Limits.MaxRows == 0 {
		o.Limits.MaxRows = defaultMaxRows
	}

	return &Service{
		db:       o.DB,
		sessions: o.Sessions,
		recorder: o.Recorder,
		limits:   o.Limits,
	}, nil
}

// Limits returns the execution limits surfaced to clients.
func (s *Service) Limits() Limits {
	return s.limits
}

// CreateSession provisions a new sandbox session.
func (s *Service) CreateSession(ctx context.Context) (*session.Session, error) {
	sess, err := s.sessions.Create(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return sess, nil
}

// ResetSession reverts a session's schema to the seeded baseline.
func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	if !session.ValidID(sessionID) {
		return newError(CodeValidation, "malformed session id")
	}
	if err := s.sessions.Reset(ctx, sessionID); err != nil {
		return Classify(err)
	}
	return nil
}

// CloseSession destroys a session. Closing a session that is already gone
// succeeds.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if !session.ValidID(sessionID) {
		return newError(CodeValidation, "malformed session id")
	}
	if err := s.sessions.Close(ctx, sessionID); err != nil {
		return Classify(err)
	}
	return nil
}

// SweepExpired reclaims up to limit expired sessions.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := s.sessions.SweepExpired(ctx, limit)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// QueryLog retrieves execution trail entries. This is an operator surface;
// tenants never see the trail.
func (s *Service) QueryLog(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	entries, err := s.recorder.Query(ctx, f)
	if err != nil {
		return nil, Classify(err)
	}
	return entries, nil
}

// Execute runs one statement against one session's schema.
func (s *Service) Execute(ctx context.Context, sessionID, rawSQL string) (*Result, error) {
	start := time.Now()

	if !session.ValidID(sessionID) {
		// The identifier is untrusted; the trail entry carries no session.
		cerr := newError(CodeValidation, "malformed session id")
		s.recordFailure(ctx, "", rawSQL, cerr, start)
		return nil, cerr
	}

	prepared, err := guard.Prepare(rawSQL, s.limits.MaxRows)
	if err != nil {
		cerr := Classify(err)
		s.recordFailure(ctx, sessionID, rawSQL, cerr, start)
		return nil, cerr
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		cerr := Classify(err)
		s.recordFailure(ctx, sessionID, rawSQL, cerr, start)
		return nil, cerr
	}
	if sess == nil {
		cerr := newError(CodeSessionExpired, "session expired or not found")
		s.recordFailure(ctx, sessionID, rawSQL, cerr, start)
		return nil, cerr
	}

	result, err := s.run(ctx, sess, prepared)
	if err != nil {
		cerr := Classify(err)
		s.recordFailure(ctx, sessionID, rawSQL, cerr, start)
		return nil, cerr
	}

	result.DurationMS = time.Since(start).Milliseconds()
	s.recordSuccess(ctx, sessionID, rawSQL, result)
	return result, nil
}

// run executes the prepared statement in one transaction with the hard
// statement timeout set and name resolution bound to the session's schema.
// The session TTL refresh is folded into the same transaction.
func (s *Service) run(ctx context.Context, sess *session.Session, prepared string) (*Result, error) {
	// The schema name is re-validated at the interpolation site.
	if !session.ValidSchemaName(sess.SchemaName) {
		return nil, fmt.Errorf("invalid schema name %q", sess.SchemaName)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL statement_timeout = %d", s.limits.TimeoutMS),
	); err != nil {
		return nil, fmt.Errorf("setting statement timeout: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"SET LOCAL search_path TO "+pq.QuoteIdentifier(sess.SchemaName)+", public",
	); err != nil {
		return nil, fmt.Errorf("binding search_path: %w", err)
	}

	result, err := collectRows(ctx, tx, prepared)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.TouchTx(ctx, tx, sess.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// collectRows runs the statement and materializes the row set. Statements
// that return no rows (plain mutations) yield an empty result.
func collectRows(ctx context.Context, tx *sql.Tx, prepared string) (*Result, error) {
	rows, err := tx.QueryContext(ctx, prepared)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	result := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// recordSuccess appends a success entry to the trail.
func (s *Service) recordSuccess(ctx context.Context, sessionID, rawSQL string, result *Result) {
	entry := audit.NewEntry(rawSQL).
		WithSession(sessionID).
		WithSuccess(result.RowCount, result.DurationMS)
	s.record(ctx, entry)
}

// recordFailure appends a failure entry to the trail. It is best-effort:
// its own failure is logged and discarded so it can never mask the
// original error.
func (s *Service) recordFailure(ctx context.Context, sessionID, rawSQL string, cerr *Error, start time.Time) {
	entry := audit.NewEntry(rawSQL).
		WithSession(sessionID).
		WithFailure(string(cerr.Code), cerr.Message, time.Since(start).Milliseconds())
	s.record(ctx, entry)
}

// record writes the entry on a context detached from the request, so a
// cancelled or timed-out request can still be audited.
func (s *Service) record(ctx context.Context, entry *audit.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.recorder.Record(ctx, *entry); err != nil {
		slog.Warn("query log append failed", "error", err)
	}
}
