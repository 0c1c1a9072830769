// Package postgres provides PostgreSQL storage for the execution trail.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/playsql/sandbox/pkg/audit"
)

const (
	defaultRetentionDays = 30
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// logColumns lists columns returned by query_log SELECT queries.
var logColumns = []string{
	"id", "session_id", "created_at", "duration_ms", "row_count",
	"error_code", "error_message", "query_hash", "query_text",
}

// Store implements audit.Recorder using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// pgForeignKeyViolation is the SQLSTATE raised when session_id has no
// parent row in sandbox_sessions.
const pgForeignKeyViolation = "23503"

// Record appends an entry to the trail. When the entry names a session
// whose row no longer exists (expired and swept, or never created), the
// entry is kept with a NULL session link: every attempt is recorded even
// when it never resolved to a live session.
func (s *Store) Record(ctx context.Context, e audit.Entry) error {
	var sessionID sql.NullString
	if e.SessionID != "" {
		sessionID = sql.NullString{String: e.SessionID, Valid: true}
	}

	err := s.insert(ctx, e, sessionID)
	if sessionID.Valid && isForeignKeyViolation(err) {
		return s.insert(ctx, e, sql.NullString{})
	}
	return err
}

func (s *Store) insert(ctx context.Context, e audit.Entry, sessionID sql.NullString) error {
	query := `
		INSERT INTO query_log
		(session_id, created_at, duration_ms, row_count, error_code, error_message, query_hash, query_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		e.CreatedAt,
		e.DurationMS,
		e.RowCount,
		e.ErrorCode,
		e.ErrorMessage,
		e.QueryHash,
		e.QueryText,
	)
	if err != nil {
		return fmt.Errorf("inserting query log entry: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, f audit.Filter) sq.SelectBuilder {
	if f.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.ErrorCode != "" {
		qb = qb.Where(sq.Eq{"error_code": f.ErrorCode})
	}
	if f.Since != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *f.Since})
	}
	if f.Until != nil {
		qb = qb.Where(sq.LtOrEq{"created_at": *f.Until})
	}
	return qb
}

// Query retrieves entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	qb := applyFilter(psq.Select(logColumns...).From("query_log"), f)
	qb = qb.OrderBy("created_at DESC")
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query log query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying query log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if f.Limit > 0 && f.Limit <= maxQueryCapacity {
		allocCap = f.Limit
	}
	entries := make([]audit.Entry, 0, allocCap)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating query log rows: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (audit.Entry, error) {
	var entry audit.Entry
	var sessionID sql.NullString

	err := rows.Scan(
		&entry.ID,
		&sessionID,
		&entry.CreatedAt,
		&entry.DurationMS,
		&entry.RowCount,
		&entry.ErrorCode,
		&entry.ErrorMessage,
		&entry.QueryHash,
		&entry.QueryText,
	)
	if err != nil {
		return entry, fmt.Errorf("scanning query log row: %w", err)
	}
	entry.SessionID = sessionID.String
	return entry, nil
}

// Cleanup removes entries older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up query log: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// deletes old entries. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ audit.Recorder = (*Store)(nil)
