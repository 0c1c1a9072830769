// Package postgres provides the PostgreSQL-backed session lifecycle
// manager. A session's row in sandbox_sessions and its schema are created
// and destroyed inside the same transaction, so neither can exist without
// the other.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/playsql/sandbox/pkg/session"
)

//go:embed seed.sql
var seedSQL string

const defaultTTL = 30 * time.Minute

// Manager implements session.Manager using PostgreSQL.
type Manager struct {
	db     *sql.DB
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL session manager.
type Config struct {
	// TTL is the sliding expiration window. Defaults to 30 minutes.
	TTL time.Duration
}

// New creates a new PostgreSQL session manager.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	return &Manager{
		db:  db,
		ttl: cfg.TTL,
	}
}

// TTL returns the sliding expiration window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create provisions a new session: generates the identifier, inserts the
// session row, creates the schema, and seeds the baseline teaching tables,
// all in one transaction.
func (m *Manager) Create(ctx context.Context) (*session.Session, error) {
	id, err := session.NewID()
	if err != nil {
		return nil, err
	}
	schema, err := session.SchemaFor(id)
	if err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	sess := &session.Session{
		ID:         id,
		SchemaName: schema,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	query := `
		INSERT INTO sandbox_sessions (id, schema_name, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.ExecContext(ctx, query,
		sess.ID, sess.SchemaName, sess.CreatedAt, sess.LastUsedAt, sess.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if err := createAndSeedSchema(ctx, tx, schema); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing create transaction: %w", err)
	}
	return sess, nil
}

// Get retrieves a live session. Returns nil, nil if absent or expired.
func (m *Manager) Get(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, schema_name, created_at, last_used_at, expires_at
		FROM sandbox_sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	var sess session.Session
	err := m.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.SchemaName, &sess.CreatedAt, &sess.LastUsedAt, &sess.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Manager interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// Touch refreshes LastUsedAt and slides ExpiresAt forward by the TTL.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.touch(ctx, m.db, id)
}

// TouchTx is Touch inside a caller-owned transaction.
func (m *Manager) TouchTx(ctx context.Context, tx *sql.Tx, id string) error {
	return m.touch(ctx, tx, id)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Manager) touch(ctx context.Context, db execer, id string) error {
	query := `
		UPDATE sandbox_sessions
		SET last_used_at = NOW(), expires_at = NOW() + $2::interval
		WHERE id = $1 AND expires_at > NOW()
	`
	res, err := db.ExecContext(ctx, query, id, fmt.Sprintf("%d seconds", int(m.ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading touch result: %w", err)
	}
	if affected == 0 {
		return session.ErrExpired
	}
	return nil
}

// Reset drops and reseeds the session's schema in place, keeping the same
// identifier and session row, and refreshes the TTL.
func (m *Manager) Reset(ctx context.Context, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var schema string
	err = tx.QueryRowContext(ctx, `
		SELECT schema_name FROM sandbox_sessions
		WHERE id = $1 AND expires_at > NOW()
		FOR UPDATE
	`, id).Scan(&schema)
	if err == sql.ErrNoRows {
		return session.ErrExpired
	}
	if err != nil {
		return fmt.Errorf("locking session for reset: %w", err)
	}

	if err := dropSchema(ctx, tx, schema); err != nil {
		return err
	}
	if err := createAndSeedSchema(ctx, tx, schema); err != nil {
		return err
	}
	if err := m.touch(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reset transaction: %w", err)
	}
	return nil
}

// Close drops the schema and deletes the session row regardless of expiry
// state. The schema name is re-derived from the validated identifier, never
// read from the client, and the operation is idempotent.
func (m *Manager) Close(ctx context.Context, id string) error {
	schema, err := session.SchemaFor(id)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning close transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := dropSchema(ctx, tx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sandbox_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing close transaction: %w", err)
	}
	return nil
}

// SweepExpired reclaims up to limit expired sessions in one transaction.
// Rows already locked by a concurrent sweep are skipped, so overlapping
// sweeps never race on the same session.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sweep transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, schema_name FROM sandbox_sessions
		WHERE expires_at <= NOW()
		ORDER BY expires_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("selecting expired sessions: %w", err)
	}

	var ids []string
	var schemas []string
	for rows.Next() {
		var id, schema string
		if err := rows.Scan(&id, &schema); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scanning expired session: %w", err)
		}
		ids = append(ids, id)
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterating expired sessions: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	for _, schema := range schemas {
		if err := dropSchema(ctx, tx, schema); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sandbox_sessions WHERE id = ANY($1)`, pq.Array(ids),
	); err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sweep transaction: %w", err)
	}
	return len(ids), nil
}

// StartSweepRoutine starts a background goroutine that periodically reclaims
// expired sessions. The goroutine is stopped when Shutdown is called.
func (m *Manager) StartSweepRoutine(interval time.Duration, batch int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.SweepExpired(ctx, batch)
				if err != nil {
					slog.Warn("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("reclaimed expired sessions", "count", n)
				}
			}
		}
	}()
}

// Shutdown stops the sweep goroutine and waits for it to exit.
// It is safe to call Shutdown even if StartSweepRoutine was never called.
func (m *Manager) Shutdown() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

// createAndSeedSchema creates the schema and runs the embedded seed script
// with search_path pinned to it. The schema name is re-validated before
// interpolation: identifiers cannot be bound as parameters.
func createAndSeedSchema(ctx context.Context, tx *sql.Tx, schema string) error {
	if !session.ValidSchemaName(schema) {
		return fmt.Errorf("refusing to create schema %q", schema)
	}
	quoted := pq.QuoteIdentifier(schema)
	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA "+quoted); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+quoted+", public"); err != nil {
		return fmt.Errorf("setting search_path for seed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, seedSQL); err != nil {
		return fmt.Errorf("seeding schema: %w", err)
	}
	return nil
}

// dropSchema drops the schema if it exists, re-validating the name at the
// interpolation site.
func dropSchema(ctx context.Context, tx *sql.Tx, schema string) error {
	if !session.ValidSchemaName(schema) {
		return fmt.Errorf("refusing to drop schema %q", schema)
	}
	if _, err := tx.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE"); err != nil {
		return fmt.Errorf("dropping schema: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ session.Manager = (*Manager)(nil)
