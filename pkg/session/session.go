// Package session manages per-tenant sandbox sessions. Each session owns a
// dedicated database schema seeded with the baseline teaching tables; the
// schema and the session row are created and destroyed together.
package session

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// SchemaPrefix is prepended to the session ID to form the schema name.
const SchemaPrefix = "sandbox_"

// ErrExpired is returned when a session is absent or past its expiry.
var ErrExpired = errors.New("session expired or not found")

// idPattern is the strict format for session identifiers: 32 lowercase hex
// characters. Anything else is rejected before touching the database.
var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// schemaPattern is the strict format for derived schema names. Schema names
// cannot be bound as query parameters, so they are validated here and again
// at every interpolation site.
var schemaPattern = regexp.MustCompile(`^sandbox_[0-9a-f]{32}$`)

// Session is one tenant's sandbox.
type Session struct {
	// ID is the opaque session identifier handed to the client.
	ID string

	// SchemaName is the database schema holding the tenant's tables,
	// derived deterministically from ID.
	SchemaName string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastUsedAt is the most recent successful execution.
	LastUsedAt time.Time

	// ExpiresAt slides forward by the TTL on every successful use.
	ExpiresAt time.Time
}

// NewID generates a session identifier: a random UUID rendered as 32
// lowercase hex characters, without hyphens.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// ValidID reports whether id matches the strict session ID format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidSchemaName reports whether name matches the derived schema format.
func ValidSchemaName(name string) bool {
	return schemaPattern.MatchString(name)
}

// SchemaFor derives the schema name for a validated session ID. It returns
// an error for any ID that does not match the strict format, so a malformed
// identifier can never reach a schema-control statement.
func SchemaFor(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	name := SchemaPrefix + id
	if !ValidSchemaName(name) {
		return "", fmt.Errorf("derived schema name %q is invalid", name)
	}
	return name, nil
}

// Manager defines the lifecycle operations for sandbox sessions. Every
// operation is transactional: no failure leaves a schema without a session
// row or a row without a schema.
type Manager interface {
	// Create provisions a new session with a seeded schema.
	Create(ctx context.Context) (*Session, error)

	// Get retrieves a live session. Returns nil, nil if absent or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch refreshes LastUsedAt and slides ExpiresAt forward by the TTL.
	// Returns ErrExpired if the session is absent or expired.
	Touch(ctx context.Context, id string) error

	// TouchTx is Touch folded into a caller-owned transaction, so the
	// refresh commits or rolls back with the caller's work.
	TouchTx(ctx context.Context, tx *sql.Tx, id string) error

	// Reset drops and reseeds the session's schema in place, keeping the
	// identifier, and refreshes the TTL.
	Reset(ctx context.Context, id string) error

	// Close drops the schema and deletes the row regardless of expiry
	// state. Closing an already-closed session succeeds.
	Close(ctx context.Context, id string) error

	// SweepExpired reclaims up to limit expired sessions, oldest first,
	// skipping rows locked by a concurrent sweep. Returns the count.
	SweepExpired(ctx context.Context, limit int) (int, error)

	// Shutdown stops background routines and releases resources.
	Shutdown() error
}
