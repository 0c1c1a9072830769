// Package audit provides the append-only execution trail for the sandbox.
// Every attempted execution is recorded, successful or not; the trail is
// never exposed to tenants.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is one attempted execution.
type Entry struct {
	// ID is assigned by the store on insert.
	ID int64 `json:"id"`

	// SessionID is empty when the request never resolved to a session
	// (for example, a malformed identifier).
	SessionID string `json:"session_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms"`

	// RowCount is set on success.
	RowCount int `json:"row_count"`

	// ErrorCode and ErrorMessage are set on failure.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// QueryHash is a one-way digest of the raw submitted text, retained
	// for abuse analysis independent of text retention.
	QueryHash string `json:"query_hash"`

	// QueryText is the raw submitted text.
	QueryText string `json:"query_text"`
}

// NewEntry creates an entry for the given raw SQL text.
func NewEntry(rawSQL string) *Entry {
	return &Entry{
		CreatedAt: time.Now().UTC(),
		QueryHash: HashQuery(rawSQL),
		QueryText: rawSQL,
	}
}

// WithSession attaches the session ID to the entry.
func (e *Entry) WithSession(sessionID string) *Entry {
	e.SessionID = sessionID
	return e
}

// WithSuccess records a successful execution.
func (e *Entry) WithSuccess(rowCount int, durationMS int64) *Entry {
	e.RowCount = rowCount
	e.DurationMS = durationMS
	return e
}

// WithFailure records a failed execution.
func (e *Entry) WithFailure(code, message string, durationMS int64) *Entry {
	e.ErrorCode = code
	e.ErrorMessage = message
	e.DurationMS = durationMS
	return e
}

// HashQuery returns the hex SHA-256 digest of the raw query text.
func HashQuery(rawSQL string) string {
	sum := sha256.Sum256([]byte(rawSQL))
	return hex.EncodeToString(sum[:])
}

// Filter defines criteria for querying the trail.
type Filter struct {
	SessionID string
	ErrorCode string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Recorder defines the interface for the execution trail.
type Recorder interface {
	// Record appends an entry.
	Record(ctx context.Context, e Entry) error

	// Query retrieves entries matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// Close stops background routines and releases resources.
	Close() error
}
