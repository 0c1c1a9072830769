package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/playsql/sandbox/pkg/guard"
	"github.com/playsql/sandbox/pkg/session"
)

// Code identifies a failure class. Callers branch on the code; the message
// may carry engine detail for diagnostics.
type Code string

const (
	// CodeValidation covers malformed identifiers, empty queries, and
	// multi-statement input.
	CodeValidation Code = "validation_error"

	// CodeQueryBlocked means the policy denied the statement.
	CodeQueryBlocked Code = "query_blocked"

	// CodeSessionExpired means the identifier is well-formed but no live
	// session exists.
	CodeSessionExpired Code = "session_expired"

	// CodeTimeout means the statement exceeded the time budget.
	CodeTimeout Code = "timeout"

	// CodeSyntax means the engine rejected the statement.
	CodeSyntax Code = "syntax_error"

	// CodeInternal covers everything else.
	CodeInternal Code = "internal"
)

// Error is the typed error returned by every service operation.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// newError creates an Error with no underlying cause.
func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// pgQueryCanceled is the SQLSTATE raised when statement_timeout fires.
const pgQueryCanceled = "57014"

// pgSyntaxClass is the SQLSTATE class for syntax errors and access rule
// violations (undefined tables, bad references, and the like).
const pgSyntaxClass = "42"

// Classify maps any error into the closed taxonomy. Errors that are
// already typed pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	var verr *guard.ValidationError
	if errors.As(err, &verr) {
		return &Error{Code: CodeValidation, Message: verr.Reason, cause: err}
	}

	var berr *guard.BlockedError
	if errors.As(err, &berr) {
		return &Error{Code: CodeQueryBlocked, Message: berr.Description, cause: err}
	}

	if errors.Is(err, session.ErrExpired) {
		return &Error{Code: CodeSessionExpired, Message: "session expired or not found", cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "query exceeded the time budget", cause: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == pgQueryCanceled:
			return &Error{Code: CodeTimeout, Message: "query exceeded the time budget", cause: err}
		case string(pqErr.Code.Class()) == pgSyntaxClass:
			return &Error{Code: CodeSyntax, Message: pqErr.Message, cause: err}
		}
	}

	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}
