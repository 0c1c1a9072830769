// Package guard decides whether a SQL statement may reach the database
// engine. It rejects statement stacking and known-dangerous operation
// classes, and rewrites unbounded reads to carry a row cap.
package guard

import (
	"fmt"
	"strings"

	"github.com/playsql/sandbox/pkg/sqltext"
)

// BlockedError indicates the statement matched a denylist rule or an
// unsafe-to-wrap pattern.
type BlockedError struct {
	// Rule is the name of the rule that matched.
	Rule string

	// Description explains why the statement was blocked.
	Description string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("query blocked (%s): %s", e.Rule, e.Description)
}

// ValidationError indicates the input is not a single well-formed statement.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Prepare validates raw SQL against the sandbox policy and returns the
// statement to execute. Read statements without an explicit row cap are
// wrapped in a bounding subquery limited to maxRows. Non-read statements
// pass through trimmed; the database's own constraint and isolation model
// is the backstop for mutations.
func Prepare(raw string, maxRows int) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Reason: "query is empty"}
	}

	if sqltext.HasMultipleStatements(trimmed) {
		return "", &ValidationError{Reason: "multiple statements are not allowed"}
	}

	// The trailing semicolon comes off before normalization so the
	// tail-anchored limit check sees the true last clause.
	stmt := strings.TrimRight(trimmed, "; \t\n\r")
	normalized := normalize(stmt)
	for _, r := range denyRules {
		if r.pattern.MatchString(normalized) {
			return "", &BlockedError{Rule: r.name, Description: r.description}
		}
	}

	if !readPattern.MatchString(normalized) {
		return stmt, nil
	}

	for _, r := range unsafeToWrapRules {
		if r.pattern.MatchString(normalized) {
			return "", &BlockedError{Rule: r.name, Description: r.description}
		}
	}

	if limitPattern.MatchString(normalized) || !wrappablePattern.MatchString(normalized) {
		return stmt, nil
	}

	return fmt.Sprintf("SELECT * FROM (%s) AS limited_result LIMIT %d", stmt, maxRows), nil
}

// normalize strips comments, masks string literal contents, and collapses
// whitespace runs to single spaces so the rule patterns cannot be evaded by
// comment splicing or unusual whitespace, and never match inside literals.
func normalize(sql string) string {
	masked := sqltext.MaskLiterals(sqltext.StripComments(sql))
	return strings.Join(strings.Fields(masked), " ")
}
