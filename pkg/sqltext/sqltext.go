// Package sqltext provides lexical-level scanning of SQL text. It strips
// comments and detects statement boundaries without parsing the grammar,
// which keeps it dialect-agnostic: string literals, quoted identifiers,
// and dollar-quoted blocks are handled at the token level.
//
// All scanners run in O(n) time with a single pass over the input.
package sqltext

import "strings"

// StripComments removes -- line comments and replaces /* */ block comments
// with a single space. The engine treats a block comment as a token
// separator, so dropping it outright would glue the adjacent tokens
// together. Contents of single- and double-quoted regions are left
// untouched. Nested block comments are not supported; the first */ closes
// the comment.
func StripComments(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	n := len(sql)
	pos := 0

	for pos < n {
		ch := sql[pos]

		switch {
		case ch == '\'':
			pos = copySingleQuoted(sql, pos, n, &b)
		case ch == '"':
			pos = copyDoubleQuoted(sql, pos, n, &b)
		case isBlockCommentStart(sql, pos, n):
			pos = skipBlockComment(sql, pos, n)
			b.WriteByte(' ')
		case isLineCommentStart(sql, pos, n):
			pos = skipLineComment(sql, pos, n)
		default:
			b.WriteByte(ch)
			pos++
		}
	}

	return b.String()
}

// HasMultipleStatements reports whether sql contains more than one
// statement. It scans the comment-stripped text tracking quote state plus
// dollar-quoted block state, so semicolons inside literals or inside
// $tag$ ... $tag$ bodies never count as separators. A semicolon at the top
// level followed by any non-whitespace means more than one statement.
//
// An unterminated dollar-quote opener is treated as "still inside a block"
// until end of input, classifying the text as a single statement.
func HasMultipleStatements(sql string) bool {
	text := StripComments(sql)
	n := len(text)
	pos := 0

	for pos < n {
		ch := text[pos]

		switch {
		case ch == '\'':
			pos = skipSingleQuoted(text, pos, n)
		case ch == '"':
			pos = skipDoubleQuoted(text, pos, n)
		case ch == '$':
			if tag, next, ok := readDollarTag(text, pos, n); ok {
				pos = skipDollarQuoted(text, next, n, tag)
			} else {
				pos++
			}
		case ch == ';':
			if hasTrailingContent(text, pos+1, n) {
				return true
			}
			pos++
		default:
			pos++
		}
	}

	return false
}

// MaskLiterals replaces the contents of single-quoted string literals with
// empty literals, leaving everything else intact. Policy patterns run over
// masked text so a keyword inside a literal never trips a rule.
func MaskLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	n := len(sql)
	pos := 0

	for pos < n {
		ch := sql[pos]

		switch {
		case ch == '\'':
			b.WriteString("''")
			pos = skipSingleQuoted(sql, pos, n)
		case ch == '"':
			pos = copyDoubleQuoted(sql, pos, n, &b)
		default:
			b.WriteByte(ch)
			pos++
		}
	}

	return b.String()
}

// copySingleQuoted copies a single-quoted literal, handling '' escapes.
func copySingleQuoted(sql string, pos, n int, b *strings.Builder) int {
	b.WriteByte(sql[pos])
	pos++
	for pos < n {
		b.WriteByte(sql[pos])
		if sql[pos] == '\'' {
			pos++
			// '' is an escaped quote inside the literal
			if pos < n && sql[pos] == '\'' {
				b.WriteByte(sql[pos])
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// copyDoubleQuoted copies a double-quoted identifier, handling "" escapes.
func copyDoubleQuoted(sql string, pos, n int, b *strings.Builder) int {
	b.WriteByte(sql[pos])
	pos++
	for pos < n {
		b.WriteByte(sql[pos])
		if sql[pos] == '"' {
			pos++
			if pos < n && sql[pos] == '"' {
				b.WriteByte(sql[pos])
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// skipSingleQuoted advances past a single-quoted literal, handling '' escapes.
func skipSingleQuoted(sql string, pos, n int) int {
	pos++ // skip opening quote
	for pos < n {
		if sql[pos] == '\'' {
			pos++
			if pos < n && sql[pos] == '\'' {
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// skipDoubleQuoted advances past a double-quoted identifier.
func skipDoubleQuoted(sql string, pos, n int) int {
	pos++ // skip opening quote
	for pos < n {
		if sql[pos] == '"' {
			pos++
			if pos < n && sql[pos] == '"' {
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// readDollarTag reads a dollar-quote opener like $$ or $body$ starting at
// pos. It returns the full marker (including both dollar signs), the
// position after the marker, and whether a valid marker was found.
func readDollarTag(sql string, pos, n int) (tag string, next int, ok bool) {
	end := pos + 1
	for end < n && isTagChar(sql[end]) {
		end++
	}
	if end < n && sql[end] == '$' {
		return sql[pos : end+1], end + 1, true
	}
	return "", pos, false
}

// skipDollarQuoted advances past a dollar-quoted body until the matching
// closing marker. If no closer exists the scan consumes the rest of the
// input, which is the fail-safe behavior for unterminated blocks.
func skipDollarQuoted(sql string, pos, n int, tag string) int {
	idx := strings.Index(sql[pos:], tag)
	if idx < 0 {
		return n
	}
	return pos + idx + len(tag)
}

// hasTrailingContent reports whether any non-whitespace follows pos.
func hasTrailingContent(sql string, pos, n int) bool {
	for ; pos < n; pos++ {
		switch sql[pos] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			return true
		}
	}
	return false
}

// isBlockCommentStart returns true if pos is at the start of a block comment.
func isBlockCommentStart(sql string, pos, n int) bool {
	return sql[pos] == '/' && pos+1 < n && sql[pos+1] == '*'
}

// isLineCommentStart returns true if pos is at the start of a line comment.
func isLineCommentStart(sql string, pos, n int) bool {
	return sql[pos] == '-' && pos+1 < n && sql[pos+1] == '-'
}

// skipBlockComment advances past a /* ... */ block comment.
func skipBlockComment(sql string, pos, n int) int {
	pos += 2 // skip /*
	for pos+1 < n {
		if sql[pos] == '*' && sql[pos+1] == '/' {
			return pos + 2
		}
		pos++
	}
	return n
}

// skipLineComment advances past a -- line comment, leaving the newline.
func skipLineComment(sql string, pos, n int) int {
	pos += 2 // skip --
	for pos < n && sql[pos] != '\n' {
		pos++
	}
	return pos
}

// isTagChar returns true if ch can appear inside a dollar-quote tag.
func isTagChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') || ch == '_'
}
