package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxRows = 500

func TestPrepare_EmptyInput(t *testing.T) {
	for _, input := range []string{"", "   ", "\n\t "} {
		_, err := Prepare(input, testMaxRows)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "input %q", input)
	}
}

func TestPrepare_MultipleStatements(t *testing.T) {
	_, err := Prepare("SELECT 1; DROP TABLE users", testMaxRows)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "multiple statements")
}

func TestPrepare_WrapsUncappedRead(t *testing.T) {
	got, err := Prepare("SELECT * FROM products", testMaxRows)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM (SELECT * FROM products) AS limited_result LIMIT 500", got)
}

func TestPrepare_WrapsCTE(t *testing.T) {
	got, err := Prepare("WITH t AS (SELECT 1 AS n) SELECT * FROM t", testMaxRows)
	require.NoError(t, err)
	assert.Contains(t, got, "LIMIT 500")
	assert.Contains(t, got, "WITH t AS")
}

func TestPrepare_ExplicitLimitPassesThrough(t *testing.T) {
	tests := []string{
		"SELECT * FROM products LIMIT 10",
		"SELECT * FROM products LIMIT ALL",
		"SELECT * FROM products LIMIT 10 OFFSET 5",
		"SELECT * FROM products OFFSET 5 LIMIT 10",
		"SELECT * FROM products FETCH FIRST 5 ROWS ONLY",
		"SELECT * FROM products FETCH FIRST ROW ONLY",
	}
	for _, input := range tests {
		got, err := Prepare(input, testMaxRows)
		require.NoError(t, err, input)
		assert.Equal(t, input, got)
	}
}

func TestPrepare_SubqueryLimitStillWrapped(t *testing.T) {
	// Only a trailing cap bounds the outer result; a LIMIT inside a
	// subquery or CTE must not suppress the wrap.
	tests := []string{
		"SELECT * FROM generate_series(1, 100) g, (SELECT 1 LIMIT 1) x",
		"SELECT * FROM (SELECT * FROM products LIMIT 10) sub",
		"WITH t AS (SELECT * FROM products LIMIT 2) SELECT * FROM t, products",
	}
	for _, input := range tests {
		got, err := Prepare(input, testMaxRows)
		require.NoError(t, err, input)
		assert.Contains(t, got, "AS limited_result LIMIT 500", input)
	}
}

func TestPrepare_TrailingSemicolonStripped(t *testing.T) {
	got, err := Prepare("UPDATE products SET price = 1 WHERE id = 2;", testMaxRows)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE products SET price = 1 WHERE id = 2", got)
}

func TestPrepare_MutationsPassThrough(t *testing.T) {
	tests := []string{
		"INSERT INTO products (name) VALUES ('x')",
		"UPDATE products SET price = 0",
		"DELETE FROM products WHERE id = 1",
		"CREATE TABLE scratch (id int)",
		"DROP TABLE scratch",
		"ALTER TABLE scratch ADD COLUMN note text",
		"TRUNCATE scratch",
	}
	for _, input := range tests {
		got, err := Prepare(input, testMaxRows)
		require.NoError(t, err, input)
		assert.Equal(t, input, got)
	}
}

func TestPrepare_ShowAndExplainUnwrapped(t *testing.T) {
	for _, input := range []string{
		"SHOW search_path",
		"EXPLAIN SELECT * FROM products",
	} {
		got, err := Prepare(input, testMaxRows)
		require.NoError(t, err, input)
		assert.Equal(t, input, got)
	}
}

func TestPrepare_DeniedOperations(t *testing.T) {
	tests := []struct {
		name  string
		input string
		rule  string
	}{
		{"alter system", "ALTER SYSTEM SET work_mem = '1GB'", "server_config"},
		{"set", "SET work_mem = '1GB'", "server_config"},
		{"reset", "RESET ALL", "server_config"},
		{"set_config", "SELECT set_config('work_mem', '1GB', false)", "server_config"},
		{"create role", "CREATE ROLE hacker LOGIN", "role_privilege"},
		{"drop user", "DROP USER postgres", "role_privilege"},
		{"grant", "GRANT ALL ON SCHEMA public TO hacker", "role_privilege"},
		{"revoke", "REVOKE SELECT ON t FROM u", "role_privilege"},
		{"drop database", "DROP DATABASE anything", "database_ddl"},
		{"create database", "create database evil", "database_ddl"},
		{"drop schema", "DROP SCHEMA sandbox_abc CASCADE", "schema_ddl"},
		{"create extension", "CREATE EXTENSION dblink", "extension_language"},
		{"copy from", "COPY products FROM '/etc/passwd'", "file_io"},
		{"pg_read_file", "SELECT pg_read_file('/etc/passwd')", "file_io"},
		{"lo_import", "SELECT lo_import('/etc/passwd')", "file_io"},
		{"vacuum", "VACUUM FULL", "maintenance"},
		{"reindex", "REINDEX DATABASE postgres", "maintenance"},
		{"checkpoint", "CHECKPOINT", "maintenance"},
		{"do block", "DO $$ BEGIN NULL; END $$", "procedural_block"},
		{"prepare", "PREPARE q AS SELECT 1", "prepared_statement"},
		{"pg_sleep", "SELECT pg_sleep(60)", "timing"},
		{"pg_sleep_for", "SELECT pg_sleep_for('1 hour')", "timing"},
		{"advisory lock", "SELECT pg_advisory_lock(1)", "advisory_lock"},
		{"try advisory lock", "SELECT pg_try_advisory_lock(1)", "advisory_lock"},
		{"listen", "LISTEN channel", "async_notify"},
		{"notify", "NOTIFY channel", "async_notify"},
		{"terminate backend", "SELECT pg_terminate_backend(123)", "backend_admin"},
		{"security definer", "CREATE FUNCTION f() RETURNS int SECURITY DEFINER AS $$SELECT 1$$ LANGUAGE sql", "security_definer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.input, testMaxRows)
			var berr *BlockedError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, tt.rule, berr.Rule)
		})
	}
}

func TestPrepare_CommentSpliceDoesNotEvade(t *testing.T) {
	tests := []struct {
		input string
		rule  string
	}{
		{"DROP/**/DATABASE anything", "database_ddl"},
		{"GRANT/**/ALL ON SCHEMA public TO hacker", "role_privilege"},
		{"SELECT/**/pg_sleep(60)", "timing"},
		{"COPY/**/products FROM '/etc/passwd'", "file_io"},
		{"SET/**/work_mem = '1GB'", "server_config"},
		{"DROP/* split */DATABASE anything", "database_ddl"},
		{"ALTER/**/SYSTEM SET work_mem = '1GB'", "server_config"},
	}
	for _, tt := range tests {
		_, err := Prepare(tt.input, testMaxRows)
		var berr *BlockedError
		require.ErrorAs(t, err, &berr, tt.input)
		assert.Equal(t, tt.rule, berr.Rule, tt.input)
	}
}

func TestPrepare_DeniedKeywordInsideLiteralAllowed(t *testing.T) {
	got, err := Prepare("SELECT 'GRANT ALL' AS label", testMaxRows)
	require.NoError(t, err)
	assert.Contains(t, got, "LIMIT 500")
	assert.Contains(t, got, "'GRANT ALL'")
}

func TestPrepare_UnsafeToWrapRejected(t *testing.T) {
	tests := []struct {
		input string
		rule  string
	}{
		{"SELECT * FROM products FOR UPDATE", "locking_read"},
		{"SELECT * FROM products FOR SHARE", "locking_read"},
		{"SELECT * FROM products FOR NO KEY UPDATE", "locking_read"},
		{"SELECT * INTO backup FROM products", "select_into"},
	}
	for _, tt := range tests {
		_, err := Prepare(tt.input, testMaxRows)
		var berr *BlockedError
		require.ErrorAs(t, err, &berr, tt.input)
		assert.Equal(t, tt.rule, berr.Rule, tt.input)
	}
}

func TestRuleTableIsWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range append(append([]rule{}, denyRules...), unsafeToWrapRules...) {
		assert.NotEmpty(t, r.name)
		assert.NotEmpty(t, r.description)
		assert.NotNil(t, r.pattern)
		assert.False(t, seen[r.name], "duplicate rule name %s", r.name)
		seen[r.name] = true
	}
}

func TestBlockedError_Message(t *testing.T) {
	err := error(&BlockedError{Rule: "timing", Description: "sleep and timing functions are not allowed"})
	assert.Contains(t, err.Error(), "timing")
	assert.Contains(t, err.Error(), "not allowed")
	var target *BlockedError
	assert.True(t, errors.As(err, &target))
}
