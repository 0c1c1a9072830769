package guard

import "regexp"

// rule is one named denylist predicate. Rules match against SQL that has
// already been comment-stripped, literal-masked, and whitespace-collapsed,
// which closes the comment-splice and odd-whitespace evasions a raw-text
// match would allow.
type rule struct {
	name        string
	description string
	pattern     *regexp.Regexp
}

// denyRules is the denylist of operation classes the sandbox refuses to
// run. This is a blunt, pattern-based defense-in-depth layer on top of
// least-privilege database credentials, not a sound SQL authorizer.
var denyRules = []rule{
	{
		name:        "server_config",
		description: "server configuration changes are not allowed",
		pattern:     regexp.MustCompile(`(?i)\balter\s+system\b|\bset_config\s*\(|^\s*(set|reset)\b`),
	},
	{
		name:        "role_privilege",
		description: "role and privilege changes are not allowed",
		pattern:     regexp.MustCompile(`(?i)\b(create|alter|drop)\s+(role|user|group)\b|\b(grant|revoke)\b|\bsecurity\s+label\b`),
	},
	{
		name:        "database_ddl",
		description: "database and tablespace operations are not allowed",
		pattern:     regexp.MustCompile(`(?i)\b(create|alter|drop)\s+(database|tablespace)\b`),
	},
	{
		name:        "schema_ddl",
		description: "schema operations are not allowed",
		pattern:     regexp.MustCompile(`(?i)\b(create|alter|drop)\s+schema\b`),
	},
	{
		name:        "extension_language",
		description: "extensions and procedural languages cannot be managed",
		pattern:     regexp.MustCompile(`(?i)\b(create|alter|drop)\s+(extension|language)\b`),
	},
	{
		name:        "file_io",
		description: "bulk file import and export are not allowed",
		pattern:     regexp.MustCompile(`(?i)^\s*copy\b|\bpg_read_file\s*\(|\bpg_read_binary_file\s*\(|\bpg_ls_dir\s*\(|\blo_(im|ex)port\s*\(`),
	},
	{
		name:        "maintenance",
		description: "maintenance operations are not allowed",
		pattern:     regexp.MustCompile(`(?i)^\s*(vacuum|analyze|reindex|cluster|checkpoint)\b`),
	},
	{
		name:        "procedural_block",
		description: "anonymous procedural blocks are not allowed",
		pattern:     regexp.MustCompile(`(?i)^\s*do\b`),
	},
	{
		name:        "prepared_statement",
		description: "prepared statement commands are not allowed",
		pattern:     regexp.MustCompile(`(?i)^\s*(prepare|execute|deallocate)\b`),
	},
	{
		name:        "timing",
		description: "sleep and timing functions are not allowed",
		pattern:     regexp.MustCompile(`(?i)\bpg_sleep(_for|_until)?\s*\(`),
	},
	{
		name:        "advisory_lock",
		description: "advisory lock functions are not allowed",
		pattern:     regexp.MustCompile(`(?i)\bpg_(try_)?advisory_`),
	},
	{
		name:        "async_notify",
		description: "asynchronous notification commands are not allowed",
		pattern:     regexp.MustCompile(`(?i)^\s*(listen|unlisten|notify)\b|\bpg_notify\s*\(`),
	},
	{
		name:        "backend_admin",
		description: "backend administration functions are not allowed",
		pattern:     regexp.MustCompile(`(?i)\bpg_(terminate|cancel)_backend\s*\(|\bpg_reload_conf\s*\(|\bpg_rotate_logfile\s*\(`),
	},
	{
		name:        "security_definer",
		description: "security definer routines are not allowed",
		pattern:     regexp.MustCompile(`(?i)\bsecurity\s+definer\b`),
	},
}

// unsafeToWrapRules match read statements that cannot be wrapped in a
// bounding subquery: wrapping would either fail outright or silently change
// locking semantics, so these are rejected instead of rewritten.
var unsafeToWrapRules = []rule{
	{
		name:        "locking_read",
		description: "locking reads are not allowed",
		pattern:     regexp.MustCompile(`(?i)\bfor\s+(update|no\s+key\s+update|share|key\s+share)\b`),
	},
	{
		name:        "select_into",
		description: "SELECT INTO is not allowed; use CREATE TABLE AS",
		pattern:     regexp.MustCompile(`(?i)^\s*select\b.*\binto\s+(temp(orary)?\s+|unlogged\s+)?\w`),
	},
}

// readPattern matches statements that produce a row set.
var readPattern = regexp.MustCompile(`(?i)^\s*(select|with|table|values|show|explain)\b`)

// wrappablePattern matches the subset of read statements that are valid
// inside a bounding subquery. SHOW and EXPLAIN produce rows but cannot
// appear in a FROM clause, so they pass through unwrapped.
var wrappablePattern = regexp.MustCompile(`(?i)^\s*(select|with|table|values)\b`)

// limitPattern matches statements whose trailing clause is an explicit row
// cap. Anchored to the tail: a LIMIT buried in a subquery does not cap the
// outer result, so such statements are still wrapped.
var limitPattern = regexp.MustCompile(`(?i)\b(limit\s+(\d+|all)(\s+offset\s+\d+)?|offset\s+\d+\s+limit\s+(\d+|all)|fetch\s+(first|next)(\s+\d+)?\s+rows?\s+only)$`)
