// Package sqlguard statically validates generated SQL against the schema
// catalog and a read-only safety policy. Validation is a pure function over
// the SQL text and the catalog; it never touches the network or a database.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rxlytics/analyst-engine/pkg/catalog"
)

// ReasonCategory classifies a validation failure.
type ReasonCategory string

const (
	ReasonEmptyOrNotSelect   ReasonCategory = "empty-or-not-select"
	ReasonUnknownTable       ReasonCategory = "unknown-table"
	ReasonUnknownColumn      ReasonCategory = "unknown-column"
	ReasonMissingRowLimit    ReasonCategory = "missing-row-limit"
	ReasonWriteOperation     ReasonCategory = "write-operation-detected"
	ReasonMultipleStatements ReasonCategory = "multiple-statements"
	ReasonJoinNotInCatalog   ReasonCategory = "join-not-in-catalog"
	ReasonTableNotGrounded   ReasonCategory = "table-outside-grounding"
)

// Reason is one structured validation failure.
type Reason struct {
	Category ReasonCategory `json:"category"`
	Detail   string         `json:"detail"`
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Category)
	}
	return fmt.Sprintf("%s: %s", r.Category, r.Detail)
}

// Result holds the outcome of validating one SQL statement.
type Result struct {
	Valid         bool
	Reasons       []Reason
	NormalizedSQL string
	TablesUsed    []string
}

// ShortReason returns a compact label for the first failure, suitable for
// retry events and repair prompts.
func (r Result) ShortReason() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	return string(r.Reasons[0].Category)
}

// ErrorText joins all failure reasons into a single repair-prompt string.
func (r Result) ErrorText() string {
	parts := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		parts[i] = reason.String()
	}
	return strings.Join(parts, "; ")
}

// Keywords that must never appear in generated SQL outside string literals.
// "SET" is matched as a bare word; SELECT ... FOR UPDATE is caught by UPDATE.
var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"CREATE", "GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL",
	"COPY", "VACUUM", "REINDEX", "CLUSTER", "COMMENT",
	"RESET", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"LOCK", "NOTIFY", "LISTEN", "UNLISTEN",
}

var (
	forbiddenKeywordRegexps = compileKeywordRegexps()

	// A CTE whose body is a data-modifying statement.
	modifyingCTERegexp = regexp.MustCompile(`(?i)\bAS\s*\(\s*(INSERT|UPDATE|DELETE)\b`)

	limitRegexp = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)

	tableRefRegexp = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*)(?:\s+(?:AS\s+)?([a-zA-Z_][a-zA-Z0-9_]*))?`)

	cteNameRegexp = regexp.MustCompile(`(?i)(?:\bWITH\s+|,\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*\(`)

	qualifiedColRegexp = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)\b`)

	joinOnRegexp = regexp.MustCompile(`(?i)\bON\s+([a-zA-Z_][a-zA-Z0-9_]*)\.[a-zA-Z0-9_]+\s*=\s*([a-zA-Z_][a-zA-Z0-9_]*)\.[a-zA-Z0-9_]+`)

	lineCommentRegexp  = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRegexp = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRegexp    = regexp.MustCompile(`'[^']*'`)
)

func compileKeywordRegexps() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(forbiddenKeywords))
	for _, kw := range forbiddenKeywords {
		m[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	return m
}

// ValidateSQL checks one candidate statement against the catalog and policy.
// expectedTables carries the grounded intent's table set; when non-empty,
// catalog tables outside it fail as table-outside-grounding so the repair
// loop pulls the statement back onto the grounded scope. An empty slice
// skips the cross-check (catalog membership remains the hard gate).
func ValidateSQL(sqlText string, cat *catalog.Catalog, expectedTables []string) Result {
	result := Result{Valid: true}

	normalized := strings.TrimSpace(sqlText)
	if normalized == "" {
		return fail(result, ReasonEmptyOrNotSelect, "empty SQL")
	}

	normalized = stripTrailingSemicolon(normalized)
	result.NormalizedSQL = normalized

	upper := strings.ToUpper(normalized)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		result = fail(result, ReasonEmptyOrNotSelect, "statement must start with SELECT or WITH")
	}

	// All structural checks run on text with comments and string literals
	// removed to avoid false positives on quoted values.
	stripped := stripStringsAndComments(normalized)

	if hasSemicolonOutsideStrings(normalized) {
		result = fail(result, ReasonMultipleStatements, "semicolon in statement body")
	}

	for _, kw := range forbiddenKeywords {
		if forbiddenKeywordRegexps[kw].MatchString(stripped) {
			result = fail(result, ReasonWriteOperation, "forbidden keyword "+kw)
			break
		}
	}
	if modifyingCTERegexp.MatchString(stripped) {
		result = fail(result, ReasonWriteOperation, "data-modifying CTE")
	}

	if !limitRegexp.MatchString(stripped) {
		result = fail(result, ReasonMissingRowLimit, "no LIMIT clause")
	}

	aliases, tables := extractTableRefs(stripped)
	result.TablesUsed = tables

	ctes := extractCTENames(stripped)
	expected := make(map[string]bool, len(expectedTables))
	for _, t := range expectedTables {
		expected[strings.ToLower(t)] = true
	}
	for _, t := range tables {
		if ctes[t] {
			continue
		}
		if !cat.HasTable(t) {
			result = fail(result, ReasonUnknownTable, t)
			continue
		}
		if len(expected) > 0 && !expected[t] {
			result = fail(result, ReasonTableNotGrounded, t)
		}
	}

	for _, ref := range extractQualifiedColumns(stripped) {
		table, ok := aliases[ref.qualifier]
		if !ok || ctes[table] || !cat.HasTable(table) {
			// Subquery or CTE alias; columns pass through best-effort.
			continue
		}
		if !cat.HasColumn(ref.column) {
			result = fail(result, ReasonUnknownColumn, ref.qualifier+"."+ref.column)
		}
	}

	for _, m := range joinOnRegexp.FindAllStringSubmatch(stripped, -1) {
		left, lok := aliases[strings.ToLower(m[1])]
		right, rok := aliases[strings.ToLower(m[2])]
		if !lok || !rok || ctes[left] || ctes[right] {
			continue
		}
		if left == right {
			continue
		}
		if cat.HasTable(left) && cat.HasTable(right) && !cat.JoinAllowed(left, right) {
			result = fail(result, ReasonJoinNotInCatalog, left+" to "+right)
		}
	}

	return result
}

func fail(r Result, category ReasonCategory, detail string) Result {
	r.Valid = false
	r.Reasons = append(r.Reasons, Reason{Category: category, Detail: detail})
	return r
}

type columnRef struct {
	qualifier string
	column    string
}

// extractTableRefs returns an alias-to-table map and the distinct tables
// referenced in FROM/JOIN clauses. A table with no alias maps to itself.
func extractTableRefs(sqlText string) (map[string]string, []string) {
	aliases := make(map[string]string)
	seen := make(map[string]bool)
	var tables []string

	for _, m := range tableRefRegexp.FindAllStringSubmatch(sqlText, -1) {
		name := strings.ToLower(m[2])
		if isPostFromKeyword(name) {
			continue
		}
		aliases[name] = name
		if alias := strings.ToLower(m[3]); alias != "" && !isClauseKeyword(alias) {
			aliases[alias] = name
		}
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return aliases, tables
}

func extractCTENames(sqlText string) map[string]bool {
	names := make(map[string]bool)
	for _, m := range cteNameRegexp.FindAllStringSubmatch(sqlText, -1) {
		names[strings.ToLower(m[1])] = true
	}
	return names
}

func extractQualifiedColumns(sqlText string) []columnRef {
	var refs []columnRef
	for _, m := range qualifiedColRegexp.FindAllStringSubmatch(sqlText, -1) {
		refs = append(refs, columnRef{
			qualifier: strings.ToLower(m[1]),
			column:    strings.ToLower(m[2]),
		})
	}
	return refs
}

// Identifiers that can follow FROM/JOIN without being table names.
func isPostFromKeyword(name string) bool {
	switch name {
	case "select", "lateral", "unnest", "generate_series":
		return true
	}
	return false
}

// Clause keywords that can trail a table reference and must not be
// mistaken for aliases.
func isClauseKeyword(word string) bool {
	switch word {
	case "on", "where", "group", "order", "having", "limit", "offset",
		"join", "inner", "left", "right", "full", "cross", "union", "using":
		return true
	}
	return false
}

// stripStringsAndComments removes comments and single-quoted literals so
// keyword and identifier scans cannot be fooled by quoted content.
func stripStringsAndComments(sqlText string) string {
	sqlText = lineCommentRegexp.ReplaceAllString(sqlText, "")
	sqlText = blockCommentRegexp.ReplaceAllString(sqlText, "")
	sqlText = stringLitRegexp.ReplaceAllString(sqlText, "''")
	return sqlText
}

// hasSemicolonOutsideStrings reports a semicolon anywhere outside single or
// double quoted regions. The trailing semicolon must be stripped first.
func hasSemicolonOutsideStrings(sqlText string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlText {
		switch state {
		case stateNormal:
			switch {
			case char == ';':
				return true
			case char == '\'':
				state = stateSingleQuote
			case char == '"':
				state = stateDoubleQuote
			case char == '-' && prevChar == '-':
				state = stateLineComment
			case char == '*' && prevChar == '/':
				state = stateBlockComment
			}
		case stateSingleQuote:
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		case stateLineComment:
			if char == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if char == '/' && prevChar == '*' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}

func stripTrailingSemicolon(sqlText string) string {
	sqlText = strings.TrimRight(sqlText, " \t\n\r")
	for strings.HasSuffix(sqlText, ";") {
		sqlText = strings.TrimSuffix(sqlText, ";")
		sqlText = strings.TrimRight(sqlText, " \t\n\r")
	}
	return sqlText
}
