package executor

import "regexp"

// Database errors the repair loop can plausibly fix by regenerating SQL.
// Anything else (permissions, connectivity) is not worth a repair attempt.
var repairablePatterns = compilePatterns([]string{
	`column .+ does not exist`,
	`relation .+ does not exist`,
	`undefined column`,
	`undefined table`,
	`ambiguous column`,
	`syntax error`,
	`missing FROM-clause entry`,
	`invalid input syntax`,
	`operator does not exist`,
	`must appear in the GROUP BY`,
})

var shortReasonLabels = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{"unknown column", regexp.MustCompile(`(?i)column .+ does not exist`)},
	{"undefined table", regexp.MustCompile(`(?i)relation .+ does not exist`)},
	{"ambiguous column", regexp.MustCompile(`(?i)ambiguous column`)},
	{"syntax error", regexp.MustCompile(`(?i)syntax error`)},
	{"missing FROM clause", regexp.MustCompile(`(?i)missing FROM-clause entry`)},
	{"invalid syntax", regexp.MustCompile(`(?i)invalid input syntax`)},
	{"operator mismatch", regexp.MustCompile(`(?i)operator does not exist`)},
	{"GROUP BY required", regexp.MustCompile(`(?i)must appear in the GROUP BY`)},
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}

// IsRepairableError reports whether a DB error message describes a SQL
// structural issue that regeneration could fix.
func IsRepairableError(errMsg string) bool {
	for _, p := range repairablePatterns {
		if p.MatchString(errMsg) {
			return true
		}
	}
	return false
}

// ShortErrorReason extracts a short, safe label from a DB error message
// for retry events. Raw driver errors are never forwarded to clients.
func ShortErrorReason(errMsg string) string {
	for _, entry := range shortReasonLabels {
		if entry.pattern.MatchString(errMsg) {
			return entry.label
		}
	}
	return "query error"
}
