package query

import (
	"strings"
	"unicode"
)

// buildBM25Expression turns a free-text query into a safe FTS5 MATCH
// expression: split on whitespace, strip everything but Unicode letters,
// digits and apostrophes, lowercase, drop empties, and wrap each surviving
// term as a quoted prefix match joined by AND.
func buildBM25Expression(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))

	for _, field := range fields {
		var sb strings.Builder
		for _, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
				sb.WriteRune(unicode.ToLower(r))
			}
		}
		if term := sb.String(); term != "" {
			terms = append(terms, `"`+term+`"*`)
		}
	}

	return strings.Join(terms, " AND ")
}
