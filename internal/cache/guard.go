package cache

import (
	"fmt"
	"strings"
)

// InvalidQueryError reports a statement the read-only guard refused to run.
type InvalidQueryError struct {
	Query  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

// ValidateReadOnly vets a SQL statement before it reaches the cache
// database. The check is deliberately blunt: strip comments, refuse any
// semicolon in the raw input, and require the statement to open with SELECT
// or WITH. Anything else is rejected before sqlite sees it.
func ValidateReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return &InvalidQueryError{Query: query, Reason: "semicolons are not allowed"}
	}

	stripped := stripComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return &InvalidQueryError{Query: query, Reason: "empty statement"}
	}

	first := strings.ToUpper(firstToken(trimmed))
	switch first {
	case "SELECT", "WITH":
		return nil
	default:
		return &InvalidQueryError{
			Query:  query,
			Reason: fmt.Sprintf("only SELECT statements are allowed, got %s", first),
		}
	}
}

// stripComments removes -- line comments and /* */ block comments so a
// disguised statement cannot slip past the first-token check.
func stripComments(query string) string {
	var b strings.Builder
	i := 0
	for i < len(query) {
		if strings.HasPrefix(query[i:], "--") {
			nl := strings.IndexByte(query[i:], '\n')
			if nl < 0 {
				break
			}
			i += nl + 1
			b.WriteByte(' ')
			continue
		}
		if strings.HasPrefix(query[i:], "/*") {
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				break
			}
			i += 2 + end + 2
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(query[i])
		i++
	}
	return b.String()
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	// Handle "SELECT(1)" style with no space after the keyword.
	tok := fields[0]
	if idx := strings.IndexAny(tok, "(*"); idx > 0 {
		tok = tok[:idx]
	}
	return tok
}
