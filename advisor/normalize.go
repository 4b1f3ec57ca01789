package advisor

import "strings"

// NormalizeQuery collapses every whitespace run to one space and drops a
// trailing statement terminator (";" or "\G"). It is idempotent.
func NormalizeQuery(query string) string {
	s := strings.Join(strings.Fields(query), " ")
	for {
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, `\G`), ";"))
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// queryKey is the deduplication key: case and whitespace insensitive.
func queryKey(normalized string) string {
	return strings.ToLower(normalized)
}

func isSelect(query string) bool {
	q := strings.TrimSpace(query)
	return len(q) >= len("select") && strings.EqualFold(q[:len("select")], "select")
}

func endsStatement(line string) bool {
	return strings.HasSuffix(line, ";") || strings.HasSuffix(line, `\G`)
}
