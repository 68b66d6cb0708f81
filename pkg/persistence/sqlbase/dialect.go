package sqlbase

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL engines.
// Queries in this package are written with ? placeholders.
type Dialect struct {
	Name   string
	Rebind func(query string) string
}

// QuestionMarks keeps ? placeholders unchanged.
func QuestionMarks(query string) string {
	return query
}

// DollarNumbers rewrites ? placeholders to $1, $2, ... as PostgreSQL expects.
func DollarNumbers(query string) string {
	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)

			continue
		}

		n++

		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}
