package odata

import (
	"fmt"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the supported stores.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// TimeValue converts a time to the value bound for a timestamp column.
	TimeValue(t time.Time) interface{}
	// DatePart extracts a UTC date-time component as an integer.
	DatePart(part, column string) string
	Contains(subject, needle string) string
	StartsWith(subject, needleLen, needle string) string
	EndsWith(subject, needleLen, needle string) string
	// LimitOffset renders the paging suffix. A nil limit means unbounded.
	LimitOffset(limit *int, offset int) string
}

// Postgres is the dialect for PostgreSQL (pgx).
var Postgres Dialect = postgresDialect{}

// SQLite is the dialect for SQLite, where timestamps are stored as unix
// microseconds in INTEGER columns.
var SQLite Dialect = sqliteDialect{}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) TimeValue(t time.Time) interface{} { return t.UTC() }

func (postgresDialect) DatePart(part, column string) string {
	return fmt.Sprintf("CAST(FLOOR(EXTRACT(%s FROM %s AT TIME ZONE 'UTC')) AS INTEGER)", strings.ToUpper(part), column)
}

func (postgresDialect) Contains(subject, needle string) string {
	return fmt.Sprintf("strpos(%s, %s) > 0", subject, needle)
}

func (postgresDialect) StartsWith(subject, needleLen, needle string) string {
	return fmt.Sprintf("left(%s, length(%s)) = %s", subject, needleLen, needle)
}

func (postgresDialect) EndsWith(subject, needleLen, needle string) string {
	return fmt.Sprintf("right(%s, length(%s)) = %s", subject, needleLen, needle)
}

func (postgresDialect) LimitOffset(limit *int, offset int) string {
	var b strings.Builder
	if limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

type sqliteDialect struct{}

var sqliteDateFormats = map[string]string{
	"year":   "%Y",
	"month":  "%m",
	"day":    "%d",
	"hour":   "%H",
	"minute": "%M",
	"second": "%S",
}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) TimeValue(t time.Time) interface{} { return t.UTC().UnixMicro() }

func (sqliteDialect) DatePart(part, column string) string {
	return fmt.Sprintf("CAST(strftime('%s', %s / 1000000, 'unixepoch') AS INTEGER)", sqliteDateFormats[part], column)
}

func (sqliteDialect) Contains(subject, needle string) string {
	return fmt.Sprintf("instr(%s, %s) > 0", subject, needle)
}

func (sqliteDialect) StartsWith(subject, needleLen, needle string) string {
	return fmt.Sprintf("substr(%s, 1, length(%s)) = %s", subject, needleLen, needle)
}

func (sqliteDialect) EndsWith(subject, needleLen, needle string) string {
	return fmt.Sprintf("substr(%s, -length(%s)) = %s", subject, needleLen, needle)
}

func (sqliteDialect) LimitOffset(limit *int, offset int) string {
	if limit == nil && offset == 0 {
		return ""
	}
	l := -1
	if limit != nil {
		l = *limit
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", l, offset)
	}
	return fmt.Sprintf(" LIMIT %d", l)
}
