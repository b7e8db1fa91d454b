package odata

import (
	"fmt"
	"strings"
	"time"
)

// Query builds SELECT and COUNT statements for one entity set in one dialect.
// Filter fragments and plain column predicates share a single argument list.
type Query struct {
	schema  *Schema
	dialect Dialect
	cols    string
	where   []string
	args    []interface{}
	orderBy string
	limit   *int
	offset  int
}

// NewQuery creates a Query selecting cols from the schema's table.
func NewQuery(schema *Schema, dialect Dialect, cols string) *Query {
	return &Query{schema: schema, dialect: dialect, cols: cols}
}

// Compile turns validated query options into a Query. limit overrides
// opts.Top when the caller applies server-driven paging.
func Compile(opts QueryOptions, schema *Schema, dialect Dialect, cols string, limit *int) (*Query, error) {
	q := NewQuery(schema, dialect, cols)
	if err := q.Filter(opts.Filter); err != nil {
		return nil, err
	}
	q.OrderBy(opts.OrderBy, "")
	if limit == nil {
		limit = opts.Top
	}
	q.Page(limit, opts.Skip)
	return q, nil
}

// Where adds "column op value". time.Time values are converted for the dialect.
func (q *Query) Where(column, op string, value interface{}) {
	if t, ok := value.(time.Time); ok {
		value = q.dialect.TimeValue(t)
	}
	q.args = append(q.args, value)
	q.where = append(q.where, fmt.Sprintf("%s %s %s", column, op, q.dialect.Placeholder(len(q.args))))
}

// Filter adds a compiled $filter expression. A nil expression is a no-op.
func (q *Query) Filter(expr *Expr) error {
	if expr == nil {
		return nil
	}
	sql, args, err := CompileFilter(expr, q.schema, q.dialect, len(q.args))
	if err != nil {
		return err
	}
	q.where = append(q.where, sql)
	q.args = append(q.args, args...)
	return nil
}

// OrderBy sets the ORDER BY list from $orderby items.
func (q *Query) OrderBy(items []OrderItem, defaultOrder string) {
	q.orderBy = OrderClause(items, q.schema, defaultOrder)
}

// Page sets LIMIT/OFFSET. A nil limit is unbounded.
func (q *Query) Page(limit *int, offset int) {
	q.limit = limit
	q.offset = offset
}

func (q *Query) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// CountSQL returns the count statement and its arguments. Paging and ordering
// are ignored.
func (q *Query) CountSQL() (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.schema.Table, q.whereClause()), q.args
}

// DataSQL returns the data statement and its arguments.
func (q *Query) DataSQL() (string, []interface{}) {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.schema.Table, q.whereClause())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += q.dialect.LimitOffset(q.limit, q.offset)
	return sql, q.args
}
