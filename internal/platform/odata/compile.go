package odata

import (
	"fmt"
	"strings"
)

// exprType is the static type of a filter sub-expression.
type exprType int

const (
	typeNull exprType = iota
	typeBool
	typeNumber
	typeString
	typeDateTime
)

func (t exprType) String() string {
	switch t {
	case typeNull:
		return "null"
	case typeBool:
		return "boolean"
	case typeNumber:
		return "number"
	case typeString:
		return "string"
	case typeDateTime:
		return "date-time"
	}
	return "unknown"
}

func edmToExprType(t EdmType) exprType {
	switch t {
	case EdmInt64, EdmDouble:
		return typeNumber
	case EdmString:
		return typeString
	case EdmDateTimeOffset:
		return typeDateTime
	case EdmBoolean:
		return typeBool
	}
	return typeNull
}

// datePartFuncs are the date-time component functions, all returning numbers.
var datePartFuncs = map[string]string{
	"year":   "year",
	"month":  "month",
	"day":    "day",
	"hour":   "hour",
	"minute": "minute",
	"second": "second",
}

var sqlOperators = map[string]string{
	"eq": "=", "ne": "<>", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
}

// compiler turns an Expr into a WHERE fragment for one dialect, collecting
// bind arguments as it goes.
type compiler struct {
	schema  *Schema
	dialect Dialect
	args    []interface{}
}

func (c *compiler) bind(v interface{}) string {
	c.args = append(c.args, v)
	return c.dialect.Placeholder(len(c.args))
}

// CompileFilter compiles a filter expression to a SQL boolean expression.
// argOffset is the number of bind arguments already used by the caller.
func CompileFilter(expr *Expr, schema *Schema, dialect Dialect, argOffset int) (string, []interface{}, error) {
	if expr == nil {
		return "1=1", nil, nil
	}
	c := &compiler{schema: schema, dialect: dialect}
	c.args = make([]interface{}, argOffset, argOffset+4)
	sql, t, err := c.compile(expr)
	if err != nil {
		return "", nil, err
	}
	if t != typeBool {
		return "", nil, fmt.Errorf("$filter must be a boolean expression, got %s", t)
	}
	return sql, c.args[argOffset:], nil
}

// ValidateFilter type-checks a filter expression against the schema without
// binding it to a particular dialect.
func ValidateFilter(expr *Expr, schema *Schema) error {
	_, _, err := CompileFilter(expr, schema, Postgres, 0)
	return err
}

func (c *compiler) compile(e *Expr) (string, exprType, error) {
	switch e.Kind {
	case ExprAnd, ExprOr:
		left, lt, err := c.compile(e.Left)
		if err != nil {
			return "", 0, err
		}
		right, rt, err := c.compile(e.Right)
		if err != nil {
			return "", 0, err
		}
		if lt != typeBool || rt != typeBool {
			return "", 0, fmt.Errorf("operands of and/or must be boolean")
		}
		op := "AND"
		if e.Kind == ExprOr {
			op = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), typeBool, nil

	case ExprNot:
		child, ct, err := c.compile(e.Child)
		if err != nil {
			return "", 0, err
		}
		if ct != typeBool {
			return "", 0, fmt.Errorf("operand of not must be boolean")
		}
		return fmt.Sprintf("NOT (%s)", child), typeBool, nil

	case ExprCompare:
		return c.compileCompare(e)

	case ExprProperty:
		p, ok := c.schema.Property(e.Property)
		if !ok {
			return "", 0, fmt.Errorf("could not find a property named '%s' on type '%s'", e.Property, c.schema.QualifiedType())
		}
		return p.Column, edmToExprType(p.Type), nil

	case ExprLiteral:
		switch e.Literal.Type {
		case LiteralBool:
			if e.Literal.Bool {
				return "1=1", typeBool, nil
			}
			return "1=0", typeBool, nil
		case LiteralNull:
			return "NULL", typeNull, nil
		}
		v, t := c.literalValue(e.Literal)
		return c.bind(v), t, nil

	case ExprCall:
		return c.compileCall(e)
	}
	return "", 0, fmt.Errorf("unsupported expression")
}

func (c *compiler) literalValue(l Literal) (interface{}, exprType) {
	switch l.Type {
	case LiteralInt:
		return l.Int, typeNumber
	case LiteralDecimal:
		return l.Float, typeNumber
	case LiteralString:
		return l.Str, typeString
	case LiteralDateTime:
		return c.dialect.TimeValue(l.Time), typeDateTime
	case LiteralBool:
		return l.Bool, typeBool
	}
	return nil, typeNull
}

func (c *compiler) compileCompare(e *Expr) (string, exprType, error) {
	op, ok := sqlOperators[e.Op]
	if !ok {
		return "", 0, fmt.Errorf("unsupported operator %q", e.Op)
	}

	// Comparisons against null become IS [NOT] NULL.
	if isNullLiteral(e.Left) || isNullLiteral(e.Right) {
		other := e.Left
		if isNullLiteral(e.Left) {
			other = e.Right
		}
		if e.Op != "eq" && e.Op != "ne" {
			return "", 0, fmt.Errorf("null can only be compared with eq or ne")
		}
		if isNullLiteral(other) {
			if e.Op == "eq" {
				return "1=1", typeBool, nil
			}
			return "1=0", typeBool, nil
		}
		sql, _, err := c.compile(other)
		if err != nil {
			return "", 0, err
		}
		if e.Op == "eq" {
			return sql + " IS NULL", typeBool, nil
		}
		return sql + " IS NOT NULL", typeBool, nil
	}

	left, lt, err := c.compile(c.coerce(e.Left, e.Right))
	if err != nil {
		return "", 0, err
	}
	right, rt, err := c.compile(c.coerce(e.Right, e.Left))
	if err != nil {
		return "", 0, err
	}
	if lt != rt {
		return "", 0, fmt.Errorf("cannot compare %s with %s", lt, rt)
	}
	if lt == typeBool && e.Op != "eq" && e.Op != "ne" {
		return "", 0, fmt.Errorf("booleans can only be compared with eq or ne")
	}
	if lt == typeBool {
		return fmt.Sprintf("((%s) %s (%s))", left, op, right), typeBool, nil
	}
	return fmt.Sprintf("%s %s %s", left, op, right), typeBool, nil
}

// coerce widens or narrows a numeric literal to the Go type of the property it
// is compared with, so the driver binds it with the column's type.
func (c *compiler) coerce(lit, other *Expr) *Expr {
	if lit.Kind != ExprLiteral || other.Kind != ExprProperty {
		return lit
	}
	p, ok := c.schema.Property(other.Property)
	if !ok {
		return lit
	}
	switch {
	case p.Type == EdmDouble && lit.Literal.Type == LiteralInt:
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralDecimal, Float: float64(lit.Literal.Int)}}
	case p.Type == EdmInt64 && lit.Literal.Type == LiteralDecimal && lit.Literal.Float == float64(int64(lit.Literal.Float)):
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralInt, Int: int64(lit.Literal.Float)}}
	}
	return lit
}

func isNullLiteral(e *Expr) bool {
	return e.Kind == ExprLiteral && e.Literal.Type == LiteralNull
}

func (c *compiler) compileCall(e *Expr) (string, exprType, error) {
	name := strings.ToLower(e.Func)

	if part, ok := datePartFuncs[name]; ok {
		if len(e.Args) != 1 {
			return "", 0, fmt.Errorf("%s expects 1 argument", name)
		}
		arg, at, err := c.compile(e.Args[0])
		if err != nil {
			return "", 0, err
		}
		if at != typeDateTime {
			return "", 0, fmt.Errorf("%s expects a date-time argument, got %s", name, at)
		}
		return c.dialect.DatePart(part, arg), typeNumber, nil
	}

	switch name {
	case "tolower", "toupper", "length", "trim":
		if len(e.Args) != 1 {
			return "", 0, fmt.Errorf("%s expects 1 argument", name)
		}
		arg, at, err := c.compile(e.Args[0])
		if err != nil {
			return "", 0, err
		}
		if at != typeString {
			return "", 0, fmt.Errorf("%s expects a string argument, got %s", name, at)
		}
		switch name {
		case "tolower":
			return "LOWER(" + arg + ")", typeString, nil
		case "toupper":
			return "UPPER(" + arg + ")", typeString, nil
		case "trim":
			return "TRIM(" + arg + ")", typeString, nil
		}
		return "LENGTH(" + arg + ")", typeNumber, nil

	case "contains", "startswith", "endswith":
		if len(e.Args) != 2 {
			return "", 0, fmt.Errorf("%s expects 2 arguments", name)
		}
		subject, st, err := c.compile(e.Args[0])
		if err != nil {
			return "", 0, err
		}
		if st != typeString {
			return "", 0, fmt.Errorf("%s expects a string as first argument, got %s", name, st)
		}
		needle := e.Args[1]
		if needle.Kind != ExprLiteral || needle.Literal.Type != LiteralString {
			return "", 0, fmt.Errorf("%s expects a string literal as second argument", name)
		}
		if needle.Literal.Str == "" {
			return "1=1", typeBool, nil
		}
		switch name {
		case "contains":
			return c.dialect.Contains(subject, c.bind(needle.Literal.Str)), typeBool, nil
		case "startswith":
			return c.dialect.StartsWith(subject, c.bind(needle.Literal.Str), c.bind(needle.Literal.Str)), typeBool, nil
		}
		return c.dialect.EndsWith(subject, c.bind(needle.Literal.Str), c.bind(needle.Literal.Str)), typeBool, nil
	}

	return "", 0, fmt.Errorf("unknown function '%s'", e.Func)
}

// OrderClause builds the ORDER BY list for the given items. The key column is
// appended as a tie-breaker so paging is stable.
func OrderClause(items []OrderItem, schema *Schema, defaultOrder string) string {
	key := schema.KeyProperty().Column
	if len(items) == 0 {
		if defaultOrder != "" {
			return defaultOrder
		}
		return key + " ASC"
	}

	parts := make([]string, 0, len(items)+1)
	hasKey := false
	for _, it := range items {
		p, ok := schema.Property(it.Property)
		if !ok {
			continue
		}
		if p.Column == key {
			hasKey = true
		}
		if it.Descending {
			parts = append(parts, p.Column+" DESC")
		} else {
			parts = append(parts, p.Column+" ASC")
		}
	}
	if !hasKey {
		parts = append(parts, key+" ASC")
	}
	return strings.Join(parts, ", ")
}
