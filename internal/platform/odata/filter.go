package odata

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CiscoM31/godata"
)

// ExprKind identifies the kind of filter expression node.
type ExprKind int

const (
	ExprAnd ExprKind = iota
	ExprOr
	ExprNot
	ExprCompare  // Left Op Right
	ExprProperty // Property
	ExprLiteral  // Literal
	ExprCall     // Func(Args...)
)

// LiteralType is the type of a literal value in a filter.
type LiteralType int

const (
	LiteralNull LiteralType = iota
	LiteralBool
	LiteralInt
	LiteralDecimal
	LiteralString
	LiteralDateTime
)

// Literal is a typed constant from a filter expression.
type Literal struct {
	Type  LiteralType
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Time  time.Time
}

// Expr is a node of a parsed $filter expression.
type Expr struct {
	Kind     ExprKind
	Op       string // comparison operator for ExprCompare
	Left     *Expr
	Right    *Expr
	Child    *Expr
	Property string
	Literal  Literal
	Func     string
	Args     []*Expr
}

var comparisonOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true, "lt": true, "le": true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseFilter parses a $filter value into an expression tree. godata does the
// lexing and precedence; the resulting parse tree is narrowed to the node
// kinds the SQL compiler understands.
func ParseFilter(filter string) (*Expr, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("empty filter expression")
	}

	q, err := godata.ParseFilterString(context.Background(), filter)
	if err != nil {
		return nil, err
	}
	return fromParseNode(q.Tree)
}

func fromParseNode(n *godata.ParseNode) (*Expr, error) {
	if n == nil || n.Token == nil {
		return nil, fmt.Errorf("empty filter expression")
	}
	if len(n.Children) == 0 {
		return fromLeaf(n.Token.Value)
	}

	name := strings.ToLower(n.Token.Value)
	args := make([]*Expr, len(n.Children))
	for i, child := range n.Children {
		arg, err := fromParseNode(child)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	switch {
	case name == "and" || name == "or":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects two operands", name)
		}
		kind := ExprAnd
		if name == "or" {
			kind = ExprOr
		}
		return &Expr{Kind: kind, Left: args[0], Right: args[1]}, nil
	case name == "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("not expects one operand")
		}
		return &Expr{Kind: ExprNot, Child: args[0]}, nil
	case comparisonOperators[name]:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects two operands", name)
		}
		return &Expr{Kind: ExprCompare, Op: name, Left: args[0], Right: args[1]}, nil
	case identPattern.MatchString(name):
		return &Expr{Kind: ExprCall, Func: name, Args: args}, nil
	}
	return nil, fmt.Errorf("operator %q is not supported", n.Token.Value)
}

func fromLeaf(v string) (*Expr, error) {
	if len(v) >= 2 && strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'") {
		s := strings.ReplaceAll(v[1:len(v)-1], "''", "'")
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralString, Str: s}}, nil
	}
	switch strings.ToLower(v) {
	case "null":
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralNull}}, nil
	case "true", "false":
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralBool, Bool: strings.EqualFold(v, "true")}}, nil
	}
	if identPattern.MatchString(v) {
		return &Expr{Kind: ExprProperty, Property: v}, nil
	}
	if lit, err := parseNumber(v); err == nil {
		return &Expr{Kind: ExprLiteral, Literal: lit}, nil
	}
	if ts, err := ParseDateTime(v); err == nil {
		return &Expr{Kind: ExprLiteral, Literal: Literal{Type: LiteralDateTime, Time: ts}}, nil
	}
	return nil, fmt.Errorf("unsupported literal %q", v)
}

func parseNumber(raw string) (Literal, error) {
	s := strings.TrimRight(raw, "dDlLmMfF")
	if !strings.ContainsAny(s, ".eE") {
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return Literal{Type: LiteralInt, Int: v}, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Literal{}, err
	}
	return Literal{Type: LiteralDecimal, Float: f}, nil
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDateTime parses the date-time forms accepted in filters and payloads.
// Values without a zone are taken as UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", s)
}

// String renders the expression back to $filter syntax.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ExprAnd:
		return "(" + e.Left.String() + " and " + e.Right.String() + ")"
	case ExprOr:
		return "(" + e.Left.String() + " or " + e.Right.String() + ")"
	case ExprNot:
		return "not " + e.Child.String()
	case ExprCompare:
		return e.Left.String() + " " + e.Op + " " + e.Right.String()
	case ExprProperty:
		return e.Property
	case ExprCall:
		parts := make([]string, len(e.Args))
		for i, a := range e.Args {
			parts[i] = a.String()
		}
		return e.Func + "(" + strings.Join(parts, ",") + ")"
	case ExprLiteral:
		switch e.Literal.Type {
		case LiteralNull:
			return "null"
		case LiteralBool:
			return strconv.FormatBool(e.Literal.Bool)
		case LiteralInt:
			return strconv.FormatInt(e.Literal.Int, 10)
		case LiteralDecimal:
			return strconv.FormatFloat(e.Literal.Float, 'f', -1, 64)
		case LiteralString:
			return "'" + strings.ReplaceAll(e.Literal.Str, "'", "''") + "'"
		case LiteralDateTime:
			return e.Literal.Time.Format(time.RFC3339Nano)
		}
	}
	return ""
}
