package odata

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/CiscoM31/godata"
)

// OrderItem is one $orderby entry.
type OrderItem struct {
	Property   string
	Descending bool
}

// QueryOptions is the validated set of system query options for a collection
// request. Filter, order and paging are pushed to the store; Select is applied
// when the response is written.
type QueryOptions struct {
	Filter  *Expr
	OrderBy []OrderItem
	Top     *int
	Skip    int
	Select  []string
	Count   bool
	Expand  []string
}

// QueryError reports an invalid query option. It maps to 400 Bad Request.
type QueryError struct {
	Option  string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Option, e.Message)
}

var knownOptions = map[string]bool{
	"$filter":      true,
	"$orderby":     true,
	"$top":         true,
	"$skip":        true,
	"$select":      true,
	"$count":       true,
	"$inlinecount": true,
	"$expand":      true,
	"$format":      true,
	"$skiptoken":   true,
}

// ParseQueryOptions parses and validates system query options against the
// schema. maxTop caps $top; zero means no cap.
func ParseQueryOptions(values url.Values, schema *Schema, maxTop int) (QueryOptions, error) {
	var opts QueryOptions
	ctx := context.Background()

	for k := range values {
		if strings.HasPrefix(k, "$") && !knownOptions[k] {
			return opts, &QueryError{Option: k, Message: "the query parameter is not supported"}
		}
	}

	if raw := values.Get("$filter"); raw != "" {
		expr, err := ParseFilter(raw)
		if err != nil {
			return opts, &QueryError{Option: "$filter", Message: err.Error()}
		}
		if err := ValidateFilter(expr, schema); err != nil {
			return opts, &QueryError{Option: "$filter", Message: err.Error()}
		}
		opts.Filter = expr
	}

	if raw := values.Get("$orderby"); raw != "" {
		items, err := parseOrderBy(ctx, raw, schema)
		if err != nil {
			return opts, &QueryError{Option: "$orderby", Message: err.Error()}
		}
		opts.OrderBy = items
	}

	if raw := values.Get("$top"); raw != "" {
		top, err := godata.ParseTopString(ctx, raw)
		if err != nil || int(*top) < 0 {
			return opts, &QueryError{Option: "$top", Message: fmt.Sprintf("'%s' is not a non-negative integer", raw)}
		}
		n := int(*top)
		if maxTop > 0 && n > maxTop {
			return opts, &QueryError{Option: "$top", Message: fmt.Sprintf("the limit of %d for $top has been exceeded", maxTop)}
		}
		opts.Top = &n
	}

	skip := values.Get("$skip")
	if skip == "" {
		skip = values.Get("$skiptoken")
	}
	if skip != "" {
		n, err := godata.ParseSkipString(ctx, skip)
		if err != nil || int(*n) < 0 {
			return opts, &QueryError{Option: "$skip", Message: fmt.Sprintf("'%s' is not a non-negative integer", skip)}
		}
		opts.Skip = int(*n)
	}

	if raw := values.Get("$select"); raw != "" && raw != "*" {
		selected, err := parseSelect(ctx, raw, schema)
		if err != nil {
			return opts, &QueryError{Option: "$select", Message: err.Error()}
		}
		opts.Select = selected
	}

	if raw := values.Get("$count"); raw != "" {
		count, err := godata.ParseCountString(ctx, raw)
		if err != nil {
			return opts, &QueryError{Option: "$count", Message: fmt.Sprintf("'%s' is not a valid boolean", raw)}
		}
		opts.Count = bool(*count)
	}

	switch raw := values.Get("$inlinecount"); raw {
	case "", "none":
	case "allpages":
		opts.Count = true
	default:
		return opts, &QueryError{Option: "$inlinecount", Message: fmt.Sprintf("'%s' is not allpages or none", raw)}
	}

	if raw := values.Get("$format"); raw != "" && !strings.Contains(strings.ToLower(raw), "json") {
		return opts, &QueryError{Option: "$format", Message: "only json is supported"}
	}

	if raw := strings.TrimSpace(values.Get("$expand")); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			opts.Expand = append(opts.Expand, name)
		}
		if len(opts.Expand) > 0 {
			return opts, &QueryError{Option: "$expand", Message: fmt.Sprintf("'%s' is not a navigation property of type '%s'", opts.Expand[0], schema.QualifiedType())}
		}
	}

	return opts, nil
}

func parseOrderBy(ctx context.Context, raw string, schema *Schema) ([]OrderItem, error) {
	q, err := godata.ParseOrderByString(ctx, raw)
	if err != nil {
		return nil, err
	}
	items := make([]OrderItem, 0, len(q.OrderByItems))
	for _, it := range q.OrderByItems {
		if it == nil || it.Field == nil {
			continue
		}
		name := strings.TrimSpace(it.Field.Value)
		if _, ok := schema.Property(name); !ok {
			return nil, fmt.Errorf("could not find a property named '%s' on type '%s'", name, schema.QualifiedType())
		}
		items = append(items, OrderItem{Property: name, Descending: strings.EqualFold(it.Order, "desc")})
	}
	return items, nil
}

func parseSelect(ctx context.Context, raw string, schema *Schema) ([]string, error) {
	q, err := godata.ParseSelectString(ctx, raw)
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, item := range q.SelectItems {
		if item == nil || len(item.Segments) == 0 {
			continue
		}
		if len(item.Segments) > 1 {
			return nil, fmt.Errorf("'%s' selects into a property that has no members", raw)
		}
		name := item.Segments[0].Value
		if _, ok := schema.Property(name); !ok {
			return nil, fmt.Errorf("could not find a property named '%s' on type '%s'", name, schema.QualifiedType())
		}
		selected = append(selected, name)
	}
	return selected, nil
}

// ParseKey parses an entity key segment. Both "(5)" and "5" forms are
// accepted, as is the named form "(Id=5)".
func ParseKey(segment string, schema *Schema) (int64, error) {
	s := strings.TrimSpace(segment)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	if name, value, ok := strings.Cut(s, "="); ok {
		if strings.TrimSpace(name) != schema.Key {
			return 0, fmt.Errorf("'%s' is not the key of type '%s'", name, schema.QualifiedType())
		}
		s = value
	}
	s = strings.TrimRight(strings.TrimSpace(s), "lL")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid key", segment)
	}
	return id, nil
}
