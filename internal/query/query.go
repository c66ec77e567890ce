// Package query describes table queries and their OData wire shape.
//
// The same Query value is executed remotely by the table service and locally
// by the store, so filters are kept as an expression tree rather than text.
package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Wire parameter names.
const (
	ParamFilter           = "$filter"
	ParamOrderBy          = "$orderby"
	ParamSkip             = "$skip"
	ParamTop              = "$top"
	ParamSelect           = "$select"
	ParamInlineCount      = "$inlinecount"
	ParamIncludeDeleted   = "__includeDeleted"
	ParamSystemProperties = "__systemproperties"

	InlineCountAllPages = "allpages"
)

// OrderBy is a single sort key.
type OrderBy struct {
	Field string
	Desc  bool
}

// Query selects rows from one table. Top of zero means unspecified.
type Query struct {
	Table             string
	Filter            Expr
	OrderBy           []OrderBy
	Top               int
	Skip              int
	Select            []string
	IncludeTotalCount bool
	IncludeDeleted    bool
	SystemProperties  []string
	Parameters        map[string]string
}

// New returns an unfiltered query over table.
func New(table string) Query {
	return Query{Table: table}
}

// Where returns a copy of q whose filter is ANDed with e.
func (q Query) Where(e Expr) Query {
	q.Filter = And(q.Filter, e)
	return q
}

// OrderByAsc returns a copy of q with an ascending sort key appended.
func (q Query) OrderByAsc(field string) Query {
	q.OrderBy = append(append([]OrderBy(nil), q.OrderBy...), OrderBy{Field: field})
	return q
}

// OrderByDesc returns a copy of q with a descending sort key appended.
func (q Query) OrderByDesc(field string) Query {
	q.OrderBy = append(append([]OrderBy(nil), q.OrderBy...), OrderBy{Field: field, Desc: true})
	return q
}

// WithTop returns a copy of q limited to n rows.
func (q Query) WithTop(n int) Query {
	q.Top = n
	return q
}

// WithSkip returns a copy of q skipping n rows.
func (q Query) WithSkip(n int) Query {
	q.Skip = n
	return q
}

// Values returns the query parameters for the wire.
func (q Query) Values() url.Values {
	v := url.Values{}
	if f := Render(q.Filter); f != "" {
		v.Set(ParamFilter, f)
	}
	if len(q.OrderBy) > 0 {
		v.Set(ParamOrderBy, renderOrderBy(q.OrderBy))
	}
	// A paged request always states its skip, including zero.
	if q.Skip > 0 || q.Top > 0 {
		v.Set(ParamSkip, strconv.Itoa(q.Skip))
	}
	if q.Top > 0 {
		v.Set(ParamTop, strconv.Itoa(q.Top))
	}
	if len(q.Select) > 0 {
		v.Set(ParamSelect, strings.Join(q.Select, ","))
	}
	if q.IncludeTotalCount {
		v.Set(ParamInlineCount, InlineCountAllPages)
	}
	if q.IncludeDeleted {
		v.Set(ParamIncludeDeleted, "true")
	}
	if len(q.SystemProperties) > 0 {
		v.Set(ParamSystemProperties, strings.Join(q.SystemProperties, ","))
	}
	for k, val := range q.Parameters {
		v.Set(k, val)
	}
	return v
}

// wireOrder fixes the position of the well-known parameters in Encode.
var wireOrder = []string{
	ParamFilter, ParamOrderBy, ParamSkip, ParamTop, ParamSelect,
	ParamInlineCount, ParamIncludeDeleted, ParamSystemProperties,
}

// Encode renders the query string with well-known parameters first, in a
// stable order, followed by custom parameters sorted by name.
func (q Query) Encode() string {
	v := q.Values()
	var parts []string
	seen := make(map[string]bool, len(wireOrder))
	for _, k := range wireOrder {
		seen[k] = true
		if val := v.Get(k); val != "" {
			parts = append(parts, k+"="+escape(val))
		}
	}
	var custom []string
	for k := range v {
		if !seen[k] {
			custom = append(custom, k)
		}
	}
	sort.Strings(custom)
	for _, k := range custom {
		parts = append(parts, escape(k)+"="+escape(v.Get(k)))
	}
	return strings.Join(parts, "&")
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func renderOrderBy(keys []OrderBy) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		parts[i] = k.Field + " " + dir
	}
	return strings.Join(parts, ",")
}
