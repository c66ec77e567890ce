package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var sqlOps = map[query.Op]string{
	query.OpEq: "=",
	query.OpNe: "!=",
	query.OpGt: ">",
	query.OpGe: ">=",
	query.OpLt: "<",
	query.OpLe: "<=",
}

// column maps a record field to its SQL expression. Field names are
// interpolated, so they are validated first.
func column(field string) (string, error) {
	if field == types.FieldID {
		return "id", nil
	}
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return "json_extract(payload, '$." + field + "')", nil
}

// buildWhere renders the table restriction, the filter and, unless the
// query asks for them, the exclusion of tombstoned rows.
func buildWhere(q query.Query, hideDeleted bool) (string, []any, error) {
	clauses := []string{"table_name = ?"}
	args := []any{q.Table}

	if q.Filter != nil {
		sql, filterArgs, err := translate(q.Filter)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "("+sql+")")
		args = append(args, filterArgs...)
	}

	if hideDeleted && !q.IncludeDeleted {
		clauses = append(clauses, "COALESCE(json_extract(payload, '$."+types.FieldDeleted+"'), 0) = 0")
	}

	return strings.Join(clauses, " AND "), args, nil
}

func translate(e query.Expr) (string, []any, error) {
	switch x := e.(type) {
	case query.Compare:
		col, err := column(x.Field)
		if err != nil {
			return "", nil, err
		}
		if x.Value == nil {
			switch x.Op {
			case query.OpEq:
				return col + " IS NULL", nil, nil
			case query.OpNe:
				return col + " IS NOT NULL", nil, nil
			default:
				return "", nil, fmt.Errorf("operator %s cannot compare with null", x.Op)
			}
		}
		op, ok := sqlOps[x.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", x.Op)
		}
		return col + " " + op + " ?", []any{sqlValue(x.Value)}, nil

	case query.Logical:
		left, largs, err := translate(x.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := translate(x.Right)
		if err != nil {
			return "", nil, err
		}
		op := "AND"
		if x.Op == "or" {
			op = "OR"
		}
		return "(" + left + ") " + op + " (" + right + ")", append(largs, rargs...), nil
	}
	return "", nil, fmt.Errorf("unsupported filter node %T", e)
}

// sqlValue converts a literal to the form json_extract yields for it.
func sqlValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return types.FormatTime(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	return v
}

func buildOrderBy(keys []query.OrderBy) (string, error) {
	if len(keys) == 0 {
		return "id ASC", nil
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		col, err := column(k.Field)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func appendLimit(stmt string, args []any, top, skip int) (string, []any) {
	out := append([]any(nil), args...)
	switch {
	case top > 0:
		stmt += " LIMIT ?"
		out = append(out, top)
	case skip > 0:
		stmt += " LIMIT -1"
	}
	if skip > 0 {
		stmt += " OFFSET ?"
		out = append(out, skip)
	}
	return stmt, out
}
