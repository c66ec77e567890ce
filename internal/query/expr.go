package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tablesync/internal/types"
)

// Op is a comparison operator in a filter.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
	OpLe Op = "le"
)

var validOps = map[Op]bool{OpEq: true, OpNe: true, OpGt: true, OpGe: true, OpLt: true, OpLe: true}

// Expr is a node in a filter expression tree.
type Expr interface {
	odata() string
}

// Compare tests a single field against a literal value.
// Value may be a string, time.Time, bool, nil or any numeric type.
type Compare struct {
	Field string
	Op    Op
	Value any
}

// Logical joins two expressions with "and" or "or".
type Logical struct {
	Op    string
	Left  Expr
	Right Expr
}

func Eq(field string, v any) Compare { return Compare{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Compare { return Compare{Field: field, Op: OpNe, Value: v} }
func Gt(field string, v any) Compare { return Compare{Field: field, Op: OpGt, Value: v} }
func Ge(field string, v any) Compare { return Compare{Field: field, Op: OpGe, Value: v} }
func Lt(field string, v any) Compare { return Compare{Field: field, Op: OpLt, Value: v} }
func Le(field string, v any) Compare { return Compare{Field: field, Op: OpLe, Value: v} }

// And combines expressions left to right, skipping nil operands.
// Returns nil when every operand is nil.
func And(exprs ...Expr) Expr { return fold("and", exprs) }

// Or combines expressions left to right, skipping nil operands.
func Or(exprs ...Expr) Expr { return fold("or", exprs) }

func fold(op string, exprs []Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = Logical{Op: op, Left: out, Right: e}
	}
	return out
}

// Render returns the OData $filter text for e, or "" for a nil expression.
func Render(e Expr) string {
	if e == nil {
		return ""
	}
	return e.odata()
}

func (c Compare) odata() string {
	return fmt.Sprintf("%s %s (%s)", c.Field, c.Op, Literal(c.Value))
}

func (l Logical) odata() string {
	return operand(l.Left) + " " + l.Op + " " + operand(l.Right)
}

func operand(e Expr) string {
	if _, ok := e.(Logical); ok {
		return "(" + e.odata() + ")"
	}
	return e.odata()
}

// Literal renders a Go value as an OData literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "datetime'" + types.FormatTime(x) + "'"
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
