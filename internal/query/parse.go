package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/hyperengineering/tablesync/internal/types"
)

// ErrSyntax is returned for malformed filters and query parameters.
var ErrSyntax = errors.New("query syntax error")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokDatetime
	tokNumber
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// ParseFilter parses the $filter subset produced by Render: comparisons,
// "and"/"or", parentheses and string, datetime, numeric, boolean and null
// literals.
func ParseFilter(s string) (Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return e, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrSyntax, fmt.Sprintf(format, args...), p.peek().pos)
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, p.errorf("expected )")
		}
		return e, nil
	}

	field := p.next()
	if field.kind != tokIdent {
		return nil, p.errorf("expected field name, got %q", field.text)
	}
	opTok := p.next()
	op := Op(strings.ToLower(opTok.text))
	if opTok.kind != tokIdent || !validOps[op] {
		return nil, p.errorf("expected comparison operator, got %q", opTok.text)
	}

	wrapped := p.peek().kind == tokLParen
	if wrapped {
		p.next()
	}
	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if wrapped && p.next().kind != tokRParen {
		return nil, p.errorf("expected )")
	}
	return Compare{Field: field.text, Op: op, Value: v}, nil
}

func (p *parser) parseLiteral() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokDatetime:
		ts, err := types.ParseTime(t.text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return ts, nil
	case tokNumber:
		return json.Number(t.text), nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: expected literal, got %q at offset %d", ErrSyntax, t.text, t.pos)
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '\'':
			text, n, err := readQuoted(s, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: i})
			i += n
		case c == '-' || unicode.IsDigit(c):
			start := i
			i++
			for i < len(s) && (unicode.IsDigit(rune(s[i])) || s[i] == '.') {
				i++
			}
			if _, err := strconv.ParseFloat(s[start:i], 64); err != nil {
				return nil, fmt.Errorf("%w: bad number %q at offset %d", ErrSyntax, s[start:i], start)
			}
			toks = append(toks, token{kind: tokNumber, text: s[start:i], pos: start})
		case isIdentRune(c):
			start := i
			for i < len(s) && isIdentRune(rune(s[i])) {
				i++
			}
			word := s[start:i]
			if strings.EqualFold(word, "datetime") && i < len(s) && s[i] == '\'' {
				text, n, err := readQuoted(s, i)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokDatetime, text: text, pos: start})
				i += n
				continue
			}
			toks = append(toks, token{kind: tokIdent, text: word, pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(s)}), nil
}

// readQuoted reads a single-quoted literal starting at s[start] and returns
// the unescaped text and the number of bytes consumed.
func readQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		if s[i] == '\'' {
			if i+1 < len(s) && s[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			return b.String(), i + 1 - start, nil
		}
		b.WriteByte(s[i])
		i++
	}
	return "", 0, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
}

func isIdentRune(c rune) bool {
	return c == '_' || c == '.' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// ParseValues rebuilds a Query for table from wire parameters.
// Unknown parameters are kept in Parameters.
func ParseValues(table string, v url.Values) (Query, error) {
	q := New(table)
	var err error
	for key := range v {
		val := v.Get(key)
		switch key {
		case ParamFilter:
			if q.Filter, err = ParseFilter(val); err != nil {
				return Query{}, err
			}
		case ParamOrderBy:
			if q.OrderBy, err = parseOrderBy(val); err != nil {
				return Query{}, err
			}
		case ParamTop:
			if q.Top, err = parseCount(key, val); err != nil {
				return Query{}, err
			}
		case ParamSkip:
			if q.Skip, err = parseCount(key, val); err != nil {
				return Query{}, err
			}
		case ParamSelect:
			q.Select = splitList(val)
		case ParamInlineCount:
			q.IncludeTotalCount = val == InlineCountAllPages
		case ParamIncludeDeleted:
			q.IncludeDeleted = strings.EqualFold(val, "true")
		case ParamSystemProperties:
			q.SystemProperties = splitList(val)
		default:
			if q.Parameters == nil {
				q.Parameters = make(map[string]string)
			}
			q.Parameters[key] = val
		}
	}
	return q, nil
}

func parseCount(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrSyntax, key)
	}
	return n, nil
}

func parseOrderBy(s string) ([]OrderBy, error) {
	var keys []OrderBy
	for _, part := range splitList(s) {
		fields := strings.Fields(part)
		switch {
		case len(fields) == 1:
			keys = append(keys, OrderBy{Field: fields[0]})
		case len(fields) == 2 && strings.EqualFold(fields[1], "asc"):
			keys = append(keys, OrderBy{Field: fields[0]})
		case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
			keys = append(keys, OrderBy{Field: fields[0], Desc: true})
		default:
			return nil, fmt.Errorf("%w: bad $orderby term %q", ErrSyntax, part)
		}
	}
	return keys, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
