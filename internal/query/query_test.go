package query

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestRender_IncrementalCursorFilter(t *testing.T) {
	// Given: a cursor timestamp and the last id seen
	ts := time.Date(2024, 3, 1, 10, 20, 30, 456_000_000, time.UTC)

	// When: the tie-break filter is rendered
	e := Or(
		Gt("__updatedAt", ts),
		And(Ge("__updatedAt", ts), Gt("id", "abc")),
	)

	// Then: it matches the wire format exactly
	want := "__updatedAt gt (datetime'2024-03-01T10:20:30.456Z') or (__updatedAt ge (datetime'2024-03-01T10:20:30.456Z') and id gt ('abc'))"
	if got := Render(e); got != want {
		t.Errorf("Render() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestRender_Literals(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{"string with quote", Eq("name", "O'Brien"), "name eq ('O''Brien')"},
		{"int", Gt("count", 5), "count gt (5)"},
		{"float", Le("price", 2.5), "price le (2.5)"},
		{"bool", Eq("done", true), "done eq (true)"},
		{"null", Ne("owner", nil), "owner ne (null)"},
		{"number", Eq("n", json.Number("42")), "n eq (42)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.expr); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnd_SkipsNil(t *testing.T) {
	if And(nil, nil) != nil {
		t.Error("And(nil, nil) should be nil")
	}
	e := And(nil, Eq("a", 1))
	if got := Render(e); got != "a eq (1)" {
		t.Errorf("Render() = %q", got)
	}
}

func TestRender_NestedLogicalIsParenthesized(t *testing.T) {
	e := And(Eq("a", 1), Or(Eq("b", 2), Eq("c", 3)))
	want := "a eq (1) and (b eq (2) or c eq (3))"
	if got := Render(e); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestParseFilter_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	inputs := []Expr{
		Eq("name", "it's"),
		Or(Gt("__updatedAt", ts), And(Ge("__updatedAt", ts), Gt("id", "x"))),
		And(Eq("done", false), Ne("owner", nil)),
		And(Eq("a", json.Number("1")), Or(Eq("b", json.Number("-2.5")), Eq("c", "z"))),
	}
	for _, in := range inputs {
		text := Render(in)
		parsed, err := ParseFilter(text)
		if err != nil {
			t.Fatalf("ParseFilter(%q) error = %v", text, err)
		}
		if got := Render(parsed); got != text {
			t.Errorf("round trip mismatch:\n  got  %s\n  want %s", got, text)
		}
	}
}

func TestParseFilter_UnwrappedLiterals(t *testing.T) {
	e, err := ParseFilter("name eq 'x' and count gt 3")
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	if got := Render(e); got != "name eq ('x') and count gt (3)" {
		t.Errorf("Render() = %q", got)
	}
}

func TestParseFilter_DatetimeValue(t *testing.T) {
	e, err := ParseFilter("__updatedAt gt (datetime'2024-05-06T07:08:09.010Z')")
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	c, ok := e.(Compare)
	if !ok {
		t.Fatalf("expected Compare, got %T", e)
	}
	ts, ok := c.Value.(time.Time)
	if !ok {
		t.Fatalf("expected time.Time value, got %T", c.Value)
	}
	if !ts.Equal(time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.UTC)) {
		t.Errorf("value = %v", ts)
	}
}

func TestParseFilter_Errors(t *testing.T) {
	bad := []string{
		"name",
		"name eq",
		"name like ('x')",
		"(name eq 'x'",
		"name eq 'unterminated",
		"name eq 'x' extra",
		"name eq ('x'",
		"a eq 1 or",
	}
	for _, s := range bad {
		if _, err := ParseFilter(s); !errors.Is(err, ErrSyntax) {
			t.Errorf("ParseFilter(%q) error = %v, want ErrSyntax", s, err)
		}
	}
}

func TestParseFilter_Empty(t *testing.T) {
	e, err := ParseFilter("  ")
	if err != nil || e != nil {
		t.Errorf("ParseFilter(blank) = %v, %v; want nil, nil", e, err)
	}
}

func TestEncode_WireShape(t *testing.T) {
	// Given: a pull-style query with every parameter populated
	q := New("todo").
		Where(Eq("done", false)).
		OrderByAsc("__updatedAt").
		OrderByAsc("id").
		WithTop(50)
	q.IncludeTotalCount = true
	q.IncludeDeleted = true
	q.SystemProperties = []string{"__createdAt", "__updatedAt", "__version", "__deleted"}
	q.Parameters = map[string]string{"zone": "eu"}

	// When: encoded
	got := q.Encode()

	// Then: parameters appear in the fixed wire order
	want := "$filter=done%20eq%20%28false%29" +
		"&$orderby=__updatedAt%20asc%2Cid%20asc" +
		"&$skip=0" +
		"&$top=50" +
		"&$inlinecount=allpages" +
		"&__includeDeleted=true" +
		"&__systemproperties=__createdAt%2C__updatedAt%2C__version%2C__deleted" +
		"&zone=eu"
	if got != want {
		t.Errorf("Encode() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestEncode_SkipSentWithPaging(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"unpaged", New("t"), ""},
		{"skip only", New("t").WithSkip(10), "$skip=10"},
		{"top without skip", New("t").WithTop(5), "$skip=0&$top=5"},
		{"top and skip", New("t").WithTop(5).WithSkip(3), "$skip=3&$top=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseValues_RoundTrip(t *testing.T) {
	q := New("todo").Where(Gt("n", 1)).OrderByDesc("n").WithTop(5).WithSkip(2)
	q.Select = []string{"id", "n"}
	q.IncludeDeleted = true
	q.IncludeTotalCount = true
	q.SystemProperties = []string{"__version"}

	v, err := url.ParseQuery(q.Encode())
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	got, err := ParseValues("todo", v)
	if err != nil {
		t.Fatalf("ParseValues() error = %v", err)
	}

	if got.Encode() != q.Encode() {
		t.Errorf("round trip mismatch:\n  got  %s\n  want %s", got.Encode(), q.Encode())
	}
}

func TestParseValues_Rejects(t *testing.T) {
	cases := []url.Values{
		{"$top": {"-1"}},
		{"$skip": {"abc"}},
		{"$orderby": {"a sideways"}},
		{"$filter": {"a eq"}},
	}
	for _, v := range cases {
		if _, err := ParseValues("t", v); !errors.Is(err, ErrSyntax) {
			t.Errorf("ParseValues(%v) error = %v, want ErrSyntax", v, err)
		}
	}
}
