package core

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

/*
This is a parser for a simple query language with the following grammar:

Query       := Expr
Expr        := OrExpr ( "OR" OrExpr )*
OrExpr      := AndExpr ( "AND" AndExpr )*
AndExpr     := "NOT"? Condition
Condition   := Filter | "(" Expr ")"
Filter      := Field Op Value | Field "IS" "NOT"? "EMPTY"
Field       := <identifier> ( "." <identifier> )*
Op          := "=" | "!=" | "<" | "<=" | ">" | ">=" | "CONTAINS" | "STARTSWITH" | "ENDSWITH" | "MATCHES"
Value       := <string> | <number>

*/

var (
	queryLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "String", Pattern: `"(\\"|[^"])*"`},
		{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?`},
		{Name: "Op", Pattern: `!=|<=|>=|=|<|>`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*`},
		{Name: "Paren", Pattern: `[()]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	parser = participle.MustBuild[QueryExpr](
		participle.Lexer(queryLexer),
		participle.Elide("Whitespace"),
		participle.Unquote("String"),
		participle.Union[Value](StringValue{}, NumberValue{}),
	)

	queryOps = map[string]string{
		"=":          OpEquals,
		"!=":         OpNotEquals,
		"<":          OpLessThan,
		"<=":         OpLessOrEqual,
		">":          OpGreaterThan,
		">=":         OpGreaterOrEqual,
		"CONTAINS":   OpContains,
		"STARTSWITH": OpStartsWith,
		"ENDSWITH":   OpEndsWith,
		"MATCHES":    OpRegex,
	}
)

func ParseQuery(query string) (Filter, error) {
	q, err := parser.ParseString("", query)
	if err != nil {
		return nil, fmt.Errorf("error parsing query '%s': %w", query, err)
	}

	filter, err := q.ToFilter()
	if err != nil {
		return nil, fmt.Errorf("error converting query '%s' to filter: %w", query, err)
	}

	return filter, nil
}

type QueryExpr struct {
	Expr *Expr `@@`
}

func (q *QueryExpr) ToFilter() (Filter, error) {
	return q.Expr.ToFilter()
}

func (q *QueryExpr) String() string {
	return q.Expr.String()
}

type Expr struct {
	Ors []*OrExpr `@@ ( "OR" @@ )*`
}

func (q *Expr) ToFilter() (Filter, error) {
	if len(q.Ors) == 0 {
		return nil, fmt.Errorf("empty OR expression")
	}

	if len(q.Ors) == 1 {
		return q.Ors[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range q.Ors {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &OrFilter{filters: filters}, nil
}

func (e *Expr) String() string {
	if len(e.Ors) == 0 {
		return ""
	}

	if len(e.Ors) == 1 {
		return e.Ors[0].String()
	}

	out := fmt.Sprintf("(%s)", e.Ors[0].String())
	for _, cond := range e.Ors[1:] {
		out += fmt.Sprintf(" OR (%s)", cond.String())
	}

	return out
}

type OrExpr struct {
	Ands []*Condition `@@ ( "AND" @@ )*`
}

func (o *OrExpr) ToFilter() (Filter, error) {
	if len(o.Ands) == 0 {
		return nil, fmt.Errorf("empty AND expression")
	}

	if len(o.Ands) == 1 {
		return o.Ands[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range o.Ands {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &AndFilter{filters: filters}, nil
}

func (e *OrExpr) String() string {
	if len(e.Ands) == 0 {
		return ""
	}

	if len(e.Ands) == 1 {
		return e.Ands[0].String()
	}

	out := fmt.Sprintf("(%s)", e.Ands[0].String())
	for _, cond := range e.Ands[1:] {
		out += fmt.Sprintf(" AND (%s)", cond.String())
	}

	return out
}

type Condition struct {
	Not     bool        `@"NOT"?`
	Filter  *FilterExpr `( @@`
	SubExpr *Expr       `| "(" @@ ")" )`
}

func (c *Condition) ToFilter() (Filter, error) {
	var filter Filter = nil
	var err error
	if c.Filter != nil {
		filter, err = c.Filter.ToFilter()
	} else if c.SubExpr != nil {
		filter, err = c.SubExpr.ToFilter()
	}

	if err != nil {
		return nil, err
	}

	if c.Not {
		filter = &NotFilter{filter: filter}
	}

	return filter, nil
}

func (c *Condition) String() string {
	var out string
	if c.SubExpr != nil {
		out = c.SubExpr.String()
	} else {
		out = c.Filter.String()
	}
	if c.Not {
		return fmt.Sprintf("NOT (%s)", out)
	}
	return out
}

type FilterExpr struct {
	Field string      `@Ident`
	Empty *EmptyCheck `( @@`
	Op    string      `| @("CONTAINS" | "STARTSWITH" | "ENDSWITH" | "MATCHES" | Op)`
	Value Value       `  @@ )`
}

type EmptyCheck struct {
	Not bool `"IS" @"NOT"? "EMPTY"`
}

func (f *FilterExpr) ToFilter() (Filter, error) {
	if f.Empty != nil {
		if f.Empty.Not {
			return NewRuleFilter(f.Field, OpIsNotEmpty, nil), nil
		}
		return NewRuleFilter(f.Field, OpIsEmpty, nil), nil
	}

	op, ok := queryOps[f.Op]
	if !ok {
		return nil, fmt.Errorf("invalid operator %s", f.Op)
	}

	switch op {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		if _, ok := f.Value.(NumberValue); !ok {
			return nil, fmt.Errorf("operator %s requires a numeric value to compare to", f.Op)
		}
	case OpRegex:
		if _, ok := f.Value.(StringValue); !ok {
			return nil, fmt.Errorf("operator %s requires a string pattern", f.Op)
		}
	}

	switch v := f.Value.(type) {
	case StringValue:
		return NewRuleFilter(f.Field, op, v.Value), nil
	case NumberValue:
		return NewRuleFilter(f.Field, op, v.Value), nil
	default:
		return nil, fmt.Errorf("operator %s requires a value to compare to", f.Op)
	}
}

func (f *FilterExpr) String() string {
	if f.Empty != nil {
		if f.Empty.Not {
			return fmt.Sprintf("%s IS NOT EMPTY", f.Field)
		}
		return fmt.Sprintf("%s IS EMPTY", f.Field)
	}
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

type Value interface{ value() }

type StringValue struct {
	Value string `@String`
}

func (s StringValue) value() {}

type NumberValue struct {
	Value float64 `@Number`
}

func (n NumberValue) value() {}
