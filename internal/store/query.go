package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/techfest/festdb/internal/schema"
)

// Op is a comparison operator in a filter predicate.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// SQL returns the SQL comparison operator.
func (o Op) SQL() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "<>"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	}
	return ""
}

func (o Op) valid() bool { return o.SQL() != "" }

func (o Op) isRange() bool { return o != OpEq && o != OpNeq }

// Predicate compares a named field against a value.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Order sorts by a named field.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query filters, orders and limits a read. The zero value reads everything
// in store-defined order.
type Query struct {
	Where   []Predicate `json:"where,omitempty"`
	OrderBy []Order     `json:"order_by,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// Eq is shorthand for an equality predicate.
func Eq(field string, v any) Predicate { return Predicate{Field: field, Op: OpEq, Value: v} }

// Cmp builds a predicate with an explicit operator.
func Cmp(field string, op Op, v any) Predicate { return Predicate{Field: field, Op: op, Value: v} }

// Asc and Desc build orderings.
func Asc(field string) Order  { return Order{Field: field} }
func Desc(field string) Order { return Order{Field: field, Desc: true} }

// ParsePredicate parses "field:op:value". The value is kept as text and
// coerced to the field type by PrepareQuery.
func ParsePredicate(s string) (Predicate, error) {
	field, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Predicate{}, fmt.Errorf("predicate %q: want field:op:value", s)
	}
	op, value, ok := strings.Cut(rest, ":")
	if !ok {
		return Predicate{}, fmt.Errorf("predicate %q: want field:op:value", s)
	}
	p := Predicate{Field: field, Op: Op(op), Value: value}
	if !p.Op.valid() {
		return Predicate{}, fmt.Errorf("predicate %q: unknown operator %q", s, op)
	}
	return p, nil
}

// ParseOrder parses "field" or "field:asc" or "field:desc".
func ParseOrder(s string) (Order, error) {
	field, dir, _ := strings.Cut(s, ":")
	switch strings.ToLower(dir) {
	case "", "asc":
		return Order{Field: field}, nil
	case "desc":
		return Order{Field: field, Desc: true}, nil
	}
	return Order{}, fmt.Errorf("order %q: direction must be asc or desc", s)
}

// PrepareQuery validates every field reference against the registry and
// normalizes predicate values to the field's canonical form.
func PrepareQuery(reg *schema.Registry, table string, q Query) (Query, error) {
	if !reg.Has(table) {
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if q.Limit < 0 {
		return Query{}, &ValidationError{Table: table, Reason: "limit must not be negative"}
	}
	out := Query{Limit: q.Limit}
	for _, p := range q.Where {
		f, err := reg.Field(table, p.Field)
		if err != nil {
			return Query{}, err
		}
		if !p.Op.valid() {
			return Query{}, &ValidationError{Table: table, Field: p.Field, Reason: fmt.Sprintf("unknown operator %q", p.Op)}
		}
		switch f.Type {
		case schema.TypeStringList, schema.TypeJSON:
			return Query{}, &ValidationError{Table: table, Field: p.Field, Reason: "field is not filterable"}
		case schema.TypeBoolean:
			if p.Op.isRange() {
				return Query{}, &ValidationError{Table: table, Field: p.Field, Reason: "range operators need an ordered field"}
			}
		}
		if p.Value == nil {
			return Query{}, &ValidationError{Table: table, Field: p.Field, Reason: "filter value must not be null"}
		}
		v, err := coerce(f, p.Value)
		if err != nil {
			return Query{}, &ValidationError{Table: table, Field: p.Field, Reason: err.Error()}
		}
		out.Where = append(out.Where, Predicate{Field: p.Field, Op: p.Op, Value: v})
	}
	for _, o := range q.OrderBy {
		f, err := reg.Field(table, o.Field)
		if err != nil {
			return Query{}, err
		}
		if f.Type == schema.TypeStringList || f.Type == schema.TypeJSON {
			return Query{}, &ValidationError{Table: table, Field: o.Field, Reason: "field is not sortable"}
		}
		out.OrderBy = append(out.OrderBy, o)
	}
	return out, nil
}

// coerce converts textual filter values from URLs and flags before normalizing.
func coerce(f schema.FieldSpec, v any) (any, error) {
	if s, ok := v.(string); ok {
		switch f.Type {
		case schema.TypeNumber:
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", s)
			}
			return n, nil
		case schema.TypeBoolean:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", s)
			}
			return b, nil
		case schema.TypeEnum:
			// Enum filters compare labels; values outside the domain match nothing.
			return s, nil
		}
	}
	if f.Type == schema.TypeEnum {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return schema.NormalizeValue(f, v)
}
