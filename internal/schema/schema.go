// Package schema describes the record types stored by festdb: table names,
// field sets, semantic field types and enumerated value domains.
package schema

import (
	"fmt"
	"regexp"
	"sort"
)

// FieldType is the semantic type of a record field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeNumber     FieldType = "number"
	TypeBoolean    FieldType = "boolean"
	TypeTimestamp  FieldType = "timestamp"
	TypeEnum       FieldType = "enum"
	TypeStringList FieldType = "string_list"
	TypeJSON       FieldType = "json"
)

// System fields present on every table and managed by the stores.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// FieldSpec describes a single field of a table.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Enum     []string  `json:"enum,omitempty"`
	// Default is applied on insert when the field is absent.
	Default any `json:"default,omitempty"`
	// DefaultNow stamps the insert time into an absent timestamp field.
	DefaultNow bool `json:"default_now,omitempty"`
	System     bool `json:"system,omitempty"`
	// Secret fields never leave the process in change events, and their
	// tables are only served to admin callers.
	Secret bool `json:"secret,omitempty"`
}

// Table is a named set of fields.
type Table struct {
	Name   string
	Fields []FieldSpec
}

// Registry holds the registered tables. It is immutable after construction.
type Registry struct {
	tables map[string]*tableIndex
	names  []string
}

type tableIndex struct {
	fields  []FieldSpec
	byName  map[string]FieldSpec
	secrets []string
}

func systemFields() []FieldSpec {
	return []FieldSpec{
		{Name: FieldID, Type: TypeString, System: true},
		{Name: FieldCreatedAt, Type: TypeTimestamp, System: true},
		{Name: FieldUpdatedAt, Type: TypeTimestamp, System: true},
	}
}

// NewRegistry validates and registers the given tables. System fields are
// prepended to every table.
func NewRegistry(tables ...Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]*tableIndex, len(tables))}
	for _, t := range tables {
		if !validName.MatchString(t.Name) {
			return nil, fmt.Errorf("invalid table name: %q", t.Name)
		}
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table: %q", t.Name)
		}
		idx := &tableIndex{byName: make(map[string]FieldSpec)}
		for _, f := range append(systemFields(), t.Fields...) {
			if !validName.MatchString(f.Name) {
				return nil, fmt.Errorf("table %s: invalid field name: %q", t.Name, f.Name)
			}
			if _, dup := idx.byName[f.Name]; dup {
				return nil, fmt.Errorf("table %s: duplicate field: %q", t.Name, f.Name)
			}
			if f.Type == TypeEnum && len(f.Enum) == 0 {
				return nil, fmt.Errorf("table %s: enum field %q has no values", t.Name, f.Name)
			}
			if f.Default != nil {
				if _, err := normalizeValue(f, f.Default); err != nil {
					return nil, fmt.Errorf("table %s: field %q default: %w", t.Name, f.Name, err)
				}
			}
			idx.fields = append(idx.fields, f)
			idx.byName[f.Name] = f
			if f.Secret {
				idx.secrets = append(idx.secrets, f.Name)
			}
		}
		r.tables[t.Name] = idx
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(tables ...Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic("schema: " + err.Error())
	}
	return r
}

// Describe returns the field specs of a table, system fields first.
func (r *Registry) Describe(table string) ([]FieldSpec, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return nil, err
	}
	out := make([]FieldSpec, len(idx.fields))
	copy(out, idx.fields)
	return out, nil
}

// Field returns the definition of a single field.
func (r *Registry) Field(table, field string) (FieldSpec, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return FieldSpec{}, err
	}
	f, ok := idx.byName[field]
	if !ok {
		return FieldSpec{}, &ValidationError{Table: table, Field: field, Reason: "unknown field"}
	}
	return f, nil
}

// Has reports whether a table is registered.
func (r *Registry) Has(table string) bool {
	_, ok := r.tables[table]
	return ok
}

// Restricted reports whether table holds secret fields.
func (r *Registry) Restricted(table string) bool {
	idx, ok := r.tables[table]
	return ok && len(idx.secrets) > 0
}

// Redact returns rec without the table's secret fields. Records of tables
// without secrets are returned as is.
func (r *Registry) Redact(table string, rec map[string]any) map[string]any {
	idx, ok := r.tables[table]
	if !ok || len(idx.secrets) == 0 || rec == nil {
		return rec
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, name := range idx.secrets {
		delete(out, name)
	}
	return out
}

// Tables returns the registered table names in sorted order.
func (r *Registry) Tables() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) lookup(table string) (*tableIndex, error) {
	idx, ok := r.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return idx, nil
}
