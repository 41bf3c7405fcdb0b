package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// TimeLayout is the canonical text form of timestamps. It is fixed-width UTC,
// so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var parseLayouts = []string{
	time.RFC3339Nano,
	TimeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts RFC 3339 and a few common date forms.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NormalizeValue converts v to the canonical Go representation for the field:
// float64 for numbers, canonical text for timestamps, []string for lists.
// A nil value stays nil.
func NormalizeValue(f FieldSpec, v any) (any, error) {
	return normalizeValue(f, v)
}

func normalizeValue(f FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("value %q not in %v", s, f.Enum)
		}
		return s, nil
	case TypeNumber:
		return toFloat(v)
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return FormatTime(t), nil
		case string:
			parsed, err := ParseTime(t)
			if err != nil {
				return nil, err
			}
			return FormatTime(parsed), nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %T", v)
		}
	case TypeStringList:
		switch l := v.(type) {
		case []string:
			return slices.Clone(l), nil
		case []any:
			out := make([]string, 0, len(l))
			for i, item := range l {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("element %d: expected string, got %T", i, item)
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected list of strings, got %T", v)
		}
	case TypeJSON:
		if raw, ok := v.(json.RawMessage); ok {
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("invalid json: %w", err)
			}
			return out, nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported field type %q", f.Type)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func cloneDefault(v any) any {
	switch d := v.(type) {
	case []string:
		return slices.Clone(d)
	case []any:
		return slices.Clone(d)
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, val := range d {
			out[k] = val
		}
		return out
	}
	return v
}

// ValidateInsert checks a new record's fields and returns a normalized copy
// with defaults applied. A caller-supplied id is kept; system timestamps are
// dropped so the store can set them.
func (r *Registry) ValidateInsert(table string, fields map[string]any, now time.Time) (map[string]any, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(idx.fields))
	for k := range fields {
		if _, ok := idx.byName[k]; !ok {
			return nil, &ValidationError{Table: table, Field: k, Reason: "unknown field"}
		}
	}
	if id, ok := fields[FieldID]; ok && id != nil {
		s, isStr := id.(string)
		if !isStr || s == "" {
			return nil, &ValidationError{Table: table, Field: FieldID, Reason: "id must be a non-empty string"}
		}
		out[FieldID] = s
	}
	for _, f := range idx.fields {
		if f.System {
			continue
		}
		v, present := fields[f.Name]
		if !present || v == nil {
			switch {
			case f.Default != nil:
				out[f.Name] = cloneDefault(f.Default)
				if n, err := normalizeValue(f, out[f.Name]); err == nil {
					out[f.Name] = n
				}
			case f.DefaultNow:
				out[f.Name] = FormatTime(now)
			case f.Required:
				return nil, &ValidationError{Table: table, Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		n, err := normalizeValue(f, v)
		if err != nil {
			return nil, &ValidationError{Table: table, Field: f.Name, Reason: err.Error()}
		}
		out[f.Name] = n
	}
	return out, nil
}

// ValidateUpdate checks a partial update. Unspecified fields are left out of
// the result so stores leave them untouched.
func (r *Registry) ValidateUpdate(table, id string, fields map[string]any) (map[string]any, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		f, ok := idx.byName[k]
		if !ok {
			return nil, &ValidationError{Table: table, Field: k, Reason: "unknown field"}
		}
		if f.System {
			if k == FieldID && v != id {
				return nil, &ValidationError{Table: table, Field: k, Reason: "id cannot be changed"}
			}
			continue
		}
		if v == nil {
			if f.Required {
				return nil, &ValidationError{Table: table, Field: k, Reason: "required field cannot be null"}
			}
			out[k] = nil
			continue
		}
		n, err := normalizeValue(f, v)
		if err != nil {
			return nil, &ValidationError{Table: table, Field: k, Reason: err.Error()}
		}
		out[k] = n
	}
	return out, nil
}

// ValidateSnapshot checks a complete record as replicated from another store.
// Unlike ValidateInsert it requires an id and keeps system timestamps.
func (r *Registry) ValidateSnapshot(table string, rec map[string]any) (map[string]any, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return nil, err
	}
	id, _ := rec[FieldID].(string)
	if id == "" {
		return nil, &ValidationError{Table: table, Field: FieldID, Reason: "snapshot has no id"}
	}
	out := make(map[string]any, len(idx.fields))
	for k, v := range rec {
		f, ok := idx.byName[k]
		if !ok {
			return nil, &ValidationError{Table: table, Field: k, Reason: "unknown field"}
		}
		n, err := normalizeValue(f, v)
		if err != nil {
			return nil, &ValidationError{Table: table, Field: k, Reason: err.Error()}
		}
		if n != nil {
			out[k] = n
		}
	}
	for _, f := range idx.fields {
		if f.Required && out[f.Name] == nil {
			return nil, &ValidationError{Table: table, Field: f.Name, Reason: "required field missing"}
		}
	}
	return out, nil
}

// NormalizeRecord brings a record read back from a store into canonical form.
// Fields the registry does not know and null values are dropped.
func (r *Registry) NormalizeRecord(table string, rec map[string]any) (map[string]any, error) {
	idx, err := r.lookup(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		f, ok := idx.byName[k]
		if !ok || v == nil {
			continue
		}
		n, err := normalizeValue(f, v)
		if err != nil {
			return nil, fmt.Errorf("normalize %s.%s: %w", table, k, err)
		}
		out[k] = n
	}
	return out, nil
}
