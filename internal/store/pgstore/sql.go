package pgstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func columnType(f schema.FieldSpec) string {
	switch f.Type {
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeStringList:
		return "TEXT[]"
	case schema.TypeJSON:
		return "JSONB"
	}
	return "TEXT"
}

// createTable renders the DDL for one registered table. Defaults live in the
// registry, so columns carry only types and constraints.
func createTable(table string, fields []schema.FieldSpec) []string {
	var cols []string
	for _, f := range fields {
		col := ident(f.Name) + " " + columnType(f)
		switch {
		case f.Name == schema.FieldID:
			col += " PRIMARY KEY"
		case f.Required || f.System:
			col += " NOT NULL"
		}
		if f.Type == schema.TypeEnum && len(f.Enum) > 0 {
			vals := make([]string, len(f.Enum))
			for i, v := range f.Enum {
				vals[i] = quoteLiteral(v)
			}
			col += fmt.Sprintf(" CHECK (%s IN (%s))", ident(f.Name), strings.Join(vals, ", "))
		}
		cols = append(cols, col)
	}
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", ident(table), strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			ident("idx_"+table+"_created_at"), ident(table), ident(schema.FieldCreatedAt)),
	}
}

// bindArg converts a canonical field value to what pgx encodes for the
// column type. JSON values travel as text and are cast in SQL.
func bindArg(f schema.FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return schema.ParseTime(s)
	case schema.TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	}
	return v, nil
}

func placeholder(f schema.FieldSpec, n int) string {
	if f.Type == schema.TypeJSON {
		return fmt.Sprintf("$%d::text::jsonb", n)
	}
	return fmt.Sprintf("$%d", n)
}

type specs map[string]schema.FieldSpec

func specsOf(fields []schema.FieldSpec) specs {
	out := make(specs, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out
}

func buildSelect(table string, fields specs, q store.Query) (string, []any, error) {
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT to_jsonb(t) FROM %s AS t", ident(table))
	for i, p := range q.Where {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		f := fields[p.Field]
		v, err := bindArg(f, p.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		fmt.Fprintf(&sb, "t.%s %s %s", ident(p.Field), p.Op.SQL(), placeholder(f, len(args)))
	}
	sb.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, "t.%s %s NULLS LAST, ", ident(o.Field), dir)
	}
	if len(q.OrderBy) == 0 {
		fmt.Fprintf(&sb, "t.%s ASC, ", ident(schema.FieldCreatedAt))
	}
	fmt.Fprintf(&sb, "t.%s ASC", ident(schema.FieldID))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args, nil
}

// buildInsert writes the fields present in rec, in registry order.
func buildInsert(table string, fields []schema.FieldSpec, rec store.Record) (string, []any, error) {
	var cols, vals []string
	var args []any
	for _, f := range fields {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		a, err := bindArg(f, v)
		if err != nil {
			return "", nil, err
		}
		args = append(args, a)
		cols = append(cols, ident(f.Name))
		vals = append(vals, placeholder(f, len(args)))
	}
	q := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		ident(table), strings.Join(cols, ", "), strings.Join(vals, ", "))
	return q, args, nil
}

// buildUpdate sets only the changed columns; nil clears a column.
func buildUpdate(table string, fields []schema.FieldSpec, id string, changes store.Record) (string, []any, error) {
	var sets []string
	var args []any
	for _, f := range fields {
		v, ok := changes[f.Name]
		if !ok || f.Name == schema.FieldID {
			continue
		}
		a, err := bindArg(f, v)
		if err != nil {
			return "", nil, err
		}
		args = append(args, a)
		sets = append(sets, fmt.Sprintf("%s = %s", ident(f.Name), placeholder(f, len(args))))
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s AS t SET %s WHERE t.%s = $%d RETURNING to_jsonb(t)",
		ident(table), strings.Join(sets, ", "), ident(schema.FieldID), len(args))
	return q, args, nil
}

// buildUpsert writes every registered column so that fields absent from the
// snapshot are cleared on conflict.
func buildUpsert(table string, fields []schema.FieldSpec, rec store.Record) (string, []any, error) {
	var cols, vals, sets []string
	var args []any
	for _, f := range fields {
		a, err := bindArg(f, rec[f.Name])
		if err != nil {
			return "", nil, err
		}
		args = append(args, a)
		cols = append(cols, ident(f.Name))
		vals = append(vals, placeholder(f, len(args)))
		if f.Name != schema.FieldID {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(f.Name), ident(f.Name)))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING to_jsonb(t)",
		ident(table), strings.Join(cols, ", "), strings.Join(vals, ", "), ident(schema.FieldID), strings.Join(sets, ", "))
	return q, args, nil
}
