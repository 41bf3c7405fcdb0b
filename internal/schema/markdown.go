package schema

import (
	"fmt"
	"strings"
)

// Markdown renders a table's fields as a markdown document.
func (r *Registry) Markdown(table string) (string, error) {
	fields, err := r.Describe(table)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", table)
	sb.WriteString("| Field | Type | Required | Default | Values |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, f := range fields {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
			f.Name, f.Type, requiredLabel(f), defaultLabel(f), strings.Join(f.Enum, ", "))
	}
	return sb.String(), nil
}

func requiredLabel(f FieldSpec) string {
	switch {
	case f.System:
		return "system"
	case f.Required:
		return "yes"
	}
	return "no"
}

func defaultLabel(f FieldSpec) string {
	switch {
	case f.DefaultNow:
		return "now"
	case f.Default == nil:
		return ""
	}
	switch d := f.Default.(type) {
	case string:
		return fmt.Sprintf("%q", d)
	case []string, []any:
		return "[]"
	}
	return fmt.Sprint(f.Default)
}
