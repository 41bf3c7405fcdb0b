package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the width of stdout, then $COLUMNS, then fallback.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return fallback
}

// RenderSchema renders schema markdown for the current terminal.
func RenderSchema(md string) (string, error) {
	return RenderSchemaWidth(md, TerminalWidth(defaultMarkdownWidth))
}

// RenderSchemaWidth renders schema markdown with Glamour at width. Field
// tables too wide for it lose their Values column, which is listed below
// the table instead.
func RenderSchemaWidth(md string, width int) (string, error) {
	if strings.TrimSpace(md) == "" {
		return "", nil
	}
	width = max(width, minMarkdownWidth)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	rendered, err := renderer.Render(FitSchemaTables(md, width))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}

// FitSchemaTables rewrites every field table in md that is wider than
// width so that enum values move out of the table.
func FitSchemaTables(md string, width int) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], "|") {
			out = append(out, lines[i])
			i++
			continue
		}
		j := i
		for j < len(lines) && strings.HasPrefix(lines[j], "|") {
			j++
		}
		out = append(out, foldValues(lines[i:j], width)...)
		i = j
	}
	return strings.Join(out, "\n")
}

func foldValues(rows []string, width int) []string {
	widest := 0
	for _, r := range rows {
		widest = max(widest, ansi.StringWidth(r))
	}
	header := cells(rows[0])
	if widest <= width || len(rows) < 2 || header[len(header)-1] != "Values" {
		return rows
	}

	out := make([]string, 0, len(rows))
	var notes []string
	for i, r := range rows {
		c := cells(r)
		if len(c) != len(header) {
			out = append(out, r)
			continue
		}
		out = append(out, "| "+strings.Join(c[:len(c)-1], " | ")+" |")
		if i > 1 && c[len(c)-1] != "" {
			notes = append(notes, fmt.Sprintf("- `%s`: %s", c[0], c[len(c)-1]))
		}
	}
	if len(notes) > 0 {
		out = append(out, "", "Values:", "")
		out = append(out, notes...)
	}
	return out
}

func cells(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")
	parts := strings.Split(row, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
