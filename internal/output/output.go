// Package output provides styled terminal output helpers (success, error,
// warning, tables of records and tasks) using lipgloss and tablewriter.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/techfest/festdb/internal/client"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[string]lipgloss.Style{
		"pending":      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"in_flight":    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"failed_retry": lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"failed_final": lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"succeeded":    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

// MaxCellWidth bounds record cells in tables.
const MaxCellWidth = 40

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message to stderr
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// Subtle renders s dimmed.
func Subtle(s string) string { return subtleStyle.Render(s) }

// Title renders s bold.
func Title(s string) string { return titleStyle.Render(s) }

// JSON outputs data as JSON
func JSON(v any) error {
	return WriteJSON(os.Stdout, v)
}

// WriteJSON writes v as indented JSON to w.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// FormatStatus formats a task status with color
func FormatStatus(s string) string {
	style, ok := statusStyles[s]
	if !ok {
		return s
	}
	return style.Render(s)
}

// FormatAge renders how long before now t was, e.g. "3 minutes ago".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// FormatValue renders a record field for a table cell.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return humanize.Comma(int64(x))
		}
		return humanize.Ftoa(x)
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatValue(e)
		}
		return strings.Join(parts, ", ")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Cell flattens and truncates s to width columns.
func Cell(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return ansi.Truncate(s, width, "…")
}

func newTable(w io.Writer, headers []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(headers)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// RecordColumns picks table columns: id first, then fields if given,
// otherwise every non-system field seen, sorted.
func RecordColumns(records []client.Record, fields []string) []string {
	if len(fields) > 0 {
		return append([]string{"id"}, fields...)
	}
	seen := map[string]bool{}
	for _, r := range records {
		for k := range r {
			switch k {
			case "id", "created_at", "updated_at":
			default:
				seen[k] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return append([]string{"id"}, cols...)
}

// RecordsTable writes records as a table with the given columns.
func RecordsTable(w io.Writer, records []client.Record, columns []string) {
	t := newTable(w, columns)
	for _, r := range records {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = Cell(FormatValue(r[c]), MaxCellWidth)
		}
		t.Append(row)
	}
	t.Render()
}

// RecordDetail writes one record as aligned key/value lines.
func RecordDetail(w io.Writer, r client.Record) {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := newTable(w, []string{"FIELD", "VALUE"})
	for _, k := range keys {
		t.Append([]string{k, FormatValue(r[k])})
	}
	t.Render()
}

// TasksTable writes replication tasks as a table.
func TasksTable(w io.Writer, tasks []client.Task, now time.Time) {
	t := newTable(w, []string{"ID", "STATUS", "OP", "TABLE", "RECORD", "ATTEMPTS", "AGE", "LAST ERROR"})
	for _, task := range tasks {
		t.Append([]string{
			task.ID,
			FormatStatus(task.Status),
			task.Op,
			task.Table,
			task.RecordID,
			fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts),
			FormatAge(task.CreatedAt, now),
			Cell(task.LastError, MaxCellWidth),
		})
	}
	t.Render()
}

// TaskDetail writes one task with its history.
func TaskDetail(w io.Writer, d client.TaskDetail, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s %s %s/%s", d.ID, d.Op, d.Table, d.RecordID)))
	fmt.Fprintf(w, "Status:   %s\n", FormatStatus(d.Status))
	fmt.Fprintf(w, "Attempts: %d/%d\n", d.Attempts, d.MaxAttempts)
	fmt.Fprintf(w, "Created:  %s\n", FormatAge(d.CreatedAt, now))
	if d.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", errorStyle.Render(d.LastError))
	}
	if len(d.History) == 0 {
		return
	}
	fmt.Fprintln(w, SectionHeader("history"))
	t := newTable(w, []string{"AT", "FROM", "TO", "ATTEMPT", "REASON"})
	for _, h := range d.History {
		t.Append([]string{
			h.At.Local().Format("2006-01-02 15:04:05"),
			h.From,
			FormatStatus(h.To),
			fmt.Sprint(h.Attempt),
			Cell(h.Reason, MaxCellWidth),
		})
	}
	t.Render()
}

func reachable(ok bool, errText string) string {
	if ok {
		return successStyle.Render("reachable")
	}
	if errText == "" {
		return errorStyle.Render("unreachable")
	}
	return errorStyle.Render("unreachable") + subtleStyle.Render(" ("+errText+")")
}

// HealthSummary renders a health report.
func HealthSummary(h client.Health) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Primary:  %s\n", reachable(h.PrimaryReachable, h.PrimaryError))
	fmt.Fprintf(&sb, "Backup:   %s\n", reachable(h.BackupReachable, h.BackupError))
	fmt.Fprintf(&sb, "Pending:  %s", humanize.Comma(int64(h.PendingReplicationCount)))
	if h.PendingReplicationCount > 0 {
		age := time.Duration(h.OldestPendingAgeSeconds) * time.Second
		fmt.Fprintf(&sb, " %s", subtleStyle.Render("(oldest "+age.Round(time.Second).String()+")"))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "In flight: %d  Retrying: %d\n", h.InFlightCount, h.FailedRetryCount)
	parked := fmt.Sprintf("Parked:   %d", h.FailedFinalCount)
	if h.FailedFinalCount > 0 {
		parked = warningStyle.Render(parked)
	}
	sb.WriteString(parked)
	return sb.String()
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nHISTORY:"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:", strings.ToUpper(title))
}
