package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"github.com/techfest/festdb/internal/client"
)

// taskColumns sizes the task table to width; the error column takes the rest.
func taskColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "ID", Width: 26},
		{Title: "STATUS", Width: 12},
		{Title: "OP", Width: 6},
		{Title: "TABLE", Width: 26},
		{Title: "TRIES", Width: 5},
		{Title: "AGE", Width: 14},
	}
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	errWidth := width - used - 4
	if errWidth < 10 {
		errWidth = 10
	}
	return append(cols, table.Column{Title: "LAST ERROR", Width: errWidth})
}

func taskRows(tasks []client.Task, now time.Time) []table.Row {
	rows := make([]table.Row, len(tasks))
	for i, t := range tasks {
		rows[i] = table.Row{
			t.ID,
			t.Status,
			t.Op,
			t.Table,
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
			humanize.RelTime(t.CreatedAt, now, "ago", "from now"),
			strings.Join(strings.Fields(t.LastError), " "),
		}
	}
	return rows
}

// summaryHeight is the rendered height of the health and metrics row.
const summaryHeight = 9

func (m *Model) resizeTable() {
	m.table.SetColumns(taskColumns(m.Width))
	m.table.SetWidth(m.Width - 4)
	h := m.Height - summaryHeight - 6
	if h < 3 {
		h = 3
	}
	m.table.SetHeight(h)
}

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	half := m.Width/2 - 2
	summary := lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Width(half).Render(m.renderHealth()),
		panelStyle.Width(half).Render(m.renderMetrics()),
	)
	tasks := panelStyle.Width(m.Width - 2).Render(m.renderTasks())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		summary,
		tasks,
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("festdb monitor")
	if m.Version != "" {
		title += subtleStyle.Render(" " + m.Version)
	}
	right := ""
	switch {
	case m.Loading:
		right = m.spinner.View() + " refreshing"
	case !m.LastRefresh.IsZero():
		right = subtleStyle.Render("updated " + m.LastRefresh.Format("15:04:05"))
	}
	gap := m.Width - lipgloss.Width(title) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + right
}

func reachable(ok bool, errText string) string {
	if ok {
		return okStyle.Render("● reachable")
	}
	s := errStyle.Render("● unreachable")
	if errText != "" {
		s += " " + subtleStyle.Render(errText)
	}
	return s
}

func (m Model) renderHealth() string {
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render("STORES"))
	b.WriteString("\n")
	h := m.Health
	if h == nil {
		b.WriteString(subtleStyle.Render("no data yet"))
		return b.String()
	}
	width := m.Width/2 - 6
	line := func(s string) {
		b.WriteString(ansi.Truncate(s, width, "…"))
		b.WriteString("\n")
	}
	line("Primary  " + reachable(h.PrimaryReachable, h.PrimaryError))
	line("Backup   " + reachable(h.BackupReachable, h.BackupError))
	pending := fmt.Sprintf("Pending  %s", humanize.Comma(int64(h.PendingReplicationCount)))
	if h.PendingReplicationCount > 0 {
		age := time.Duration(h.OldestPendingAgeSeconds) * time.Second
		pending += subtleStyle.Render(fmt.Sprintf(" oldest %s", age))
	}
	line(pending)
	line(fmt.Sprintf("Flight   %d   Retry %d", h.InFlightCount, h.FailedRetryCount))
	parked := fmt.Sprintf("Parked   %d", h.FailedFinalCount)
	if h.FailedFinalCount > 0 {
		parked = warnStyle.Render(parked)
	}
	line(parked)
	b.WriteString(subtleStyle.Render(fmt.Sprintf("rev %d / %d", h.PrimaryRevision, h.BackupRevision)))
	return b.String()
}

func (m Model) renderMetrics() string {
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render("SERVER"))
	b.WriteString("\n")
	mt := m.Metrics
	if mt == nil {
		b.WriteString(subtleStyle.Render("no data yet"))
		return b.String()
	}
	uptime := time.Duration(mt.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(&b, "Uptime   %s\n", uptime)
	fmt.Fprintf(&b, "Requests %s  errors %d/%d\n", humanize.Comma(mt.Requests), mt.ServerErrors, mt.ClientErrors)
	fmt.Fprintf(&b, "Writes   %s  degraded reads %s\n", humanize.Comma(mt.Writes), humanize.Comma(mt.DegradedReads))
	enq := fmt.Sprintf("Enqueue errors %d", mt.EnqueueErrors)
	if mt.EnqueueErrors > 0 {
		enq = warnStyle.Render(enq)
	}
	b.WriteString(enq + "\n")
	fmt.Fprintf(&b, "Streams  %d  dropped %d\n", mt.OpenStreams, mt.Dropped)
	if r := mt.Replication; r != nil {
		fmt.Fprintf(&b, "Replayed %s  failed %d  abandoned %d", humanize.Comma(r.Replayed), r.Failed, r.Abandoned)
	}
	return b.String()
}

func (m Model) renderTasks() string {
	filter := m.Filter()
	if filter == "" {
		filter = "all"
	}
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render(fmt.Sprintf("TASKS (%s, %d)", filter, len(m.Tasks))))
	b.WriteString("\n")
	if len(m.Tasks) == 0 {
		b.WriteString(subtleStyle.Render("queue is empty"))
		return b.String()
	}
	b.WriteString(m.table.View())
	if t, ok := m.SelectedTask(); ok {
		b.WriteString("\n")
		detail := fmt.Sprintf("%s %s %s/%s", formatStatus(t.Status), t.Op, t.Table, t.RecordID)
		b.WriteString(ansi.Truncate(detail, m.Width-6, "…"))
	}
	return b.String()
}

func (m Model) renderFooter() string {
	var parts []string
	if m.Err != nil {
		parts = append(parts, errStyle.Render(ansi.Truncate(m.Err.Error(), m.Width, "…")))
	}
	if m.Status != "" {
		parts = append(parts, warnStyle.Render(ansi.Truncate(m.Status, m.Width, "…")))
	}
	if m.UpdateNotice != "" {
		parts = append(parts, subtleStyle.Render(ansi.Truncate(m.UpdateNotice, m.Width, "…")))
	}
	parts = append(parts, m.help.View(m.keys))
	return strings.Join(parts, "\n")
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("festdb monitor (resize for full view)\n\n")
	if h := m.Health; h != nil {
		fmt.Fprintf(&s, "Primary: %v  Backup: %v\n", h.PrimaryReachable, h.BackupReachable)
		fmt.Fprintf(&s, "Pending: %d  Parked: %d\n", h.PendingReplicationCount, h.FailedFinalCount)
	}
	fmt.Fprintf(&s, "Tasks: %d\n", len(m.Tasks))
	if m.Err != nil {
		s.WriteString(ansi.Truncate(m.Err.Error(), m.Width, "…") + "\n")
	}
	s.WriteString("\nq:quit r:refresh f:filter")
	return s.String()
}
