// Package monitor is the festdb live dashboard: store reachability, the
// replication backlog and the task queue, refreshed on an interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/version"
)

// Source is what the monitor polls. *client.Client satisfies it.
type Source interface {
	Health(ctx context.Context) (*client.Health, error)
	Metrics(ctx context.Context) (*client.Metrics, error)
	Tasks(ctx context.Context, status, table string, limit int) ([]client.Task, error)
	Requeue(ctx context.Context, id string) (*client.Task, error)
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 60

// MinHeight is the minimum terminal height for proper display
const MinHeight = 16

const (
	fetchTimeout = 5 * time.Second
	taskLimit    = 200
	statusTTL    = 3 * time.Second
)

// statusFilters is the cycle of task list filters; "" lists every status.
var statusFilters = []string{"", "pending", "in_flight", "failed_retry", "failed_final", "succeeded"}

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	source Source

	// Window dimensions
	Width  int
	Height int

	// Latest data
	Health  *client.Health
	Metrics *client.Metrics
	Tasks   []client.Task

	// UI state
	FilterIndex int
	ShowHelp    bool
	Loading     bool
	LastRefresh time.Time
	Err         error  // Last fetch error, if any
	Status      string // Transient status line

	RefreshInterval time.Duration
	Version         string
	CheckUpdates    bool   // Ask GitHub for a newer release on start
	UpdateNotice    string // Set once a newer release is known

	keys    keyMap
	help    help.Model
	spinner spinner.Model
	table   table.Model
	now     func() time.Time
}

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Health    *client.Health
	Metrics   *client.Metrics
	Tasks     []client.Task
	Err       error
	Timestamp time.Time
}

// RequeuedMsg reports the outcome of a requeue.
type RequeuedMsg struct {
	TaskID string
	Task   *client.Task
	Err    error
}

// ClearStatusMsg clears the status line.
type ClearStatusMsg struct{}

// NewModel creates a new monitor model
func NewModel(src Source, interval time.Duration, version string) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle))
	t := table.New(
		table.WithColumns(taskColumns(100)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	t.SetStyles(tableStyles())
	return Model{
		source:          src,
		RefreshInterval: interval,
		Version:         version,
		Loading:         true,
		keys:            defaultKeys(),
		help:            help.New(),
		spinner:         sp,
		table:           t,
		now:             time.Now,
	}
}

// Filter returns the active task status filter; "" means all.
func (m Model) Filter() string {
	return statusFilters[m.FilterIndex]
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchData(), m.scheduleTick(), m.spinner.Tick}
	if m.CheckUpdates {
		cmds = append(cmds, version.CheckAsync(m.Version))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.help.Width = msg.Width
		m.resizeTable()
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Loading = false
		m.LastRefresh = msg.Timestamp
		m.Err = msg.Err
		if msg.Health != nil {
			m.Health = msg.Health
		}
		if msg.Metrics != nil {
			m.Metrics = msg.Metrics
		}
		if msg.Tasks != nil {
			m.Tasks = msg.Tasks
			m.table.SetRows(taskRows(m.Tasks, m.now()))
		}
		return m, nil

	case RequeuedMsg:
		if msg.Err != nil {
			m.Status = fmt.Sprintf("requeue %s: %v", msg.TaskID, msg.Err)
		} else {
			m.Status = fmt.Sprintf("requeued %s as %s", msg.TaskID, msg.Task.ID)
		}
		return m, tea.Batch(m.fetchData(), clearStatusAfter(statusTTL))

	case ClearStatusMsg:
		m.Status = ""
		return m, nil

	case version.UpdateAvailableMsg:
		m.UpdateNotice = fmt.Sprintf("%s available", msg.LatestVersion)
		if msg.UpdateCommand != "" {
			m.UpdateNotice += ": " + msg.UpdateCommand
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.ShowHelp = !m.ShowHelp
		m.help.ShowAll = m.ShowHelp
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.Loading = true
		return m, m.fetchData()

	case key.Matches(msg, m.keys.Filter):
		m.FilterIndex = (m.FilterIndex + 1) % len(statusFilters)
		m.Loading = true
		return m, m.fetchData()

	case key.Matches(msg, m.keys.Requeue):
		return m.requeueSelected()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// SelectedTask returns the task under the cursor.
func (m Model) SelectedTask() (client.Task, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.Tasks) {
		return client.Task{}, false
	}
	return m.Tasks[i], true
}

func (m Model) requeueSelected() (tea.Model, tea.Cmd) {
	t, ok := m.SelectedTask()
	if !ok {
		return m, nil
	}
	if t.Status != "failed_final" {
		m.Status = fmt.Sprintf("%s is %s; only failed_final tasks can be requeued", t.ID, t.Status)
		return m, clearStatusAfter(statusTTL)
	}
	src, id := m.source, t.ID
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		task, err := src.Requeue(ctx, id)
		return RequeuedMsg{TaskID: id, Task: task, Err: err}
	}
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return ClearStatusMsg{} })
}

// fetchData polls the source. A health report that arrives with an
// unavailable error is still shown.
func (m Model) fetchData() tea.Cmd {
	src, filter := m.source, m.Filter()
	return func() tea.Msg {
		return FetchData(src, filter)
	}
}

// FetchData retrieves everything the monitor displays.
func FetchData(src Source, filter string) RefreshDataMsg {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	msg := RefreshDataMsg{Timestamp: time.Now()}
	var errs []error

	h, err := src.Health(ctx)
	if h != nil {
		msg.Health = h
	}
	if err != nil && !errors.Is(err, client.ErrUnavailable) {
		errs = append(errs, fmt.Errorf("health: %w", err))
	}

	if mt, err := src.Metrics(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	} else {
		msg.Metrics = mt
	}

	tasks, err := src.Tasks(ctx, filter, "", taskLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("tasks: %w", err))
	} else {
		if tasks == nil {
			tasks = []client.Task{}
		}
		msg.Tasks = tasks
	}

	msg.Err = errors.Join(errs...)
	return msg
}
