package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/version"
)

type fakeSource struct {
	health      *client.Health
	healthErr   error
	metrics     *client.Metrics
	tasks       []client.Task
	tasksErr    error
	lastFilter  string
	requeued    []string
	requeueTask *client.Task
}

func (f *fakeSource) Health(context.Context) (*client.Health, error) { return f.health, f.healthErr }

func (f *fakeSource) Metrics(context.Context) (*client.Metrics, error) { return f.metrics, nil }

func (f *fakeSource) Tasks(_ context.Context, status, _ string, _ int) ([]client.Task, error) {
	f.lastFilter = status
	return f.tasks, f.tasksErr
}

func (f *fakeSource) Requeue(_ context.Context, id string) (*client.Task, error) {
	f.requeued = append(f.requeued, id)
	return f.requeueTask, nil
}

func sampleTasks() []client.Task {
	now := time.Now()
	return []client.Task{
		{ID: "T1", Status: "pending", Op: "insert", Table: "news_updates", RecordID: "r1", MaxAttempts: 5, CreatedAt: now},
		{ID: "T2", Status: "failed_final", Op: "update", Table: "events", RecordID: "r2", Attempts: 5, MaxAttempts: 5, LastError: "backup down", CreatedAt: now},
	}
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return next.(Model)
}

func TestFetchData(t *testing.T) {
	src := &fakeSource{
		health:  &client.Health{PrimaryReachable: true, BackupReachable: true, PendingReplicationCount: 1},
		metrics: &client.Metrics{Requests: 3},
		tasks:   sampleTasks(),
	}
	msg := FetchData(src, "failed_final")
	require.NoError(t, msg.Err)
	assert.Equal(t, "failed_final", src.lastFilter)
	assert.Equal(t, 1, msg.Health.PendingReplicationCount)
	assert.Equal(t, int64(3), msg.Metrics.Requests)
	assert.Len(t, msg.Tasks, 2)
}

func TestFetchDataKeepsHealthWhenStoresDown(t *testing.T) {
	src := &fakeSource{
		health:    &client.Health{},
		healthErr: fmt.Errorf("%w: both down", client.ErrUnavailable),
		metrics:   &client.Metrics{},
	}
	msg := FetchData(src, "")
	require.NoError(t, msg.Err)
	require.NotNil(t, msg.Health)
	assert.False(t, msg.Health.PrimaryReachable)
	assert.NotNil(t, msg.Tasks, "empty task list still replaces the table")
}

func TestFetchDataReportsErrors(t *testing.T) {
	src := &fakeSource{metrics: &client.Metrics{}, tasksErr: errors.New("boom")}
	msg := FetchData(src, "")
	require.Error(t, msg.Err)
	assert.Contains(t, msg.Err.Error(), "tasks: boom")
	assert.Nil(t, msg.Tasks)
}

func TestRefreshPopulatesView(t *testing.T) {
	m := sized(t, NewModel(&fakeSource{}, time.Second, "v1.0.0"))
	next, _ := m.Update(RefreshDataMsg{
		Health:    &client.Health{PrimaryReachable: true, BackupError: "dial tcp: refused", FailedFinalCount: 1},
		Metrics:   &client.Metrics{Writes: 12},
		Tasks:     sampleTasks(),
		Timestamp: time.Now(),
	})
	m = next.(Model)

	assert.False(t, m.Loading)
	view := m.View()
	for _, want := range []string{"festdb monitor", "v1.0.0", "reachable", "unreachable", "Parked", "TASKS (all, 2)", "T1", "news_updates"} {
		assert.Contains(t, view, want)
	}
}

func TestFailedRefreshKeepsPreviousTasks(t *testing.T) {
	m := sized(t, NewModel(&fakeSource{}, time.Second, ""))
	next, _ := m.Update(RefreshDataMsg{Tasks: sampleTasks(), Timestamp: time.Now()})
	next, _ = next.(Model).Update(RefreshDataMsg{Err: errors.New("tasks: boom"), Timestamp: time.Now()})
	m = next.(Model)
	assert.Len(t, m.Tasks, 2)
	assert.Contains(t, m.View(), "tasks: boom")
}

func TestFilterCycles(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Second, "")
	assert.Equal(t, "", m.Filter())

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	m = next.(Model)
	assert.Equal(t, "pending", m.Filter())
	assert.NotNil(t, cmd)

	for range statusFilters[1:] {
		next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
		m = next.(Model)
	}
	assert.Equal(t, "", m.Filter(), "filter wraps around")
}

func TestQuit(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Second, "")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestRequeueOnlyParkedTasks(t *testing.T) {
	src := &fakeSource{requeueTask: &client.Task{ID: "T3"}}
	m := sized(t, NewModel(src, time.Second, ""))
	next, _ := m.Update(RefreshDataMsg{Tasks: sampleTasks(), Timestamp: time.Now()})
	m = next.(Model)

	// Cursor starts on the pending task.
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("R")})
	m = next.(Model)
	assert.Contains(t, m.Status, "only failed_final")
	assert.Empty(t, src.requeued)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	sel, ok := m.SelectedTask()
	require.True(t, ok)
	require.Equal(t, "T2", sel.ID)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("R")})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, []string{"T2"}, src.requeued)

	next, _ = m.Update(msg)
	assert.Equal(t, "requeued T2 as T3", next.(Model).Status)
}

func TestCompactView(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Second, "")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 30, Height: 10})
	assert.Contains(t, next.(Model).View(), "resize for full view")
}

func TestUpdateNoticeShownInFooter(t *testing.T) {
	m := sized(t, NewModel(&fakeSource{}, time.Second, "v1.0.0"))
	next, _ := m.Update(version.UpdateAvailableMsg{
		CurrentVersion: "v1.0.0",
		LatestVersion:  "v1.1.0",
		UpdateCommand:  version.UpdateCommand("v1.1.0"),
	})
	m = next.(Model)
	assert.Contains(t, m.UpdateNotice, "v1.1.0 available")
	assert.Contains(t, m.View(), "v1.1.0 available")
}
