// Package tui is a terminal viewer for the run ledger: recent runs, the
// outcome of every task in a run, and a task's event history.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/issueflow/internal/store"
)

// screen is which page the viewer shows.
type screen int

const (
	screenRuns   screen = iota // Recent runs (main)
	screenTasks                // Tasks of one run
	screenEvents               // Event history of one task
)

const (
	runLimit        = 50
	refreshInterval = 2 * time.Second
)

// Source is the part of the ledger the viewer reads.
type Source interface {
	ListRuns(limit int) ([]store.Run, error)
	ListRunTasks(runID string) ([]store.RunTask, error)
	GetEvents(runID string, taskID int64) ([]store.Event, error)
}

// Model is the top-level bubbletea model.
type Model struct {
	src    Source
	width  int
	height int

	screen screen

	runs      []store.Run
	runsTable table.Model

	run        *store.Run
	tasks      []store.RunTask
	tasksTable table.Model

	task     *store.RunTask
	events   viewport.Model
	loadedAt time.Time

	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates a viewer over src.
func New(src Source) Model {
	runs := table.New(
		table.WithColumns([]table.Column{
			{Title: "Started", Width: 19},
			{Title: "Status", Width: 10},
			{Title: "Tasks", Width: 24},
			{Title: "Summary", Width: 48},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	runs.SetStyles(tableStyles())

	tasks := table.New(
		table.WithColumns([]table.Column{
			{Title: "Task", Width: 7},
			{Title: "Outcome", Width: 10},
			{Title: "Title", Width: 30},
			{Title: "Branch", Width: 32},
			{Title: "PR", Width: 6},
			{Title: "Reason", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	tasks.SetStyles(tableStyles())

	return Model{
		src:        src,
		screen:     screenRuns,
		runsTable:  runs,
		tasksTable: tasks,
		events:     viewport.New(80, 20),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadRuns(), tickCmd())
}

type runsLoadedMsg struct {
	runs []store.Run
	err  error
}

type tasksLoadedMsg struct {
	runID string
	tasks []store.RunTask
	err   error
}

type eventsLoadedMsg struct {
	task   store.RunTask
	events []store.Event
	err    error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadRuns() tea.Cmd {
	return func() tea.Msg {
		runs, err := m.src.ListRuns(runLimit)
		return runsLoadedMsg{runs: runs, err: err}
	}
}

func (m Model) loadTasks(runID string) tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.src.ListRunTasks(runID)
		return tasksLoadedMsg{runID: runID, tasks: tasks, err: err}
	}
}

func (m Model) loadEvents(rt store.RunTask) tea.Cmd {
	return func() tea.Msg {
		events, err := m.src.GetEvents(rt.RunID, rt.TaskID)
		return eventsLoadedMsg{task: rt, events: events, err: err}
	}
}

func (m *Model) setStatus(format string, args ...any) {
	m.statusMsg = fmt.Sprintf(format, args...)
	m.statusTime = time.Now()
}

func (m Model) selectedRun() *store.Run {
	i := m.runsTable.Cursor()
	if i < 0 || i >= len(m.runs) {
		return nil
	}
	r := m.runs[i]
	return &r
}

func (m Model) selectedTask() *store.RunTask {
	i := m.tasksTable.Cursor()
	if i < 0 || i >= len(m.tasks) {
		return nil
	}
	t := m.tasks[i]
	return &t
}
