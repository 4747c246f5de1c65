package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/issueflow/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := m.height - 6
		if h < 5 {
			h = 5
		}
		m.runsTable.SetHeight(h)
		m.tasksTable.SetHeight(h)
		m.events.Width = max(m.width-4, 20)
		m.events.Height = h
		return m, nil

	case runsLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load runs: %v", msg.err)
			return m, nil
		}
		m.runs = msg.runs
		m.runsTable.SetRows(runRows(m.runs))
		m.loadedAt = time.Now()
		return m, nil

	case tasksLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load run: %v", msg.err)
			return m, nil
		}
		if m.run == nil || m.run.ID != msg.runID {
			return m, nil
		}
		m.tasks = msg.tasks
		m.tasksTable.SetRows(taskRows(m.tasks))
		return m, nil

	case eventsLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load events: %v", msg.err)
			return m, nil
		}
		rt := msg.task
		m.task = &rt
		m.events.SetContent(renderEvents(msg.events))
		m.events.GotoTop()
		m.screen = screenEvents
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadRuns())
		}
		if m.screen == screenTasks && m.run != nil {
			cmds = append(cmds, m.loadTasks(m.run.ID))
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen == screenEvents {
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenRuns {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()
	case "esc", "backspace":
		return m.goBack()
	case "r":
		m.setStatus("Refreshing...")
		cmds := []tea.Cmd{m.loadRuns()}
		if m.run != nil {
			cmds = append(cmds, m.loadTasks(m.run.ID))
		}
		return m, tea.Batch(cmds...)
	}

	switch m.screen {
	case screenRuns:
		if msg.String() == "enter" {
			if r := m.selectedRun(); r != nil {
				m.run = r
				m.tasks = nil
				m.tasksTable.SetRows(nil)
				m.tasksTable.SetCursor(0)
				m.screen = screenTasks
				return m, m.loadTasks(r.ID)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.runsTable, cmd = m.runsTable.Update(msg)
		return m, cmd

	case screenTasks:
		if msg.String() == "enter" {
			if t := m.selectedTask(); t != nil {
				return m, m.loadEvents(*t)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.tasksTable, cmd = m.tasksTable.Update(msg)
		return m, cmd

	case screenEvents:
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenEvents:
		m.screen = screenTasks
		m.task = nil
	case screenTasks:
		m.screen = screenRuns
		m.run = nil
	}
	return m, nil
}

func runRows(runs []store.Run) []table.Row {
	rows := make([]table.Row, len(runs))
	for i, r := range runs {
		rows[i] = table.Row{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			formatIDs(r.Requested),
			r.Summary,
		}
	}
	return rows
}

func taskRows(tasks []store.RunTask) []table.Row {
	rows := make([]table.Row, len(tasks))
	for i, t := range tasks {
		pr := ""
		if t.ArtifactNumber > 0 {
			pr = fmt.Sprintf("#%d", t.ArtifactNumber)
		}
		rows[i] = table.Row{
			fmt.Sprintf("#%d", t.TaskID),
			t.Outcome,
			t.Title,
			t.Branch,
			pr,
			firstLine(t.Reason),
		}
	}
	return rows
}

func renderEvents(events []store.Event) string {
	if len(events) == 0 {
		return dimStyle.Render("No events recorded.")
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %s %s\n",
			dimStyle.Render(e.Timestamp.Local().Format("15:04:05")),
			eventStyle(e.Type).Render(fmt.Sprintf("%-10s", e.Type)),
			e.Content,
		)
	}
	return b.String()
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
