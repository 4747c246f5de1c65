package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(clrSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(clrHighlight).
		Bold(true)
	return s
}

// eventStyle colors an event or outcome name.
func eventStyle(kind string) lipgloss.Style {
	switch kind {
	case "completed", "artifact":
		return lipgloss.NewStyle().Foreground(clrGreen)
	case "failed", "invalid":
		return lipgloss.NewStyle().Foreground(clrRed)
	case "skipped", "deferred", "warning":
		return lipgloss.NewStyle().Foreground(clrYellow)
	case "transition", "started", "worker":
		return lipgloss.NewStyle().Foreground(clrBlue)
	}
	return dimStyle
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	switch m.screen {
	case screenRuns:
		b.WriteString(m.viewRuns())
	case screenTasks:
		b.WriteString(m.viewTasks())
	case screenEvents:
		b.WriteString(m.viewEvents())
	}
	b.WriteString("\n")
	if m.statusMsg != "" {
		b.WriteString(statusStyle.Render(m.statusMsg))
		b.WriteString("\n")
	}
	b.WriteString(m.footer())
	return b.String()
}

func (m Model) viewRuns() string {
	header := titleStyle.Render("issueflow runs")
	header += dimStyle.Render(fmt.Sprintf(" · %d recorded", len(m.runs)))
	if len(m.runs) == 0 {
		return header + "\n\n" + dimStyle.Render("No runs yet. Start one with: issueflow run <task-id>...") + "\n"
	}
	return header + "\n\n" + m.runsTable.View() + "\n"
}

func (m Model) viewTasks() string {
	if m.run == nil {
		return ""
	}
	header := titleStyle.Render("run "+shortID(m.run.ID)) +
		" " + eventStyle(m.run.Status).Render(m.run.Status) +
		dimStyle.Render(" · started "+m.run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if m.run.Summary != "" {
		header += "\n" + dimStyle.Render(m.run.Summary)
	}
	if len(m.tasks) == 0 {
		return header + "\n\n" + dimStyle.Render("No tasks recorded for this run.") + "\n"
	}
	return header + "\n\n" + m.tasksTable.View() + "\n"
}

func (m Model) viewEvents() string {
	if m.task == nil {
		return ""
	}
	header := titleStyle.Render(fmt.Sprintf("#%d %s", m.task.TaskID, m.task.Title)) +
		" " + eventStyle(m.task.Outcome).Render(m.task.Outcome)
	var extra []string
	if m.task.Branch != "" {
		extra = append(extra, "branch "+m.task.Branch)
	}
	if m.task.ArtifactURL != "" {
		extra = append(extra, m.task.ArtifactURL)
	}
	if len(extra) > 0 {
		header += "\n" + dimStyle.Render(strings.Join(extra, " · "))
	}
	if m.task.Reason != "" {
		header += "\n" + lipgloss.NewStyle().Foreground(clrRed).Render(m.task.Reason)
	}
	return header + "\n\n" + m.events.View() + "\n"
}

func (m Model) footer() string {
	keys := [][2]string{{"↑/↓", "move"}, {"enter", "open"}, {"r", "refresh"}, {"q", "quit"}}
	if m.screen != screenRuns {
		keys = [][2]string{{"↑/↓", "scroll"}, {"enter", "open"}, {"esc", "back"}, {"q", "back"}}
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = footerKeyStyle.Render(k[0]) + " " + footerDescStyle.Render(k[1])
	}
	return strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
