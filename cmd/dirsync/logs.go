package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
)

var (
	timeStyle    = lipgloss.NewStyle().Faint(true)
	infoStyle    = lipgloss.NewStyle()
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	syncingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func severityStyle(s report.Severity) lipgloss.Style {
	switch s {
	case report.Success:
		return successStyle
	case report.Warning:
		return warningStyle
	case report.Error:
		return errorStyle
	default:
		return infoStyle
	}
}

func statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusSyncing:
		return syncingStyle
	case model.StatusCompleted:
		return successStyle
	case model.StatusFailed:
		return errorStyle
	default:
		return timeStyle
	}
}

// badge renders a status padded to a fixed width.
func badge(s model.Status) string {
	return statusStyle(s).Render(fmt.Sprintf("%-9s", s))
}

// formatEvent renders one line of `dirsync logs`.
func formatEvent(ev report.Event) string {
	ts := timeStyle.Render(ev.At().Local().Format(time.TimeOnly))
	switch e := ev.(type) {
	case report.LogEvent:
		return fmt.Sprintf("%s %s %s", ts, severityStyle(e.Severity).Render(fmt.Sprintf("%-7s", e.Severity)), e.Text)
	case report.StatusEvent:
		line := fmt.Sprintf("%s %s %s", ts, badge(e.Status), e.Job)
		if e.Diagnostic != "" {
			line += "\n" + indent(e.Diagnostic)
		}
		return line
	case report.ErrorEvent:
		return fmt.Sprintf("%s %s %s", ts, errorStyle.Render("ERROR  "), e.Text)
	default:
		return fmt.Sprintf("%s %v", ts, ev)
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
