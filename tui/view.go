package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39"))

	successStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderTop())
	b.WriteString("\n\n")

	if m.showFiles {
		b.WriteString(sectionTitleStyle.Render("Output files"))
		b.WriteString(dimmedStyle.Render("  (o to return to the log)"))
		b.WriteString("\n")
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(m.help.View(m.keys))
		return b.String()
	}

	b.WriteString(sectionTitleStyle.Render("Log"))
	if !m.follow {
		b.WriteString(dimmedStyle.Render("  (paused, f to follow)"))
	}
	b.WriteString("\n")
	if len(m.lines) == 0 {
		b.WriteString(dimmedStyle.Render("  waiting for output..."))
	} else {
		b.WriteString(m.viewport.View())
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// renderTop is everything above the log pane
func (m Model) renderTop() string {
	var b strings.Builder

	done, total := display.Progress(m.stages)
	header := fmt.Sprintf(" %s │ %d/%d stages │ %s ", m.title, done, total, display.FormatDuration(m.elapsed))
	if m.runID != "" {
		header += fmt.Sprintf("│ run %s ", shortID(m.runID))
	}
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	tl := display.Timeline{Width: m.width, Frame: m.frame, Now: m.now()}
	b.WriteString(tl.Render(m.stages))
	return b.String()
}

func (m Model) renderStatus() string {
	if !m.done {
		if banner := display.RenderBanner(m.stages); banner != "" {
			return m.spinner.View() + " " + banner
		}
		return m.spinner.View() + " " + dimmedStyle.Render("Waiting for the first agent...")
	}

	switch m.status {
	case domain.RunCompleted:
		return successStyle.Render("✓ Run completed")
	case domain.RunTimedOut:
		return warningStyle.Render("⚠ Stopped monitoring: max wait exceeded")
	default:
		msg := "✗ Run failed"
		if m.err != nil {
			msg += ": " + m.err.Error()
		}
		return errorStyle.Render(msg)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
