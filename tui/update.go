package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Files):
			m.showFiles = !m.showFiles
			m.refreshLog()
			if m.showFiles {
				return m, loadFilesCmd(m.listFiles)
			}
		case key.Matches(msg, m.keys.Follow):
			m.follow = true
			m.viewport.GotoBottom()
		case key.Matches(msg, m.keys.Up), key.Matches(msg, m.keys.Down):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.follow = m.viewport.AtBottom()
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.resize()

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.frame++
		return m, cmd

	case TickMsg:
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case UpdateMsg:
		m.stages = msg.Snapshot
		m.elapsed = msg.Elapsed
		if msg.RunID != "" {
			m.runID = msg.RunID
		}
		m.lastUpdate = m.now()
		m.appendLines(msg.Lines)
		if m.showFiles {
			return m, loadFilesCmd(m.listFiles)
		}

	case FilesMsg:
		m.files = msg.Stages
		m.filesErr = msg.Err
		m.refreshLog()

	case DoneMsg:
		m.done = true
		m.status = msg.Status
		m.err = msg.Err
		m.resize()
	}

	return m, nil
}

func (m *Model) appendLines(lines []domain.DisplayLine) {
	if len(lines) == 0 {
		return
	}
	m.lines = append(m.lines, lines...)
	if len(m.lines) > m.maxLines {
		m.lines = append([]domain.DisplayLine(nil), m.lines[len(m.lines)-m.maxLines:]...)
	}
	m.refreshLog()
}

// resize gives the log pane whatever height the header and timeline leave
func (m *Model) resize() {
	used := lipgloss.Height(m.renderTop()) + 3 // section title + help + spacing
	h := m.height - used
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.refreshLog()
}

// refreshLog fills the lower pane with the log or, when toggled, the
// output file listing
func (m *Model) refreshLog() {
	if m.showFiles {
		m.viewport.SetContent(m.renderFiles())
		m.viewport.GotoTop()
		return
	}
	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		rendered[i] = display.RenderLine(l)
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}
