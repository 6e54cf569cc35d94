package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/muesli/termenv"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var (
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	chipBase = lipgloss.NewStyle().Padding(0, 1)

	completedChip = chipBase.Background(lipgloss.Color("22")).Foreground(lipgloss.Color("255"))
	activeChip    = chipBase.Background(lipgloss.Color("130")).Foreground(lipgloss.Color("255"))
	pendingChip   = chipBase.Background(lipgloss.Color("236")).Foreground(lipgloss.Color("250"))

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	levelStyles = map[domain.Level]lipgloss.Style{
		domain.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		domain.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// UsePlainOutput disables colors for non-terminal output
func UsePlainOutput() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// Timeline renders stage snapshots as an ordered, numbered list
type Timeline struct {
	Width int // 0 disables chip wrapping
	Frame int // spinner frame for the active stage
	Now   time.Time
}

// Render returns the timeline for snap
func (tl Timeline) Render(snap []domain.StageStatus) string {
	now := tl.Now
	if now.IsZero() {
		now = time.Now()
	}

	nameWidth := 0
	for _, s := range snap {
		if w := lipgloss.Width(s.Name); w > nameWidth {
			nameWidth = w
		}
	}

	var b strings.Builder
	for i, s := range snap {
		badge := tl.badge(s)
		name := s.Name + strings.Repeat(" ", nameWidth-lipgloss.Width(s.Name))

		line := fmt.Sprintf(" %s %02d  %s  %-9s", badge, i+1, stateStyle(s.State).Render(name), s.State)
		if d := s.Duration(now); d > 0 {
			line += "  " + pendingStyle.Render(FormatDuration(d))
		}
		b.WriteString(line)
		b.WriteString("\n")

		if chips := tl.renderChips(s); chips != "" {
			b.WriteString(chips)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (tl Timeline) badge(s domain.StageStatus) string {
	switch s.State {
	case domain.StageCompleted:
		return completedStyle.Render("✓")
	case domain.StageActive:
		return activeStyle.Render(spinFrames[tl.Frame%len(spinFrames)])
	default:
		return pendingStyle.Render("●")
	}
}

func (tl Timeline) renderChips(s domain.StageStatus) string {
	if len(s.Subtasks) == 0 {
		return ""
	}
	const indent = "      "
	style := chipStyle(s.State)

	var lines []string
	cur := indent
	for _, label := range s.Subtasks {
		chip := style.Render(label)
		if tl.Width > 0 && cur != indent && lipgloss.Width(cur)+1+lipgloss.Width(chip) > tl.Width {
			lines = append(lines, cur)
			cur = indent
		}
		if cur != indent {
			cur += " "
		}
		cur += chip
	}
	lines = append(lines, cur)
	return strings.Join(lines, "\n")
}

// Banner returns the live status text for the active stage:
// "<stage name> · <latest subtask>" or "<stage name> · Initializing...".
// ok is false when no stage is active.
func Banner(snap []domain.StageStatus) (text string, ok bool) {
	for _, s := range snap {
		if s.State != domain.StageActive {
			continue
		}
		current := "Initializing..."
		if n := len(s.Subtasks); n > 0 {
			current = s.Subtasks[n-1]
		}
		return s.Name + " · " + current, true
	}
	return "", false
}

// RenderBanner styles the banner, or returns "" when no stage is active
func RenderBanner(snap []domain.StageStatus) string {
	text, ok := Banner(snap)
	if !ok {
		return ""
	}
	return bannerStyle.Render("● LIVE  " + text)
}

// Progress returns completed and total stage counts
func Progress(snap []domain.StageStatus) (completed, total int) {
	for _, s := range snap {
		if s.State == domain.StageCompleted {
			completed++
		}
	}
	return completed, len(snap)
}

// RenderLine formats a display line as "[15:04:05] text" colored by level
func RenderLine(l domain.DisplayLine) string {
	style, ok := levelStyles[l.Level]
	if !ok {
		style = levelStyles[domain.LevelInfo]
	}
	return pendingStyle.Render("["+l.Timestamp.Format("15:04:05")+"]") + " " + style.Render(l.Text)
}

// FormatDuration rounds d to seconds for display
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

func stateStyle(s domain.StageState) lipgloss.Style {
	switch s {
	case domain.StageCompleted:
		return completedStyle
	case domain.StageActive:
		return activeStyle
	default:
		return pendingStyle
	}
}

func chipStyle(s domain.StageState) lipgloss.Style {
	switch s {
	case domain.StageCompleted:
		return completedChip
	case domain.StageActive:
		return activeChip
	default:
		return pendingChip
	}
}
