package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
)

const defaultMaxLines = 500

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Follow key.Binding
	Files  key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Follow, k.Files, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k", "pgup"), key.WithHelp("↑/k", "scroll up")),
	Down:   key.NewBinding(key.WithKeys("down", "j", "pgdown"), key.WithHelp("↓/j", "scroll down")),
	Follow: key.NewBinding(key.WithKeys("f", "end", "G"), key.WithHelp("f", "follow")),
	Files:  key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "output files")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the TUI application model: a stage timeline above a scrolling
// pane of display lines
type Model struct {
	// Data
	title    string
	runID    string
	stages   []domain.StageStatus
	lines    []domain.DisplayLine
	maxLines int
	elapsed  time.Duration

	// Outcome
	done   bool
	status domain.RunStatus
	err    error

	// UI state
	width    int
	height   int
	frame    int
	follow   bool
	spinner  spinner.Model
	help     help.Model
	viewport viewport.Model
	now      func() time.Time

	// Output files
	listFiles FilesFunc
	showFiles bool
	files     []artifacts.StageFiles
	filesErr  error
	keys      keyMap

	lastUpdate time.Time
}

// FilesFunc lists stage output files
type FilesFunc func() ([]artifacts.StageFiles, error)

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Title    string
	RunID    string
	Stages   []domain.StageStatus
	MaxLines int
	Now      func() time.Time
	// Files enables the output file pane; nil hides it
	Files    FilesFunc
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	title := cfg.Title
	if title == "" {
		title = "crewwatch"
	}

	km := keys
	km.Files.SetEnabled(cfg.Files != nil)

	return Model{
		title:     title,
		runID:     cfg.RunID,
		stages:    cfg.Stages,
		maxLines:  maxLines,
		follow:    true,
		spinner:   sp,
		help:      help.New(),
		viewport:  viewport.New(0, 0),
		now:       now,
		listFiles: cfg.Files,
		keys:      km,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

// TickMsg refreshes elapsed times
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// UpdateMsg carries a monitor update into the program
type UpdateMsg monitor.Update

// DoneMsg reports the end of the run
type DoneMsg struct {
	Status domain.RunStatus
	Err    error
}

// Sink forwards monitor updates to a running program
type Sink struct {
	Program *tea.Program
}

// OnUpdate implements monitor.Sink
func (s Sink) OnUpdate(u monitor.Update) {
	s.Program.Send(UpdateMsg(u))
}

// Stages returns the current stage table
func (m Model) Stages() []domain.StageStatus { return m.stages }

// Lines returns the buffered display lines
func (m Model) Lines() []domain.DisplayLine { return m.lines }

// Done reports whether the run has ended
func (m Model) Done() bool { return m.done }
