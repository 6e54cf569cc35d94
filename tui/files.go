package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/crewwatch/internal/artifacts"
)

// FilesMsg carries a fresh output file listing
type FilesMsg struct {
	Stages []artifacts.StageFiles
	Err    error
}

func loadFilesCmd(list FilesFunc) tea.Cmd {
	return func() tea.Msg {
		stages, err := list()
		return FilesMsg{Stages: stages, Err: err}
	}
}

// renderFiles lists each stage's output folder, one file per line
func (m Model) renderFiles() string {
	if m.filesErr != nil {
		return errorStyle.Render("  " + m.filesErr.Error())
	}
	if m.files == nil {
		return dimmedStyle.Render("  loading...")
	}

	var b strings.Builder
	for i, sf := range m.files {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sf.Name)
		if sf.Path != "" {
			b.WriteString(dimmedStyle.Render("  " + sf.Path + "/"))
		}
		b.WriteString("\n")

		switch {
		case sf.Path == "":
			b.WriteString(dimmedStyle.Render("  no output folder"))
			b.WriteString("\n")
		case len(sf.Files) == 0:
			b.WriteString(dimmedStyle.Render("  no files yet"))
			b.WriteString("\n")
		}
		for _, f := range sf.Files {
			meta := fmt.Sprintf("%s, %s", humanize.Bytes(uint64(f.Size)), humanize.RelTime(f.ModTime, m.now(), "ago", "from now"))
			fmt.Fprintf(&b, "  %-28s %-22s %s\n", f.Name, f.Title, dimmedStyle.Render(meta))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
