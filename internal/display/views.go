package display

import (
	"time"

	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// StageView is the JSON projection of one stage for UI consumers
type StageView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	State       string   `json:"state"`
	Subtasks    []string `json:"subtasks"`
	StartedAt   *string  `json:"started_at,omitempty"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	Duration    string   `json:"duration,omitempty"`
}

// LineView is the JSON projection of a display line
type LineView struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Text      string `json:"text"`
}

// Views builds the structured snapshot consumed by the web UI
func Views(snap []domain.StageStatus, now time.Time) []StageView {
	out := make([]StageView, len(snap))
	for i, s := range snap {
		v := StageView{
			ID:       string(s.ID),
			Name:     s.Name,
			State:    s.State.String(),
			Subtasks: append([]string{}, s.Subtasks...),
		}
		if s.StartedAt != nil {
			t := s.StartedAt.Format(time.RFC3339)
			v.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := s.CompletedAt.Format(time.RFC3339)
			v.CompletedAt = &t
		}
		if d := s.Duration(now); d > 0 {
			v.Duration = FormatDuration(d)
		}
		out[i] = v
	}
	return out
}

// LineViews converts display lines for JSON output
func LineViews(lines []domain.DisplayLine) []LineView {
	out := make([]LineView, len(lines))
	for i, l := range lines {
		out[i] = LineView{
			Timestamp: l.Timestamp.Format(time.RFC3339),
			Level:     string(l.Level),
			Text:      l.Text,
		}
	}
	return out
}
