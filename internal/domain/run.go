package domain

import "time"

// Run represents a single execution of the pipeline
type Run struct {
	ID         string
	Topology   string
	LogPath    string
	Status     RunStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
}

// Duration returns the wall-clock duration of the run so far
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// DisplayLine is a filtered, leveled log line for human display.
// It never drives stage state.
type DisplayLine struct {
	Timestamp time.Time
	Level     Level
	Text      string
}
