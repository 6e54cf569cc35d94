package domain

import "time"

// StageStatus is the tracked state of a single pipeline stage
type StageStatus struct {
	ID          StageID
	Name        string
	State       StageState
	Subtasks    []string // distinct, in detection order
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy that shares no memory with s
func (s StageStatus) Clone() StageStatus {
	c := s
	if s.Subtasks != nil {
		c.Subtasks = append([]string(nil), s.Subtasks...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// HasSubtask reports whether label was already detected for this stage
func (s StageStatus) HasSubtask(label string) bool {
	for _, l := range s.Subtasks {
		if l == label {
			return true
		}
	}
	return false
}

// Duration returns how long the stage has been (or was) running
func (s StageStatus) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	if end.Before(*s.StartedAt) {
		return 0
	}
	return end.Sub(*s.StartedAt)
}

// EventKind distinguishes the events a log line can produce
type EventKind uint8

const (
	EventNone EventKind = iota
	EventActivate
	EventComplete
	EventSubtask
)

func (k EventKind) String() string {
	switch k {
	case EventActivate:
		return "activate"
	case EventComplete:
		return "complete"
	case EventSubtask:
		return "subtask"
	default:
		return "none"
	}
}

// Event is derived from one raw log line and applied to the status model
type Event struct {
	Kind  EventKind
	Stage StageID
	Label string // only for EventSubtask
}

// Activate returns an ActivateStage event
func Activate(id StageID) Event { return Event{Kind: EventActivate, Stage: id} }

// Complete returns a CompleteStage event
func Complete(id StageID) Event { return Event{Kind: EventComplete, Stage: id} }

// Subtask returns a RecordSubtask event
func Subtask(id StageID, label string) Event {
	return Event{Kind: EventSubtask, Stage: id, Label: label}
}
