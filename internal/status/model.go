// Package status holds the authoritative stage status table of one pipeline
// run. Transitions only move forward: Pending -> Active -> Completed.
package status

import (
	"time"

	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// Model is the stage status table. It is not safe for concurrent use: a
// single owner (the monitor loop) applies events and hands out snapshots.
type Model struct {
	stages []domain.StageStatus
	index  map[domain.StageID]int
	active int // index into stages, -1 when none
	now    func() time.Time
}

// Option configures a Model
type Option func(*Model)

// WithClock overrides the time source used for StartedAt/CompletedAt
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New creates a model from an ordered stage list. Stage states in the input
// are ignored: every stage starts Pending.
func New(stages []domain.StageStatus, opts ...Option) *Model {
	m := &Model{
		stages: make([]domain.StageStatus, len(stages)),
		index:  make(map[domain.StageID]int, len(stages)),
		active: -1,
		now:    time.Now,
	}
	for i, s := range stages {
		m.stages[i] = domain.StageStatus{ID: s.ID, Name: s.Name, State: domain.StagePending}
		m.index[s.ID] = i
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reset returns every stage to Pending for a new run
func (m *Model) Reset() {
	for i := range m.stages {
		m.stages[i] = domain.StageStatus{ID: m.stages[i].ID, Name: m.stages[i].Name}
	}
	m.active = -1
}

// Active returns the currently active stage, if any
func (m *Model) Active() (domain.StageID, bool) {
	if m.active < 0 {
		return "", false
	}
	return m.stages[m.active].ID, true
}

// ActiveID returns the active stage id or "" when none is active
func (m *Model) ActiveID() domain.StageID {
	id, _ := m.Active()
	return id
}

// IsCompleted reports whether id is a known stage in the Completed state
func (m *Model) IsCompleted(id domain.StageID) bool {
	i, ok := m.index[id]
	return ok && m.stages[i].State == domain.StageCompleted
}

// Snapshot returns a deep copy of the table in stage order
func (m *Model) Snapshot() []domain.StageStatus {
	out := make([]domain.StageStatus, len(m.stages))
	for i, s := range m.stages {
		out[i] = s.Clone()
	}
	return out
}

// Apply applies one event and reports whether anything changed.
// Invalid transitions are ignored.
func (m *Model) Apply(ev domain.Event) bool {
	i, ok := m.index[ev.Stage]
	if !ok {
		return false
	}
	switch ev.Kind {
	case domain.EventActivate:
		return m.activate(i)
	case domain.EventComplete:
		return m.complete(i)
	case domain.EventSubtask:
		return m.recordSubtask(i, ev.Label)
	default:
		return false
	}
}

// ApplyAll applies events in order and reports whether any changed the table
func (m *Model) ApplyAll(events []domain.Event) bool {
	changed := false
	for _, ev := range events {
		if m.Apply(ev) {
			changed = true
		}
	}
	return changed
}

func (m *Model) activate(i int) bool {
	if m.stages[i].State == domain.StageCompleted {
		return false
	}

	now := m.now()
	changed := false

	// Activating stage N implies every earlier stage has finished
	for j := 0; j < i; j++ {
		if m.stages[j].State != domain.StageCompleted {
			m.markCompleted(j, now)
			changed = true
		}
	}

	s := &m.stages[i]
	if s.State != domain.StageActive {
		s.State = domain.StageActive
		changed = true
	}
	if s.StartedAt == nil {
		t := now
		s.StartedAt = &t
		changed = true
	}
	m.active = i
	return changed
}

func (m *Model) complete(i int) bool {
	if m.stages[i].State != domain.StageActive {
		return false
	}
	m.markCompleted(i, m.now())
	return true
}

func (m *Model) markCompleted(i int, now time.Time) {
	s := &m.stages[i]
	s.State = domain.StageCompleted
	if s.CompletedAt == nil {
		t := now
		s.CompletedAt = &t
	}
	if m.active == i {
		m.active = -1
	}
}

func (m *Model) recordSubtask(i int, label string) bool {
	s := &m.stages[i]
	if label == "" || s.State != domain.StageActive || s.HasSubtask(label) {
		return false
	}
	s.Subtasks = append(s.Subtasks, label)
	return true
}
