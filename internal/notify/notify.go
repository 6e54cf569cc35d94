// Package notify tells people when a pipeline run ends.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// Outcome is how a run ended, as far as a reader of the notification cares
type Outcome int

const (
	Succeeded Outcome = iota
	TimedOut
	Failed
)

// StageSummary is one row of the stage table carried by a notification
type StageSummary struct {
	Name     string
	State    domain.StageState
	Subtasks []string
}

// Notification describes a finished run
type Notification struct {
	Title     string
	Message   string
	Outcome   Outcome
	RunID     string
	Topology  string
	Elapsed   time.Duration
	Completed int
	Stages    []StageSummary
}

// Progress renders "2/3 stages"
func (n Notification) Progress() string {
	return fmt.Sprintf("%d/%d stages", n.Completed, len(n.Stages))
}

// Notifier delivers notifications
type Notifier interface {
	Send(n Notification) error
}

// Multi sends to every notifier and joins their errors
type Multi []Notifier

// Send implements Notifier
func (m Multi) Send(n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards notifications
type Noop struct{}

// Send implements Notifier
func (Noop) Send(Notification) error { return nil }

// FromConfig builds the notifiers enabled in the config
func FromConfig(c config.NotificationsConfig) Notifier {
	var m Multi
	if c.Desktop {
		m = append(m, Desktop{})
	}
	if c.SlackWebhook != "" {
		m = append(m, NewSlackNotifier(c.SlackWebhook))
	}
	if len(m) == 0 {
		return Noop{}
	}
	return m
}

// RunFinished builds the notification for a run that reached a terminal status
func RunFinished(run *domain.Run, snap []domain.StageStatus) Notification {
	completed, _ := display.Progress(snap)
	n := Notification{
		RunID:     run.ID,
		Topology:  run.Topology,
		Elapsed:   run.Duration().Round(time.Second),
		Completed: completed,
		Stages:    make([]StageSummary, len(snap)),
	}
	for i, s := range snap {
		n.Stages[i] = StageSummary{Name: s.Name, State: s.State, Subtasks: append([]string(nil), s.Subtasks...)}
	}

	switch run.Status {
	case domain.RunCompleted:
		n.Outcome = Succeeded
		n.Title = "Crew run completed"
		n.Message = fmt.Sprintf("%s completed in %s", n.Progress(), n.Elapsed)
	case domain.RunTimedOut:
		n.Outcome = TimedOut
		n.Title = "Crew run timed out"
		n.Message = fmt.Sprintf("%s completed when monitoring stopped after %s", n.Progress(), n.Elapsed)
		if text, ok := display.Banner(snap); ok {
			n.Message += ", last seen " + text
		}
	default:
		n.Outcome = Failed
		n.Title = "Crew run failed"
		n.Message = fmt.Sprintf("%s completed", n.Progress())
		if run.Error != "" {
			n.Message += ": " + run.Error
		}
	}
	if run.StartedAt != nil {
		n.Message += fmt.Sprintf(" (started %s)", humanize.Time(*run.StartedAt))
	}
	return n
}
