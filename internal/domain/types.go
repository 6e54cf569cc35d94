package domain

import "fmt"

// StageID identifies one stage of the pipeline (e.g. "ui_architect")
type StageID string

// StageState is the lifecycle state of a stage. It only ever advances:
// Pending -> Active -> Completed.
type StageState uint8

const (
	StagePending StageState = iota
	StageActive
	StageCompleted
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageActive:
		return "active"
	case StageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s StageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *StageState) UnmarshalText(b []byte) error {
	parsed, err := ParseStageState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStageState converts a state name back into a StageState
func ParseStageState(v string) (StageState, error) {
	switch v {
	case "pending", "":
		return StagePending, nil
	case "active":
		return StageActive, nil
	case "completed":
		return StageCompleted, nil
	default:
		return StagePending, fmt.Errorf("unknown stage state %q", v)
	}
}

// Level is the display severity of a log line
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// RunStatus represents the execution state of a pipeline run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// Finished reports whether the run reached a terminal status
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimedOut
}
