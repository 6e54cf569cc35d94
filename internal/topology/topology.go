package topology

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no topology with the requested name exists
var ErrNotFound = errors.New("topology not found")

var (
	defaultAgentMarkers = []string{"Working Agent:", "# Agent:", "[Agent:", "Agent:"}
	defaultTaskMarkers  = []string{"## Task:", "Task Description:", "Starting Task:"}
)

const defaultCompletionKeyword = "saved"

// Topology is an ordered set of stages plus the phrases that announce them
type Topology struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	AgentMarkers []string      `yaml:"agent_markers"`
	TaskMarkers  []string      `yaml:"task_markers"`
	Stages       []Stage       `yaml:"stages"`
	Display      DisplayPolicy `yaml:"display"`
}

// Stage holds the markers for one pipeline stage
type Stage struct {
	ID         domain.StageID `yaml:"id"`
	Name       string         `yaml:"name"`
	Aliases    []string       `yaml:"aliases"`
	Tasks      []string       `yaml:"tasks"`
	OutputPath string         `yaml:"output_path"`
	Completion Completion     `yaml:"completion"`
	Subtasks   []SubtaskRule  `yaml:"subtasks"`
}

// Completion is the "final artifact saved" pattern of a stage
type Completion struct {
	Artifact string `yaml:"artifact"` // case-sensitive
	Keyword  string `yaml:"keyword"`  // case-insensitive
}

// SubtaskRule recognizes one kind of sub-deliverable in a stage's output.
// Exactly one of Label or Capture is set.
type SubtaskRule struct {
	Label     string   `yaml:"label"`
	Capture   string   `yaml:"capture"`
	Contains  []string `yaml:"contains"`
	With      []string `yaml:"with"`
	FirstOnly bool     `yaml:"first_only"`
}

// DisplayPolicy overrides the log relevance filter. Empty fields keep defaults.
type DisplayPolicy struct {
	Deny      []string `yaml:"deny"`
	Allow     []string `yaml:"allow"`
	MinLength int      `yaml:"min_length"`
}

// Parse decodes and validates a topology document
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) applyDefaults() {
	if len(t.AgentMarkers) == 0 {
		t.AgentMarkers = append([]string(nil), defaultAgentMarkers...)
	}
	if len(t.TaskMarkers) == 0 {
		t.TaskMarkers = append([]string(nil), defaultTaskMarkers...)
	}
	for i := range t.Stages {
		if t.Stages[i].Completion.Artifact != "" && t.Stages[i].Completion.Keyword == "" {
			t.Stages[i].Completion.Keyword = defaultCompletionKeyword
		}
	}
}

// Validate checks the topology for structural errors
func (t *Topology) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("topology name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("topology %s: at least one stage is required", t.Name)
	}

	seen := make(map[domain.StageID]bool, len(t.Stages))
	for i, s := range t.Stages {
		if s.ID == "" {
			return fmt.Errorf("topology %s: stage %d has no id", t.Name, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("topology %s: duplicate stage id %q", t.Name, s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("topology %s: stage %s has no name", t.Name, s.ID)
		}

		for j, r := range s.Subtasks {
			if (r.Label == "") == (r.Capture == "") {
				return fmt.Errorf("topology %s: stage %s subtask %d: exactly one of label or capture is required", t.Name, s.ID, j)
			}
			if len(r.Contains) == 0 {
				return fmt.Errorf("topology %s: stage %s subtask %d: contains is required", t.Name, s.ID, j)
			}
			if r.Capture != "" {
				re, err := regexp.Compile(r.Capture)
				if err != nil {
					return fmt.Errorf("topology %s: stage %s subtask %d: %w", t.Name, s.ID, j, err)
				}
				if re.NumSubexp() < 1 {
					return fmt.Errorf("topology %s: stage %s subtask %d: capture needs a group", t.Name, s.ID, j)
				}
			}
		}
	}
	return nil
}

// Stage returns the stage with the given id
func (t *Topology) Stage(id domain.StageID) (Stage, bool) {
	for _, s := range t.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// StageIDs returns stage ids in pipeline order
func (t *Topology) StageIDs() []domain.StageID {
	ids := make([]domain.StageID, len(t.Stages))
	for i, s := range t.Stages {
		ids[i] = s.ID
	}
	return ids
}

// InitialStatuses returns an all-pending status table in stage order
func (t *Topology) InitialStatuses() []domain.StageStatus {
	out := make([]domain.StageStatus, len(t.Stages))
	for i, s := range t.Stages {
		out[i] = domain.StageStatus{ID: s.ID, Name: s.Name, State: domain.StagePending}
	}
	return out
}

// OutputDirs returns the output-path fragments of all stages that declare one
func (t *Topology) OutputDirs() []string {
	var dirs []string
	for _, s := range t.Stages {
		if s.OutputPath != "" {
			dirs = append(dirs, s.OutputPath)
		}
	}
	return dirs
}
