// Package classifier maps a single normalized log line to stage events.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// Classifier holds the compiled markers of one topology. It keeps no state
// between calls and is safe for concurrent use.
type Classifier struct {
	agentMarkers []string
	taskMarkers  []string
	stages       []stageMatcher
}

type stageMatcher struct {
	id         domain.StageID
	names      []string // display name + aliases, case-sensitive
	tasks      []string // lower-cased
	outputPath string
	artifact   string
	keyword    string // lower-cased
	subtasks   []subtaskMatcher
}

type subtaskMatcher struct {
	label     string
	capture   *regexp.Regexp
	contains  []string // lower-cased
	with      []string // lower-cased
	firstOnly bool
}

// New compiles a classifier for the given topology
func New(t *topology.Topology) (*Classifier, error) {
	c := &Classifier{
		agentMarkers: t.AgentMarkers,
		taskMarkers:  t.TaskMarkers,
		stages:       make([]stageMatcher, 0, len(t.Stages)),
	}

	for _, s := range t.Stages {
		m := stageMatcher{
			id:         s.ID,
			names:      append([]string{s.Name}, s.Aliases...),
			tasks:      lowerAll(s.Tasks),
			outputPath: s.OutputPath,
			artifact:   s.Completion.Artifact,
			keyword:    strings.ToLower(s.Completion.Keyword),
		}
		for i, r := range s.Subtasks {
			sm := subtaskMatcher{
				label:     r.Label,
				contains:  lowerAll(r.Contains),
				with:      lowerAll(r.With),
				firstOnly: r.FirstOnly,
			}
			if r.Capture != "" {
				re, err := regexp.Compile(r.Capture)
				if err != nil {
					return nil, fmt.Errorf("stage %s subtask %d: %w", s.ID, i, err)
				}
				sm.capture = re
			}
			m.subtasks = append(m.subtasks, sm)
		}
		c.stages = append(c.stages, m)
	}

	return c, nil
}

// View is the read-only stage state the classifier consults
type View interface {
	ActiveID() domain.StageID
	IsCompleted(id domain.StageID) bool
}

type activeOnly domain.StageID

func (a activeOnly) ActiveID() domain.StageID      { return domain.StageID(a) }
func (activeOnly) IsCompleted(domain.StageID) bool { return false }

// Classify returns the events one line produces, in rule order:
// stage markers, task-name fallback, subtask content, completion markers.
// active is the stage that was Active before this line ("" for none); no
// stage is treated as Completed.
func (c *Classifier) Classify(line string, active domain.StageID) []domain.Event {
	return c.ClassifyIn(line, activeOnly(active))
}

// ClassifyIn is Classify against the current stage states. An activation
// the status model will refuse (a Completed stage, or a stage before one
// activated earlier on the same line) is still reported but does not move
// the subtask rules away from the stage that stays Active.
func (c *Classifier) ClassifyIn(line string, view View) []domain.Event {
	if line == "" {
		return nil
	}
	lower := strings.ToLower(line)
	active := view.ActiveID()

	var events []domain.Event
	activated := make(map[domain.StageID]bool)
	floor := -1 // index of the last activation that takes effect on this line
	activate := func(i int) {
		id := c.stages[i].id
		if activated[id] {
			return
		}
		activated[id] = true
		events = append(events, domain.Activate(id))
		if i <= floor || view.IsCompleted(id) {
			return
		}
		floor = i
		active = id
	}

	// Rule 1a: "Working Agent: <Name>" and friends
	if containsAny(line, c.agentMarkers) {
		for i, s := range c.stages {
			if containsAny(line, s.names) {
				activate(i)
				break
			}
		}
	}

	// Rule 1b: output folder embedding a stage identifier
	for i, s := range c.stages {
		if s.outputPath != "" && strings.Contains(line, s.outputPath) {
			activate(i)
			break
		}
	}

	// Rule 2: task-name fallback
	if containsAny(line, c.taskMarkers) {
		for i, s := range c.stages {
			if containsAny(lower, s.tasks) {
				activate(i)
				break
			}
		}
	}

	// Rule 3: sub-deliverables of the effective active stage
	if active != "" {
		if s, ok := c.stage(active); ok {
			for _, label := range s.matchSubtasks(line, lower) {
				events = append(events, domain.Subtask(s.id, label))
			}
		}
	}

	// Rule 4: completion markers, regardless of the active stage
	for _, s := range c.stages {
		if s.artifact == "" {
			continue
		}
		if strings.Contains(line, s.artifact) && strings.Contains(lower, s.keyword) {
			events = append(events, domain.Complete(s.id))
		}
	}

	return events
}

func (c *Classifier) stage(id domain.StageID) (*stageMatcher, bool) {
	for i := range c.stages {
		if c.stages[i].id == id {
			return &c.stages[i], true
		}
	}
	return nil, false
}

func (s *stageMatcher) matchSubtasks(line, lower string) []string {
	var labels []string
	for _, r := range s.subtasks {
		if !containsAny(lower, r.contains) {
			continue
		}
		if len(r.with) > 0 && !containsAny(lower, r.with) {
			continue
		}

		label := r.label
		if r.capture != nil {
			m := r.capture.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			label = m[1]
		}
		if label != "" {
			labels = append(labels, label)
		}
		if r.firstOnly {
			break
		}
	}
	return labels
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
