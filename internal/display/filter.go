// Package display projects raw log lines and stage snapshots into
// human-facing output. It only reads state; it never mutates it.
package display

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// decorativeRunes are box-drawing and separator characters used for banners
const decorativeRunes = "─│┌┐└┘═║╔╗╚╝╭╮╰╯-_=*# "

// Policy decides which raw log lines are worth showing
type Policy struct {
	Deny      []string // framework chatter, always hidden
	Allow     []string // always shown unless denied
	MinLength int      // other lines need more than MinLength runes
}

// DefaultPolicy returns the filter used for CrewAI-style logs
func DefaultPolicy() Policy {
	return Policy{
		Deny: []string{
			"[DEBUG]",
			"Entering new CrewAgentExecutor chain",
			"# Agent:",
			"## Task:",
			"Thought: Do I need to use a tool?",
			"Action Input:",
			"Observation:",
		},
		Allow: []string{
			"[Agent:", "[Tool:",
			"✓", "✗",
			"ERROR", "Error", "WARNING",
			"Created", "Saved",
			"Executing", "Analyzing", "Converting", "Building", "Testing",
			"Final Answer:",
		},
		MinLength: 20,
	}
}

// PolicyFor merges a topology's display overrides into the default policy
func PolicyFor(o topology.DisplayPolicy) Policy {
	p := DefaultPolicy()
	if len(o.Deny) > 0 {
		p.Deny = o.Deny
	}
	if len(o.Allow) > 0 {
		p.Allow = o.Allow
	}
	if o.MinLength > 0 {
		p.MinLength = o.MinLength
	}
	return p
}

// Relevant reports whether a normalized line should be displayed
func (p Policy) Relevant(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, d := range p.Deny {
		if strings.Contains(line, d) {
			return false
		}
	}
	for _, a := range p.Allow {
		if strings.Contains(line, a) {
			return true
		}
	}
	if isDecorative(line) {
		return false
	}
	return utf8.RuneCountInString(line) > p.MinLength
}

// Project turns a normalized line into a display line if it is relevant
func (p Policy) Project(line string, now time.Time) (domain.DisplayLine, bool) {
	if !p.Relevant(line) {
		return domain.DisplayLine{}, false
	}
	return domain.DisplayLine{
		Timestamp: now,
		Level:     LevelOf(line),
		Text:      strings.TrimSpace(line),
	}, true
}

// LevelOf assigns a display level by keyword: error > warning > success > info
func LevelOf(line string) domain.Level {
	switch {
	case containsAny(line, "ERROR", "Error", "✗", "❌"):
		return domain.LevelError
	case containsAny(line, "WARNING", "Warning"):
		return domain.LevelWarning
	case containsAny(line, "SUCCESS", "success", "✓", "Final Answer:"):
		return domain.LevelSuccess
	default:
		return domain.LevelInfo
	}
}

func isDecorative(line string) bool {
	for _, r := range line {
		if !strings.ContainsRune(decorativeRunes, r) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
