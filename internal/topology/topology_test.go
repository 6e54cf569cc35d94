package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/crewwatch/internal/domain"
)

func TestLoader_EmbeddedAEM(t *testing.T) {
	l := NewLoader()

	topo, err := l.Load("aem")
	if err != nil {
		t.Fatal(err)
	}

	want := []domain.StageID{"visual_strategist", "ui_architect", "aem_alchemist"}
	got := topo.StageIDs()
	if len(got) != len(want) {
		t.Fatalf("StageIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StageIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if len(topo.AgentMarkers) == 0 || len(topo.TaskMarkers) == 0 {
		t.Error("markers should be populated")
	}

	ui, ok := topo.Stage("ui_architect")
	if !ok {
		t.Fatal("ui_architect stage missing")
	}
	if ui.Completion.Artifact != "component_summary.txt" || ui.Completion.Keyword != "saved" {
		t.Errorf("ui completion = %+v", ui.Completion)
	}
}

func TestLoader_HTMLDefaultsKeyword(t *testing.T) {
	topo, err := NewLoader().Load("html")
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(topo.Stages))
	}
	for _, s := range topo.Stages {
		if s.Completion.Keyword != "saved" {
			t.Errorf("stage %s keyword = %q, want default saved", s.ID, s.Completion.Keyword)
		}
	}
	if topo.AgentMarkers[0] != "Working Agent:" {
		t.Errorf("default agent markers not applied: %v", topo.AgentMarkers)
	}
}

func TestLoader_NotFound(t *testing.T) {
	_, err := NewLoader().Load("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoader_OverrideWins(t *testing.T) {
	dir := t.TempDir()
	content := `
name: aem
stages:
  - id: only
    name: Only Stage
`
	if err := os.WriteFile(filepath.Join(dir, "aem.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	topo, err := NewLoader(dir).Load("aem")
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.Stages) != 1 || topo.Stages[0].ID != "only" {
		t.Errorf("override not used: %+v", topo.Stages)
	}
}

func TestLoader_List(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte("name: custom\nstages: [{id: a, name: A}]\n"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	names, err := NewLoader(dir, filepath.Join(dir, "missing")).List()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"aem", "custom", "html"}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no name", "stages: [{id: a, name: A}]"},
		{"no stages", "name: x"},
		{"duplicate id", "name: x\nstages: [{id: a, name: A}, {id: a, name: B}]"},
		{"missing stage name", "name: x\nstages: [{id: a}]"},
		{"label and capture", "name: x\nstages: [{id: a, name: A, subtasks: [{label: L, capture: '(x)', contains: [x]}]}]"},
		{"no contains", "name: x\nstages: [{id: a, name: A, subtasks: [{label: L}]}]"},
		{"bad regex", "name: x\nstages: [{id: a, name: A, subtasks: [{capture: '(', contains: [x]}]}]"},
		{"capture without group", "name: x\nstages: [{id: a, name: A, subtasks: [{capture: 'x', contains: [x]}]}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTopology_InitialStatuses(t *testing.T) {
	topo, err := NewLoader().Load("aem")
	if err != nil {
		t.Fatal(err)
	}

	statuses := topo.InitialStatuses()
	if len(statuses) != 3 {
		t.Fatalf("len = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if s.State != domain.StagePending {
			t.Errorf("%s state = %v, want pending", s.ID, s.State)
		}
	}
	if statuses[1].Name != "UI Architect" {
		t.Errorf("name = %q, want UI Architect", statuses[1].Name)
	}

	dirs := topo.OutputDirs()
	if len(dirs) != 3 || dirs[0] != "output-visual_strategist" {
		t.Errorf("OutputDirs() = %v", dirs)
	}
}
