package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

func loadAEM(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.NewLoader().Load("aem")
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) OnUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

var scenario = []string{
	"Working Agent: Visual Strategist",
	"design_analysis saved to output-visual_strategist",
	"Working Agent: UI Architect",
	"navbar.html created",
	"component_summary.txt saved",
}

func assertScenarioOutcome(t *testing.T, snap []domain.StageStatus) {
	t.Helper()
	if len(snap) != 3 {
		t.Fatalf("got %d stages", len(snap))
	}
	if snap[0].ID != "visual_strategist" || snap[0].State != domain.StageCompleted {
		t.Errorf("stage 0 = %s %s, want visual_strategist completed", snap[0].ID, snap[0].State)
	}
	if snap[1].ID != "ui_architect" || snap[1].State != domain.StageCompleted {
		t.Errorf("stage 1 = %s %s, want ui_architect completed", snap[1].ID, snap[1].State)
	}
	if !reflect.DeepEqual(snap[1].Subtasks, []string{"navbar"}) {
		t.Errorf("ui_architect subtasks = %v, want [navbar]", snap[1].Subtasks)
	}
	if snap[2].ID != "aem_alchemist" || snap[2].State != domain.StagePending {
		t.Errorf("stage 2 = %s %s, want aem_alchemist pending", snap[2].ID, snap[2].State)
	}
}

func TestProcess_EndToEndScenario(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	u, changed := m.Process(scenario)
	if !changed {
		t.Fatal("expected the scenario to change state")
	}
	assertScenarioOutcome(t, u.Snapshot)
	assertScenarioOutcome(t, m.Snapshot())
}

func TestProcess_LineByLine(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	for _, line := range scenario {
		m.Process([]string{line})
	}
	assertScenarioOutcome(t, m.Snapshot())
}

func TestProcess_CompletedStageMentionKeepsActiveSubtasks(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	u, _ := m.Process([]string{
		"Working Agent: Visual Strategist",
		"design_analysis saved to output-visual_strategist",
		"Working Agent: UI Architect",
		"Created navbar.html from output-visual_strategist/design_analysis.md",
		"hero.html created",
	})

	ui := u.Snapshot[1]
	if ui.State != domain.StageActive {
		t.Errorf("ui_architect state = %s, want active", ui.State)
	}
	if !reflect.DeepEqual(ui.Subtasks, []string{"navbar", "hero"}) {
		t.Errorf("ui_architect subtasks = %v, want [navbar hero]", ui.Subtasks)
	}
	if got := u.Snapshot[0].Subtasks; !reflect.DeepEqual(got, []string{"Design Analysis"}) {
		t.Errorf("visual_strategist subtasks = %v, want [Design Analysis]", got)
	}
}

func TestProcess_StripsANSIAndFiltersDisplay(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	u, _ := m.Process([]string{
		"\x1b[1;32mWorking Agent: Visual Strategist\x1b[0m",
		"[DEBUG] Entering new chain",
		"✓ Created navbar.html",
		"   ",
	})

	if u.Snapshot[0].State != domain.StageActive {
		t.Errorf("ANSI-wrapped marker not recognized: %s", u.Snapshot[0].State)
	}
	if len(u.Lines) != 2 {
		t.Fatalf("display lines = %+v, want 2", u.Lines)
	}
	if u.Lines[0].Text != "Working Agent: Visual Strategist" {
		t.Errorf("line 0 = %q", u.Lines[0].Text)
	}
	if u.Lines[1].Level != domain.LevelSuccess {
		t.Errorf("line 1 level = %q, want success", u.Lines[1].Level)
	}
}

func TestRun_ReadsUntilDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew.log")
	rec := &recorder{}

	m, err := New(loadAEM(t), path, Options{RunID: "r1", Interval: 10 * time.Millisecond}, rec)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.Error(err)
			close(done)
			return
		}
		for _, line := range scenario[:4] {
			f.WriteString(line + "\n")
			time.Sleep(15 * time.Millisecond)
		}
		// last line without newline must still be read on the final drain
		f.WriteString(scenario[4])
		f.Close()
		close(done)
	}()

	res, err := m.Run(context.Background(), done)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertScenarioOutcome(t, res.Snapshot)

	updates := rec.all()
	if len(updates) == 0 {
		t.Fatal("no updates published")
	}
	last := updates[len(updates)-1]
	if !last.Final {
		t.Error("last update should be final")
	}
	if last.RunID != "r1" || last.Topology != "aem" {
		t.Errorf("update identity = %q/%q", last.RunID, last.Topology)
	}
	assertScenarioOutcome(t, last.Snapshot)
}

func TestRun_Timeout(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{
		Interval: 5 * time.Millisecond,
		MaxWait:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Run(context.Background(), make(chan struct{}))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = m.Run(ctx, make(chan struct{}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_WithWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew.log")
	rec := &recorder{}

	// long poll interval: progress must come from file events or the final drain
	m, err := New(loadAEM(t), path, Options{Interval: time.Hour, Watch: true}, rec)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, []byte("Working Agent: Visual Strategist\n"), 0644)
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()

	res, err := m.Run(context.Background(), done)
	if err != nil {
		t.Fatal(err)
	}
	if res.Snapshot[0].State != domain.StageActive {
		t.Errorf("visual_strategist = %s, want active", res.Snapshot[0].State)
	}
}

func TestPublish_SinksGetIndependentCopies(t *testing.T) {
	rec := &recorder{}
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{}, rec)
	if err != nil {
		t.Fatal(err)
	}

	m.Emit(domain.DisplayLine{Level: domain.LevelInfo, Text: "Design image: home.png"})
	u, _ := m.Process([]string{"Working Agent: UI Architect", "navbar.html created"})
	m.publish(u)

	updates := rec.all()
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	updates[1].Snapshot[1].Subtasks[0] = "mutated"

	if m.Snapshot()[1].Subtasks[0] != "navbar" {
		t.Error("sink mutation leaked into the model")
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew.log")
	content := ""
	for _, l := range scenario {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := New(loadAEM(t), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Replay()
	if err != nil {
		t.Fatal(err)
	}
	assertScenarioOutcome(t, res.Snapshot)
	if res.Lines == 0 {
		t.Error("expected display lines from replay")
	}
}

func TestReset(t *testing.T) {
	m, err := New(loadAEM(t), filepath.Join(t.TempDir(), "crew.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	m.Process(scenario)
	m.Reset()

	for _, s := range m.Snapshot() {
		if s.State != domain.StagePending {
			t.Errorf("%s = %s after reset", s.ID, s.State)
		}
	}
}
