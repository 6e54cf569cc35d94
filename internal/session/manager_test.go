package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	"github.com/hochfrequenz/crewwatch/internal/notify"
	"github.com/hochfrequenz/crewwatch/internal/runstore"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

const crewScript = `
echo "Working Agent: Visual Strategist"
echo "design_analysis saved to output-visual_strategist"
echo "Working Agent: UI Architect"
echo "navbar.html created"
echo "component_summary.txt saved"
`

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) last() notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return notify.Notification{}
	}
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	mgr      *Manager
	store    *runstore.Store
	notifier *recordingNotifier
	cfg      *config.Config
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.General.LogFile = filepath.Join(dir, "crew_execution.log")
	cfg.Pipeline = config.PipelineConfig{
		Command:      "sh",
		Args:         []string{"-c", script},
		Dir:          dir,
		CleanDirs:    []string{"output-ui_architect"},
		DesignPath:   "/designs/home.png",
		OutputFolder: "output",
	}
	cfg.Monitor.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Monitor.MaxWait = config.Duration{Duration: 10 * time.Second}
	cfg.Monitor.WatchFS = false

	topo, err := topology.NewLoader().Load("aem")
	if err != nil {
		t.Fatal(err)
	}
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	n := &recordingNotifier{}
	return &fixture{
		mgr:      NewManager(Options{Config: cfg, Topology: topo, Store: store, Notifier: n}),
		store:    store,
		notifier: n,
		cfg:      cfg,
	}
}

func lineTexts(lines []domain.DisplayLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestManager_RunSuccess(t *testing.T) {
	f := newFixture(t, crewScript)

	var (
		mu      sync.Mutex
		updates int
	)
	extra := monitor.SinkFunc(func(monitor.Update) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	res, err := f.mgr.Run(context.Background(), extra)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Run.Status != domain.RunCompleted {
		t.Errorf("status = %s, want completed", res.Run.Status)
	}

	snap := res.Snapshot
	if snap[0].State != domain.StageCompleted || snap[1].State != domain.StageCompleted || snap[2].State != domain.StagePending {
		t.Errorf("states = %s %s %s", snap[0].State, snap[1].State, snap[2].State)
	}
	if !reflect.DeepEqual(snap[1].Subtasks, []string{"navbar"}) {
		t.Errorf("ui_architect subtasks = %v", snap[1].Subtasks)
	}

	st := f.mgr.Status()
	texts := strings.Join(lineTexts(st.Lines), "\n")
	for _, want := range []string{msgCleaned, "Design image: /designs/home.png", "Output folder: output", msgCompleted} {
		if !strings.Contains(texts, want) {
			t.Errorf("status lines missing %q:\n%s", want, texts)
		}
	}
	if st.Run == nil || st.Run.Status != domain.RunCompleted {
		t.Errorf("Status().Run = %+v", st.Run)
	}
	if f.mgr.Running() {
		t.Error("manager should be idle after the run")
	}

	stored, err := f.store.GetRun(res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.RunCompleted || stored.FinishedAt == nil {
		t.Errorf("stored run = %+v", stored)
	}
	storedSnap, err := f.store.GetSnapshot(res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(storedSnap) != 3 || storedSnap[1].State != domain.StageCompleted {
		t.Errorf("stored snapshot = %+v", storedSnap)
	}

	if n := f.notifier.last(); n.Outcome != notify.Succeeded || n.RunID != res.Run.ID {
		t.Errorf("notification = %+v", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if updates == 0 {
		t.Error("extra sink received no updates")
	}
}

func TestManager_RunFailure(t *testing.T) {
	f := newFixture(t, `echo "Working Agent: Visual Strategist"; echo "ValueError: design image not found" >&2; exit 2`)

	res, err := f.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Run.Status != domain.RunFailed {
		t.Errorf("status = %s, want failed", res.Run.Status)
	}
	if !strings.Contains(res.Run.Error, "ValueError") {
		t.Errorf("run error = %q", res.Run.Error)
	}
	// partial progress stays inspectable
	if res.Snapshot[0].State != domain.StageActive {
		t.Errorf("visual_strategist = %s, want active", res.Snapshot[0].State)
	}

	lines := f.mgr.Status().Lines
	last := lines[len(lines)-1]
	if last.Level != domain.LevelError || !strings.HasPrefix(last.Text, "❌ Error: ") {
		t.Errorf("last line = %+v", last)
	}
	if n := f.notifier.last(); n.Outcome != notify.Failed {
		t.Errorf("notification outcome = %v, want failed", n.Outcome)
	}
}

func TestManager_StartError(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.Pipeline.Command = "crewwatch-no-such-binary"

	res, err := f.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Run.Status != domain.RunFailed {
		t.Errorf("status = %s, want failed", res.Run.Status)
	}
}

func TestManager_RunInProgress(t *testing.T) {
	f := newFixture(t, "exec sleep 5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := f.mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !f.mgr.Running() {
		t.Error("Running() should be true")
	}

	if _, err := f.mgr.Start(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Start() error = %v, want ErrRunInProgress", err)
	}

	cancel()
	res := h.Wait()
	if res.Run.Status != domain.RunFailed {
		t.Errorf("cancelled run status = %s, want failed", res.Run.Status)
	}
	if f.mgr.Running() {
		t.Error("manager should be idle after cancellation")
	}
}

func TestManager_Timeout(t *testing.T) {
	f := newFixture(t, `echo "Working Agent: Visual Strategist"; exec sleep 1`)
	f.cfg.Monitor.MaxWait = config.Duration{Duration: 100 * time.Millisecond}

	res, err := f.mgr.Run(context.Background())
	if !errors.Is(err, monitor.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if res.Run.Status != domain.RunTimedOut {
		t.Errorf("status = %s, want timed_out", res.Run.Status)
	}
	if n := f.notifier.last(); n.Outcome != notify.TimedOut {
		t.Errorf("notification outcome = %v, want timed out", n.Outcome)
	}
}

func TestManager_TimedOutPipelineHoldsRunSlot(t *testing.T) {
	f := newFixture(t, `echo "Working Agent: Visual Strategist"; sleep 0.5; echo "Working Agent: AEM Alchemist"`)
	f.cfg.Monitor.MaxWait = config.Duration{Duration: 100 * time.Millisecond}

	res, err := f.mgr.Run(context.Background())
	if !errors.Is(err, monitor.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if res.Run.Status != domain.RunTimedOut {
		t.Errorf("status = %s, want timed_out", res.Run.Status)
	}

	// the first pipeline still writes to the log
	if _, err := f.mgr.Start(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("Start() after timeout error = %v, want ErrRunInProgress", err)
	}
	if !f.mgr.Running() {
		t.Error("Running() = false while the timed-out pipeline is alive")
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.mgr.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run slot not released after the pipeline exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.cfg.Pipeline.Args = []string{"-c", `echo "Working Agent: Visual Strategist"`}
	f.cfg.Monitor.MaxWait = config.Duration{Duration: 10 * time.Second}

	res, err = f.mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	snap := res.Snapshot
	if snap[0].State != domain.StageActive || snap[1].State != domain.StagePending || snap[2].State != domain.StagePending {
		t.Errorf("second run states = %s %s %s, want active pending pending", snap[0].State, snap[1].State, snap[2].State)
	}
}

func TestManager_CleansTopologyOutputDirsByDefault(t *testing.T) {
	f := newFixture(t, `echo "Working Agent: Visual Strategist"`)
	f.cfg.Pipeline.CleanDirs = nil

	stale := filepath.Join(f.cfg.Pipeline.Dir, "output-aem_alchemist", "old.html")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("<div/>"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := f.mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale artifact still present: %v", err)
	}
	for _, d := range []string{"output-visual_strategist", "output-ui_architect", "output-aem_alchemist"} {
		if fi, err := os.Stat(filepath.Join(f.cfg.Pipeline.Dir, d)); err != nil || !fi.IsDir() {
			t.Errorf("%s not recreated: %v", d, err)
		}
	}
	if res.Run.Status != domain.RunCompleted {
		t.Errorf("status = %s, want completed", res.Run.Status)
	}
	if texts := lineTexts(f.mgr.Status().Lines); len(texts) == 0 || texts[0] != msgCleaned {
		t.Errorf("first line = %v, want %q", texts, msgCleaned)
	}
}

func TestManager_StatusBeforeAnyRun(t *testing.T) {
	f := newFixture(t, "")
	st := f.mgr.Status()

	if st.Run != nil {
		t.Error("no run expected yet")
	}
	if len(st.Stages) != 3 || st.Stages[0].State != domain.StagePending {
		t.Errorf("initial stages = %+v", st.Stages)
	}
	if st.Topology != "aem" {
		t.Errorf("topology = %q", st.Topology)
	}
}

func TestManager_DisplayLineLimit(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.Monitor.MaxDisplayLines = 2

	for i := 0; i < 5; i++ {
		f.mgr.OnUpdate(monitor.Update{Lines: []domain.DisplayLine{{Text: string(rune('a' + i))}}})
	}
	got := lineTexts(f.mgr.Status().Lines)
	if !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Errorf("lines = %v, want [d e]", got)
	}
}
