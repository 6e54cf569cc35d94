package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	"github.com/hochfrequenz/crewwatch/internal/notify"
	"github.com/hochfrequenz/crewwatch/internal/session"
	"github.com/hochfrequenz/crewwatch/internal/topology"
	"github.com/hochfrequenz/crewwatch/tui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	runPlain   bool
	runNoStore bool
	watchPlain bool
	replayJSON bool
	replayTopo string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and monitor it live",
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "stream plain text instead of the TUI")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not record the run in the database")
	rootCmd.AddCommand(runCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch [LOGFILE]",
		Short: "Monitor an existing log file without starting the pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "stream plain text instead of the TUI")
	rootCmd.AddCommand(watchCmd)

	// replay command
	replayCmd := &cobra.Command{
		Use:   "replay LOGFILE",
		Short: "Classify a finished log and print the resulting timeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print the stage snapshot as JSON")
	replayCmd.Flags().StringVar(&replayTopo, "topology", "", "topology name or YAML file (default from config)")
	rootCmd.AddCommand(replayCmd)
}

func useTUI(plain bool) bool {
	return !plain && isatty.IsTerminal(os.Stdout.Fd())
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := loadTopology(cfg)
	if err != nil {
		return err
	}

	opts := session.Options{
		Config:   cfg,
		Topology: topo,
		Notifier: notify.FromConfig(cfg.Notifications),
	}
	if !runNoStore {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	tuiMode := useTUI(runPlain)
	if tuiMode {
		// keep diagnostics off the alternate screen
		logw, closeLog := debugLog()
		defer closeLog()
		if err := configureLogging(logw, cfg); err != nil {
			return err
		}
	} else {
		display.UsePlainOutput()
	}

	mgr := session.NewManager(opts)

	if !tuiMode {
		res, err := mgr.Run(ctx, newPrinter(os.Stdout, true))
		if err != nil {
			return err
		}
		return runOutcome(res.Run)
	}

	model := tui.NewModel(tui.ModelConfig{
		Title:    "crewwatch · " + topo.Name,
		Stages:   topo.InitialStatuses(),
		MaxLines: cfg.Monitor.MaxDisplayLines,
		Files:    artifacts.NewLister(cfg.Pipeline.Dir, topo).All,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	h, err := mgr.Start(ctx, tui.Sink{Program: p})
	if err != nil {
		return err
	}
	go func() {
		res := h.Wait()
		p.Send(tui.DoneMsg{Status: res.Run.Status, Err: res.Err})
	}()

	if _, err := p.Run(); programFailed(err) {
		cancel()
		h.Wait()
		return err
	}

	// Quitting the TUI early stops the pipeline
	cancel()
	res := h.Wait()
	fmt.Println(display.Timeline{}.Render(res.Snapshot))
	return runOutcome(res.Run)
}

func runOutcome(run domain.Run) error {
	switch run.Status {
	case domain.RunCompleted:
		return nil
	case domain.RunTimedOut:
		return fmt.Errorf("run %s timed out", run.ID)
	default:
		if run.Error != "" {
			return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
		}
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	}
}

// debugLog opens the file that takes log output while the TUI owns the
// terminal. The returned func closes it.
func debugLog() (io.Writer, func()) {
	f, err := os.OpenFile(filepath.Join(os.TempDir(), "crewwatch.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return os.Stderr, func() {}
	}
	return f, func() { f.Close() }
}

func monitorOptions(cfg *config.Config) monitor.Options {
	return monitor.Options{
		Interval: cfg.Monitor.PollInterval.Duration,
		MaxWait:  cfg.Monitor.MaxWait.Duration,
		Watch:    cfg.Monitor.WatchFS,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := loadTopology(cfg)
	if err != nil {
		return err
	}

	logPath := cfg.General.LogFile
	if len(args) > 0 {
		logPath = args[0]
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	opts := monitorOptions(cfg)
	// watching has no process to wait for; only a signal ends it
	opts.MaxWait = -1

	if !useTUI(watchPlain) {
		display.UsePlainOutput()
		mon, err := monitor.New(topo, logPath, opts, newPrinter(os.Stdout, true))
		if err != nil {
			return err
		}
		_, err = mon.Run(ctx, nil)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	logw, closeLog := debugLog()
	defer closeLog()
	if err := configureLogging(logw, cfg); err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{
		Title:    "crewwatch · " + filepath.Base(logPath),
		Stages:   topo.InitialStatuses(),
		MaxLines: cfg.Monitor.MaxDisplayLines,
		Files:    artifacts.NewLister(filepath.Dir(logPath), topo).All,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	mon, err := monitor.New(topo, logPath, opts, tui.Sink{Program: p})
	if err != nil {
		return err
	}
	monCtx, stop := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(monCtx, nil)
	}()

	_, err = p.Run()
	stop()
	<-monDone
	if programFailed(err) {
		return err
	}
	return nil
}

// programFailed ignores the errors a program returns when it is stopped
// through its context or an interrupt
func programFailed(err error) bool {
	return err != nil && !errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, tea.ErrInterrupted)
}

func resolveTopology(cfg *config.Config, ref string) (*topology.Topology, error) {
	if ref == "" {
		return loadTopology(cfg)
	}
	if filepath.Ext(ref) == ".yaml" || filepath.Ext(ref) == ".yml" {
		return topology.LoadFile(ref)
	}
	wd, _ := os.Getwd()
	return topology.DefaultLoader(wd).Load(ref)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := resolveTopology(cfg, replayTopo)
	if err != nil {
		return err
	}
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}

	var sinks []monitor.Sink
	if !replayJSON {
		display.UsePlainOutput()
		sinks = append(sinks, newPrinter(os.Stdout, false))
	}

	mon, err := monitor.New(topo, args[0], monitorOptions(cfg), sinks...)
	if err != nil {
		return err
	}
	res, err := mon.Replay()
	if err != nil {
		return err
	}

	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"topology": topo.Name,
			"lines":    res.Lines,
			"stages":   display.Views(res.Snapshot, time.Now()),
		})
	}

	completed, total := display.Progress(res.Snapshot)
	fmt.Println()
	fmt.Println(display.Timeline{}.Render(res.Snapshot))
	fmt.Printf("\n%d/%d stages completed, %d display lines\n", completed, total, res.Lines)
	return nil
}
