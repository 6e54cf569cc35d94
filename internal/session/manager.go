// Package session runs the crew pipeline end to end: it launches the
// subprocess, monitors its log, records the run and announces the outcome.
// At most one run is active at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	"github.com/hochfrequenz/crewwatch/internal/notify"
	"github.com/hochfrequenz/crewwatch/internal/pipeline"
	"github.com/hochfrequenz/crewwatch/internal/runstore"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// ErrRunInProgress is returned when a run is started while another is active
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

const (
	msgCleaned   = "🧹 Cleaned output folders"
	msgCompleted = "✓ Crew execution completed successfully!"
)

// Options configures a Manager
type Options struct {
	Config   *config.Config
	Topology *topology.Topology
	Store    *runstore.Store // optional run history
	Notifier notify.Notifier // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

// Status is the state exposed to UIs: the current or most recent run, its
// stage table and the tail of its display lines
type Status struct {
	Run      *domain.Run
	Topology string
	Stages   []domain.StageStatus
	Lines    []domain.DisplayLine
	Elapsed  time.Duration
}

// Result is the outcome of one run
type Result struct {
	Run      domain.Run
	Snapshot []domain.StageStatus
	Err      error
}

// Handle tracks a started run
type Handle struct {
	ID     string
	done   chan struct{}
	result Result
}

// Done is closed when the run has finished and been recorded
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its result
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Manager owns pipeline runs and the latest status
type Manager struct {
	cfg      *config.Config
	topo     *topology.Topology
	store    *runstore.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	sinks    []monitor.Sink

	mu      sync.RWMutex
	current *Handle
	run     *domain.Run
	stages  []domain.StageStatus
	lines   []domain.DisplayLine
	elapsed time.Duration
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		cfg:      opts.Config,
		topo:     opts.Topology,
		store:    opts.Store,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
		stages:   opts.Topology.InitialStatuses(),
	}
}

// AddSink registers a receiver for the updates of every future run
func (m *Manager) AddSink(s monitor.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Status returns a copy of the latest state
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Topology: m.topo.Name,
		Stages:   make([]domain.StageStatus, len(m.stages)),
		Lines:    append([]domain.DisplayLine(nil), m.lines...),
		Elapsed:  m.elapsed,
	}
	for i, s := range m.stages {
		st.Stages[i] = s.Clone()
	}
	if m.run != nil {
		r := *m.run
		st.Run = &r
	}
	return st
}

// Running reports whether a run is in progress. A timed-out run counts
// until its pipeline process exits.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// OnUpdate keeps the latest snapshot and a bounded tail of display lines
func (m *Manager) OnUpdate(u monitor.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stages = u.Snapshot
	m.elapsed = u.Elapsed
	m.lines = append(m.lines, u.Lines...)
	if limit := m.cfg.Monitor.MaxDisplayLines; limit > 0 && len(m.lines) > limit {
		m.lines = append([]domain.DisplayLine(nil), m.lines[len(m.lines)-limit:]...)
	}
}

// Run starts a run and waits for it to finish
func (m *Manager) Run(ctx context.Context, sinks ...monitor.Sink) (Result, error) {
	h, err := m.Start(ctx, sinks...)
	if err != nil {
		return Result{}, err
	}
	res := h.Wait()
	return res, res.Err
}

// Start launches a run in the background. Extra sinks receive only this
// run's updates.
func (m *Manager) Start(ctx context.Context, sinks ...monitor.Sink) (*Handle, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}

	now := m.now()
	h := &Handle{ID: uuid.NewString(), done: make(chan struct{})}
	run := &domain.Run{
		ID:        h.ID,
		Topology:  m.topo.Name,
		LogPath:   m.cfg.General.LogFile,
		Status:    domain.RunQueued,
		StartedAt: &now,
	}
	m.current = h
	m.run = run
	m.stages = m.topo.InitialStatuses()
	m.lines = nil
	m.elapsed = 0
	all := append(append([]monitor.Sink{m}, m.sinks...), sinks...)
	m.mu.Unlock()

	mon, err := monitor.New(m.topo, run.LogPath, monitor.Options{
		RunID:    run.ID,
		Interval: m.cfg.Monitor.PollInterval.Duration,
		MaxWait:  m.cfg.Monitor.MaxWait.Duration,
		Watch:    m.cfg.Monitor.WatchFS,
		Logger:   m.logger,
		Now:      m.now,
	}, all...)
	if err != nil {
		m.release(h)
		return nil, fmt.Errorf("creating monitor: %w", err)
	}
	if m.store != nil {
		mon.AddSink(m.store.Recorder(run.ID, m.logger))
	}

	if m.store != nil {
		if err := m.store.SaveRun(run); err != nil {
			m.release(h)
			return nil, err
		}
	}

	go m.execute(ctx, h, run, mon)
	return h, nil
}

func (m *Manager) execute(ctx context.Context, h *Handle, run *domain.Run, mon *monitor.Monitor) {
	logger := m.logger.With("run", run.ID)
	pc := m.cfg.Pipeline
	if pc.CleanDirs == nil {
		pc.CleanDirs = m.topo.OutputDirs()
	}
	runner := pipeline.New(run.ID, pc, run.LogPath)
	runner.OnStatusChange = func(r *pipeline.Runner, status domain.RunStatus, detail string) {
		if status == domain.RunRunning {
			m.setStatus(run, domain.RunRunning)
			logger.Info("pipeline started", "pid", r.PID, "log", run.LogPath)
			return
		}
		logger.Debug("pipeline exited", "status", status, "duration", r.Duration(), "detail", detail)
	}

	if err := runner.Start(ctx); err != nil {
		logger.Error("pipeline failed to start", "err", err)
		mon.Emit(m.line(domain.LevelError, "❌ Error: "+err.Error()))
		m.finish(h, run, mon, domain.RunFailed, err, nil)
		return
	}

	var intro []domain.DisplayLine
	if len(pc.CleanDirs) > 0 {
		intro = append(intro, m.line(domain.LevelInfo, msgCleaned))
	}
	if p := m.cfg.Pipeline.DesignPath; p != "" {
		intro = append(intro, m.line(domain.LevelInfo, "Design image: "+p))
	}
	if p := m.cfg.Pipeline.OutputFolder; p != "" {
		intro = append(intro, m.line(domain.LevelInfo, "Output folder: "+p))
	}
	mon.Emit(intro...)

	_, err := mon.Run(ctx, runner.Done())
	switch {
	case errors.Is(err, monitor.ErrTimeout):
		logger.Warn("monitoring timed out; pipeline left running", "max_wait", m.cfg.Monitor.MaxWait.Duration)
		mon.Emit(m.line(domain.LevelWarning, fmt.Sprintf("WARNING: stopped monitoring after %s", m.cfg.Monitor.MaxWait.Duration)))
		// the process still owns the log file; no new run until it exits
		m.finish(h, run, mon, domain.RunTimedOut, err, runner)
	case err != nil:
		runner.Stop()
		<-runner.Done()
		mon.Emit(m.line(domain.LevelError, "❌ Error: "+err.Error()))
		m.finish(h, run, mon, domain.RunFailed, err, nil)
	default:
		if werr := runner.Wait(); werr != nil {
			logger.Error("pipeline failed", "err", werr)
			mon.Emit(m.line(domain.LevelError, "❌ Error: "+werr.Error()))
			m.finish(h, run, mon, domain.RunFailed, werr, nil)
			return
		}
		mon.Emit(m.line(domain.LevelSuccess, msgCompleted))
		m.finish(h, run, mon, domain.RunCompleted, nil, nil)
	}
}

// finish records the outcome and closes the handle. When orphan is set the
// run slot stays taken until that process exits.
func (m *Manager) finish(h *Handle, run *domain.Run, mon *monitor.Monitor, status domain.RunStatus, runErr error, orphan *pipeline.Runner) {
	now := m.now()
	snap := mon.Snapshot()

	m.mu.Lock()
	run.Status = status
	run.FinishedAt = &now
	if runErr != nil {
		run.Error = runErr.Error()
	}
	final := *run
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSnapshot(run.ID, snap); err != nil {
			m.logger.Warn("saving final snapshot", "run", run.ID, "err", err)
		}
		if err := m.store.FinishRun(run.ID, status, final.Error, now); err != nil {
			m.logger.Warn("recording run result", "run", run.ID, "err", err)
		}
	}
	if err := m.notifier.Send(notify.RunFinished(&final, snap)); err != nil {
		m.logger.Warn("sending notification", "run", run.ID, "err", err)
	}

	done, total := display.Progress(snap)
	m.logger.Info("run finished", "run", run.ID, "status", status, "stages", fmt.Sprintf("%d/%d", done, total))

	h.result = Result{Run: final, Snapshot: snap, Err: runErr}
	if orphan == nil {
		m.release(h)
	} else {
		go func() {
			<-orphan.Done()
			m.logger.Info("timed-out pipeline exited", "run", run.ID, "status", orphan.CurrentStatus(), "ran", orphan.Duration())
			m.release(h)
		}()
	}
	close(h.done)
}

func (m *Manager) setStatus(run *domain.Run, status domain.RunStatus) {
	m.mu.Lock()
	run.Status = status
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRun(run); err != nil {
			m.logger.Warn("saving run status", "run", run.ID, "err", err)
		}
	}
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == h {
		m.current = nil
	}
}

func (m *Manager) line(level domain.Level, text string) domain.DisplayLine {
	return domain.DisplayLine{Timestamp: m.now(), Level: level, Text: text}
}
