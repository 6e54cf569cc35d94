// Package monitor drives one pipeline run's status from its log file. The
// Monitor is the only owner of the status model: it reads new lines, runs
// them through the classifier, applies the events and publishes snapshots.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/classifier"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/logsource"
	"github.com/hochfrequenz/crewwatch/internal/status"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// ErrTimeout is returned by Run when MaxWait elapses before the pipeline finishes
var ErrTimeout = errors.New("monitor: max wait exceeded")

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultMaxWait  = 10 * time.Minute
)

// Update is published to sinks after every tick that changed something
type Update struct {
	RunID    string
	Topology string
	Snapshot []domain.StageStatus
	Lines    []domain.DisplayLine // display lines new since the previous update
	Elapsed  time.Duration
	Final    bool
}

// Active returns the active stage of the snapshot, if any
func (u Update) Active() (domain.StageStatus, bool) {
	for _, s := range u.Snapshot {
		if s.State == domain.StageActive {
			return s, true
		}
	}
	return domain.StageStatus{}, false
}

// Sink receives updates synchronously from the monitor loop. Implementations
// must not block for long.
type Sink interface {
	OnUpdate(Update)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Update)

// OnUpdate calls f(u)
func (f SinkFunc) OnUpdate(u Update) { f(u) }

// Options configures a Monitor
type Options struct {
	RunID    string
	Interval time.Duration // poll interval, DefaultInterval if zero
	MaxWait  time.Duration // wall-clock ceiling, DefaultMaxWait if zero, negative disables
	Watch    bool          // also wake on fsnotify write events
	Policy   *display.Policy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result summarizes a finished monitoring session
type Result struct {
	Snapshot []domain.StageStatus
	Lines    int // display lines produced
	Elapsed  time.Duration
}

// Monitor watches a log file and keeps the stage status model current
type Monitor struct {
	topo       *topology.Topology
	tailer     *logsource.Tailer
	classifier *classifier.Classifier
	model      *status.Model
	policy     display.Policy
	sinks      []Sink
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	started time.Time
	lines   int
}

// New creates a monitor for logPath using the topology's markers
func New(topo *topology.Topology, logPath string, opts Options, sinks ...Sink) (*Monitor, error) {
	c, err := classifier.New(topo)
	if err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = DefaultMaxWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := display.PolicyFor(topo.Display)
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	return &Monitor{
		topo:       topo,
		tailer:     logsource.NewTailer(logPath),
		classifier: c,
		model:      status.New(topo.InitialStatuses(), status.WithClock(now)),
		policy:     policy,
		sinks:      sinks,
		opts:       opts,
		logger:     logger.With("run", opts.RunID),
		now:        now,
		started:    now(),
	}, nil
}

// AddSink registers another update receiver. Call before Run.
func (m *Monitor) AddSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Snapshot returns a copy of the current stage statuses
func (m *Monitor) Snapshot() []domain.StageStatus {
	return m.model.Snapshot()
}

// Reset prepares the monitor for a new run over a truncated log
func (m *Monitor) Reset() {
	m.model.Reset()
	m.tailer.Reset()
	m.started = m.now()
	m.lines = 0
}

// Process feeds raw lines through classification and display projection.
// It returns the resulting update without publishing it, and whether it
// carries any change.
func (m *Monitor) Process(raw []string) (Update, bool) {
	var (
		changed bool
		lines   []domain.DisplayLine
	)
	for _, r := range raw {
		line := logsource.Normalize(r)
		if line == "" {
			continue
		}
		events := m.classifier.ClassifyIn(line, m.model)
		for _, ev := range events {
			if m.model.Apply(ev) {
				changed = true
				m.logger.Debug("stage event", "kind", ev.Kind, "stage", ev.Stage, "label", ev.Label)
			}
		}
		if dl, ok := m.policy.Project(line, m.now()); ok {
			lines = append(lines, dl)
		}
	}
	m.lines += len(lines)
	return m.update(lines, false), changed || len(lines) > 0
}

// Emit publishes bookkeeping lines that did not come from the log, such as
// the start and end messages of a run. Not safe to call concurrently with Run.
func (m *Monitor) Emit(lines ...domain.DisplayLine) {
	if len(lines) == 0 {
		return
	}
	m.lines += len(lines)
	m.publish(m.update(lines, false))
}

// Tick reads whatever was appended since the last tick and publishes an
// update if it changed anything. Read errors are logged and retried on the
// next tick.
func (m *Monitor) Tick() bool {
	raw, err := m.tailer.ReadNew()
	if err != nil {
		m.logger.Debug("read log", "path", m.tailer.Path(), "err", err)
		return false
	}
	if len(raw) == 0 {
		return false
	}
	u, changed := m.Process(raw)
	if changed {
		m.publish(u)
	}
	return changed
}

// Run polls the log until done is closed, ctx is cancelled or MaxWait
// elapses. On done the remaining output, including an unterminated last
// line, is read before the final update is published. Run never stops the
// pipeline process itself.
func (m *Monitor) Run(ctx context.Context, done <-chan struct{}) (Result, error) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if m.opts.MaxWait > 0 {
		timer := time.NewTimer(m.opts.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	var wake <-chan struct{}
	if m.opts.Watch {
		w, err := logsource.NewWatcher(m.tailer.Path(), m.logger)
		if err != nil {
			m.logger.Warn("file watching unavailable, polling only", "err", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
			wake = w.C()
		}
	}

	m.logger.Debug("monitor started", "log", m.tailer.Path(), "interval", m.opts.Interval, "max_wait", m.opts.MaxWait)
	m.Tick()

	for {
		select {
		case <-ctx.Done():
			m.finish()
			return m.result(), ctx.Err()
		case <-done:
			m.finish()
			return m.result(), nil
		case <-deadline:
			m.logger.Warn("max wait exceeded, stopped monitoring", "max_wait", m.opts.MaxWait)
			m.finish()
			return m.result(), ErrTimeout
		case <-ticker.C:
			m.Tick()
		case <-wake:
			m.Tick()
		}
	}
}

// Replay processes every line of the log once and returns the final state.
// It is used for offline classification of finished runs.
func (m *Monitor) Replay() (Result, error) {
	raw, err := m.tailer.Drain()
	if err != nil {
		return Result{}, err
	}
	u, _ := m.Process(raw)
	u.Final = true
	m.publish(u)
	return m.result(), nil
}

func (m *Monitor) finish() {
	raw, err := m.tailer.Drain()
	if err != nil {
		m.logger.Debug("final read", "path", m.tailer.Path(), "err", err)
	}
	u, _ := m.Process(raw)
	u.Final = true
	m.publish(u)
}

func (m *Monitor) update(lines []domain.DisplayLine, final bool) Update {
	return Update{
		RunID:    m.opts.RunID,
		Topology: m.topo.Name,
		Snapshot: m.model.Snapshot(),
		Lines:    lines,
		Elapsed:  m.now().Sub(m.started),
		Final:    final,
	}
}

func (m *Monitor) publish(u Update) {
	for _, s := range m.sinks {
		s.OnUpdate(cloneUpdate(u))
	}
}

func (m *Monitor) result() Result {
	return Result{
		Snapshot: m.model.Snapshot(),
		Lines:    m.lines,
		Elapsed:  m.now().Sub(m.started),
	}
}

func cloneUpdate(u Update) Update {
	snap := make([]domain.StageStatus, len(u.Snapshot))
	for i, s := range u.Snapshot {
		snap[i] = s.Clone()
	}
	u.Snapshot = snap
	if u.Lines != nil {
		u.Lines = append([]domain.DisplayLine(nil), u.Lines...)
	}
	return u
}
