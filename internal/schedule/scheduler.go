// Package schedule triggers pipeline runs from cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/robfig/cron/v3"
)

// DefaultMaxDuration bounds a scheduled run when the entry does not say otherwise
const DefaultMaxDuration = time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry is one scheduled pipeline run
type Entry struct {
	Name        string
	Cron        string
	MaxDuration time.Duration
	schedule    cron.Schedule
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// NewEntry validates a schedule config and applies defaults
func NewEntry(c config.ScheduleConfig) (Entry, error) {
	if c.Name == "" {
		return Entry{}, fmt.Errorf("schedule name is required")
	}
	if c.Cron == "" {
		return Entry{}, fmt.Errorf("schedule %q: cron expression is required", c.Name)
	}
	sched, err := ParseCron(c.Cron)
	if err != nil {
		return Entry{}, fmt.Errorf("schedule %q: invalid cron expression: %w", c.Name, err)
	}
	e := Entry{Name: c.Name, Cron: c.Cron, MaxDuration: c.MaxDuration.Duration, schedule: sched}
	if e.MaxDuration <= 0 {
		e.MaxDuration = DefaultMaxDuration
	}
	return e, nil
}

// RunFunc starts one scheduled run and blocks until it ends
type RunFunc func(ctx context.Context, e Entry) error

// Scheduler fires entries when their cron time passes. An entry never
// overlaps with itself.
type Scheduler struct {
	entries map[string]Entry
	lastRun map[string]time.Time
	running map[string]bool
	since   time.Time
	now     func() time.Time
	tick    time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick sets how often due entries are checked
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler for the configured entries
func NewScheduler(configs []config.ScheduleConfig, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		entries: make(map[string]Entry),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		now:     time.Now,
		tick:    time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.since = s.now()

	for _, c := range configs {
		e, err := NewEntry(c)
		if err != nil {
			return nil, err
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("schedule %q defined twice", e.Name)
		}
		s.entries[e.Name] = e
	}
	return s, nil
}

// Entries returns the entry names, sorted
func (s *Scheduler) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns an entry by name
func (s *Scheduler) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// NextRun returns the next time the entry fires
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.schedule.Next(s.reference(name))
}

// ShouldRun reports whether the entry is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok || s.running[name] {
		return false
	}
	next := e.schedule.Next(s.reference(name))
	return !s.now().Before(next)
}

// reference is the time the next firing is computed from; callers hold mu
func (s *Scheduler) reference(name string) time.Time {
	if last, ok := s.lastRun[name]; ok {
		return last
	}
	return s.since
}

// MarkRunning marks an entry as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete records the end of a run
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// IsRunning reports whether an entry's run is in progress
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

// Check starts every due entry in its own goroutine and returns the names started
func (s *Scheduler) Check(ctx context.Context, run RunFunc) []string {
	var started []string
	for _, name := range s.Entries() {
		if !s.ShouldRun(name) {
			continue
		}
		e, _ := s.Get(name)
		s.MarkRunning(name)
		started = append(started, name)

		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			defer s.MarkComplete(e.Name)

			runCtx, cancel := context.WithTimeout(ctx, e.MaxDuration)
			defer cancel()

			s.logger.Info("scheduled run starting", "schedule", e.Name)
			if err := run(runCtx, e); err != nil {
				s.logger.Error("scheduled run failed", "schedule", e.Name, "err", err)
			}
		}(e)
	}
	return started
}

// Start checks due entries every tick until ctx is done, then waits for
// running entries to return
func (s *Scheduler) Start(ctx context.Context, run RunFunc) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Check(ctx, run)
		}
	}
}

// Wait blocks until all started runs have returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
