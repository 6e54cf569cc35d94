package schedule

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
		{"* * * * * *", true}, // seconds field not supported
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNewEntry(t *testing.T) {
	e, err := NewEntry(config.ScheduleConfig{Name: "nightly", Cron: "0 2 * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if e.MaxDuration != DefaultMaxDuration {
		t.Errorf("MaxDuration = %v, want default", e.MaxDuration)
	}

	if _, err := NewEntry(config.ScheduleConfig{Cron: "0 2 * * *"}); err == nil {
		t.Error("empty name should error")
	}
	if _, err := NewEntry(config.ScheduleConfig{Name: "x", Cron: "nope"}); err == nil {
		t.Error("bad cron should error")
	}
}

func TestNewScheduler_Duplicate(t *testing.T) {
	_, err := NewScheduler([]config.ScheduleConfig{
		{Name: "a", Cron: "* * * * *"},
		{Name: "a", Cron: "0 * * * *"},
	})
	if err == nil {
		t.Error("duplicate names should error")
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)}
	s, err := NewScheduler([]config.ScheduleConfig{{Name: "hourly", Cron: "0 * * * *"}}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	if s.ShouldRun("hourly") {
		t.Error("should not fire right after start")
	}
	if want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC); !s.NextRun("hourly").Equal(want) {
		t.Errorf("NextRun = %v, want %v", s.NextRun("hourly"), want)
	}

	clock.Advance(time.Hour)
	if !s.ShouldRun("hourly") {
		t.Error("should fire once the cron time passed")
	}

	s.MarkRunning("hourly")
	if s.ShouldRun("hourly") {
		t.Error("running entry must not fire again")
	}

	s.MarkComplete("hourly")
	if s.ShouldRun("hourly") {
		t.Error("should wait for the next cron time after completing")
	}
	if s.ShouldRun("unknown") {
		t.Error("unknown entry should never run")
	}
}

func TestScheduler_Check(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)}
	s, err := NewScheduler([]config.ScheduleConfig{
		{Name: "every-minute", Cron: "* * * * *", MaxDuration: config.Duration{Duration: time.Minute}},
		{Name: "daily", Cron: "0 2 * * *"},
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		ran []string
	)
	run := func(ctx context.Context, e Entry) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("scheduled run should carry a deadline")
		}
		mu.Lock()
		ran = append(ran, e.Name)
		mu.Unlock()
		return nil
	}

	clock.Advance(time.Minute)
	started := s.Check(context.Background(), run)
	s.Wait()

	if !reflect.DeepEqual(started, []string{"every-minute"}) {
		t.Errorf("started = %v, want [every-minute]", started)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(ran, []string{"every-minute"}) {
		t.Errorf("ran = %v", ran)
	}
	if s.IsRunning("every-minute") {
		t.Error("entry should be marked complete after the run returns")
	}
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(nil, WithTick(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx, func(context.Context, Entry) error { return nil }) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestScheduler_Entries(t *testing.T) {
	s, err := NewScheduler([]config.ScheduleConfig{
		{Name: "b", Cron: "* * * * *"},
		{Name: "a", Cron: "* * * * *"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Entries(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Entries() = %v", got)
	}
}
