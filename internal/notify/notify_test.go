package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

func sampleNotification() Notification {
	return Notification{
		Title:     "Crew run completed",
		Message:   "2/3 stages completed in 4m12s",
		Outcome:   Succeeded,
		RunID:     "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed",
		Topology:  "aem",
		Completed: 2,
		Stages: []StageSummary{
			{Name: "Visual Strategist", State: domain.StageCompleted, Subtasks: []string{"Design Analysis"}},
			{Name: "UI Architect", State: domain.StageCompleted, Subtasks: []string{"navbar", "hero"}},
			{Name: "AEM Alchemist", State: domain.StagePending},
		},
	}
}

func TestSlackPayload(t *testing.T) {
	msg := slackPayload(sampleNotification())

	if msg.Text != "Crew run completed" || len(msg.Attachments) != 1 {
		t.Fatalf("payload = %+v", msg)
	}
	att := msg.Attachments[0]
	if att.Title != "Run 1b9d6bcd · aem · 2/3 stages" {
		t.Errorf("title = %q", att.Title)
	}
	if att.Color != "good" {
		t.Errorf("color = %q", att.Color)
	}

	want := []slackField{
		{Title: "01 Visual Strategist", Value: "completed · Design Analysis", Short: true},
		{Title: "02 UI Architect", Value: "completed · 2 subtasks (navbar, hero)", Short: true},
		{Title: "03 AEM Alchemist", Value: "pending", Short: true},
	}
	if !reflect.DeepEqual(att.Fields, want) {
		t.Errorf("fields = %+v, want %+v", att.Fields, want)
	}
}

func TestSlackPayload_Colors(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Succeeded, "good"},
		{TimedOut, "warning"},
		{Failed, "danger"},
	}

	for _, tt := range tests {
		n := sampleNotification()
		n.Outcome = tt.outcome
		if got := slackPayload(n).Attachments[0].Color; got != tt.want {
			t.Errorf("color for %v = %s, want %s", tt.outcome, got, tt.want)
		}
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(sampleNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(got.Attachments) != 1 || len(got.Attachments[0].Fields) != 3 {
		t.Errorf("payload = %+v", got)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(sampleNotification()); err == nil {
		t.Error("expected error for non-2xx response")
	}
}

type recordingNotifier struct {
	got []Notification
	err error
}

func (r *recordingNotifier) Send(n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("boom")}

	err := Multi{broken, ok}.Send(sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Send() error = %v, want boom", err)
	}
	if len(ok.got) != 1 || len(broken.got) != 1 {
		t.Errorf("every notifier should be called, got %d and %d", len(ok.got), len(broken.got))
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(config.NotificationsConfig{}).(Noop); !ok {
		t.Error("nothing enabled should give Noop")
	}
	m, ok := FromConfig(config.NotificationsConfig{Desktop: true, SlackWebhook: "http://example.invalid"}).(Multi)
	if !ok || len(m) != 2 {
		t.Errorf("FromConfig() = %#v, want two notifiers", m)
	}
}

func TestRunFinished(t *testing.T) {
	started := time.Now().Add(-5 * time.Minute)
	finished := started.Add(4*time.Minute + 12*time.Second)
	snap := []domain.StageStatus{
		{ID: "a", Name: "Planner", State: domain.StageCompleted},
		{ID: "b", Name: "Coder", State: domain.StageActive, Subtasks: []string{"main.go"}},
		{ID: "c", Name: "Reviewer", State: domain.StagePending},
	}

	tests := []struct {
		status      domain.RunStatus
		errMsg      string
		wantOutcome Outcome
		wantTitle   string
		wantIn      string
	}{
		{domain.RunCompleted, "", Succeeded, "Crew run completed", "1/3 stages completed in 4m12s"},
		{domain.RunFailed, "exit status 1", Failed, "Crew run failed", "1/3 stages completed: exit status 1"},
		{domain.RunTimedOut, "", TimedOut, "Crew run timed out", "last seen Coder · main.go"},
	}

	for _, tt := range tests {
		run := &domain.Run{ID: "r1", Topology: "aem", Status: tt.status, Error: tt.errMsg, StartedAt: &started, FinishedAt: &finished}
		n := RunFinished(run, snap)
		if n.Outcome != tt.wantOutcome || n.Title != tt.wantTitle {
			t.Errorf("%s: got %v %q", tt.status, n.Outcome, n.Title)
		}
		if !strings.Contains(n.Message, tt.wantIn) {
			t.Errorf("%s: message %q missing %q", tt.status, n.Message, tt.wantIn)
		}
		if !strings.Contains(n.Message, "ago") {
			t.Errorf("%s: message %q should say when the run started", tt.status, n.Message)
		}
		if n.RunID != "r1" || n.Topology != "aem" || n.Elapsed != 4*time.Minute+12*time.Second {
			t.Errorf("%s: header = %q %q %s", tt.status, n.RunID, n.Topology, n.Elapsed)
		}
		if len(n.Stages) != 3 || n.Stages[1].Subtasks[0] != "main.go" {
			t.Errorf("%s: stages = %+v", tt.status, n.Stages)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	n := sampleNotification()
	n.Message = `say "hi" \ there`

	mac := desktopCommand("darwin", n)
	if mac == nil || !strings.Contains(mac.Args[2], `display notification "say \"hi\" \\ there"`) {
		t.Errorf("darwin args = %v", mac.Args)
	}
	if !strings.Contains(mac.Args[2], `subtitle "aem · 2/3 stages"`) {
		t.Errorf("darwin script missing subtitle: %s", mac.Args[2])
	}

	n.Outcome = Failed
	linux := desktopCommand("linux", n)
	want := []string{"notify-send", "--app-name", "crewwatch", "--urgency", "critical", n.Title, n.Message}
	if linux == nil || !reflect.DeepEqual(linux.Args, want) {
		t.Errorf("linux args = %v, want %v", linux.Args, want)
	}

	if desktopCommand("windows", n) != nil {
		t.Error("unsupported platform should give no command")
	}
}
