package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var slackColors = map[Outcome]string{
	Succeeded: "good",
	TimedOut:  "warning",
	Failed:    "danger",
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts run summaries to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Notifier
func (s *SlackNotifier) Send(n Notification) error {
	payload, err := json.Marshal(slackPayload(n))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

// slackPayload lays the stage table out as one attachment field per stage
func slackPayload(n Notification) slackMessage {
	title := n.Topology + " · " + n.Progress()
	if n.RunID != "" {
		title = "Run " + shortID(n.RunID) + " · " + title
	}

	att := slackAttachment{
		Color:  slackColors[n.Outcome],
		Title:  title,
		Text:   n.Message,
		Footer: "crewwatch",
	}
	for i, s := range n.Stages {
		att.Fields = append(att.Fields, slackField{
			Title: fmt.Sprintf("%02d %s", i+1, s.Name),
			Value: stageValue(s),
			Short: true,
		})
	}
	return slackMessage{Text: n.Title, Attachments: []slackAttachment{att}}
}

func stageValue(s StageSummary) string {
	v := s.State.String()
	switch len(s.Subtasks) {
	case 0:
	case 1:
		v += " · " + s.Subtasks[0]
	default:
		v += fmt.Sprintf(" · %d subtasks (%s)", len(s.Subtasks), strings.Join(s.Subtasks, ", "))
	}
	return v
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
