package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"sixseven/internal/store"
)

// SlackSender posts job outcomes to a Slack incoming webhook as a Block Kit
// message with a plain-text fallback.
type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{url: strings.TrimSpace(webhookURL), client: client}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, payload Payload) error {
	encoded, err := json.Marshal(slackMessageFor(payload))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, encoded, s.Name())
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

func slackMessageFor(p Payload) slackMessage {
	fields := []slackText{
		mrkdwn("*Job:*\n`" + store.ShortID(p.JobID) + "`"),
		mrkdwn("*Kind:*\n" + kindLabel(p.Kind)),
		mrkdwn("*Status:*\n" + p.Status),
	}
	if p.SessionID != "" {
		fields = append(fields, mrkdwn("*Session:*\n"+p.SessionID))
	}
	return slackMessage{
		Text: SlackText(p),
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: statusEmoji(p.Status) + " " + EventLabel(p.Status)}},
			{Type: "section", Fields: fields},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: p.Message}},
		},
	}
}

// SlackText is the notification fallback shown where blocks are not
// rendered, such as push notifications.
func SlackText(p Payload) string {
	text := fmt.Sprintf("sixseven: %s job %s %s\n%s", kindLabel(p.Kind), store.ShortID(p.JobID), p.Status, p.Message)
	if p.SessionID != "" {
		text += "\nSession: " + p.SessionID
	}
	return text
}

func kindLabel(kind string) string {
	if kind == "" {
		return "Unknown"
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}

func statusEmoji(status string) string {
	switch status {
	case TriggerSucceeded:
		return ":white_check_mark:"
	case TriggerCancelled:
		return ":no_entry_sign:"
	default:
		return ":x:"
	}
}
