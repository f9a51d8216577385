package notify

import (
	"context"
	"fmt"
	"net/http"
)

// SlackSender delivers notifications via a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSender creates a SlackSender for the given webhook URL.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     newSenderClient(),
	}
}

// Send posts a message to the Slack webhook. The title is rendered in bold
// using Slack mrkdwn syntax.
func (s *SlackSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, message),
	}
	return postJSON(ctx, s.client, s.Name(), s.webhookURL, payload)
}

// Name returns the sender identifier.
func (s *SlackSender) Name() string {
	return "slack"
}
