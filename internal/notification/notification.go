/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/reseller/internal/request"
	"github.com/sirupsen/logrus"
)

// Notifier delivers operator-facing alerts.
type Notifier interface {
	Notify(ctx context.Context, title string, err error) error
}

// Slack posts alerts to an incoming webhook using the block kit layout.
type Slack struct {
	webhookURL string
	project    string
	client     *http.Client
	now        func() time.Time
}

// NewSlack returns a Slack notifier. A nil client falls back to one with a
// ten second timeout.
func NewSlack(webhookURL, project string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Slack{webhookURL: webhookURL, project: project, client: client, now: time.Now}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func (s *Slack) message(title string, err error) slackMessage {
	header := fmt.Sprintf("%s: %s", s.project, title)
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header, Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", s.now().Format(time.RFC822))}}},
	}}
}

// Notify sends one alert and reports delivery failures to the caller.
func (s *Slack) Notify(ctx context.Context, title string, err error) error {
	if s == nil || s.webhookURL == "" {
		return nil
	}
	_, postErr := request.PostJSON(ctx, s.client, s.webhookURL, nil, s.message(title, err))
	return postErr
}

// NotifyError logs systemError and forwards it to n without blocking the
// caller. n may be nil, in which case only the log line is written.
func NotifyError(n Notifier, title string, systemError error) {
	logrus.WithField("alert", title).Error(systemError)
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Notify(ctx, title, systemError); err != nil {
			logrus.WithError(err).Warn("failed to deliver operator alert")
		}
	}()
}
