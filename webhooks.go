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

package reseller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/reseller/internal/notification"
	"github.com/blnkfinance/reseller/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	EventJobFailed             = "job.failed"
	EventJobsRequeued          = "job.stale_requeued"
	EventResourceOrphaned      = "resource.orphaned"
	EventPaymentRecovered      = "payment.recovered"
	EventPaymentAmountRejected = "payment.amount_rejected"
)

// OperatorEvent is a notification for the operator webhook.
type OperatorEvent struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
}

// EventPublisher hands operator events to a delivery channel.
type EventPublisher interface {
	Publish(ctx context.Context, event OperatorEvent) error
}

// publish sends an event through p if one is configured. Delivery problems
// are logged, never returned: an operator notification must not change the
// outcome of the operation that raised it.
func publish(ctx context.Context, p EventPublisher, event string, payload interface{}) {
	if p == nil {
		return
	}
	err := p.Publish(ctx, OperatorEvent{Event: event, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		logrus.WithError(err).WithField("event", event).Warn("failed to publish operator event")
	}
}

// WebhookDeliverer posts operator events taken off the queue to the
// configured webhook URL.
type WebhookDeliverer struct {
	url      string
	headers  map[string]string
	client   *http.Client
	notifier notification.Notifier
}

func NewWebhookDeliverer(url string, headers map[string]string, client *http.Client, notifier notification.Notifier) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookDeliverer{url: url, headers: headers, client: client, notifier: notifier}
}

// ProcessWebhook is the asynq handler for the operator event queue. A
// returned error makes asynq retry the task.
func (w *WebhookDeliverer) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	if w.url == "" {
		return nil
	}

	var event OperatorEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		// a payload that does not decode will never decode; drop it
		logrus.WithError(err).Error("discarding malformed operator event")
		return fmt.Errorf("decode operator event: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := request.PostJSON(ctx, w.client, w.url, w.headers, event); err != nil {
		notification.NotifyError(w.notifier, "operator webhook delivery failed", fmt.Errorf("%s: %w", event.Event, err))
		return err
	}

	logrus.WithField("event", event.Event).Info("operator webhook delivered")
	return nil
}
