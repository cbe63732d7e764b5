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
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title string, _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func eventTask(t *testing.T, event OperatorEvent) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return asynq.NewTask("operator_events", payload)
}

func TestProcessWebhook_Delivers(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	var got map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, "https://ops.example.com/hooks",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "s3cret", req.Header.Get("X-Signature"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
		})

	w := NewWebhookDeliverer("https://ops.example.com/hooks", map[string]string{"X-Signature": "s3cret"}, client, nil)
	err := w.ProcessWebhook(context.Background(), eventTask(t, OperatorEvent{
		Event:     EventJobFailed,
		Payload:   map[string]interface{}{"order_ref": "order-1"},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, EventJobFailed, got["event"])
	assert.Equal(t, "order-1", got["data"].(map[string]interface{})["order_ref"])
}

func TestProcessWebhook_FailureIsRetriedAndReported(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://ops.example.com/hooks",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))

	notifier := &recordingNotifier{}
	w := NewWebhookDeliverer("https://ops.example.com/hooks", nil, client, notifier)
	err := w.ProcessWebhook(context.Background(), eventTask(t, OperatorEvent{Event: EventResourceOrphaned}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessWebhook_MalformedPayloadIsDropped(t *testing.T) {
	w := NewWebhookDeliverer("https://ops.example.com/hooks", nil, nil, nil)
	err := w.ProcessWebhook(context.Background(), asynq.NewTask("operator_events", []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessWebhook_NoURLConfigured(t *testing.T) {
	w := NewWebhookDeliverer("", nil, nil, nil)
	assert.NoError(t, w.ProcessWebhook(context.Background(), asynq.NewTask("operator_events", []byte("{not json"))))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, OperatorEvent) error {
	return errors.New("redis down")
}

func TestPublish_NeverFailsTheCaller(t *testing.T) {
	publish(context.Background(), nil, EventJobFailed, nil)
	publish(context.Background(), failingPublisher{}, EventJobFailed, map[string]string{"job_id": "job_1"})

	events := &recordingPublisher{}
	publish(context.Background(), events, EventPaymentRecovered, nil)
	assert.Equal(t, []string{EventPaymentRecovered}, events.names())
}
