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
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
)

// memStore is an in-memory database.IDataSource. Every conditional update
// happens under one mutex, matching the single-statement semantics of the
// SQL store.
type memStore struct {
	mu        sync.Mutex
	intents   map[string]*model.PaymentIntent
	jobs      map[string]*model.Job
	resources map[int64]*model.Resource
	nextID    int64
	seq       int

	writes       int
	resourceHook func(op string)
}

func newMemStore() *memStore {
	return &memStore{
		intents:   map[string]*model.PaymentIntent{},
		jobs:      map[string]*model.Job{},
		resources: map[int64]*model.Resource{},
	}
}

func notFound(what string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, what+" not found", nil)
}

func (m *memStore) CreatePaymentIntent(_ context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.OrderRef]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "duplicate order reference", nil)
	}
	m.nextID++
	intent.ID = m.nextID
	cp := *intent
	m.intents[intent.OrderRef] = &cp
	return intent, nil
}

func (m *memStore) GetPaymentIntentByOrderRef(_ context.Context, orderRef string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[orderRef]
	if !ok {
		return nil, notFound("payment intent")
	}
	cp := *intent
	return &cp, nil
}

func (m *memStore) TransitionPaymentIntent(_ context.Context, orderRef, from, to string, update model.PaymentUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[orderRef]
	if !ok || intent.Status != from {
		return false, nil
	}
	m.writes++
	applyPaymentUpdate(intent, to, update)
	return true, nil
}

func (m *memStore) UpdatePaymentConfirmations(_ context.Context, orderRef, status string, confirmations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[orderRef]
	if ok && intent.Status == status && intent.Confirmations < confirmations {
		m.writes++
		intent.Confirmations = confirmations
	}
	return nil
}

func (m *memStore) GetReconcilablePaymentIntents(_ context.Context, statuses []string, after, before time.Time, afterID int64, limit int) ([]*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PaymentIntent
	for _, intent := range m.intents {
		if !contains(statuses, intent.Status) || !intent.CreatedAt.After(after) || !intent.CreatedAt.Before(before) || intent.ID <= afterID {
			continue
		}
		cp := *intent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateJob(_ context.Context, job *model.Job) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Kind == job.Kind && j.OrderRef == job.OrderRef {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "duplicate job", nil)
		}
	}
	m.seq++
	cp := *job
	cp.CreatedAt = job.NextAttemptAt.Add(time.Duration(m.seq) * time.Nanosecond)
	m.jobs[job.ID] = &cp
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, notFound("job")
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) GetJobByOrderRef(_ context.Context, kind, orderRef string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Kind == kind && j.OrderRef == orderRef {
			cp := *j
			return &cp, nil
		}
	}
	return nil, notFound("job")
}

func (m *memStore) ResetFailedJob(_ context.Context, jobID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.JobStatusFailed {
		return false, nil
	}
	job.Status = model.JobStatusPending
	job.RetryCount = 0
	job.LastError = ""
	job.NextAttemptAt = now
	return true, nil
}

func (m *memStore) FetchReadyJobs(_ context.Context, kind string, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.Kind == kind && j.Status == model.JobStatusPending && !j.NextAttemptAt.After(now) && j.RetryCount < j.MaxRetries {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimJob(_ context.Context, jobID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.JobStatusPending {
		return false, nil
	}
	job.Status = model.JobStatusProcessing
	job.ClaimedAt = &now
	return true, nil
}

func (m *memStore) CompleteJob(_ context.Context, jobID string, result json.RawMessage, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}
	job.Status = model.JobStatusCompleted
	job.Result = result
	job.LastError = ""
	job.CompletedAt = &now
	return true, nil
}

func (m *memStore) RecordJobFailure(_ context.Context, jobID, status string, retryCount int, lastError string, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}
	job.Status = status
	job.RetryCount = retryCount
	job.LastError = lastError
	job.NextAttemptAt = next
	return true, nil
}

func (m *memStore) RequeueStaleJobs(_ context.Context, kind string, leasedBefore, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Kind != kind || j.Status != model.JobStatusProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(leasedBefore) {
			continue
		}
		j.RetryCount++
		j.Status = model.JobStatusPending
		if j.RetryCount >= j.MaxRetries {
			j.Status = model.JobStatusFailed
		}
		j.LastError = "processing lease expired"
		j.NextAttemptAt = now
		j.ClaimedAt = nil
		n++
	}
	return n, nil
}

func (m *memStore) CountJobsByStatus(_ context.Context, kind string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, j := range m.jobs {
		if j.Kind == kind {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *memStore) UpsertResource(_ context.Context, resource *model.Resource) (*model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for id, r := range m.resources {
		if r.Kind == resource.Kind && r.ProviderID == resource.ProviderID {
			resource.ID = id
			cp := *resource
			m.resources[id] = &cp
			return resource, nil
		}
	}
	m.nextID++
	resource.ID = m.nextID
	cp := *resource
	m.resources[resource.ID] = &cp
	return resource, nil
}

func (m *memStore) GetResourceByOrderRef(_ context.Context, kind, orderRef string) (*model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		if r.Kind == kind && r.OrderRef == orderRef {
			cp := *r
			return &cp, nil
		}
	}
	return nil, notFound("resource")
}

func (m *memStore) GetActiveResources(_ context.Context, kind string, afterID int64, limit int) ([]*model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Resource
	for id, r := range m.resources {
		if r.Kind == kind && id > afterID && !contains(model.InactiveResourceStatuses(), r.Status) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateResourceFields(_ context.Context, resource *model.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resourceHook != nil {
		m.resourceHook("update")
	}
	r, ok := m.resources[resource.ID]
	if !ok {
		return notFound("resource")
	}
	m.writes++
	r.Status = resource.Status
	r.IPAddress = resource.IPAddress
	r.Suspended = resource.Suspended
	r.DiskUsedMB = resource.DiskUsedMB
	r.ExpiresAt = resource.ExpiresAt
	return nil
}

func (m *memStore) MarkResourceOrphaned(_ context.Context, id int64, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok || contains(model.InactiveResourceStatuses(), r.Status) {
		return false, nil
	}
	m.writes++
	r.Status = status
	return true, nil
}

func (m *memStore) job(id string) model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) intent(orderRef string) model.PaymentIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.intents[orderRef]
}

func (m *memStore) resource(id int64) model.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.resources[id]
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// recordingPublisher collects operator events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []OperatorEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event OperatorEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, e.Event)
	}
	return names
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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
