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
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/reseller/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Payment intent methods

func (m *MockDataSource) CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	args := m.Called(ctx, intent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentIntent), args.Error(1)
}

func (m *MockDataSource) GetPaymentIntentByOrderRef(ctx context.Context, orderRef string) (*model.PaymentIntent, error) {
	args := m.Called(ctx, orderRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentIntent), args.Error(1)
}

func (m *MockDataSource) TransitionPaymentIntent(ctx context.Context, orderRef, from, to string, update model.PaymentUpdate) (bool, error) {
	args := m.Called(ctx, orderRef, from, to, update)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) UpdatePaymentConfirmations(ctx context.Context, orderRef, status string, confirmations int) error {
	args := m.Called(ctx, orderRef, status, confirmations)
	return args.Error(0)
}

func (m *MockDataSource) GetReconcilablePaymentIntents(ctx context.Context, statuses []string, createdAfter, createdBefore time.Time, afterID int64, limit int) ([]*model.PaymentIntent, error) {
	args := m.Called(ctx, statuses, createdAfter, createdBefore, afterID, limit)
	return args.Get(0).([]*model.PaymentIntent), args.Error(1)
}

// Job methods

func (m *MockDataSource) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) GetJobByOrderRef(ctx context.Context, kind, orderRef string) (*model.Job, error) {
	args := m.Called(ctx, kind, orderRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) ResetFailedJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	args := m.Called(ctx, jobID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FetchReadyJobs(ctx context.Context, kind string, now time.Time, limit int) ([]*model.Job, error) {
	args := m.Called(ctx, kind, now, limit)
	return args.Get(0).([]*model.Job), args.Error(1)
}

func (m *MockDataSource) ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	args := m.Called(ctx, jobID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CompleteJob(ctx context.Context, jobID string, result json.RawMessage, now time.Time) (bool, error) {
	args := m.Called(ctx, jobID, result, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RecordJobFailure(ctx context.Context, jobID, status string, retryCount int, lastError string, nextAttemptAt time.Time) (bool, error) {
	args := m.Called(ctx, jobID, status, retryCount, lastError, nextAttemptAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RequeueStaleJobs(ctx context.Context, kind string, leasedBefore, now time.Time) (int64, error) {
	args := m.Called(ctx, kind, leasedBefore, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountJobsByStatus(ctx context.Context, kind string) (map[string]int, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(map[string]int), args.Error(1)
}

// Resource methods

func (m *MockDataSource) UpsertResource(ctx context.Context, resource *model.Resource) (*model.Resource, error) {
	args := m.Called(ctx, resource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Resource), args.Error(1)
}

func (m *MockDataSource) GetResourceByOrderRef(ctx context.Context, kind, orderRef string) (*model.Resource, error) {
	args := m.Called(ctx, kind, orderRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Resource), args.Error(1)
}

func (m *MockDataSource) GetActiveResources(ctx context.Context, kind string, afterID int64, limit int) ([]*model.Resource, error) {
	args := m.Called(ctx, kind, afterID, limit)
	return args.Get(0).([]*model.Resource), args.Error(1)
}

func (m *MockDataSource) UpdateResourceFields(ctx context.Context, resource *model.Resource) error {
	args := m.Called(ctx, resource)
	return args.Error(0)
}

func (m *MockDataSource) MarkResourceOrphaned(ctx context.Context, id int64, status string) (bool, error) {
	args := m.Called(ctx, id, status)
	return args.Bool(0), args.Error(1)
}
