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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/reseller/model"
)

// IDataSource groups the stores backing the payment, job and resource
// families. Each family is also usable on its own through its narrow
// interface.
type IDataSource interface {
	PaymentIntentStore
	JobStore
	ResourceStore
}

type PaymentIntentStore interface {
	CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error)
	GetPaymentIntentByOrderRef(ctx context.Context, orderRef string) (*model.PaymentIntent, error)
	// TransitionPaymentIntent moves the intent from `from` to `to` only if it
	// is still in `from`. It reports false when another writer got there first.
	TransitionPaymentIntent(ctx context.Context, orderRef, from, to string, update model.PaymentUpdate) (bool, error)
	// UpdatePaymentConfirmations records a confirmation count on an intent
	// that stays in its current state.
	UpdatePaymentConfirmations(ctx context.Context, orderRef, status string, confirmations int) error
	GetReconcilablePaymentIntents(ctx context.Context, statuses []string, createdAfter, createdBefore time.Time, afterID int64, limit int) ([]*model.PaymentIntent, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByOrderRef(ctx context.Context, kind, orderRef string) (*model.Job, error)
	ResetFailedJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	FetchReadyJobs(ctx context.Context, kind string, now time.Time, limit int) ([]*model.Job, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage, now time.Time) (bool, error)
	// RecordJobFailure writes the outcome of a failed attempt on a job the
	// caller holds the lease for.
	RecordJobFailure(ctx context.Context, jobID, status string, retryCount int, lastError string, nextAttemptAt time.Time) (bool, error)
	RequeueStaleJobs(ctx context.Context, kind string, leasedBefore, now time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context, kind string) (map[string]int, error)
}

type ResourceStore interface {
	UpsertResource(ctx context.Context, resource *model.Resource) (*model.Resource, error)
	GetResourceByOrderRef(ctx context.Context, kind, orderRef string) (*model.Resource, error)
	// GetActiveResources pages through resources of kind that are not
	// orphaned or deleted, ordered by id and starting after afterID.
	GetActiveResources(ctx context.Context, kind string, afterID int64, limit int) ([]*model.Resource, error)
	UpdateResourceFields(ctx context.Context, resource *model.Resource) error
	// MarkResourceOrphaned sets the orphan status on a resource unless it is
	// already inactive.
	MarkResourceOrphaned(ctx context.Context, id int64, status string) (bool, error)
}
