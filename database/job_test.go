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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobRowColumns = []string{
	"job_id", "kind", "order_ref", "user_id", "target", "payload", "status", "retry_count",
	"max_retries", "next_attempt_at", "last_error", "result", "claimed_at", "completed_at",
	"created_at", "updated_at",
}

func TestCreateJob_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	job := &model.Job{
		ID: "job_1", Kind: model.JobKindDomainRegistration, OrderRef: "ord_1", Target: "example.com",
		Payload: json.RawMessage(`{"order_ref":"ord_1"}`), Status: model.JobStatusPending,
		MaxRetries: 4, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO reseller.jobs").
		WithArgs("job_1", model.JobKindDomainRegistration, "ord_1", "", "example.com", []byte(`{"order_ref":"ord_1"}`),
			model.JobStatusPending, 0, 4, now, now, now).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err = ds.CreateJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobByOrderRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM reseller.jobs WHERE kind = (.+) AND order_ref").
		WithArgs(model.JobKindHostingOrder, "ord_9").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			"job_9", model.JobKindHostingOrder, "ord_9", "user_2", "shop.example", []byte(`{"order_ref":"ord_9"}`),
			model.JobStatusFailed, 4, 4, now, "panel unavailable", nil, nil, nil, now, now,
		))

	job, err := ds.GetJobByOrderRef(context.Background(), model.JobKindHostingOrder, "ord_9")
	require.NoError(t, err)
	assert.Equal(t, "job_9", job.ID)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, "panel unavailable", job.LastError)
	assert.Nil(t, job.Result)
	assert.Nil(t, job.ClaimedAt)

	pc, err := job.PaymentContext()
	require.NoError(t, err)
	assert.Equal(t, "ord_9", pc.OrderRef)
}

func TestGetJobByOrderRef_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM reseller.jobs").WillReturnRows(sqlmock.NewRows(jobRowColumns))

	_, err = ds.GetJobByOrderRef(context.Background(), model.JobKindHostingOrder, "nope")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestFetchReadyJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(jobRowColumns).
		AddRow("job_1", model.JobKindDomainRegistration, "ord_1", "", "a.com", nil, "pending", 0, 4, now, "", nil, nil, nil, now.Add(-2*time.Minute), now).
		AddRow("job_2", model.JobKindDomainRegistration, "ord_2", "", "b.com", nil, "pending", 1, 4, now, "timeout", nil, nil, nil, now.Add(-time.Minute), now)

	mock.ExpectQuery("SELECT (.+) FROM reseller.jobs WHERE kind = (.+) AND status = 'pending'").
		WithArgs(model.JobKindDomainRegistration, now, 3).
		WillReturnRows(rows)

	jobs, err := ds.FetchReadyJobs(context.Background(), model.JobKindDomainRegistration, now, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job_1", jobs[0].ID)
	assert.Equal(t, 1, jobs[1].RetryCount)
}

func TestClaimJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE reseller.jobs SET status = 'processing'").
		WithArgs("job_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reseller.jobs SET status = 'processing'").
		WithArgs("job_1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := ds.ClaimJob(context.Background(), "job_1", now)
	require.NoError(t, err)
	second, err := ds.ClaimJob(context.Background(), "job_1", now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAndFailJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE reseller.jobs SET status = 'completed'").
		WithArgs("job_1", []byte(`{"domain_id":"d1"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reseller.jobs SET status = \\$2").
		WithArgs("job_2", model.JobStatusPending, 1, "registrar timeout", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.CompleteJob(context.Background(), "job_1", json.RawMessage(`{"domain_id":"d1"}`), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ds.RecordJobFailure(context.Background(), "job_2", model.JobStatusPending, 1, "registrar timeout", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectExec("UPDATE reseller.jobs SET status = 'pending', retry_count = 0").
		WithArgs("job_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.ResetFailedJob(context.Background(), "job_1", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueStaleJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	cutoff := now.Add(-15 * time.Minute)

	mock.ExpectExec("UPDATE reseller.jobs SET status = CASE WHEN retry_count \\+ 1 >= max_retries").
		WithArgs(model.JobKindHostingOrder, cutoff, now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := ds.RequeueStaleJobs(context.Background(), model.JobKindHostingOrder, cutoff, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCountJobsByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs(model.JobKindDomainRegistration).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 3).AddRow("failed", 1))

	counts, err := ds.CountJobsByStatus(context.Background(), model.JobKindDomainRegistration)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.JobStatusPending])
	assert.Equal(t, 1, counts[model.JobStatusFailed])
	assert.Equal(t, 0, counts[model.JobStatusCompleted])
}
