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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const jobColumns = `job_id, kind, order_ref, user_id, target, payload, status, retry_count,
	max_retries, next_attempt_at, last_error, result, claimed_at, completed_at,
	created_at, updated_at`

// CreateJob inserts a pending job. A second job for the same kind and order
// reference fails with a CONFLICT error.
func (d Datasource) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "CreateJob",
		trace.WithAttributes(attribute.String("kind", job.Kind), attribute.String("order_ref", job.OrderRef)))
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO reseller.jobs (
			job_id, kind, order_ref, user_id, target, payload, status,
			retry_count, max_retries, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.Kind, job.OrderRef, job.UserID, job.Target, nullJSON(job.Payload), job.Status,
		job.RetryCount, job.MaxRetries, job.NextAttemptAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Job for this order reference already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create job", err)
	}
	return job, nil
}

func (d Datasource) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetJob")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM reseller.jobs
		WHERE job_id = $1
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError(err, "Failed to retrieve job")
	}
	return job, nil
}

func (d Datasource) GetJobByOrderRef(ctx context.Context, kind, orderRef string) (*model.Job, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetJobByOrderRef")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM reseller.jobs
		WHERE kind = $1 AND order_ref = $2
	`, kind, orderRef)

	job, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError(err, "Failed to retrieve job")
	}
	return job, nil
}

// ResetFailedJob re-drives a terminally failed job.
func (d Datasource) ResetFailedJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "ResetFailedJob")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.jobs
		SET status = 'pending', retry_count = 0, last_error = '', next_attempt_at = $2,
			claimed_at = NULL, updated_at = $2
		WHERE job_id = $1 AND status = 'failed'
	`, jobID, now)
	return affectedOne(result, err, "Failed to reset job")
}

func (d Datasource) FetchReadyJobs(ctx context.Context, kind string, now time.Time, limit int) ([]*model.Job, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "FetchReadyJobs",
		trace.WithAttributes(attribute.String("kind", kind)))
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM reseller.jobs
		WHERE kind = $1
			AND status = 'pending'
			AND next_attempt_at <= $2
			AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $3
	`, kind, now, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch ready jobs", err)
	}
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over jobs", err)
	}
	return jobs, nil
}

// ClaimJob takes the processing lease on a pending job. Exactly one of any
// number of concurrent callers observes true.
func (d Datasource) ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "ClaimJob")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.jobs
		SET status = 'processing', claimed_at = $2, updated_at = $2
		WHERE job_id = $1 AND status = 'pending'
	`, jobID, now)
	return affectedOne(result, err, "Failed to claim job")
}

func (d Datasource) CompleteJob(ctx context.Context, jobID string, result json.RawMessage, now time.Time) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "CompleteJob")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.jobs
		SET status = 'completed', result = $2, last_error = '', completed_at = $3, updated_at = $3
		WHERE job_id = $1 AND status = 'processing'
	`, jobID, nullJSON(result), now)
	return affectedOne(res, err, "Failed to complete job")
}

func (d Datasource) RecordJobFailure(ctx context.Context, jobID, status string, retryCount int, lastError string, nextAttemptAt time.Time) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "RecordJobFailure",
		trace.WithAttributes(attribute.String("status", status), attribute.Int("retry_count", retryCount)))
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.jobs
		SET status = $2, retry_count = $3, last_error = $4, next_attempt_at = $5,
			claimed_at = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`, jobID, status, retryCount, lastError, nextAttemptAt)
	return affectedOne(result, err, "Failed to record job failure")
}

// RequeueStaleJobs returns jobs whose processing lease was taken before
// leasedBefore to pending. The abandoned attempt counts as a retry, so a job
// that has no retries left lands in failed instead.
func (d Datasource) RequeueStaleJobs(ctx context.Context, kind string, leasedBefore, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "RequeueStaleJobs",
		trace.WithAttributes(attribute.String("kind", kind)))
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.jobs
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			retry_count = retry_count + 1,
			last_error = 'processing lease expired',
			next_attempt_at = $3,
			claimed_at = NULL,
			updated_at = $3
		WHERE kind = $1 AND status = 'processing' AND claimed_at < $2
	`, kind, leasedBefore, now)
	if err != nil {
		span.RecordError(err)
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to requeue stale jobs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n, nil
}

func (d Datasource) CountJobsByStatus(ctx context.Context, kind string) (map[string]int, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "CountJobsByStatus")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM reseller.jobs
		WHERE kind = $1
		GROUP BY status
	`, kind)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count jobs", err)
	}
	defer rows.Close()

	counts := map[string]int{
		model.JobStatusPending:    0,
		model.JobStatusProcessing: 0,
		model.JobStatusCompleted:  0,
		model.JobStatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJob(row scanner) (*model.Job, error) {
	job := &model.Job{}
	var payload, result []byte
	err := row.Scan(
		&job.ID, &job.Kind, &job.OrderRef, &job.UserID, &job.Target, &payload, &job.Status,
		&job.RetryCount, &job.MaxRetries, &job.NextAttemptAt, &job.LastError, &result,
		&job.ClaimedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func affectedOne(result sql.Result, err error, message string) (bool, error) {
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, message, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return rows == 1, nil
}
