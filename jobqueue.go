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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/reseller/config"
	"github.com/blnkfinance/reseller/database"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/internal/metrics"
	"github.com/blnkfinance/reseller/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProcessResult is what a Processor reports for one attempt. A failed
// attempt with Permanent set is not retried.
type ProcessResult struct {
	Success   bool
	Result    interface{}
	Error     string
	Permanent bool
}

// Processor performs the provisioning work behind one job kind. It must be
// safe to call more than once for the same order reference.
type Processor interface {
	Process(ctx context.Context, job *model.Job) ProcessResult
}

type ProcessorFunc func(ctx context.Context, job *model.Job) ProcessResult

func (f ProcessorFunc) Process(ctx context.Context, job *model.Job) ProcessResult {
	return f(ctx, job)
}

type JobQueueConfig struct {
	MaxRetries int
	// Backoff[n] is the wait after the n-th failed attempt; counts past the
	// end of the schedule reuse the last entry.
	Backoff        []time.Duration
	BatchSize      int
	ProcessTimeout time.Duration
	StaleLease     time.Duration
}

func DefaultJobQueueConfig() JobQueueConfig {
	return JobQueueConfigFrom(config.Default().Jobs)
}

func JobQueueConfigFrom(cnf config.JobsConfig) JobQueueConfig {
	backoff := make([]time.Duration, 0, len(cnf.BackoffSeconds))
	for _, s := range cnf.BackoffSeconds {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	return JobQueueConfig{
		MaxRetries:     cnf.MaxRetries,
		Backoff:        backoff,
		BatchSize:      cnf.BatchSize,
		ProcessTimeout: time.Duration(cnf.ProcessTimeoutSeconds) * time.Second,
		StaleLease:     time.Duration(cnf.StaleLeaseMinutes) * time.Minute,
	}
}

func (c JobQueueConfig) backoffFor(retryCount int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	if retryCount >= len(c.Backoff) {
		return c.Backoff[len(c.Backoff)-1]
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return c.Backoff[retryCount]
}

// JobQueue is a durable, retrying queue for one job kind. The processing
// lease is the job's status column; Claim is the only point of mutual
// exclusion between workers.
type JobQueue struct {
	kind      string
	store     database.JobStore
	processor Processor
	cfg       JobQueueConfig
	metrics   *metrics.Metrics
	events    EventPublisher
	now       func() time.Time
	running   atomic.Bool
}

type JobQueueOption func(*JobQueue)

func WithJobMetrics(m *metrics.Metrics) JobQueueOption {
	return func(q *JobQueue) { q.metrics = m }
}

func WithJobEvents(p EventPublisher) JobQueueOption {
	return func(q *JobQueue) { q.events = p }
}

func WithJobClock(now func() time.Time) JobQueueOption {
	return func(q *JobQueue) { q.now = now }
}

func NewJobQueue(kind string, store database.JobStore, processor Processor, cfg JobQueueConfig, opts ...JobQueueOption) (*JobQueue, error) {
	if !model.IsValidJobKind(kind) {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if store == nil || processor == nil {
		return nil, errors.New("job queue needs a store and a processor")
	}
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("job queue max retries must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}

	q := &JobQueue{
		kind:      kind,
		store:     store,
		processor: processor,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *JobQueue) Kind() string {
	return q.kind
}

// Enqueue creates a pending job for orderRef and returns its id. An existing
// job for the same order is returned instead of a duplicate; a failed one is
// reset to pending first.
func (q *JobQueue) Enqueue(ctx context.Context, orderRef, userID, target string, payload json.RawMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "JobQueue.Enqueue", trace.WithAttributes(
		attribute.String("kind", q.kind), attribute.String("order_ref", orderRef)))
	defer span.End()

	if orderRef == "" {
		return "", apierror.NewAPIError(apierror.ErrInvalidInput, "order reference is required", nil)
	}

	existing, err := q.store.GetJobByOrderRef(ctx, q.kind, orderRef)
	switch {
	case err == nil:
		return q.reuse(ctx, existing)
	case !apierror.HasCode(err, apierror.ErrNotFound):
		span.RecordError(err)
		return "", err
	}

	job := &model.Job{
		ID:            model.GenerateUUIDWithSuffix("job"),
		Kind:          q.kind,
		OrderRef:      orderRef,
		UserID:        userID,
		Target:        target,
		Payload:       payload,
		Status:        model.JobStatusPending,
		MaxRetries:    q.cfg.MaxRetries,
		NextAttemptAt: q.now(),
	}
	created, err := q.store.CreateJob(ctx, job)
	if err != nil {
		if !apierror.HasCode(err, apierror.ErrConflict) {
			span.RecordError(err)
			return "", err
		}
		// another caller inserted the same order between our read and write
		existing, err = q.store.GetJobByOrderRef(ctx, q.kind, orderRef)
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	q.metrics.IncJobEnqueued(q.kind, "created")
	logrus.WithFields(logrus.Fields{
		"kind":      q.kind,
		"job_id":    created.ID,
		"order_ref": orderRef,
		"target":    target,
	}).Info("job enqueued")
	return created.ID, nil
}

func (q *JobQueue) reuse(ctx context.Context, job *model.Job) (string, error) {
	if job.Status != model.JobStatusFailed {
		logrus.WithFields(logrus.Fields{
			"kind":      q.kind,
			"job_id":    job.ID,
			"order_ref": job.OrderRef,
			"status":    job.Status,
		}).Debug("job already enqueued")
		return job.ID, nil
	}

	if _, err := q.store.ResetFailedJob(ctx, job.ID, q.now()); err != nil {
		return "", err
	}
	q.metrics.IncJobEnqueued(q.kind, "redrive")
	logrus.WithFields(logrus.Fields{
		"kind":       q.kind,
		"job_id":     job.ID,
		"order_ref":  job.OrderRef,
		"last_error": job.LastError,
	}).Info("failed job re-driven")
	return job.ID, nil
}

// Redrive resets the failed job for orderRef to pending with a fresh retry
// budget.
func (q *JobQueue) Redrive(ctx context.Context, orderRef string) (*model.Job, error) {
	job, err := q.store.GetJobByOrderRef(ctx, q.kind, orderRef)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("job %s is %s; only failed jobs can be re-driven", job.ID, job.Status), nil)
	}
	if _, err := q.reuse(ctx, job); err != nil {
		return nil, err
	}
	return q.store.GetJob(ctx, job.ID)
}

func (q *JobQueue) FetchReady(ctx context.Context, limit int) ([]*model.Job, error) {
	return q.store.FetchReadyJobs(ctx, q.kind, q.now(), limit)
}

// Claim takes the processing lease on a pending job. It reports false when
// another worker already holds it.
func (q *JobQueue) Claim(ctx context.Context, jobID string) (bool, error) {
	return q.store.ClaimJob(ctx, jobID, q.now())
}

func (q *JobQueue) Complete(ctx context.Context, jobID string, result interface{}) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		raw = b
	}

	ok, err := q.store.CompleteJob(ctx, jobID, raw, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("job %s is not leased for processing", jobID), nil)
	}
	return nil
}

// Fail records a failed attempt and returns the job's new status: pending
// with a backoff delay while retries remain, failed otherwise.
func (q *JobQueue) Fail(ctx context.Context, jobID, errMsg string, retry bool) (string, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}
	retryCount := job.RetryCount + 1
	status := model.JobStatusFailed
	next := job.NextAttemptAt
	if retry && retryCount < maxRetries {
		status = model.JobStatusPending
		next = q.now().Add(q.cfg.backoffFor(retryCount))
	}

	ok, err := q.store.RecordJobFailure(ctx, jobID, status, retryCount, errMsg, next)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("job %s is not leased for processing", jobID), nil)
	}
	return status, nil
}

// ProcessOnce runs one processing pass: fetch a batch of ready jobs, claim
// each and hand the claimed ones to the processor. A call made while a pass
// is already running returns immediately. It returns the number of jobs this
// pass processed.
func (q *JobQueue) ProcessOnce(ctx context.Context) (int, error) {
	if !q.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.running.Store(false)

	jobs, err := q.FetchReady(ctx, q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		claimed, err := q.Claim(ctx, job.ID)
		if err != nil {
			logrus.WithError(err).WithField("job_id", job.ID).Error("failed to claim job")
			continue
		}
		if !claimed {
			continue
		}
		job.Status = model.JobStatusProcessing
		q.execute(ctx, job)
		processed++
	}
	return processed, nil
}

func (q *JobQueue) execute(ctx context.Context, job *model.Job) {
	ctx, span := tracer.Start(ctx, "JobQueue.Process", trace.WithAttributes(
		attribute.String("kind", q.kind), attribute.String("job_id", job.ID), attribute.String("order_ref", job.OrderRef)))
	defer span.End()

	fields := logrus.Fields{
		"kind":      q.kind,
		"job_id":    job.ID,
		"order_ref": job.OrderRef,
		"target":    job.Target,
		"attempt":   job.RetryCount + 1,
	}

	result := q.invoke(ctx, job)
	if result.Success {
		if err := q.Complete(ctx, job.ID, result.Result); err != nil {
			logrus.WithFields(fields).WithError(err).Error("failed to mark job completed")
			return
		}
		q.metrics.IncJobProcessed(q.kind, "completed")
		logrus.WithFields(fields).Info("job completed")
		return
	}

	errMsg := result.Error
	if errMsg == "" {
		errMsg = "processor reported failure"
	}
	status, err := q.Fail(ctx, job.ID, errMsg, !result.Permanent)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("failed to record job failure")
		return
	}

	if status == model.JobStatusPending {
		q.metrics.IncJobProcessed(q.kind, "retried")
		logrus.WithFields(fields).WithField("error", errMsg).Warn("job attempt failed, will retry")
		return
	}

	q.metrics.IncJobProcessed(q.kind, "failed")
	logrus.WithFields(fields).WithField("error", errMsg).Error("job failed permanently")
	publish(ctx, q.events, EventJobFailed, map[string]interface{}{
		"kind":      q.kind,
		"job_id":    job.ID,
		"order_ref": job.OrderRef,
		"target":    job.Target,
		"error":     errMsg,
		"permanent": result.Permanent,
	})
}

// invoke runs the processor under the per-attempt timeout and turns a panic
// into a retryable failure.
func (q *JobQueue) invoke(ctx context.Context, job *model.Job) (result ProcessResult) {
	if q.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.ProcessTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = ProcessResult{Error: fmt.Sprintf("processor panic: %v", rec)}
		}
	}()

	result = q.processor.Process(ctx, job)
	if !result.Success && result.Error == "" && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Error = "processing timed out"
	}
	return result
}

// Stats returns the number of jobs of this kind in each status.
func (q *JobQueue) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := q.store.CountJobsByStatus(ctx, q.kind)
	if err != nil {
		return nil, err
	}
	for _, status := range []string{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}
