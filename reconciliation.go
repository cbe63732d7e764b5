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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/reseller/config"
	redlock "github.com/blnkfinance/reseller/internal/lock"
	"github.com/blnkfinance/reseller/internal/metrics"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReconciliationConfig carries the reconciliation tunables.
type ReconciliationConfig struct {
	ResourceInterval time.Duration
	PaymentInterval  time.Duration
	BatchSize        int
	PaymentMinAge    time.Duration
	PaymentMaxAge    time.Duration
	Retry            provider.RetryPolicy
	UseLock          bool
}

func ReconciliationConfigFrom(cnf config.ReconciliationConfig) ReconciliationConfig {
	return ReconciliationConfig{
		ResourceInterval: time.Duration(cnf.IntervalMinutes) * time.Minute,
		PaymentInterval:  time.Duration(cnf.PaymentIntervalMinutes) * time.Minute,
		BatchSize:        cnf.BatchSize,
		PaymentMinAge:    time.Duration(cnf.PaymentMinAgeMinutes) * time.Minute,
		PaymentMaxAge:    time.Duration(cnf.PaymentMaxAgeHours) * time.Hour,
		Retry: provider.RetryPolicy{
			AttemptTimeout:  time.Duration(cnf.ProviderTimeoutSeconds) * time.Second,
			MaxElapsed:      time.Duration(cnf.ProviderMaxRetrySeconds) * time.Second,
			InitialInterval: 500 * time.Millisecond,
		},
		UseLock: !cnf.DisableLock,
	}
}

// Outcome describes what reconciling one local record changed.
type Outcome struct {
	Changed           bool
	Orphaned          bool
	Recovered         bool
	Expired           bool
	StatusChanged     bool
	SuspensionChanged bool
	IPChanged         bool
	DiskChanged       bool
}

func (o Outcome) counters() model.ReconciliationCounters {
	c := model.ReconciliationCounters{Checked: 1}
	if o.Changed {
		c.Updated = 1
	}
	if o.Orphaned {
		c.Orphaned = 1
	}
	if o.Recovered {
		c.Recovered = 1
	}
	if o.Expired {
		c.Expired = 1
	}
	if o.StatusChanged {
		c.StatusUpdates = 1
	}
	if o.SuspensionChanged {
		c.SuspensionUpdates = 1
	}
	if o.IPChanged {
		c.IPUpdates = 1
	}
	if o.DiskChanged {
		c.DiskUpdates = 1
	}
	return c
}

// Reconciler supplies the kind-specific half of a reconciliation cycle. S is
// the provider-side snapshot taken once per cycle and R a local record.
type Reconciler[R any, S any] interface {
	Kind() string
	// Snapshot reads the provider's authoritative view. An error aborts the
	// cycle before any local record is touched.
	Snapshot(ctx context.Context) (S, error)
	// Local returns the local records that take part in this cycle.
	Local(ctx context.Context) ([]R, error)
	// Reconcile compares one record with the snapshot and repairs drift.
	Reconcile(ctx context.Context, snapshot S, record R) (Outcome, error)
	Describe(record R) logrus.Fields
}

// CycleLocker takes a short lease on a key shared between processes.
type CycleLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease redlock.Lease, acquired bool, err error)
}

// Cycle is the kind-agnostic view of an Engine used by the scheduler and the
// API.
type Cycle interface {
	Kind() string
	RunCycle(ctx context.Context) model.CycleResult
	Stats() model.ReconciliationStats
}

// Engine runs reconciliation cycles for one kind.
type Engine[R any, S any] struct {
	rec     Reconciler[R, S]
	locker  CycleLocker
	lockTTL time.Duration
	metrics *metrics.Metrics
	events  EventPublisher
	now     func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	stats   model.ReconciliationStats
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	locker  CycleLocker
	lockTTL time.Duration
	metrics *metrics.Metrics
	events  EventPublisher
	now     func() time.Time
}

// WithCycleLocker makes every cycle take a lease on its kind first and skip
// the cycle when another process holds it.
func WithCycleLocker(l CycleLocker, ttl time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.locker = l
		o.lockTTL = ttl
	}
}

func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

func WithEngineEvents(p EventPublisher) EngineOption {
	return func(o *engineOptions) { o.events = p }
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

func NewEngine[R any, S any](rec Reconciler[R, S], opts ...EngineOption) *Engine[R, S] {
	o := engineOptions{
		lockTTL: 10 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[R, S]{
		rec:     rec,
		locker:  o.locker,
		lockTTL: o.lockTTL,
		metrics: o.metrics,
		events:  o.events,
		now:     o.now,
		stats:   model.ReconciliationStats{Kind: rec.Kind()},
	}
}

func (e *Engine[R, S]) Kind() string {
	return e.rec.Kind()
}

// Stats returns a copy of the counters accumulated across cycles.
func (e *Engine[R, S]) Stats() model.ReconciliationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// RunCycle performs one reconciliation pass. It never panics and never
// returns an error; failures are reported in the result and the stats.
func (e *Engine[R, S]) RunCycle(ctx context.Context) (result model.CycleResult) {
	kind := e.rec.Kind()
	start := e.now()
	result = model.CycleResult{Kind: kind, StartedAt: start}

	if !e.running.CompareAndSwap(false, true) {
		result.Skipped = true
		e.record(&result, time.Now())
		return result
	}
	defer e.running.Store(false)

	ctx, span := tracer.Start(ctx, "Reconciliation.RunCycle", trace.WithAttributes(attribute.String("kind", kind)))
	defer span.End()

	wall := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result.Error = fmt.Sprintf("reconciliation cycle panic: %v", rec)
			result.Errors++
		}
		e.record(&result, wall)
	}()

	if e.locker != nil {
		lease, acquired, err := e.locker.TryLock(ctx, kind, e.lockTTL)
		if err != nil {
			result.Error = fmt.Sprintf("acquire reconciliation lock: %v", err)
			return result
		}
		if !acquired {
			logrus.WithField("kind", kind).Info("reconciliation cycle held by another process, skipping")
			result.Skipped = true
			return result
		}
		stopRenew := e.renewLease(ctx, lease, kind)
		defer func() {
			stopRenew()
			if err := lease.Unlock(context.Background()); err != nil {
				logrus.WithError(err).WithField("kind", kind).Warn("failed to release reconciliation lock")
			}
		}()
	}

	snapshot, err := e.rec.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		result.Error = fmt.Sprintf("read provider state: %v", err)
		result.Errors++
		return result
	}

	records, err := e.rec.Local(ctx)
	if err != nil {
		span.RecordError(err)
		result.Error = fmt.Sprintf("read local records: %v", err)
		result.Errors++
		return result
	}

	for _, record := range records {
		if ctx.Err() != nil {
			result.Error = ctx.Err().Error()
			break
		}
		outcome, err := e.reconcileOne(ctx, snapshot, record)
		result.Add(outcome.counters())
		fields := logrus.Fields{"kind": kind}
		for k, v := range e.rec.Describe(record) {
			fields[k] = v
		}
		if err != nil {
			result.Errors++
			logrus.WithFields(fields).WithError(err).Error("failed to reconcile record")
		}
		e.announce(ctx, outcome, fields)
	}

	span.SetAttributes(
		attribute.Int("checked", result.Checked),
		attribute.Int("updated", result.Updated),
		attribute.Int("orphaned", result.Orphaned),
		attribute.Int("errors", result.Errors),
	)
	return result
}

// renewLease extends lease every half TTL until the returned stop func is
// called, so a cycle that outlives its interval keeps the lock.
func (e *Engine[R, S]) renewLease(ctx context.Context, lease redlock.Lease, kind string) (stop func()) {
	every := e.lockTTL / 2
	if every <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, e.lockTTL); err != nil {
					logrus.WithError(err).WithField("kind", kind).Warn("failed to extend reconciliation lock")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine[R, S]) reconcileOne(ctx context.Context, snapshot S, record R) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return e.rec.Reconcile(ctx, snapshot, record)
}

func (e *Engine[R, S]) announce(ctx context.Context, outcome Outcome, fields logrus.Fields) {
	switch {
	case outcome.Orphaned:
		logrus.WithFields(fields).Warn("resource no longer reported by provider, marked orphaned")
		publish(ctx, e.events, EventResourceOrphaned, map[string]interface{}(fields))
	case outcome.Recovered:
		logrus.WithFields(fields).Warn("payment confirmed at provider but missed locally, recovered")
		publish(ctx, e.events, EventPaymentRecovered, map[string]interface{}(fields))
	case outcome.Changed:
		logrus.WithFields(fields).Info("record reconciled with provider")
	}
}

func (e *Engine[R, S]) record(result *model.CycleResult, wall time.Time) {
	kind := result.Kind
	result.Duration = time.Since(wall)

	status := "completed"
	switch {
	case result.Skipped:
		status = "skipped"
	case result.Error != "":
		status = "failed"
	}

	e.mu.Lock()
	if result.Skipped {
		e.stats.SkippedCycles++
	} else {
		e.stats.Cycles++
		e.stats.Add(result.ReconciliationCounters)
		runAt := result.StartedAt
		e.stats.LastRunAt = &runAt
		e.stats.LastDuration = result.Duration
		if result.Error != "" {
			e.stats.LastError = result.Error
			e.stats.LastErrorAt = &runAt
		}
	}
	e.mu.Unlock()

	e.metrics.ObserveCycle(kind, status, wall)
	if result.Skipped {
		return
	}
	e.metrics.AddReconciled(kind, "checked", result.Checked)
	e.metrics.AddReconciled(kind, "updated", result.Updated)
	e.metrics.AddReconciled(kind, "orphaned", result.Orphaned)
	e.metrics.AddReconciled(kind, "recovered", result.Recovered)
	e.metrics.AddReconciled(kind, "expired", result.Expired)
	e.metrics.AddReconciled(kind, "errors", result.Errors)

	entry := logrus.WithFields(logrus.Fields{
		"kind":     kind,
		"checked":  result.Checked,
		"updated":  result.Updated,
		"orphaned": result.Orphaned,
		"errors":   result.Errors,
		"duration": result.Duration.String(),
	})
	if result.Error != "" {
		entry.WithField("error", result.Error).Error("reconciliation cycle failed")
		return
	}
	entry.Info("reconciliation cycle completed")
}
