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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks job processing and reconciliation outcomes. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	PaymentEvents         *prometheus.CounterVec
	JobsEnqueued          *prometheus.CounterVec
	JobsProcessed         *prometheus.CounterVec
	StaleLeasesRecovered  *prometheus.CounterVec
	ReconciliationRecords *prometheus.CounterVec
	ReconciliationCycles  *prometheus.CounterVec
	CycleDuration         *prometheus.HistogramVec
}

// New registers the reseller metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PaymentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_payment_events_total",
			Help: "Inbound payment events by reported status and handling outcome",
		}, []string{"status", "outcome"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_jobs_enqueued_total",
			Help: "Jobs created or re-driven, by kind",
		}, []string{"kind", "mode"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_jobs_processed_total",
			Help: "Job processing attempts by kind and outcome (completed, retried, failed)",
		}, []string{"kind", "outcome"}),
		StaleLeasesRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_job_stale_leases_recovered_total",
			Help: "Jobs returned from an expired processing lease",
		}, []string{"kind"}),
		ReconciliationRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_reconciliation_records_total",
			Help: "Reconciled records by kind and result (checked, updated, orphaned, recovered, expired, errors)",
		}, []string{"kind", "result"}),
		ReconciliationCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_reconciliation_cycles_total",
			Help: "Reconciliation cycles by kind and status (completed, failed, skipped)",
		}, []string{"kind", "status"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reseller_reconciliation_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncPaymentEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.PaymentEvents.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) IncJobEnqueued(kind, mode string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) IncJobProcessed(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) AddStaleLeases(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleLeasesRecovered.WithLabelValues(kind).Add(float64(n))
}

// AddReconciled adds n to the counter for one result of a kind.
func (m *Metrics) AddReconciled(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconciliationRecords.WithLabelValues(kind, result).Add(float64(n))
}

// ObserveCycle records a finished cycle. Call with the cycle's start time.
func (m *Metrics) ObserveCycle(kind, status string, start time.Time) {
	if m == nil {
		return
	}
	m.ReconciliationCycles.WithLabelValues(kind, status).Inc()
	m.CycleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
