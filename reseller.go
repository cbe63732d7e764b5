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
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/blnkfinance/reseller/config"
	"github.com/blnkfinance/reseller/database"
	"github.com/blnkfinance/reseller/internal/amount"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/internal/expiry"
	"github.com/blnkfinance/reseller/internal/metrics"
	"github.com/blnkfinance/reseller/internal/notification"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("reseller")

// Reseller wires the payment, provisioning and reconciliation components
// together. It is built once at startup and passed to the API and the
// workers; nothing in it is a package-level singleton.
type Reseller struct {
	cfg        *config.Configuration
	datasource database.IDataSource
	validator  *amount.Validator
	expiry     *expiry.Calculator
	queues     map[string]*JobQueue
	cycles     map[string]Cycle
	events     EventPublisher
	notifier   notification.Notifier
	metrics    *metrics.Metrics
	now        func() time.Time

	registrar    provider.DomainRegistrar
	hosting      provider.HostingProvisioner
	processors   map[string]Processor
	listers      map[string]provider.ResourceLister
	checkers     provider.PaymentCheckers
	cycleLocker  CycleLocker
	reconcileCfg ReconciliationConfig
}

type Option func(*Reseller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reseller) { r.metrics = m }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(r *Reseller) { r.events = p }
}

func WithNotifier(n notification.Notifier) Option {
	return func(r *Reseller) { r.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reseller) { r.now = now }
}

func WithDomainRegistrar(reg provider.DomainRegistrar) Option {
	return func(r *Reseller) { r.registrar = reg }
}

func WithHostingProvisioner(p provider.HostingProvisioner) Option {
	return func(r *Reseller) { r.hosting = p }
}

// WithProcessor overrides the processor of one job kind.
func WithProcessor(kind string, p Processor) Option {
	return func(r *Reseller) { r.processors[kind] = p }
}

// WithResourceLister enables reconciliation of one resource kind.
func WithResourceLister(kind string, l provider.ResourceLister) Option {
	return func(r *Reseller) { r.listers[kind] = l }
}

// WithPaymentCheckers enables payment reconciliation.
func WithPaymentCheckers(checkers provider.PaymentCheckers) Option {
	return func(r *Reseller) {
		for name, c := range checkers {
			r.checkers[name] = c
		}
	}
}

// WithReconciliationLocker guards every reconciliation cycle with a lease
// shared between processes.
func WithReconciliationLocker(l CycleLocker) Option {
	return func(r *Reseller) { r.cycleLocker = l }
}

func New(cnf *config.Configuration, ds database.IDataSource, opts ...Option) (*Reseller, error) {
	if cnf == nil {
		return nil, errors.New("configuration is required")
	}
	if ds == nil {
		return nil, errors.New("datasource is required")
	}

	r := &Reseller{
		cfg:          cnf,
		datasource:   ds,
		validator:    amount.NewValidator(amount.ConfigFrom(cnf.Payment)),
		expiry:       expiry.NewCalculator(expiry.ConfigFrom(cnf.Expiry)),
		queues:       map[string]*JobQueue{},
		cycles:       map[string]Cycle{},
		now:          func() time.Time { return time.Now().UTC() },
		processors:   map[string]Processor{},
		listers:      map[string]provider.ResourceLister{},
		checkers:     provider.PaymentCheckers{},
		reconcileCfg: ReconciliationConfigFrom(cnf.Reconciliation),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.buildQueues(); err != nil {
		return nil, err
	}
	if err := r.buildCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reseller) buildQueues() error {
	jobCfg := JobQueueConfigFrom(r.cfg.Jobs)
	retry := r.reconcileCfg.Retry

	defaults := map[string]Processor{
		model.JobKindDomainRegistration: unconfiguredProcessor(model.JobKindDomainRegistration),
		model.JobKindHostingOrder:       unconfiguredProcessor(model.JobKindHostingOrder),
	}
	if r.registrar != nil {
		defaults[model.JobKindDomainRegistration] = DomainRegistrationProcessor(r.registrar, r.datasource, retry)
	}
	if r.hosting != nil {
		defaults[model.JobKindHostingOrder] = HostingOrderProcessor(r.hosting, r.datasource, retry)
	}

	for kind, processor := range defaults {
		if p, ok := r.processors[kind]; ok {
			processor = p
		}
		q, err := NewJobQueue(kind, r.datasource, processor, jobCfg,
			WithJobMetrics(r.metrics), WithJobEvents(r.events), WithJobClock(r.now))
		if err != nil {
			return fmt.Errorf("build %s queue: %w", kind, err)
		}
		r.queues[kind] = q
	}
	return nil
}

func (r *Reseller) engineOptions(interval time.Duration) []EngineOption {
	opts := []EngineOption{WithEngineMetrics(r.metrics), WithEngineEvents(r.events), WithEngineClock(r.now)}
	if r.cycleLocker != nil && r.reconcileCfg.UseLock {
		opts = append(opts, WithCycleLocker(r.cycleLocker, interval))
	}
	return opts
}

func (r *Reseller) buildCycles() error {
	for kind, lister := range r.listers {
		engine, err := NewResourceEngine(kind, lister, r.datasource, r.reconcileCfg, r.engineOptions(r.reconcileCfg.ResourceInterval)...)
		if err != nil {
			return err
		}
		r.cycles[kind] = engine
	}

	if len(r.checkers) > 0 {
		rec := NewPaymentReconciler(r.datasource, r.checkers, r.expiry, r.validator, r.reconcileCfg,
			func(ctx context.Context, intent *model.PaymentIntent) error {
				_, err := r.enqueueForIntent(ctx, intent)
				return err
			})
		rec.now = r.now
		r.cycles[model.ReconciliationKindPayment] = NewPaymentEngine(rec, r.engineOptions(r.reconcileCfg.PaymentInterval)...)
	}
	return nil
}

func (r *Reseller) Config() *config.Configuration {
	return r.cfg
}

// Queue returns the job queue for kind.
func (r *Reseller) Queue(kind string) (*JobQueue, error) {
	q, ok := r.queues[kind]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown job kind %q", kind), nil)
	}
	return q, nil
}

func (r *Reseller) jobKinds() []string {
	kinds := make([]string, 0, len(r.queues))
	for kind := range r.queues {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Reseller) RedriveJob(ctx context.Context, kind, orderRef string) (*model.Job, error) {
	q, err := r.Queue(kind)
	if err != nil {
		return nil, err
	}
	return q.Redrive(ctx, orderRef)
}

func (r *Reseller) JobStats(ctx context.Context, kind string) (map[string]int, error) {
	q, err := r.Queue(kind)
	if err != nil {
		return nil, err
	}
	return q.Stats(ctx)
}

// ReconciliationKinds lists the kinds with a configured reconciliation cycle.
func (r *Reseller) ReconciliationKinds() []string {
	kinds := make([]string, 0, len(r.cycles))
	for kind := range r.cycles {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Reseller) ReconciliationStats() []model.ReconciliationStats {
	stats := make([]model.ReconciliationStats, 0, len(r.cycles))
	for _, kind := range r.ReconciliationKinds() {
		stats = append(stats, r.cycles[kind].Stats())
	}
	return stats
}

// RunReconciliation runs one cycle of kind immediately.
func (r *Reseller) RunReconciliation(ctx context.Context, kind string) (model.CycleResult, error) {
	cycle, ok := r.cycles[kind]
	if !ok {
		return model.CycleResult{}, apierror.NewAPIError(apierror.ErrNotFound,
			fmt.Sprintf("no reconciliation configured for %q", kind), nil)
	}
	return cycle.RunCycle(ctx), nil
}

// SchedulerTasks returns the recurring work of a worker process: a
// processing pass and a stale-lease sweep per job queue, and one cycle per
// reconciliation kind.
func (r *Reseller) SchedulerTasks() []Task {
	poll := time.Duration(r.cfg.Jobs.PollIntervalSeconds) * time.Second
	sweep := time.Duration(r.cfg.Jobs.SweepIntervalSeconds) * time.Second

	var tasks []Task
	for _, kind := range r.jobKinds() {
		q := r.queues[kind]
		tasks = append(tasks,
			Task{Name: "jobs:" + kind, Interval: poll, Run: func(ctx context.Context) {
				if _, err := q.ProcessOnce(ctx); err != nil {
					notification.NotifyError(r.notifier, "job processing pass failed", fmt.Errorf("%s: %w", q.Kind(), err))
				}
			}},
			Task{Name: "stale-leases:" + kind, Interval: sweep, Run: func(ctx context.Context) {
				if _, err := q.RequeueStale(ctx); err != nil {
					notification.NotifyError(r.notifier, "stale lease sweep failed", fmt.Errorf("%s: %w", q.Kind(), err))
				}
			}},
		)
	}

	for _, kind := range r.ReconciliationKinds() {
		cycle := r.cycles[kind]
		interval := r.reconcileCfg.ResourceInterval
		if kind == model.ReconciliationKindPayment {
			interval = r.reconcileCfg.PaymentInterval
		}
		tasks = append(tasks, Task{Name: "reconcile:" + kind, Interval: interval, Run: func(ctx context.Context) {
			if res := cycle.RunCycle(ctx); res.Error != "" {
				notification.NotifyError(r.notifier, "reconciliation cycle failed", fmt.Errorf("%s: %s", cycle.Kind(), res.Error))
			}
		}})
	}
	return tasks
}

func (r *Reseller) NewScheduler() *Scheduler {
	return NewScheduler(r.SchedulerTasks()...)
}
