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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/reseller/database"
	"github.com/blnkfinance/reseller/internal/amount"
	"github.com/blnkfinance/reseller/internal/expiry"
	"github.com/blnkfinance/reseller/internal/paymentstate"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/sirupsen/logrus"
)

// reconcilablePaymentStates are the non-terminal states a payment can sit in
// while waiting on a webhook that may never arrive.
var reconcilablePaymentStates = []string{
	paymentstate.AddressCreated,
	paymentstate.Processing,
	paymentstate.Pending,
}

// PaymentReconciler asks each payment processor about intents that have
// been waiting longer than the minimum age and repairs missed webhooks.
type PaymentReconciler struct {
	store       database.PaymentIntentStore
	checkers    provider.PaymentCheckers
	expiry      *expiry.Calculator
	validator   *amount.Validator
	cfg         ReconciliationConfig
	onRecovered func(ctx context.Context, intent *model.PaymentIntent) error
	now         func() time.Time
}

// NewPaymentReconciler wires the reconciler. onRecovered runs after an
// intent is recovered to confirmed, and validator may be nil to accept the
// provider's amount as is.
func NewPaymentReconciler(store database.PaymentIntentStore, checkers provider.PaymentCheckers, calc *expiry.Calculator,
	validator *amount.Validator, cfg ReconciliationConfig, onRecovered func(context.Context, *model.PaymentIntent) error) *PaymentReconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &PaymentReconciler{
		store:       store,
		checkers:    checkers,
		expiry:      calc,
		validator:   validator,
		cfg:         cfg,
		onRecovered: onRecovered,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaymentReconciler) Kind() string {
	return model.ReconciliationKindPayment
}

// Snapshot is empty: payments are queried one by one.
func (p *PaymentReconciler) Snapshot(context.Context) (struct{}, error) {
	return struct{}{}, nil
}

// Local pages through every open intent in the age window, so intents whose
// provider checks keep failing never starve the rest.
func (p *PaymentReconciler) Local(ctx context.Context) ([]*model.PaymentIntent, error) {
	now := p.now()
	after, before := now.Add(-p.cfg.PaymentMaxAge), now.Add(-p.cfg.PaymentMinAge)

	var all []*model.PaymentIntent
	var afterID int64
	for {
		page, err := p.store.GetReconcilablePaymentIntents(ctx, reconcilablePaymentStates, after, before, afterID, p.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < p.cfg.BatchSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (p *PaymentReconciler) Reconcile(ctx context.Context, _ struct{}, intent *model.PaymentIntent) (Outcome, error) {
	checker, ok := p.checkers[intent.Provider]
	if !ok {
		return Outcome{}, fmt.Errorf("no status checker for payment provider %q", intent.Provider)
	}

	reference := intent.ProviderReference
	if reference == "" {
		reference = intent.OrderRef
	}
	report, err := provider.Call(ctx, p.cfg.Retry, "payment status "+intent.Provider, func(ctx context.Context) (provider.PaymentStatusReport, error) {
		return checker.GetPaymentStatus(ctx, reference)
	})
	switch {
	case errors.Is(err, provider.ErrNotFound):
		report = provider.PaymentStatusReport{Status: provider.PaymentPending}
	case err != nil:
		return Outcome{}, err
	}

	switch report.Status {
	case provider.PaymentConfirmed:
		return p.recover(ctx, intent, report)
	case provider.PaymentExpired:
		return p.expire(ctx, intent, "payment expired at provider")
	case provider.PaymentPending:
		now := p.now()
		if p.expiry.IsExpired(intent.ExpiresAt, now, true) && !p.expiry.IsRecentlyCreated(intent.CreatedAt, now) {
			return p.expire(ctx, intent, "payment window elapsed without confirmation")
		}
		return Outcome{}, nil
	default:
		return Outcome{}, fmt.Errorf("provider reported %q for payment %s", report.Status, reference)
	}
}

func (p *PaymentReconciler) recover(ctx context.Context, intent *model.PaymentIntent, report provider.PaymentStatusReport) (Outcome, error) {
	if p.validator != nil && report.ReceivedUSD.IsPositive() {
		res := p.validator.Validate(amount.Input{
			Expected:       intent.ExpectedUSD,
			Received:       report.ReceivedUSD,
			ReceivedNative: report.ReceivedNativeAmount,
			NativeAsset:    report.NativeAsset,
			PaymentType:    intent.JobKind,
			Caller:         "payment_reconciliation",
		})
		if !res.Accepted {
			return p.transition(ctx, intent, paymentstate.Failed, model.PaymentUpdate{
				ReceivedUSD:          report.ReceivedUSD,
				ReceivedNativeAmount: report.ReceivedNativeAmount,
				NativeAsset:          report.NativeAsset,
				TxReference:          report.TxReference,
				FailureReason:        res.Reason,
				Recovered:            true,
			}, Outcome{Changed: true})
		}
	}

	now := p.now()
	update := model.PaymentUpdate{
		ReceivedUSD:          report.ReceivedUSD,
		ReceivedNativeAmount: report.ReceivedNativeAmount,
		NativeAsset:          report.NativeAsset,
		TxReference:          report.TxReference,
		Confirmations:        report.Confirmations,
		ConfirmedAt:          &now,
		Recovered:            true,
	}
	outcome, err := p.transition(ctx, intent, paymentstate.Confirmed, update, Outcome{Changed: true, Recovered: true})
	if err != nil || !outcome.Recovered {
		return outcome, err
	}

	applyPaymentUpdate(intent, paymentstate.Confirmed, update)
	if p.onRecovered != nil {
		if err := p.onRecovered(ctx, intent); err != nil {
			return outcome, fmt.Errorf("hand off recovered payment: %w", err)
		}
	}
	return outcome, nil
}

func (p *PaymentReconciler) expire(ctx context.Context, intent *model.PaymentIntent, reason string) (Outcome, error) {
	return p.transition(ctx, intent, paymentstate.Expired, model.PaymentUpdate{FailureReason: reason}, Outcome{Changed: true, Expired: true})
}

// transition writes next only if the intent is still in the state this cycle
// read. Losing that race to a webhook is not an error.
func (p *PaymentReconciler) transition(ctx context.Context, intent *model.PaymentIntent, next string, update model.PaymentUpdate, onSuccess Outcome) (Outcome, error) {
	if err := paymentstate.Validate(intent.Status, next); err != nil {
		return Outcome{}, err
	}

	ok, err := p.store.TransitionPaymentIntent(ctx, intent.OrderRef, intent.Status, next, update)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"order_ref": intent.OrderRef,
			"from":      intent.Status,
			"to":        next,
		}).Info("payment intent changed concurrently, leaving it to the newer writer")
		return Outcome{}, nil
	}

	logrus.WithFields(logrus.Fields{
		"order_ref": intent.OrderRef,
		"from":      intent.Status,
		"to":        next,
		"provider":  intent.Provider,
		"reason":    update.FailureReason,
	}).Info("payment intent reconciled")
	return onSuccess, nil
}

func (p *PaymentReconciler) Describe(intent *model.PaymentIntent) logrus.Fields {
	return logrus.Fields{
		"order_ref":  intent.OrderRef,
		"status":     intent.Status,
		"provider":   intent.Provider,
		"created_at": intent.CreatedAt,
	}
}

// applyPaymentUpdate mirrors a successful write onto the in-memory intent.
func applyPaymentUpdate(intent *model.PaymentIntent, status string, u model.PaymentUpdate) {
	intent.Status = status
	if !u.ReceivedUSD.IsZero() {
		intent.ReceivedUSD = u.ReceivedUSD
	}
	if !u.ReceivedNativeAmount.IsZero() {
		intent.ReceivedNativeAmount = u.ReceivedNativeAmount
	}
	if u.NativeAsset != "" {
		intent.NativeAsset = u.NativeAsset
	}
	if u.TxReference != "" {
		intent.TxReference = u.TxReference
	}
	if u.Confirmations != 0 {
		intent.Confirmations = u.Confirmations
	}
	if u.FailureReason != "" {
		intent.FailureReason = u.FailureReason
	}
	if u.ConfirmedAt != nil {
		intent.ConfirmedAt = u.ConfirmedAt
	}
	if u.Recovered {
		intent.Recovered = true
	}
}

func NewPaymentEngine(rec *PaymentReconciler, opts ...EngineOption) *Engine[*model.PaymentIntent, struct{}] {
	return NewEngine[*model.PaymentIntent, struct{}](rec, opts...)
}
