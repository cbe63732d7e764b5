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
	"strings"

	"github.com/blnkfinance/reseller/internal/amount"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/internal/paymentstate"
	"github.com/blnkfinance/reseller/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PaymentEventResult reports how an inbound payment event was applied.
type PaymentEventResult struct {
	OrderRef       string         `json:"order_ref"`
	PreviousStatus string         `json:"previous_status"`
	Status         string         `json:"status"`
	Duplicate      bool           `json:"duplicate"`
	JobID          string         `json:"job_id,omitempty"`
	Amount         *amount.Result `json:"amount,omitempty"`
}

func nonNegative(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if ok && d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func validatePaymentEvent(event *model.PaymentEvent) error {
	return validation.ValidateStruct(event,
		validation.Field(&event.OrderRef, validation.Required),
		validation.Field(&event.Status, validation.Required, validation.By(func(value interface{}) error {
			if !paymentstate.IsValid(value.(string)) {
				return fmt.Errorf("must be one of %s", strings.Join(paymentstate.States(), ", "))
			}
			return nil
		})),
		validation.Field(&event.Provider, validation.Required),
		validation.Field(&event.ExpectedUSD, validation.By(nonNegative)),
		validation.Field(&event.ReceivedUSD, validation.By(nonNegative)),
		validation.Field(&event.ReceivedNativeAmount, validation.By(nonNegative)),
		validation.Field(&event.Confirmations, validation.Min(0)),
	)
}

func validatePaymentIntent(intent *model.PaymentIntent) error {
	return validation.ValidateStruct(intent,
		validation.Field(&intent.OrderRef, validation.Required, validation.Length(1, 128)),
		validation.Field(&intent.ExpectedUSD, validation.By(nonNegative)),
		validation.Field(&intent.NativeAsset, validation.Required),
		validation.Field(&intent.Provider, validation.Required),
		validation.Field(&intent.JobKind, validation.In(model.JobKindDomainRegistration, model.JobKindHostingOrder)),
		validation.Field(&intent.Target, validation.When(intent.JobKind != "", validation.Required)),
		validation.Field(&intent.RequiredConfirmations, validation.Min(0)),
	)
}

// transitionError turns a state machine rejection into the API error the
// caller surfaces.
func transitionError(err error) error {
	var te *paymentstate.TransitionError
	if !errors.As(err, &te) {
		return err
	}
	code := apierror.ErrIllegalTransition
	if errors.Is(err, paymentstate.ErrInvalidState) {
		code = apierror.ErrInvalidState
	}
	return apierror.NewAPIError(code, te.Error(), map[string]string{"from": te.From, "to": te.To, "reason": te.Reason})
}

// awaitingState is where an intent waits while the processor reports a
// payment short of the required confirmations.
func awaitingState(current string) string {
	if current == paymentstate.Pending || current == paymentstate.Processing {
		return current
	}
	for _, s := range []string{paymentstate.Processing, paymentstate.Pending} {
		if paymentstate.Validate(current, s) == nil {
			return s
		}
	}
	return paymentstate.Processing
}

// CreatePaymentIntent records a new expected payment. Its expiry is derived
// from the asset, provider and amount.
func (r *Reseller) CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	ctx, span := tracer.Start(ctx, "CreatePaymentIntent", trace.WithAttributes(attribute.String("order_ref", intent.OrderRef)))
	defer span.End()

	if err := validatePaymentIntent(intent); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	if intent.Status == "" {
		intent.Status = paymentstate.Created
	}
	if err := paymentstate.Validate("", intent.Status); err != nil {
		return nil, transitionError(err)
	}

	if intent.RequiredConfirmations == 0 {
		intent.RequiredConfirmations = r.cfg.Payment.RequiredConfirmations
	}
	now := r.now()
	intent.CreatedAt = now
	intent.ExpiresAt = r.expiry.ExpiresAt(now, intent.NativeAsset, intent.Provider, intent.ExpectedUSD)

	created, err := r.datasource.CreatePaymentIntent(ctx, intent)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_ref":  created.OrderRef,
		"provider":   created.Provider,
		"asset":      created.NativeAsset,
		"expected":   created.ExpectedUSD.String(),
		"status":     created.Status,
		"expires_at": created.ExpiresAt,
	}).Info("payment intent created")
	return created, nil
}

func (r *Reseller) GetPaymentIntent(ctx context.Context, orderRef string) (*model.PaymentIntent, error) {
	return r.datasource.GetPaymentIntentByOrderRef(ctx, orderRef)
}

// ProcessPaymentEvent applies a normalized payment notification to its
// intent. The write is conditional on the state read here, so a concurrent
// writer makes this call fail with a conflict instead of being overwritten.
// A confirmed intent gets its provisioning job enqueued.
func (r *Reseller) ProcessPaymentEvent(ctx context.Context, event model.PaymentEvent) (*PaymentEventResult, error) {
	ctx, span := tracer.Start(ctx, "ProcessPaymentEvent", trace.WithAttributes(
		attribute.String("order_ref", event.OrderRef), attribute.String("status", event.Status)))
	defer span.End()

	event.Status = strings.ToLower(strings.TrimSpace(event.Status))
	if err := validatePaymentEvent(&event); err != nil {
		r.metrics.IncPaymentEvent(event.Status, "invalid")
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	intent, err := r.datasource.GetPaymentIntentByOrderRef(ctx, event.OrderRef)
	if err != nil {
		r.metrics.IncPaymentEvent(event.Status, "unknown_intent")
		return nil, err
	}

	target := event.Status
	if target == paymentstate.Confirmed && event.Confirmations < intent.RequiredConfirmations && !paymentstate.IsTerminal(intent.Status) {
		target = awaitingState(intent.Status)
	}

	fields := logrus.Fields{
		"order_ref":     intent.OrderRef,
		"from":          intent.Status,
		"to":            target,
		"provider":      event.Provider,
		"confirmations": event.Confirmations,
		"tx_reference":  event.TxReference,
	}
	result := &PaymentEventResult{OrderRef: intent.OrderRef, PreviousStatus: intent.Status, Status: intent.Status}

	if target == intent.Status {
		return r.acknowledgeDuplicate(ctx, intent, event, result, fields)
	}

	if err := paymentstate.Validate(intent.Status, target); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("payment transition rejected")
		r.metrics.IncPaymentEvent(event.Status, "rejected")
		return nil, transitionError(err)
	}

	update := model.PaymentUpdate{
		ReceivedUSD:          event.ReceivedUSD,
		ReceivedNativeAmount: event.ReceivedNativeAmount,
		NativeAsset:          event.NativeAsset,
		TxReference:          event.TxReference,
		Confirmations:        event.Confirmations,
	}

	if target == paymentstate.Confirmed {
		check := r.validator.Validate(amount.Input{
			Expected:       intent.ExpectedUSD,
			Received:       event.ReceivedUSD,
			ReceivedNative: event.ReceivedNativeAmount,
			NativeAsset:    event.NativeAsset,
			PaymentType:    intent.JobKind,
			Caller:         "payment_event:" + event.Provider,
		})
		result.Amount = &check
		if !check.Accepted {
			return nil, r.rejectAmount(ctx, intent, update, check, fields)
		}
		now := r.now()
		update.ConfirmedAt = &now
	}

	ok, err := r.datasource.TransitionPaymentIntent(ctx, intent.OrderRef, intent.Status, target, update)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		r.metrics.IncPaymentEvent(event.Status, "conflict")
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("payment intent %s changed while the event was applied", intent.OrderRef), fields)
	}
	logrus.WithFields(fields).Info("payment intent transitioned")

	applyPaymentUpdate(intent, target, update)
	result.Status = target
	r.metrics.IncPaymentEvent(event.Status, "applied")

	if target == paymentstate.Confirmed {
		jobID, err := r.enqueueForIntent(ctx, intent)
		if err != nil {
			return result, fmt.Errorf("enqueue provisioning for %s: %w", intent.OrderRef, err)
		}
		result.JobID = jobID
	}
	return result, nil
}

// acknowledgeDuplicate handles an event that reports the state the intent is
// already in. A repeated confirmation re-ensures the provisioning job exists.
func (r *Reseller) acknowledgeDuplicate(ctx context.Context, intent *model.PaymentIntent, event model.PaymentEvent, result *PaymentEventResult, fields logrus.Fields) (*PaymentEventResult, error) {
	result.Duplicate = true
	r.metrics.IncPaymentEvent(event.Status, "duplicate")

	if intent.Status == paymentstate.Confirmed {
		jobID, err := r.enqueueForIntent(ctx, intent)
		if err != nil {
			return result, fmt.Errorf("enqueue provisioning for %s: %w", intent.OrderRef, err)
		}
		result.JobID = jobID
		logrus.WithFields(fields).Info("payment re-confirmation acknowledged")
		return result, nil
	}

	if !paymentstate.IsTerminal(intent.Status) && event.Confirmations > intent.Confirmations {
		if err := r.datasource.UpdatePaymentConfirmations(ctx, intent.OrderRef, intent.Status, event.Confirmations); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(fields).Debug("duplicate payment event acknowledged")
	return result, nil
}

func (r *Reseller) rejectAmount(ctx context.Context, intent *model.PaymentIntent, update model.PaymentUpdate, check amount.Result, fields logrus.Fields) error {
	update.FailureReason = check.Reason
	ok, err := r.datasource.TransitionPaymentIntent(ctx, intent.OrderRef, intent.Status, paymentstate.Failed, update)
	if err != nil {
		return err
	}
	if !ok {
		r.metrics.IncPaymentEvent(paymentstate.Confirmed, "conflict")
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("payment intent %s changed while the event was applied", intent.OrderRef), fields)
	}

	r.metrics.IncPaymentEvent(paymentstate.Confirmed, "amount_rejected")
	logrus.WithFields(fields).WithField("reason", check.Reason).Warn("payment amount rejected")
	publish(ctx, r.events, EventPaymentAmountRejected, map[string]interface{}{
		"order_ref": intent.OrderRef,
		"expected":  intent.ExpectedUSD.String(),
		"received":  update.ReceivedUSD.String(),
		"reason":    check.Reason,
	})
	return apierror.NewAPIError(apierror.ErrAmountRejected, check.Reason, check)
}

// enqueueForIntent hands a confirmed intent to the job queue of its kind.
// Intents without a job kind need no provisioning.
func (r *Reseller) enqueueForIntent(ctx context.Context, intent *model.PaymentIntent) (string, error) {
	if intent.JobKind == "" {
		return "", nil
	}
	q, err := r.Queue(intent.JobKind)
	if err != nil {
		return "", err
	}
	payload, err := model.PaymentContextFromIntent(intent).ToJSON()
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, intent.OrderRef, intent.UserID, intent.Target, payload)
}
