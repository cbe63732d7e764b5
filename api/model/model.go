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
package model

import (
	"errors"

	"github.com/blnkfinance/reseller/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// PaymentEvent is the canonical payment notification posted by the webhook
// adapters.
type PaymentEvent struct {
	OrderRef             string          `json:"order_ref"`
	Status               string          `json:"status"`
	ExpectedUSD          decimal.Decimal `json:"expected_usd"`
	ReceivedUSD          decimal.Decimal `json:"received_usd"`
	ReceivedNativeAmount decimal.Decimal `json:"received_native_amount"`
	NativeAsset          string          `json:"native_asset"`
	Provider             string          `json:"provider"`
	TxReference          string          `json:"tx_reference"`
	Confirmations        int             `json:"confirmations"`
}

type CreatePaymentIntent struct {
	OrderRef              string                 `json:"order_ref"`
	UserID                string                 `json:"user_id"`
	ExpectedUSD           decimal.Decimal        `json:"expected_usd"`
	NativeAsset           string                 `json:"native_asset"`
	Provider              string                 `json:"provider"`
	ProviderReference     string                 `json:"provider_reference"`
	Status                string                 `json:"status"`
	RequiredConfirmations int                    `json:"required_confirmations"`
	JobKind               string                 `json:"job_kind"`
	Target                string                 `json:"target"`
	MetaData              map[string]interface{} `json:"meta_data"`
}

type RecoverStaleJobs struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

func nonNegativeAmount(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if ok && d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func (e *PaymentEvent) ValidatePaymentEvent() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.OrderRef, validation.Required),
		validation.Field(&e.Status, validation.Required),
		validation.Field(&e.Provider, validation.Required),
		validation.Field(&e.Confirmations, validation.Min(0)),
	)
}

func (p *CreatePaymentIntent) ValidateCreatePaymentIntent() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.OrderRef, validation.Required),
		validation.Field(&p.ExpectedUSD, validation.By(nonNegativeAmount)),
		validation.Field(&p.NativeAsset, validation.Required),
		validation.Field(&p.Provider, validation.Required),
	)
}

func (r *RecoverStaleJobs) ValidateRecoverStaleJobs() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ThresholdMinutes, validation.Min(0)),
	)
}

func (e *PaymentEvent) ToPaymentEvent() model.PaymentEvent {
	return model.PaymentEvent{
		OrderRef:             e.OrderRef,
		Status:               e.Status,
		ExpectedUSD:          e.ExpectedUSD,
		ReceivedUSD:          e.ReceivedUSD,
		ReceivedNativeAmount: e.ReceivedNativeAmount,
		NativeAsset:          e.NativeAsset,
		Provider:             e.Provider,
		TxReference:          e.TxReference,
		Confirmations:        e.Confirmations,
	}
}

func (p *CreatePaymentIntent) ToPaymentIntent() *model.PaymentIntent {
	return &model.PaymentIntent{
		OrderRef:              p.OrderRef,
		UserID:                p.UserID,
		ExpectedUSD:           p.ExpectedUSD,
		NativeAsset:           p.NativeAsset,
		Provider:              p.Provider,
		ProviderReference:     p.ProviderReference,
		Status:                p.Status,
		RequiredConfirmations: p.RequiredConfirmations,
		JobKind:               p.JobKind,
		Target:                p.Target,
		MetaData:              p.MetaData,
	}
}
