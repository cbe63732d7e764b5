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
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentIntent is the local record of one expected payment tied to an order.
// Status always holds one of the payment states and only changes through a
// validated transition.
type PaymentIntent struct {
	ID                    int64                  `json:"-"`
	OrderRef              string                 `json:"order_ref"`
	UserID                string                 `json:"user_id,omitempty"`
	ExpectedUSD           decimal.Decimal        `json:"expected_usd"`
	ReceivedUSD           decimal.Decimal        `json:"received_usd"`
	ReceivedNativeAmount  decimal.Decimal        `json:"received_native_amount"`
	NativeAsset           string                 `json:"native_asset"`
	Status                string                 `json:"status"`
	Provider              string                 `json:"provider"`
	ProviderReference     string                 `json:"provider_reference,omitempty"`
	TxReference           string                 `json:"tx_reference,omitempty"`
	Confirmations         int                    `json:"confirmations"`
	RequiredConfirmations int                    `json:"required_confirmations"`
	JobKind               string                 `json:"job_kind,omitempty"`
	Target                string                 `json:"target,omitempty"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	Recovered             bool                   `json:"recovered"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	ConfirmedAt           *time.Time             `json:"confirmed_at,omitempty"`
	ExpiresAt             time.Time              `json:"expires_at"`
}

// PaymentEvent is the canonical inbound payment notification produced by the
// webhook adapters.
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

// PaymentUpdate carries the columns written together with a state change.
// Zero values leave the stored column untouched.
type PaymentUpdate struct {
	ReceivedUSD          decimal.Decimal
	ReceivedNativeAmount decimal.Decimal
	NativeAsset          string
	TxReference          string
	Confirmations        int
	FailureReason        string
	ConfirmedAt          *time.Time
	Recovered            bool
}

// PaymentContext is the serialized payment information handed to a
// provisioning job.
type PaymentContext struct {
	OrderRef             string                 `json:"order_ref"`
	UserID               string                 `json:"user_id,omitempty"`
	AmountUSD            decimal.Decimal        `json:"amount_usd"`
	ReceivedNativeAmount decimal.Decimal        `json:"received_native_amount"`
	NativeAsset          string                 `json:"native_asset"`
	Provider             string                 `json:"provider"`
	TxReference          string                 `json:"tx_reference,omitempty"`
	Recovered            bool                   `json:"recovered,omitempty"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
}

// PaymentContextFromIntent builds the job payload for a confirmed intent.
func PaymentContextFromIntent(intent *PaymentIntent) PaymentContext {
	return PaymentContext{
		OrderRef:             intent.OrderRef,
		UserID:               intent.UserID,
		AmountUSD:            intent.ReceivedUSD,
		ReceivedNativeAmount: intent.ReceivedNativeAmount,
		NativeAsset:          intent.NativeAsset,
		Provider:             intent.Provider,
		TxReference:          intent.TxReference,
		Recovered:            intent.Recovered,
		MetaData:             intent.MetaData,
	}
}

func (p PaymentContext) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
