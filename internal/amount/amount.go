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

// Package amount decides whether a received crypto payment, converted to USD,
// satisfies the expected order amount. Underpayments inside the configured
// tolerance are accepted to absorb price movement and network fees.
package amount

import (
	"fmt"

	"github.com/blnkfinance/reseller/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	OutcomeExact                = "exact"
	OutcomeOverpayment          = "overpayment"
	OutcomeOverpaymentRejected  = "overpayment_rejected"
	OutcomeUnderpaymentAccepted = "underpayment_accepted"
	OutcomeUnderpaymentRejected = "underpayment_rejected"
	OutcomeInvalid              = "invalid"
)

var (
	hundred      = decimal.NewFromInt(100)
	exactEpsilon = decimal.RequireFromString("0.0001")
)

// Config is the tolerance policy. It is built once and passed in; the
// validator never reads process configuration on its own.
type Config struct {
	UnderpaymentTolerancePercent decimal.Decimal
	ToleranceCapPercent          decimal.Decimal
	// zero means no limit
	OverpaymentLimitPercent decimal.Decimal
	MinToleranceUSD         decimal.Decimal
	StrictMode              bool
}

// DefaultConfig returns 3% tolerance capped at 5%, unlimited overpayment and
// a $0.10 floor.
func DefaultConfig() Config {
	return Config{
		UnderpaymentTolerancePercent: decimal.NewFromInt(3),
		ToleranceCapPercent:          decimal.NewFromInt(5),
		OverpaymentLimitPercent:      decimal.Zero,
		MinToleranceUSD:              decimal.RequireFromString("0.10"),
	}
}

// ConfigFrom copies the payment section of the loaded configuration.
func ConfigFrom(cnf config.PaymentConfig) Config {
	return Config{
		UnderpaymentTolerancePercent: cnf.UnderpaymentTolerancePercent,
		ToleranceCapPercent:          cnf.ToleranceCapPercent,
		OverpaymentLimitPercent:      cnf.OverpaymentLimitPercent,
		MinToleranceUSD:              cnf.MinToleranceUSD,
		StrictMode:                   cnf.StrictMode,
	}
}

type Input struct {
	Expected       decimal.Decimal
	Received       decimal.Decimal
	ReceivedNative decimal.Decimal
	NativeAsset    string
	PaymentType    string
	// Caller names the code path asking, for the audit log.
	Caller string
}

// Result is the outcome of one validation together with the numbers used to
// reach it.
type Result struct {
	Accepted         bool            `json:"accepted"`
	Outcome          string          `json:"outcome"`
	Reason           string          `json:"reason"`
	Diff             decimal.Decimal `json:"diff"`
	DiffPercent      decimal.Decimal `json:"diff_percent"`
	ToleranceUSD     decimal.Decimal `json:"tolerance_usd"`
	TolerancePercent decimal.Decimal `json:"tolerance_percent"`
}

type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate applies the tolerance policy to in. All arithmetic is fixed point.
func (v *Validator) Validate(in Input) Result {
	res := v.evaluate(in)
	logrus.WithFields(logrus.Fields{
		"caller":          in.Caller,
		"payment_type":    in.PaymentType,
		"native_asset":    in.NativeAsset,
		"received_native": in.ReceivedNative.String(),
		"expected_usd":    in.Expected.String(),
		"received_usd":    in.Received.String(),
		"diff":            res.Diff.String(),
		"diff_percent":    res.DiffPercent.StringFixed(4),
		"tolerance_usd":   res.ToleranceUSD.String(),
		"outcome":         res.Outcome,
	}).Info("payment amount validated")
	return res
}

func (v *Validator) evaluate(in Input) Result {
	if in.Expected.IsNegative() || in.Received.IsNegative() {
		return Result{
			Outcome: OutcomeInvalid,
			Reason:  fmt.Sprintf("amounts must not be negative (expected $%s, received $%s)", in.Expected, in.Received),
			Diff:    decimal.Zero, DiffPercent: decimal.Zero, ToleranceUSD: decimal.Zero, TolerancePercent: decimal.Zero,
		}
	}

	diff := in.Received.Sub(in.Expected)
	diffPct := decimal.Zero
	if !in.Expected.IsZero() {
		diffPct = diff.Div(in.Expected).Mul(hundred)
	}

	res := Result{
		Diff:             diff,
		DiffPercent:      diffPct,
		ToleranceUSD:     decimal.Zero,
		TolerancePercent: decimal.Zero,
	}

	if diff.Abs().LessThan(exactEpsilon) {
		res.Accepted = true
		res.Outcome = OutcomeExact
		res.Reason = "received amount matches expected amount"
		return res
	}

	if diff.IsPositive() {
		limit := v.cfg.OverpaymentLimitPercent
		if limit.IsPositive() && diffPct.GreaterThan(limit) {
			res.Outcome = OutcomeOverpaymentRejected
			res.Reason = fmt.Sprintf("overpaid by $%s (%s%%), above the %s%% overpayment limit",
				diff.StringFixed(2), diffPct.StringFixed(2), limit)
			return res
		}
		res.Accepted = true
		res.Outcome = OutcomeOverpayment
		res.Reason = fmt.Sprintf("overpaid by $%s (%s%%)", diff.StringFixed(2), diffPct.StringFixed(2))
		return res
	}

	short := diff.Abs()
	if v.cfg.StrictMode {
		res.Outcome = OutcomeUnderpaymentRejected
		res.Reason = fmt.Sprintf("underpaid by $%s (%s%%) and strict mode allows no tolerance",
			short.StringFixed(2), diffPct.Abs().StringFixed(2))
		return res
	}

	pct := decimal.Min(v.cfg.UnderpaymentTolerancePercent, v.cfg.ToleranceCapPercent)
	tolerance := decimal.Max(in.Expected.Mul(pct).Div(hundred), v.cfg.MinToleranceUSD)
	res.TolerancePercent = pct
	res.ToleranceUSD = tolerance

	if short.LessThanOrEqual(tolerance) {
		res.Accepted = true
		res.Outcome = OutcomeUnderpaymentAccepted
		res.Reason = fmt.Sprintf("underpaid by $%s, within the $%s tolerance", short.StringFixed(2), tolerance.StringFixed(2))
		return res
	}

	res.Outcome = OutcomeUnderpaymentRejected
	res.Reason = fmt.Sprintf("underpaid by $%s (%s%%), tolerance is $%s; please pay the remaining $%s",
		short.StringFixed(2), diffPct.Abs().StringFixed(2), tolerance.StringFixed(2), short.StringFixed(2))
	return res
}
