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

// Package provider declares the contracts of the third-party services the
// reseller depends on: payment processors, the domain registrar, the hosting
// panel and the VPS platform. Concrete HTTP clients live outside this module.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/reseller/model"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups when the provider has no such resource.
var ErrNotFound = errors.New("provider: resource not found")

// ResourceLister returns the provider's full, authoritative listing of one
// resource kind.
type ResourceLister interface {
	ListResources(ctx context.Context, kind string) ([]model.ProviderResource, error)
}

// ResourceListerFunc adapts a function to ResourceLister.
type ResourceListerFunc func(ctx context.Context, kind string) ([]model.ProviderResource, error)

func (f ResourceListerFunc) ListResources(ctx context.Context, kind string) ([]model.ProviderResource, error) {
	return f(ctx, kind)
}

type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentPending   PaymentStatus = "pending"
	PaymentError     PaymentStatus = "error"
)

// PaymentStatusReport is what a payment processor says about one payment.
type PaymentStatusReport struct {
	Status               PaymentStatus
	ReceivedUSD          decimal.Decimal
	ReceivedNativeAmount decimal.Decimal
	NativeAsset          string
	TxReference          string
	Confirmations        int
}

type PaymentStatusChecker interface {
	GetPaymentStatus(ctx context.Context, reference string) (PaymentStatusReport, error)
}

// PaymentCheckers maps a provider name, as stored on the payment intent, to
// its status checker.
type PaymentCheckers map[string]PaymentStatusChecker

type DomainRecord struct {
	ProviderID string
	Name       string
	Status     string
	// Owned is false when the name is registered, but not through this
	// reseller account.
	Owned     bool
	ExpiresAt *time.Time
}

type DomainRegistration struct {
	OrderRef string
	UserID   string
	Domain   string
	Years    int
	Contact  map[string]interface{}
}

type DomainRegistrar interface {
	// GetDomain returns ErrNotFound when the registrar has no record of name.
	GetDomain(ctx context.Context, name string) (*DomainRecord, error)
	RegisterDomain(ctx context.Context, req DomainRegistration) (*DomainRecord, error)
}

type HostingAccount struct {
	ProviderID string
	Domain     string
	Status     string
	IPAddress  string
	ExpiresAt  *time.Time
}

type HostingOrder struct {
	OrderRef string
	UserID   string
	Domain   string
	Plan     string
}

type HostingProvisioner interface {
	// FindAccount returns ErrNotFound when no account exists for the order.
	FindAccount(ctx context.Context, orderRef, domain string) (*HostingAccount, error)
	CreateAccount(ctx context.Context, order HostingOrder) (*HostingAccount, error)
}

// PermanentError marks a provider rejection that retrying will not change,
// such as a domain that is no longer available.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
