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

// Package gateway talks to the provider gateway: one HTTP service that
// fronts the registrar, hosting panel, VPS platform and payment processors
// behind a uniform JSON API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/blnkfinance/reseller/internal/request"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
}

func New(baseURL, apiKey string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &Client{baseURL: baseURL, headers: headers, http: client}
}

type resourceDTO struct {
	ProviderID string     `json:"provider_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	IPAddress  string     `json:"ip_address"`
	Suspended  bool       `json:"suspended"`
	DiskUsedMB int64      `json:"disk_used_mb"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type paymentDTO struct {
	Status               string          `json:"status"`
	ReceivedUSD          decimal.Decimal `json:"received_usd"`
	ReceivedNativeAmount decimal.Decimal `json:"received_native_amount"`
	NativeAsset          string          `json:"native_asset"`
	TxReference          string          `json:"tx_reference"`
	Confirmations        int             `json:"confirmations"`
}

type domainDTO struct {
	ProviderID string     `json:"provider_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Owned      bool       `json:"owned"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type accountDTO struct {
	ProviderID string     `json:"provider_id"`
	Domain     string     `json:"domain"`
	Status     string     `json:"status"`
	IPAddress  string     `json:"ip_address"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (c *Client) url(format string, args ...interface{}) string {
	escaped := make([]interface{}, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return c.baseURL + fmt.Sprintf(format, escaped...)
}

// classify maps gateway responses onto the provider error contract: 404 is
// ErrNotFound and other 4xx rejections, except 408 and 429, are permanent.
func classify(err error) error {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch {
	case statusErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", provider.ErrNotFound, statusErr.Body)
	case statusErr.StatusCode == http.StatusRequestTimeout, statusErr.StatusCode == http.StatusTooManyRequests:
		return err
	case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
		return provider.Permanent(err)
	default:
		return err
	}
}

func (c *Client) ListResources(ctx context.Context, kind string) ([]model.ProviderResource, error) {
	var out []resourceDTO
	if _, err := request.GetJSON(ctx, c.http, c.url("/resources/%s", kind), c.headers, &out); err != nil {
		return nil, classify(err)
	}
	resources := make([]model.ProviderResource, 0, len(out))
	for _, r := range out {
		resources = append(resources, model.ProviderResource{
			ProviderID: r.ProviderID,
			Name:       r.Name,
			Status:     r.Status,
			IPAddress:  r.IPAddress,
			Suspended:  r.Suspended,
			DiskUsedMB: r.DiskUsedMB,
			ExpiresAt:  r.ExpiresAt,
		})
	}
	return resources, nil
}

// PaymentChecker returns the status checker for one payment processor.
func (c *Client) PaymentChecker(processor string) provider.PaymentStatusChecker {
	return paymentChecker{client: c, processor: processor}
}

// PaymentCheckers builds checkers for every named processor.
func (c *Client) PaymentCheckers(processors []string) provider.PaymentCheckers {
	checkers := provider.PaymentCheckers{}
	for _, p := range processors {
		checkers[p] = c.PaymentChecker(p)
	}
	return checkers
}

type paymentChecker struct {
	client    *Client
	processor string
}

func (p paymentChecker) GetPaymentStatus(ctx context.Context, reference string) (provider.PaymentStatusReport, error) {
	var out paymentDTO
	c := p.client
	if _, err := request.GetJSON(ctx, c.http, c.url("/payments/%s/%s", p.processor, reference), c.headers, &out); err != nil {
		return provider.PaymentStatusReport{}, classify(err)
	}

	status := provider.PaymentStatus(out.Status)
	switch status {
	case provider.PaymentConfirmed, provider.PaymentExpired, provider.PaymentPending:
	default:
		status = provider.PaymentError
	}
	return provider.PaymentStatusReport{
		Status:               status,
		ReceivedUSD:          out.ReceivedUSD,
		ReceivedNativeAmount: out.ReceivedNativeAmount,
		NativeAsset:          out.NativeAsset,
		TxReference:          out.TxReference,
		Confirmations:        out.Confirmations,
	}, nil
}

func (c *Client) GetDomain(ctx context.Context, name string) (*provider.DomainRecord, error) {
	var out domainDTO
	if _, err := request.GetJSON(ctx, c.http, c.url("/domains/%s", name), c.headers, &out); err != nil {
		return nil, classify(err)
	}
	return &provider.DomainRecord{ProviderID: out.ProviderID, Name: out.Name, Status: out.Status, Owned: out.Owned, ExpiresAt: out.ExpiresAt}, nil
}

func (c *Client) RegisterDomain(ctx context.Context, req provider.DomainRegistration) (*provider.DomainRecord, error) {
	body := map[string]interface{}{
		"order_ref": req.OrderRef,
		"user_id":   req.UserID,
		"domain":    req.Domain,
		"years":     req.Years,
		"contact":   req.Contact,
	}
	headers := c.idempotent(req.OrderRef)
	var out domainDTO
	if _, err := request.Do(ctx, c.http, http.MethodPost, c.url("/domains"), headers, body, &out); err != nil {
		return nil, classify(err)
	}
	return &provider.DomainRecord{ProviderID: out.ProviderID, Name: out.Name, Status: out.Status, Owned: true, ExpiresAt: out.ExpiresAt}, nil
}

func (c *Client) FindAccount(ctx context.Context, orderRef, domain string) (*provider.HostingAccount, error) {
	q := url.Values{}
	q.Set("order_ref", orderRef)
	q.Set("domain", domain)
	var out accountDTO
	if _, err := request.GetJSON(ctx, c.http, c.url("/hosting/accounts")+"?"+q.Encode(), c.headers, &out); err != nil {
		return nil, classify(err)
	}
	return toAccount(out), nil
}

func (c *Client) CreateAccount(ctx context.Context, order provider.HostingOrder) (*provider.HostingAccount, error) {
	body := map[string]interface{}{
		"order_ref": order.OrderRef,
		"user_id":   order.UserID,
		"domain":    order.Domain,
		"plan":      order.Plan,
	}
	var out accountDTO
	if _, err := request.Do(ctx, c.http, http.MethodPost, c.url("/hosting/accounts"), c.idempotent(order.OrderRef), body, &out); err != nil {
		return nil, classify(err)
	}
	return toAccount(out), nil
}

func (c *Client) idempotent(orderRef string) map[string]string {
	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	headers["Idempotency-Key"] = orderRef
	return headers
}

func toAccount(out accountDTO) *provider.HostingAccount {
	return &provider.HostingAccount{
		ProviderID: out.ProviderID,
		Domain:     out.Domain,
		Status:     out.Status,
		IPAddress:  out.IPAddress,
		ExpiresAt:  out.ExpiresAt,
	}
}
