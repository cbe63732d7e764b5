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
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/sirupsen/logrus"
)

// DomainRegistrationProcessor registers the job's domain. It first checks
// whether the order was already provisioned, locally or at the registrar,
// so running it twice for one order registers the domain once.
func DomainRegistrationProcessor(registrar provider.DomainRegistrar, store database.ResourceStore, retry provider.RetryPolicy) Processor {
	return ProcessorFunc(func(ctx context.Context, job *model.Job) ProcessResult {
		pc, err := job.PaymentContext()
		if err != nil {
			return permanentFailure(fmt.Errorf("decode payment context: %w", err))
		}
		if job.Target == "" {
			return permanentFailure(errors.New("job has no domain to register"))
		}

		if done, ok := alreadyProvisioned(ctx, store, model.ResourceKindDomain, job); ok {
			return done
		}

		record, err := provider.Call(ctx, retry, "get domain", func(ctx context.Context) (*provider.DomainRecord, error) {
			return registrar.GetDomain(ctx, job.Target)
		})
		switch {
		case err == nil && record.Owned:
			logrus.WithFields(logrus.Fields{"order_ref": job.OrderRef, "domain": job.Target}).
				Info("domain already registered to this account, recording it")
		case err == nil:
			return permanentFailure(fmt.Errorf("domain %s is registered to another party", job.Target))
		case errors.Is(err, provider.ErrNotFound):
			record, err = registrar.RegisterDomain(ctx, provider.DomainRegistration{
				OrderRef: job.OrderRef,
				UserID:   job.UserID,
				Domain:   job.Target,
				Years:    metaInt(pc.MetaData, "years", 1),
				Contact:  metaMap(pc.MetaData, "contact"),
			})
			if err != nil {
				return failure(fmt.Errorf("register domain %s: %w", job.Target, err))
			}
		default:
			return failure(fmt.Errorf("look up domain %s: %w", job.Target, err))
		}

		resource, err := store.UpsertResource(ctx, &model.Resource{
			Kind:       model.ResourceKindDomain,
			ProviderID: record.ProviderID,
			UserID:     job.UserID,
			OrderRef:   job.OrderRef,
			Name:       job.Target,
			Status:     statusOr(record.Status, model.ResourceStatusActive),
			ExpiresAt:  record.ExpiresAt,
		})
		if err != nil {
			return failure(fmt.Errorf("save domain %s: %w", job.Target, err))
		}
		return ProcessResult{Success: true, Result: provisionResult(resource)}
	})
}

// HostingOrderProcessor creates the hosting account for the job's domain,
// reusing an account the panel already holds for the order.
func HostingOrderProcessor(panel provider.HostingProvisioner, store database.ResourceStore, retry provider.RetryPolicy) Processor {
	return ProcessorFunc(func(ctx context.Context, job *model.Job) ProcessResult {
		pc, err := job.PaymentContext()
		if err != nil {
			return permanentFailure(fmt.Errorf("decode payment context: %w", err))
		}
		if job.Target == "" {
			return permanentFailure(errors.New("job has no domain for the hosting account"))
		}

		if done, ok := alreadyProvisioned(ctx, store, model.ResourceKindHostingAccount, job); ok {
			return done
		}

		account, err := provider.Call(ctx, retry, "find hosting account", func(ctx context.Context) (*provider.HostingAccount, error) {
			return panel.FindAccount(ctx, job.OrderRef, job.Target)
		})
		switch {
		case err == nil:
			logrus.WithFields(logrus.Fields{"order_ref": job.OrderRef, "domain": job.Target}).
				Info("hosting account already exists for order, recording it")
		case errors.Is(err, provider.ErrNotFound):
			account, err = panel.CreateAccount(ctx, provider.HostingOrder{
				OrderRef: job.OrderRef,
				UserID:   job.UserID,
				Domain:   job.Target,
				Plan:     metaString(pc.MetaData, "plan"),
			})
			if err != nil {
				return failure(fmt.Errorf("create hosting account for %s: %w", job.Target, err))
			}
		default:
			return failure(fmt.Errorf("look up hosting account for %s: %w", job.Target, err))
		}

		resource, err := store.UpsertResource(ctx, &model.Resource{
			Kind:       model.ResourceKindHostingAccount,
			ProviderID: account.ProviderID,
			UserID:     job.UserID,
			OrderRef:   job.OrderRef,
			Name:       job.Target,
			Status:     statusOr(account.Status, model.ResourceStatusActive),
			IPAddress:  account.IPAddress,
			ExpiresAt:  account.ExpiresAt,
		})
		if err != nil {
			return failure(fmt.Errorf("save hosting account for %s: %w", job.Target, err))
		}
		return ProcessResult{Success: true, Result: provisionResult(resource)}
	})
}

// unconfiguredProcessor keeps jobs of a kind retrying until a provider for
// that kind is wired in and the job is re-driven.
func unconfiguredProcessor(kind string) Processor {
	return ProcessorFunc(func(context.Context, *model.Job) ProcessResult {
		return ProcessResult{Error: fmt.Sprintf("no provider configured for %s jobs", kind)}
	})
}

func alreadyProvisioned(ctx context.Context, store database.ResourceStore, kind string, job *model.Job) (ProcessResult, bool) {
	existing, err := store.GetResourceByOrderRef(ctx, kind, job.OrderRef)
	if err != nil {
		if !apierror.HasCode(err, apierror.ErrNotFound) {
			logrus.WithError(err).WithField("order_ref", job.OrderRef).Warn("could not check for existing resource")
		}
		return ProcessResult{}, false
	}
	if existing.ProviderID == "" {
		return ProcessResult{}, false
	}
	logrus.WithFields(logrus.Fields{"order_ref": job.OrderRef, "provider_id": existing.ProviderID, "kind": kind}).
		Info("order already provisioned")
	return ProcessResult{Success: true, Result: provisionResult(existing)}, true
}

func provisionResult(r *model.Resource) map[string]interface{} {
	result := map[string]interface{}{
		"kind":        r.Kind,
		"provider_id": r.ProviderID,
		"name":        r.Name,
		"status":      r.Status,
	}
	if r.IPAddress != "" {
		result["ip_address"] = r.IPAddress
	}
	if r.ExpiresAt != nil {
		result["expires_at"] = r.ExpiresAt.Format(time.RFC3339)
	}
	return result
}

func failure(err error) ProcessResult {
	return ProcessResult{Error: err.Error(), Permanent: provider.IsPermanent(err)}
}

func permanentFailure(err error) ProcessResult {
	return ProcessResult{Error: err.Error(), Permanent: true}
}

func statusOr(status, fallback string) string {
	if status == "" {
		return fallback
	}
	return status
}

func metaString(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]interface{}, key string, fallback int) int {
	switch v := meta[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

func metaMap(meta map[string]interface{}, key string) map[string]interface{} {
	if v, ok := meta[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
