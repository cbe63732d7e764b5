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
	"fmt"

	"github.com/blnkfinance/reseller/database"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/sirupsen/logrus"
)

// ResourceReconciler mirrors one provider's listing of domains, hosting
// accounts or VPS instances into the local resource table.
type ResourceReconciler struct {
	kind     string
	lister   provider.ResourceLister
	store    database.ResourceStore
	pageSize int
	retry    provider.RetryPolicy
}

func NewResourceReconciler(kind string, lister provider.ResourceLister, store database.ResourceStore, pageSize int, retry provider.RetryPolicy) (*ResourceReconciler, error) {
	if !model.IsValidResourceKind(kind) {
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ResourceReconciler{kind: kind, lister: lister, store: store, pageSize: pageSize, retry: retry}, nil
}

func (r *ResourceReconciler) Kind() string {
	return r.kind
}

// Snapshot indexes the provider listing by provider id.
func (r *ResourceReconciler) Snapshot(ctx context.Context) (map[string]model.ProviderResource, error) {
	listing, err := provider.Call(ctx, r.retry, "list "+r.kind, func(ctx context.Context) ([]model.ProviderResource, error) {
		return r.lister.ListResources(ctx, r.kind)
	})
	if err != nil {
		return nil, err
	}

	index := make(map[string]model.ProviderResource, len(listing))
	for _, res := range listing {
		if res.ProviderID == "" {
			continue
		}
		index[res.ProviderID] = res
	}
	return index, nil
}

// Local pages through the active resources of this kind by id.
func (r *ResourceReconciler) Local(ctx context.Context) ([]*model.Resource, error) {
	var all []*model.Resource
	var afterID int64
	for {
		page, err := r.store.GetActiveResources(ctx, r.kind, afterID, r.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < r.pageSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (r *ResourceReconciler) Reconcile(ctx context.Context, snapshot map[string]model.ProviderResource, local *model.Resource) (Outcome, error) {
	if local.ProviderID == "" {
		// not provisioned yet; the job processor owns it until it has an id
		return Outcome{}, nil
	}

	remote, ok := snapshot[local.ProviderID]
	if !ok {
		marked, err := r.store.MarkResourceOrphaned(ctx, local.ID, model.OrphanStatus(r.kind))
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Changed: marked, Orphaned: marked}, nil
	}

	updated, outcome := diffResource(local, remote)
	if !outcome.Changed {
		return outcome, nil
	}
	if err := r.store.UpdateResourceFields(ctx, updated); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (r *ResourceReconciler) Describe(local *model.Resource) logrus.Fields {
	return logrus.Fields{
		"resource_id": local.ID,
		"provider_id": local.ProviderID,
		"name":        local.Name,
		"status":      local.Status,
		"order_ref":   local.OrderRef,
	}
}

// diffResource returns a copy of local carrying the provider's values and
// the fields that differed. Empty provider values leave the local field as
// it is.
func diffResource(local *model.Resource, remote model.ProviderResource) (*model.Resource, Outcome) {
	updated := *local
	var o Outcome

	if remote.Status != "" && remote.Status != local.Status {
		updated.Status = remote.Status
		o.StatusChanged = true
	}
	if remote.Suspended != local.Suspended {
		updated.Suspended = remote.Suspended
		o.SuspensionChanged = true
	}
	if remote.IPAddress != "" && remote.IPAddress != local.IPAddress {
		updated.IPAddress = remote.IPAddress
		o.IPChanged = true
	}
	if remote.DiskUsedMB != local.DiskUsedMB {
		updated.DiskUsedMB = remote.DiskUsedMB
		o.DiskChanged = true
	}
	expiryChanged := remote.ExpiresAt != nil && (local.ExpiresAt == nil || !remote.ExpiresAt.Equal(*local.ExpiresAt))
	if expiryChanged {
		t := remote.ExpiresAt.UTC()
		updated.ExpiresAt = &t
	}

	o.Changed = o.StatusChanged || o.SuspensionChanged || o.IPChanged || o.DiskChanged || expiryChanged
	return &updated, o
}

// NewResourceEngine builds the reconciliation engine for one resource kind.
func NewResourceEngine(kind string, lister provider.ResourceLister, store database.ResourceStore, cfg ReconciliationConfig, opts ...EngineOption) (*Engine[*model.Resource, map[string]model.ProviderResource], error) {
	rec, err := NewResourceReconciler(kind, lister, store, cfg.BatchSize, cfg.Retry)
	if err != nil {
		return nil, err
	}
	return NewEngine[*model.Resource, map[string]model.ProviderResource](rec, opts...), nil
}

