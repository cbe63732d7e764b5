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

import "time"

const (
	ResourceKindDomain         = "domain"
	ResourceKindHostingAccount = "hosting_account"
	ResourceKindVPS            = "vps"
)

const (
	ResourceStatusPending           = "pending"
	ResourceStatusActive            = "active"
	ResourceStatusSuspended         = "suspended"
	ResourceStatusExpired           = "expired"
	ResourceStatusDeleted           = "deleted"
	ResourceStatusNotFound          = "not_found"
	ResourceStatusDeletedExternally = "deleted_externally"
)

// Resource is the local mirror of one externally provisioned domain, hosting
// account or VPS instance. Rows are never hard deleted; a resource the
// provider no longer reports is marked orphaned instead.
type Resource struct {
	ID           int64                  `json:"-"`
	Kind         string                 `json:"kind"`
	ProviderID   string                 `json:"provider_id"`
	UserID       string                 `json:"user_id,omitempty"`
	OrderRef     string                 `json:"order_ref,omitempty"`
	Name         string                 `json:"name"`
	Status       string                 `json:"status"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Suspended    bool                   `json:"suspended"`
	DiskUsedMB   int64                  `json:"disk_used_mb"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
	LastSyncedAt *time.Time             `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ProviderResource is one entry of a provider's authoritative listing.
type ProviderResource struct {
	ProviderID string
	Name       string
	Status     string
	IPAddress  string
	Suspended  bool
	DiskUsedMB int64
	ExpiresAt  *time.Time
}

// OrphanStatus is the terminal status a resource of kind receives when the
// provider stops reporting it.
func OrphanStatus(kind string) string {
	if kind == ResourceKindDomain {
		return ResourceStatusNotFound
	}
	return ResourceStatusDeletedExternally
}

// InactiveResourceStatuses lists the statuses excluded from reconciliation.
func InactiveResourceStatuses() []string {
	return []string{ResourceStatusNotFound, ResourceStatusDeletedExternally, ResourceStatusDeleted}
}

func IsValidResourceKind(kind string) bool {
	switch kind {
	case ResourceKindDomain, ResourceKindHostingAccount, ResourceKindVPS:
		return true
	}
	return false
}
