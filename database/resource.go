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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const resourceColumns = `id, kind, provider_id, user_id, order_ref, name, status, ip_address,
	suspended, disk_used_mb, expires_at, meta_data, last_synced_at, created_at, updated_at`

// UpsertResource records a freshly provisioned resource. Provisioning retries
// hit the (kind, provider_id) key and refresh the existing row.
func (d Datasource) UpsertResource(ctx context.Context, resource *model.Resource) (*model.Resource, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "UpsertResource",
		trace.WithAttributes(attribute.String("kind", resource.Kind), attribute.String("provider_id", resource.ProviderID)))
	defer span.End()

	metaDataJSON, err := marshalMetaData(resource.MetaData)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = d.Conn.QueryRowContext(ctx, `
		INSERT INTO reseller.provisioned_resources (
			kind, provider_id, user_id, order_ref, name, status, ip_address,
			suspended, disk_used_mb, expires_at, meta_data, last_synced_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $12)
		ON CONFLICT (kind, provider_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			order_ref = EXCLUDED.order_ref,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			ip_address = EXCLUDED.ip_address,
			suspended = EXCLUDED.suspended,
			expires_at = EXCLUDED.expires_at,
			meta_data = COALESCE(EXCLUDED.meta_data, reseller.provisioned_resources.meta_data),
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, resource.Kind, resource.ProviderID, resource.UserID, resource.OrderRef, resource.Name,
		resource.Status, resource.IPAddress, resource.Suspended, resource.DiskUsedMB,
		resource.ExpiresAt, metaDataJSON, now,
	).Scan(&resource.ID, &resource.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save resource", err)
	}
	resource.UpdatedAt = now
	resource.LastSyncedAt = &now
	return resource, nil
}

func (d Datasource) GetResourceByOrderRef(ctx context.Context, kind, orderRef string) (*model.Resource, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetResourceByOrderRef")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+resourceColumns+`
		FROM reseller.provisioned_resources
		WHERE kind = $1 AND order_ref = $2
		ORDER BY id DESC
		LIMIT 1
	`, kind, orderRef)

	resource, err := scanResource(row)
	if err != nil {
		return nil, wrapDBError(err, "Failed to retrieve resource")
	}
	return resource, nil
}

func (d Datasource) GetActiveResources(ctx context.Context, kind string, afterID int64, limit int) ([]*model.Resource, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetActiveResources",
		trace.WithAttributes(attribute.String("kind", kind), attribute.Int64("after_id", afterID)))
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+resourceColumns+`
		FROM reseller.provisioned_resources
		WHERE kind = $1 AND id > $2 AND NOT (status = ANY($3))
		ORDER BY id ASC
		LIMIT $4
	`, kind, afterID, pq.Array(model.InactiveResourceStatuses()), limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve resources", err)
	}
	defer rows.Close()

	resources := []*model.Resource{}
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan resource", err)
		}
		resources = append(resources, resource)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over resources", err)
	}
	return resources, nil
}

// UpdateResourceFields writes the provider-synced fields of a resource.
func (d Datasource) UpdateResourceFields(ctx context.Context, resource *model.Resource) error {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "UpdateResourceFields")
	defer span.End()

	now := time.Now().UTC()
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.provisioned_resources
		SET status = $2, ip_address = $3, suspended = $4, disk_used_mb = $5, expires_at = $6,
			last_synced_at = $7, updated_at = $7
		WHERE id = $1
	`, resource.ID, resource.Status, resource.IPAddress, resource.Suspended, resource.DiskUsedMB,
		resource.ExpiresAt, now)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update resource", err)
	}
	resource.UpdatedAt = now
	resource.LastSyncedAt = &now
	return nil
}

func (d Datasource) MarkResourceOrphaned(ctx context.Context, id int64, status string) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "MarkResourceOrphaned")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.provisioned_resources
		SET status = $2, updated_at = $3, last_synced_at = $3
		WHERE id = $1 AND NOT (status = ANY($4))
	`, id, status, time.Now().UTC(), pq.Array(model.InactiveResourceStatuses()))
	return affectedOne(result, err, "Failed to mark resource orphaned")
}

func scanResource(row scanner) (*model.Resource, error) {
	resource := &model.Resource{}
	var metaDataJSON []byte
	err := row.Scan(
		&resource.ID, &resource.Kind, &resource.ProviderID, &resource.UserID, &resource.OrderRef,
		&resource.Name, &resource.Status, &resource.IPAddress, &resource.Suspended,
		&resource.DiskUsedMB, &resource.ExpiresAt, &metaDataJSON, &resource.LastSyncedAt,
		&resource.CreatedAt, &resource.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	resource.MetaData, err = unmarshalMetaData(metaDataJSON)
	if err != nil {
		return nil, err
	}
	return resource, nil
}
