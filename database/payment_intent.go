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
	"database/sql"
	"time"

	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const paymentIntentColumns = `id, order_ref, user_id, expected_usd, received_usd, received_native_amount,
	native_asset, status, provider, provider_reference, tx_reference, confirmations,
	required_confirmations, job_kind, target, failure_reason, recovered, meta_data,
	created_at, updated_at, confirmed_at, expires_at`

func (d Datasource) CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "CreatePaymentIntent",
		trace.WithAttributes(attribute.String("order_ref", intent.OrderRef)))
	defer span.End()

	metaDataJSON, err := marshalMetaData(intent.MetaData)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	err = d.Conn.QueryRowContext(ctx, `
		INSERT INTO reseller.payment_intents (
			order_ref, user_id, expected_usd, native_asset, status, provider,
			provider_reference, required_confirmations, job_kind, target,
			meta_data, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, intent.OrderRef, intent.UserID, intent.ExpectedUSD, intent.NativeAsset, intent.Status,
		intent.Provider, intent.ProviderReference, intent.RequiredConfirmations, intent.JobKind,
		intent.Target, metaDataJSON, intent.CreatedAt, intent.UpdatedAt, intent.ExpiresAt,
	).Scan(&intent.ID)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Payment intent with this order reference already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payment intent", err)
	}

	return intent, nil
}

func (d Datasource) GetPaymentIntentByOrderRef(ctx context.Context, orderRef string) (*model.PaymentIntent, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetPaymentIntentByOrderRef")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentIntentColumns+`
		FROM reseller.payment_intents
		WHERE order_ref = $1
	`, orderRef)

	intent, err := scanPaymentIntent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment intent not found", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment intent", err)
	}
	return intent, nil
}

func (d Datasource) TransitionPaymentIntent(ctx context.Context, orderRef, from, to string, update model.PaymentUpdate) (bool, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "TransitionPaymentIntent",
		trace.WithAttributes(
			attribute.String("order_ref", orderRef),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.payment_intents
		SET status = $3,
			received_usd = CASE WHEN $4::numeric > 0 THEN $4 ELSE received_usd END,
			received_native_amount = CASE WHEN $5::numeric > 0 THEN $5 ELSE received_native_amount END,
			native_asset = COALESCE(NULLIF($6, ''), native_asset),
			tx_reference = COALESCE(NULLIF($7, ''), tx_reference),
			confirmations = GREATEST(confirmations, $8),
			failure_reason = COALESCE(NULLIF($9, ''), failure_reason),
			confirmed_at = COALESCE($10, confirmed_at),
			recovered = recovered OR $11,
			updated_at = $12
		WHERE order_ref = $1 AND status = $2
	`, orderRef, from, to, update.ReceivedUSD, update.ReceivedNativeAmount, update.NativeAsset,
		update.TxReference, update.Confirmations, update.FailureReason, update.ConfirmedAt,
		update.Recovered, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payment intent status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return rows == 1, nil
}

func (d Datasource) UpdatePaymentConfirmations(ctx context.Context, orderRef, status string, confirmations int) error {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "UpdatePaymentConfirmations")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reseller.payment_intents
		SET confirmations = $3, updated_at = $4
		WHERE order_ref = $1 AND status = $2 AND confirmations < $3
	`, orderRef, status, confirmations, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update confirmations", err)
	}
	return nil
}

// GetReconcilablePaymentIntents returns one page of intents in one of
// statuses created inside the (createdAfter, createdBefore) window, ordered by
// id and starting after afterID.
func (d Datasource) GetReconcilablePaymentIntents(ctx context.Context, statuses []string, createdAfter, createdBefore time.Time, afterID int64, limit int) ([]*model.PaymentIntent, error) {
	ctx, span := otel.Tracer("reseller.database").Start(ctx, "GetReconcilablePaymentIntents")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+paymentIntentColumns+`
		FROM reseller.payment_intents
		WHERE status = ANY($1)
			AND created_at > $2
			AND created_at < $3
			AND id > $4
		ORDER BY id ASC
		LIMIT $5
	`, pq.Array(statuses), createdAfter, createdBefore, afterID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment intents", err)
	}
	defer rows.Close()

	intents := []*model.PaymentIntent{}
	for rows.Next() {
		intent, err := scanPaymentIntent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payment intent", err)
		}
		intents = append(intents, intent)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over payment intents", err)
	}
	return intents, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentIntent(row scanner) (*model.PaymentIntent, error) {
	intent := &model.PaymentIntent{}
	var metaDataJSON []byte
	err := row.Scan(
		&intent.ID, &intent.OrderRef, &intent.UserID, &intent.ExpectedUSD, &intent.ReceivedUSD,
		&intent.ReceivedNativeAmount, &intent.NativeAsset, &intent.Status, &intent.Provider,
		&intent.ProviderReference, &intent.TxReference, &intent.Confirmations,
		&intent.RequiredConfirmations, &intent.JobKind, &intent.Target, &intent.FailureReason,
		&intent.Recovered, &metaDataJSON, &intent.CreatedAt, &intent.UpdatedAt,
		&intent.ConfirmedAt, &intent.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	intent.MetaData, err = unmarshalMetaData(metaDataJSON)
	if err != nil {
		return nil, err
	}
	return intent, nil
}
