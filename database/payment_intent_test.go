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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentIntentRowColumns = []string{
	"id", "order_ref", "user_id", "expected_usd", "received_usd", "received_native_amount",
	"native_asset", "status", "provider", "provider_reference", "tx_reference", "confirmations",
	"required_confirmations", "job_kind", "target", "failure_reason", "recovered", "meta_data",
	"created_at", "updated_at", "confirmed_at", "expires_at",
}

func paymentIntentRow(rows *sqlmock.Rows, orderRef, status string, createdAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		1, orderRef, "user_1", "25.00", "0", "0", "BTC", status, "blockbee", "bb_ref_1", "", 0,
		1, model.JobKindDomainRegistration, "example.com", "", false, []byte(`{"plan":"basic"}`),
		createdAt, createdAt, nil, createdAt.Add(time.Hour),
	)
}

func TestCreatePaymentIntent_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	intent := &model.PaymentIntent{
		OrderRef:              gofakeit.UUID(),
		UserID:                "user_1",
		ExpectedUSD:           decimal.RequireFromString("25.00"),
		NativeAsset:           "BTC",
		Status:                "created",
		Provider:              "blockbee",
		RequiredConfirmations: 1,
		ExpiresAt:             time.Now().Add(time.Hour),
	}

	mock.ExpectQuery("INSERT INTO reseller.payment_intents").
		WithArgs(intent.OrderRef, "user_1", sqlmock.AnyArg(), "BTC", "created", "blockbee", "", 1, "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	created, err := ds.CreatePaymentIntent(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, int64(42), created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePaymentIntent_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("INSERT INTO reseller.payment_intents").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	_, err = ds.CreatePaymentIntent(context.Background(), &model.PaymentIntent{OrderRef: "ord_1", Status: "created"})
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
}

func TestGetPaymentIntentByOrderRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	created := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery("SELECT (.+) FROM reseller.payment_intents WHERE order_ref").
		WithArgs("ord_1").
		WillReturnRows(paymentIntentRow(sqlmock.NewRows(paymentIntentRowColumns), "ord_1", "pending", created))

	intent, err := ds.GetPaymentIntentByOrderRef(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "pending", intent.Status)
	assert.True(t, intent.ExpectedUSD.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "basic", intent.MetaData["plan"])
	assert.Nil(t, intent.ConfirmedAt)
	assert.Equal(t, created.Add(time.Hour), intent.ExpiresAt)
}

func TestGetPaymentIntentByOrderRef_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM reseller.payment_intents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(paymentIntentRowColumns))

	_, err = ds.GetPaymentIntentByOrderRef(context.Background(), "missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestTransitionPaymentIntent(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"applied", 1, true},
		{"lost race", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			ds := Datasource{Conn: db}
			now := time.Now()
			mock.ExpectExec("UPDATE reseller.payment_intents").
				WithArgs("ord_1", "pending", "confirmed",
					sqlmock.AnyArg(), sqlmock.AnyArg(), "BTC", "tx_1", 3, "", sqlmock.AnyArg(), false, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := ds.TransitionPaymentIntent(context.Background(), "ord_1", "pending", "confirmed", model.PaymentUpdate{
				ReceivedUSD:   decimal.RequireFromString("24.90"),
				NativeAsset:   "BTC",
				TxReference:   "tx_1",
				Confirmations: 3,
				ConfirmedAt:   &now,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionPaymentIntent_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE reseller.payment_intents").WillReturnError(errors.New("connection reset"))

	ok, err := ds.TransitionPaymentIntent(context.Background(), "ord_1", "pending", "failed", model.PaymentUpdate{})
	assert.False(t, ok)
	assert.True(t, apierror.HasCode(err, apierror.ErrInternalServer))
}

func TestGetReconcilablePaymentIntents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	after, before := now.Add(-48*time.Hour), now.Add(-2*time.Hour)
	statuses := []string{"address_created", "pending", "processing"}

	rows := sqlmock.NewRows(paymentIntentRowColumns)
	paymentIntentRow(rows, "ord_1", "pending", now.Add(-3*time.Hour))
	paymentIntentRow(rows, "ord_2", "processing", now.Add(-4*time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM reseller.payment_intents WHERE status = ANY\(\$1\) AND created_at > \$2 AND created_at < \$3 AND id > \$4 ORDER BY id ASC LIMIT \$5`).
		WithArgs(pq.Array(statuses), after, before, int64(40), 100).
		WillReturnRows(rows)

	intents, err := ds.GetReconcilablePaymentIntents(context.Background(), statuses, after, before, 40, 100)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, "ord_2", intents[1].OrderRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}
