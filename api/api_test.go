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
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blnkfinance/reseller"
	"github.com/blnkfinance/reseller/api/middleware"
	"github.com/blnkfinance/reseller/config"
	"github.com/blnkfinance/reseller/database/mocks"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	err := json.NewDecoder(resp.Body).Decode(&s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type staticChecker struct{}

func (staticChecker) GetPaymentStatus(context.Context, string) (provider.PaymentStatusReport, error) {
	return provider.PaymentStatusReport{}, nil
}

func setupRouter(t *testing.T, mutate func(c *config.Configuration)) (*gin.Engine, *mocks.MockDataSource) {
	t.Helper()
	cnf := config.Default()
	cnf.DataSource.Dns = "postgres://test"
	if mutate != nil {
		mutate(&cnf)
	}
	ds := new(mocks.MockDataSource)
	r, err := reseller.New(&cnf, ds, reseller.WithPaymentCheckers(provider.PaymentCheckers{"blockbee": staticChecker{}}))
	require.NoError(t, err)
	return NewAPI(r, prometheus.NewRegistry()).Router(), ds
}

func toPayload(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestCreatePaymentIntent(t *testing.T) {
	router, ds := setupRouter(t, nil)
	orderRef := gofakeit.UUID()

	ds.On("CreatePaymentIntent", mock.Anything, mock.MatchedBy(func(i *model.PaymentIntent) bool {
		return i.OrderRef == orderRef && i.Status == "created" && !i.ExpiresAt.IsZero()
	})).Return(&model.PaymentIntent{OrderRef: orderRef, Status: "created", ExpectedUSD: decimal.NewFromInt(25)}, nil)

	payload := map[string]interface{}{
		"order_ref":    orderRef,
		"expected_usd": "25.00",
		"native_asset": "BTC",
		"provider":     "blockbee",
		"job_kind":     model.JobKindDomainRegistration,
		"target":       gofakeit.DomainName(),
	}
	var response model.PaymentIntent
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toPayload(t, payload),
		Response: &response,
		Method:   "POST",
		Route:    "/payment-intents",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, orderRef, response.OrderRef)
	assert.Equal(t, "created", response.Status)
	ds.AssertExpectations(t)
}

func TestCreatePaymentIntent_Invalid(t *testing.T) {
	router, ds := setupRouter(t, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toPayload(t, map[string]interface{}{"order_ref": "ord-1", "expected_usd": "-1", "native_asset": "BTC", "provider": "blockbee"}),
		Response: &response,
		Method:   "POST",
		Route:    "/payment-intents",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, response["error"], "expected_usd: must not be negative")
	ds.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
}

func TestGetPaymentIntent_NotFound(t *testing.T) {
	router, ds := setupRouter(t, nil)
	ds.On("GetPaymentIntentByOrderRef", mock.Anything, "missing").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment intent not found", nil))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/payment-intents/missing",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, string(apierror.ErrNotFound), response["code"])
}

func TestProcessPaymentEvent(t *testing.T) {
	router, ds := setupRouter(t, nil)
	orderRef := gofakeit.UUID()
	now := time.Now().UTC()
	intent := &model.PaymentIntent{
		OrderRef:              orderRef,
		ExpectedUSD:           decimal.NewFromInt(25),
		NativeAsset:           "BTC",
		Status:                "pending",
		Provider:              "blockbee",
		RequiredConfirmations: 1,
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Hour),
	}
	ds.On("GetPaymentIntentByOrderRef", mock.Anything, orderRef).Return(intent, nil)
	ds.On("TransitionPaymentIntent", mock.Anything, orderRef, "pending", "confirmed", mock.MatchedBy(func(u model.PaymentUpdate) bool {
		return u.ConfirmedAt != nil && u.ReceivedUSD.Equal(decimal.NewFromInt(25))
	})).Return(true, nil)

	event := map[string]interface{}{
		"order_ref":              orderRef,
		"status":                 "confirmed",
		"received_usd":           "25.00",
		"received_native_amount": "0.0004",
		"native_asset":           "BTC",
		"provider":               "blockbee",
		"tx_reference":           gofakeit.UUID(),
		"confirmations":          1,
	}
	var response reseller.PaymentEventResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toPayload(t, event),
		Response: &response,
		Method:   "POST",
		Route:    "/payment-events",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "pending", response.PreviousStatus)
	assert.Equal(t, "confirmed", response.Status)
	require.NotNil(t, response.Amount)
	assert.True(t, response.Amount.Accepted)
	assert.Empty(t, response.JobID)
	ds.AssertExpectations(t)
}

func TestProcessPaymentEvent_Invalid(t *testing.T) {
	router, ds := setupRouter(t, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  strings.NewReader(`{"status": "confirmed"}`),
		Response: &response,
		Method:   "POST",
		Route:    "/payment-events",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, response["error"], "order_ref: cannot be blank")
	ds.AssertNotCalled(t, "GetPaymentIntentByOrderRef", mock.Anything, mock.Anything)
}

func TestGetJobStats(t *testing.T) {
	router, ds := setupRouter(t, nil)
	ds.On("CountJobsByStatus", mock.Anything, model.JobKindHostingOrder).
		Return(map[string]int{"pending": 2, "failed": 1}, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/jobs/hosting_order/stats",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.JobKindHostingOrder, response["kind"])
	counts := response["counts"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["pending"])
	assert.Equal(t, float64(1), counts["failed"])
}

func TestGetJobStats_UnknownKind(t *testing.T) {
	router, _ := setupRouter(t, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/jobs/mailbox/stats",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRedriveJob_NotFound(t *testing.T) {
	router, ds := setupRouter(t, nil)
	ds.On("GetJobByOrderRef", mock.Anything, model.JobKindDomainRegistration, "ord-9").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Job not found", nil))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "POST",
		Route:    "/jobs/domain_registration/ord-9/redrive",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRecoverStaleJobs(t *testing.T) {
	router, ds := setupRouter(t, nil)
	ds.On("RequeueStaleJobs", mock.Anything, model.JobKindDomainRegistration, mock.Anything, mock.Anything).Return(int64(2), nil)
	ds.On("RequeueStaleJobs", mock.Anything, model.JobKindHostingOrder, mock.Anything, mock.Anything).Return(int64(0), nil)

	var response map[string]map[string]float64
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  strings.NewReader(`{"threshold_minutes": 30}`),
		Response: &response,
		Method:   "POST",
		Route:    "/jobs/recover-stale",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(2), response["recovered"][model.JobKindDomainRegistration])
	assert.Equal(t, float64(0), response["recovered"][model.JobKindHostingOrder])
}

func TestRecoverStaleJobs_NegativeThreshold(t *testing.T) {
	router, ds := setupRouter(t, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  strings.NewReader(`{"threshold_minutes": -5}`),
		Response: &response,
		Method:   "POST",
		Route:    "/jobs/recover-stale",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	ds.AssertNotCalled(t, "RequeueStaleJobs", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciliationEndpoints(t *testing.T) {
	router, ds := setupRouter(t, nil)
	ds.On("GetReconcilablePaymentIntents", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*model.PaymentIntent{}, nil)

	var result model.CycleResult
	resp, err := SetUpTestRequest(TestRequest{
		Response: &result,
		Method:   "POST",
		Route:    "/reconciliation/payment/run",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.ReconciliationKindPayment, result.Kind)
	assert.False(t, result.Skipped)
	assert.Zero(t, result.Checked)

	var stats map[string][]model.ReconciliationStats
	resp, err = SetUpTestRequest(TestRequest{
		Response: &stats,
		Method:   "GET",
		Route:    "/reconciliation",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, stats["reconciliation"], 1)
	assert.Equal(t, model.ReconciliationKindPayment, stats["reconciliation"][0].Kind)

	var missing map[string]interface{}
	resp, err = SetUpTestRequest(TestRequest{
		Response: &missing,
		Method:   "POST",
		Route:    "/reconciliation/vps/run",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSecureMode(t *testing.T) {
	router, ds := setupRouter(t, func(c *config.Configuration) {
		c.Server.Secure = true
		c.Server.SecretKey = "operator-secret"
	})
	ds.On("CountJobsByStatus", mock.Anything, model.JobKindDomainRegistration).Return(map[string]int{}, nil)

	var denied map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Response: &denied,
		Method:   "GET",
		Route:    "/jobs/domain_registration/stats",
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	var allowed map[string]interface{}
	resp, err = SetUpTestRequest(TestRequest{
		Response: &allowed,
		Method:   "GET",
		Route:    "/jobs/domain_registration/stats",
		Router:   router,
		Header:   map[string]string{middleware.SecretKeyHeader: "operator-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
