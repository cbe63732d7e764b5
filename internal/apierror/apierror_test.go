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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	apiErr := apierror.NewAPIError(apierror.ErrAmountRejected, "underpaid by $1.00", map[string]string{"order_ref": "ord_1"})

	assert.Equal(t, apierror.ErrAmountRejected, apiErr.Code)
	assert.Equal(t, "underpaid by $1.00", apiErr.Message)
	assert.Equal(t, "AMOUNT_REJECTED: underpaid by $1.00", apiErr.Error())
}

func TestHasCode_Wrapped(t *testing.T) {
	base := apierror.NewAPIError(apierror.ErrConflict, "job already exists", nil)
	wrapped := fmt.Errorf("enqueue: %w", base)

	assert.True(t, apierror.HasCode(wrapped, apierror.ErrConflict))
	assert.False(t, apierror.HasCode(wrapped, apierror.ErrNotFound))
	assert.False(t, apierror.HasCode(errors.New("plain"), apierror.ErrConflict))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"NotFound", apierror.NewAPIError(apierror.ErrNotFound, "missing", nil), http.StatusNotFound},
		{"Conflict", apierror.NewAPIError(apierror.ErrConflict, "conflict", nil), http.StatusConflict},
		{"IllegalTransition", apierror.NewAPIError(apierror.ErrIllegalTransition, "confirmed is terminal", nil), http.StatusConflict},
		{"InvalidState", apierror.NewAPIError(apierror.ErrInvalidState, "bad state", nil), http.StatusUnprocessableEntity},
		{"AmountRejected", apierror.NewAPIError(apierror.ErrAmountRejected, "underpaid", nil), http.StatusUnprocessableEntity},
		{"InvalidInput", apierror.NewAPIError(apierror.ErrInvalidInput, "bad", nil), http.StatusBadRequest},
		{"BadRequest", apierror.NewAPIError(apierror.ErrBadRequest, "bad", nil), http.StatusBadRequest},
		{"Internal", apierror.NewAPIError(apierror.ErrInternalServer, "boom", nil), http.StatusInternalServerError},
		{"Wrapped", fmt.Errorf("ctx: %w", apierror.NewAPIError(apierror.ErrNotFound, "missing", nil)), http.StatusNotFound},
		{"Unknown", errors.New("unknown error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}
