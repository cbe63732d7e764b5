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
	"net/http"

	model2 "github.com/blnkfinance/reseller/api/model"
	"github.com/gin-gonic/gin"
)

// ProcessPaymentEvent applies a normalized payment notification. A rejected
// amount or transition answers with the reason so the adapter can surface it.
func (a Api) ProcessPaymentEvent(c *gin.Context) {
	var newEvent model2.PaymentEvent
	if err := c.ShouldBindJSON(&newEvent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := newEvent.ValidatePaymentEvent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.reseller.ProcessPaymentEvent(c.Request.Context(), newEvent.ToPaymentEvent())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) CreatePaymentIntent(c *gin.Context) {
	var newIntent model2.CreatePaymentIntent
	if err := c.ShouldBindJSON(&newIntent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := newIntent.ValidateCreatePaymentIntent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.reseller.CreatePaymentIntent(c.Request.Context(), newIntent.ToPaymentIntent())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetPaymentIntent(c *gin.Context) {
	orderRef, passed := c.Params.Get("order_ref")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_ref is required. pass it in the route /:order_ref"})
		return
	}

	resp, err := a.reseller.GetPaymentIntent(c.Request.Context(), orderRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
