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

	"github.com/blnkfinance/reseller"
	"github.com/blnkfinance/reseller/api/middleware"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	reseller *reseller.Reseller
	router   *gin.Engine
	gatherer prometheus.Gatherer
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/payment-events", a.ProcessPaymentEvent)
	router.POST("/payment-intents", a.CreatePaymentIntent)
	router.GET("/payment-intents/:order_ref", a.GetPaymentIntent)

	router.POST("/jobs/:kind/:order_ref/redrive", a.RedriveJob)
	router.GET("/jobs/:kind/stats", a.GetJobStats)
	router.POST("/jobs/recover-stale", a.RecoverStaleJobs)

	router.GET("/reconciliation", a.GetReconciliationStats)
	router.POST("/reconciliation/:kind/run", a.RunReconciliation)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	return a.router
}

// NewAPI builds the operator API. A nil gatherer serves the default
// Prometheus registry.
func NewAPI(r *reseller.Reseller, gatherer prometheus.Gatherer) *Api {
	gin.SetMode(gin.ReleaseMode)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	cnf := r.Config()
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cnf.ProjectName), middleware.RequestLogger())
	if cnf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware(cnf.Server.SecretKey))
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{reseller: r, router: router, gatherer: gatherer}
}

// respondError writes err with the status its code maps to.
func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if apiErr, ok := apierror.As(err); ok {
		body := gin.H{"error": apiErr.Message, "code": apiErr.Code}
		if apiErr.Code == apierror.ErrAmountRejected || apiErr.Code == apierror.ErrIllegalTransition || apiErr.Code == apierror.ErrInvalidState {
			body["details"] = apiErr.Details
		}
		c.JSON(status, body)
		return
	}
	logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
