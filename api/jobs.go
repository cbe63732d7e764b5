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
	"time"

	model2 "github.com/blnkfinance/reseller/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) RedriveJob(c *gin.Context) {
	job, err := a.reseller.RedriveJob(c.Request.Context(), c.Param("kind"), c.Param("order_ref"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a Api) GetJobStats(c *gin.Context) {
	kind := c.Param("kind")
	stats, err := a.reseller.JobStats(c.Request.Context(), kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "counts": stats})
}

// RecoverStaleJobs releases expired processing leases on every queue now
// instead of waiting for the next sweep.
func (a Api) RecoverStaleJobs(c *gin.Context) {
	var req model2.RecoverStaleJobs
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := req.ValidateRecoverStaleJobs(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recovered, err := a.reseller.RecoverStaleJobs(c.Request.Context(), time.Duration(req.ThresholdMinutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}
