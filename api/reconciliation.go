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

	"github.com/gin-gonic/gin"
)

func (a Api) GetReconciliationStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reconciliation": a.reseller.ReconciliationStats()})
}

// RunReconciliation runs one cycle of the kind right away and returns its
// result. A cycle already running elsewhere comes back as skipped.
func (a Api) RunReconciliation(c *gin.Context) {
	result, err := a.reseller.RunReconciliation(c.Request.Context(), c.Param("kind"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
