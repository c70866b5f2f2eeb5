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

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/gin-gonic/gin"
)

// ProcessOrders runs one batch synchronously and returns its execution log.
func (a Api) ProcessOrders(c *gin.Context) {
	entry, err := a.giftpipe.ProcessScheduledOrders(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error(), "execution": entry})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// RecoverOrders releases orders stuck in processing without a provider
// request. threshold_minutes overrides the configured threshold.
func (a Api) RecoverOrders(c *gin.Context) {
	threshold := a.config.Scheduler.StuckThreshold()
	if raw := c.Query("threshold_minutes"); raw != "" {
		d, err := time.ParseDuration(raw + "m")
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold_minutes must be a positive number"})
			return
		}
		threshold = d
	}

	recovered, err := a.giftpipe.RecoverStuckOrders(c.Request.Context(), threshold)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}

// Health reports the last batch run. A service that has never run a batch is
// still healthy.
func (a Api) Health(c *gin.Context) {
	last, err := a.giftpipe.LastBatchRun(c.Request.Context())
	if err != nil && !apierror.IsCode(err, apierror.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "last_batch_run": last})
}
