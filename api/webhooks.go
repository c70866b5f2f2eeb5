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
	"io"
	"net/http"

	"github.com/giftpipe/giftpipe"
	"github.com/giftpipe/giftpipe/api/middleware"
	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxWebhookBodyBytes = 1 << 20

// FulfillmentWebhook receives provider callbacks. Duplicates and ignored
// events still answer 200; a 5xx asks the provider to deliver again.
func (a Api) FulfillmentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	resp, err := a.giftpipe.HandleFulfillmentWebhook(c.Request.Context(), giftpipe.WebhookRequest{
		Body:           body,
		OrderID:        c.Query("order_id"),
		Token:          c.Query("token"),
		Event:          c.Query("event"),
		SecretVerified: middleware.WebhookSecretVerified(c),
	})
	if err != nil {
		status := apierror.MapErrorToHTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logrus.WithError(err).WithField("order_id", c.Query("order_id")).Error("fulfillment webhook failed")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
