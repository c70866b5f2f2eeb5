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

	model2 "github.com/giftpipe/giftpipe/api/model"
	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/gin-gonic/gin"
)

// AdminAction runs one operator action against an order.
func (a Api) AdminAction(c *gin.Context) {
	var action model2.AdminAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := action.ValidateAdminAction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	resp, err := a.giftpipe.ExecuteAdminAction(c.Request.Context(), action.ToAdminActionRequest())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"success": false, "action": action.Action, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
