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

package model

import (
	"strings"

	"github.com/giftpipe/giftpipe"
)

// AdminAction is the body of POST /admin/orders/actions.
type AdminAction struct {
	Action             string `json:"action"`
	OrderID            string `json:"orderId"`
	CancellationReason string `json:"cancellationReason,omitempty"`
	Actor              string `json:"actor,omitempty"`
}

func (a *AdminAction) ToAdminActionRequest() giftpipe.AdminActionRequest {
	return giftpipe.AdminActionRequest{
		Action:             strings.TrimSpace(a.Action),
		OrderID:            strings.TrimSpace(a.OrderID),
		CancellationReason: strings.TrimSpace(a.CancellationReason),
		Actor:              strings.TrimSpace(a.Actor),
	}
}
