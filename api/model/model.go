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
	"github.com/giftpipe/giftpipe"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func adminActionRule() validation.Rule {
	actions := make([]interface{}, len(giftpipe.AdminActions))
	for i, action := range giftpipe.AdminActions {
		actions[i] = action
	}
	return validation.In(actions...).Error("must be one of retry_with_fulfillment_provider, abort_order, cancel_order, check_order_status")
}

func (a *AdminAction) ValidateAdminAction() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Action, validation.Required, adminActionRule()),
		validation.Field(&a.OrderID, validation.Required),
		validation.Field(&a.CancellationReason, validation.Length(0, 500)),
	)
}
