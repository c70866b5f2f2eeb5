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

package giftpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
)

// maxOrderWriteAttempts bounds the read-modify-write loop of mutateOrder.
const maxOrderWriteAttempts = 3

var (
	// errNoChange is returned by a mutation that finds nothing to do.
	errNoChange = errors.New("order already in the requested state")

	// ErrOrderConflict means concurrent writers kept winning the versioned update.
	ErrOrderConflict = errors.New("order was modified concurrently")
)

// transitions lists, per status, the statuses an order may move to.
var transitions = map[string][]string{
	model.OrderStatusPending: {
		model.OrderStatusScheduled, model.OrderStatusProcessing, model.OrderStatusCancelled, model.OrderStatusFailed,
	},
	model.OrderStatusScheduled: {
		model.OrderStatusProcessing, model.OrderStatusFailed, model.OrderStatusCancelled,
	},
	model.OrderStatusProcessing: {
		model.OrderStatusScheduled, model.OrderStatusRequiresAttention, model.OrderStatusShipped,
		model.OrderStatusDelivered, model.OrderStatusCancelled, model.OrderStatusFailed,
	},
	model.OrderStatusRequiresAttention: {
		model.OrderStatusProcessing, model.OrderStatusScheduled, model.OrderStatusShipped,
		model.OrderStatusDelivered, model.OrderStatusCancelled, model.OrderStatusFailed,
	},
	model.OrderStatusShipped: {
		model.OrderStatusDelivered, model.OrderStatusRequiresAttention, model.OrderStatusCancelled,
	},
	// failed is terminal for the pipeline; only operator actions move it on.
	model.OrderStatusFailed: {
		model.OrderStatusProcessing, model.OrderStatusCancelled,
	},
}

// progressRank orders the forward statuses so provider status updates never
// move an order backwards.
var progressRank = map[string]int{
	model.OrderStatusPending:           0,
	model.OrderStatusScheduled:         1,
	model.OrderStatusRequiresAttention: 2,
	model.OrderStatusProcessing:        3,
	model.OrderStatusShipped:           4,
	model.OrderStatusDelivered:         5,
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves o to status to, or fails with an invalid transition error.
// Moving to the current status is a no-op.
func transition(o *model.Order, to string) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("order %s cannot move from %s to %s", o.ID, o.Status, to), nil)
	}
	o.Status = to
	return nil
}

// advances reports whether moving from one status to another is forward
// progress on the happy path.
func advances(from, to string) bool {
	fromRank, okFrom := progressRank[from]
	toRank, okTo := progressRank[to]
	return okFrom && okTo && toRank > fromRank
}

// mapProviderStatus translates the provider's status vocabulary into order
// statuses.
func mapProviderStatus(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "request_processing", "processing", "in_progress", "placed", "order_placed", "order_response", "submitted":
		return model.OrderStatusProcessing, true
	case "shipped", "in_transit", "out_for_delivery", "tracking_obtained", "shipping":
		return model.OrderStatusShipped, true
	case "delivered", "completed":
		return model.OrderStatusDelivered, true
	case "cancelled", "canceled", "aborted", "aborted_request":
		return model.OrderStatusCancelled, true
	case "failed", "error", "request_failed":
		return model.OrderStatusFailed, true
	}
	return "", false
}

// mutateOrder applies a change to o and persists it with a versioned update.
// When another writer got there first the order is re-read and the change is
// applied again, so apply must be safe to run more than once. The returned
// order is the persisted state.
func (g *Giftpipe) mutateOrder(ctx context.Context, o *model.Order, apply func(*model.Order) error) (*model.Order, error) {
	id := o.ID
	for attempt := 1; ; attempt++ {
		if err := apply(o); err != nil {
			return o, err
		}
		ok, err := g.datasource.UpdateOrder(ctx, o)
		if err != nil {
			return o, err
		}
		if ok {
			return o, nil
		}
		if attempt == maxOrderWriteAttempts {
			return o, ErrOrderConflict
		}
		o, err = g.datasource.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
	}
}
