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
	"time"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/internal/fulfillment"
	redlock "github.com/giftpipe/giftpipe/internal/lock"
	"github.com/giftpipe/giftpipe/internal/metrics"
	"github.com/giftpipe/giftpipe/model"
	"github.com/sirupsen/logrus"
)

// Admin actions.
const (
	ActionRetryWithProvider = "retry_with_fulfillment_provider"
	ActionAbortOrder        = "abort_order"
	ActionCancelOrder       = "cancel_order"
	ActionCheckOrderStatus  = "check_order_status"
)

const (
	defaultAdminActor = "admin"
	orderLockTTL      = 30 * time.Second
	orderLockWait     = 5 * time.Second
)

// AdminActions lists the actions ExecuteAdminAction accepts.
var AdminActions = []string{ActionRetryWithProvider, ActionAbortOrder, ActionCancelOrder, ActionCheckOrderStatus}

type AdminActionRequest struct {
	Action             string `json:"action"`
	OrderID            string `json:"order_id"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	Actor              string `json:"actor,omitempty"`
}

type AdminActionResult struct {
	Success              bool                        `json:"success"`
	Action               string                      `json:"action"`
	Message              string                      `json:"message"`
	Order                *model.Order                `json:"order,omitempty"`
	FulfillmentRequestID string                      `json:"fulfillment_request_id,omitempty"`
	ProviderStatus       *fulfillment.StatusResponse `json:"provider_status,omitempty"`
	ProviderError        string                      `json:"provider_error,omitempty"`
	ProviderAbortError   string                      `json:"provider_abort_error,omitempty"`
	RefundRequestID      string                      `json:"refund_request_id,omitempty"`
}

// ExecuteAdminAction runs one operator action against an order. Mutating
// actions hold the order's redis lock and re-check the order's status before
// writing, so they never race a batch run into an invalid transition.
func (g *Giftpipe) ExecuteAdminAction(ctx context.Context, req AdminActionRequest) (*AdminActionResult, error) {
	ctx, span := tracer.Start(ctx, "Executing admin action")
	defer span.End()

	if req.Actor == "" {
		req.Actor = defaultAdminActor
	}

	var (
		result *AdminActionResult
		err    error
	)
	switch req.Action {
	case ActionCheckOrderStatus:
		result, err = g.checkOrderStatus(ctx, req)
	case ActionRetryWithProvider:
		result, err = g.withOrderLock(ctx, req, g.retryWithProvider)
	case ActionAbortOrder:
		result, err = g.withOrderLock(ctx, req, g.abortOrder)
	case ActionCancelOrder:
		result, err = g.withOrderLock(ctx, req, g.cancelOrder)
	default:
		metrics.AdminActionsTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown action %q", req.Action), nil)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	}
	metrics.AdminActionsTotal.WithLabelValues(req.Action, outcome).Inc()
	logrus.WithFields(logrus.Fields{
		"action":   req.Action,
		"order_id": req.OrderID,
		"actor":    req.Actor,
		"outcome":  outcome,
	}).Info("admin action executed")
	return result, err
}

func (g *Giftpipe) withOrderLock(ctx context.Context, req AdminActionRequest, action func(context.Context, AdminActionRequest) (*AdminActionResult, error)) (*AdminActionResult, error) {
	if g.redis == nil {
		return action(ctx, req)
	}
	locker := redlock.NewLocker(g.redis, redlock.OrderKey(req.OrderID), model.GenerateUUIDWithSuffix("admin"))
	if err := locker.WaitLock(ctx, orderLockTTL, orderLockWait); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "another action is in progress for this order", err)
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.WithFields(logrus.Fields{"order_id": req.OrderID, "error": err}).Warn("failed to release order lock")
		}
	}()
	return action(ctx, req)
}

func (g *Giftpipe) checkOrderStatus(ctx context.Context, req AdminActionRequest) (*AdminActionResult, error) {
	o, err := g.datasource.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	result := &AdminActionResult{
		Success:              true,
		Action:               req.Action,
		Message:              "order is " + o.Status,
		Order:                o,
		FulfillmentRequestID: o.FulfillmentRequestID,
	}
	if o.FulfillmentRequestID == "" {
		return result, nil
	}

	status, err := g.provider.GetStatus(ctx, o.FulfillmentRequestID)
	if err != nil {
		code, message := fulfillment.Describe(err)
		result.ProviderError = code + ": " + message
		return result, nil
	}
	result.ProviderStatus = status
	result.Message = fmt.Sprintf("order is %s, provider request is %s", o.Status, status.Status)
	return result, nil
}

// retryWithProvider asks the provider to retry the order's current request and
// tracks the request it returns.
func (g *Giftpipe) retryWithProvider(ctx context.Context, req AdminActionRequest) (*AdminActionResult, error) {
	o, err := g.datasource.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case model.OrderStatusFailed, model.OrderStatusRequiresAttention, model.OrderStatusProcessing:
	default:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("order in status %s cannot be retried", o.Status), nil)
	}
	requestID := o.FulfillmentRequestID
	if requestID == "" {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "order has no fulfillment request to retry", nil)
	}

	previous := o.Status
	claimed, err := g.datasource.ClaimOrder(ctx, o.ID, previous, model.OrderStatusProcessing)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "order changed while the retry was starting", nil)
	}

	now := g.now().UTC()
	resp, err := g.provider.Retry(ctx, requestID)
	if err != nil {
		code, message := fulfillment.Describe(err)
		_, rerr := g.mutateOrder(ctx, claimed, func(o *model.Order) error {
			if o.Status != model.OrderStatusProcessing {
				return errNoChange
			}
			o.Notes.AddAudit(req.Actor, fmt.Sprintf("provider retry failed: %s", code), now)
			return transition(o, previous)
		})
		if rerr != nil && !errors.Is(rerr, errNoChange) {
			logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": rerr}).Error("failed to restore order after provider retry failure")
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("provider retry failed: %s: %s", code, message), err)
	}

	updated, err := g.mutateOrder(ctx, claimed, func(o *model.Order) error {
		if o.Status != model.OrderStatusProcessing {
			return apierror.NewAPIError(apierror.ErrConflict, "order changed during the retry", nil)
		}
		replaceRequestID(o, requestID, resp.RequestID)
		o.RetryCount++
		o.RetryReason = ""
		o.NextRetryAt = nil
		o.ErrorClassification = ""
		o.AdminMessage = ""
		o.Notes.Retry = nil
		o.Notes.AddAudit(req.Actor, fmt.Sprintf("provider retry of %s accepted as %s", requestID, resp.RequestID), now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.cacheRequestID(ctx, resp.RequestID, updated.ID)

	return &AdminActionResult{
		Success:              true,
		Action:               req.Action,
		Message:              "order resubmitted through provider retry",
		Order:                updated,
		FulfillmentRequestID: updated.FulfillmentRequestID,
	}, nil
}

// abortOrder aborts the provider request and then cancels locally. A failed
// abort leaves the order untouched.
func (g *Giftpipe) abortOrder(ctx context.Context, req AdminActionRequest) (*AdminActionResult, error) {
	o, err := g.cancellableOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.FulfillmentRequestID == "" {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "order has no fulfillment request to abort", nil)
	}

	status, err := g.provider.Abort(ctx, o.FulfillmentRequestID)
	if err == nil && status != nil && status.Error != nil {
		err = status.Error
	}
	if err != nil {
		code, message := fulfillment.Describe(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("provider abort failed: %s: %s", code, message), err)
	}

	return g.cancelLocally(ctx, o, req, "aborted with provider")
}

// cancelOrder cancels locally after a best-effort provider abort.
func (g *Giftpipe) cancelOrder(ctx context.Context, req AdminActionRequest) (*AdminActionResult, error) {
	o, err := g.cancellableOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	var abortErr string
	if o.FulfillmentRequestID != "" {
		status, err := g.provider.Abort(ctx, o.FulfillmentRequestID)
		if err == nil && status != nil && status.Error != nil {
			err = status.Error
		}
		if err != nil {
			code, message := fulfillment.Describe(err)
			abortErr = code + ": " + message
			logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": abortErr}).Warn("provider abort failed, cancelling locally")
		}
	}

	result, err := g.cancelLocally(ctx, o, req, "cancelled")
	if err != nil {
		return nil, err
	}
	result.ProviderAbortError = abortErr
	return result, nil
}

func (g *Giftpipe) cancellableOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := g.datasource.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := g.datasource.IsOrderCancellable(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("order in status %s cannot be cancelled", o.Status), nil)
	}
	return o, nil
}

// cancelLocally cancels the order and, when payment was taken, opens the
// refund request for it.
func (g *Giftpipe) cancelLocally(ctx context.Context, o *model.Order, req AdminActionRequest, verb string) (*AdminActionResult, error) {
	reason := req.CancellationReason
	if reason == "" {
		reason = "cancelled by " + req.Actor
	}
	now := g.now().UTC()
	if err := rejectCancelled(o); err != nil {
		return nil, err
	}

	// the refund goes first so a failed insert leaves the order cancellable
	var refundID string
	var refundCreated bool
	if o.PaymentStatus == model.PaymentStatusSucceeded {
		refund := &model.RefundRequest{
			OrderID:    o.ID,
			Amount:     o.TotalAmount,
			Reason:     reason,
			Status:     model.RefundStatusPending,
			RefundType: model.RefundTypeFull,
			Metadata:   map[string]interface{}{"source": req.Action, "actor": req.Actor},
			CreatedAt:  now,
		}
		created, err := g.datasource.CreateRefundRequest(ctx, refund)
		if err != nil {
			return nil, err
		}
		refundCreated = created
		if created {
			refundID = refund.ID
		} else if pending, err := g.datasource.GetPendingRefund(ctx, o.ID); err == nil {
			refundID = pending.ID
		}
	}

	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if err := rejectCancelled(o); err != nil {
			return err
		}
		paid := o.PaymentStatus == model.PaymentStatusSucceeded
		o.Notes.Cancellation = &model.CancellationDetails{
			Reason:         reason,
			CancelledBy:    req.Actor,
			RefundExpected: paid,
			CancelledAt:    now,
		}
		if paid {
			o.Notes.RefundFlag = model.RefundFlagPendingCustomerRefund
		}
		o.NextRetryAt = nil
		o.Notes.Retry = nil
		o.Notes.AddAudit(req.Actor, verb+": "+reason, now)
		return transition(o, model.OrderStatusCancelled)
	})
	if err != nil {
		if refundCreated {
			g.raiseAlert(ctx, &model.AdminAlert{
				AlertType:      model.AlertSystemError,
				Severity:       model.SeverityWarning,
				OrderID:        o.ID,
				Message:        fmt.Sprintf("refund %s was opened but order %s could not be cancelled: %v", refundID, o.OrderNumber, err),
				RequiresAction: true,
				Metadata:       map[string]interface{}{"refund_request_id": refundID, "action": req.Action},
			})
		}
		return nil, err
	}

	result := &AdminActionResult{
		Success:              true,
		Action:               req.Action,
		Message:              "order " + verb,
		Order:                updated,
		FulfillmentRequestID: updated.FulfillmentRequestID,
		RefundRequestID:      refundID,
	}

	err = g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderCancelled, model.NotificationPriorityHigh, map[string]interface{}{
		"reason":          reason,
		"refund_expected": updated.Notes.Cancellation.RefundExpected,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": updated.ID, "error": err}).Error("failed to queue cancellation notification")
	}
	g.emitOrderEvent(ctx, EventOrderCancelled, updated)
	return result, nil
}

func rejectCancelled(o *model.Order) error {
	if o.Status == model.OrderStatusCancelled || o.Status == model.OrderStatusDelivered {
		return apierror.NewAPIError(apierror.ErrConflict, "order is already "+o.Status, nil)
	}
	return nil
}
