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
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/internal/cache"
	"github.com/giftpipe/giftpipe/internal/classifier"
	"github.com/giftpipe/giftpipe/internal/fulfillment"
	"github.com/giftpipe/giftpipe/internal/metrics"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// webhookStaleAfter is how long a received but unfinished delivery stays
// owned by the request that claimed it.
const webhookStaleAfter = 5 * time.Minute

// Webhook handling results.
const (
	WebhookProcessed  = "processed"
	WebhookDuplicate  = "duplicate"
	WebhookInProgress = "in_progress"
	WebhookIgnored    = "ignored"
)

// WebhookRequest is one provider callback. OrderID, Token and Event come from
// the callback URL handed to the provider on submission.
type WebhookRequest struct {
	Body           []byte
	OrderID        string
	Token          string
	Event          string
	SecretVerified bool
}

type WebhookResult struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// HandleFulfillmentWebhook applies one provider event to its order exactly
// once. A replay of a completed (event_id, event_type) is acknowledged
// without effects. Returned errors are API errors: not found when the order
// cannot be resolved, unauthorized for a bad token, internal otherwise so
// the provider redelivers. A delivery another request is still working on
// is internal too.
func (g *Giftpipe) HandleFulfillmentWebhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	ctx, span := tracer.Start(ctx, "Handling fulfillment webhook")
	defer span.End()

	payload, err := decodeEventPayload(req.Body)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "webhook body is not a JSON object", err)
	}

	eventType := payload.resolveEventType(req.Event)
	if eventType == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", WebhookIgnored).Inc()
		logrus.WithField("event", req.Event).Warn("ignoring webhook with unknown event type")
		return &WebhookResult{Status: WebhookIgnored, Message: "unrecognized event type"}, nil
	}

	order, err := g.resolveWebhookOrder(ctx, req, payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "unresolved").Inc()
		return nil, err
	}
	if err := authenticateWebhook(req, order); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "unauthorized").Inc()
		return nil, err
	}

	eventID := payload.str("event_id", "id")
	if eventID == "" {
		eventID = model.DeriveEventID(payload.providerRequestID(), eventType, req.Body)
	}
	result := &WebhookResult{EventID: eventID, EventType: eventType, OrderID: order.ID}
	logger := logrus.WithFields(logrus.Fields{"order_id": order.ID, "event_type": eventType, "event_id": eventID})

	owned, done, redelivery, err := g.claimDelivery(ctx, eventID, eventType, order.ID, req.Body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return nil, err
	}
	if done {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, WebhookDuplicate).Inc()
		logger.Info("duplicate webhook acknowledged")
		result.Duplicate = true
		result.Status = WebhookDuplicate
		return result, nil
	}
	if !owned {
		// the provider must resend; the owner may die before completing it
		metrics.WebhookEventsTotal.WithLabelValues(eventType, WebhookInProgress).Inc()
		logger.Info("webhook already being processed, asking for redelivery")
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "webhook delivery is already being processed", nil)
	}

	if err := g.dispatchWebhook(ctx, eventType, order, payload, redelivery); err != nil {
		span.RecordError(err)
		logger.WithError(err).Error("failed to process webhook")
		if ferr := g.datasource.FailWebhookDelivery(context.WithoutCancel(ctx), eventID, eventType, err.Error()); ferr != nil {
			logger.WithError(ferr).Error("failed to mark webhook delivery failed")
		}
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to process webhook", err)
	}

	if err := g.datasource.CompleteWebhookDelivery(ctx, eventID, eventType, order.ID); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return nil, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, WebhookProcessed).Inc()
	logger.Info("webhook processed")
	result.Status = WebhookProcessed
	return result, nil
}

// claimDelivery takes ownership of an event in the idempotency ledger. done
// reports an event that was already completed; owned is false when another
// request is processing it. redelivery reports an owned event an earlier
// attempt failed to complete.
func (g *Giftpipe) claimDelivery(ctx context.Context, eventID, eventType, orderID string, body []byte) (owned, done, redelivery bool, err error) {
	existing, err := g.datasource.GetWebhookDelivery(ctx, eventID, eventType)
	switch {
	case err == nil && existing.DeliveryStatus == model.DeliveryStatusCompleted:
		return false, true, false, nil
	case err != nil && !apierror.IsCode(err, apierror.ErrNotFound):
		return false, false, false, err
	}
	redelivery = err == nil

	owned, err = g.datasource.ClaimWebhookDelivery(ctx, &model.WebhookDeliveryLog{
		EventID:   eventID,
		EventType: eventType,
		OrderID:   orderID,
		Metadata:  body,
	}, webhookStaleAfter)
	if err != nil || owned {
		return owned, false, owned && redelivery, err
	}

	existing, err = g.datasource.GetWebhookDelivery(ctx, eventID, eventType)
	if err != nil {
		return false, false, false, err
	}
	return false, existing.DeliveryStatus == model.DeliveryStatusCompleted, false, nil
}

// resolveWebhookOrder finds the order from the callback URL, the echoed client
// notes, or the provider request id.
func (g *Giftpipe) resolveWebhookOrder(ctx context.Context, req WebhookRequest, payload eventPayload) (*model.Order, error) {
	if id := firstNonEmpty(req.OrderID, payload.embeddedOrderID()); id != "" {
		return g.datasource.GetOrderByID(ctx, id)
	}

	requestID := payload.providerRequestID()
	if requestID == "" {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "webhook does not identify an order", nil)
	}
	if g.cache != nil {
		var orderID string
		if err := g.cache.Get(ctx, cache.RequestKey(requestID), &orderID); err == nil && orderID != "" {
			o, err := g.datasource.GetOrderByID(ctx, orderID)
			if err == nil {
				return o, nil
			}
			if !apierror.IsCode(err, apierror.ErrNotFound) {
				return nil, err
			}
		}
	}

	o, err := g.datasource.GetOrderByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	g.cacheRequestID(ctx, requestID, o.ID)
	return o, nil
}

// authenticateWebhook checks the callback token. A supplied token must match;
// without one the request needs the shared secret unless the order was never
// issued a token.
func authenticateWebhook(req WebhookRequest, o *model.Order) error {
	if req.Token != "" {
		if subtle.ConstantTimeCompare([]byte(req.Token), []byte(o.WebhookToken)) != 1 {
			return apierror.NewAPIError(apierror.ErrUnauthorized, "invalid webhook token", nil)
		}
		return nil
	}
	if req.SecretVerified || o.WebhookToken == "" {
		return nil
	}
	return apierror.NewAPIError(apierror.ErrUnauthorized, "webhook token required", nil)
}

// dispatchWebhook applies the event. On a redelivery, an order the event
// already moved gets the event's follow-ups again; they are keyed so none
// lands twice.
func (g *Giftpipe) dispatchWebhook(ctx context.Context, eventType string, o *model.Order, payload eventPayload, redelivery bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling %s: %v", eventType, r)
		}
	}()

	now := g.now().UTC()
	switch eventType {
	case model.EventRequestSucceeded:
		return g.onRequestSucceeded(ctx, o, payload, now)
	case model.EventRequestFailed:
		return g.onRequestFailed(ctx, o, payload, now)
	case model.EventTrackingObtained:
		return g.onTrackingObtained(ctx, o, payload, now, redelivery)
	case model.EventStatusUpdated:
		return g.onStatusUpdated(ctx, o, payload, now, redelivery)
	case model.EventCaseUpdated:
		return g.onCaseUpdated(ctx, o, payload, now, redelivery)
	case model.EventOrderCancelled:
		return g.onOrderCancelled(ctx, o, payload, now, redelivery)
	}
	return fmt.Errorf("no handler for event type %s", eventType)
}

// stampWebhook records that a webhook reached an order without changing
// anything else.
func (g *Giftpipe) stampWebhook(ctx context.Context, o *model.Order, now time.Time) error {
	_, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		o.WebhookReceivedAt = &now
		return nil
	})
	return err
}

func (g *Giftpipe) onRequestSucceeded(ctx context.Context, o *model.Order, p eventPayload, now time.Time) error {
	requestID := p.providerRequestID()
	var merchantIDs []string
	var deliveryDate string
	for _, m := range p.objects("merchant_order_ids", "data.merchant_order_ids") {
		if id := m.str("merchant_order_id"); id != "" {
			merchantIDs = append(merchantIDs, id)
		}
		if deliveryDate == "" {
			deliveryDate = m.str("delivery_date")
		}
	}
	deliveryDate = firstNonEmpty(deliveryDate, p.str("estimated_delivery", "delivery_date", "delivery_dates.0.date", "data.estimated_delivery"))
	trackingURL := p.str("tracking_url", "tracking.0.tracking_url", "data.tracking.0.tracking_url")
	var price *model.PriceBreakdown
	if pc := p.obj("price_components", "data.price_components"); pc != nil {
		subtotal, _ := pc.cents("subtotal")
		shipping, _ := pc.cents("shipping")
		tax, _ := pc.cents("tax")
		total, _ := pc.cents("total")
		price = &model.PriceBreakdown{Subtotal: subtotal, Shipping: shipping, Tax: tax, Total: total, Currency: pc.str("currency")}
	}

	_, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		o.WebhookReceivedAt = &now
		if model.IsTerminal(o.Status) || o.Status == model.OrderStatusShipped {
			return nil
		}
		if err := transition(o, model.OrderStatusProcessing); err != nil {
			return err
		}
		if len(merchantIDs) > 0 {
			o.Notes.MerchantOrderIDs = mergeIDs(o.Notes.MerchantOrderIDs, merchantIDs)
		}
		if trackingURL != "" {
			o.Notes.TrackingURL = trackingURL
		}
		if t := fulfillment.ParseProviderTime(deliveryDate); t != nil {
			o.EstimatedDelivery = t
		}
		if price != nil {
			o.Notes.PriceBreakdown = price
		}
		if requestID != "" && o.FulfillmentRequestID == "" {
			o.FulfillmentRequestID = requestID
			o.Notes.SubRequestIDs = []string{requestID}
		}
		o.Notes.PlacedAt = ptr.Time(now)
		o.Notes.ProviderStatus = fulfillment.StatusPlaced
		o.RetryReason = ""
		o.NextRetryAt = nil
		o.Notes.Retry = nil
		o.Notes.AddAudit(actorWebhook, "order placed by provider", now)
		return nil
	})
	return err
}

func (g *Giftpipe) onRequestFailed(ctx context.Context, o *model.Order, p eventPayload, now time.Time) error {
	code := p.str("code", "error.code", "data.code", "error_code")
	message := p.str("message", "error.message", "data.message", "error_message")
	requestID := p.providerRequestID()

	if model.IsTerminal(o.Status) || o.Status == model.OrderStatusShipped || isStaleRequest(o, requestID) {
		return g.stampWebhook(ctx, o, now)
	}

	cls := classifier.Classify(code, message)
	logrus.WithFields(logrus.Fields{
		"order_id":       o.ID,
		"code":           cls.Code,
		"classification": cls.Type,
	}).Warn("fulfillment request failed")

	_, _, err := g.applyFailure(ctx, o, failure{cls: cls, actor: actorWebhook, requestID: requestID, receivedAt: &now})
	if errors.Is(err, errNoChange) {
		return g.stampWebhook(ctx, o, now)
	}
	return err
}

func (g *Giftpipe) onTrackingObtained(ctx context.Context, o *model.Order, p eventPayload, now time.Time, redelivery bool) error {
	tracking := p.obj("tracking.0", "data.tracking.0")
	if tracking == nil {
		tracking = p
	}
	number := tracking.str("tracking_number")
	carrier := tracking.str("carrier")
	trackingURL := tracking.str("tracking_url")
	if number == "" {
		logrus.WithField("order_id", o.ID).Warn("tracking webhook carries no tracking number")
		return g.stampWebhook(ctx, o, now)
	}

	var shipped bool
	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		shipped = false
		o.WebhookReceivedAt = &now
		if model.IsTerminal(o.Status) {
			return nil
		}
		if o.TrackingNumber == number && o.Status == model.OrderStatusShipped {
			shipped = redelivery
			return nil
		}
		o.TrackingNumber = number
		if carrier != "" {
			o.Notes.Carrier = carrier
		}
		if trackingURL != "" {
			o.Notes.TrackingURL = trackingURL
		}
		if CanTransition(o.Status, model.OrderStatusShipped) || o.Status == model.OrderStatusShipped {
			o.Status = model.OrderStatusShipped
			shipped = true
		}
		o.Notes.AddAudit(actorWebhook, "tracking number "+number+" obtained", now)
		return nil
	})
	if err != nil || !shipped {
		return err
	}

	err = g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderShipped, model.NotificationPriorityNormal, map[string]interface{}{
		"tracking_number": number,
		"tracking_url":    trackingURL,
		"carrier":         carrier,
	})
	if err != nil {
		return err
	}
	g.emitOrderEvent(ctx, EventOrderShipped, updated)
	return nil
}

func (g *Giftpipe) onStatusUpdated(ctx context.Context, o *model.Order, p eventPayload, now time.Time, redelivery bool) error {
	providerStatus := p.str("status", "data.status", "order_status")
	target, known := mapProviderStatus(providerStatus)
	if !known {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "status": providerStatus}).Info("unmapped provider status")
	}

	statusReason := "provider reported status " + providerStatus
	var moved string
	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		moved = ""
		o.WebhookReceivedAt = &now
		if providerStatus != "" {
			o.Notes.ProviderStatus = providerStatus
		}
		if redelivery && target == model.OrderStatusCancelled && cancelledByWebhook(o) && o.Notes.Cancellation.Reason == statusReason {
			moved = model.OrderStatusCancelled
			return nil
		}
		if !known || model.IsTerminal(o.Status) {
			return nil
		}
		to := target
		if to == model.OrderStatusFailed {
			// a bare failed status carries no error code; leave it for review
			to = model.OrderStatusRequiresAttention
		}
		if o.Status == to || !CanTransition(o.Status, to) {
			return nil
		}
		switch to {
		case model.OrderStatusCancelled:
			if o.Status == model.OrderStatusProcessing {
				o.Notes.RefundFlag = model.RefundFlagAwaitingProviderRefund
			}
			o.Notes.Cancellation = &model.CancellationDetails{
				Reason:         statusReason,
				CancelledBy:    actorWebhook,
				RefundExpected: o.PaymentStatus == model.PaymentStatusSucceeded,
				CancelledAt:    now,
			}
		case model.OrderStatusRequiresAttention:
			o.NextRetryAt = nil
			o.Notes.Retry = nil
			o.AdminMessage = "Provider reported status " + providerStatus + " without an error event"
		default:
			if !advances(o.Status, to) {
				return nil
			}
		}
		moved = to
		o.Notes.AddAudit(actorWebhook, fmt.Sprintf("provider status %s moved order from %s to %s", providerStatus, o.Status, to), now)
		o.Status = to
		return nil
	})
	if err != nil {
		return err
	}

	switch moved {
	case model.OrderStatusShipped:
		g.emitOrderEvent(ctx, EventOrderShipped, updated)
	case model.OrderStatusCancelled:
		g.emitOrderEvent(ctx, EventOrderCancelled, updated)
		return g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderCancelled, model.NotificationPriorityHigh, map[string]interface{}{
			"reason": updated.Notes.Cancellation.Reason,
		})
	case model.OrderStatusRequiresAttention:
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertFulfillmentFailed,
			Severity:       model.SeverityWarning,
			OrderID:        updated.ID,
			Message:        updated.AdminMessage,
			RequiresAction: true,
		})
	}
	return nil
}

// Case outcomes.
const (
	caseRefunded = "refunded"
	caseForced   = "forced_cancellation"
	caseReview   = "review"
)

const refundSourceCase = "fulfillment_case"

func (g *Giftpipe) onCaseUpdated(ctx context.Context, o *model.Order, p eventPayload, now time.Time, redelivery bool) error {
	details := &model.CaseDetails{
		CaseID:     p.str("case.id", "case.case_id", "case_id"),
		Status:     p.str("case.status", "case_status"),
		Reason:     p.str("case.reason", "reason", "case.message", "message"),
		Resolution: strings.ToLower(p.str("case.resolution", "resolution", "case.action", "action")),
		UpdatedAt:  now,
	}
	refundAmount, hasAmount := p.cents("case.refund_amount", "refund_amount", "case.amount", "amount")
	details.Amount = refundAmount
	refunded, _ := p.boolean("case.refunded", "refunded")
	refunded = refunded || strings.Contains(details.Resolution, "refund")
	forced := strings.Contains(details.Resolution, "cancel") || strings.Contains(details.Resolution, "abort")

	var outcome string
	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		outcome = ""
		o.WebhookReceivedAt = &now
		previous := o.Notes.Case
		o.Notes.Case = details
		if redelivery && o.Status == model.OrderStatusCancelled && previous != nil && previous.CaseID == details.CaseID {
			switch {
			case refunded && o.Notes.RefundFlag == model.RefundFlagPendingCustomerRefund:
				outcome = caseRefunded
			case forced && o.Notes.RefundFlag == model.RefundFlagAwaitingProviderRefund:
				outcome = caseForced
			}
			return nil
		}
		if model.IsTerminal(o.Status) {
			return nil
		}
		switch {
		case refunded:
			outcome = caseRefunded
			if err := transition(o, model.OrderStatusCancelled); err != nil {
				return err
			}
			o.Notes.RefundFlag = model.RefundFlagPendingCustomerRefund
			o.Notes.Cancellation = &model.CancellationDetails{
				Reason:         "provider refunded through case " + details.CaseID,
				CancelledBy:    actorWebhook,
				RefundExpected: true,
				CancelledAt:    now,
			}
		case forced:
			outcome = caseForced
			if err := transition(o, model.OrderStatusCancelled); err != nil {
				return err
			}
			o.Notes.RefundFlag = model.RefundFlagAwaitingProviderRefund
			o.Notes.Cancellation = &model.CancellationDetails{
				Reason:         "provider cancelled through case " + details.CaseID,
				CancelledBy:    actorWebhook,
				RefundExpected: true,
				CancelledAt:    now,
			}
		default:
			outcome = caseReview
			if err := transition(o, model.OrderStatusRequiresAttention); err != nil {
				return err
			}
			o.NextRetryAt = nil
			o.Notes.Retry = nil
			o.AdminMessage = "Provider opened case " + details.CaseID + ": " + details.Reason
		}
		o.Notes.AddAudit(actorWebhook, fmt.Sprintf("case %s %s", details.CaseID, outcome), now)
		return nil
	})
	if err != nil {
		return err
	}

	switch outcome {
	case caseRefunded:
		return g.requestCaseRefund(ctx, updated, details, refundAmount, hasAmount)
	case caseForced:
		g.emitOrderEvent(ctx, EventOrderCancelled, updated)
		return g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderCancelled, model.NotificationPriorityHigh, map[string]interface{}{
			"reason": details.Reason,
		})
	case caseReview:
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertCaseOpened,
			Severity:       model.SeverityWarning,
			OrderID:        updated.ID,
			Message:        updated.AdminMessage,
			RequiresAction: true,
			Metadata:       map[string]interface{}{"case_id": details.CaseID, "case_status": details.Status},
		})
	}
	return nil
}

// requestCaseRefund records the refund the provider already issued so the
// customer can be refunded after approval.
func (g *Giftpipe) requestCaseRefund(ctx context.Context, o *model.Order, details *model.CaseDetails, amount decimal.Decimal, hasAmount bool) error {
	refundType := model.RefundTypeFull
	if !hasAmount || !amount.IsPositive() || amount.GreaterThanOrEqual(o.TotalAmount) {
		amount = o.TotalAmount
	} else {
		refundType = model.RefundTypePartial
	}

	refund := &model.RefundRequest{
		OrderID:    o.ID,
		Amount:     amount,
		Reason:     firstNonEmpty(details.Reason, "refunded by fulfillment provider"),
		Status:     model.RefundStatusPending,
		RefundType: refundType,
		Metadata:   map[string]interface{}{"case_id": details.CaseID, "source": refundSourceCase},
		CreatedAt:  g.now().UTC(),
	}
	created, err := g.datasource.CreateRefundRequest(ctx, refund)
	if err != nil {
		return err
	}
	if !created {
		existing, err := g.datasource.GetPendingRefund(ctx, o.ID)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "refund_request_id": existing.ID}).Info("pending refund already exists")
		if source, _ := existing.Metadata["source"].(string); source != refundSourceCase {
			return nil
		}
		// an earlier delivery opened it; make sure approval was requested
		return g.enqueueAdminNotification(ctx, o, model.NotificationRefundNeedsApproval, map[string]interface{}{
			"refund_request_id": existing.ID,
			"amount":            existing.Amount.StringFixed(2),
			"refund_type":       existing.RefundType,
			"case_id":           details.CaseID,
		})
	}

	g.emitOrderEvent(ctx, EventOrderCancelled, o)
	g.raiseAlert(ctx, &model.AdminAlert{
		AlertType:      model.AlertRefundNeedsApproval,
		Severity:       model.SeverityWarning,
		OrderID:        o.ID,
		Message:        fmt.Sprintf("%s refund of %s for order %s needs approval", refundType, amount.StringFixed(2), o.OrderNumber),
		RequiresAction: true,
		Metadata:       map[string]interface{}{"refund_request_id": refund.ID, "case_id": details.CaseID},
	})
	return g.enqueueAdminNotification(ctx, o, model.NotificationRefundNeedsApproval, map[string]interface{}{
		"refund_request_id": refund.ID,
		"amount":            amount.StringFixed(2),
		"refund_type":       refundType,
		"case_id":           details.CaseID,
	})
}

func (g *Giftpipe) onOrderCancelled(ctx context.Context, o *model.Order, p eventPayload, now time.Time, redelivery bool) error {
	reason := firstNonEmpty(p.str("reason", "cancellation_reason", "data.reason", "message"), "cancelled by fulfillment provider")
	refundExpected, stated := p.boolean("refund_expected", "data.refund_expected")

	var cancelled bool
	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		cancelled = false
		o.WebhookReceivedAt = &now
		if redelivery && cancelledByWebhook(o) && o.Notes.Cancellation.Reason == reason {
			cancelled = true
			return nil
		}
		if model.IsTerminal(o.Status) {
			return nil
		}
		if o.Status == model.OrderStatusProcessing {
			o.Notes.RefundFlag = model.RefundFlagAwaitingProviderRefund
		}
		expected := refundExpected
		if !stated {
			expected = o.PaymentStatus == model.PaymentStatusSucceeded
		}
		o.Notes.Cancellation = &model.CancellationDetails{
			Reason:         reason,
			CancelledBy:    actorWebhook,
			RefundExpected: expected,
			CancelledAt:    now,
		}
		o.NextRetryAt = nil
		o.Notes.Retry = nil
		o.Notes.AddAudit(actorWebhook, "cancellation confirmed by provider: "+reason, now)
		cancelled = true
		return transition(o, model.OrderStatusCancelled)
	})
	if err != nil || !cancelled {
		return err
	}

	g.emitOrderEvent(ctx, EventOrderCancelled, updated)
	return g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderCancelled, model.NotificationPriorityHigh, map[string]interface{}{
		"reason": reason,
	})
}

// cancelledByWebhook reports an order a provider event already cancelled.
func cancelledByWebhook(o *model.Order) bool {
	return o.Status == model.OrderStatusCancelled && o.Notes.Cancellation != nil && o.Notes.Cancellation.CancelledBy == actorWebhook
}

// isStaleRequest reports a failure for a provider request the order no longer
// tracks, such as one superseded by a retry.
func isStaleRequest(o *model.Order, requestID string) bool {
	if requestID == "" || o.FulfillmentRequestID == "" {
		return false
	}
	if requestID == o.FulfillmentRequestID {
		return false
	}
	for _, id := range o.Notes.SubRequestIDs {
		if id == requestID {
			return false
		}
	}
	return true
}

func mergeIDs(existing, ids []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}
