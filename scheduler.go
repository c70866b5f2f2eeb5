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
	"time"

	"github.com/giftpipe/giftpipe/internal/cache"
	"github.com/giftpipe/giftpipe/internal/classifier"
	"github.com/giftpipe/giftpipe/internal/fulfillment"
	redlock "github.com/giftpipe/giftpipe/internal/lock"
	"github.com/giftpipe/giftpipe/internal/metrics"
	"github.com/giftpipe/giftpipe/internal/payments"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// BatchJobName names the batch run in cron logs and its redis lock.
const BatchJobName = "process_scheduled_orders"

const (
	actorBatch    = "batch_scheduler"
	actorWebhook  = "fulfillment_webhook"
	actorSecurity = "security_validator"

	requestCacheTTL   = 30 * 24 * time.Hour
	missedAlertWindow = 24 * time.Hour
)

// orderRun tracks one order through a batch step. claimed is set once the
// step owns the order through the processing lock.
type orderRun struct {
	order   *model.Order
	claimed bool
}

type orderStep func(ctx context.Context, run *orderRun) (model.OrderResult, error)

// failure describes a provider or system failure to record on an order.
type failure struct {
	cls   classifier.Classification
	actor string
	// requestID is the provider request that failed, when known.
	requestID string
	// subIDs, when set, replaces the order's sub-request ids before the
	// failure is applied.
	subIDs []string
	// receivedAt stamps webhook_received_at for failures reported by webhook.
	receivedAt *time.Time
}

// ProcessScheduledOrders runs one batch: every due order is validated, claimed,
// paid for and submitted, then orders waiting on a retry are retried and
// missed deliveries are flagged. Per-order failures never abort the batch;
// each order contributes one result to the returned cron log.
func (g *Giftpipe) ProcessScheduledOrders(ctx context.Context) (*model.CronExecutionLog, error) {
	ctx, span := tracer.Start(ctx, "Processing scheduled orders")
	defer span.End()

	started := g.now()
	entry := &model.CronExecutionLog{
		JobName:   BatchJobName,
		Status:    model.CronStatusRunning,
		StartedAt: started.UTC(),
		Results:   []model.OrderResult{},
	}

	locker := redlock.NewLocker(g.redis, redlock.BatchKey(BatchJobName), model.GenerateUUIDWithSuffix("batch"))
	err := locker.Lock(ctx, g.config.Scheduler.LockTTL())
	switch {
	case errors.Is(err, redlock.ErrLockHeld):
		entry.Status = model.CronStatusSkipped
		entry.CompletedAt = ptr.Time(started.UTC())
		entry.ErrorMessage = "another batch run is in progress"
		if err := g.datasource.CreateCronLog(ctx, entry); err != nil {
			return nil, err
		}
		metrics.BatchRunsTotal.WithLabelValues(model.CronStatusSkipped).Inc()
		logrus.Info("batch run skipped, lock is held by another run")
		return entry, nil
	case err != nil:
		logrus.WithError(err).Warn("batch lock unavailable, running without it")
	default:
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				logrus.WithError(err).Warn("failed to release batch lock")
			}
		}()
	}

	if err := g.datasource.CreateCronLog(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	cutoff := started.Add(g.config.Fulfillment.LeadTime())
	due, err := g.datasource.GetDueOrders(ctx, cutoff, started)
	if err != nil {
		g.finishCronLog(ctx, entry, err)
		return entry, err
	}
	logrus.WithFields(logrus.Fields{"due": len(due), "cutoff": cutoff.Format(time.RFC3339)}).Info("batch run started")

	runErr := g.processAll(ctx, entry, due, g.processOrder)
	if runErr != nil {
		logrus.WithFields(logrus.Fields{
			"processed": len(entry.Results),
			"due":       len(due),
			"error":     runErr,
		}).Warn("batch interrupted, skipping retry sweep and missed order detection")
	} else {
		retryable, err := g.datasource.GetRetryableOrders(ctx, g.now())
		if err != nil {
			logrus.WithError(err).Error("failed to load orders awaiting retry")
		} else {
			runErr = g.processAll(ctx, entry, retryable, g.retryOrder)
			if runErr != nil {
				logrus.WithFields(logrus.Fields{
					"processed": len(entry.Results),
					"retryable": len(retryable),
					"error":     runErr,
				}).Warn("retry sweep interrupted, skipping missed order detection")
			}
		}
	}
	if runErr == nil {
		g.detectMissedOrders(ctx)
	}

	g.finishCronLog(ctx, entry, runErr)
	return entry, nil
}

// processAll folds step over orders, pausing between orders. It stops early
// only when ctx is done.
func (g *Giftpipe) processAll(ctx context.Context, entry *model.CronExecutionLog, orders []*model.Order, step orderStep) error {
	delay := g.config.Fulfillment.InterOrderDelay()
	for _, o := range orders {
		if len(entry.Results) > 0 {
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
		}
		entry.Results = append(entry.Results, g.processOrderSafely(ctx, o, step))
	}
	return nil
}

// processOrderSafely runs step for one order and turns any error or panic
// into a system-error result.
func (g *Giftpipe) processOrderSafely(ctx context.Context, o *model.Order, step orderStep) (result model.OrderResult) {
	run := &orderRun{order: o}
	defer func() {
		if r := recover(); r != nil {
			result = g.recoverOrder(ctx, run, fmt.Errorf("panic while processing order: %v", r))
		}
	}()

	var err error
	result, err = step(ctx, run)
	if err != nil {
		return g.recoverOrder(ctx, run, err)
	}
	return result
}

// recoverOrder handles an unexpected failure. An order this run claimed is
// released back to scheduled with the system-error retry policy.
func (g *Giftpipe) recoverOrder(ctx context.Context, run *orderRun, cause error) model.OrderResult {
	o := run.order
	logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": cause}).Error("unexpected error while processing order")

	cls := classifier.SystemError(cause.Error())
	result := model.OrderResult{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		Outcome:        model.OutcomeError,
		Classification: string(cls.Type),
		Message:        cause.Error(),
	}
	if !run.claimed {
		return result
	}

	current, err := g.datasource.GetOrderByID(ctx, o.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Error("failed to reload order after system error")
		return result
	}
	if current.Status != model.OrderStatusProcessing {
		return result
	}
	if _, _, err := g.applyFailure(ctx, current, failure{cls: cls, actor: actorBatch}); err != nil && !errors.Is(err, errNoChange) {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Error("failed to release order after system error")
	}
	return result
}

// processOrder takes one due order through validation, claim and submission.
func (g *Giftpipe) processOrder(ctx context.Context, run *orderRun) (model.OrderResult, error) {
	o := run.order
	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber}

	validation := g.validator.Validate(ctx, ValidationInput{
		UserID:        o.UserID,
		OrderID:       o.ID,
		Amount:        o.TotalAmount,
		IsScheduled:   true,
		ScheduledDate: o.ScheduledDeliveryDate,
	})
	if validation.Blocked {
		return g.blockOrder(ctx, o, validation)
	}

	claimed, err := g.datasource.ClaimOrder(ctx, o.ID, model.OrderStatusScheduled, model.OrderStatusProcessing)
	if err != nil {
		return result, err
	}
	if claimed == nil {
		result.Outcome = model.OutcomeSkipped
		result.Message = "order was claimed by another run"
		return result, nil
	}
	run.order, run.claimed = claimed, true

	return g.fulfil(ctx, claimed)
}

// retryOrder retries an order whose retry delay has passed, through the
// provider's native retry when the recorded plan asks for it.
func (g *Giftpipe) retryOrder(ctx context.Context, run *orderRun) (model.OrderResult, error) {
	o := run.order
	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber}

	claimed, err := g.datasource.ClaimOrder(ctx, o.ID, model.OrderStatusRequiresAttention, model.OrderStatusProcessing)
	if err != nil {
		return result, err
	}
	if claimed == nil {
		result.Outcome = model.OutcomeSkipped
		result.Message = "order was claimed by another run"
		return result, nil
	}
	run.order, run.claimed = claimed, true

	if plan := claimed.Notes.Retry; plan != nil && plan.UseNativeRetry {
		if requestID := firstNonEmpty(plan.RequestID, claimed.FulfillmentRequestID); requestID != "" {
			return g.nativeRetry(ctx, claimed, requestID)
		}
	}
	return g.fulfil(ctx, claimed)
}

func (g *Giftpipe) blockOrder(ctx context.Context, o *model.Order, validation ValidationResult) (model.OrderResult, error) {
	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber}
	var reasons []string
	for _, check := range validation.Checks {
		if check.Blocked {
			reasons = append(reasons, check.Message)
		}
	}
	reason := strings.Join(reasons, "; ")
	now := g.now().UTC()

	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if o.Status != model.OrderStatusScheduled {
			return errNoChange
		}
		if err := transition(o, model.OrderStatusFailed); err != nil {
			return err
		}
		o.ErrorClassification = model.AlertSecurityBlocked
		o.AdminMessage = "Blocked by security validation: " + reason
		o.NextRetryAt = nil
		o.Notes.Retry = nil
		o.Notes.AddAudit(actorSecurity, "order blocked: "+reason, now)
		return nil
	})
	if errors.Is(err, errNoChange) {
		result.Outcome = model.OutcomeSkipped
		result.Message = "order left scheduled before it could be blocked"
		return result, nil
	}
	if err != nil {
		return result, err
	}

	g.raiseAlert(ctx, &model.AdminAlert{
		AlertType:      model.AlertSecurityBlocked,
		Severity:       model.SeverityCritical,
		OrderID:        updated.ID,
		Message:        updated.AdminMessage,
		RequiresAction: true,
		Metadata:       map[string]interface{}{"user_id": updated.UserID, "warnings": validation.Warnings},
	})
	g.emitOrderEvent(ctx, EventOrderFailed, updated)

	logrus.WithFields(logrus.Fields{"order_id": o.ID, "reason": reason}).Warn("order blocked by security validation")
	result.Outcome = model.OutcomeBlocked
	result.Classification = model.AlertSecurityBlocked
	result.Message = reason
	return result, nil
}

// fulfil captures payment when needed and submits every unsubmitted delivery
// group of an order this run holds in processing.
func (g *Giftpipe) fulfil(ctx context.Context, o *model.Order) (model.OrderResult, error) {
	ctx, span := tracer.Start(ctx, "Submitting order")
	defer span.End()

	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber}

	captured := false
	switch o.PaymentStatus {
	case model.PaymentStatusSucceeded:
	case model.PaymentStatusIntentCreated:
		ok, reason := g.capturePayment(ctx, o)
		if !ok {
			return g.revertToScheduled(ctx, o, "payment capture failed: "+reason)
		}
		captured = true
	default:
		return g.revertToScheduled(ctx, o, fmt.Sprintf("payment status %q cannot be captured", o.PaymentStatus))
	}

	token := model.NewWebhookToken()
	prepared, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if o.Status != model.OrderStatusProcessing {
			return errNoChange
		}
		if captured {
			o.PaymentStatus = model.PaymentStatusSucceeded
		}
		// groups already at the provider were handed the current token
		if firstNonEmpty(o.Notes.SubRequestIDs...) == "" || o.WebhookToken == "" {
			o.WebhookToken = token
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		result.Outcome = model.OutcomeSkipped
		result.Message = "order left processing before submission"
		return result, nil
	}
	if err != nil {
		return result, err
	}

	groups := submissionGroups(prepared)
	subIDs := make([]string, len(groups))
	copy(subIDs, prepared.Notes.SubRequestIDs)

	var submitErr error
	for i, group := range groups {
		if subIDs[i] != "" {
			continue
		}
		resp, err := g.provider.Submit(ctx, g.submitRequest(prepared, group, i, len(groups)))
		if err != nil {
			submitErr = err
			break
		}
		subIDs[i] = resp.RequestID
		g.cacheRequestID(ctx, resp.RequestID, prepared.ID)
	}

	if submitErr != nil {
		span.RecordError(submitErr)
		code, message := fulfillment.Describe(submitErr)
		cls := classifier.Classify(code, message)
		logrus.WithFields(logrus.Fields{
			"order_id":       prepared.ID,
			"code":           cls.Code,
			"classification": cls.Type,
		}).Warn("fulfillment submission failed")

		_, outcome, err := g.applyFailure(ctx, prepared, failure{cls: cls, actor: actorBatch, subIDs: subIDs})
		if errors.Is(err, errNoChange) {
			result.Outcome = model.OutcomeSkipped
			result.Message = "order reached a final state during submission"
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result.Outcome = outcome
		result.Classification = string(cls.Type)
		result.Message = cls.AdminMessage
		return result, nil
	}

	now := g.now().UTC()
	submitted, err := g.mutateOrder(ctx, prepared, func(o *model.Order) error {
		o.Notes.SubRequestIDs = append([]string(nil), subIDs...)
		o.FulfillmentRequestID = firstNonEmpty(subIDs...)
		if o.Status == model.OrderStatusProcessing {
			o.RetryReason = ""
			o.NextRetryAt = nil
			o.ErrorClassification = ""
			o.AdminMessage = ""
			o.Notes.Retry = nil
		}
		o.Notes.AddAudit(actorBatch, "submitted to fulfillment provider as "+strings.Join(subIDs, ", "), now)
		return nil
	})
	if err != nil {
		return result, err
	}

	g.validator.RecordSubmission(ctx, submitted)
	g.emitOrderEvent(ctx, EventOrderSubmitted, submitted)

	logrus.WithFields(logrus.Fields{
		"order_id":   submitted.ID,
		"request_id": submitted.FulfillmentRequestID,
		"groups":     len(groups),
	}).Info("order submitted for fulfillment")

	result.Outcome = model.OutcomeSubmitted
	if submitted.RetryCount > 0 {
		result.Outcome = model.OutcomeRetried
	}
	result.RequestID = submitted.FulfillmentRequestID
	return result, nil
}

// nativeRetry asks the provider to retry a request it already holds. The
// retry attempt was counted when the retry was scheduled.
func (g *Giftpipe) nativeRetry(ctx context.Context, o *model.Order, requestID string) (model.OrderResult, error) {
	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber}

	resp, err := g.provider.Retry(ctx, requestID)
	if err != nil {
		code, message := fulfillment.Describe(err)
		cls := classifier.Classify(code, message)
		_, outcome, err := g.applyFailure(ctx, o, failure{cls: cls, actor: actorBatch, requestID: requestID})
		if errors.Is(err, errNoChange) {
			result.Outcome = model.OutcomeSkipped
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result.Outcome = outcome
		result.Classification = string(cls.Type)
		result.Message = cls.AdminMessage
		return result, nil
	}

	now := g.now().UTC()
	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if o.Status != model.OrderStatusProcessing {
			return errNoChange
		}
		replaceRequestID(o, requestID, resp.RequestID)
		o.RetryReason = ""
		o.NextRetryAt = nil
		o.Notes.Retry = nil
		o.Notes.AddAudit(actorBatch, fmt.Sprintf("provider retry of %s accepted as %s", requestID, resp.RequestID), now)
		return nil
	})
	if errors.Is(err, errNoChange) {
		result.Outcome = model.OutcomeSkipped
		return result, nil
	}
	if err != nil {
		return result, err
	}
	g.cacheRequestID(ctx, resp.RequestID, updated.ID)

	result.Outcome = model.OutcomeRetried
	result.RequestID = resp.RequestID
	return result, nil
}

// applyFailure records a classified failure. A retryable failure within its
// budget consumes one retry and parks the order until next_retry_at; anything
// else fails the order for good. Terminal orders are left untouched and
// reported as errNoChange. Side effects run once the change is persisted.
func (g *Giftpipe) applyFailure(ctx context.Context, o *model.Order, f failure) (*model.Order, string, error) {
	now := g.now().UTC()
	var retrying bool

	updated, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if model.IsTerminal(o.Status) {
			return errNoChange
		}
		if f.receivedAt != nil {
			o.WebhookReceivedAt = f.receivedAt
		}
		if f.subIDs != nil {
			o.Notes.SubRequestIDs = append([]string(nil), f.subIDs...)
			o.FulfillmentRequestID = firstNonEmpty(f.subIDs...)
		}
		o.ErrorClassification = string(f.cls.Type)
		o.AdminMessage = f.cls.AdminMessage
		o.RetryReason = f.cls.Code

		retrying = f.cls.CanRetry(o.RetryCount)
		if !retrying {
			o.NextRetryAt = nil
			o.Notes.Retry = nil
			o.Notes.AddAudit(f.actor, "failed: "+f.cls.AdminMessage, now)
			return transition(o, model.OrderStatusFailed)
		}

		native := f.cls.UseProviderNativeRetry && f.requestID != ""
		if !native && f.requestID != "" {
			// the failed request is dead; its group will be resubmitted
			dropRequestID(o, f.requestID)
		}
		next := now.Add(f.cls.RetryDelay())
		o.RetryCount++
		o.NextRetryAt = &next
		o.Notes.Retry = &model.RetryPlan{
			Classification: string(f.cls.Type),
			ErrorCode:      f.cls.Code,
			RequestID:      f.requestID,
			UseNativeRetry: native,
			MaxRetries:     f.cls.MaxRetries,
			ScheduledAt:    next,
		}
		o.Notes.AddAudit(f.actor, fmt.Sprintf("retry %d of %d scheduled for %s: %s", o.RetryCount, f.cls.MaxRetries, next.Format(time.RFC3339), f.cls.Code), now)

		target := model.OrderStatusScheduled
		if native || f.actor == actorWebhook {
			target = model.OrderStatusRequiresAttention
		}
		if !CanTransition(o.Status, target) {
			target = model.OrderStatusScheduled
		}
		return transition(o, target)
	})
	if err != nil {
		return updated, "", err
	}

	if retrying {
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertRetryScheduled,
			Severity:       model.SeverityInfo,
			OrderID:        updated.ID,
			Message:        f.cls.AdminMessage,
			RequiresAction: false,
			Metadata: map[string]interface{}{
				"retry_count":   updated.RetryCount,
				"max_retries":   f.cls.MaxRetries,
				"next_retry_at": updated.NextRetryAt,
				"native_retry":  updated.Notes.Retry.UseNativeRetry,
			},
		})
		return updated, model.OutcomeRetryScheduled, nil
	}

	if f.cls.RequiresAdminIntervention || f.cls.ShouldRetry {
		severity := f.cls.AlertLevel
		if f.cls.Type == classifier.AccountCritical {
			severity = model.SeverityCritical
		}
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertFulfillmentFailed,
			Severity:       severity,
			OrderID:        updated.ID,
			Message:        f.cls.AdminMessage,
			RequiresAction: true,
			Metadata: map[string]interface{}{
				"classification": f.cls.Type,
				"code":           f.cls.Code,
				"retry_count":    updated.RetryCount,
			},
		})
	}
	err = g.enqueueCustomerNotification(ctx, updated, model.NotificationOrderFailed, model.NotificationPriorityHigh, map[string]interface{}{
		"message": f.cls.UserFriendlyMessage,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": updated.ID, "error": err}).Error("failed to queue failure notification")
	}
	g.emitOrderEvent(ctx, EventOrderFailed, updated)
	return updated, model.OutcomeFailed, nil
}

// revertToScheduled releases an order this run claimed without consuming a
// retry.
func (g *Giftpipe) revertToScheduled(ctx context.Context, o *model.Order, reason string) (model.OrderResult, error) {
	result := model.OrderResult{OrderID: o.ID, OrderNumber: o.OrderNumber, Outcome: model.OutcomeSkipped, Message: reason}
	now := g.now().UTC()
	_, err := g.mutateOrder(ctx, o, func(o *model.Order) error {
		if o.Status != model.OrderStatusProcessing {
			return errNoChange
		}
		o.Notes.AddAudit(actorBatch, "released: "+reason, now)
		return transition(o, model.OrderStatusScheduled)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return result, err
	}
	logrus.WithFields(logrus.Fields{"order_id": o.ID, "reason": reason}).Info("order released back to scheduled")
	return result, nil
}

func (g *Giftpipe) capturePayment(ctx context.Context, o *model.Order) (bool, string) {
	if g.payments == nil {
		return false, "no payment gateway configured"
	}
	res, err := g.payments.Capture(ctx, payments.CaptureRequest{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Amount:      o.TotalAmount,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Warn("payment capture failed")
		return false, err.Error()
	}
	if !res.Succeeded() {
		return false, fmt.Sprintf("capture returned %s %s", res.Status, res.Message)
	}
	return true, ""
}

// detectMissedOrders raises one alert per day for each order whose delivery
// date passed while it was still waiting to be processed.
func (g *Giftpipe) detectMissedOrders(ctx context.Context) {
	now := g.now()
	missed, err := g.datasource.GetMissedOrders(ctx, now)
	if err != nil {
		logrus.WithError(err).Error("failed to load missed orders")
		return
	}
	for _, o := range missed {
		exists, err := g.datasource.AlertExists(ctx, o.ID, model.AlertMissedDelivery, now.Add(-missedAlertWindow))
		if err != nil {
			logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Warn("failed to check missed delivery alert")
			continue
		}
		if exists {
			continue
		}
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertMissedDelivery,
			Severity:       model.SeverityWarning,
			OrderID:        o.ID,
			Message:        fmt.Sprintf("order %s was due on %s but is still %s", o.OrderNumber, o.ScheduledDeliveryDate.Format("2006-01-02"), o.Status),
			RequiresAction: true,
			Metadata:       map[string]interface{}{"status": o.Status, "scheduled_delivery_date": o.ScheduledDeliveryDate},
		})
	}
}

func (g *Giftpipe) finishCronLog(ctx context.Context, entry *model.CronExecutionLog, runErr error) {
	completed := g.now().UTC()
	entry.CompletedAt = ptr.Time(completed)
	entry.OrdersProcessed = len(entry.Results)
	entry.OrdersSucceeded, entry.OrdersFailed = 0, 0
	for _, r := range entry.Results {
		if r.Succeeded() {
			entry.OrdersSucceeded++
		}
		if r.Failed() {
			entry.OrdersFailed++
		}
		metrics.BatchOrdersTotal.WithLabelValues(r.Outcome).Inc()
	}
	entry.Status = model.CronStatusCompleted
	if runErr != nil {
		entry.Status = model.CronStatusFailed
		entry.ErrorMessage = runErr.Error()
	}

	if err := g.datasource.UpdateCronLog(context.WithoutCancel(ctx), entry); err != nil {
		logrus.WithFields(logrus.Fields{"cron_id": entry.ID, "error": err}).Error("failed to update cron log")
	}
	metrics.BatchRunsTotal.WithLabelValues(entry.Status).Inc()
	metrics.BatchDuration.Observe(completed.Sub(entry.StartedAt).Seconds())
}

func (g *Giftpipe) cacheRequestID(ctx context.Context, requestID, orderID string) {
	if g.cache == nil || requestID == "" {
		return
	}
	if err := g.cache.Set(ctx, cache.RequestKey(requestID), orderID, requestCacheTTL); err != nil {
		logrus.WithFields(logrus.Fields{"request_id": requestID, "error": err}).Debug("failed to cache request id")
	}
}

func (g *Giftpipe) submitRequest(o *model.Order, group model.DeliveryGroup, index, count int) fulfillment.SubmitRequest {
	products := make([]fulfillment.Product, 0, len(group.Items))
	subtotal := decimal.Zero
	for _, item := range group.Items {
		products = append(products, fulfillment.Product{ProductID: item.ProductID, Quantity: item.Quantity})
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if subtotal.IsZero() {
		subtotal = o.TotalAmount
	}
	buffer := decimal.NewFromInt(int64(100 + g.config.Fulfillment.MaxPriceBufferPercent)).Div(decimal.NewFromInt(100))
	maxPrice := subtotal.Mul(buffer).Mul(decimal.NewFromInt(100)).Ceil().IntPart()

	addr := group.Address
	if addr.FirstName == "" && addr.LastName == "" && group.RecipientName != "" {
		first, last, _ := strings.Cut(group.RecipientName, " ")
		addr.FirstName, addr.LastName = first, last
	}

	return fulfillment.SubmitRequest{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		WebhookToken:   o.WebhookToken,
		IdempotencyKey: fmt.Sprintf("%s-g%d-r%d", o.OrderNumber, index, o.RetryCount),
		RetryAttempt:   o.RetryCount,
		GroupIndex:     index,
		GroupCount:     count,
		Products:       products,
		ShippingAddress: fulfillment.Address{
			FirstName:    addr.FirstName,
			LastName:     addr.LastName,
			AddressLine1: addr.AddressLine,
			AddressLine2: addr.Line2,
			ZipCode:      addr.ZipCode,
			City:         addr.City,
			State:        addr.State,
			Country:      addr.Country,
			PhoneNumber:  addr.PhoneNumber,
		},
		GiftMessage:   group.GiftMessage,
		MaxPriceCents: maxPrice,
	}
}

// submissionGroups returns one group per provider order. Single-recipient
// orders ship every item to the order's shipping address.
func submissionGroups(o *model.Order) []model.DeliveryGroup {
	if o.HasMultipleRecipients && len(o.DeliveryGroups) > 1 {
		return o.DeliveryGroups
	}
	var merged model.DeliveryGroup
	if len(o.DeliveryGroups) > 0 {
		merged = o.DeliveryGroups[0]
	}
	merged.Items = o.Items()
	if o.ShippingAddress != nil {
		merged.Address = *o.ShippingAddress
	}
	return []model.DeliveryGroup{merged}
}

// replaceRequestID swaps a provider request id for the one that superseded it.
func replaceRequestID(o *model.Order, oldID, newID string) {
	replaced := false
	for i, id := range o.Notes.SubRequestIDs {
		if id == oldID {
			o.Notes.SubRequestIDs[i] = newID
			replaced = true
		}
	}
	if !replaced {
		o.Notes.SubRequestIDs = append(o.Notes.SubRequestIDs, newID)
	}
	o.FulfillmentRequestID = firstNonEmpty(o.Notes.SubRequestIDs...)
}

// dropRequestID forgets a dead provider request so its group is resubmitted.
// Positions are kept; sub-request ids line up with delivery groups.
func dropRequestID(o *model.Order, requestID string) {
	for i, id := range o.Notes.SubRequestIDs {
		if id == requestID {
			o.Notes.SubRequestIDs[i] = ""
		}
	}
	if o.FulfillmentRequestID == requestID {
		o.FulfillmentRequestID = firstNonEmpty(o.Notes.SubRequestIDs...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
