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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/internal/request"
	"github.com/giftpipe/giftpipe/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TaskSendWebhook is the asynq task type of an outbound merchant webhook.
const TaskSendWebhook = "giftpipe:send_webhook"

// Merchant-facing order events.
const (
	EventOrderSubmitted = "order.submitted"
	EventOrderFailed    = "order.failed"
	EventOrderShipped   = "order.shipped"
	EventOrderCancelled = "order.cancelled"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
	// Key, when set, collapses repeated enqueues of the same event while an
	// earlier one is still held by the queue.
	Key string `json:"-"`
}

// orderEvent is the order projection sent to merchants. Webhook tokens and
// internal admin messages stay out of it.
type orderEvent struct {
	OrderID              string     `json:"order_id"`
	OrderNumber          string     `json:"order_number"`
	Status               string     `json:"status"`
	FulfillmentRequestID string     `json:"fulfillment_request_id,omitempty"`
	TrackingNumber       string     `json:"tracking_number,omitempty"`
	TrackingURL          string     `json:"tracking_url,omitempty"`
	EstimatedDelivery    *time.Time `json:"estimated_delivery,omitempty"`
	ErrorClassification  string     `json:"error_classification,omitempty"`
	OccurredAt           time.Time  `json:"occurred_at"`
}

// emitOrderEvent queues a merchant webhook for the order. Failures are logged
// and never fail the caller.
func (g *Giftpipe) emitOrderEvent(ctx context.Context, event string, o *model.Order) {
	if g.queue == nil {
		return
	}
	err := g.queue.EnqueueWebhook(ctx, NewWebhook{
		Event: event,
		Key:   orderEventKey(event, o),
		Payload: orderEvent{
			OrderID:              o.ID,
			OrderNumber:          o.OrderNumber,
			Status:               o.Status,
			FulfillmentRequestID: o.FulfillmentRequestID,
			TrackingNumber:       o.TrackingNumber,
			TrackingURL:          o.Notes.TrackingURL,
			EstimatedDelivery:    o.EstimatedDelivery,
			ErrorClassification:  o.ErrorClassification,
			OccurredAt:           g.now().UTC(),
		},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "event": event, "error": err}).Warn("merchant webhook not queued")
	}
}

func orderEventKey(event string, o *model.Order) string {
	key := event + ":" + o.ID
	switch event {
	case EventOrderShipped:
		key += ":" + o.TrackingNumber
	case EventOrderSubmitted, EventOrderFailed:
		key += ":" + strconv.Itoa(o.RetryCount)
	}
	return key
}

// processHTTP sends a webhook notification via HTTP POST request, retrying
// transient failures with exponential backoff.
func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook, b backoff.BackOff) error {
	op := func() error {
		req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Webhook.Url, data)
		if err != nil {
			return backoff.Permanent(err)
		}
		for key, value := range conf.Notification.Webhook.Headers {
			req.Header.Set(key, value)
		}

		resp, err := request.Call(req, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("merchant webhook returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("merchant webhook rejected with HTTP %d", resp.StatusCode))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func webhookBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 4)
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task payload: %v", err)
		return fmt.Errorf("decode webhook payload: %v: %w", err, asynq.SkipRetry)
	}
	logrus.WithField("event", payload.Event).Info("processing merchant webhook")
	return processHTTP(ctx, conf, payload, webhookBackOff())
}
