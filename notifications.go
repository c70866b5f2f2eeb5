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
	"fmt"
	"strconv"

	"github.com/giftpipe/giftpipe/model"
	"github.com/sirupsen/logrus"
)

// enqueueCustomerNotification writes one email to the outbox for the order's
// recipient. The recipient comes from the order's shipping snapshot and falls
// back to the account profile. Orders with no reachable address are logged and
// skipped.
func (g *Giftpipe) enqueueCustomerNotification(ctx context.Context, o *model.Order, eventType, priority string, vars map[string]interface{}) error {
	email, name := o.RecipientEmail()
	if email == "" {
		profile, err := g.datasource.GetUserProfile(ctx, o.UserID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Warn("no recipient for customer notification")
			return nil
		}
		email, name = profile.Email, profile.DisplayName
	}
	if email == "" {
		logrus.WithField("order_id", o.ID).Warn("no recipient for customer notification")
		return nil
	}

	if vars == nil {
		vars = map[string]interface{}{}
	}
	vars["order_number"] = o.OrderNumber
	return g.datasource.EnqueueNotification(ctx, &model.NotificationRequest{
		OrderID:           o.ID,
		RecipientEmail:    email,
		RecipientName:     name,
		EventType:         eventType,
		TemplateVariables: vars,
		Priority:          priority,
		ScheduledFor:      g.now().UTC(),
		Status:            model.NotificationStatusPending,
		DedupeKey:         notificationKey(o, eventType, vars),
	})
}

// notificationKey names one logical notification for an order, so a
// redelivered webhook that reruns its follow-ups never queues a second copy.
func notificationKey(o *model.Order, eventType string, vars map[string]interface{}) string {
	key := o.ID + ":" + eventType
	switch eventType {
	case model.NotificationOrderShipped:
		key += ":" + o.TrackingNumber
	case model.NotificationOrderFailed:
		key += ":" + strconv.Itoa(o.RetryCount)
	case model.NotificationRefundNeedsApproval:
		if id, ok := vars["refund_request_id"]; ok {
			key += ":" + fmt.Sprint(id)
		}
	}
	return key
}

// enqueueAdminNotification writes an email for the operations mailbox. It is a
// no-op when no admin address is configured.
func (g *Giftpipe) enqueueAdminNotification(ctx context.Context, o *model.Order, eventType string, vars map[string]interface{}) error {
	if g.config.Notification.AdminEmail == "" {
		return nil
	}
	if vars == nil {
		vars = map[string]interface{}{}
	}
	vars["order_number"] = o.OrderNumber
	vars["order_id"] = o.ID
	return g.datasource.EnqueueNotification(ctx, &model.NotificationRequest{
		OrderID:           o.ID,
		RecipientEmail:    g.config.Notification.AdminEmail,
		RecipientName:     "Operations",
		EventType:         eventType,
		TemplateVariables: vars,
		Priority:          model.NotificationPriorityHigh,
		ScheduledFor:      g.now().UTC(),
		Status:            model.NotificationStatusPending,
		DedupeKey:         notificationKey(o, eventType, vars),
	})
}

// raiseAlert records an admin alert. Critical alerts are also posted to Slack
// in the background.
func (g *Giftpipe) raiseAlert(ctx context.Context, alert *model.AdminAlert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = g.now().UTC()
	}
	if err := g.datasource.CreateAdminAlert(ctx, alert); err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id":   alert.OrderID,
			"alert_type": alert.AlertType,
			"error":      err,
		}).Error("failed to record admin alert")
	}
	if alert.Severity == model.SeverityCritical {
		g.notifier.NotifyAlertAsync(*alert)
	}
}
