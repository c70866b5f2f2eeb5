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

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/internal/request"
	"github.com/giftpipe/giftpipe/model"
	"github.com/sirupsen/logrus"
)

// Notifier escalates admin alerts to Slack. Delivery is best effort: a Slack
// outage never blocks the pipeline.
type Notifier struct {
	webhookURL string
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Enabled reports whether a Slack webhook is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// NotifyAlert posts the alert to Slack, retrying transient failures.
func (n *Notifier) NotifyAlert(ctx context.Context, alert model.AdminAlert) error {
	if !n.Enabled() {
		return nil
	}
	payload := alertMessage(alert)

	op := func() error {
		req, err := request.NewJSONRequest(ctx, http.MethodPost, n.webhookURL, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := request.Call(req, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("slack returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("slack rejected alert with HTTP %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(n.newBackOff(), n.maxRetries), ctx)
	return backoff.Retry(op, b)
}

// NotifyAlertAsync sends the alert in the background and only logs failures.
func (n *Notifier) NotifyAlertAsync(alert model.AdminAlert) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := n.NotifyAlert(ctx, alert); err != nil {
			logrus.WithFields(logrus.Fields{
				"alert_type": alert.AlertType,
				"order_id":   alert.OrderID,
				"error":      err,
			}).Error("failed to post admin alert to slack")
		}
	}()
}

func alertMessage(alert model.AdminAlert) json.RawMessage {
	header := "Giftpipe alert"
	if alert.Severity == model.SeverityCritical {
		header = "Giftpipe critical alert 🚨"
	}
	orderID := alert.OrderID
	if orderID == "" {
		orderID = "n/a"
	}
	msg := map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": header, "emoji": true},
			},
			map[string]interface{}{
				"type": "section",
				"fields": []interface{}{
					map[string]string{"type": "mrkdwn", "text": "*Type:*\n" + alert.AlertType},
					map[string]string{"type": "mrkdwn", "text": "*Order:*\n" + orderID},
				},
			},
			map[string]interface{}{
				"type": "section",
				"text": map[string]string{"type": "mrkdwn", "text": "*Message:*\n" + alert.Message},
			},
			map[string]interface{}{
				"type": "context",
				"elements": []interface{}{
					map[string]string{"type": "mrkdwn", "text": time.Now().Format(time.RFC822)},
				},
			},
		},
	}
	b, _ := json.Marshal(msg)
	return b
}

// NotifyError logs a system error and forwards it to Slack when configured.
func NotifyError(systemError error) {
	logrus.Error(systemError)

	conf, err := config.Fetch()
	if err != nil {
		return
	}
	NewNotifier(conf.Notification.Slack.WebhookUrl).NotifyAlertAsync(model.AdminAlert{
		AlertType: model.AlertSystemError,
		Severity:  model.SeverityCritical,
		Message:   systemError.Error(),
	})
}
