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

package database

import (
	"context"
	"encoding/json"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"go.opentelemetry.io/otel"
)

// EnqueueNotification writes a pending row to the email outbox. A row whose
// dedupe key is already queued is skipped.
func (d Datasource) EnqueueNotification(ctx context.Context, n *model.NotificationRequest) error {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Enqueueing notification")
	defer span.End()

	variablesJSON, err := json.Marshal(n.TemplateVariables)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal template variables", err)
	}
	if n.ID == "" {
		n.ID = model.GenerateUUIDWithSuffix("ntf")
	}
	if n.Status == "" {
		n.Status = model.NotificationStatusPending
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.email_queue (id, order_id, recipient_email, recipient_name, event_type, template_variables, priority, scheduled_for, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n.ID, nullString(n.OrderID), n.RecipientEmail, n.RecipientName, n.EventType, variablesJSON, n.Priority, n.ScheduledFor, n.Status, nullString(n.DedupeKey))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue notification", err)
	}
	return nil
}
