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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) GetWebhookDelivery(ctx context.Context, eventID, eventType string) (*model.WebhookDeliveryLog, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching webhook delivery")
	defer span.End()

	entry := &model.WebhookDeliveryLog{}
	var orderID, errMessage sql.NullString
	var metadata []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, order_id, delivery_status, error_message, metadata, created_at, updated_at
		FROM giftpipe.webhook_delivery_log
		WHERE event_id = $1 AND event_type = $2
	`, eventID, eventType).Scan(&entry.ID, &entry.EventID, &entry.EventType, &orderID, &entry.DeliveryStatus,
		&errMessage, &metadata, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook delivery '%s/%s' not found", eventType, eventID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve webhook delivery", err)
	}
	entry.OrderID = orderID.String
	entry.ErrorMessage = errMessage.String
	entry.Metadata = metadata
	return entry, nil
}

// ClaimWebhookDelivery records a received event and reports whether the
// caller now owns its processing. A row that already completed, or that
// another receiver took less than staleAfter ago, is left alone and the
// claim fails. A failed row is reclaimed.
func (d Datasource) ClaimWebhookDelivery(ctx context.Context, entry *model.WebhookDeliveryLog, staleAfter time.Duration) (bool, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Claiming webhook delivery")
	defer span.End()

	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	staleBefore := time.Now().Add(-staleAfter)

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO giftpipe.webhook_delivery_log (event_id, event_type, order_id, delivery_status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (event_id, event_type) DO UPDATE
		SET delivery_status = EXCLUDED.delivery_status,
			order_id = COALESCE(EXCLUDED.order_id, webhook_delivery_log.order_id),
			metadata = EXCLUDED.metadata,
			error_message = NULL,
			updated_at = NOW()
		WHERE webhook_delivery_log.delivery_status = $6
		   OR (webhook_delivery_log.delivery_status = $4 AND webhook_delivery_log.updated_at < $7)
		RETURNING id, created_at, updated_at
	`, entry.EventID, entry.EventType, nullString(entry.OrderID), model.DeliveryStatusReceived, metadata,
		model.DeliveryStatusFailed, staleBefore).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record webhook delivery", err)
	}
	entry.DeliveryStatus = model.DeliveryStatusReceived
	return true, nil
}

func (d Datasource) CompleteWebhookDelivery(ctx context.Context, eventID, eventType, orderID string) error {
	return d.setWebhookDeliveryStatus(ctx, eventID, eventType, model.DeliveryStatusCompleted, orderID, "")
}

func (d Datasource) FailWebhookDelivery(ctx context.Context, eventID, eventType, message string) error {
	return d.setWebhookDeliveryStatus(ctx, eventID, eventType, model.DeliveryStatusFailed, "", message)
}

func (d Datasource) setWebhookDeliveryStatus(ctx context.Context, eventID, eventType, status, orderID, message string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE giftpipe.webhook_delivery_log
		SET delivery_status = $3, order_id = COALESCE($4, order_id), error_message = $5, updated_at = NOW()
		WHERE event_id = $1 AND event_type = $2
	`, eventID, eventType, status, nullString(orderID), nullString(message))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update webhook delivery", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook delivery '%s/%s' not found", eventType, eventID), nil)
	}
	return nil
}
