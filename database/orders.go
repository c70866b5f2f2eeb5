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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const orderColumns = `id, order_number, user_id, status, payment_status, funding_status, total_amount,
	scheduled_delivery_date, fulfillment_request_id, webhook_token, tracking_number, estimated_delivery,
	retry_count, retry_reason, next_retry_at, error_classification, admin_message, delivery_groups,
	has_multiple_recipients, shipping_address, notes, webhook_received_at, version, created_at, updated_at`

// CancellableStatuses is the eligibility set used by IsOrderCancellable.
var CancellableStatuses = []string{
	model.OrderStatusPending,
	model.OrderStatusScheduled,
	model.OrderStatusProcessing,
	model.OrderStatusRequiresAttention,
	model.OrderStatusFailed,
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	o := &model.Order{}
	var paymentStatus, fundingStatus, requestID, token, tracking sql.NullString
	var retryReason, classification, adminMessage sql.NullString
	var groupsJSON, addressJSON, notesJSON []byte
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &paymentStatus, &fundingStatus, &o.TotalAmount,
		&o.ScheduledDeliveryDate, &requestID, &token, &tracking, &o.EstimatedDelivery,
		&o.RetryCount, &retryReason, &o.NextRetryAt, &classification, &adminMessage, &groupsJSON,
		&o.HasMultipleRecipients, &addressJSON, &notesJSON, &o.WebhookReceivedAt, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.PaymentStatus = paymentStatus.String
	o.FundingStatus = fundingStatus.String
	o.FulfillmentRequestID = requestID.String
	o.WebhookToken = token.String
	o.TrackingNumber = tracking.String
	o.RetryReason = retryReason.String
	o.ErrorClassification = classification.String
	o.AdminMessage = adminMessage.String

	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &o.DeliveryGroups); err != nil {
			return nil, fmt.Errorf("decode delivery groups: %w", err)
		}
	}
	if len(addressJSON) > 0 && string(addressJSON) != "null" {
		o.ShippingAddress = &model.Address{}
		if err := json.Unmarshal(addressJSON, o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &o.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return o, nil
}

func (d Datasource) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve orders", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan order data", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over orders", err)
	}
	return orders, nil
}

func (d Datasource) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching order from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM giftpipe.orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", err)
	}
	return o, nil
}

// GetOrderByRequestID matches the primary provider request id as well as the
// per-group sub request ids kept in notes.
func (d Datasource) GetOrderByRequestID(ctx context.Context, requestID string) (*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching order by provider request id")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM giftpipe.orders
		WHERE fulfillment_request_id = $1 OR notes->'sub_request_ids' ? $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, requestID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with request ID '%s' not found", requestID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", err)
	}
	return o, nil
}

func (d Datasource) GetDueOrders(ctx context.Context, cutoff, now time.Time) ([]*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching due orders")
	defer span.End()

	return d.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM giftpipe.orders
		WHERE status = $1
		  AND scheduled_delivery_date <= $2
		  AND funding_status IS DISTINCT FROM $3
		  AND (next_retry_at IS NULL OR next_retry_at <= $4)
		ORDER BY scheduled_delivery_date ASC
	`, model.OrderStatusScheduled, cutoff, model.FundingStatusAwaitingFunds, now)
}

func (d Datasource) GetRetryableOrders(ctx context.Context, now time.Time) ([]*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching retryable orders")
	defer span.End()

	return d.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM giftpipe.orders
		WHERE status = $1
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
	`, model.OrderStatusRequiresAttention, now)
}

func (d Datasource) GetMissedOrders(ctx context.Context, now time.Time) ([]*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching missed orders")
	defer span.End()

	return d.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM giftpipe.orders
		WHERE scheduled_delivery_date < $1
		  AND status = ANY($2)
		ORDER BY scheduled_delivery_date ASC
	`, now, pq.Array([]string{model.OrderStatusPending, model.OrderStatusScheduled, model.OrderStatusRequiresAttention}))
}

// GetStuckOrders returns orders left in processing without a provider request
// since before updatedBefore, typically by a batch run that died mid-order.
func (d Datasource) GetStuckOrders(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Fetching stuck orders")
	defer span.End()

	return d.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM giftpipe.orders
		WHERE status = $1
		  AND (fulfillment_request_id IS NULL OR fulfillment_request_id = '')
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, model.OrderStatusProcessing, updatedBefore, limit)
}

// ClaimOrder moves an order from one status to another only if it is still
// in the expected status. It returns the fresh row, or nil when another
// actor changed the status first.
func (d Datasource) ClaimOrder(ctx context.Context, id, from, to string) (*model.Order, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Claiming order")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE giftpipe.orders
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, id, from, to)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim order", err)
	}
	return o, nil
}

// UpdateOrder writes the mutable fields of o if nobody wrote the row since o
// was read. On success o carries the new version.
func (d Datasource) UpdateOrder(ctx context.Context, o *model.Order) (bool, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Updating order")
	defer span.End()

	notesJSON, err := json.Marshal(o.Notes)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal notes", err)
	}

	err = d.Conn.QueryRowContext(ctx, `
		UPDATE giftpipe.orders
		SET status = $3, payment_status = $4, funding_status = $5, fulfillment_request_id = $6,
			webhook_token = $7, tracking_number = $8, estimated_delivery = $9, retry_count = $10,
			retry_reason = $11, next_retry_at = $12, error_classification = $13, admin_message = $14,
			notes = $15, webhook_received_at = $16, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, o.ID, o.Version, o.Status, nullString(o.PaymentStatus), nullString(o.FundingStatus), nullString(o.FulfillmentRequestID),
		nullString(o.WebhookToken), nullString(o.TrackingNumber), o.EstimatedDelivery, o.RetryCount,
		nullString(o.RetryReason), o.NextRetryAt, nullString(o.ErrorClassification), nullString(o.AdminMessage),
		notesJSON, o.WebhookReceivedAt).Scan(&o.Version, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order", err)
	}
	return true, nil
}

func (d Datasource) IsOrderCancellable(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT status = ANY($2) FROM giftpipe.orders WHERE id = $1
	`, id, pq.Array(CancellableStatuses)).Scan(&ok)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", id), err)
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check order eligibility", err)
	}
	return ok, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
