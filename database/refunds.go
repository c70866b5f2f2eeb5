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
	"go.opentelemetry.io/otel"
)

// CreateRefundRequest inserts a pending refund unless the order already has
// one. The partial unique index on (order_id) WHERE status = 'pending' makes
// the check and the insert a single statement. It reports whether a row was
// written.
func (d Datasource) CreateRefundRequest(ctx context.Context, refund *model.RefundRequest) (bool, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Creating refund request")
	defer span.End()

	metadataJSON, err := json.Marshal(refund.Metadata)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	if refund.ID == "" {
		refund.ID = model.GenerateUUIDWithSuffix("rfd")
	}
	if refund.Status == "" {
		refund.Status = model.RefundStatusPending
	}
	refund.CreatedAt = time.Now()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.refund_requests (id, order_id, amount, reason, status, refund_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) WHERE status = 'pending' DO NOTHING
	`, refund.ID, refund.OrderID, refund.Amount, refund.Reason, refund.Status, refund.RefundType, metadataJSON, refund.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create refund request", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

func (d Datasource) GetPendingRefund(ctx context.Context, orderID string) (*model.RefundRequest, error) {
	refund := &model.RefundRequest{}
	var metadataJSON []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, order_id, amount, reason, status, refund_type, metadata, created_at
		FROM giftpipe.refund_requests
		WHERE order_id = $1 AND status = $2
	`, orderID, model.RefundStatusPending).Scan(&refund.ID, &refund.OrderID, &refund.Amount, &refund.Reason,
		&refund.Status, &refund.RefundType, &metadataJSON, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No pending refund for order '%s'", orderID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve refund request", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &refund.Metadata); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return refund, nil
}
