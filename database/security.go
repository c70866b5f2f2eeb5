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
	"time"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

// SumCostSince totals a user's recorded spend from since onwards.
func (d Datasource) SumCostSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Summing user cost")
	defer span.End()

	var total decimal.Decimal
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM giftpipe.cost_tracking WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum user cost", err)
	}
	return total, nil
}

func (d Datasource) RecordCost(ctx context.Context, entry model.CostEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.cost_tracking (user_id, order_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, entry.UserID, entry.OrderID, entry.Amount, entry.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record cost", err)
	}
	return nil
}

func (d Datasource) ValidationHashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM giftpipe.validation_hashes WHERE hash = $1)
	`, hash).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check validation hash", err)
	}
	return exists, nil
}

// CountValidationsSince counts distinct orders validated for a user in the window.
func (d Datasource) CountValidationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT order_id) FROM giftpipe.validation_hashes WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count validations", err)
	}
	return count, nil
}

func (d Datasource) RecordValidationHash(ctx context.Context, entry model.ValidationHash) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.validation_hashes (hash, user_id, order_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING
	`, entry.Hash, entry.UserID, entry.OrderID, entry.Amount, entry.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record validation hash", err)
	}
	return nil
}

func (d Datasource) RecordSecurityAudit(ctx context.Context, entry *model.SecurityAuditLog) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal details", err)
	}
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("sec")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.security_audit_log (id, user_id, order_id, check_name, severity, blocked, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, entry.OrderID, entry.CheckName, entry.Severity, entry.Blocked, entry.Message, detailsJSON, entry.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record security audit", err)
	}
	return nil
}
