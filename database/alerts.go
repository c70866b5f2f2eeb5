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
	"go.opentelemetry.io/otel"
)

func (d Datasource) CreateAdminAlert(ctx context.Context, alert *model.AdminAlert) error {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Creating admin alert")
	defer span.End()

	metadataJSON, err := json.Marshal(alert.Metadata)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	if alert.ID == "" {
		alert.ID = model.GenerateUUIDWithSuffix("alrt")
	}
	alert.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.admin_alerts (id, alert_type, severity, order_id, message, requires_action, metadata, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, alert.ID, alert.AlertType, alert.Severity, nullString(alert.OrderID), alert.Message, alert.RequiresAction,
		metadataJSON, alert.Resolved, alert.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create admin alert", err)
	}
	return nil
}

// AlertExists reports whether an alert of the given type was raised for the
// order since the given time.
func (d Datasource) AlertExists(ctx context.Context, orderID, alertType string, since time.Time) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM giftpipe.admin_alerts WHERE order_id = $1 AND alert_type = $2 AND created_at >= $3)
	`, orderID, alertType, since).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check admin alerts", err)
	}
	return exists, nil
}
