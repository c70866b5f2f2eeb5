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

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) CreateCronLog(ctx context.Context, entry *model.CronExecutionLog) error {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Creating cron execution log")
	defer span.End()

	resultsJSON, err := json.Marshal(entry.Results)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal results", err)
	}
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("cron")
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO giftpipe.cron_execution_logs (id, job_name, status, started_at, completed_at, orders_processed, orders_succeeded, orders_failed, error_message, results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.JobName, entry.Status, entry.StartedAt, entry.CompletedAt, entry.OrdersProcessed,
		entry.OrdersSucceeded, entry.OrdersFailed, nullString(entry.ErrorMessage), resultsJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create cron execution log", err)
	}
	return nil
}

func (d Datasource) UpdateCronLog(ctx context.Context, entry *model.CronExecutionLog) error {
	ctx, span := otel.Tracer("giftpipe.database").Start(ctx, "Updating cron execution log")
	defer span.End()

	resultsJSON, err := json.Marshal(entry.Results)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal results", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE giftpipe.cron_execution_logs
		SET status = $2, completed_at = $3, orders_processed = $4, orders_succeeded = $5, orders_failed = $6, error_message = $7, results = $8
		WHERE id = $1
	`, entry.ID, entry.Status, entry.CompletedAt, entry.OrdersProcessed, entry.OrdersSucceeded, entry.OrdersFailed,
		nullString(entry.ErrorMessage), resultsJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update cron execution log", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Cron execution log '%s' not found", entry.ID), nil)
	}
	return nil
}

// GetLastCronLog returns the most recent run of a job.
func (d Datasource) GetLastCronLog(ctx context.Context, jobName string) (*model.CronExecutionLog, error) {
	entry := &model.CronExecutionLog{}
	var errMessage sql.NullString
	var resultsJSON []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, job_name, status, started_at, completed_at, orders_processed, orders_succeeded, orders_failed, error_message, results
		FROM giftpipe.cron_execution_logs
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, jobName).Scan(&entry.ID, &entry.JobName, &entry.Status, &entry.StartedAt, &entry.CompletedAt,
		&entry.OrdersProcessed, &entry.OrdersSucceeded, &entry.OrdersFailed, &errMessage, &resultsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No runs recorded for job '%s'", jobName), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve cron execution log", err)
	}
	entry.ErrorMessage = errMessage.String

	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &entry.Results); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal results", err)
		}
	}
	return entry, nil
}
