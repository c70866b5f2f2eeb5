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
	"time"

	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	order        // Interface for the order aggregate
	webhookLog   // Interface for the webhook idempotency ledger
	refund       // Interface for refund requests
	alert        // Interface for admin alerts
	cronLog      // Interface for batch execution logs
	notification // Interface for the notification outbox
	security     // Interface for rate, spend and pattern bookkeeping
	profile      // Interface for read-only account profiles
}

// order defines methods for reading and mutating orders.
type order interface {
	GetOrderByID(ctx context.Context, id string) (*model.Order, error)                              // Retrieves an order by ID
	GetOrderByRequestID(ctx context.Context, requestID string) (*model.Order, error)                // Resolves an order from a provider request id
	GetDueOrders(ctx context.Context, cutoff, now time.Time) ([]*model.Order, error)                // Scheduled orders due on or before cutoff
	GetRetryableOrders(ctx context.Context, now time.Time) ([]*model.Order, error)                  // Orders awaiting a scheduled retry
	GetMissedOrders(ctx context.Context, now time.Time) ([]*model.Order, error)                     // Orders whose delivery date passed unprocessed
	GetStuckOrders(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Order, error) // Processing orders with no provider request
	ClaimOrder(ctx context.Context, id, from, to string) (*model.Order, error)                      // Compare-and-swap status change, nil when lost
	UpdateOrder(ctx context.Context, order *model.Order) (bool, error)                              // Versioned update, false on a concurrent write
	IsOrderCancellable(ctx context.Context, id string) (bool, error)                                // Stored cancellation eligibility check
}

// webhookLog defines methods for the (event_id, event_type) ledger.
type webhookLog interface {
	GetWebhookDelivery(ctx context.Context, eventID, eventType string) (*model.WebhookDeliveryLog, error)              // Retrieves a ledger row
	ClaimWebhookDelivery(ctx context.Context, entry *model.WebhookDeliveryLog, staleAfter time.Duration) (bool, error) // Upserts a received row, false when already owned or completed
	CompleteWebhookDelivery(ctx context.Context, eventID, eventType, orderID string) error                             // Marks a ledger row completed
	FailWebhookDelivery(ctx context.Context, eventID, eventType, message string) error                                 // Marks a ledger row failed
}

// refund defines methods for refund requests.
type refund interface {
	CreateRefundRequest(ctx context.Context, refund *model.RefundRequest) (bool, error) // Inserts unless a pending request exists
	GetPendingRefund(ctx context.Context, orderID string) (*model.RefundRequest, error) // Retrieves the pending refund for an order
}

// alert defines methods for admin alerts.
type alert interface {
	CreateAdminAlert(ctx context.Context, alert *model.AdminAlert) error
	AlertExists(ctx context.Context, orderID, alertType string, since time.Time) (bool, error)
}

// cronLog defines methods for batch execution logs.
type cronLog interface {
	CreateCronLog(ctx context.Context, entry *model.CronExecutionLog) error
	UpdateCronLog(ctx context.Context, entry *model.CronExecutionLog) error
	GetLastCronLog(ctx context.Context, jobName string) (*model.CronExecutionLog, error)
}

// notification defines methods for the email outbox.
type notification interface {
	EnqueueNotification(ctx context.Context, n *model.NotificationRequest) error
}

// security defines methods backing the security and rate validator.
type security interface {
	SumCostSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) // Total spend for a user since a point in time
	RecordCost(ctx context.Context, entry model.CostEntry) error                               // Records a submitted order's cost
	ValidationHashExists(ctx context.Context, hash string) (bool, error)                       // Checks a validation fingerprint
	CountValidationsSince(ctx context.Context, userID string, since time.Time) (int, error)    // Counts fingerprints recorded for a user in a window
	RecordValidationHash(ctx context.Context, entry model.ValidationHash) error                // Stores a validation fingerprint
	RecordSecurityAudit(ctx context.Context, entry *model.SecurityAuditLog) error              // Appends to the security audit log
}

// profile defines read access to account profiles.
type profile interface {
	GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error)
}
