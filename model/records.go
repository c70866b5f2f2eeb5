package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Refund request statuses and types.
const (
	RefundStatusPending  = "pending"
	RefundStatusApproved = "approved"
	RefundStatusDenied   = "denied"

	RefundTypeFull    = "full"
	RefundTypePartial = "partial"
)

type RefundRequest struct {
	ID         string                 `json:"id"`
	OrderID    string                 `json:"order_id"`
	Amount     decimal.Decimal        `json:"amount"`
	Reason     string                 `json:"reason"`
	Status     string                 `json:"status"`
	RefundType string                 `json:"refund_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Alert severities, shared with the security audit log.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert types raised by the pipeline.
const (
	AlertFulfillmentFailed   = "fulfillment_failed"
	AlertRetryScheduled      = "fulfillment_retry_scheduled"
	AlertSecurityBlocked     = "security_blocked"
	AlertMissedDelivery      = "missed_delivery_window"
	AlertCaseOpened          = "fulfillment_case_opened"
	AlertRefundNeedsApproval = "refund_requires_approval"
	AlertSystemError         = "system_error"
)

type AdminAlert struct {
	ID             string                 `json:"id"`
	AlertType      string                 `json:"alert_type"`
	Severity       string                 `json:"severity"`
	OrderID        string                 `json:"order_id,omitempty"`
	Message        string                 `json:"message"`
	RequiresAction bool                   `json:"requires_action"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Resolved       bool                   `json:"resolved"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Cron execution statuses.
const (
	CronStatusRunning   = "running"
	CronStatusCompleted = "completed"
	CronStatusFailed    = "failed"
	CronStatusSkipped   = "skipped"
)

type CronExecutionLog struct {
	ID              string        `json:"id"`
	JobName         string        `json:"job_name"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	OrdersProcessed int           `json:"orders_processed"`
	OrdersSucceeded int           `json:"orders_succeeded"`
	OrdersFailed    int           `json:"orders_failed"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Results         []OrderResult `json:"results"`
}

// Per-order outcomes of one batch pass.
const (
	OutcomeSubmitted      = "submitted"
	OutcomeRetried        = "retried"
	OutcomeSkipped        = "skipped"
	OutcomeBlocked        = "blocked"
	OutcomeRetryScheduled = "retry_scheduled"
	OutcomeFailed         = "failed"
	OutcomeError          = "error"
)

// OrderResult is what one order contributed to a batch run.
type OrderResult struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	Outcome        string `json:"outcome"`
	RequestID      string `json:"request_id,omitempty"`
	Classification string `json:"classification,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Succeeded reports whether the result counts towards OrdersSucceeded.
func (r OrderResult) Succeeded() bool {
	return r.Outcome == OutcomeSubmitted || r.Outcome == OutcomeRetried
}

// Failed reports whether the result counts towards OrdersFailed.
func (r OrderResult) Failed() bool {
	switch r.Outcome {
	case OutcomeBlocked, OutcomeFailed, OutcomeError, OutcomeRetryScheduled:
		return true
	}
	return false
}
