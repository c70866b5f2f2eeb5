package model

import (
	"encoding/json"
	"time"
)

// Canonical fulfillment event types.
const (
	EventRequestSucceeded = "request_succeeded"
	EventRequestFailed    = "request_failed"
	EventTrackingObtained = "tracking_obtained"
	EventStatusUpdated    = "status_updated"
	EventCaseUpdated      = "case_updated"
	EventOrderCancelled   = "order_cancelled"
)

// Delivery statuses of the webhook idempotency ledger.
const (
	DeliveryStatusReceived  = "received"
	DeliveryStatusCompleted = "completed"
	DeliveryStatusFailed    = "failed"
)

// WebhookDeliveryLog is one row of the idempotency ledger, unique on
// (EventID, EventType).
type WebhookDeliveryLog struct {
	ID             int64           `json:"-"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OrderID        string          `json:"order_id"`
	DeliveryStatus string          `json:"delivery_status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
