package model

import "time"

// Notification event types written to the outbox.
const (
	NotificationOrderShipped        = "order_shipped"
	NotificationOrderFailed         = "order_failed"
	NotificationOrderCancelled      = "order_cancelled"
	NotificationRefundNeedsApproval = "refund_approval_required"
)

const (
	NotificationPriorityHigh   = "high"
	NotificationPriorityNormal = "normal"

	NotificationStatusPending = "pending"
)

// NotificationRequest is a row in the email outbox. Rendering and delivery
// happen in a separate process.
type NotificationRequest struct {
	ID                string                 `json:"id"`
	OrderID           string                 `json:"order_id,omitempty"`
	RecipientEmail    string                 `json:"recipient_email"`
	RecipientName     string                 `json:"recipient_name"`
	EventType         string                 `json:"event_type"`
	TemplateVariables map[string]interface{} `json:"template_variables"`
	Priority          string                 `json:"priority"`
	ScheduledFor      time.Time              `json:"scheduled_for"`
	Status            string                 `json:"status"`
	// DedupeKey names the logical notification; a second row with the same
	// key is dropped.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// UserProfile is the slice of the account profile the pipeline reads.
type UserProfile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}
