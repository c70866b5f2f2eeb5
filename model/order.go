package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses.
const (
	OrderStatusPending           = "pending"
	OrderStatusScheduled         = "scheduled"
	OrderStatusProcessing        = "processing"
	OrderStatusRequiresAttention = "requires_attention"
	OrderStatusShipped           = "shipped"
	OrderStatusDelivered         = "delivered"
	OrderStatusCancelled         = "cancelled"
	OrderStatusFailed            = "failed"
)

// Payment and funding statuses the pipeline reads or writes.
const (
	PaymentStatusIntentCreated = "payment_intent_created"
	PaymentStatusSucceeded     = "succeeded"
	PaymentStatusRefunded      = "refunded"

	FundingStatusAwaitingFunds = "awaiting_funds"
	FundingStatusSucceeded     = "succeeded"
)

type Order struct {
	ID                    string          `json:"id"`
	OrderNumber           string          `json:"order_number"`
	UserID                string          `json:"user_id"`
	Status                string          `json:"status"`
	PaymentStatus         string          `json:"payment_status"`
	FundingStatus         string          `json:"funding_status"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	ScheduledDeliveryDate time.Time       `json:"scheduled_delivery_date"`
	FulfillmentRequestID  string          `json:"fulfillment_request_id,omitempty"`
	WebhookToken          string          `json:"-"`
	TrackingNumber        string          `json:"tracking_number,omitempty"`
	EstimatedDelivery     *time.Time      `json:"estimated_delivery,omitempty"`
	RetryCount            int             `json:"retry_count"`
	RetryReason           string          `json:"retry_reason,omitempty"`
	NextRetryAt           *time.Time      `json:"next_retry_at,omitempty"`
	ErrorClassification   string          `json:"error_classification,omitempty"`
	AdminMessage          string          `json:"admin_message,omitempty"`
	DeliveryGroups        []DeliveryGroup `json:"delivery_groups"`
	HasMultipleRecipients bool            `json:"has_multiple_recipients"`
	ShippingAddress       *Address        `json:"shipping_address,omitempty"`
	Notes                 OrderNotes      `json:"notes"`
	WebhookReceivedAt     *time.Time      `json:"webhook_received_at,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// DeliveryGroup is one recipient, their address and the items shipped to them.
type DeliveryGroup struct {
	RecipientName  string      `json:"recipient_name"`
	RecipientEmail string      `json:"recipient_email,omitempty"`
	Address        Address     `json:"address"`
	Items          []OrderItem `json:"items"`
	GiftMessage    string      `json:"gift_message,omitempty"`
}

type Address struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email,omitempty"`
	AddressLine string `json:"address_line1"`
	Line2       string `json:"address_line2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state"`
	ZipCode     string `json:"zip_code"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Items flattens every delivery group into one item list.
func (o *Order) Items() []OrderItem {
	var items []OrderItem
	for _, g := range o.DeliveryGroups {
		items = append(items, g.Items...)
	}
	return items
}

// RecipientEmail returns the email captured in the order's shipping snapshot,
// falling back to the first delivery group that carries one.
func (o *Order) RecipientEmail() (email, name string) {
	if o.ShippingAddress != nil && o.ShippingAddress.Email != "" {
		return o.ShippingAddress.Email, o.ShippingAddress.FirstName
	}
	for _, g := range o.DeliveryGroups {
		if g.RecipientEmail != "" {
			return g.RecipientEmail, g.RecipientName
		}
	}
	return "", ""
}

// IsTerminal reports whether the status accepts no further pipeline transitions.
func IsTerminal(status string) bool {
	switch status {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

func (o *Order) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}
