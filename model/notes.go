package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// NotesVersion is the current shape of OrderNotes. Readers accept older
// versions; writers always stamp this one.
const NotesVersion = 2

// Refund flags recorded on cancelled orders.
const (
	RefundFlagPendingCustomerRefund  = "pending_customer_refund"
	RefundFlagAwaitingProviderRefund = "awaiting_provider_refund"
)

// OrderNotes is the side-channel metadata kept next to an order. Only
// additive, non business-critical data lives here. Keys this struct does not
// know about are preserved in Extras so newer writers never lose data.
type OrderNotes struct {
	Version          int                        `json:"version"`
	TrackingURL      string                     `json:"tracking_url,omitempty"`
	Carrier          string                     `json:"carrier,omitempty"`
	MerchantOrderIDs []string                   `json:"merchant_order_ids,omitempty"`
	SubRequestIDs    []string                   `json:"sub_request_ids,omitempty"`
	PriceBreakdown   *PriceBreakdown            `json:"price_breakdown,omitempty"`
	PlacedAt         *time.Time                 `json:"placed_at,omitempty"`
	ProviderStatus   string                     `json:"provider_status,omitempty"`
	Retry            *RetryPlan                 `json:"retry,omitempty"`
	Case             *CaseDetails               `json:"case,omitempty"`
	Cancellation     *CancellationDetails       `json:"cancellation,omitempty"`
	RefundFlag       string                     `json:"refund_flag,omitempty"`
	AuditTrail       []AuditNote                `json:"audit_trail,omitempty"`
	Extras           map[string]json.RawMessage `json:"-"`
}

type PriceBreakdown struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency,omitempty"`
}

// RetryPlan remembers how the last failure asked to be retried so the retry
// sweep can act without re-classifying.
type RetryPlan struct {
	Classification string    `json:"classification"`
	ErrorCode      string    `json:"error_code"`
	RequestID      string    `json:"request_id,omitempty"`
	UseNativeRetry bool      `json:"use_native_retry"`
	MaxRetries     int       `json:"max_retries"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

type CaseDetails struct {
	CaseID     string          `json:"case_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CancellationDetails struct {
	Reason         string    `json:"reason"`
	CancelledBy    string    `json:"cancelled_by"`
	RefundExpected bool      `json:"refund_expected"`
	CancelledAt    time.Time `json:"cancelled_at"`
}

type AuditNote struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Message string    `json:"message"`
}

var knownNoteKeys = map[string]struct{}{
	"version": {}, "tracking_url": {}, "carrier": {}, "merchant_order_ids": {},
	"sub_request_ids": {}, "price_breakdown": {}, "placed_at": {}, "provider_status": {},
	"retry": {}, "case": {}, "cancellation": {}, "refund_flag": {}, "audit_trail": {},
}

type orderNotesAlias OrderNotes

// MarshalJSON writes the typed fields and re-attaches pass-through extras.
func (n OrderNotes) MarshalJSON() ([]byte, error) {
	n.Version = NotesVersion
	typed, err := json.Marshal(orderNotesAlias(n))
	if err != nil {
		return nil, err
	}
	if len(n.Extras) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(n.Extras)+8)
	for k, v := range n.Extras {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the typed fields and keeps unknown keys in Extras.
func (n *OrderNotes) UnmarshalJSON(data []byte) error {
	var alias orderNotesAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, ok := knownNoteKeys[k]; ok {
			continue
		}
		if alias.Extras == nil {
			alias.Extras = make(map[string]json.RawMessage)
		}
		alias.Extras[k] = v
	}
	*n = OrderNotes(alias)
	return nil
}

// AddAudit appends an audit entry.
func (n *OrderNotes) AddAudit(actor, message string, at time.Time) {
	n.AuditTrail = append(n.AuditTrail, AuditNote{At: at, Actor: actor, Message: message})
}

// SetExtra stores a provider-specific value that has no typed field.
func (n *OrderNotes) SetExtra(key string, value interface{}) error {
	if _, ok := knownNoteKeys[key]; ok {
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if n.Extras == nil {
		n.Extras = make(map[string]json.RawMessage)
	}
	n.Extras[key] = b
	return nil
}
