package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SecurityAuditLog records one security check outcome.
type SecurityAuditLog struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	OrderID   string                 `json:"order_id"`
	CheckName string                 `json:"check_name"`
	Severity  string                 `json:"severity"`
	Blocked   bool                   `json:"blocked"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ValidationHash is a fingerprint of a previously validated submission.
type ValidationHash struct {
	Hash      string          `json:"hash"`
	UserID    string          `json:"user_id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// CostEntry is a spend record used by the daily and monthly caps.
type CostEntry struct {
	UserID    string          `json:"user_id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
