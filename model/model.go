package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix,
// e.g. "ord_6f1c...".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// NewWebhookToken mints the opaque nonce bound to one submission attempt.
func NewWebhookToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ValidationFingerprint hashes the fields that identify a submission for
// duplicate detection.
func ValidationFingerprint(orderID, orderType string, amount decimal.Decimal, scheduledDate time.Time) string {
	data := fmt.Sprintf("%s|%s|%s|%s", orderID, orderType, amount.StringFixed(2), scheduledDate.UTC().Format("2006-01-02"))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// DeriveEventID builds a stable event id for provider payloads that carry none,
// so resends of the same body collapse onto one ledger row.
func DeriveEventID(requestID, eventType string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(requestID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(body)
	return "evt_" + hex.EncodeToString(h.Sum(nil))
}
