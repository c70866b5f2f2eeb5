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

package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Normalized provider request states.
const (
	StatusProcessing = "processing"
	StatusPlaced     = "placed"
	StatusFailed     = "failed"
	StatusAborted    = "aborted"
)

type Product struct {
	ProductID string
	Quantity  int
}

type Address struct {
	FirstName    string
	LastName     string
	AddressLine1 string
	AddressLine2 string
	ZipCode      string
	City         string
	State        string
	Country      string
	PhoneNumber  string
}

// SubmitRequest is one provider order: a single delivery group of a gift
// order.
type SubmitRequest struct {
	OrderID         string
	OrderNumber     string
	WebhookToken    string
	IdempotencyKey  string
	RetryAttempt    int
	GroupIndex      int
	GroupCount      int
	Products        []Product
	ShippingAddress Address
	GiftMessage     string
	MaxPriceCents   int64
}

type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

type MerchantOrderID struct {
	MerchantOrderID string `json:"merchant_order_id"`
	Merchant        string `json:"merchant"`
	DeliveryDate    string `json:"delivery_date,omitempty"`
}

type Tracking struct {
	MerchantOrderID string `json:"merchant_order_id"`
	Carrier         string `json:"carrier"`
	TrackingNumber  string `json:"tracking_number"`
	TrackingURL     string `json:"tracking_url,omitempty"`
	ObtainedAt      string `json:"obtained_at,omitempty"`
}

type PriceComponents struct {
	Shipping int64  `json:"shipping"`
	Subtotal int64  `json:"subtotal"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	Currency string `json:"currency,omitempty"`
}

// StatusResponse is the provider's view of one request.
type StatusResponse struct {
	RequestID        string            `json:"request_id"`
	Status           string            `json:"status"`
	MerchantOrderIDs []MerchantOrderID `json:"merchant_order_ids,omitempty"`
	Tracking         []Tracking        `json:"tracking,omitempty"`
	PriceComponents  *PriceComponents  `json:"price_components,omitempty"`
	Error            *ProviderError    `json:"error,omitempty"`
	Raw              json.RawMessage   `json:"raw,omitempty"`
}

// ProviderError is a failure reported by the provider itself.
type ProviderError struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	StatusCode int             `json:"-"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("fulfillment provider error %s: %s", e.Code, e.Message)
}

// envelope is the superset of fields the provider returns on its order
// endpoints. Successful and failed responses share it, told apart by _type.
type envelope struct {
	Type             string            `json:"_type"`
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	Data             json.RawMessage   `json:"data"`
	RequestID        string            `json:"request_id"`
	MerchantOrderIDs []MerchantOrderID `json:"merchant_order_ids"`
	Tracking         []Tracking        `json:"tracking"`
	PriceComponents  *PriceComponents  `json:"price_components"`
	Request          json.RawMessage   `json:"request"`
}

func (e envelope) providerError() *ProviderError {
	if e.Type != "error" && e.Code == "" {
		return nil
	}
	code := e.Code
	if code == "" {
		code = "unknown_error"
	}
	return &ProviderError{Code: code, Message: e.Message, Data: e.Data, RequestID: e.RequestID}
}

func parseStatus(requestID string, raw json.RawMessage) (*StatusResponse, error) {
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &ProviderError{Code: "invalid_response", Message: err.Error(), RequestID: requestID}
		}
	}
	status := &StatusResponse{
		RequestID:        requestID,
		MerchantOrderIDs: env.MerchantOrderIDs,
		Tracking:         env.Tracking,
		PriceComponents:  env.PriceComponents,
		Raw:              raw,
	}
	if perr := env.providerError(); perr != nil {
		perr.RequestID = requestID
		if perr.Code == "request_processing" {
			status.Status = StatusProcessing
			return status, nil
		}
		status.Status = StatusFailed
		status.Error = perr
		return status, nil
	}
	switch env.Type {
	case "order_response":
		status.Status = StatusPlaced
	case "aborted_request":
		status.Status = StatusAborted
	default:
		status.Status = StatusProcessing
	}
	return status, nil
}

// Describe reduces any error returned by a Provider to a code and message
// suitable for classification. Transport failures get network shaped codes.
func Describe(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code, perr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request_timeout", err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request_timeout", err.Error()
	}
	return "network_error", err.Error()
}

// ParseProviderTime parses RFC 3339 or date-only provider timestamps.
// Unparsable values yield nil.
func ParseProviderTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

type orderBody struct {
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	Retailer        string                 `json:"retailer"`
	Products        []productBody          `json:"products"`
	MaxPrice        int64                  `json:"max_price"`
	ShippingAddress addressBody            `json:"shipping_address"`
	IsGift          bool                   `json:"is_gift"`
	GiftMessage     string                 `json:"gift_message,omitempty"`
	ShippingMethod  string                 `json:"shipping_method"`
	Webhooks        map[string]string      `json:"webhooks,omitempty"`
	ClientNotes     map[string]interface{} `json:"client_notes"`
}

type productBody struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type addressBody struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	ZipCode      string `json:"zip_code"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	PhoneNumber  string `json:"phone_number"`
}
