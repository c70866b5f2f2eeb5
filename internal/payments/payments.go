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

// Package payments triggers capture of a previously authorized payment intent.
// Capture logic itself lives in the payment service; this client only asks for
// it and reports the outcome.
package payments

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/giftpipe/giftpipe/internal/request"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// Gateway captures payment for an order.
type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
}

type CaptureRequest struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
}

type CaptureResult struct {
	Status          string `json:"status"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Succeeded reports whether the capture went through.
func (r *CaptureResult) Succeeded() bool {
	return r != nil && r.Status == "succeeded"
}

type Client struct {
	captureURL string
	apiKey     string
	httpClient *http.Client
}

func NewClient(captureURL, apiKey string) *Client {
	return &Client{
		captureURL: strings.TrimRight(captureURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Capture asks the payment service to capture the order's payment intent. A
// response with a non-succeeded status is returned as an error.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	ctx, span := otel.Tracer("giftpipe.payments").Start(ctx, "Capture")
	defer span.End()

	httpReq, err := request.NewJSONRequest(ctx, http.MethodPost, c.captureURL, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", "capture-"+req.OrderID)

	var result CaptureResult
	resp, err := request.CallWithClient(c.httpClient, httpReq, &result)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("capture payment for order %s: %w", req.OrderID, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !result.Succeeded() {
		logrus.WithFields(logrus.Fields{
			"order_id":    req.OrderID,
			"status_code": resp.StatusCode,
			"status":      result.Status,
		}).Warn("payment capture not successful")
		return &result, fmt.Errorf("capture payment for order %s: status %q (HTTP %d): %s", req.OrderID, result.Status, resp.StatusCode, result.Message)
	}
	return &result, nil
}
