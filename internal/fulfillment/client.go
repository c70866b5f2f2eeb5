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

// Package fulfillment talks to the external fulfillment provider that buys and
// ships gift orders: submit, status check, native retry and native abort.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giftpipe/giftpipe/internal/request"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// Provider is the set of calls the pipeline makes against the fulfillment API.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	GetStatus(ctx context.Context, requestID string) (*StatusResponse, error)
	Retry(ctx context.Context, requestID string) (*SubmitResponse, error)
	Abort(ctx context.Context, requestID string) (*StatusResponse, error)
}

// Webhook event names, used both as URL query values and as canonical event
// types on the ingestion side.
var WebhookEvents = []string{
	"request_succeeded",
	"request_failed",
	"tracking_obtained",
	"status_updated",
	"case_updated",
	"order_cancelled",
}

type Config struct {
	BaseURL        string
	APIKey         string
	Retailer       string
	ShippingMethod string
	WebhookBaseURL string
	Timeout        time.Duration
}

type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ShippingMethod == "" {
		cfg.ShippingMethod = "cheapest"
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Submit places a new provider order for one delivery group.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	ctx, span := otel.Tracer("giftpipe.fulfillment").Start(ctx, "Submit")
	defer span.End()

	body := c.buildOrderBody(req)

	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if perr := resp.providerError(); perr != nil {
		span.RecordError(perr)
		return nil, perr
	}
	if resp.RequestID == "" {
		return nil, &ProviderError{Code: "invalid_response", Message: "provider response carried no request_id"}
	}

	logrus.WithFields(logrus.Fields{
		"order_id":        req.OrderID,
		"idempotency_key": req.IdempotencyKey,
		"request_id":      resp.RequestID,
	}).Info("fulfillment order submitted")

	return &SubmitResponse{RequestID: resp.RequestID}, nil
}

// GetStatus fetches the live state of a provider request. A request that is
// still being worked on is reported with Status "processing", not an error.
func (c *Client) GetStatus(ctx context.Context, requestID string) (*StatusResponse, error) {
	ctx, span := otel.Tracer("giftpipe.fulfillment").Start(ctx, "GetStatus")
	defer span.End()

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(requestID), nil, &raw); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return parseStatus(requestID, raw)
}

// Retry asks the provider to re-run a failed request. The provider answers with
// a new request id.
func (c *Client) Retry(ctx context.Context, requestID string) (*SubmitResponse, error) {
	ctx, span := otel.Tracer("giftpipe.fulfillment").Start(ctx, "Retry")
	defer span.End()

	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(requestID)+"/retry", nil, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if perr := resp.providerError(); perr != nil {
		perr.RequestID = requestID
		return nil, perr
	}
	if resp.RequestID == "" {
		return nil, &ProviderError{Code: "invalid_response", Message: "retry response carried no request_id", RequestID: requestID}
	}
	return &SubmitResponse{RequestID: resp.RequestID}, nil
}

// Abort cancels a request that has not been placed with the retailer yet.
func (c *Client) Abort(ctx context.Context, requestID string) (*StatusResponse, error) {
	ctx, span := otel.Tracer("giftpipe.fulfillment").Start(ctx, "Abort")
	defer span.End()

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(requestID)+"/abort", nil, &raw); err != nil {
		span.RecordError(err)
		return nil, err
	}
	status, err := parseStatus(requestID, raw)
	if err != nil {
		return nil, err
	}
	if status.Status == StatusFailed && status.Error != nil && status.Error.Code != "request_aborted" {
		return nil, status.Error
	}
	status.Status = StatusAborted
	return status, nil
}

// WebhookURLs builds the per-event callback URLs handed to the provider. Each
// carries the order id, the submission token and the event name.
func (c *Client) WebhookURLs(orderID, token string) map[string]string {
	urls := make(map[string]string, len(WebhookEvents))
	if c.config.WebhookBaseURL == "" {
		return urls
	}
	base := strings.TrimRight(c.config.WebhookBaseURL, "/") + "/webhooks/fulfillment"
	for _, event := range WebhookEvents {
		q := url.Values{}
		q.Set("order_id", orderID)
		q.Set("token", token)
		q.Set("event", event)
		urls[event] = base + "?" + q.Encode()
	}
	return urls
}

func (c *Client) buildOrderBody(req SubmitRequest) orderBody {
	products := make([]productBody, 0, len(req.Products))
	for _, p := range req.Products {
		products = append(products, productBody{ProductID: p.ProductID, Quantity: p.Quantity})
	}
	notes := map[string]interface{}{
		"order_id":      req.OrderID,
		"order_number":  req.OrderNumber,
		"retry_attempt": req.RetryAttempt,
	}
	if req.GroupIndex > 0 || req.GroupCount > 1 {
		notes["delivery_group"] = req.GroupIndex
	}
	return orderBody{
		IdempotencyKey: req.IdempotencyKey,
		Retailer:       c.config.Retailer,
		Products:       products,
		MaxPrice:       req.MaxPriceCents,
		ShippingAddress: addressBody{
			FirstName:    req.ShippingAddress.FirstName,
			LastName:     req.ShippingAddress.LastName,
			AddressLine1: req.ShippingAddress.AddressLine1,
			AddressLine2: req.ShippingAddress.AddressLine2,
			ZipCode:      req.ShippingAddress.ZipCode,
			City:         req.ShippingAddress.City,
			State:        req.ShippingAddress.State,
			Country:      req.ShippingAddress.Country,
			PhoneNumber:  req.ShippingAddress.PhoneNumber,
		},
		IsGift:         true,
		GiftMessage:    req.GiftMessage,
		ShippingMethod: c.config.ShippingMethod,
		Webhooks:       c.WebhookURLs(req.OrderID, req.WebhookToken),
		ClientNotes:    notes,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	req, err := request.NewJSONRequest(ctx, method, c.config.BaseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, "build fulfillment request")
	}
	req.Header.Set("Authorization", "Basic "+request.BasicAuth(c.config.APIKey, ""))

	resp, err := request.CallWithClient(c.httpClient, req, out)
	if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
		return &ProviderError{Code: "internal_error", Message: fmt.Sprintf("provider returned HTTP %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	if err != nil {
		if resp != nil {
			return &ProviderError{
				Code:       "invalid_response",
				Message:    fmt.Sprintf("could not decode provider response: %v", err),
				StatusCode: resp.StatusCode,
			}
		}
		return errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ProviderError{Code: "invalid_client_token", Message: fmt.Sprintf("provider returned HTTP %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	return nil
}
