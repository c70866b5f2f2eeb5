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

package giftpipe

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
)

// eventAliases maps the names providers use for an event onto canonical
// event types.
var eventAliases = map[string]string{
	"request_succeeded": model.EventRequestSucceeded,
	"order_response":    model.EventRequestSucceeded,
	"order_placed":      model.EventRequestSucceeded,
	"order_accepted":    model.EventRequestSucceeded,
	"request_failed":    model.EventRequestFailed,
	"error":             model.EventRequestFailed,
	"order_failed":      model.EventRequestFailed,
	"tracking_obtained": model.EventTrackingObtained,
	"tracking_updated":  model.EventTrackingObtained,
	"tracking":          model.EventTrackingObtained,
	"shipment_tracking": model.EventTrackingObtained,
	"status_updated":    model.EventStatusUpdated,
	"status_update":     model.EventStatusUpdated,
	"order_status":      model.EventStatusUpdated,
	"case_updated":      model.EventCaseUpdated,
	"case_created":      model.EventCaseUpdated,
	"case_opened":       model.EventCaseUpdated,
	"case":              model.EventCaseUpdated,
	"order_cancelled":   model.EventOrderCancelled,
	"order_canceled":    model.EventOrderCancelled,
	"aborted_request":   model.EventOrderCancelled,
	"cancelled":         model.EventOrderCancelled,
}

var eventTypeKeys = []string{"event", "event_type", "webhook_type", "type", "_type"}

// canonicalEventType normalizes a provider event name. Dots, dashes and
// spaces are treated as underscores.
func canonicalEventType(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
	t, ok := eventAliases[name]
	return t, ok
}

// eventPayload is a decoded webhook body. Providers are inconsistent about
// nesting, so lookups take dotted paths and try each in turn.
type eventPayload map[string]interface{}

func decodeEventPayload(body []byte) (eventPayload, error) {
	var p eventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = eventPayload{}
	}
	return p, nil
}

// resolveEventType picks the canonical type from the explicit event name,
// then the payload's type fields, then the payload's shape.
func (p eventPayload) resolveEventType(explicit string) string {
	if t, ok := canonicalEventType(explicit); ok {
		return t
	}
	for _, key := range eventTypeKeys {
		if t, ok := canonicalEventType(p.str(key)); ok {
			return t
		}
	}
	switch {
	case p.str("code", "error.code") != "":
		return model.EventRequestFailed
	case len(p.list("tracking", "data.tracking")) > 0:
		return model.EventTrackingObtained
	case len(p.list("merchant_order_ids", "data.merchant_order_ids")) > 0:
		return model.EventRequestSucceeded
	}
	return ""
}

func (p eventPayload) lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(p)
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// str returns the first non-empty string or number found at paths.
func (p eventPayload) str(paths ...string) string {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func (p eventPayload) obj(paths ...string) eventPayload {
	for _, path := range paths {
		if v, ok := p.lookup(path); ok {
			if m, ok := v.(map[string]interface{}); ok {
				return m
			}
		}
	}
	return nil
}

func (p eventPayload) list(paths ...string) []interface{} {
	for _, path := range paths {
		if v, ok := p.lookup(path); ok {
			if l, ok := v.([]interface{}); ok && len(l) > 0 {
				return l
			}
		}
	}
	return nil
}

func (p eventPayload) boolean(paths ...string) (bool, bool) {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val, true
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// cents reads a provider amount in cents as a currency amount.
func (p eventPayload) cents(paths ...string) (decimal.Decimal, bool) {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return decimal.NewFromFloat(val).Div(decimal.NewFromInt(100)), true
		case string:
			if d, err := decimal.NewFromString(val); err == nil {
				return d.Div(decimal.NewFromInt(100)), true
			}
		}
	}
	return decimal.Zero, false
}

// objects returns the map entries of the first non-empty list at paths.
func (p eventPayload) objects(paths ...string) []eventPayload {
	var out []eventPayload
	for _, item := range p.list(paths...) {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// providerRequestID is the provider's request id carried by the event.
func (p eventPayload) providerRequestID() string {
	return p.str("request_id", "data.request_id", "error.request_id", "request.request_id")
}

// embeddedOrderID is the order id echoed back from the client notes sent on
// submission.
func (p eventPayload) embeddedOrderID() string {
	return p.str("client_notes.order_id", "request.client_notes.order_id", "data.client_notes.order_id", "order_id")
}
