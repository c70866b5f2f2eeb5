package giftpipe

import (
	"testing"

	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEventType(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"request_succeeded", model.EventRequestSucceeded, true},
		{"Order.Response", model.EventRequestSucceeded, true},
		{" request-failed ", model.EventRequestFailed, true},
		{"tracking updated", model.EventTrackingObtained, true},
		{"status.updated", model.EventStatusUpdated, true},
		{"case_opened", model.EventCaseUpdated, true},
		{"order_canceled", model.EventOrderCancelled, true},
		{"invoice_paid", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := canonicalEventType(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveEventType(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		body     string
		want     string
	}{
		{"explicit name wins", "tracking.obtained", `{"_type":"error"}`, model.EventTrackingObtained},
		{"event field", "", `{"event":"case_updated"}`, model.EventCaseUpdated},
		{"type field", "", `{"_type":"order_response"}`, model.EventRequestSucceeded},
		{"unknown explicit falls back to body", "whatever", `{"webhook_type":"status_updated"}`, model.EventStatusUpdated},
		{"error code shape", "", `{"code":"internal_error"}`, model.EventRequestFailed},
		{"nested error code shape", "", `{"error":{"code":"internal_error"}}`, model.EventRequestFailed},
		{"tracking shape", "", `{"tracking":[{"tracking_number":"1Z"}]}`, model.EventTrackingObtained},
		{"merchant ids shape", "", `{"data":{"merchant_order_ids":[{"merchant_order_id":"1"}]}}`, model.EventRequestSucceeded},
		{"empty tracking list is not a shape", "", `{"tracking":[]}`, ""},
		{"nothing recognizable", "", `{"hello":"world"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := decodeEventPayload([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.resolveEventType(tt.explicit))
		})
	}
}

func TestDecodeEventPayload(t *testing.T) {
	p, err := decodeEventPayload([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = decodeEventPayload([]byte(`["not","an","object"]`))
	assert.Error(t, err)
}

func TestEventPayloadLookups(t *testing.T) {
	p, err := decodeEventPayload([]byte(`{
		"request_id": " req_1 ",
		"count": 3,
		"flag": "true",
		"refunded": false,
		"data": {"request_id": "req_nested", "client_notes": {"order_id": "ord_7"}},
		"tracking": [{"tracking_number": "1Z1"}, "junk", {"tracking_number": "1Z2"}],
		"price": {"total": 4330, "tax": "330"},
		"blank": "   "
	}`))
	require.NoError(t, err)

	assert.Equal(t, "req_1", p.str("missing", "request_id"))
	assert.Equal(t, "req_nested", p.str("data.request_id"))
	assert.Equal(t, "3", p.str("count"))
	assert.Equal(t, "req_1", p.str("blank", "request_id"))
	assert.Empty(t, p.str("tracking.5.tracking_number", "tracking.x", "price.total.deep"))
	assert.Equal(t, "1Z2", p.str("tracking.2.tracking_number"))

	assert.Equal(t, "ord_7", p.obj("data.client_notes").str("order_id"))
	assert.Nil(t, p.obj("request_id"))

	assert.Len(t, p.list("tracking"), 3)
	assert.Len(t, p.objects("tracking"), 2)
	assert.Nil(t, p.list("price"))

	flag, ok := p.boolean("flag")
	assert.True(t, ok)
	assert.True(t, flag)
	refunded, ok := p.boolean("refunded")
	assert.True(t, ok)
	assert.False(t, refunded)
	_, ok = p.boolean("request_id", "nope")
	assert.False(t, ok)

	total, ok := p.cents("price.total")
	assert.True(t, ok)
	assert.True(t, decimal.RequireFromString("43.30").Equal(total))
	tax, ok := p.cents("price.tax")
	assert.True(t, ok)
	assert.True(t, decimal.RequireFromString("3.30").Equal(tax))
	_, ok = p.cents("request_id")
	assert.False(t, ok)

	assert.Equal(t, "req_1", p.providerRequestID())
	assert.Equal(t, "ord_7", p.embeddedOrderID())
}
