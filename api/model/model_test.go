package model

import (
	"testing"

	"github.com/giftpipe/giftpipe"
	"github.com/stretchr/testify/assert"
)

func TestValidateAdminAction(t *testing.T) {
	tests := []struct {
		name    string
		action  AdminAction
		wantErr bool
	}{
		{
			name:    "Valid cancel",
			action:  AdminAction{Action: giftpipe.ActionCancelOrder, OrderID: "ord_1", CancellationReason: "customer asked"},
			wantErr: false,
		},
		{
			name:    "Valid status check without reason",
			action:  AdminAction{Action: giftpipe.ActionCheckOrderStatus, OrderID: "ord_1"},
			wantErr: false,
		},
		{
			name:    "Missing order id",
			action:  AdminAction{Action: giftpipe.ActionAbortOrder},
			wantErr: true,
		},
		{
			name:    "Missing action",
			action:  AdminAction{OrderID: "ord_1"},
			wantErr: true,
		},
		{
			name:    "Unknown action",
			action:  AdminAction{Action: "refund_everything", OrderID: "ord_1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.ValidateAdminAction()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToAdminActionRequest(t *testing.T) {
	a := AdminAction{Action: " cancel_order ", OrderID: " ord_1 ", CancellationReason: " late ", Actor: "ops@giftpipe.test"}
	req := a.ToAdminActionRequest()
	assert.Equal(t, giftpipe.AdminActionRequest{
		Action:             giftpipe.ActionCancelOrder,
		OrderID:            "ord_1",
		CancellationReason: "late",
		Actor:              "ops@giftpipe.test",
	}, req)
}
