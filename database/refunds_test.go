package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRefundRequest_InsertsOncePerOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO giftpipe.refund_requests").
		WithArgs(sqlmock.AnyArg(), "ord_1", "40", "case refund", model.RefundStatusPending, model.RefundTypeFull, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO giftpipe.refund_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first := &model.RefundRequest{OrderID: "ord_1", Amount: decimal.NewFromInt(40), Reason: "case refund", RefundType: model.RefundTypeFull}
	created, err := ds.CreateRefundRequest(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, model.RefundStatusPending, first.Status)

	second := &model.RefundRequest{OrderID: "ord_1", Amount: decimal.NewFromInt(40), Reason: "case refund", RefundType: model.RefundTypeFull}
	created, err = ds.CreateRefundRequest(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestGetPendingRefund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("FROM giftpipe.refund_requests").
		WithArgs("ord_1", model.RefundStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount", "reason", "status", "refund_type", "metadata", "created_at"}).
			AddRow("rfd_1", "ord_1", "12.50", "partial", model.RefundStatusPending, model.RefundTypePartial, []byte(`{"case_id":"c1"}`), time.Now()))
	mock.ExpectQuery("FROM giftpipe.refund_requests").
		WithArgs("ord_2", model.RefundStatusPending).
		WillReturnError(sql.ErrNoRows)

	refund, err := ds.GetPendingRefund(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", refund.Amount.String())
	assert.Equal(t, "c1", refund.Metadata["case_id"])

	_, err = ds.GetPendingRefund(context.Background(), "ord_2")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}
