package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderColumnNames = []string{
	"id", "order_number", "user_id", "status", "payment_status", "funding_status", "total_amount",
	"scheduled_delivery_date", "fulfillment_request_id", "webhook_token", "tracking_number", "estimated_delivery",
	"retry_count", "retry_reason", "next_retry_at", "error_classification", "admin_message", "delivery_groups",
	"has_multiple_recipients", "shipping_address", "notes", "webhook_received_at", "version", "created_at", "updated_at",
}

func orderRowValues(t *testing.T, id, status string, version int64) []driver.Value {
	groups, err := json.Marshal([]model.DeliveryGroup{{
		RecipientName: "Ada Lovelace",
		Address:       model.Address{FirstName: "Ada", LastName: "Lovelace", AddressLine: "1 Main St", City: "Austin", State: "TX", ZipCode: "78701", Country: "US"},
		Items:         []model.OrderItem{{ProductID: "B000123", Quantity: 1, UnitPrice: decimal.RequireFromString("25.00")}},
	}})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "GP-1001", "user_1", status, "succeeded", "succeeded", "25.00",
		now.AddDate(0, 0, 4), "req_1", "tok", nil, nil,
		int64(0), nil, nil, nil, nil, groups,
		false, nil, []byte(`{"version":2,"carrier":"UPS","vendor_ref":"x1"}`), nil, version, now, now,
	}
}

func TestGetOrderByID_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(orderColumnNames).AddRow(orderRowValues(t, "ord_1", model.OrderStatusScheduled, 3)...)
	mock.ExpectQuery(regexp.QuoteMeta("FROM giftpipe.orders WHERE id = $1")).
		WithArgs("ord_1").
		WillReturnRows(rows)

	o, err := ds.GetOrderByID(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "GP-1001", o.OrderNumber)
	assert.Equal(t, model.OrderStatusScheduled, o.Status)
	assert.True(t, decimal.RequireFromString("25").Equal(o.TotalAmount))
	assert.Equal(t, "req_1", o.FulfillmentRequestID)
	assert.Empty(t, o.TrackingNumber)
	assert.Nil(t, o.EstimatedDelivery)
	assert.Nil(t, o.ShippingAddress)
	assert.Len(t, o.DeliveryGroups, 1)
	assert.Equal(t, "UPS", o.Notes.Carrier)
	assert.Contains(t, o.Notes.Extras, "vendor_ref")
	assert.Equal(t, int64(3), o.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery(regexp.QuoteMeta("FROM giftpipe.orders WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	o, err := ds.GetOrderByID(context.Background(), "missing")
	assert.Nil(t, o)
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestGetOrderByRequestID_MatchesSubRequests(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(orderColumnNames).AddRow(orderRowValues(t, "ord_2", model.OrderStatusProcessing, 1)...)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE fulfillment_request_id = $1 OR notes->'sub_request_ids' ? $1")).
		WithArgs("req_sub").
		WillReturnRows(rows)

	o, err := ds.GetOrderByRequestID(context.Background(), "req_sub")
	require.NoError(t, err)
	assert.Equal(t, "ord_2", o.ID)
}

func TestGetDueOrders(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Now()
	cutoff := now.AddDate(0, 0, 5)

	rows := sqlmock.NewRows(orderColumnNames).
		AddRow(orderRowValues(t, "ord_1", model.OrderStatusScheduled, 1)...).
		AddRow(orderRowValues(t, "ord_2", model.OrderStatusScheduled, 1)...)
	mock.ExpectQuery("SELECT (.+) FROM giftpipe.orders WHERE status = \\$1").
		WithArgs(model.OrderStatusScheduled, cutoff, model.FundingStatusAwaitingFunds, now).
		WillReturnRows(rows)

	orders, err := ds.GetDueOrders(context.Background(), cutoff, now)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissedOrders_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("scheduled_delivery_date < \\$1").WillReturnError(sql.ErrConnDone)

	_, err = ds.GetMissedOrders(context.Background(), time.Now())
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
}

func TestGetStuckOrders(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	before := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows(orderColumnNames).AddRow(orderRowValues(t, "ord_9", model.OrderStatusProcessing, 4)...)
	mock.ExpectQuery("fulfillment_request_id IS NULL OR fulfillment_request_id = ''").
		WithArgs(model.OrderStatusProcessing, before, 50).
		WillReturnRows(rows)

	orders, err := ds.GetStuckOrders(context.Background(), before, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ord_9", orders[0].ID)
	assert.Equal(t, int64(4), orders[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOrder_Won(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(orderColumnNames).AddRow(orderRowValues(t, "ord_1", model.OrderStatusProcessing, 4)...)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs("ord_1", model.OrderStatusScheduled, model.OrderStatusProcessing).
		WillReturnRows(rows)

	o, err := ds.ClaimOrder(context.Background(), "ord_1", model.OrderStatusScheduled, model.OrderStatusProcessing)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, model.OrderStatusProcessing, o.Status)
	assert.Equal(t, int64(4), o.Version)
}

func TestClaimOrder_Lost(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs("ord_1", model.OrderStatusScheduled, model.OrderStatusProcessing).
		WillReturnRows(sqlmock.NewRows(orderColumnNames))

	o, err := ds.ClaimOrder(context.Background(), "ord_1", model.OrderStatusScheduled, model.OrderStatusProcessing)
	assert.NoError(t, err)
	assert.Nil(t, o)
}

func TestUpdateOrder_BumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	o := &model.Order{ID: "ord_1", Version: 2, Status: model.OrderStatusShipped, TrackingNumber: "1Z999"}
	updatedAt := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND version = $2")).
		WithArgs("ord_1", int64(2), model.OrderStatusShipped, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "1Z999", sqlmock.AnyArg(), 0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(3), updatedAt))

	ok, err := ds.UpdateOrder(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), o.Version)
	assert.Equal(t, updatedAt, o.UpdatedAt)
}

func TestUpdateOrder_StaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	o := &model.Order{ID: "ord_1", Version: 2, Status: model.OrderStatusShipped}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND version = $2")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))

	ok, err := ds.UpdateOrder(context.Background(), o)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), o.Version)
}

func TestIsOrderCancellable(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status = ANY($2)")).
		WithArgs("ord_1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status = ANY($2)")).
		WithArgs("ord_x", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	ok, err := ds.IsOrderCancellable(context.Background(), "ord_1")
	assert.NoError(t, err)
	assert.True(t, ok)

	_, err = ds.IsOrderCancellable(context.Background(), "ord_x")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}
