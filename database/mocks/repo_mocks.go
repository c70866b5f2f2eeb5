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
package mocks

import (
	"context"
	"time"

	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Order methods

func (m *MockDataSource) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

func (m *MockDataSource) GetOrderByRequestID(ctx context.Context, requestID string) (*model.Order, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

func (m *MockDataSource) GetDueOrders(ctx context.Context, cutoff, now time.Time) ([]*model.Order, error) {
	args := m.Called(ctx, cutoff, now)
	return args.Get(0).([]*model.Order), args.Error(1)
}

func (m *MockDataSource) GetRetryableOrders(ctx context.Context, now time.Time) ([]*model.Order, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]*model.Order), args.Error(1)
}

func (m *MockDataSource) GetMissedOrders(ctx context.Context, now time.Time) ([]*model.Order, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]*model.Order), args.Error(1)
}

func (m *MockDataSource) GetStuckOrders(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Order, error) {
	args := m.Called(ctx, updatedBefore, limit)
	return args.Get(0).([]*model.Order), args.Error(1)
}

func (m *MockDataSource) ClaimOrder(ctx context.Context, id, from, to string) (*model.Order, error) {
	args := m.Called(ctx, id, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

func (m *MockDataSource) UpdateOrder(ctx context.Context, order *model.Order) (bool, error) {
	args := m.Called(ctx, order)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) IsOrderCancellable(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// Webhook ledger methods

func (m *MockDataSource) GetWebhookDelivery(ctx context.Context, eventID, eventType string) (*model.WebhookDeliveryLog, error) {
	args := m.Called(ctx, eventID, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookDeliveryLog), args.Error(1)
}

func (m *MockDataSource) ClaimWebhookDelivery(ctx context.Context, entry *model.WebhookDeliveryLog, staleAfter time.Duration) (bool, error) {
	args := m.Called(ctx, entry, staleAfter)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CompleteWebhookDelivery(ctx context.Context, eventID, eventType, orderID string) error {
	args := m.Called(ctx, eventID, eventType, orderID)
	return args.Error(0)
}

func (m *MockDataSource) FailWebhookDelivery(ctx context.Context, eventID, eventType, message string) error {
	args := m.Called(ctx, eventID, eventType, message)
	return args.Error(0)
}

// Refund methods

func (m *MockDataSource) CreateRefundRequest(ctx context.Context, refund *model.RefundRequest) (bool, error) {
	args := m.Called(ctx, refund)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetPendingRefund(ctx context.Context, orderID string) (*model.RefundRequest, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RefundRequest), args.Error(1)
}

// Alert methods

func (m *MockDataSource) CreateAdminAlert(ctx context.Context, alert *model.AdminAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockDataSource) AlertExists(ctx context.Context, orderID, alertType string, since time.Time) (bool, error) {
	args := m.Called(ctx, orderID, alertType, since)
	return args.Bool(0), args.Error(1)
}

// Cron log methods

func (m *MockDataSource) CreateCronLog(ctx context.Context, entry *model.CronExecutionLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) UpdateCronLog(ctx context.Context, entry *model.CronExecutionLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetLastCronLog(ctx context.Context, jobName string) (*model.CronExecutionLog, error) {
	args := m.Called(ctx, jobName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CronExecutionLog), args.Error(1)
}

// Notification methods

func (m *MockDataSource) EnqueueNotification(ctx context.Context, n *model.NotificationRequest) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// Security methods

func (m *MockDataSource) SumCostSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, userID, since)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockDataSource) RecordCost(ctx context.Context, entry model.CostEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) ValidationHashExists(ctx context.Context, hash string) (bool, error) {
	args := m.Called(ctx, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CountValidationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	args := m.Called(ctx, userID, since)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) RecordValidationHash(ctx context.Context, entry model.ValidationHash) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) RecordSecurityAudit(ctx context.Context, entry *model.SecurityAuditLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// Profile methods

func (m *MockDataSource) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserProfile), args.Error(1)
}
