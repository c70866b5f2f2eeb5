package giftpipe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationInput(orderID string) ValidationInput {
	return ValidationInput{
		UserID:        "user_1",
		OrderID:       orderID,
		Amount:        decimal.RequireFromString("40.00"),
		IsScheduled:   true,
		ScheduledDate: testNow.AddDate(0, 0, 3),
	}
}

func TestSecurityValidator_Passes(t *testing.T) {
	h := newTestPipeline(t)

	result := h.g.validator.Validate(context.Background(), validationInput("ord_1"))
	assert.True(t, result.Passed)
	assert.False(t, result.Blocked)
	assert.Empty(t, result.Warnings)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Checks, 3)
	assert.Equal(t, CheckRateLimit, result.Checks[0].Name)
	assert.Equal(t, CheckSpendLimit, result.Checks[1].Name)
	assert.Equal(t, CheckPattern, result.Checks[2].Name)

	require.Len(t, h.ds.audits, 3)
	for _, a := range h.ds.audits {
		assert.Equal(t, "ord_1", a.OrderID)
		assert.Equal(t, model.SeverityInfo, a.Severity)
		assert.Equal(t, "40.00", a.Details["amount"])
	}
	assert.Len(t, h.ds.hashes, 1)
}

func TestSecurityValidator_DailyOrderLimit(t *testing.T) {
	h := newTestPipeline(t)
	o := newScheduledOrder("ord_prev")
	o.TotalAmount = decimal.RequireFromString("1.00")
	for i := 0; i < 10; i++ {
		h.g.validator.RecordSubmission(context.Background(), o)
	}
	assert.Len(t, h.ds.costs, 10)

	result := h.g.validator.Validate(context.Background(), validationInput("ord_11"))
	assert.True(t, result.Blocked)
	assert.False(t, result.Passed)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, model.SeverityCritical, result.Checks[0].Severity)
	assert.Contains(t, result.Checks[0].Message, "10 of 10")

	require.Len(t, h.ds.audits, 1)
	assert.True(t, h.ds.audits[0].Blocked)

	// the counter is per day
	h.advance(24 * time.Hour)
	result = h.g.validator.Validate(context.Background(), validationInput("ord_12"))
	assert.True(t, result.Passed)
}

func TestSecurityValidator_SpendLimits(t *testing.T) {
	tests := []struct {
		name      string
		spentAt   time.Time
		spent     string
		wantBlock bool
		wantMsg   string
	}{
		{name: "under both limits", spentAt: testNow.Add(-time.Hour), spent: "400.00"},
		{name: "daily limit", spentAt: testNow.Add(-time.Hour), spent: "480.00", wantBlock: true, wantMsg: "daily spend limit exceeded"},
		{name: "exactly at daily limit", spentAt: testNow.Add(-time.Hour), spent: "460.00"},
		{name: "yesterday counts toward the month only", spentAt: testNow.AddDate(0, 0, -1), spent: "480.00"},
		{name: "monthly limit", spentAt: testNow.AddDate(0, 0, -8), spent: "4980.00", wantBlock: true, wantMsg: "monthly spend limit exceeded"},
		{name: "last month is ignored", spentAt: testNow.AddDate(0, -1, 0), spent: "4980.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestPipeline(t)
			h.ds.costs = append(h.ds.costs, model.CostEntry{UserID: "user_1", OrderID: "ord_old", Amount: decimal.RequireFromString(tt.spent), CreatedAt: tt.spentAt})
			h.ds.costs = append(h.ds.costs, model.CostEntry{UserID: "user_2", OrderID: "ord_other", Amount: decimal.RequireFromString("9999"), CreatedAt: testNow})

			result := h.g.validator.Validate(context.Background(), validationInput("ord_1"))
			assert.Equal(t, tt.wantBlock, result.Blocked)
			if tt.wantBlock {
				require.Len(t, result.Checks, 2)
				assert.Contains(t, result.Checks[1].Message, tt.wantMsg)
				assert.Empty(t, h.ds.hashes)
			}
		})
	}
}

func TestSecurityValidator_DuplicateIsAWarning(t *testing.T) {
	h := newTestPipeline(t)

	first := h.g.validator.Validate(context.Background(), validationInput("ord_1"))
	require.True(t, first.Passed)

	second := h.g.validator.Validate(context.Background(), validationInput("ord_1"))
	assert.True(t, second.Passed)
	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "duplicate submission fingerprint")
	assert.Equal(t, model.SeverityWarning, second.Checks[2].Severity)
	assert.Len(t, h.ds.hashes, 1)
}

func TestSecurityValidator_PatternThreshold(t *testing.T) {
	h := newTestPipeline(t)

	// the configured threshold of 5 is lifted to the daily order limit of 10
	for i := 1; i <= 10; i++ {
		result := h.g.validator.Validate(context.Background(), validationInput(fmt.Sprintf("ord_%d", i)))
		require.True(t, result.Passed, "order %d", i)
	}

	result := h.g.validator.Validate(context.Background(), validationInput("ord_11"))
	assert.True(t, result.Blocked)
	assert.Contains(t, result.Checks[2].Message, "suspicious pattern")
	assert.Contains(t, result.Checks[2].Message, "(threshold 10)")

	// validations age out of the window
	h.advance(61 * time.Minute)
	result = h.g.validator.Validate(context.Background(), validationInput("ord_12"))
	assert.True(t, result.Passed)
}

func TestDefaultPatternPolicy(t *testing.T) {
	assert.Equal(t, 10, defaultPatternPolicy(config.SecurityConfig{DailyOrderLimit: 10, PatternThreshold: 5}).Threshold)
	assert.Equal(t, 20, defaultPatternPolicy(config.SecurityConfig{DailyOrderLimit: 10, PatternThreshold: 20}).Threshold)
}

type recordingPolicy struct {
	signals []PatternSignal
	verdict PatternVerdict
}

func (p *recordingPolicy) Evaluate(_ context.Context, signal PatternSignal) PatternVerdict {
	p.signals = append(p.signals, signal)
	return p.verdict
}

func TestSecurityValidator_CustomPolicy(t *testing.T) {
	h := newTestPipeline(t)
	policy := &recordingPolicy{verdict: PatternVerdict{Blocked: true, Message: "manual hold"}}
	v, err := NewSecurityValidator(h.ds, nil, config.SecurityConfig{DailySpendLimit: "500", MonthlySpendLimit: "5000", PatternWindowMinutes: 60}, policy, h.now)
	require.NoError(t, err)

	result := v.Validate(context.Background(), validationInput("ord_1"))
	assert.True(t, result.Blocked)
	assert.Equal(t, "rate limit not enforced", result.Checks[0].Message)
	require.Len(t, policy.signals, 1)
	assert.False(t, policy.signals[0].Duplicate)
	assert.Equal(t, time.Hour, policy.signals[0].Window)
	assert.Equal(t, "suspicious pattern: manual hold", result.Checks[2].Message)
}

func TestNewSecurityValidator_BadLimits(t *testing.T) {
	_, err := NewSecurityValidator(nil, nil, config.SecurityConfig{DailySpendLimit: "lots", MonthlySpendLimit: "5000"}, nil, nil)
	assert.Error(t, err)

	_, err = NewSecurityValidator(nil, nil, config.SecurityConfig{DailySpendLimit: "500", MonthlySpendLimit: ""}, nil, nil)
	assert.Error(t, err)
}

type brokenCostDatasource struct {
	*fakeDatasource
}

func (brokenCostDatasource) SumCostSince(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("connection refused")
}

func TestSecurityValidator_CheckErrorsNeverBlock(t *testing.T) {
	h := newTestPipeline(t)
	v, err := NewSecurityValidator(brokenCostDatasource{h.ds}, nil, config.SecurityConfig{DailySpendLimit: "500", MonthlySpendLimit: "5000"}, nil, h.now)
	require.NoError(t, err)

	result := v.Validate(context.Background(), validationInput("ord_1"))
	assert.True(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "connection refused")
	assert.Empty(t, result.Warnings)
	assert.Equal(t, model.SeverityWarning, result.Checks[1].Severity)
	assert.Len(t, h.ds.audits, 3)
}
