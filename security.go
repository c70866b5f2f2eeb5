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
	"context"
	"fmt"
	"time"

	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/database"
	"github.com/giftpipe/giftpipe/internal/metrics"
	redis_db "github.com/giftpipe/giftpipe/internal/redis-db"
	"github.com/giftpipe/giftpipe/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Names of the security checks, as written to the audit log.
const (
	CheckRateLimit  = "daily_order_rate"
	CheckSpendLimit = "spend_limit"
	CheckPattern    = "duplicate_pattern"
)

// ValidationInput describes the order about to be submitted.
type ValidationInput struct {
	UserID        string
	OrderID       string
	Amount        decimal.Decimal
	IsScheduled   bool
	ScheduledDate time.Time
}

// CheckOutcome is the result of one check.
type CheckOutcome struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Blocked  bool   `json:"blocked"`
	Message  string `json:"message"`
}

// ValidationResult aggregates every check. Blocked is set only by checks that
// genuinely deny the order; errors while checking surface as warnings.
type ValidationResult struct {
	Passed   bool           `json:"passed"`
	Blocked  bool           `json:"blocked"`
	Warnings []string       `json:"warnings,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Checks   []CheckOutcome `json:"checks"`
}

// PatternSignal is what the validator knows when judging abuse patterns.
type PatternSignal struct {
	UserID            string
	OrderID           string
	Amount            decimal.Decimal
	Duplicate         bool
	RecentValidations int
	Window            time.Duration
}

// PatternVerdict is a pattern policy's decision.
type PatternVerdict struct {
	Blocked bool
	Message string
}

// PatternPolicy decides which submission patterns are abusive. An exact
// duplicate alone is reported as a warning by the validator regardless of the
// policy.
type PatternPolicy interface {
	Evaluate(ctx context.Context, signal PatternSignal) PatternVerdict
}

// ThresholdPatternPolicy blocks a user who already has Threshold or more
// distinct orders validated inside the window.
type ThresholdPatternPolicy struct {
	Threshold int
}

func (p ThresholdPatternPolicy) Evaluate(_ context.Context, signal PatternSignal) PatternVerdict {
	if p.Threshold > 0 && signal.RecentValidations >= p.Threshold {
		return PatternVerdict{
			Blocked: true,
			Message: fmt.Sprintf("%d orders validated for user in the last %s (threshold %d)", signal.RecentValidations, signal.Window, p.Threshold),
		}
	}
	return PatternVerdict{}
}

// defaultPatternPolicy never blocks below the daily order limit.
func defaultPatternPolicy(cfg config.SecurityConfig) ThresholdPatternPolicy {
	threshold := cfg.PatternThreshold
	if threshold < cfg.DailyOrderLimit {
		threshold = cfg.DailyOrderLimit
	}
	return ThresholdPatternPolicy{Threshold: threshold}
}

// SecurityValidator runs the per-user and per-order checks that gate a
// submission.
type SecurityValidator struct {
	datasource        database.IDataSource
	counter           *redis_db.Counter
	policy            PatternPolicy
	dailyOrderLimit   int64
	dailySpendLimit   decimal.Decimal
	monthlySpendLimit decimal.Decimal
	patternWindow     time.Duration
	now               func() time.Time
}

func NewSecurityValidator(ds database.IDataSource, counter *redis_db.Counter, cfg config.SecurityConfig, policy PatternPolicy, now func() time.Time) (*SecurityValidator, error) {
	daily, err := decimal.NewFromString(cfg.DailySpendLimit)
	if err != nil {
		return nil, fmt.Errorf("daily spend limit: %w", err)
	}
	monthly, err := decimal.NewFromString(cfg.MonthlySpendLimit)
	if err != nil {
		return nil, fmt.Errorf("monthly spend limit: %w", err)
	}
	if policy == nil {
		policy = defaultPatternPolicy(cfg)
	}
	if now == nil {
		now = time.Now
	}
	return &SecurityValidator{
		datasource:        ds,
		counter:           counter,
		policy:            policy,
		dailyOrderLimit:   int64(cfg.DailyOrderLimit),
		dailySpendLimit:   daily,
		monthlySpendLimit: monthly,
		patternWindow:     time.Duration(cfg.PatternWindowMinutes) * time.Minute,
		now:               now,
	}, nil
}

// Validate runs the rate, spend and pattern checks in order. Every outcome is
// written to the security audit log.
func (v *SecurityValidator) Validate(ctx context.Context, in ValidationInput) ValidationResult {
	ctx, span := tracer.Start(ctx, "Validating order security")
	defer span.End()

	result := ValidationResult{}
	checks := []func(context.Context, ValidationInput) (CheckOutcome, error){
		v.checkRateLimit,
		v.checkSpendLimits,
		v.checkPatterns,
	}
	names := []string{CheckRateLimit, CheckSpendLimit, CheckPattern}

	for i, check := range checks {
		outcome, err := check(ctx, in)
		if err != nil {
			// a check that cannot run never denies an order
			outcome = CheckOutcome{
				Name:     names[i],
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("check could not complete: %v", err),
			}
			result.Errors = append(result.Errors, outcome.Message)
		}
		result.Checks = append(result.Checks, outcome)
		if outcome.Severity == model.SeverityWarning && err == nil {
			result.Warnings = append(result.Warnings, outcome.Message)
		}
		if outcome.Blocked {
			result.Blocked = true
		}
		v.audit(ctx, in, outcome)
		if result.Blocked {
			break
		}
	}

	result.Passed = !result.Blocked
	return result
}

// RecordSubmission counts a submitted order against the user's daily rate and
// spend. Failures are logged; they only weaken later checks.
func (v *SecurityValidator) RecordSubmission(ctx context.Context, o *model.Order) {
	now := v.now()
	if v.counter != nil {
		if _, err := v.counter.Incr(ctx, dailyKey(o.UserID, now), 24*time.Hour); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": o.UserID, "error": err}).Warn("failed to count submission")
		}
	}
	err := v.datasource.RecordCost(ctx, model.CostEntry{UserID: o.UserID, OrderID: o.ID, Amount: o.TotalAmount, CreatedAt: now})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": o.ID, "error": err}).Warn("failed to record order cost")
	}
}

func (v *SecurityValidator) checkRateLimit(ctx context.Context, in ValidationInput) (CheckOutcome, error) {
	outcome := CheckOutcome{Name: CheckRateLimit, Severity: model.SeverityInfo}
	if v.counter == nil || v.dailyOrderLimit <= 0 {
		outcome.Message = "rate limit not enforced"
		return outcome, nil
	}
	count, err := v.counter.Get(ctx, dailyKey(in.UserID, v.now()))
	if err != nil {
		return outcome, err
	}
	if count >= v.dailyOrderLimit {
		outcome.Severity = model.SeverityCritical
		outcome.Blocked = true
		outcome.Message = fmt.Sprintf("daily order limit reached: %d of %d", count, v.dailyOrderLimit)
		return outcome, nil
	}
	outcome.Message = fmt.Sprintf("%d of %d daily orders used", count, v.dailyOrderLimit)
	return outcome, nil
}

func (v *SecurityValidator) checkSpendLimits(ctx context.Context, in ValidationInput) (CheckOutcome, error) {
	outcome := CheckOutcome{Name: CheckSpendLimit, Severity: model.SeverityInfo}
	now := v.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := v.datasource.SumCostSince(ctx, in.UserID, startOfDay)
	if err != nil {
		return outcome, err
	}
	if daily.Add(in.Amount).GreaterThan(v.dailySpendLimit) {
		outcome.Severity = model.SeverityCritical
		outcome.Blocked = true
		outcome.Message = fmt.Sprintf("daily spend limit exceeded: %s + %s > %s", daily.StringFixed(2), in.Amount.StringFixed(2), v.dailySpendLimit.StringFixed(2))
		return outcome, nil
	}

	monthly, err := v.datasource.SumCostSince(ctx, in.UserID, startOfMonth)
	if err != nil {
		return outcome, err
	}
	if monthly.Add(in.Amount).GreaterThan(v.monthlySpendLimit) {
		outcome.Severity = model.SeverityCritical
		outcome.Blocked = true
		outcome.Message = fmt.Sprintf("monthly spend limit exceeded: %s + %s > %s", monthly.StringFixed(2), in.Amount.StringFixed(2), v.monthlySpendLimit.StringFixed(2))
		return outcome, nil
	}

	outcome.Message = "within spend limits"
	return outcome, nil
}

func (v *SecurityValidator) checkPatterns(ctx context.Context, in ValidationInput) (CheckOutcome, error) {
	outcome := CheckOutcome{Name: CheckPattern, Severity: model.SeverityInfo}
	orderType := "immediate"
	if in.IsScheduled {
		orderType = "scheduled"
	}
	hash := model.ValidationFingerprint(in.OrderID, orderType, in.Amount, in.ScheduledDate)

	duplicate, err := v.datasource.ValidationHashExists(ctx, hash)
	if err != nil {
		return outcome, err
	}
	recent, err := v.datasource.CountValidationsSince(ctx, in.UserID, v.now().Add(-v.patternWindow))
	if err != nil {
		return outcome, err
	}

	verdict := v.policy.Evaluate(ctx, PatternSignal{
		UserID:            in.UserID,
		OrderID:           in.OrderID,
		Amount:            in.Amount,
		Duplicate:         duplicate,
		RecentValidations: recent,
		Window:            v.patternWindow,
	})

	if !duplicate {
		err = v.datasource.RecordValidationHash(ctx, model.ValidationHash{
			Hash: hash, UserID: in.UserID, OrderID: in.OrderID, Amount: in.Amount, CreatedAt: v.now(),
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{"order_id": in.OrderID, "error": err}).Warn("failed to record validation hash")
		}
	}

	switch {
	case verdict.Blocked:
		outcome.Severity = model.SeverityCritical
		outcome.Blocked = true
		outcome.Message = "suspicious pattern: " + verdict.Message
	case duplicate:
		outcome.Severity = model.SeverityWarning
		outcome.Message = "duplicate submission fingerprint " + hash[:12]
	default:
		outcome.Message = "no suspicious pattern"
	}
	return outcome, nil
}

func (v *SecurityValidator) audit(ctx context.Context, in ValidationInput, outcome CheckOutcome) {
	metrics.SecurityChecksTotal.WithLabelValues(outcome.Name, outcome.Severity).Inc()

	err := v.datasource.RecordSecurityAudit(ctx, &model.SecurityAuditLog{
		UserID:    in.UserID,
		OrderID:   in.OrderID,
		CheckName: outcome.Name,
		Severity:  outcome.Severity,
		Blocked:   outcome.Blocked,
		Message:   outcome.Message,
		Details: map[string]interface{}{
			"amount":       in.Amount.StringFixed(2),
			"is_scheduled": in.IsScheduled,
		},
		CreatedAt: v.now(),
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"order_id": in.OrderID, "check": outcome.Name, "error": err}).Warn("failed to write security audit")
	}
}

func dailyKey(userID string, at time.Time) string {
	return "orders:" + userID + ":" + at.UTC().Format("2006-01-02")
}
