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

// Package classifier maps fulfillment provider error codes onto retry and
// escalation decisions. Rules are evaluated in order and the first match wins;
// the final rule matches everything, so Classify always returns a result.
package classifier

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	PaymentRequired Type = "payment_required"
	RetryableSystem Type = "retryable_system"
	AccountCritical Type = "account_critical"
	ManualReview    Type = "manual_review"
)

// Alert levels share the vocabulary of admin alert severities.
const (
	AlertInfo     = "info"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// CodeSystemError is the code recorded for failures raised by the pipeline
// itself rather than reported by the provider.
const CodeSystemError = "system_error"

type Classification struct {
	Type                      Type   `json:"type"`
	Rule                      string `json:"rule"`
	Code                      string `json:"code"`
	ShouldRetry               bool   `json:"should_retry"`
	RetryDelaySeconds         int    `json:"retry_delay_seconds"`
	MaxRetries                int    `json:"max_retries"`
	UseProviderNativeRetry    bool   `json:"use_provider_native_retry"`
	RequiresAdminIntervention bool   `json:"requires_admin_intervention"`
	AlertLevel                string `json:"alert_level"`
	UserFriendlyMessage       string `json:"user_friendly_message"`
	AdminMessage              string `json:"admin_message"`
}

// RetryDelay returns the delay before the next attempt.
func (c Classification) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// CanRetry reports whether another attempt is allowed after retryCount
// attempts have already been consumed.
func (c Classification) CanRetry(retryCount int) bool {
	return c.ShouldRetry && retryCount < c.MaxRetries
}

// Rule is one row of the decision table.
type Rule struct {
	Name  string
	Match func(code, message string) bool
	// Result builds the classification; admin messages may embed the raw code
	// and message.
	Result func(code, message string) Classification
}

// Codes that mean the merchant account funding the provider cannot pay.
var accountCodes = []string{
	"insufficient_zma_balance",
	"zma_balance_too_low",
	"zma_account_suspended",
	"account_locked_verification_required",
	"account_login_failed",
	"invalid_client_token",
}

// Codes the customer (or the order data they supplied) has to fix.
var customerCodes = []string{
	"invalid_request",
	"invalid_json",
	"invalid_quantity",
	"invalid_shipping_method",
	"invalid_payment_method",
	"invalid_gift_options",
	"payment_info_problem",
	"payment_required",
	"credit_card_declined",
	"shipping_address_refused",
	"invalid_shipping_address",
	"address_validation_failed",
	"product_unavailable",
	"product_out_of_stock",
	"product_not_found",
	"max_price_exceeded",
	"max_delivery_days_exceeded",
	"brand_not_accepted",
}

var overloadedCodes = []string{
	"zma_temporarily_overloaded",
	"max_concurrent_requests_exceeded",
}

var isCustomerCode = codeIn(customerCodes...)

var networkFragments = []string{"network", "timeout", "timed_out", "connection"}

// DefaultRules is the decision table used by Classify.
var DefaultRules = []Rule{
	{
		Name:  "account_funding",
		Match: codeIn(accountCodes...),
		Result: func(code, message string) Classification {
			return Classification{
				Type:                      AccountCritical,
				RequiresAdminIntervention: true,
				AlertLevel:                AlertCritical,
				UserFriendlyMessage:       "We're finalizing your gift order. Our team has been notified and will follow up shortly.",
				AdminMessage:              adminMessage("Fulfillment account cannot fund orders; top up or unlock the provider account", code, message),
			}
		},
	},
	{
		Name:  "provider_internal",
		Match: codeIn("internal_error"),
		Result: func(code, message string) Classification {
			return Classification{
				Type:                RetryableSystem,
				ShouldRetry:         true,
				RetryDelaySeconds:   7200,
				MaxRetries:          2,
				AlertLevel:          AlertWarning,
				UserFriendlyMessage: "Your gift is delayed due to a temporary issue with our fulfillment partner. We'll retry automatically.",
				AdminMessage:        adminMessage("Provider internal error; resubmission scheduled", code, message),
			}
		},
	},
	{
		Name:  "provider_overloaded",
		Match: codeIn(overloadedCodes...),
		Result: func(code, message string) Classification {
			return Classification{
				Type:                   RetryableSystem,
				ShouldRetry:            true,
				RetryDelaySeconds:      1800,
				MaxRetries:             3,
				UseProviderNativeRetry: true,
				AlertLevel:             AlertWarning,
				UserFriendlyMessage:    "Your gift is delayed while our fulfillment partner catches up. We'll retry automatically.",
				AdminMessage:           adminMessage("Provider overloaded; native retry scheduled", code, message),
			}
		},
	},
	{
		Name:  "system_error",
		Match: codeIn(CodeSystemError),
		Result: func(code, message string) Classification {
			return SystemError(message)
		},
	},
	{
		Name:  "network",
		Match: codeContains(networkFragments...),
		Result: func(code, message string) Classification {
			return Classification{
				Type:                RetryableSystem,
				ShouldRetry:         true,
				RetryDelaySeconds:   900,
				MaxRetries:          3,
				AlertLevel:          AlertWarning,
				UserFriendlyMessage: "Your gift is delayed by a connection problem. We'll retry automatically.",
				AdminMessage:        adminMessage("Network failure talking to the provider; resubmission scheduled", code, message),
			}
		},
	},
	{
		Name: "customer_action",
		Match: func(code, message string) bool {
			return isCustomerCode(code, message) || strings.HasPrefix(code, "invalid_")
		},
		Result: func(code, message string) Classification {
			return Classification{
				Type:                PaymentRequired,
				AlertLevel:          AlertInfo,
				UserFriendlyMessage: customerMessage(code),
				AdminMessage:        adminMessage("Order rejected by provider; customer action required", code, message),
			}
		},
	},
	{
		Name:   "unclassified",
		Match:  func(string, string) bool { return true },
		Result: unclassified,
	},
}

// Classify runs the default decision table.
func Classify(code, message string) Classification {
	return ClassifyWith(DefaultRules, code, message)
}

// ClassifyWith runs rules in order and returns the first match. An empty or
// exhausted table yields a manual review classification.
func ClassifyWith(rules []Rule, code, message string) (c Classification) {
	normalized := normalize(code)
	defer func() {
		if r := recover(); r != nil {
			c = manualReview(normalized, fmt.Sprintf("%s (classifier panic: %v)", message, r))
		}
	}()

	for _, rule := range rules {
		if rule.Match == nil || rule.Result == nil {
			continue
		}
		if rule.Match(normalized, message) {
			c = rule.Result(normalized, message)
			c.Rule = rule.Name
			c.Code = normalized
			return c
		}
	}
	return manualReview(normalized, message)
}

// SystemError classifies an unexpected failure inside the pipeline itself.
func SystemError(message string) Classification {
	return Classification{
		Type:                RetryableSystem,
		Rule:                "system_error",
		Code:                CodeSystemError,
		ShouldRetry:         true,
		RetryDelaySeconds:   600,
		MaxRetries:          3,
		AlertLevel:          AlertWarning,
		UserFriendlyMessage: "Your gift is delayed due to a temporary issue. We'll retry automatically.",
		AdminMessage:        adminMessage("Unexpected error while processing order", CodeSystemError, message),
	}
}

func manualReview(code, message string) Classification {
	c := unclassified(code, message)
	c.Rule = "unclassified"
	c.Code = code
	return c
}

func unclassified(code, message string) Classification {
	return Classification{
		Type:                      ManualReview,
		RequiresAdminIntervention: true,
		AlertLevel:                AlertWarning,
		UserFriendlyMessage:       "There was a problem processing your gift order. Our team is looking into it.",
		AdminMessage:              adminMessage("Unrecognized provider error; manual investigation required", code, message),
	}
}

func normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "unknown_error"
	}
	return code
}

func codeIn(codes ...string) func(code, message string) bool {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(code, _ string) bool {
		_, ok := set[code]
		return ok
	}
}

func codeContains(fragments ...string) func(code, message string) bool {
	return func(code, _ string) bool {
		for _, f := range fragments {
			if strings.Contains(code, f) {
				return true
			}
		}
		return false
	}
}

func customerMessage(code string) string {
	switch {
	case strings.Contains(code, "address"):
		return "The shipping address for your gift couldn't be verified. Please update it so we can deliver."
	case strings.HasPrefix(code, "product_"), code == "brand_not_accepted":
		return "An item in your gift is no longer available. Please choose a replacement."
	case code == "max_price_exceeded":
		return "The price of an item in your gift has changed. Please review your order."
	case strings.Contains(code, "payment"), strings.Contains(code, "card"):
		return "We couldn't process payment for your gift. Please update your payment details."
	default:
		return "Some details of your gift order need to be corrected before we can send it."
	}
}

func adminMessage(summary, code, message string) string {
	if message == "" {
		return fmt.Sprintf("%s [%s]", summary, code)
	}
	return fmt.Sprintf("%s [%s]: %s", summary, code, message)
}
