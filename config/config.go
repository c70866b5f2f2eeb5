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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	defaultLeadTimeDays        = 5
	defaultInterOrderDelayMs   = 1000
	defaultMaxPriceBuffer      = 10
	defaultDailyOrderLimit     = 10
	defaultDailySpendLimit     = "500.00"
	defaultMonthlySpendLimit   = "5000.00"
	defaultPatternWindowMins   = 60
	defaultPatternThreshold    = 20
	defaultCronSpec            = "@every 1h"
	defaultLockTTLSeconds      = 1800
	defaultStuckThresholdMins  = 60
	defaultRecoveryIntervalSec = 300
	defaultBatchQueue          = "giftpipe_batch"
	defaultWebhookQueue        = "giftpipe_webhooks"
	defaultMonitoringPort      = "5004"
	defaultWebhookMaxRetry     = 5
	defaultRateLimitCleanupSec = 10800
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"GIFTPIPE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"GIFTPIPE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"GIFTPIPE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"GIFTPIPE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"GIFTPIPE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"GIFTPIPE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"GIFTPIPE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"GIFTPIPE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"GIFTPIPE_REDIS_SKIP_TLS_VERIFY"`
}

type FulfillmentConfig struct {
	BaseURL        string `json:"base_url" envconfig:"GIFTPIPE_FULFILLMENT_BASE_URL"`
	APIKey         string `json:"api_key" envconfig:"GIFTPIPE_FULFILLMENT_API_KEY"`
	Retailer       string `json:"retailer" envconfig:"GIFTPIPE_FULFILLMENT_RETAILER"`
	ShippingMethod string `json:"shipping_method" envconfig:"GIFTPIPE_FULFILLMENT_SHIPPING_METHOD"`
	// WebhookBaseURL is the public base URL of this service, used to build
	// the callback URLs handed to the provider.
	WebhookBaseURL string `json:"webhook_base_url" envconfig:"GIFTPIPE_FULFILLMENT_WEBHOOK_BASE_URL"`
	// WebhookSecret, when set, is accepted in X-Giftpipe-Webhook-Secret.
	WebhookSecret         string `json:"webhook_secret" envconfig:"GIFTPIPE_FULFILLMENT_WEBHOOK_SECRET"`
	LeadTimeDays          int    `json:"lead_time_days" envconfig:"GIFTPIPE_FULFILLMENT_LEAD_TIME_DAYS"`
	InterOrderDelayMs     int    `json:"inter_order_delay_ms" envconfig:"GIFTPIPE_FULFILLMENT_INTER_ORDER_DELAY_MS"`
	MaxPriceBufferPercent int    `json:"max_price_buffer_percent" envconfig:"GIFTPIPE_FULFILLMENT_MAX_PRICE_BUFFER_PERCENT"`
}

type PaymentsConfig struct {
	CaptureURL string `json:"capture_url" envconfig:"GIFTPIPE_PAYMENTS_CAPTURE_URL"`
	APIKey     string `json:"api_key" envconfig:"GIFTPIPE_PAYMENTS_API_KEY"`
}

type SecurityConfig struct {
	DailyOrderLimit      int    `json:"daily_order_limit" envconfig:"GIFTPIPE_SECURITY_DAILY_ORDER_LIMIT"`
	DailySpendLimit      string `json:"daily_spend_limit" envconfig:"GIFTPIPE_SECURITY_DAILY_SPEND_LIMIT"`
	MonthlySpendLimit    string `json:"monthly_spend_limit" envconfig:"GIFTPIPE_SECURITY_MONTHLY_SPEND_LIMIT"`
	PatternWindowMinutes int    `json:"pattern_window_minutes" envconfig:"GIFTPIPE_SECURITY_PATTERN_WINDOW_MINUTES"`
	PatternThreshold     int    `json:"pattern_threshold" envconfig:"GIFTPIPE_SECURITY_PATTERN_THRESHOLD"`
}

type SchedulerConfig struct {
	CronSpec                string `json:"cron_spec" envconfig:"GIFTPIPE_SCHEDULER_CRON_SPEC"`
	LockTTLSeconds          int    `json:"lock_ttl_seconds" envconfig:"GIFTPIPE_SCHEDULER_LOCK_TTL_SECONDS"`
	StuckThresholdMinutes   int    `json:"stuck_threshold_minutes" envconfig:"GIFTPIPE_SCHEDULER_STUCK_THRESHOLD_MINUTES"`
	RecoveryIntervalSeconds int    `json:"recovery_interval_seconds" envconfig:"GIFTPIPE_SCHEDULER_RECOVERY_INTERVAL_SECONDS"`
}

type QueueConfig struct {
	BatchQueue      string `json:"batch_queue" envconfig:"GIFTPIPE_QUEUE_BATCH_QUEUE"`
	WebhookQueue    string `json:"webhook_queue" envconfig:"GIFTPIPE_QUEUE_WEBHOOK_QUEUE"`
	WebhookMaxRetry int    `json:"webhook_max_retry" envconfig:"GIFTPIPE_QUEUE_WEBHOOK_MAX_RETRY"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"GIFTPIPE_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"GIFTPIPE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"GIFTPIPE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"GIFTPIPE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"GIFTPIPE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack      SlackWebhook `json:"slack"`
	AdminEmail string       `json:"admin_email" envconfig:"GIFTPIPE_ADMIN_EMAIL"`
	Webhook    struct {
		Url     string            `json:"url" envconfig:"GIFTPIPE_MERCHANT_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"GIFTPIPE_PROJECT_NAME"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	Fulfillment     FulfillmentConfig `json:"fulfillment"`
	Payments        PaymentsConfig    `json:"payments"`
	Security        SecurityConfig    `json:"security"`
	Scheduler       SchedulerConfig   `json:"scheduler"`
	Queue           QueueConfig       `json:"queue"`
	Notification    Notification      `json:"notification"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"GIFTPIPE_ENABLE_TELEMETRY"`
	OTLPEndpoint    string            `json:"otlp_endpoint" envconfig:"GIFTPIPE_OTLP_ENDPOINT"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("giftpipe", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded. Create a json file called giftpipe.json or set GIFTPIPE_ env variables")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Giftpipe"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.addFulfillmentDefaults()
	if err := cnf.addSecurityDefaults(); err != nil {
		return err
	}

	if cnf.Scheduler.CronSpec == "" {
		cnf.Scheduler.CronSpec = defaultCronSpec
	}
	if cnf.Scheduler.LockTTLSeconds <= 0 {
		cnf.Scheduler.LockTTLSeconds = defaultLockTTLSeconds
	}
	if cnf.Scheduler.StuckThresholdMinutes <= 0 {
		cnf.Scheduler.StuckThresholdMinutes = defaultStuckThresholdMins
	}
	if cnf.Scheduler.RecoveryIntervalSeconds <= 0 {
		cnf.Scheduler.RecoveryIntervalSeconds = defaultRecoveryIntervalSec
	}

	if cnf.Queue.BatchQueue == "" {
		cnf.Queue.BatchQueue = defaultBatchQueue
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = defaultWebhookQueue
	}
	if cnf.Queue.WebhookMaxRetry <= 0 {
		cnf.Queue.WebhookMaxRetry = defaultWebhookMaxRetry
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = defaultMonitoringPort
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := defaultRateLimitCleanupSec
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) addFulfillmentDefaults() {
	f := &cnf.Fulfillment
	f.BaseURL = strings.TrimSpace(f.BaseURL)
	if f.BaseURL == "" {
		f.BaseURL = "https://api.zinc.io"
	}
	if f.Retailer == "" {
		f.Retailer = "amazon"
	}
	if f.LeadTimeDays <= 0 {
		f.LeadTimeDays = defaultLeadTimeDays
	}
	if f.InterOrderDelayMs < 0 {
		f.InterOrderDelayMs = 0
	} else if f.InterOrderDelayMs == 0 {
		f.InterOrderDelayMs = defaultInterOrderDelayMs
	}
	if f.MaxPriceBufferPercent <= 0 {
		f.MaxPriceBufferPercent = defaultMaxPriceBuffer
	}
	if f.APIKey == "" {
		log.Println("Warning: fulfillment API key is empty. Submissions will be rejected by the provider.")
	}
}

func (cnf *Configuration) addSecurityDefaults() error {
	s := &cnf.Security
	if s.DailyOrderLimit <= 0 {
		s.DailyOrderLimit = defaultDailyOrderLimit
	}
	if s.DailySpendLimit == "" {
		s.DailySpendLimit = defaultDailySpendLimit
	}
	if s.MonthlySpendLimit == "" {
		s.MonthlySpendLimit = defaultMonthlySpendLimit
	}
	if _, err := decimal.NewFromString(s.DailySpendLimit); err != nil {
		return fmt.Errorf("invalid security.daily_spend_limit %q: %w", s.DailySpendLimit, err)
	}
	if _, err := decimal.NewFromString(s.MonthlySpendLimit); err != nil {
		return fmt.Errorf("invalid security.monthly_spend_limit %q: %w", s.MonthlySpendLimit, err)
	}
	if s.PatternWindowMinutes <= 0 {
		s.PatternWindowMinutes = defaultPatternWindowMins
	}
	if s.PatternThreshold <= 0 {
		s.PatternThreshold = defaultPatternThreshold
	}
	if s.PatternThreshold < s.DailyOrderLimit {
		log.Printf("Warning: security.pattern_threshold %d is below the daily order limit, raising it to %d", s.PatternThreshold, s.DailyOrderLimit)
		s.PatternThreshold = s.DailyOrderLimit
	}
	return nil
}

// LeadTime is how far ahead of delivery an order must be submitted.
func (f FulfillmentConfig) LeadTime() time.Duration {
	return time.Duration(f.LeadTimeDays) * 24 * time.Hour
}

// InterOrderDelay is the pause between two submissions in one batch.
func (f FulfillmentConfig) InterOrderDelay() time.Duration {
	return time.Duration(f.InterOrderDelayMs) * time.Millisecond
}

// LockTTL is the expiry of the batch overlap lock.
func (s SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// StuckThreshold is how long an order may sit in processing without a
// provider request before recovery releases it.
func (s SchedulerConfig) StuckThreshold() time.Duration {
	return time.Duration(s.StuckThresholdMinutes) * time.Minute
}

// RecoveryInterval is the polling period of stuck order recovery.
func (s SchedulerConfig) RecoveryInterval() time.Duration {
	return time.Duration(s.RecoveryIntervalSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
