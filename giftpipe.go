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
	"embed"
	"time"

	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/database"
	"github.com/giftpipe/giftpipe/internal/cache"
	"github.com/giftpipe/giftpipe/internal/fulfillment"
	"github.com/giftpipe/giftpipe/internal/notification"
	"github.com/giftpipe/giftpipe/internal/payments"
	redis_db "github.com/giftpipe/giftpipe/internal/redis-db"
	"github.com/giftpipe/giftpipe/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var (
	tracer = otel.Tracer("giftpipe")
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Giftpipe is the fulfillment pipeline: it owns the batch scheduler, the
// webhook ingestion state machine and the admin action gateway, all of which
// mutate orders through the same datasource.
type Giftpipe struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	provider   fulfillment.Provider
	payments   payments.Gateway
	validator  *SecurityValidator
	cache      cache.Cache
	notifier   *notification.Notifier
	config     *config.Configuration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	policy     PatternPolicy
}

// Option customises a Giftpipe at construction time.
type Option func(*Giftpipe)

// WithProvider replaces the fulfillment client built from configuration.
func WithProvider(p fulfillment.Provider) Option {
	return func(g *Giftpipe) { g.provider = p }
}

// WithPaymentGateway replaces the payment capture client built from configuration.
func WithPaymentGateway(gw payments.Gateway) Option {
	return func(g *Giftpipe) { g.payments = gw }
}

// WithPatternPolicy replaces the suspicious-pattern policy of the security validator.
func WithPatternPolicy(p PatternPolicy) Option {
	return func(g *Giftpipe) { g.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Giftpipe) { g.now = now }
}

// NewGiftpipe wires the pipeline from the loaded configuration.
func NewGiftpipe(db database.IDataSource, opts ...Option) (*Giftpipe, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	provider := fulfillment.NewClient(fulfillment.Config{
		BaseURL:        configuration.Fulfillment.BaseURL,
		APIKey:         configuration.Fulfillment.APIKey,
		Retailer:       configuration.Fulfillment.Retailer,
		ShippingMethod: configuration.Fulfillment.ShippingMethod,
		WebhookBaseURL: configuration.Fulfillment.WebhookBaseURL,
		Timeout:        60 * time.Second,
	})

	g := &Giftpipe{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		provider:   provider,
		cache:      cache.NewCache(redisClient.Client()),
		notifier:   notification.NewNotifier(configuration.Notification.Slack.WebhookUrl),
		config:     configuration,
		now:        time.Now,
		sleep:      sleepContext,
		policy:     defaultPatternPolicy(configuration.Security),
	}
	if configuration.Payments.CaptureURL != "" {
		g.payments = payments.NewClient(configuration.Payments.CaptureURL, configuration.Payments.APIKey)
	}
	for _, opt := range opts {
		opt(g)
	}

	counter := redis_db.NewCounter(g.redis, "giftpipe:rate")
	g.validator, err = NewSecurityValidator(db, counter, configuration.Security, g.policy, g.now)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Config returns the configuration the pipeline was built with.
func (g *Giftpipe) Config() *config.Configuration {
	return g.config
}

// Queue returns the asynq-backed task queue.
func (g *Giftpipe) Queue() *Queue {
	return g.queue
}

// LastBatchRun returns the most recent batch scheduler execution log.
func (g *Giftpipe) LastBatchRun(ctx context.Context) (*model.CronExecutionLog, error) {
	return g.datasource.GetLastCronLog(ctx, BatchJobName)
}

// Close releases the queue and redis connections.
func (g *Giftpipe) Close() error {
	if g.queue != nil {
		if err := g.queue.Close(); err != nil {
			return err
		}
	}
	return g.redis.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
