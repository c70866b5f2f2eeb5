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

// Package metrics holds the prometheus collectors of the pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpipe_batch_orders_total",
			Help: "Orders handled by batch runs, by outcome",
		},
		[]string{"outcome"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "giftpipe_batch_duration_seconds",
			Help:    "Duration of batch runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	BatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpipe_batch_runs_total",
			Help: "Batch runs, by final status",
		},
		[]string{"status"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpipe_webhook_events_total",
			Help: "Fulfillment webhook events received, by canonical type and result",
		},
		[]string{"event_type", "result"},
	)

	AdminActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpipe_admin_actions_total",
			Help: "Admin gateway actions, by action and result",
		},
		[]string{"action", "result"},
	)

	SecurityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpipe_security_checks_total",
			Help: "Security validator outcomes, by check and severity",
		},
		[]string{"check", "severity"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BatchOrdersTotal)
		prometheus.MustRegister(BatchDuration)
		prometheus.MustRegister(BatchRunsTotal)
		prometheus.MustRegister(WebhookEventsTotal)
		prometheus.MustRegister(AdminActionsTotal)
		prometheus.MustRegister(SecurityChecksTotal)
	})
}
