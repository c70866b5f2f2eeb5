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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/giftpipe/giftpipe/model"
	"github.com/sirupsen/logrus"
)

const recoveryAttemptsKey = "recovery_attempts"

// StuckOrderRecoveryProcessor releases orders a batch run claimed but never
// submitted, so a crash between the processing lock and the provider call
// does not strand them.
type StuckOrderRecoveryProcessor struct {
	giftpipe            *Giftpipe
	batchSize           int
	maxWorkers          int
	pollInterval        time.Duration
	stuckThreshold      time.Duration
	maxRecoveryAttempts int
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	running             bool
	mu                  sync.Mutex
}

func NewStuckOrderRecoveryProcessor(g *Giftpipe) *StuckOrderRecoveryProcessor {
	return &StuckOrderRecoveryProcessor{
		giftpipe:            g,
		batchSize:           100,
		maxWorkers:          4,
		pollInterval:        g.config.Scheduler.RecoveryInterval(),
		stuckThreshold:      g.config.Scheduler.StuckThreshold(),
		maxRecoveryAttempts: 3,
		stopCh:              make(chan struct{}),
	}
}

func (p *StuckOrderRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck order recovery processor started")
}

func (p *StuckOrderRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck order recovery processor stopped")
}

func (p *StuckOrderRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckOrderRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck order recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck order recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckOrders triggers an immediate recovery pass with the given
// threshold. Thresholds below the batch lock TTL are raised to it so a live
// batch run is never interrupted.
func (g *Giftpipe) RecoverStuckOrders(ctx context.Context, threshold time.Duration) (int, error) {
	if minimum := g.config.Scheduler.LockTTL(); threshold < minimum {
		threshold = minimum
	}
	processor := NewStuckOrderRecoveryProcessor(g)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *StuckOrderRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuck, err := p.giftpipe.datasource.GetStuckOrders(ctx, p.giftpipe.now().Add(-threshold), p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck orders: %v", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Recovering %d stuck orders with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	for _, o := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(o *model.Order) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.recoverOrder(ctx, o); err != nil {
				logrus.Errorf("failed to recover stuck order %s: %v", o.ID, err)
			}
		}(o)
	}
	batchWg.Wait()
	return len(stuck)
}

// recoverOrder puts a stuck order back on the schedule, or fails it once it
// has been recovered too many times.
func (p *StuckOrderRecoveryProcessor) recoverOrder(ctx context.Context, stuck *model.Order) error {
	g := p.giftpipe
	now := g.now().UTC()
	var exhausted bool

	updated, err := g.mutateOrder(ctx, stuck, func(o *model.Order) error {
		if o.Status != model.OrderStatusProcessing || o.FulfillmentRequestID != "" {
			return errNoChange
		}
		attempts := recoveryAttempts(o) + 1
		if err := o.Notes.SetExtra(recoveryAttemptsKey, attempts); err != nil {
			return err
		}
		exhausted = attempts > p.maxRecoveryAttempts
		if exhausted {
			o.ErrorClassification = model.AlertSystemError
			o.AdminMessage = "Order repeatedly stuck in processing without reaching the provider"
			o.Notes.AddAudit("recovery", "failed after repeated recoveries", now)
			return transition(o, model.OrderStatusFailed)
		}
		o.Notes.AddAudit("recovery", "released from stuck processing", now)
		return transition(o, model.OrderStatusScheduled)
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if exhausted {
		g.raiseAlert(ctx, &model.AdminAlert{
			AlertType:      model.AlertSystemError,
			Severity:       model.SeverityCritical,
			OrderID:        updated.ID,
			Message:        updated.AdminMessage,
			RequiresAction: true,
		})
		return nil
	}
	logrus.Infof("Released stuck order %s back to scheduled", updated.ID)
	return nil
}

func recoveryAttempts(o *model.Order) int {
	raw, ok := o.Notes.Extras[recoveryAttemptsKey]
	if !ok {
		return 0
	}
	var attempts int
	if err := json.Unmarshal(raw, &attempts); err != nil {
		return 0
	}
	return attempts
}
