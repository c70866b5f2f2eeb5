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
	"time"

	"github.com/giftpipe/giftpipe/config"
	redis_db "github.com/giftpipe/giftpipe/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TaskProcessOrders is the asynq task type of one batch run.
const TaskProcessOrders = "giftpipe:process_scheduled_orders"

// Queue represents a queue for handling background tasks: batch runs and
// outbound merchant webhooks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	config    *config.Configuration
}

// RedisClientOpt converts the configured redis address into asynq options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		config:    conf,
	}, nil
}

// EnqueueBatch schedules one batch run. Runs requested while another is still
// queued collapse onto the queued one.
func (q *Queue) EnqueueBatch(ctx context.Context) (*asynq.TaskInfo, error) {
	ctx, span := tracer.Start(ctx, "Enqueue batch run")
	defer span.End()

	task := asynq.NewTask(TaskProcessOrders, nil,
		asynq.Queue(q.config.Queue.BatchQueue),
		asynq.MaxRetry(0),
		asynq.Unique(q.config.Scheduler.LockTTL()),
		asynq.Timeout(q.config.Scheduler.LockTTL()),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithField("task_id", info.ID).Info("batch run enqueued")
	return info, nil
}

// EnqueueWebhook queues an outbound merchant webhook. It is a no-op when no
// merchant webhook URL is configured.
func (q *Queue) EnqueueWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if q.config.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(q.config.Queue.WebhookQueue),
		asynq.MaxRetry(q.config.Queue.WebhookMaxRetry),
	}
	if newWebhook.Key != "" {
		opts = append(opts, asynq.TaskID(newWebhook.Key))
	}
	task := asynq.NewTask(TaskSendWebhook, payload, opts...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.WithFields(logrus.Fields{"event": newWebhook.Event, "key": newWebhook.Key}).Debug("merchant webhook already queued")
		return nil
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"event": newWebhook.Event, "error": err}).Error("failed to enqueue merchant webhook")
		return err
	}
	logrus.WithFields(logrus.Fields{"event": newWebhook.Event, "task_id": info.ID}).Debug("merchant webhook enqueued")
	return nil
}

// Close closes the client and the inspector.
func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// NewBatchScheduler registers the periodic batch run on the configured cron
// spec. The caller runs and shuts down the returned scheduler.
func NewBatchScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOpt, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	task := asynq.NewTask(TaskProcessOrders, nil)
	entryID, err := scheduler.Register(conf.Scheduler.CronSpec, task,
		asynq.Queue(conf.Queue.BatchQueue),
		asynq.MaxRetry(0),
		asynq.Unique(conf.Scheduler.LockTTL()),
		asynq.Timeout(conf.Scheduler.LockTTL()),
	)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"entry_id": entryID, "spec": conf.Scheduler.CronSpec}).Info("batch schedule registered")
	return scheduler, nil
}

// ProcessBatchTask is the asynq handler of TaskProcessOrders.
func (g *Giftpipe) ProcessBatchTask(ctx context.Context, _ *asynq.Task) error {
	entry, err := g.ProcessScheduledOrders(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"cron_id":   entry.ID,
		"status":    entry.Status,
		"processed": entry.OrdersProcessed,
		"succeeded": entry.OrdersSucceeded,
		"failed":    entry.OrdersFailed,
	}).Info("batch run finished")
	return nil
}
