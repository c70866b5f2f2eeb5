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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/giftpipe/giftpipe"
	"github.com/giftpipe/giftpipe/config"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights the webhook queue above the batch queue so merchant
// deliveries are not starved by a long batch run.
func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.BatchQueue:   1,
		conf.Queue.WebhookQueue: 3,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOpt, err := giftpipe.RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 2,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(g *giftpipeInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(giftpipe.TaskProcessOrders, g.giftpipe.ProcessBatchTask)
	mux.HandleFunc(giftpipe.TaskSendWebhook, giftpipe.ProcessWebhook)
}

func startMonitoring(conf *config.Configuration) error {
	redisOpt, err := giftpipe.RedisClientOpt(conf)
	if err != nil {
		return err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOpt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
	return nil
}

// workerCommands defines the "workers" command. It runs the periodic batch
// schedule, the batch and merchant webhook task handlers, and stuck order
// recovery.
func workerCommands(g *giftpipeInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start giftpipe workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(g, mux)

			scheduler, err := giftpipe.NewBatchScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start batch scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			recovery := giftpipe.NewStuckOrderRecoveryProcessor(g.giftpipe)
			recovery.Start(ctx)
			defer recovery.Stop()

			if err := startMonitoring(conf); err != nil {
				log.Fatal(err)
			}

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
