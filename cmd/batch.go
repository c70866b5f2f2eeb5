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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

// batchCommands runs one batch in the foreground, outside the worker
// schedule. Overlap with a scheduled run is still prevented by the batch lock.
func batchCommands(g *giftpipeInstance) *cobra.Command {
	var recoverFirst bool
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "process due and retryable orders once and print the execution log",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			defer func() {
				if err := g.giftpipe.Close(); err != nil {
					log.Printf("Error closing giftpipe: %v", err)
				}
			}()

			if recoverFirst {
				n, err := g.giftpipe.RecoverStuckOrders(ctx, g.cnf.Scheduler.StuckThreshold())
				if err != nil {
					log.Printf("Error recovering stuck orders: %v", err)
				} else {
					log.Printf("Recovered %d stuck orders", n)
				}
			}

			started := time.Now()
			entry, err := g.giftpipe.ProcessScheduledOrders(ctx)
			if err != nil {
				log.Printf("Batch run failed: %v", err)
			}
			if entry == nil {
				return
			}

			data, err := json.MarshalIndent(entry, "", "    ")
			if err != nil {
				log.Fatalf("Error printing execution log: %v\n", err)
			}
			fmt.Println(string(data))
			log.Printf("Batch run %s finished in %s", entry.Status, time.Since(started).Round(time.Millisecond))
		},
	}
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "release orders stuck in processing before the run")

	return cmd
}
