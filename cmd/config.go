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
	"encoding/json"
	"fmt"
	"log"

	"github.com/giftpipe/giftpipe/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

func redact(value string) string {
	if value == "" {
		return ""
	}
	return redacted
}

// redactedConfig returns a copy of cfg with credentials masked.
func redactedConfig(cfg *config.Configuration) config.Configuration {
	out := *cfg
	out.Server.SecretKey = redact(out.Server.SecretKey)
	out.Fulfillment.APIKey = redact(out.Fulfillment.APIKey)
	out.Fulfillment.WebhookSecret = redact(out.Fulfillment.WebhookSecret)
	out.Payments.APIKey = redact(out.Payments.APIKey)
	out.Notification.Slack.WebhookUrl = redact(out.Notification.Slack.WebhookUrl)
	out.DataSource.Dns = redact(out.DataSource.Dns)
	out.Redis.Dns = redact(out.Redis.Dns)
	return out
}

func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			data, err := json.MarshalIndent(redactedConfig(cfg), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
