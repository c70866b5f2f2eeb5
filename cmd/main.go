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
	"fmt"
	"log"
	"os"

	"github.com/giftpipe/giftpipe"
	"github.com/giftpipe/giftpipe/config"
	"github.com/giftpipe/giftpipe/database"
	"github.com/giftpipe/giftpipe/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Giftpipe represents the CLI application, encapsulating the root Cobra command.
type Giftpipe struct {
	cmd *cobra.Command
}

// giftpipeInstance holds the pipeline and its configuration for the running command.
type giftpipeInstance struct {
	giftpipe *giftpipe.Giftpipe
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before any command runs.
func preRun(app *giftpipeInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newGiftpipe, err := setupGiftpipe(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.giftpipe = newGiftpipe
		app.cnf = cnf

		return nil
	}
}

// setupGiftpipe connects to the order store and wires the pipeline.
func setupGiftpipe(cfg *config.Configuration) (*giftpipe.Giftpipe, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newGiftpipe, err := giftpipe.NewGiftpipe(db)
	if err != nil {
		return nil, fmt.Errorf("error creating giftpipe: %v", err)
	}
	return newGiftpipe, nil
}

// NewCLI creates the root command and registers the server, worker,
// batch, migration and config subcommands.
func NewCLI() *Giftpipe {
	var configFile string
	g := &giftpipeInstance{}

	var rootCmd = &cobra.Command{
		Use:   "giftpipe",
		Short: "Scheduled gift order fulfillment pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./giftpipe.json", "Configuration file for giftpipe")
	rootCmd.PersistentPreRunE = preRun(g, &configFile)

	rootCmd.AddCommand(serverCommands(g))
	rootCmd.AddCommand(workerCommands(g))
	rootCmd.AddCommand(batchCommands(g))
	rootCmd.AddCommand(migrateCommands(g))
	rootCmd.AddCommand(configCommands())

	return &Giftpipe{cmd: rootCmd}
}

func (w Giftpipe) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
