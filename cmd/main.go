/*
Copyright 2024 Meridian Authors.

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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian"
	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/database"
	"github.com/meridianhq/meridian/internal/notification"
)

// Meridian represents the CLI application, encapsulating the root Cobra
// command.
type Meridian struct {
	cmd *cobra.Command
}

// meridianInstance holds the runtime instance and its configuration for use
// across subcommands.
type meridianInstance struct {
	meridian *meridian.Meridian
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and initializes the Meridian instance before
// any subcommand executes.
func preRun(app *meridianInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("meridian.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newMeridian, err := setupMeridian(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.meridian = newMeridian
		app.cnf = cnf

		return nil
	}
}

// setupMeridian connects the datasource and builds the Meridian instance.
func setupMeridian(cfg *config.Configuration) (*meridian.Meridian, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newMeridian, err := meridian.NewMeridian(db)
	if err != nil {
		return nil, fmt.Errorf("error creating meridian: %v", err)
	}
	return newMeridian, nil
}

// NewCLI assembles the root command and its subcommands.
func NewCLI() *Meridian {
	var configFile string
	b := &meridianInstance{}

	var rootCmd = &cobra.Command{
		Use:   "meridian",
		Short: "Payment settlement reconciliation server",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./meridian.json", "Configuration file for the server")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))

	return &Meridian{cmd: rootCmd}
}

func (w Meridian) executeCLI() {
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
