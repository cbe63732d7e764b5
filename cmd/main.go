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
	"net/http"
	"os"
	"time"

	"github.com/blnkfinance/reseller"
	"github.com/blnkfinance/reseller/config"
	"github.com/blnkfinance/reseller/database"
	redlock "github.com/blnkfinance/reseller/internal/lock"
	"github.com/blnkfinance/reseller/internal/metrics"
	"github.com/blnkfinance/reseller/internal/notification"
	redis_db "github.com/blnkfinance/reseller/internal/redis-db"
	"github.com/blnkfinance/reseller/model"
	"github.com/blnkfinance/reseller/provider/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Reseller represents the CLI application, encapsulating the root Cobra command.
type Reseller struct {
	cmd *cobra.Command
}

// resellerInstance holds what every command needs once the configuration is
// loaded.
type resellerInstance struct {
	reseller *reseller.Reseller
	cnf      *config.Configuration
	queue    *reseller.Queue
	notifier notification.Notifier
	closers  []func() error
}

func (app *resellerInstance) close() {
	for _, c := range app.closers {
		if err := c(); err != nil {
			logrus.WithError(err).Warn("error during shutdown")
		}
	}
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the reseller before any command
// runs.
func preRun(app *resellerInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		// migrations and config printing do not need a running reseller
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
			return nil
		}

		if err := setupReseller(app); err != nil {
			notification.NotifyError(app.notifier, "reseller failed to start", err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupReseller connects the datasource and Redis and wires the provider
// gateway into the job processors and reconciliation cycles.
func setupReseller(app *resellerInstance) error {
	cnf := app.cnf
	if cnf.Notification.Slack.WebhookUrl != "" {
		app.notifier = notification.NewSlack(cnf.Notification.Slack.WebhookUrl, cnf.ProjectName, nil)
	}

	db, err := database.NewDataSource(cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}
	app.closers = append(app.closers, db.Close)

	opts := []reseller.Option{
		reseller.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		reseller.WithNotifier(app.notifier),
	}

	queue, err := reseller.NewQueueFromConfig(cnf)
	if err != nil {
		return fmt.Errorf("error creating operator event queue: %v", err)
	}
	if queue != nil {
		app.queue = queue
		app.closers = append(app.closers, queue.Close)
		opts = append(opts, reseller.WithEventPublisher(queue))
	}

	if cnf.Redis.Dns != "" && !cnf.Reconciliation.DisableLock {
		client, err := redis_db.NewRedisClient(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return fmt.Errorf("error connecting to redis: %v", err)
		}
		app.closers = append(app.closers, client.Close)
		opts = append(opts, reseller.WithReconciliationLocker(redlock.NewKeyedLocker(client, "reconciliation:")))
	}

	if cnf.Providers.GatewayURL != "" {
		timeout := time.Duration(cnf.Reconciliation.ProviderTimeoutSeconds) * time.Second
		gw := gateway.New(cnf.Providers.GatewayURL, cnf.Providers.APIKey, &http.Client{Timeout: timeout})
		opts = append(opts,
			reseller.WithDomainRegistrar(gw),
			reseller.WithHostingProvisioner(gw),
			reseller.WithPaymentCheckers(gw.PaymentCheckers(cnf.Providers.PaymentProviders)),
		)
		for _, kind := range cnf.Providers.ReconcileKinds {
			opts = append(opts, reseller.WithResourceLister(kind, gw))
		}
	} else {
		logrus.Warn("no provider gateway configured; provisioning jobs will retry until one is")
	}

	r, err := reseller.New(cnf, db, opts...)
	if err != nil {
		return fmt.Errorf("error creating reseller: %v", err)
	}
	app.reseller = r

	logrus.WithFields(logrus.Fields{
		"job_kinds":      []string{model.JobKindDomainRegistration, model.JobKindHostingOrder},
		"reconciliation": r.ReconciliationKinds(),
	}).Info("reseller initialized")
	return nil
}

func NewCLI() *Reseller {
	var configFile string
	app := &resellerInstance{}

	var rootCmd = &cobra.Command{
		Use:   "reseller",
		Short: "Payment driven provisioning for domains, hosting and VPS",
		Run:   func(cmd *cobra.Command, args []string) {},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./reseller.json", "Configuration file for the reseller")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Reseller{cmd: rootCmd}
}

func (w Reseller) executeCLI() {
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
