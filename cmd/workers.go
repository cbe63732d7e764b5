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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/reseller"
	"github.com/blnkfinance/reseller/config"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(opt asynq.RedisConnOpt, conf *config.Configuration) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{conf.Queue.WebhookQueue: 1},
		Logger:      logrus.StandardLogger(),
	})
}

func initializeTaskHandlers(app *resellerInstance, mux *asynq.ServeMux) {
	cnf := app.cnf
	deliverer := reseller.NewWebhookDeliverer(cnf.Notification.Webhook.Url, cnf.Notification.Webhook.Headers, nil, app.notifier)
	mux.HandleFunc(cnf.Queue.WebhookQueue, deliverer.ProcessWebhook)
}

// startMonitoring serves asynqmon for the operator event queue.
func startMonitoring(opt asynq.RedisConnOpt, port string) *http.Server {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("Asynqmon server listening on %s/monitoring", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()
	return server
}

// workerCommands defines the `workers` command. It runs the job queue
// passes, the stale-lease sweeps and the reconciliation cycles on their
// intervals, and delivers operator events when Redis is configured.
func workerCommands(app *resellerInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start reseller workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeTracing(ctx, app.cnf)
			if err != nil {
				logrus.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.WithError(err).Warn("error shutting down tracing")
				}
			}()

			scheduler := app.reseller.NewScheduler()
			scheduler.Start(ctx)
			defer scheduler.Stop()

			if app.cnf.Redis.Dns == "" {
				logrus.Warn("no redis configured; operator events will only be logged")
				<-ctx.Done()
				return
			}

			opt, err := reseller.RedisConnOpt(app.cnf.Redis)
			if err != nil {
				logrus.Fatalf("error parsing Redis URL: %v", err)
			}

			monitor := startMonitoring(opt, app.cnf.Queue.MonitoringPort)
			defer func() {
				_ = monitor.Close()
			}()

			srv := initializeWorkerServer(opt, app.cnf)
			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)
			if err := srv.Start(mux); err != nil {
				logrus.Fatalf("could not run worker server: %v", err)
			}

			<-ctx.Done()
			srv.Shutdown()
			logrus.Info("workers stopped")
		},
	}

	return cmd
}
