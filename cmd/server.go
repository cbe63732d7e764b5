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

	"github.com/blnkfinance/reseller/api"
	"github.com/blnkfinance/reseller/config"
	trace "github.com/blnkfinance/reseller/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// serveTLS runs the operator API over HTTPS with certificates managed by
// CertMagic. Without a configured domain it serves localhost.
func serveTLS(ctx context.Context, server *http.Server, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Warn("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return err
	}

	server.TLSConfig = cfg.TLSConfig()
	logrus.Infof("Starting HTTPS server on %s", conf.Port)
	return server.ListenAndServeTLS("", "")
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// runServer serves router until ctx is cancelled, then drains in-flight
// requests.
func runServer(ctx context.Context, router *gin.Engine, conf config.ServerConfig) error {
	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if conf.SSL {
			err = serveTLS(ctx, server, conf)
		} else {
			logrus.Infof("Starting server on http://localhost:%s", conf.Port)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// serverCommands returns the `start` command, which serves the operator API.
func serverCommands(app *resellerInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the reseller operator API",
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

			router := api.NewAPI(app.reseller, prometheus.DefaultGatherer).Router()
			if err := runServer(ctx, router, app.cnf.Server); err != nil {
				logrus.Fatal(err)
			}
			logrus.Info("server stopped")
		},
	}

	return cmd
}
