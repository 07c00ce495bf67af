// Copyright 2026 Harry Finbow
//
//    Licensed under the Apache License, Version 2.0 (the "License"); you may
//    not use this file except in compliance with the License. You may obtain
//    a copy of the License at
//
//         http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
//    WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
//    License for the specific language governing permissions and limitations
//    under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/harryfinbow/runner-manager/apiserver/controllers"
	"github.com/harryfinbow/runner-manager/apiserver/routers"
	"github.com/harryfinbow/runner-manager/auth"
	"github.com/harryfinbow/runner-manager/config"
	"github.com/harryfinbow/runner-manager/database/redisdb"
	"github.com/harryfinbow/runner-manager/database/sql"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/runner"
	"github.com/harryfinbow/runner-manager/util"
	"github.com/harryfinbow/runner-manager/websocket"
)

var (
	conf    = flag.String("config", "", "runner-manager config file")
	version = flag.Bool("version", false, "prints version")
)

var Version string

func main() {
	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	cfg, err := config.NewConfig(config.ConfigFilePath(*conf))
	if err != nil {
		log.Fatalf("fetching config: %+v", err)
	}

	hub := websocket.NewHub(ctx)
	if err := hub.Start(); err != nil {
		log.Fatal(err)
	}
	defer hub.Stop() //nolint

	logWriter, err := util.SetupLogging(cfg, hub)
	if err != nil {
		log.Fatalf("setting up logging: %+v", err)
	}

	if err := metrics.RegisterMetrics(); err != nil {
		log.Fatalf("registering prometheus collectors: %+v", err)
	}

	store, err := redisdb.NewRunnerStore(ctx, cfg.RedisOMURL)
	if err != nil {
		log.Fatalf("connecting to runner store: %+v", err)
	}

	jobs, err := sql.NewJobsStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("opening jobs store: %+v", err)
	}

	mgr, err := runner.NewRunner(ctx, cfg, store, jobs, hub.NotifyEvent)
	if err != nil {
		log.Fatalf("creating runner manager: %+v", err)
	}

	if err := mgr.Start(); err != nil {
		log.Fatal(err)
	}

	controller, err := controllers.NewAPIController(mgr, hub)
	if err != nil {
		log.Fatalf("creating API controller: %+v", err)
	}

	router := routers.NewAPIRouter(controller, logWriter, auth.NewAPIKeyMiddleware(cfg.APIKey))

	srv := &http.Server{
		Addr:              cfg.APIBindAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.Fatalf("creating listener: %q", err)
	}
	slog.Info("listening", "address", srv.Addr)

	go func() {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			slog.With(slog.Any("error", err)).Error("api server stopped")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.With(slog.Any("error", err)).Error("graceful api server shutdown failed")
	}

	slog.Info("waiting for runner manager to stop")
	if err := mgr.Stop(); err != nil {
		slog.With(slog.Any("error", err)).Error("stopping runner manager")
	}
	if err := mgr.Wait(); err != nil {
		slog.With(slog.Any("error", err)).Error("failed to shut down group managers")
		os.Exit(1)
	}
}
