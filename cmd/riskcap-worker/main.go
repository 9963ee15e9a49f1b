package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-riskcap/pkg/config"
	"github.com/dd0wney/cluso-riskcap/pkg/dispatch"
	"github.com/dd0wney/cluso-riskcap/pkg/health"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("RISKCAP_CONFIG"), "YAML configuration file")
	listen := flag.String("listen", "", "address to serve chunks on (overrides dispatch.listen)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Dispatch.Listen = *listen
	}

	logger := cfg.Logger(os.Stderr).With(logging.Component("riskcap-worker"))
	logging.SetDefaultLogger(logger)
	reg := metrics.DefaultRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := dispatch.NewWorker(logger, reg)

	if cfg.Metrics.Addr != "" {
		hc := health.NewChecker()
		hc.Register("memory", health.MemoryCheck(0))
		hc.RegisterReadiness("dispatch", health.WorkerCheck(worker.Serving, worker.Served))
		srv := server.New(cfg.Metrics.Addr, server.Observability(reg, hc), logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("http server failed", logging.Error(err))
			}
		}()
	}

	if err := worker.Serve(ctx, cfg.Dispatch.Listen); err != nil {
		logger.Error("worker stopped", logging.Error(err))
		os.Exit(1)
	}
}
