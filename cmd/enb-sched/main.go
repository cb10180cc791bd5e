// enb-sched runs the carrier schedulers against simulated UE traffic on a
// real-time TTI clock, serving health over gRPC and metrics plus debug views
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	ttis := flag.Int("ttis", 0, "Stop after this many TTIs (0 runs until interrupted)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, log = logging.WithRunLogger(ctx, log)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	d, err := newDaemon(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error(ctx, "failed to start", logging.Err(err))
		os.Exit(1)
	}
	if err := d.serve(ctx, *ttis); err != nil {
		log.Error(ctx, "daemon exited", logging.Err(err))
		os.Exit(1)
	}
}
