package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/server"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

const shutdownTimeout = 5 * time.Second

// daemon wires the simulated cell to its TTI controller and its servers.
// mu serializes TTI passes with the debug views.
type daemon struct {
	log    logging.Logger
	driver *sim.Driver
	tc     *timectrl.TimeController
	health *server.Health
	mac    *observability.MACCollector

	mu sync.Mutex

	grpcSrv *grpc.Server
	grpcLis net.Listener
	httpSrv *http.Server
	httpLis net.Listener
}

func newDaemon(cfg config.Config, log logging.Logger, reg prometheus.Registerer) (*daemon, error) {
	carriers, err := cfg.CarrierConfigs()
	if err != nil {
		return nil, err
	}
	params, err := cfg.SimParams()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	macMetrics, err := observability.NewMACCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("mac metrics: %w", err)
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("rpc metrics: %w", err)
	}

	clock := timectrl.NewClock(params.StartTTI)
	driver, err := sim.New(carriers, params, sim.Options{
		Logger:      log,
		Metrics:     macMetrics,
		Parallel:    cfg.Scheduler.Parallel,
		MaxWaitTTIs: cfg.Scheduler.MaxWaitTTIs,
		Clock:       clock,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{
		log:    log,
		driver: driver,
		tc:     timectrl.NewTimeController(clock, cfg.Server.TTIPeriod, mode),
		health: server.NewHealth(driver.Cell()),
		mac:    macMetrics,
	}

	d.grpcSrv = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			server.RequestIDUnaryServerInterceptor(log),
			server.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	d.health.Register(d.grpcSrv)

	d.httpSrv = &http.Server{
		Handler:           server.New(driver.Cell(), driver.Database(), macMetrics.Handler(), log, server.WithLock(&d.mu)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if d.grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
	}
	if d.httpLis, err = net.Listen("tcp", cfg.Server.HTTPAddr); err != nil {
		d.grpcLis.Close()
		return nil, fmt.Errorf("listen http %s: %w", cfg.Server.HTTPAddr, err)
	}

	d.tc.AddListener(d.onTTI)
	return d, nil
}

// database returns the UE database the TTI loop drives.
func (d *daemon) database() *kb.UEDatabase { return d.driver.Database() }

// onTTI runs one pass for every carrier. A carrier that halts keeps
// reporting ErrCarrierHalted; the scheduler already logged the cause, so
// only the health status changes here.
func (d *daemon) onTTI(now timectrl.TTI) {
	d.mu.Lock()
	err := d.driver.Tick(context.Background(), now)
	attached := d.database().Len()
	d.mu.Unlock()

	d.mac.SetAttachedUEs(attached)
	if err != nil {
		d.health.Refresh()
	}
}

// serve runs the TTI loop and both servers until ctx is cancelled or ttis
// TTIs have elapsed (forever when ttis <= 0).
func (d *daemon) serve(ctx context.Context, ttis int) error {
	errCh := make(chan error, 2)
	go func() {
		d.log.Info(ctx, "serving gRPC health", logging.String("addr", d.grpcLis.Addr().String()))
		if err := d.grpcSrv.Serve(d.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		d.log.Info(ctx, "serving metrics and debug views", logging.String("addr", d.httpLis.Addr().String()))
		if err := d.httpSrv.Serve(d.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.log.Info(ctx, "tti loop starting",
		logging.String("mode", d.tc.Mode.String()),
		logging.Any("period", d.tc.Period),
		logging.Int("carriers", len(d.driver.Cell().Schedulers())))
	done := d.tc.Start(loopCtx, ttis)

	var serveErr error
	select {
	case <-ctx.Done():
	case <-done:
	case serveErr = <-errCh:
	}
	cancel()
	<-done

	d.log.Info(ctx, "shutting down", logging.Any("summary", d.summary()))
	d.health.Shutdown()
	d.grpcSrv.GracefulStop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	return serveErr
}

func (d *daemon) summary() sim.Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driver.Summary()
}
