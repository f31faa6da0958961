package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	healthcheck "github.com/vladislavdragonenkov/reseller/internal/health"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/reseller/internal/service/grpc"
	"github.com/vladislavdragonenkov/reseller/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/reseller/internal/service/outbox"
	"github.com/vladislavdragonenkov/reseller/internal/service/reconcile"
	"github.com/vladislavdragonenkov/reseller/internal/service/sweeper"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
	"github.com/vladislavdragonenkov/reseller/internal/version"
)

const (
	httpShutdownTimeout = 5 * time.Second
	healthWatchInterval = 10 * time.Second
)

// Run поднимает хранилище, сервисы, фоновые воркеры и gRPC-сервер и работает до отмены ctx.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownTraces := func(context.Context) error { return nil }
	if cfg.OTELEnabled {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger.WithField("component", "traces"))
		if err != nil {
			logger.WithError(err).Warn("failed to init tracing, continuing without it")
		} else {
			shutdownTraces = shutdown
		}
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTraces(sctx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn == nil {
			return
		}
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
	resolver, err := newGatewayResolver(cfg, sagaMetrics, logger)
	if err != nil {
		return err
	}
	svcs := buildServices(cfg, deps, resolver, sagaMetrics, logger)

	if cfg.SeedDemoData {
		if err := seedDemoData(ctx, deps, svcs.wallet.Deposit); err != nil {
			return err
		}
		if deps.memoryCatalog != nil {
			logger.WithField("user_id", demoUserID).Info("demo data seeded")
		}
	}

	locker, err := newJobLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := locker.close(); err != nil {
			logger.WithError(err).Warn("failed to close redis locker")
		}
	}()

	broker, err := initMessaging(cfg, logger)
	if err != nil {
		return err
	}
	defer broker.close(logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	statusConsumer, err := startStatusConsumer(workerCtx, cfg, broker, svcs.lifecycle, logger)
	if err != nil {
		return fmt.Errorf("start provider status consumer: %w", err)
	}

	var workers sync.WaitGroup
	startWorkers(workerCtx, &workers, cfg, deps, svcs, broker, locker, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if broker.brokerChecker != nil {
		healthHandler.RegisterOptional("broker", broker.brokerChecker)
	}
	if locker.redis != nil {
		healthHandler.RegisterOptional("redis", healthcheck.NewPingChecker("redis", locker.redis))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	orderService := grpcsvc.NewOrderService(grpcsvc.Dependencies{
		Orchestrator: svcs.orchestrator,
		Lifecycle:    svcs.lifecycle,
		Holds:        svcs.holds,
		Wallet:       svcs.wallet,
		Reconciler:   svcs.reconciler,
	}, logger.WithField("layer", "grpc"))
	server := grpcsvc.NewServer(orderService, prometheus.DefaultRegisterer, logger.WithField("layer", "grpc"))
	healthHandler.OnChange(func(status healthcheck.Status) {
		server.SetServing(status != healthcheck.StatusUnhealthy)
	})
	workers.Add(1)
	go func() {
		defer workers.Done()
		healthHandler.Watch(workerCtx, healthWatchInterval)
	}()

	stopAll := func() {
		if statusConsumer != nil {
			if err := statusConsumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop provider status consumer")
			}
		}
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stopAll()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		server.Drain()
		stoppedCh := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			server.Stop()
		}
		stopAll()
		return ctx.Err()
	case err := <-errCh:
		stopAll()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startWorkers запускает фоновые задачи: просрочку холдов, опрос статусов, outbox и сверку.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *runtimeDependencies, svcs *services, broker *messaging, locker *jobLocker, logger *log.Entry) {
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Info("worker started")
			fn(ctx)
		}()
	}

	run("hold-sweeper", sweeper.NewWorker(svcs.holds,
		sweeper.WithInterval(cfg.HoldSweepInterval),
		sweeper.WithLocker(locker),
		sweeper.WithLogger(logger.WithField("component", "hold-expiry-sweeper")),
	).Run)

	run("status-refresher", lifecycle.NewRefresher(svcs.lifecycle,
		lifecycle.WithRefreshInterval(cfg.StatusRefreshInterval),
		lifecycle.WithRefreshBatchSize(cfg.StatusRefreshBatch),
		lifecycle.WithRefreshLocker(locker),
		lifecycle.WithRefresherLogger(logger.WithField("component", "status-refresher")),
	).Run)

	outboxOpts := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLocker(locker),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
	}
	if broker.dlqPublisher != nil {
		outboxOpts = append(outboxOpts, outbox.WithDLQPublisher(broker.dlqPublisher))
	}
	run("outbox", outbox.NewWorker(deps.outboxRepo, broker.publisher, outboxOpts...).Run)

	if cfg.ReconcileInterval > 0 {
		run("reconcile", reconcile.NewWorker(svcs.reconciler, cfg.ReconcileInterval, locker,
			logger.WithField("component", "reconcile-worker")).Run)
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthHandler.Routes(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
