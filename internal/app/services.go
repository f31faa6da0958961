package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/provider"
	"github.com/vladislavdragonenkov/reseller/internal/service/compensation"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/service/hold"
	"github.com/vladislavdragonenkov/reseller/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/reseller/internal/service/reconcile"
	"github.com/vladislavdragonenkov/reseller/internal/service/saga"
	"github.com/vladislavdragonenkov/reseller/internal/service/wallet"
	"github.com/vladislavdragonenkov/reseller/internal/storage/redislock"
)

// services: доменные сервисы поверх выбранного хранилища.
type services struct {
	metrics      *metrics.SagaMetrics
	events       *events.Recorder
	wallet       *wallet.Service
	holds        *hold.Manager
	compensation *compensation.Service
	orchestrator saga.Orchestrator
	lifecycle    *lifecycle.Manager
	reconciler   *reconcile.Checker
}

func buildServices(cfg Config, deps *runtimeDependencies, resolver domain.GatewayResolver, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) *services {
	recorder := events.NewRecorder(deps.outboxRepo, deps.timelineRepo, sagaMetrics)

	walletSvc := wallet.NewService(deps.tx, deps.users, deps.ledger,
		wallet.WithLogger(logger.WithField("component", "wallet")),
	)
	holdMgr := hold.NewManager(deps.tx, deps.users, deps.holds, deps.ledger,
		hold.WithEvents(recorder),
		hold.WithMetrics(sagaMetrics),
		hold.WithHoldDuration(cfg.HoldDuration),
		hold.WithSweepBatchSize(cfg.HoldSweepBatch),
		hold.WithLogger(logger.WithField("component", "hold-manager")),
	)
	comp := compensation.NewService(deps.tx, deps.users, deps.holds, deps.orders, holdMgr, walletSvc,
		compensation.WithEvents(recorder),
		compensation.WithMetrics(sagaMetrics),
		compensation.WithLogger(logger.WithField("component", "compensation")),
	)
	holdMgr.SetExpiryHook(comp.FailOrderForHold)

	orchestrator := saga.NewOrchestrator(saga.Dependencies{
		Transactor:   deps.tx,
		Catalog:      deps.catalog,
		Orders:       deps.orders,
		Holds:        holdMgr,
		Compensation: comp,
		Gateways:     resolver,
		Events:       recorder,
	},
		saga.WithMetrics(sagaMetrics),
		saga.WithSubmitTimeout(cfg.SubmitTimeout),
		saga.WithLogger(logger.WithField("component", "saga")),
	)

	lifecycleMgr := lifecycle.NewManager(lifecycle.Dependencies{
		Transactor:   deps.tx,
		Users:        deps.users,
		Holds:        deps.holds,
		Orders:       deps.orders,
		Catalog:      deps.catalog,
		Gateways:     resolver,
		Compensation: comp,
		Events:       recorder,
		Timeline:     deps.timelineRepo,
	},
		lifecycle.WithMetrics(sagaMetrics),
		lifecycle.WithRefreshAge(cfg.StatusRefreshAge),
		lifecycle.WithLogger(logger.WithField("component", "lifecycle")),
	)

	return &services{
		metrics:      sagaMetrics,
		events:       recorder,
		wallet:       walletSvc,
		holds:        holdMgr,
		compensation: comp,
		orchestrator: orchestrator,
		lifecycle:    lifecycleMgr,
		reconciler:   reconcile.NewChecker(deps.users, deps.holds, deps.ledger, logger.WithField("component", "reconcile")),
	}
}

// newGatewayResolver выбирает HTTP-клиентов панелей или встроенный mock.
func newGatewayResolver(cfg Config, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) (domain.GatewayResolver, error) {
	switch cfg.ProviderMode {
	case ProviderModeHTTP:
		panelLogger := logger.WithField("component", "provider")
		return provider.NewRegistry(provider.HTTPFactory(cfg.ProviderTimeout, panelLogger),
			provider.WithRegistryMetrics(sagaMetrics),
			provider.WithRegistryLogger(panelLogger),
		), nil
	case ProviderModeMock, "":
		logger.Warn("using mock provider gateway")
		return provider.NewStaticResolver(provider.NewMockGateway("mock")), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.ProviderMode)
	}
}

// jobLocker: блокировка фоновых задач и её закрытие.
type jobLocker struct {
	domain.JobLocker
	redis *redislock.Locker
}

// newJobLocker подключает Redis, если задан адрес; иначе блокировка локальная.
func newJobLocker(cfg Config, logger *log.Entry) (*jobLocker, error) {
	if cfg.RedisAddr == "" {
		return &jobLocker{JobLocker: redislock.NewLocal()}, nil
	}
	locker, err := redislock.New(redislock.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   logger.WithField("component", "redis-lock"),
	})
	if err != nil {
		return nil, fmt.Errorf("init redis locker: %w", err)
	}
	logger.WithField("addr", cfg.RedisAddr).Info("redis job locker initialized")
	return &jobLocker{JobLocker: locker, redis: locker}, nil
}

func (l *jobLocker) close() error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Close()
}
