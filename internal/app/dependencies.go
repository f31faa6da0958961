package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/reseller/internal/health"
	"github.com/vladislavdragonenkov/reseller/internal/storage/memory"
	"github.com/vladislavdragonenkov/reseller/internal/storage/postgres"
)

// Демо-данные для локального запуска на memory-хранилище.
const (
	demoProviderID = "demo-provider"
	demoServiceID  = "demo-followers"
	demoUserID     = "demo-user"
	demoBalance    = "100.00"
)

// runtimeDependencies: репозитории выбранного хранилища.
type runtimeDependencies struct {
	tx           domain.Transactor
	users        domain.UserRepository
	holds        domain.HoldRepository
	orders       domain.OrderRepository
	ledger       domain.LedgerRepository
	timelineRepo domain.TimelineRepository
	outboxRepo   domain.OutboxRepository
	catalog      domain.CatalogRepository

	// memoryCatalog задан только для memory-хранилища, через него заводятся демо-данные.
	memoryCatalog  *memory.CatalogRepository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		catalog := memory.NewCatalogRepository(store)
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			tx:            memory.NewTransactor(store),
			users:         memory.NewUserRepository(store),
			holds:         memory.NewHoldRepository(store),
			orders:        memory.NewOrderRepository(store),
			ledger:        memory.NewLedgerRepository(store),
			timelineRepo:  memory.NewTimelineRepository(store),
			outboxRepo:    memory.NewOutboxRepository(store),
			catalog:       catalog,
			memoryCatalog: catalog,
			storageChecker: healthcheck.NewFuncChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires a DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithMaxConns(cfg.PostgresMaxConns, cfg.PostgresMaxConns),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := prometheus.Register(collectors.NewDBStatsCollector(store.DB(), "reseller")); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				logger.WithError(err).Warn("failed to register postgres pool metrics")
			}
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			version, count, err := store.MigrationStatus(ctx)
			if err == nil {
				logger.WithFields(log.Fields{
					"version": version,
					"applied": count,
				}).Info("postgres migrations applied")
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			tx:             postgres.NewTransactor(store),
			users:          postgres.NewUserRepository(store),
			holds:          postgres.NewHoldRepository(store),
			orders:         postgres.NewOrderRepository(store),
			ledger:         postgres.NewLedgerRepository(store),
			timelineRepo:   postgres.NewTimelineRepository(store),
			outboxRepo:     postgres.NewOutboxRepository(store),
			catalog:        postgres.NewCatalogRepository(store),
			storageChecker: healthcheck.NewFuncChecker("postgres", store.Ping),
			closeFn:        store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// seedDemoData заводит провайдера, услугу и пользователя с балансом для ручной проверки.
func seedDemoData(ctx context.Context, deps *runtimeDependencies, deposit func(ctx context.Context, userID string, amount decimal.Decimal, reference string) (domain.LedgerEntry, error)) error {
	if deps.memoryCatalog == nil {
		return nil
	}
	deps.memoryCatalog.PutProvider(domain.Provider{
		ID:     demoProviderID,
		Name:   "mock",
		APIURL: "http://mock.local/api/v2",
		Active: true,
	})
	deps.memoryCatalog.PutService(domain.Service{
		ID:                demoServiceID,
		ProviderID:        demoProviderID,
		ProviderServiceID: "1",
		Name:              "Demo followers",
		PricePer1000:      decimal.RequireFromString("1.00"),
		CostPer1000:       decimal.RequireFromString("0.60"),
		MinQuantity:       10,
		MaxQuantity:       100000,
		Active:            true,
		RefillEligible:    true,
		RefillDays:        30,
	})

	if err := deps.users.Create(ctx, domain.User{
		ID:        demoUserID,
		Email:     demoUserID + "@example.com",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("create demo user: %w", err)
	}
	if _, err := deposit(ctx, demoUserID, decimal.RequireFromString(demoBalance), "demo-seed"); err != nil {
		return fmt.Errorf("deposit demo balance: %w", err)
	}
	return nil
}
