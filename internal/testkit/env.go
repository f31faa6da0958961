// Package testkit собирает сервисы поверх in-memory хранилища и mock-провайдера для тестов.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/provider"
	"github.com/vladislavdragonenkov/reseller/internal/service/compensation"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/service/hold"
	"github.com/vladislavdragonenkov/reseller/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/reseller/internal/service/saga"
	"github.com/vladislavdragonenkov/reseller/internal/service/wallet"
	"github.com/vladislavdragonenkov/reseller/internal/storage/memory"
)

// Идентификаторы каталога, который заводит NewEnv.
const (
	ProviderID      = "provider-1"
	ServiceID       = "service-1"
	RefillServiceID = "service-refill"
)

// Env: полностью собранный набор сервисов.
type Env struct {
	Store    *memory.Store
	Tx       domain.Transactor
	Users    domain.UserRepository
	Holds    domain.HoldRepository
	Orders   domain.OrderRepository
	Ledger   domain.LedgerRepository
	Timeline domain.TimelineRepository
	Catalog  *memory.CatalogRepository
	Outbox   interface{ AllPending() []domain.OutboxMessage }

	Clock    *clock.Manual
	Metrics  *metrics.SagaMetrics
	Gateway  *provider.MockGateway
	Resolver domain.GatewayResolver
	Events   *events.Recorder

	Wallet       *wallet.Service
	HoldManager  *hold.Manager
	Compensation *compensation.Service
	Orchestrator saga.Orchestrator
	Lifecycle    *lifecycle.Manager
}

// Config позволяет подменить части окружения.
type Config struct {
	// Resolver подменяет mock-провайдера.
	Resolver domain.GatewayResolver
	// SubmitTimeout ограничивает вызов провайдера в саге.
	SubmitTimeout time.Duration
	// Orders подменяет репозиторий заказов (например, для инъекции сбоев).
	Orders func(base domain.OrderRepository) domain.OrderRepository
}

// NewEnv собирает окружение с каталогом из одной услуги: 1.00 за 1000, себестоимость 0.60,
// количество 10..100000.
func NewEnv(t testing.TB, cfg Config) *Env {
	t.Helper()

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	entry := log.NewEntry(logger)

	store := memory.NewStore()
	env := &Env{
		Store:    store,
		Tx:       memory.NewTransactor(store),
		Users:    memory.NewUserRepository(store),
		Holds:    memory.NewHoldRepository(store),
		Orders:   memory.NewOrderRepository(store),
		Ledger:   memory.NewLedgerRepository(store),
		Timeline: memory.NewTimelineRepository(store),
		Catalog:  memory.NewCatalogRepository(store),
		Clock:    clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		Metrics:  metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry()),
		Gateway:  provider.NewMockGateway("mock"),
	}
	if cfg.Orders != nil {
		env.Orders = cfg.Orders(env.Orders)
	}
	env.Resolver = provider.NewStaticResolver(env.Gateway)
	if cfg.Resolver != nil {
		env.Resolver = cfg.Resolver
	}

	outbox := memory.NewOutboxRepository(store)
	env.Outbox = outbox
	env.Events = events.NewRecorder(outbox, env.Timeline, env.Metrics)

	env.Catalog.PutProvider(domain.Provider{
		ID: ProviderID, Name: "mock", APIURL: "http://mock.local/api/v2", APIKey: "key", Active: true,
	})
	env.Catalog.PutService(domain.Service{
		ID:                ServiceID,
		ProviderID:        ProviderID,
		ProviderServiceID: "101",
		Name:              "Followers",
		PricePer1000:      decimal.RequireFromString("1.00"),
		CostPer1000:       decimal.RequireFromString("0.60"),
		MinQuantity:       10,
		MaxQuantity:       100000,
		Active:            true,
	})
	env.Catalog.PutService(domain.Service{
		ID:                RefillServiceID,
		ProviderID:        ProviderID,
		ProviderServiceID: "102",
		Name:              "Followers with refill",
		PricePer1000:      decimal.RequireFromString("2.00"),
		CostPer1000:       decimal.RequireFromString("1.00"),
		MinQuantity:       10,
		MaxQuantity:       100000,
		Active:            true,
		RefillEligible:    true,
		RefillDays:        30,
	})

	env.Wallet = wallet.NewService(env.Tx, env.Users, env.Ledger, wallet.WithClock(env.Clock), wallet.WithLogger(entry))
	env.HoldManager = hold.NewManager(env.Tx, env.Users, env.Holds, env.Ledger,
		hold.WithClock(env.Clock),
		hold.WithEvents(env.Events),
		hold.WithMetrics(env.Metrics),
		hold.WithLogger(entry),
	)
	env.Compensation = compensation.NewService(env.Tx, env.Users, env.Holds, env.Orders, env.HoldManager, env.Wallet,
		compensation.WithClock(env.Clock),
		compensation.WithEvents(env.Events),
		compensation.WithMetrics(env.Metrics),
		compensation.WithLogger(entry),
	)
	env.HoldManager.SetExpiryHook(env.Compensation.FailOrderForHold)

	sagaOpts := []saga.Option{
		saga.WithClock(env.Clock),
		saga.WithMetrics(env.Metrics),
		saga.WithLogger(entry),
	}
	if cfg.SubmitTimeout > 0 {
		sagaOpts = append(sagaOpts, saga.WithSubmitTimeout(cfg.SubmitTimeout))
	}
	env.Orchestrator = saga.NewOrchestrator(saga.Dependencies{
		Transactor:   env.Tx,
		Catalog:      env.Catalog,
		Orders:       env.Orders,
		Holds:        env.HoldManager,
		Compensation: env.Compensation,
		Gateways:     env.Resolver,
		Events:       env.Events,
	}, sagaOpts...)

	env.Lifecycle = lifecycle.NewManager(lifecycle.Dependencies{
		Transactor:   env.Tx,
		Users:        env.Users,
		Holds:        env.Holds,
		Orders:       env.Orders,
		Catalog:      env.Catalog,
		Gateways:     env.Resolver,
		Compensation: env.Compensation,
		Events:       env.Events,
		Timeline:     env.Timeline,
	}, lifecycle.WithClock(env.Clock), lifecycle.WithMetrics(env.Metrics), lifecycle.WithLogger(entry))

	return env
}

// CreateUser заводит пользователя и пополняет баланс через журнал.
func (e *Env) CreateUser(t testing.TB, id, balance string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Users.Create(ctx, domain.User{ID: id, Email: id + "@example.com", CreatedAt: e.Clock.Now()}))
	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		_, err := e.Wallet.Deposit(ctx, id, amount, "seed")
		require.NoError(t, err)
	}
}

// Balance возвращает текущий баланс пользователя.
func (e *Env) Balance(t testing.TB, userID string) decimal.Decimal {
	t.Helper()
	user, err := e.Users.FindByID(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

// RequireBalance сравнивает баланс с ожидаемой суммой.
func (e *Env) RequireBalance(t testing.TB, userID, want string) {
	t.Helper()
	got := e.Balance(t, userID)
	require.True(t, got.Equal(decimal.RequireFromString(want)), "balance: got %s want %s", got, want)
}

// RequireConserved проверяет balance + Σ HELD == Σ ledger.
func (e *Env) RequireConserved(t testing.TB, userID string) {
	t.Helper()
	ctx := context.Background()
	held, err := e.Holds.SumHeldByUser(ctx, userID)
	require.NoError(t, err)
	ledgerSum, err := e.Ledger.SumByUser(ctx, userID)
	require.NoError(t, err)
	balance := e.Balance(t, userID)
	require.True(t, balance.Add(held).Equal(ledgerSum), "balance %s + held %s != ledger %s", balance, held, ledgerSum)
}

// LedgerTypes возвращает типы проводок пользователя от новых к старым.
func (e *Env) LedgerTypes(t testing.TB, userID string) []domain.LedgerEntryType {
	t.Helper()
	entries, err := e.Ledger.ListByUser(context.Background(), userID, 0)
	require.NoError(t, err)
	types := make([]domain.LedgerEntryType, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.Type)
	}
	return types
}
