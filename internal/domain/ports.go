package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transactor управляет единицами работы. Транзакция передаётся через context.
type Transactor interface {
	// WithinTx присоединяется к транзакции из ctx или открывает новую.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// WithinNewTx всегда открывает независимую транзакцию, которая фиксируется
	// вне зависимости от исхода внешней.
	WithinNewTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository хранит пользователей и их балансы.
type UserRepository interface {
	Create(ctx context.Context, user User) error
	// LockForUpdate берёт эксклюзивную блокировку строки пользователя до конца транзакции.
	LockForUpdate(ctx context.Context, id string) (User, error)
	Save(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	// ListIDs возвращает идентификаторы по возрастанию, начиная после afterID.
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// HoldRepository хранит резервы средств.
type HoldRepository interface {
	// Create возвращает ErrHoldAlreadyExists при повторе (user_id, idempotency_key).
	Create(ctx context.Context, hold Hold) error
	Save(ctx context.Context, hold Hold) error
	FindByID(ctx context.Context, id string) (Hold, error)
	FindByIDForUpdate(ctx context.Context, id string) (Hold, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Hold, error)
	// FindExpired возвращает HELD-холды с expires_at < now, идущие после after
	// в порядке (expires_at, id).
	FindExpired(ctx context.Context, now time.Time, after HoldCursor, limit int) ([]Hold, error)
	SumHeldByUser(ctx context.Context, userID string) (decimal.Decimal, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create возвращает ErrOrderAlreadyExists, если заказ с таким hold_id или ключом уже есть.
	Create(ctx context.Context, order Order) error
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	FindByID(ctx context.Context, id string) (Order, error)
	FindByIDForUpdate(ctx context.Context, id string) (Order, error)
	FindByHoldID(ctx context.Context, holdID string) (Order, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Order, error)
	FindByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (Order, error)
	// FindNeedingStatusRefresh возвращает нефинальные отправленные заказы,
	// которые не проверялись с момента threshold.
	FindNeedingStatusRefresh(ctx context.Context, threshold time.Time, limit int) ([]Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
}

// LedgerRepository: журнал проводок, только добавление.
type LedgerRepository interface {
	Append(ctx context.Context, entry LedgerEntry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	SumByUser(ctx context.Context, userID string) (decimal.Decimal, error)
}

// CatalogRepository: узкий read-only доступ к каталогу.
type CatalogRepository interface {
	GetService(ctx context.Context, id string) (Service, error)
	GetProvider(ctx context.Context, id string) (Provider, error)
}

// ProviderOrderStatus: состояние заказа на стороне провайдера.
type ProviderOrderStatus struct {
	Status     string
	StartCount int64
	Remains    int64
	Charge     string
	Error      string
}

// CancelResult: ответ провайдера на отмену одного заказа.
type CancelResult struct {
	ProviderOrderID string
	Accepted        bool
	Error           string
}

// ProviderGateway: синхронный клиент внешнего провайдера.
// Все методы возвращают *GatewayError при сбое.
type ProviderGateway interface {
	CreateOrder(ctx context.Context, providerServiceID, link string, quantity int64) (string, error)
	GetStatus(ctx context.Context, providerOrderID string) (ProviderOrderStatus, error)
	GetMultipleStatuses(ctx context.Context, providerOrderIDs []string) (map[string]ProviderOrderStatus, error)
	CancelOrders(ctx context.Context, providerOrderIDs []string) ([]CancelResult, error)
	RequestRefill(ctx context.Context, providerOrderID string) (string, error)
}

// GatewayResolver выдаёт клиента для конкретного провайдера (по его учётным данным).
type GatewayResolver interface {
	Gateway(ctx context.Context, provider Provider) (ProviderGateway, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepValidate   SagaStep = "validate"
	SagaStepReserve    SagaStep = "reserve"
	SagaStepPersist    SagaStep = "persist"
	SagaStepSubmit     SagaStep = "submit"
	SagaStepCapture    SagaStep = "capture"
	SagaStepCompensate SagaStep = "compensate"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// JobLocker: блокировка фоновой задачи между репликами сервиса.
// acquired=false означает, что задачу сейчас выполняет другая реплика.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}
