package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// Store: общее in-memory состояние всех репозиториев.
// Транзакции эмулируются журналом отката, блокировки строк: картой ключевых мьютексов.
// Изменения существующих строк видны другим читателям до фиксации: корректность
// обеспечивают блокировки user -> hold -> order. Вставленные заказы, как в read committed,
// видны другим транзакциям только после фиксации.
type Store struct {
	mu sync.RWMutex

	users     map[string]domain.User
	holds     map[string]domain.Hold
	orders    map[string]domain.Order
	ledger    []domain.LedgerEntry
	services  map[string]domain.Service
	providers map[string]domain.Provider
	outbox    map[string]*outboxRecord
	timeline  map[string][]domain.TimelineEvent

	// uncommittedOrders: заказы, вставленные ещё не зафиксированной транзакцией.
	uncommittedOrders map[string]*memTx

	locks *keyLocks
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		users:     make(map[string]domain.User),
		holds:     make(map[string]domain.Hold),
		orders:    make(map[string]domain.Order),
		services:  make(map[string]domain.Service),
		providers: make(map[string]domain.Provider),
		outbox:    make(map[string]*outboxRecord),
		timeline:  make(map[string][]domain.TimelineEvent),

		uncommittedOrders: make(map[string]*memTx),
		locks:             newKeyLocks(),
	}
}

// mutate применяет изменение под эксклюзивной блокировкой и, если есть транзакция,
// регистрирует функцию отката.
func (s *Store) mutate(ctx context.Context, apply func() (undo func(), err error)) error {
	s.mu.Lock()
	undo, err := apply()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if tx := txFromContext(ctx); tx != nil && undo != nil {
		tx.undo = append(tx.undo, undo)
	}
	return nil
}

// lockRow берёт блокировку строки до конца транзакции. Вне транзакции: no-op.
func (s *Store) lockRow(ctx context.Context, key string) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil
	}
	if _, held := tx.held[key]; held {
		return nil
	}
	if err := s.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = struct{}{}
	tx.order = append(tx.order, key)
	return nil
}

// orderVisible сообщает, видна ли строка заказа из ctx. Вызывается под s.mu.
func (s *Store) orderVisible(ctx context.Context, id string) bool {
	owner, pending := s.uncommittedOrders[id]
	return !pending || owner == txFromContext(ctx)
}

func (s *Store) commit(tx *memTx) {
	if len(tx.insertedOrders) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tx.insertedOrders {
		delete(s.uncommittedOrders, id)
	}
	tx.insertedOrders = nil
}

func (s *Store) rollback(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (s *Store) releaseLocks(tx *memTx) {
	for i := len(tx.order) - 1; i >= 0; i-- {
		s.locks.release(tx.order[i])
	}
	tx.order = nil
	tx.held = nil
}

func userLockKey(id string) string  { return "user:" + id }
func holdLockKey(id string) string  { return "hold:" + id }
func orderLockKey(id string) string { return "order:" + id }
