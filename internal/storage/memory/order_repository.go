package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// orderRepositoryInMemory: in-memory реализация OrderRepository поверх общего Store.
type orderRepositoryInMemory struct {
	store *Store
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{store: store}
}

// Create сохраняет новый заказ. Один холд: максимум один заказ.
// Уникальность проверяется и по незафиксированным заказам других транзакций.
func (r *orderRepositoryInMemory) Create(ctx context.Context, order domain.Order) error {
	s := r.store
	tx := txFromContext(ctx)
	return s.mutate(ctx, func() (func(), error) {
		if _, exists := s.orders[order.ID]; exists {
			return nil, domain.ErrOrderAlreadyExists
		}
		for _, existing := range s.orders {
			if order.HoldID != "" && existing.HoldID == order.HoldID {
				return nil, domain.ErrOrderAlreadyExists
			}
			if order.IdempotencyKey != "" && existing.UserID == order.UserID && existing.IdempotencyKey == order.IdempotencyKey {
				return nil, domain.ErrOrderAlreadyExists
			}
		}
		s.orders[order.ID] = order
		if tx == nil {
			return nil, nil
		}
		s.uncommittedOrders[order.ID] = tx
		tx.insertedOrders = append(tx.insertedOrders, order.ID)
		return func() {
			delete(s.orders, order.ID)
			delete(s.uncommittedOrders, order.ID)
		}, nil
	})
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(ctx context.Context, order domain.Order) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		prev, ok := s.orders[order.ID]
		if !ok || !s.orderVisible(ctx, order.ID) {
			return nil, domain.ErrOrderNotFound
		}
		if prev.Version != order.Version {
			return nil, domain.ErrOrderVersionConflict
		}
		// Инкрементируем версию перед сохранением.
		order.Version++
		s.orders[order.ID] = order
		return func() { s.orders[order.ID] = prev }, nil
	})
}

func (r *orderRepositoryInMemory) FindByID(ctx context.Context, id string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	order, ok := r.store.orders[id]
	if !ok || !r.store.orderVisible(ctx, id) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (r *orderRepositoryInMemory) FindByIDForUpdate(ctx context.Context, id string) (domain.Order, error) {
	if err := r.store.lockRow(ctx, orderLockKey(id)); err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, id)
}

func (r *orderRepositoryInMemory) FindByHoldID(ctx context.Context, holdID string) (domain.Order, error) {
	return r.findOne(ctx, func(o domain.Order) bool { return o.HoldID == holdID })
}

func (r *orderRepositoryInMemory) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	if key == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, func(o domain.Order) bool { return o.UserID == userID && o.IdempotencyKey == key })
}

func (r *orderRepositoryInMemory) FindByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (domain.Order, error) {
	if providerOrderID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, func(o domain.Order) bool {
		return o.ProviderID == providerID && o.ProviderOrderID == providerOrderID
	})
}

// FindNeedingStatusRefresh возвращает отправленные нефинальные заказы, давно не проверявшиеся.
func (r *orderRepositoryInMemory) FindNeedingStatusRefresh(ctx context.Context, threshold time.Time, limit int) ([]domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.store.orders {
		if order.Status.IsFinal() || order.ProviderOrderID == "" || !r.store.orderVisible(ctx, order.ID) {
			continue
		}
		if order.LastStatusCheckAt != nil && order.LastStatusCheckAt.After(threshold) {
			continue
		}
		result = append(result, order)
	}

	sort.Slice(result, func(i, j int) bool {
		return lastCheck(result[i]).Before(lastCheck(result[j]))
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.store.orders {
		if order.UserID == userID && r.store.orderVisible(ctx, order.ID) {
			result = append(result, order)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *orderRepositoryInMemory) findOne(ctx context.Context, match func(domain.Order) bool) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, order := range r.store.orders {
		if match(order) && r.store.orderVisible(ctx, order.ID) {
			return order, nil
		}
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

func lastCheck(o domain.Order) time.Time {
	if o.LastStatusCheckAt == nil {
		return o.CreatedAt
	}
	return *o.LastStatusCheckAt
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
