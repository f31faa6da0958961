package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type holdRepositoryInMemory struct {
	store *Store
}

// NewHoldRepository создаёт in-memory реализацию HoldRepository.
func NewHoldRepository(store *Store) domain.HoldRepository {
	return &holdRepositoryInMemory{store: store}
}

// Create сохраняет холд, соблюдая уникальность (user_id, idempotency_key).
func (r *holdRepositoryInMemory) Create(ctx context.Context, hold domain.Hold) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		if _, exists := s.holds[hold.ID]; exists {
			return nil, domain.ErrHoldAlreadyExists
		}
		if hold.IdempotencyKey != "" {
			for _, existing := range s.holds {
				if existing.UserID == hold.UserID && existing.IdempotencyKey == hold.IdempotencyKey {
					return nil, domain.ErrHoldAlreadyExists
				}
			}
		}
		s.holds[hold.ID] = hold
		return func() { delete(s.holds, hold.ID) }, nil
	})
}

// Save перезаписывает холд, проверяя версию (optimistic locking).
func (r *holdRepositoryInMemory) Save(ctx context.Context, hold domain.Hold) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		prev, ok := s.holds[hold.ID]
		if !ok {
			return nil, domain.ErrHoldNotFound
		}
		if prev.Version != hold.Version {
			return nil, domain.ErrHoldVersionConflict
		}
		hold.Version++
		s.holds[hold.ID] = hold
		return func() { s.holds[hold.ID] = prev }, nil
	})
}

func (r *holdRepositoryInMemory) FindByID(_ context.Context, id string) (domain.Hold, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	hold, ok := r.store.holds[id]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return hold, nil
}

func (r *holdRepositoryInMemory) FindByIDForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	if err := r.store.lockRow(ctx, holdLockKey(id)); err != nil {
		return domain.Hold{}, err
	}
	return r.FindByID(ctx, id)
}

func (r *holdRepositoryInMemory) FindByIdempotencyKey(_ context.Context, userID, key string) (domain.Hold, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if key == "" {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	for _, hold := range r.store.holds {
		if hold.UserID == userID && hold.IdempotencyKey == key {
			return hold, nil
		}
	}
	return domain.Hold{}, domain.ErrHoldNotFound
}

// FindExpired возвращает самые старые просроченные HELD-холды после курсора.
func (r *holdRepositoryInMemory) FindExpired(_ context.Context, now time.Time, after domain.HoldCursor, limit int) ([]domain.Hold, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.Hold, 0)
	for _, hold := range r.store.holds {
		if hold.IsExpired(now) && !after.Passed(hold) {
			result = append(result, hold)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *holdRepositoryInMemory) SumHeldByUser(_ context.Context, userID string) (decimal.Decimal, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	sum := decimal.Zero
	for _, hold := range r.store.holds {
		if hold.UserID == userID && hold.Status == domain.HoldStatusHeld {
			sum = sum.Add(hold.Amount)
		}
	}
	return sum, nil
}

var _ domain.HoldRepository = (*holdRepositoryInMemory)(nil)
