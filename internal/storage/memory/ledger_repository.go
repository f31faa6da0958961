package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type ledgerRepositoryInMemory struct {
	store *Store
}

// NewLedgerRepository создаёт in-memory журнал проводок.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepositoryInMemory{store: store}
}

// Append добавляет проводку. Откат транзакции удаляет только её.
func (r *ledgerRepositoryInMemory) Append(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		s.ledger = append(s.ledger, entry)
		return func() {
			for i := len(s.ledger) - 1; i >= 0; i-- {
				if s.ledger[i].ID == entry.ID {
					s.ledger = append(s.ledger[:i], s.ledger[i+1:]...)
					return
				}
			}
		}, nil
	})
}

// ListByUser возвращает проводки пользователя, новые первыми.
func (r *ledgerRepositoryInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0)
	for i := len(r.store.ledger) - 1; i >= 0; i-- {
		entry := r.store.ledger[i]
		if entry.UserID != userID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *ledgerRepositoryInMemory) SumByUser(_ context.Context, userID string) (decimal.Decimal, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	sum := decimal.Zero
	for _, entry := range r.store.ledger {
		if entry.UserID == userID {
			sum = sum.Add(entry.Amount)
		}
	}
	return sum, nil
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)
