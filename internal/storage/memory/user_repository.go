package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type userRepositoryInMemory struct {
	store *Store
}

// NewUserRepository создаёт in-memory реализацию UserRepository.
func NewUserRepository(store *Store) domain.UserRepository {
	return &userRepositoryInMemory{store: store}
}

func (r *userRepositoryInMemory) Create(ctx context.Context, user domain.User) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		if _, exists := s.users[user.ID]; exists {
			return nil, domain.ErrUserAlreadyExists
		}
		if user.Email != "" {
			for _, existing := range s.users {
				if strings.EqualFold(existing.Email, user.Email) {
					return nil, domain.ErrUserAlreadyExists
				}
			}
		}
		s.users[user.ID] = user
		return func() { delete(s.users, user.ID) }, nil
	})
}

// LockForUpdate сериализует все изменения баланса пользователя до конца транзакции.
func (r *userRepositoryInMemory) LockForUpdate(ctx context.Context, id string) (domain.User, error) {
	if err := r.store.lockRow(ctx, userLockKey(id)); err != nil {
		return domain.User{}, err
	}
	return r.FindByID(ctx, id)
}

func (r *userRepositoryInMemory) Save(ctx context.Context, user domain.User) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		prev, ok := s.users[user.ID]
		if !ok {
			return nil, domain.ErrUserNotFound
		}
		s.users[user.ID] = user
		return func() { s.users[user.ID] = prev }, nil
	})
}

func (r *userRepositoryInMemory) FindByID(_ context.Context, id string) (domain.User, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	user, ok := r.store.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

func (r *userRepositoryInMemory) FindByEmail(_ context.Context, email string) (domain.User, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, user := range r.store.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (r *userRepositoryInMemory) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	ids := make([]string, 0, len(r.store.users))
	for id := range r.store.users {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ domain.UserRepository = (*userRepositoryInMemory)(nil)
