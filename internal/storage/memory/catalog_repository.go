package memory

import (
	"context"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// CatalogRepository: in-memory каталог. Наполняется через PutService/PutProvider.
type CatalogRepository struct {
	store *Store
}

// NewCatalogRepository создаёт in-memory каталог.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{store: store}
}

// PutService добавляет или заменяет услугу.
func (r *CatalogRepository) PutService(service domain.Service) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.services[service.ID] = service
}

// PutProvider добавляет или заменяет провайдера.
func (r *CatalogRepository) PutProvider(provider domain.Provider) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.providers[provider.ID] = provider
}

func (r *CatalogRepository) GetService(_ context.Context, id string) (domain.Service, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	service, ok := r.store.services[id]
	if !ok {
		return domain.Service{}, domain.ErrServiceNotFound
	}
	return service, nil
}

func (r *CatalogRepository) GetProvider(_ context.Context, id string) (domain.Provider, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	provider, ok := r.store.providers[id]
	if !ok {
		return domain.Provider{}, domain.ErrProviderNotFound
	}
	return provider, nil
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
