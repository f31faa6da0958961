package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// CatalogRepository читает каталог услуг и провайдеров.
// Upsert-методы используются командой сидирования и тестами.
type CatalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-каталог.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{db: store.DB()}
}

func (r *CatalogRepository) GetService(ctx context.Context, id string) (domain.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var service domain.Service
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, provider_id, provider_service_id, name, price_per_1000, cost_per_1000,
		       min_quantity, max_quantity, active, refill_eligible, refill_days
		FROM services
		WHERE id = $1
	`, id).Scan(
		&service.ID, &service.ProviderID, &service.ProviderServiceID, &service.Name,
		&service.PricePer1000, &service.CostPer1000, &service.MinQuantity, &service.MaxQuantity,
		&service.Active, &service.RefillEligible, &service.RefillDays,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Service{}, domain.ErrServiceNotFound
		}
		return domain.Service{}, fmt.Errorf("select service: %w", err)
	}
	return service, nil
}

func (r *CatalogRepository) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var provider domain.Provider
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, name, api_url, api_key, active
		FROM providers
		WHERE id = $1
	`, id).Scan(&provider.ID, &provider.Name, &provider.APIURL, &provider.APIKey, &provider.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Provider{}, domain.ErrProviderNotFound
		}
		return domain.Provider{}, fmt.Errorf("select provider: %w", err)
	}
	return provider, nil
}

// UpsertProvider добавляет провайдера или обновляет его учётные данные.
func (r *CatalogRepository) UpsertProvider(ctx context.Context, provider domain.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO providers (id, name, api_url, api_key, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    api_url = EXCLUDED.api_url,
		    api_key = EXCLUDED.api_key,
		    active = EXCLUDED.active
	`, provider.ID, provider.Name, provider.APIURL, provider.APIKey, provider.Active); err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// UpsertService добавляет услугу или обновляет её цены и лимиты.
func (r *CatalogRepository) UpsertService(ctx context.Context, service domain.Service) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO services (
			id, provider_id, provider_service_id, name, price_per_1000, cost_per_1000,
			min_quantity, max_quantity, active, refill_eligible, refill_days
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE
		SET provider_id = EXCLUDED.provider_id,
		    provider_service_id = EXCLUDED.provider_service_id,
		    name = EXCLUDED.name,
		    price_per_1000 = EXCLUDED.price_per_1000,
		    cost_per_1000 = EXCLUDED.cost_per_1000,
		    min_quantity = EXCLUDED.min_quantity,
		    max_quantity = EXCLUDED.max_quantity,
		    active = EXCLUDED.active,
		    refill_eligible = EXCLUDED.refill_eligible,
		    refill_days = EXCLUDED.refill_days
	`,
		service.ID, service.ProviderID, service.ProviderServiceID, service.Name,
		service.PricePer1000, service.CostPer1000, service.MinQuantity, service.MaxQuantity,
		service.Active, service.RefillEligible, service.RefillDays,
	); err != nil {
		return fmt.Errorf("upsert service: %w", err)
	}
	return nil
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
