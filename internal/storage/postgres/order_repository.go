package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const orderColumns = `id, user_id, service_id, provider_id, link, quantity, remains, start_count,
	unit_price, unit_cost, charge, cost, profit, hold_id, idempotency_key, provider_order_id,
	refill_eligible, refill_days, refill_deadline, status, failure_reason, last_status_check_at,
	version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, service_id, provider_id, link, quantity, remains, start_count,
			unit_price, unit_cost, charge, cost, profit, hold_id, idempotency_key, provider_order_id,
			refill_eligible, refill_days, refill_deadline, status, failure_reason, last_status_check_at,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	`,
		order.ID, order.UserID, order.ServiceID, order.ProviderID, order.Link,
		order.Quantity, order.Remains, order.StartCount,
		order.UnitPrice, order.UnitCost, order.Charge, order.Cost, order.Profit,
		order.HoldID, order.IdempotencyKey, order.ProviderOrderID,
		order.RefillEligible, order.RefillDays, nullTime(order.RefillDeadline),
		string(order.Status), order.FailureReason, nullTime(order.LastStatusCheckAt),
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Save применяет изменения с optimistic locking по колонке version.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}

	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET remains = $3,
		    start_count = $4,
		    provider_order_id = $5,
		    refill_deadline = $6,
		    status = $7,
		    failure_reason = $8,
		    last_status_check_at = $9,
		    updated_at = $10,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`,
		order.ID, order.Version, order.Remains, order.StartCount, order.ProviderOrderID,
		nullTime(order.RefillDeadline), string(order.Status), order.FailureReason,
		nullTime(order.LastStatusCheckAt), order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	exists, err := r.orderExists(ctx, q, order.ID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

func (r *orderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	return r.scanOne(ctx, conn(ctx, r.db), `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) FindByIDForUpdate(ctx context.Context, id string) (domain.Order, error) {
	tx, err := requireTx(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	return r.scanOne(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *orderRepository) FindByHoldID(ctx context.Context, holdID string) (domain.Order, error) {
	return r.scanOne(ctx, conn(ctx, r.db), `SELECT `+orderColumns+` FROM orders WHERE hold_id = $1`, holdID)
}

func (r *orderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	if key == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.scanOne(ctx, conn(ctx, r.db),
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (r *orderRepository) FindByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (domain.Order, error) {
	if providerOrderID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.scanOne(ctx, conn(ctx, r.db),
		`SELECT `+orderColumns+` FROM orders WHERE provider_id = $1 AND provider_order_id = $2`,
		providerID, providerOrderID)
}

// FindNeedingStatusRefresh выбирает отправленные нефинальные заказы, начиная с давно не проверявшихся.
func (r *orderRepository) FindNeedingStatusRefresh(ctx context.Context, threshold time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.scanMany(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE provider_order_id <> ''
		  AND status IN ('processing', 'in_progress', 'partial')
		  AND (last_status_check_at IS NULL OR last_status_check_at <= $1)
		ORDER BY COALESCE(last_status_check_at, created_at), id
		LIMIT $2
	`, threshold, limit)
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		return r.scanMany(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
		`, userID)
	}
	return r.scanMany(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
}

func (r *orderRepository) scanOne(ctx context.Context, q querier, query string, args ...any) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) scanMany(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func (r *orderRepository) orderExists(ctx context.Context, q querier, orderID string) (bool, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)
	`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order existence: %w", err)
	}
	return exists, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order          domain.Order
		status         string
		refillDeadline sql.NullTime
		lastCheck      sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.UserID, &order.ServiceID, &order.ProviderID, &order.Link,
		&order.Quantity, &order.Remains, &order.StartCount,
		&order.UnitPrice, &order.UnitCost, &order.Charge, &order.Cost, &order.Profit,
		&order.HoldID, &order.IdempotencyKey, &order.ProviderOrderID,
		&order.RefillEligible, &order.RefillDays, &refillDeadline,
		&status, &order.FailureReason, &lastCheck,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.RefillDeadline = timePtr(refillDeadline)
	order.LastStatusCheckAt = timePtr(lastCheck)
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
