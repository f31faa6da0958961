package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const holdColumns = `id, user_id, amount, status, idempotency_key, release_reason,
	reference_type, reference_id, created_at, expires_at, captured_at, released_at, version`

type holdRepository struct {
	db *sql.DB
}

// NewHoldRepository создаёт PostgreSQL-реализацию HoldRepository.
func NewHoldRepository(store *Store) domain.HoldRepository {
	return &holdRepository{db: store.DB()}
}

func (r *holdRepository) Create(ctx context.Context, hold domain.Hold) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO holds (
			id, user_id, amount, status, idempotency_key, release_reason,
			reference_type, reference_id, created_at, expires_at, captured_at, released_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		hold.ID, hold.UserID, hold.Amount, string(hold.Status), hold.IdempotencyKey, hold.ReleaseReason,
		hold.ReferenceType, hold.ReferenceID, hold.CreatedAt, hold.ExpiresAt,
		nullTime(hold.CapturedAt), nullTime(hold.ReleasedAt), hold.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrHoldAlreadyExists
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

// Save обновляет холд только при совпадении версии и увеличивает её.
func (r *holdRepository) Save(ctx context.Context, hold domain.Hold) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, `
		UPDATE holds
		SET status = $3,
		    release_reason = $4,
		    reference_type = $5,
		    reference_id = $6,
		    expires_at = $7,
		    captured_at = $8,
		    released_at = $9,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`,
		hold.ID, hold.Version, string(hold.Status), hold.ReleaseReason,
		hold.ReferenceType, hold.ReferenceID, hold.ExpiresAt,
		nullTime(hold.CapturedAt), nullTime(hold.ReleasedAt),
	)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM holds WHERE id = $1)`, hold.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check hold existence: %w", err)
	}
	if !exists {
		return domain.ErrHoldNotFound
	}
	return domain.ErrHoldVersionConflict
}

func (r *holdRepository) FindByID(ctx context.Context, id string) (domain.Hold, error) {
	return r.scanOne(ctx, conn(ctx, r.db), `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id)
}

func (r *holdRepository) FindByIDForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	tx, err := requireTx(ctx)
	if err != nil {
		return domain.Hold{}, err
	}
	return r.scanOne(ctx, tx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, id)
}

func (r *holdRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Hold, error) {
	if key == "" {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return r.scanOne(ctx, conn(ctx, r.db),
		`SELECT `+holdColumns+` FROM holds WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

// FindExpired выбирает просроченные HELD-холды после курсора (keyset по expires_at, id).
func (r *holdRepository) FindExpired(ctx context.Context, now time.Time, after domain.HoldCursor, limit int) ([]domain.Hold, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'held' AND expires_at < $1
		  AND ($3 = '' OR (expires_at, id) > ($4, $3))
		ORDER BY expires_at, id
		LIMIT $2
	`, now, limit, after.ID, after.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("select expired holds: %w", err)
	}
	defer rows.Close()

	holds := make([]domain.Hold, 0)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired holds: %w", err)
	}
	return holds, nil
}

func (r *holdRepository) SumHeldByUser(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var sum decimal.Decimal
	if err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM holds WHERE user_id = $1 AND status = 'held'
	`, userID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum held amount: %w", err)
	}
	return sum, nil
}

func (r *holdRepository) scanOne(ctx context.Context, q querier, query string, args ...any) (domain.Hold, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	hold, err := scanHold(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, err
	}
	return hold, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (domain.Hold, error) {
	var (
		hold       domain.Hold
		status     string
		capturedAt sql.NullTime
		releasedAt sql.NullTime
	)
	err := row.Scan(
		&hold.ID, &hold.UserID, &hold.Amount, &status, &hold.IdempotencyKey, &hold.ReleaseReason,
		&hold.ReferenceType, &hold.ReferenceID, &hold.CreatedAt, &hold.ExpiresAt,
		&capturedAt, &releasedAt, &hold.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Hold{}, err
		}
		return domain.Hold{}, fmt.Errorf("scan hold: %w", err)
	}
	hold.Status = domain.HoldStatus(status)
	hold.CapturedAt = timePtr(capturedAt)
	hold.ReleasedAt = timePtr(releasedAt)
	return hold, nil
}

var _ domain.HoldRepository = (*holdRepository)(nil)
