package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт PostgreSQL-журнал проводок.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB()}
}

func (r *ledgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, user_id, amount, balance_before, balance_after, type,
			reference_type, reference_id, description, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		entry.ID, entry.UserID, entry.Amount, entry.BalanceBefore, entry.BalanceAfter, string(entry.Type),
		entry.ReferenceType, entry.ReferenceID, entry.Description, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// ListByUser возвращает проводки пользователя, новые первыми.
func (r *ledgerRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, user_id, amount, balance_before, balance_after, type,
		       reference_type, reference_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			entry     domain.LedgerEntry
			entryType string
		)
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.Amount, &entry.BalanceBefore, &entry.BalanceAfter, &entryType,
			&entry.ReferenceType, &entry.ReferenceID, &entry.Description, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Type = domain.LedgerEntryType(entryType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func (r *ledgerRepository) SumByUser(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var sum decimal.Decimal
	if err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger entries: %w", err)
	}
	return sum, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
