// Package wallet пополняет баланс и возвращает средства с проводкой в журнале.
package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service меняет баланс пользователя вместе с записью в журнале.
type Service struct {
	tx     domain.Transactor
	users  domain.UserRepository
	ledger domain.LedgerRepository
	logger *log.Entry
	clock  clock.Clock
}

// NewService создаёт кошелёк.
func NewService(tx domain.Transactor, users domain.UserRepository, ledger domain.LedgerRepository, opts ...Option) *Service {
	s := &Service{tx: tx, users: users, ledger: ledger}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "wallet")
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	return s
}

// Deposit зачисляет amount и пишет DEPOSIT-проводку.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (domain.LedgerEntry, error) {
	if userID == "" {
		return domain.LedgerEntry{}, domain.ErrUserIDRequired
	}
	if !amount.IsPositive() {
		return domain.LedgerEntry{}, domain.ErrAmountInvalid
	}

	var entry domain.LedgerEntry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := s.users.LockForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		_, entry, err = s.CreditLocked(ctx, user, amount, domain.LedgerEntryDeposit, domain.ReferenceTypeDeposit, reference, "balance deposit")
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	s.logger.WithFields(log.Fields{
		"user_id":   userID,
		"amount":    amount.String(),
		"reference": reference,
	}).Info("deposit credited")
	return entry, nil
}

// CreditLocked зачисляет amount на баланс и добавляет проводку.
// Вызывающий обязан держать блокировку пользователя в текущей транзакции.
func (s *Service) CreditLocked(
	ctx context.Context,
	user domain.User,
	amount decimal.Decimal,
	entryType domain.LedgerEntryType,
	referenceType, referenceID, description string,
) (domain.User, domain.LedgerEntry, error) {
	now := s.clock.Now()
	entry := domain.LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Amount:        amount,
		BalanceBefore: user.Balance,
		BalanceAfter:  user.Balance.Add(amount),
		Type:          entryType,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Description:   description,
		CreatedAt:     now,
	}

	user.Balance = entry.BalanceAfter
	user.UpdatedAt = now
	if err := s.users.Save(ctx, user); err != nil {
		return user, domain.LedgerEntry{}, fmt.Errorf("credit balance: %w", err)
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return user, domain.LedgerEntry{}, fmt.Errorf("append %s ledger entry: %w", entryType, err)
	}
	return user, entry, nil
}

// Balance возвращает пользователя с текущим балансом.
func (s *Service) Balance(ctx context.Context, userID string) (domain.User, error) {
	return s.users.FindByID(ctx, userID)
}

// History возвращает последние проводки пользователя.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	return s.ledger.ListByUser(ctx, userID, limit)
}
