package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
)

const (
	defaultHoldDuration   = 15 * time.Minute
	defaultSweepBatchSize = 100

	// ReasonExpired проставляется холдам, освобождённым sweep-ом.
	ReasonExpired = "expired"
)

// ExpiryHook вызывается внутри транзакции освобождения просроченного холда.
type ExpiryHook func(ctx context.Context, hold domain.Hold) error

// Options задаёт зависимости и параметры Manager.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.SagaMetrics
	Clock          clock.Clock
	Events         *events.Recorder
	ExpiryHook     ExpiryHook
	HoldDuration   time.Duration
	SweepBatchSize int
}

// Option настраивает Manager.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) { opts.Clock = c }
}

// WithEvents задаёт писатель outbox-событий.
func WithEvents(recorder *events.Recorder) Option {
	return func(opts *Options) { opts.Events = recorder }
}

// WithExpiryHook задаёт хук для просроченных холдов.
func WithExpiryHook(hook ExpiryHook) Option {
	return func(opts *Options) { opts.ExpiryHook = hook }
}

// WithHoldDuration задаёт время жизни холда по умолчанию.
func WithHoldDuration(d time.Duration) Option {
	return func(opts *Options) { opts.HoldDuration = d }
}

// WithSweepBatchSize задаёт размер порции для ReleaseExpiredHolds.
func WithSweepBatchSize(n int) Option {
	return func(opts *Options) { opts.SweepBatchSize = n }
}

// Manager создаёт, захватывает и освобождает резервы средств.
// Каждая операция: отдельная единица работы, начинающаяся с блокировки пользователя.
type Manager struct {
	tx      domain.Transactor
	users   domain.UserRepository
	holds   domain.HoldRepository
	ledger  domain.LedgerRepository
	events  *events.Recorder
	logger  *log.Entry
	metrics *metrics.SagaMetrics
	clock   clock.Clock

	expiryHook     ExpiryHook
	holdDuration   time.Duration
	sweepBatchSize int
}

// NewManager создаёт Hold Manager.
func NewManager(
	tx domain.Transactor,
	users domain.UserRepository,
	holds domain.HoldRepository,
	ledger domain.LedgerRepository,
	options ...Option,
) *Manager {
	opts := Options{
		HoldDuration:   defaultHoldDuration,
		SweepBatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "hold-manager")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	if opts.HoldDuration <= 0 {
		opts.HoldDuration = defaultHoldDuration
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = defaultSweepBatchSize
	}

	return &Manager{
		tx:             tx,
		users:          users,
		holds:          holds,
		ledger:         ledger,
		events:         opts.Events,
		logger:         logger,
		metrics:        opts.Metrics,
		clock:          clk,
		expiryHook:     opts.ExpiryHook,
		holdDuration:   opts.HoldDuration,
		sweepBatchSize: opts.SweepBatchSize,
	}
}

// SetExpiryHook подключает хук после создания (нужно, когда хук зависит от Manager).
func (m *Manager) SetExpiryHook(hook ExpiryHook) {
	m.expiryHook = hook
}

// DefaultHoldDuration возвращает время жизни холда по умолчанию.
func (m *Manager) DefaultHoldDuration() time.Duration {
	return m.holdDuration
}

// CreateHold резервирует amount на балансе пользователя.
// Блокировка пользователя берётся до проверки ключа идемпотентности, поэтому два запроса
// с одним ключом не могут оба пройти проверку. Повтор ключа возвращает существующий холд.
func (m *Manager) CreateHold(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string, holdDuration time.Duration) (domain.Hold, error) {
	if userID == "" {
		return domain.Hold{}, domain.ErrUserIDRequired
	}
	if !amount.IsPositive() {
		return domain.Hold{}, domain.ErrAmountInvalid
	}
	if holdDuration <= 0 {
		holdDuration = m.holdDuration
	}

	ctx, span := traces.StartSpan(ctx, "hold.CreateHold", traces.UserID(userID), traces.Amount(amount.String()))
	defer span.End()

	var (
		result   domain.Hold
		replayed bool
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := m.users.LockForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			existing, err := m.holds.FindByIdempotencyKey(ctx, userID, idempotencyKey)
			switch {
			case err == nil:
				result = existing
				replayed = true
				return nil
			case !errors.Is(err, domain.ErrHoldNotFound):
				return err
			}
		}

		if user.Banned {
			return domain.ErrAccountBlocked
		}
		if !user.CanSpend(amount) {
			return domain.ErrInsufficientFunds
		}

		now := m.clock.Now()
		user.Balance = user.Balance.Sub(amount)
		user.UpdatedAt = now
		if err := m.users.Save(ctx, user); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		hold := domain.Hold{
			ID:             uuid.NewString(),
			UserID:         userID,
			Amount:         amount,
			Status:         domain.HoldStatusHeld,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
			ExpiresAt:      now.Add(holdDuration),
		}
		if err := m.holds.Create(ctx, hold); err != nil {
			return fmt.Errorf("create hold: %w", err)
		}
		result = hold
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "create hold failed")
		return domain.Hold{}, err
	}

	if replayed {
		m.metrics.RecordHold("replayed")
		if !result.Amount.Equal(amount) {
			m.logger.WithFields(log.Fields{
				"hold_id":          result.ID,
				"user_id":          userID,
				"requested_amount": amount.String(),
				"hold_amount":      result.Amount.String(),
			}).Warn("idempotency key reused with a different amount, returning existing hold")
		}
		return result, nil
	}

	m.metrics.RecordHold("created")
	m.logger.WithFields(log.Fields{
		"hold_id": result.ID,
		"user_id": userID,
		"amount":  amount.String(),
	}).Debug("hold created")
	return result, nil
}

// CaptureHold окончательно списывает средства холда. Повторный захват: no-op.
// Захват уже освобождённого холда возвращает ErrHoldAlreadyReleased: средства вернулись
// пользователю, а заказ, по всей видимости, выполнен. Нужна ручная сверка.
func (m *Manager) CaptureHold(ctx context.Context, holdID, referenceType, referenceID string) (domain.Hold, error) {
	ctx, span := traces.StartSpan(ctx, "hold.CaptureHold", traces.HoldID(holdID))
	defer span.End()

	var result domain.Hold
	captured := false
	err := m.withLockedHold(ctx, holdID, func(ctx context.Context, user domain.User, hold domain.Hold) error {
		switch hold.Status {
		case domain.HoldStatusCaptured:
			result = hold
			return nil
		case domain.HoldStatusReleased, domain.HoldStatusExpired:
			result = hold
			return fmt.Errorf("%w: hold %s is %s", domain.ErrHoldAlreadyReleased, hold.ID, hold.Status)
		}

		now := m.clock.Now()
		hold.Status = domain.HoldStatusCaptured
		hold.ReferenceType = referenceType
		hold.ReferenceID = referenceID
		hold.CapturedAt = &now
		if err := m.holds.Save(ctx, hold); err != nil {
			return fmt.Errorf("save captured hold: %w", err)
		}

		// Деньги уже списаны при создании холда: проводка только фиксирует списание.
		if err := m.ledger.Append(ctx, domain.LedgerEntry{
			ID:            uuid.NewString(),
			UserID:        user.ID,
			Amount:        hold.Amount.Neg(),
			BalanceBefore: user.Balance.Add(hold.Amount),
			BalanceAfter:  user.Balance,
			Type:          domain.LedgerEntryOrder,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			Description:   fmt.Sprintf("charge for %s %s", referenceType, referenceID),
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("append capture ledger entry: %w", err)
		}

		if err := m.events.HoldEvent(ctx, domain.EventHoldCaptured, hold, now); err != nil {
			return err
		}

		hold.Version++
		result = hold
		captured = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrHoldAlreadyReleased) {
			m.metrics.RecordManualReview("hold_already_released")
			m.logger.WithError(err).WithFields(log.Fields{
				"hold_id":        holdID,
				"reference_type": referenceType,
				"reference_id":   referenceID,
				"manual_review":  true,
			}).Error("capture of released hold: order succeeded after funds were returned")
		}
		traces.Fail(span, err, "capture hold failed")
		return result, err
	}

	if captured {
		m.metrics.RecordHold("captured")
	}
	return result, nil
}

// ReleaseHold возвращает средства холда пользователю. Для не-HELD холда: no-op.
func (m *Manager) ReleaseHold(ctx context.Context, holdID, reason string) (domain.Hold, error) {
	return m.finish(ctx, holdID, domain.HoldStatusReleased, reason)
}

// ExpireHold переводит HELD-холд в EXPIRED с возвратом средств (административная операция).
func (m *Manager) ExpireHold(ctx context.Context, holdID string) (domain.Hold, error) {
	return m.finish(ctx, holdID, domain.HoldStatusExpired, ReasonExpired)
}

func (m *Manager) finish(ctx context.Context, holdID string, status domain.HoldStatus, reason string) (domain.Hold, error) {
	ctx, span := traces.StartSpan(ctx, "hold.finish", traces.HoldID(holdID))
	defer span.End()

	var (
		result  domain.Hold
		changed bool
	)
	err := m.withLockedHold(ctx, holdID, func(ctx context.Context, user domain.User, hold domain.Hold) error {
		var err error
		result, changed, err = m.returnFunds(ctx, user, hold, status, reason)
		return err
	})
	if err != nil {
		traces.Fail(span, err, "release hold failed")
		return domain.Hold{}, err
	}

	if changed {
		m.metrics.RecordHold(string(status))
		m.logger.WithFields(log.Fields{
			"hold_id": result.ID,
			"user_id": result.UserID,
			"status":  result.Status,
			"reason":  reason,
		}).Info("hold funds returned")
	}
	return result, nil
}

// returnFunds зачисляет сумму холда обратно и переводит его в финальный статус.
// Вызывается под блокировками пользователя и холда.
func (m *Manager) returnFunds(ctx context.Context, user domain.User, hold domain.Hold, status domain.HoldStatus, reason string) (domain.Hold, bool, error) {
	if hold.Status != domain.HoldStatusHeld {
		return hold, false, nil
	}
	if !domain.CanTransitionHold(hold.Status, status) || status == domain.HoldStatusCaptured {
		return hold, false, domain.ErrInvalidStateTransition
	}

	now := m.clock.Now()
	user.Balance = user.Balance.Add(hold.Amount)
	user.UpdatedAt = now
	if err := m.users.Save(ctx, user); err != nil {
		return hold, false, fmt.Errorf("credit balance: %w", err)
	}

	hold.Status = status
	hold.ReleaseReason = reason
	hold.ReleasedAt = &now
	if err := m.holds.Save(ctx, hold); err != nil {
		return hold, false, fmt.Errorf("save released hold: %w", err)
	}

	eventType := domain.EventHoldReleased
	if status == domain.HoldStatusExpired {
		eventType = domain.EventHoldExpired
	}
	if err := m.events.HoldEvent(ctx, eventType, hold, now); err != nil {
		return hold, false, err
	}

	hold.Version++
	return hold, true, nil
}

// ReleaseExpiredHolds освобождает HELD-холды с expires_at < now.
// Каждый холд: отдельная транзакция; ошибка по одному не останавливает остальные.
func (m *Manager) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = m.clock.Now()
	}

	released, failed := 0, 0
	var cursor domain.HoldCursor
	for {
		if err := ctx.Err(); err != nil {
			return released, err
		}

		batch, err := m.holds.FindExpired(ctx, now, cursor, m.sweepBatchSize)
		if err != nil {
			return released, fmt.Errorf("find expired holds: %w", err)
		}

		for _, hold := range batch {
			if err := ctx.Err(); err != nil {
				return released, err
			}
			// Курсор идёт дальше и мимо холдов, которые не удалось освободить.
			cursor = domain.CursorOf(hold)
			ok, err := m.releaseExpired(ctx, hold.ID, now)
			if err != nil {
				failed++
				m.logger.WithError(err).WithFields(log.Fields{
					"hold_id": hold.ID,
					"user_id": hold.UserID,
				}).Warn("failed to release expired hold, skipping")
				continue
			}
			if ok {
				released++
			}
		}

		if len(batch) < m.sweepBatchSize {
			break
		}
	}

	if failed > 0 {
		m.logger.WithField("failed", failed).Warn("expired holds left held")
	}
	if released > 0 {
		m.logger.WithField("released", released).Info("expired holds released")
	}
	return released, nil
}

func (m *Manager) releaseExpired(ctx context.Context, holdID string, now time.Time) (bool, error) {
	released := false
	err := m.withLockedHold(ctx, holdID, func(ctx context.Context, user domain.User, hold domain.Hold) error {
		// Холд мог быть захвачен или освобождён после выборки.
		if !hold.IsExpired(now) {
			return nil
		}
		updated, changed, err := m.returnFunds(ctx, user, hold, domain.HoldStatusReleased, ReasonExpired)
		if err != nil {
			return err
		}
		if changed && m.expiryHook != nil {
			if err := m.expiryHook(ctx, updated); err != nil {
				return fmt.Errorf("expiry hook: %w", err)
			}
		}
		released = changed
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		m.metrics.RecordHold("expired")
	}
	return released, nil
}

// withLockedHold выполняет fn в транзакции с блокировками user -> hold.
func (m *Manager) withLockedHold(ctx context.Context, holdID string, fn func(ctx context.Context, user domain.User, hold domain.Hold) error) error {
	snapshot, err := m.holds.FindByID(ctx, holdID)
	if err != nil {
		return err
	}

	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := m.users.LockForUpdate(ctx, snapshot.UserID)
		if err != nil {
			return err
		}
		hold, err := m.holds.FindByIDForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		return fn(ctx, user, hold)
	})
}

// LockHeld берёт блокировки user -> hold в текущей транзакции и проверяет, что холд ещё HELD.
// Параллельная запись заказа по тому же холду ждёт фиксации этой транзакции.
func (m *Manager) LockHeld(ctx context.Context, holdID string) (domain.Hold, error) {
	var result domain.Hold
	err := m.withLockedHold(ctx, holdID, func(_ context.Context, _ domain.User, hold domain.Hold) error {
		result = hold
		if hold.Status != domain.HoldStatusHeld {
			return fmt.Errorf("%w: hold %s is %s", domain.ErrHoldAlreadyReleased, hold.ID, hold.Status)
		}
		return nil
	})
	return result, err
}

// ReturnFundsLocked освобождает HELD-холд в текущей транзакции.
// Вызывающий обязан уже держать блокировки пользователя и холда.
func (m *Manager) ReturnFundsLocked(ctx context.Context, user domain.User, hold domain.Hold, reason string) (domain.Hold, bool, error) {
	updated, changed, err := m.returnFunds(ctx, user, hold, domain.HoldStatusReleased, reason)
	if err == nil && changed {
		m.metrics.RecordHold(string(domain.HoldStatusReleased))
	}
	return updated, changed, err
}

// GetHold возвращает холд по идентификатору.
func (m *Manager) GetHold(ctx context.Context, holdID string) (domain.Hold, error) {
	return m.holds.FindByID(ctx, holdID)
}

// FindHoldByIdempotencyKey возвращает холд пользователя по ключу идемпотентности.
func (m *Manager) FindHoldByIdempotencyKey(ctx context.Context, userID, key string) (domain.Hold, error) {
	return m.holds.FindByIdempotencyKey(ctx, userID, key)
}
