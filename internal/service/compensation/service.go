// Package compensation возвращает средства по заказам, которые не удалось выполнить.
package compensation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/service/hold"
	"github.com/vladislavdragonenkov/reseller/internal/service/wallet"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
)

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithEvents задаёт писатель событий.
func WithEvents(recorder *events.Recorder) Option {
	return func(s *Service) { s.events = recorder }
}

// Service откатывает денежную часть заказа и переводит его в FAILED.
type Service struct {
	tx      domain.Transactor
	users   domain.UserRepository
	holds   domain.HoldRepository
	orders  domain.OrderRepository
	hold    *hold.Manager
	wallet  *wallet.Service
	events  *events.Recorder
	logger  *log.Entry
	metrics *metrics.SagaMetrics
	clock   clock.Clock
}

// NewService создаёт сервис компенсаций.
func NewService(
	tx domain.Transactor,
	users domain.UserRepository,
	holds domain.HoldRepository,
	orders domain.OrderRepository,
	holdManager *hold.Manager,
	walletService *wallet.Service,
	opts ...Option,
) *Service {
	s := &Service{
		tx:     tx,
		users:  users,
		holds:  holds,
		orders: orders,
		hold:   holdManager,
		wallet: walletService,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "compensation")
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	return s
}

// CompensateFailedOrder возвращает средства и помечает заказ FAILED.
// Выполняется в отдельной транзакции на контексте без отмены: обрыв клиента
// не должен оставить деньги зарезервированными.
func (s *Service) CompensateFailedOrder(ctx context.Context, orderID, reason string) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "compensation.CompensateFailedOrder", traces.OrderID(orderID))
	defer span.End()

	noop := false
	err := s.tx.WithinNewTx(ctx, func(ctx context.Context) error {
		snapshot, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if alreadyCompensated(snapshot.Status) {
			noop = true
			return nil
		}

		user, err := s.users.LockForUpdate(ctx, snapshot.UserID)
		if err != nil {
			return err
		}
		h, err := s.holds.FindByIDForUpdate(ctx, snapshot.HoldID)
		if err != nil {
			return err
		}
		order, err := s.orders.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		// Статус мог смениться, пока ждали блокировок.
		if alreadyCompensated(order.Status) {
			noop = true
			return nil
		}

		if _, err := s.ReturnFundsLocked(ctx, user, h, order, reason); err != nil {
			return err
		}
		return s.markFailed(ctx, order, reason)
	})
	if err != nil {
		s.metrics.RecordCompensation("failed")
		s.metrics.RecordManualReview("compensation_failed")
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":      orderID,
			"reason":        reason,
			"manual_review": true,
		}).Error("order compensation failed")
		traces.Fail(span, err, "compensation failed")
		return fmt.Errorf("%w: order %s: %w", domain.ErrCompensationFailed, orderID, err)
	}

	if noop {
		s.metrics.RecordCompensation("noop")
		return nil
	}

	s.metrics.RecordCompensation("ok")
	s.metrics.RecordOrderFailed()
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"reason":   reason,
	}).Warn("order compensated")
	return nil
}

// FailOrderForHold помечает FAILED заказ, чей холд освободил sweep.
// Вызывается внутри транзакции освобождения, средства уже возвращены.
func (s *Service) FailOrderForHold(ctx context.Context, h domain.Hold) error {
	snapshot, err := s.orders.FindByHoldID(ctx, h.ID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	order, err := s.orders.FindByIDForUpdate(ctx, snapshot.ID)
	if err != nil {
		return err
	}
	if order.Status.IsFinal() {
		return nil
	}
	if order.ProviderOrderID != "" {
		// Провайдер уже принял заказ: освобождать холд нельзя, иначе услуга окажется бесплатной.
		s.metrics.RecordManualReview("expired_hold_submitted_order")
		s.logger.WithFields(log.Fields{
			"order_id":          order.ID,
			"hold_id":           h.ID,
			"provider_order_id": order.ProviderOrderID,
			"manual_review":     true,
		}).Error("hold expired for an order accepted by provider")
		return fmt.Errorf("%w: order %s already submitted to provider", domain.ErrInvalidStateTransition, order.ID)
	}

	if err := s.markFailed(ctx, order, "hold expired"); err != nil {
		return err
	}
	s.metrics.RecordOrderFailed()
	return nil
}

// ReturnFundsLocked возвращает пользователю сумму заказа в зависимости от состояния холда:
// HELD освобождается, по CAPTURED пишется REFUND, по RELEASED/EXPIRED деньги уже вернулись.
// Вызывающий держит блокировки user -> hold -> order. Возвращает зачисленную сумму.
func (s *Service) ReturnFundsLocked(ctx context.Context, user domain.User, h domain.Hold, order domain.Order, reason string) (decimal.Decimal, error) {
	switch h.Status {
	case domain.HoldStatusHeld:
		if _, _, err := s.hold.ReturnFundsLocked(ctx, user, h, reason); err != nil {
			return decimal.Zero, err
		}
		return h.Amount, nil
	case domain.HoldStatusCaptured:
		amount := order.Charge
		if amount.IsZero() {
			amount = h.Amount
		}
		if _, _, err := s.wallet.CreditLocked(ctx, user, amount, domain.LedgerEntryRefund,
			domain.ReferenceTypeOrder, order.ID, "refund: "+reason); err != nil {
			return decimal.Zero, err
		}
		return amount, nil
	default:
		s.logger.WithFields(log.Fields{
			"order_id":    order.ID,
			"hold_id":     h.ID,
			"hold_status": h.Status,
		}).Info("hold funds already returned, nothing to credit")
		return decimal.Zero, nil
	}
}

func (s *Service) markFailed(ctx context.Context, order domain.Order, reason string) error {
	now := s.clock.Now()
	if err := order.TransitionTo(domain.OrderStatusFailed, now); err != nil {
		return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, err)
	}
	order.FailureReason = reason
	if err := s.orders.Save(ctx, order); err != nil {
		return fmt.Errorf("save failed order: %w", err)
	}
	return s.events.OrderEvent(ctx, domain.EventOrderFailed, order, reason, now)
}

func alreadyCompensated(status domain.OrderStatus) bool {
	return status == domain.OrderStatusFailed || status == domain.OrderStatusRefunded
}
