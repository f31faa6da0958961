// Package lifecycle ведёт заказ после отправки провайдеру: прогресс, завершение,
// отмена, возврат и рефилл.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/service/compensation"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
)

const (
	defaultRefreshAge = 5 * time.Minute

	reasonProviderCancelled = "cancelled by provider"
)

// Dependencies: зависимости Manager.
type Dependencies struct {
	Transactor   domain.Transactor
	Users        domain.UserRepository
	Holds        domain.HoldRepository
	Orders       domain.OrderRepository
	Catalog      domain.CatalogRepository
	Gateways     domain.GatewayResolver
	Compensation *compensation.Service
	Events       *events.Recorder
	Timeline     domain.TimelineRepository
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(sm *metrics.SagaMetrics) Option {
	return func(m *Manager) { m.metrics = sm }
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRefreshAge задаёт, как давно заказ должен не проверяться, чтобы попасть в пакетное обновление.
func WithRefreshAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshAge = d
		}
	}
}

// Manager меняет статус заказа после того, как провайдер его принял.
type Manager struct {
	tx           domain.Transactor
	users        domain.UserRepository
	holds        domain.HoldRepository
	orders       domain.OrderRepository
	catalog      domain.CatalogRepository
	gateways     domain.GatewayResolver
	compensation *compensation.Service
	events       *events.Recorder
	timeline     domain.TimelineRepository

	logger     *log.Entry
	metrics    *metrics.SagaMetrics
	clock      clock.Clock
	refreshAge time.Duration
}

// NewManager создаёт Order Lifecycle Manager.
func NewManager(deps Dependencies, opts ...Option) *Manager {
	m := &Manager{
		tx:           deps.Transactor,
		users:        deps.Users,
		holds:        deps.Holds,
		orders:       deps.Orders,
		catalog:      deps.Catalog,
		gateways:     deps.Gateways,
		compensation: deps.Compensation,
		events:       deps.Events,
		timeline:     deps.Timeline,
		refreshAge:   defaultRefreshAge,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "order-lifecycle")
	}
	if m.clock == nil {
		m.clock = clock.NewSystem()
	}
	return m
}

// MapProviderStatus переводит статус панели в статус заказа.
func MapProviderStatus(status string) (domain.OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending":
		return domain.OrderStatusProcessing, true
	case "in progress", "processing":
		return domain.OrderStatusInProgress, true
	case "partial":
		return domain.OrderStatusPartial, true
	case "completed":
		return domain.OrderStatusCompleted, true
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled, true
	default:
		return "", false
	}
}

// GetOrder возвращает заказ.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return m.orders.FindByID(ctx, orderID)
}

// ListOrders возвращает последние заказы пользователя.
func (m *Manager) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return m.orders.ListByUser(ctx, userID, limit)
}

// Timeline возвращает историю заказа.
func (m *Manager) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if m.timeline == nil {
		return nil, nil
	}
	return m.timeline.List(ctx, orderID)
}

// UpdateProgress обновляет счётчики выполнения. remains == 0 в IN_PROGRESS завершает заказ.
func (m *Manager) UpdateProgress(ctx context.Context, orderID string, startCount, remains int64) (domain.Order, error) {
	return m.mutateOrder(ctx, orderID, func(order *domain.Order, now time.Time) (string, error) {
		if order.Status.IsFinal() {
			return "", domain.ErrInvalidStateTransition
		}
		order.StartCount = startCount
		order.Remains = remains
		order.UpdatedAt = now
		if remains == 0 && order.Status == domain.OrderStatusInProgress {
			if err := m.complete(order, now); err != nil {
				return "", err
			}
			return domain.EventOrderCompleted, nil
		}
		return domain.EventOrderProgress, nil
	})
}

// CompleteOrder помечает заказ выполненным.
func (m *Manager) CompleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return m.mutateOrder(ctx, orderID, func(order *domain.Order, now time.Time) (string, error) {
		if err := m.complete(order, now); err != nil {
			return "", err
		}
		return domain.EventOrderCompleted, nil
	})
}

func (m *Manager) complete(order *domain.Order, now time.Time) error {
	if err := order.TransitionTo(domain.OrderStatusCompleted, now); err != nil {
		return err
	}
	order.Remains = 0
	if order.RefillEligible && order.RefillDays > 0 {
		deadline := now.AddDate(0, 0, order.RefillDays)
		order.RefillDeadline = &deadline
	}
	return nil
}

// mutateOrder меняет заказ под блокировкой без движения денег.
func (m *Manager) mutateOrder(ctx context.Context, orderID string, fn func(order *domain.Order, now time.Time) (string, error)) (domain.Order, error) {
	var result domain.Order
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := m.orders.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		eventType, err := fn(&order, now)
		if err != nil {
			return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, err)
		}
		if err := m.orders.Save(ctx, order); err != nil {
			return err
		}
		if eventType != "" {
			if err := m.events.OrderEvent(ctx, eventType, order, "", now); err != nil {
				return err
			}
		}
		order.Version++
		result = order
		return nil
	})
	return result, err
}

// CancelOrder отменяет нефинальный заказ и возвращает его сумму пользователю.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return m.returnCharge(ctx, orderID, reason, domain.OrderStatusCancelled, domain.EventOrderCancelled)
}

// RefundOrder возвращает сумму выполненного заказа.
func (m *Manager) RefundOrder(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return m.returnCharge(ctx, orderID, reason, domain.OrderStatusRefunded, domain.EventOrderRefunded)
}

func (m *Manager) returnCharge(ctx context.Context, orderID, reason string, target domain.OrderStatus, eventType string) (domain.Order, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle."+string(target), traces.OrderID(orderID))
	defer span.End()

	snapshot, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !domain.CanTransitionOrder(snapshot.Status, target) {
		return domain.Order{}, fmt.Errorf("order %s in status %s: %w", snapshot.ID, snapshot.Status, domain.ErrInvalidStateTransition)
	}

	var (
		result   domain.Order
		returned string
	)
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := m.users.LockForUpdate(ctx, snapshot.UserID)
		if err != nil {
			return err
		}
		h, err := m.holds.FindByIDForUpdate(ctx, snapshot.HoldID)
		if err != nil {
			return err
		}
		order, err := m.orders.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		if err := order.TransitionTo(target, now); err != nil {
			return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, err)
		}
		amount, err := m.compensation.ReturnFundsLocked(ctx, user, h, order, reason)
		if err != nil {
			return err
		}
		order.FailureReason = reason
		if err := m.orders.Save(ctx, order); err != nil {
			return err
		}
		if err := m.events.OrderEvent(ctx, eventType, order, reason, now); err != nil {
			return err
		}
		order.Version++
		result = order
		returned = amount.String()
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "return charge failed")
		return domain.Order{}, err
	}

	m.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   target,
		"returned": returned,
		"reason":   reason,
	}).Info("order charge returned to user")
	return result, nil
}

// UpdateOrderStatus опрашивает провайдера и применяет его статус.
func (m *Manager) UpdateOrderStatus(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.ProviderOrderID == "" {
		return domain.Order{}, fmt.Errorf("order %s is not submitted to provider: %w", order.ID, domain.ErrInvalidStateTransition)
	}
	if order.Status.IsFinal() {
		return order, nil
	}

	gateway, providerName, err := m.gatewayFor(ctx, order.ProviderID)
	if err != nil {
		return domain.Order{}, err
	}

	ctx, span := traces.StartSpan(ctx, "lifecycle.UpdateOrderStatus", traces.OrderID(orderID), traces.Provider(providerName))
	defer span.End()

	status, err := gateway.GetStatus(ctx, order.ProviderOrderID)
	if err != nil {
		traces.Fail(span, err, "status request failed")
		return domain.Order{}, err
	}
	return m.ApplyProviderStatus(ctx, orderID, status)
}

// ApplyProviderStatus применяет статус провайдера к заказу: счётчики, статус и время проверки.
// Отмена на стороне провайдера возвращает сумму пользователю.
func (m *Manager) ApplyProviderStatus(ctx context.Context, orderID string, ps domain.ProviderOrderStatus) (domain.Order, error) {
	target, known := MapProviderStatus(ps.Status)
	if !known {
		m.logger.WithFields(log.Fields{
			"order_id":        orderID,
			"provider_status": ps.Status,
		}).Warn("unknown provider status, only updating check time")
	}

	if known && target == domain.OrderStatusCancelled {
		order, err := m.CancelOrder(ctx, orderID, reasonProviderCancelled)
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			return m.orders.FindByID(ctx, orderID)
		}
		return order, err
	}

	return m.mutateOrder(ctx, orderID, func(order *domain.Order, now time.Time) (string, error) {
		order.LastStatusCheckAt = &now
		if order.Status.IsFinal() {
			return "", nil
		}
		order.StartCount = ps.StartCount
		order.Remains = ps.Remains
		order.UpdatedAt = now

		if !known || target == order.Status {
			if order.Status == domain.OrderStatusInProgress && ps.Remains == 0 && known {
				return domain.EventOrderCompleted, m.complete(order, now)
			}
			return "", nil
		}

		if target == domain.OrderStatusCompleted {
			// Провайдер мог пропустить промежуточные статусы.
			if order.Status == domain.OrderStatusPending {
				return "", domain.ErrInvalidStateTransition
			}
			return domain.EventOrderCompleted, m.complete(order, now)
		}
		if !domain.CanTransitionOrder(order.Status, target) {
			m.logger.WithFields(log.Fields{
				"order_id": order.ID,
				"from":     order.Status,
				"to":       target,
			}).Debug("provider status does not move order forward, keeping current status")
			return "", nil
		}
		if err := order.TransitionTo(target, now); err != nil {
			return "", err
		}
		return domain.EventOrderProgress, nil
	})
}

// ApplyProviderUpdate применяет статус, пришедший от провайдера по его собственному номеру заказа.
func (m *Manager) ApplyProviderUpdate(ctx context.Context, providerID, providerOrderID string, ps domain.ProviderOrderStatus) (domain.Order, error) {
	order, err := m.orders.FindByProviderOrderID(ctx, providerID, providerOrderID)
	if err != nil {
		return domain.Order{}, err
	}
	return m.ApplyProviderStatus(ctx, order.ID, ps)
}

// BatchUpdateOrderStatuses обновляет статусы давно не проверенных заказов, по одному вызову на провайдера.
func (m *Manager) BatchUpdateOrderStatuses(ctx context.Context, limit int) (int, error) {
	threshold := m.clock.Now().Add(-m.refreshAge)
	orders, err := m.orders.FindNeedingStatusRefresh(ctx, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("find orders needing refresh: %w", err)
	}

	byProvider := make(map[string][]domain.Order)
	for _, order := range orders {
		byProvider[order.ProviderID] = append(byProvider[order.ProviderID], order)
	}

	updated := 0
	for providerID, group := range byProvider {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		logger := m.logger.WithField("provider_id", providerID)
		gateway, _, err := m.gatewayFor(ctx, providerID)
		if err != nil {
			logger.WithError(err).Warn("cannot resolve provider gateway, skipping batch")
			continue
		}

		ids := make([]string, 0, len(group))
		for _, order := range group {
			ids = append(ids, order.ProviderOrderID)
		}
		statuses, err := gateway.GetMultipleStatuses(ctx, ids)
		if err != nil {
			logger.WithError(err).WithField("orders", len(ids)).Warn("batch status request failed")
			continue
		}

		for _, order := range group {
			ps, ok := statuses[order.ProviderOrderID]
			if !ok || ps.Error != "" {
				logger.WithFields(log.Fields{
					"order_id":          order.ID,
					"provider_order_id": order.ProviderOrderID,
					"provider_error":    ps.Error,
				}).Warn("provider returned no status for order")
				// Отмечаем проверку, чтобы заказ не попадал в каждую порцию.
				ps = domain.ProviderOrderStatus{StartCount: order.StartCount, Remains: order.Remains}
			}
			if _, err := m.ApplyProviderStatus(ctx, order.ID, ps); err != nil {
				logger.WithError(err).WithField("order_id", order.ID).Warn("failed to apply provider status")
				continue
			}
			updated++
		}
	}
	return updated, nil
}

// RequestRefill запрашивает у провайдера повторное выполнение выполненного заказа.
func (m *Manager) RequestRefill(ctx context.Context, orderID string) (string, error) {
	order, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	now := m.clock.Now()
	if !order.CanRefill(now) {
		return "", refillDenied(order, now)
	}

	gateway, _, err := m.gatewayFor(ctx, order.ProviderID)
	if err != nil {
		return "", err
	}
	refillID, err := gateway.RequestRefill(ctx, order.ProviderOrderID)
	if err != nil {
		return "", err
	}

	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		return m.events.OrderEvent(ctx, domain.EventOrderRefill, order, "refill "+refillID, now)
	})
	if err != nil {
		// Рефилл уже принят провайдером, событие не критично.
		m.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to record refill event")
	}

	m.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"refill_id": refillID,
	}).Info("refill requested")
	return refillID, nil
}

// refillDenied поясняет, почему рефилл недоступен.
func refillDenied(order domain.Order, now time.Time) error {
	switch {
	case !order.RefillEligible:
		return fmt.Errorf("%w: service has no refill", domain.ErrRefillNotAllowed)
	case order.Status != domain.OrderStatusCompleted:
		return fmt.Errorf("%w: order is %s", domain.ErrRefillNotAllowed, order.Status)
	case order.RefillDeadline == nil || now.After(*order.RefillDeadline):
		return fmt.Errorf("%w: refill period is over", domain.ErrRefillNotAllowed)
	default:
		return domain.ErrRefillNotAllowed
	}
}

// CancelAtProvider просит провайдера отменить заказ и, если тот согласен, отменяет его локально.
func (m *Manager) CancelAtProvider(ctx context.Context, orderID, reason string) (domain.Order, error) {
	order, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status.IsFinal() {
		return domain.Order{}, fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, domain.ErrInvalidStateTransition)
	}
	if order.ProviderOrderID == "" {
		return m.CancelOrder(ctx, orderID, reason)
	}

	gateway, providerName, err := m.gatewayFor(ctx, order.ProviderID)
	if err != nil {
		return domain.Order{}, err
	}
	results, err := gateway.CancelOrders(ctx, []string{order.ProviderOrderID})
	if err != nil {
		return domain.Order{}, err
	}
	for _, res := range results {
		if res.ProviderOrderID != order.ProviderOrderID {
			continue
		}
		if !res.Accepted {
			msg := res.Error
			if msg == "" {
				msg = "cancel rejected"
			}
			return domain.Order{}, domain.NewGatewayError(providerName, "cancel", msg, nil)
		}
		return m.CancelOrder(ctx, orderID, reason)
	}
	return domain.Order{}, domain.NewGatewayError(providerName, "cancel", "no result for order", nil)
}

func (m *Manager) gatewayFor(ctx context.Context, providerID string) (domain.ProviderGateway, string, error) {
	provider, err := m.catalog.GetProvider(ctx, providerID)
	if err != nil {
		return nil, "", err
	}
	gateway, err := m.gateways.Gateway(ctx, provider)
	if err != nil {
		return nil, provider.Name, err
	}
	return gateway, provider.Name, nil
}
