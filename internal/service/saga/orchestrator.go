package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/service/compensation"
	"github.com/vladislavdragonenkov/reseller/internal/service/events"
	"github.com/vladislavdragonenkov/reseller/internal/service/hold"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
)

const (
	defaultSubmitTimeout = 30 * time.Second

	reasonPersistFailed = "order persistence failed"
)

// CreateOrderRequest: параметры нового заказа.
type CreateOrderRequest struct {
	ServiceID      string
	Link           string
	Quantity       int64
	IdempotencyKey string
}

// Orchestrator описывает интерфейс саги создания заказа.
type Orchestrator interface {
	// CreateOrder резервирует средства, сохраняет заказ и отправляет его провайдеру.
	CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (domain.Order, error)
	// SubmitOrderToProvider отправляет провайдеру заказ в статусе PENDING.
	SubmitOrderToProvider(ctx context.Context, orderID string) (domain.Order, error)
}

// Dependencies: зависимости оркестратора.
type Dependencies struct {
	Transactor   domain.Transactor
	Catalog      domain.CatalogRepository
	Orders       domain.OrderRepository
	Holds        *hold.Manager
	Compensation *compensation.Service
	Gateways     domain.GatewayResolver
	Events       *events.Recorder
}

// Option настраивает оркестратор.
type Option func(*orchestrator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *orchestrator) { o.logger = logger }
}

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *orchestrator) { o.metrics = m }
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(o *orchestrator) { o.clock = c }
}

// WithSubmitTimeout ограничивает время вызова провайдера.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *orchestrator) {
		if d > 0 {
			o.submitTimeout = d
		}
	}
}

// orchestrator реализует шаги саги: Validate → Reserve → Persist → Submit → Capture | Compensate.
type orchestrator struct {
	tx           domain.Transactor
	catalog      domain.CatalogRepository
	orders       domain.OrderRepository
	holds        *hold.Manager
	compensation *compensation.Service
	gateways     domain.GatewayResolver
	events       *events.Recorder

	logger        *log.Entry
	metrics       *metrics.SagaMetrics
	clock         clock.Clock
	submitTimeout time.Duration
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(deps Dependencies, opts ...Option) Orchestrator {
	o := &orchestrator{
		tx:            deps.Transactor,
		catalog:       deps.Catalog,
		orders:        deps.Orders,
		holds:         deps.Holds,
		compensation:  deps.Compensation,
		gateways:      deps.Gateways,
		events:        deps.Events,
		submitTimeout: defaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "saga")
	}
	if o.clock == nil {
		o.clock = clock.NewSystem()
	}
	return o
}

// CreateOrder выполняет сагу. Повтор с тем же ключом идемпотентности возвращает уже созданный заказ.
func (o *orchestrator) CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (domain.Order, error) {
	started := time.Now()
	o.metrics.RecordSagaStarted()
	defer func() { o.metrics.RecordSagaFinished(time.Since(started)) }()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	ctx, span := traces.StartSpan(ctx, "saga.CreateOrder", traces.UserID(userID))
	defer span.End()

	logger := o.logger.WithFields(log.Fields{
		"user_id":         userID,
		"service_id":      req.ServiceID,
		"idempotency_key": req.IdempotencyKey,
	})

	// 1. Validate
	stepStart := time.Now()
	priced, err := o.price(ctx, userID, req)
	o.metrics.RecordStepDuration(string(domain.SagaStepValidate), time.Since(stepStart))
	if err != nil {
		traces.Fail(span, err, "validation failed")
		return domain.Order{}, err
	}

	// 2. Reserve
	stepStart = time.Now()
	h, err := o.holds.CreateHold(ctx, userID, priced.Charge, req.IdempotencyKey, 0)
	o.metrics.RecordStepDuration(string(domain.SagaStepReserve), time.Since(stepStart))
	if err != nil {
		traces.Fail(span, err, "reserve failed")
		return domain.Order{}, err
	}

	// 3. Short-circuit для повторов
	existing, err := o.orders.FindByHoldID(ctx, h.ID)
	switch {
	case err == nil:
		o.metrics.RecordOrderReplayed()
		logger.WithField("order_id", existing.ID).Debug("order already exists for hold, returning it")
		return existing, nil
	case !errors.Is(err, domain.ErrOrderNotFound):
		return domain.Order{}, err
	}
	if h.Status != domain.HoldStatusHeld {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrIdempotencyKeyReused, domain.ErrHoldAlreadyReleased)
	}
	if !h.Amount.Equal(priced.Charge) {
		return domain.Order{}, fmt.Errorf("%w: hold amount %s differs from charge %s",
			domain.ErrIdempotencyKeyReused, h.Amount, priced.Charge)
	}

	// 4. Persist PENDING
	order := priced
	order.HoldID = h.ID
	stepStart = time.Now()
	err = o.persistPending(ctx, order)
	o.metrics.RecordStepDuration(string(domain.SagaStepPersist), time.Since(stepStart))
	if err != nil {
		// Параллельный запрос с тем же ключом мог успеть раньше.
		if winner, findErr := o.orders.FindByHoldID(ctx, h.ID); findErr == nil {
			o.metrics.RecordOrderReplayed()
			return winner, nil
		}
		if _, releaseErr := o.holds.ReleaseHold(context.WithoutCancel(ctx), h.ID, reasonPersistFailed); releaseErr != nil {
			logger.WithError(releaseErr).WithField("hold_id", h.ID).Error("failed to release hold after persistence failure")
		}
		traces.Fail(span, err, "persist failed")
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}
	o.metrics.RecordOrderCreated()
	logger.WithFields(log.Fields{
		"order_id": order.ID,
		"hold_id":  h.ID,
		"charge":   order.Charge.String(),
	}).Info("order persisted")

	// 5. Submit
	return o.SubmitOrderToProvider(ctx, order.ID)
}

func (o *orchestrator) price(ctx context.Context, userID string, req CreateOrderRequest) (domain.Order, error) {
	if userID == "" {
		return domain.Order{}, domain.ErrUserIDRequired
	}
	if req.Link == "" {
		return domain.Order{}, domain.ErrLinkRequired
	}

	service, err := o.catalog.GetService(ctx, req.ServiceID)
	if err != nil {
		return domain.Order{}, err
	}
	if !service.Active {
		return domain.Order{}, domain.ErrServiceInactive
	}
	if !service.AcceptsQuantity(req.Quantity) {
		return domain.Order{}, fmt.Errorf("%w: %d not in [%d, %d]",
			domain.ErrQuantityOutOfRange, req.Quantity, service.MinQuantity, service.MaxQuantity)
	}
	provider, err := o.catalog.GetProvider(ctx, service.ProviderID)
	if err != nil {
		return domain.Order{}, err
	}

	charge := domain.CalculateCharge(service.PricePer1000, req.Quantity)
	if !charge.IsPositive() {
		return domain.Order{}, domain.ErrAmountInvalid
	}
	cost := domain.CalculateCharge(service.CostPer1000, req.Quantity)

	now := o.clock.Now()
	return domain.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		ServiceID:      service.ID,
		ProviderID:     provider.ID,
		Link:           req.Link,
		Quantity:       req.Quantity,
		Remains:        req.Quantity,
		UnitPrice:      service.PricePer1000,
		UnitCost:       service.CostPer1000,
		Charge:         charge,
		Cost:           cost,
		Profit:         charge.Sub(cost),
		IdempotencyKey: req.IdempotencyKey,
		RefillEligible: service.RefillEligible,
		RefillDays:     service.RefillDays,
		Status:         domain.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (o *orchestrator) persistPending(ctx context.Context, order domain.Order) error {
	return o.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := o.holds.LockHeld(ctx, order.HoldID); err != nil {
			return err
		}
		if err := o.orders.Create(ctx, order); err != nil {
			return err
		}
		return o.events.OrderEvent(ctx, domain.EventOrderCreated, order, "", order.CreatedAt)
	})
}

// SubmitOrderToProvider отправляет заказ провайдеру. Вызов идёт без блокировок и транзакций.
// Ошибка отправки запускает компенсацию; сбои после того, как провайдер принял заказ,
// не компенсируются и уходят на ручной разбор.
func (o *orchestrator) SubmitOrderToProvider(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := traces.StartSpan(ctx, "saga.SubmitOrderToProvider", traces.OrderID(orderID))
	defer span.End()

	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPending || order.ProviderOrderID != "" {
		return order, nil
	}

	logger := o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"hold_id":  order.HoldID,
		"provider": order.ProviderID,
	})

	stepStart := time.Now()
	providerOrderID, submitErr := o.submit(ctx, order)
	o.metrics.RecordStepDuration(string(domain.SagaStepSubmit), time.Since(stepStart))
	if submitErr != nil {
		logger.WithError(submitErr).Warn("provider submission failed, compensating")
		traces.Fail(span, submitErr, "submit failed")

		stepStart = time.Now()
		compErr := o.compensation.CompensateFailedOrder(ctx, order.ID, submitErr.Error())
		o.metrics.RecordStepDuration(string(domain.SagaStepCompensate), time.Since(stepStart))
		if compErr != nil {
			logger.WithError(compErr).Error("compensation after failed submission did not complete")
		}
		return domain.Order{}, submitErr
	}

	// Провайдер принял заказ: дальше только фиксация.
	detached := context.WithoutCancel(ctx)
	order, err = o.markProcessing(detached, order.ID, providerOrderID)
	if err != nil {
		o.metrics.RecordManualReview("accepted_order_not_recorded")
		logger.WithError(err).WithFields(log.Fields{
			"provider_order_id": providerOrderID,
			"manual_review":     true,
		}).Error("provider accepted order but local state was not updated")
		traces.Fail(span, err, "mark processing failed")
		return domain.Order{}, err
	}

	stepStart = time.Now()
	_, err = o.holds.CaptureHold(detached, order.HoldID, domain.ReferenceTypeOrder, order.ID)
	o.metrics.RecordStepDuration(string(domain.SagaStepCapture), time.Since(stepStart))
	if err != nil {
		if !errors.Is(err, domain.ErrHoldAlreadyReleased) {
			o.metrics.RecordManualReview("capture_failed")
			logger.WithError(err).WithFields(log.Fields{
				"provider_order_id": providerOrderID,
				"manual_review":     true,
			}).Error("failed to capture hold for accepted order")
		}
		traces.Fail(span, err, "capture failed")
		return order, err
	}

	logger.WithField("provider_order_id", providerOrderID).Info("order submitted to provider")
	return order, nil
}

// submit вызывает провайдера с таймаутом. Паника в клиенте превращается в GatewayError.
func (o *orchestrator) submit(ctx context.Context, order domain.Order) (providerOrderID string, err error) {
	service, err := o.catalog.GetService(ctx, order.ServiceID)
	if err != nil {
		return "", fmt.Errorf("load service: %w", err)
	}
	provider, err := o.catalog.GetProvider(ctx, order.ProviderID)
	if err != nil {
		return "", fmt.Errorf("load provider: %w", err)
	}
	gateway, err := o.gateways.Gateway(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("resolve gateway: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			providerOrderID = ""
			err = domain.NewGatewayError(provider.Name, "add", fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	ctxSpan, span := traces.StartSpan(callCtx, "provider.CreateOrder", traces.Provider(provider.Name))
	defer span.End()

	providerOrderID, err = gateway.CreateOrder(ctxSpan, service.ProviderServiceID, order.Link, order.Quantity)
	if err == nil && providerOrderID == "" {
		err = domain.NewGatewayError(provider.Name, "add", "empty provider order id", nil)
	}
	if err != nil {
		if _, ok := domain.AsGatewayError(err); !ok {
			err = domain.NewGatewayError(provider.Name, "add", "request failed", err)
		}
		traces.Fail(span, err, "provider call failed")
		return "", err
	}
	return providerOrderID, nil
}

// markProcessing фиксирует идентификатор провайдера и переводит заказ в PROCESSING.
func (o *orchestrator) markProcessing(ctx context.Context, orderID, providerOrderID string) (domain.Order, error) {
	var result domain.Order
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := o.orders.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		if err := order.TransitionTo(domain.OrderStatusProcessing, now); err != nil {
			return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, err)
		}
		order.ProviderOrderID = providerOrderID
		order.LastStatusCheckAt = &now
		if err := o.orders.Save(ctx, order); err != nil {
			return err
		}
		if err := o.events.OrderEvent(ctx, domain.EventOrderProcessing, order, "", now); err != nil {
			return err
		}
		order.Version++
		result = order
		return nil
	})
	return result, err
}

var _ Orchestrator = (*orchestrator)(nil)
