package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
	"github.com/vladislavdragonenkov/reseller/internal/traces"
)

// RetryConfig: политика повторов для чтений.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig: три попытки, пауза от 100ms с удвоением до 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// delay возвращает паузу перед попыткой attempt+1.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		d *= factor
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// ResilientGateway добавляет к шлюзу провайдера breaker, повторы, трейсы и метрики.
// Повторяются только чтения: add, cancel и refill у провайдера не идемпотентны.
type ResilientGateway struct {
	name    string
	next    domain.ProviderGateway
	breaker *Breaker
	retry   RetryConfig
	metrics *metrics.SagaMetrics
	log     *log.Entry
	wait    func(ctx context.Context, d time.Duration) error
}

// NewResilientGateway оборачивает next. Без breaker создаётся breaker с параметрами по умолчанию.
func NewResilientGateway(name string, next domain.ProviderGateway, breaker *Breaker, retry RetryConfig, m *metrics.SagaMetrics, logger *log.Entry) *ResilientGateway {
	if logger == nil {
		logger = log.WithField("component", "provider-gateway")
	}
	if breaker == nil {
		breaker = NewBreaker(name, defaultBreakerThreshold, defaultBreakerCooldown, logger)
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &ResilientGateway{
		name:    name,
		next:    next,
		breaker: breaker,
		retry:   retry,
		metrics: m,
		log:     logger.WithField("provider", name),
		wait:    waitContext,
	}
}

func (g *ResilientGateway) CreateOrder(ctx context.Context, providerServiceID, link string, quantity int64) (id string, err error) {
	err = g.call(ctx, opAdd, 1, func(ctx context.Context) (callErr error) {
		id, callErr = g.next.CreateOrder(ctx, providerServiceID, link, quantity)
		return callErr
	})
	return id, err
}

func (g *ResilientGateway) GetStatus(ctx context.Context, providerOrderID string) (status domain.ProviderOrderStatus, err error) {
	err = g.call(ctx, opStatus, g.retry.MaxAttempts, func(ctx context.Context) (callErr error) {
		status, callErr = g.next.GetStatus(ctx, providerOrderID)
		return callErr
	})
	return status, err
}

func (g *ResilientGateway) GetMultipleStatuses(ctx context.Context, providerOrderIDs []string) (statuses map[string]domain.ProviderOrderStatus, err error) {
	err = g.call(ctx, opStatus, g.retry.MaxAttempts, func(ctx context.Context) (callErr error) {
		statuses, callErr = g.next.GetMultipleStatuses(ctx, providerOrderIDs)
		return callErr
	})
	return statuses, err
}

func (g *ResilientGateway) CancelOrders(ctx context.Context, providerOrderIDs []string) (results []domain.CancelResult, err error) {
	err = g.call(ctx, opCancel, 1, func(ctx context.Context) (callErr error) {
		results, callErr = g.next.CancelOrders(ctx, providerOrderIDs)
		return callErr
	})
	return results, err
}

func (g *ResilientGateway) RequestRefill(ctx context.Context, providerOrderID string) (refillID string, err error) {
	err = g.call(ctx, opRefill, 1, func(ctx context.Context) (callErr error) {
		refillID, callErr = g.next.RequestRefill(ctx, providerOrderID)
		return callErr
	})
	return refillID, err
}

// call делает до attempts попыток, пока ошибка остаётся повторяемой.
func (g *ResilientGateway) call(ctx context.Context, operation string, attempts int, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "provider."+operation, traces.Provider(g.name))
	defer span.End()

	var err error
	for attempt := 1; ; attempt++ {
		err = g.attempt(ctx, operation, fn)
		if err == nil {
			if attempt > 1 {
				g.log.WithFields(log.Fields{"operation": operation, "attempt": attempt}).Info("provider call recovered")
			}
			return nil
		}
		if attempt >= attempts || !shouldRetry(err) {
			break
		}

		delay := g.retry.delay(attempt)
		g.log.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		}).Warn("provider call failed, retrying")
		if g.wait(ctx, delay) != nil {
			break
		}
	}

	traces.Fail(span, err, "provider call failed")
	return err
}

func (g *ResilientGateway) attempt(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := g.breaker.Do(operation, func() error { return fn(ctx) }, countsAsFailure)

	result := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		g.metrics.RecordGatewayCall(g.name, operation, "circuit_open")
		return domain.NewGatewayError(g.name, operation, "circuit open", err)
	case isRejection(err):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	g.metrics.RecordGatewayCall(g.name, operation, result)
	return err
}

// isRejection: провайдер ответил осмысленной ошибкой (нет средств, неверная ссылка и т.п.).
// Такой ответ не повторяется и не размыкает breaker.
func isRejection(err error) bool {
	gwErr, ok := domain.AsGatewayError(err)
	if !ok || gwErr.Err != nil {
		return false
	}
	return !strings.HasPrefix(gwErr.Message, "http status 5")
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !isRejection(err)
}

func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, context.Canceled), isRejection(err):
		return false
	}
	return true
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.ProviderGateway = (*ResilientGateway)(nil)
