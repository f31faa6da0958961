package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики саги создания заказа, холдов и компенсаций.
// Все методы безопасны для nil-получателя: сервисы без метрик просто их не пишут.
type SagaMetrics struct {
	// Счётчики заказов
	ordersCreated  prometheus.Counter
	ordersReplayed prometheus.Counter
	ordersFailed   prometheus.Counter

	// Холды по исходу: created/captured/released/expired
	holds *prometheus.CounterVec

	// Компенсации по результату и аномалии, требующие ручного разбора
	compensations *prometheus.CounterVec
	manualReview  *prometheus.CounterVec

	// Вызовы провайдеров
	gatewayCalls *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	outboxEvents prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в reg. Повторная регистрация
// возвращает уже зарегистрированные коллекторы, поэтому несколько сервисов могут делить одни метрики.
func NewSagaMetricsWithRegisterer(reg prometheus.Registerer) *SagaMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		ordersCreated: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reseller_orders_created_total",
			Help: "Orders persisted by the creation saga.",
		})),
		ordersReplayed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reseller_orders_replayed_total",
			Help: "Create requests answered with an existing order.",
		})),
		ordersFailed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reseller_orders_failed_total",
			Help: "Orders that ended in failed status.",
		})),
		holds: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_holds_total",
			Help: "Hold transitions grouped by outcome.",
		}, []string{"outcome"})),
		compensations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_compensations_total",
			Help: "Compensation runs grouped by result.",
		}, []string{"result"})),
		manualReview: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_manual_review_total",
			Help: "Consistency anomalies that require manual reconciliation.",
		}, []string{"kind"})),
		gatewayCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reseller_gateway_calls_total",
			Help: "Provider gateway calls grouped by provider, operation and result.",
		}, []string{"provider", "operation", "result"})),
		sagaDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reseller_saga_duration_seconds",
			Help:    "Duration of order creation sagas.",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reseller_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps.",
			Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 12),
		}, []string{"step"})),
		outboxEvents: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reseller_outbox_events_total",
			Help: "Outbox events enqueued by the saga and lifecycle.",
		})),
		activeSagas: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reseller_active_sagas",
			Help: "Order creation sagas currently in flight.",
		})),
	}
}

// register регистрирует c в reg или возвращает уже зарегистрированный коллектор того же типа.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		panic(fmt.Sprintf("register collector: %v", err))
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("collector already registered with type %T", already.ExistingCollector))
	}
	return existing
}

// RecordSagaStarted увеличивает количество активных саг.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.activeSagas.Inc()
}

// RecordSagaFinished уменьшает количество активных саг и пишет длительность.
func (m *SagaMetrics) RecordSagaFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSagas.Dec()
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *SagaMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderReplayed считает идемпотентные повторы.
func (m *SagaMetrics) RecordOrderReplayed() {
	if m == nil {
		return
	}
	m.ordersReplayed.Inc()
}

// RecordOrderFailed увеличивает счётчик неудачных заказов.
func (m *SagaMetrics) RecordOrderFailed() {
	if m == nil {
		return
	}
	m.ordersFailed.Inc()
}

// RecordHold считает переходы холдов.
func (m *SagaMetrics) RecordHold(outcome string) {
	if m == nil {
		return
	}
	m.holds.WithLabelValues(outcome).Inc()
}

// RecordCompensation считает компенсации (ok/noop/failed).
func (m *SagaMetrics) RecordCompensation(result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(result).Inc()
}

// RecordManualReview считает аномалии, требующие оператора.
func (m *SagaMetrics) RecordManualReview(kind string) {
	if m == nil {
		return
	}
	m.manualReview.WithLabelValues(kind).Inc()
}

// RecordGatewayCall считает вызовы провайдера.
func (m *SagaMetrics) RecordGatewayCall(provider, operation, result string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(provider, operation, result).Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
