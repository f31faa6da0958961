package provider

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
)

// Factory создаёт «сырого» клиента для провайдера.
type Factory func(provider domain.Provider) domain.ProviderGateway

// HTTPFactory возвращает фабрику клиентов панели с общим таймаутом.
func HTTPFactory(timeout time.Duration, logger *log.Entry) Factory {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}
	return func(p domain.Provider) domain.ProviderGateway {
		return NewPanelClient(p.Name, p.APIURL, p.APIKey, WithHTTPClient(client), WithPanelLogger(logger))
	}
}

type registryKey struct {
	id     string
	apiURL string
	apiKey string
}

// Registry кэширует один шлюз на набор учётных данных провайдера.
// Смена URL или ключа даёт новый клиент со своим breaker.
type Registry struct {
	mu       sync.Mutex
	gateways map[registryKey]domain.ProviderGateway

	factory Factory
	retry   RetryConfig
	metrics *metrics.SagaMetrics
	logger  *log.Entry

	breakerFailures int
	breakerReset    time.Duration
}

// RegistryOption настраивает Registry.
type RegistryOption func(*Registry)

// WithRetry задаёт политику повторов для чтений.
func WithRetry(cfg RetryConfig) RegistryOption {
	return func(r *Registry) { r.retry = cfg }
}

// WithBreaker задаёт параметры breaker.
func WithBreaker(maxFailures int, reset time.Duration) RegistryOption {
	return func(r *Registry) {
		r.breakerFailures = maxFailures
		r.breakerReset = reset
	}
}

// WithRegistryMetrics задаёт метрики вызовов.
func WithRegistryMetrics(m *metrics.SagaMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryLogger задаёт logger.
func WithRegistryLogger(logger *log.Entry) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry создаёт реестр шлюзов.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		gateways:        make(map[registryKey]domain.ProviderGateway),
		factory:         factory,
		retry:           DefaultRetryConfig(),
		breakerFailures: defaultBreakerThreshold,
		breakerReset:    defaultBreakerCooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "provider-registry")
	}
	return r
}

// Gateway возвращает (и при необходимости создаёт) шлюз провайдера.
func (r *Registry) Gateway(_ context.Context, p domain.Provider) (domain.ProviderGateway, error) {
	if p.ID == "" {
		return nil, domain.ErrProviderNotFound
	}
	if !p.Active {
		return nil, domain.NewGatewayError(p.Name, "resolve", "provider is inactive", nil)
	}

	key := registryKey{id: p.ID, apiURL: p.APIURL, apiKey: p.APIKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gw, ok := r.gateways[key]; ok {
		return gw, nil
	}
	for existing := range r.gateways {
		if existing.id == p.ID {
			// Учётные данные сменились: старый клиент больше не нужен.
			delete(r.gateways, existing)
		}
	}

	breaker := NewBreaker(p.Name, r.breakerFailures, r.breakerReset, r.logger)
	gw := NewResilientGateway(p.Name, r.factory(p), breaker, r.retry, r.metrics, r.logger)
	r.gateways[key] = gw

	r.logger.WithFields(log.Fields{
		"provider_id": p.ID,
		"provider":    p.Name,
	}).Debug("provider gateway created")
	return gw, nil
}

var _ domain.GatewayResolver = (*Registry)(nil)
