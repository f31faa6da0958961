package provider

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// ErrCircuitOpen возвращается, пока breaker провайдера не пропускает вызовы.
var ErrCircuitOpen = errors.New("circuit breaker is open")

var breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "reseller_provider_breaker_state",
	Help: "Provider circuit breaker state: 0 closed, 1 half-open, 2 open.",
}, []string{"provider"})

// BreakerState: состояние breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker размыкается после threshold подряд идущих сбоев провайдера.
// Через cooldown пропускает один пробный вызов: успех замыкает цепь, сбой снова размыкает.
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	log       *log.Entry

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
	probing     bool
}

// NewBreaker создаёт breaker для провайдера.
func NewBreaker(provider string, threshold int, cooldown time.Duration, logger *log.Entry) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown < 0 {
		cooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = log.WithField("component", "provider-breaker")
	}
	b := &Breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		log:       logger.WithField("provider", provider),
	}
	breakerStateGauge.WithLabelValues(provider).Set(float64(BreakerClosed))
	return b
}

// State возвращает текущее состояние.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do выполняет fn, если breaker пропускает вызов. counts решает, считать ли ошибку сбоем провайдера.
func (b *Breaker) Do(operation string, fn func() error, counts func(error) bool) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	callErr := fn()
	failed := callErr != nil && (counts == nil || counts(callErr))
	b.release(operation, probe, failed)
	return callErr
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return true, nil
	case BreakerHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(operation string, probe, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	logger := b.log.WithField("operation", operation)

	if !failed {
		if b.state != BreakerClosed {
			logger.Info("provider breaker closed")
		}
		b.consecutive = 0
		b.setState(BreakerClosed)
		return
	}

	b.consecutive++
	if b.state == BreakerHalfOpen || b.consecutive >= b.threshold {
		if b.state != BreakerOpen {
			logger.WithField("failures", b.consecutive).Warn("provider breaker opened")
		}
		b.openedAt = b.clock()
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	breakerStateGauge.WithLabelValues(b.provider).Set(float64(state))
}
