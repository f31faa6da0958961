// Package outbox доставляет события transactional outbox в брокер.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	lockKey       = "reseller:outbox-relay"
	maxRetryDelay = 5 * time.Second
)

var (
	relayResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reseller_outbox_publish_results_total",
		Help: "Outbox relay results: sent, retry, failed, deferred, dead_letter, dlq_failed.",
	}, []string{"result"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reseller_outbox_pending_records",
		Help: "Outbox records waiting for delivery.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reseller_outbox_oldest_pending_age_seconds",
		Help: "How long the oldest undelivered outbox record has been waiting.",
	})
)

// BatchResult: итог одного прохода.
type BatchResult struct {
	Sent   int
	Failed int
	// Deferred: сообщения, оставленные pending, потому что раньше в том же проходе
	// не ушло событие их агрегата.
	Deferred int
	// Skipped выставляется, когда проход выполняет другая реплика.
	Skipped bool
}

func (r BatchResult) undelivered() bool { return r.Failed > 0 || r.Deferred > 0 }

// Worker публикует pending-сообщения outbox. События одного агрегата уходят строго по порядку.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	locker    domain.JobLocker
	log       *log.Entry
	now       func() time.Time

	interval  time.Duration
	batch     int
	attempts  int
	baseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithDLQPublisher задаёт publisher для сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

// WithLocker не даёт двум репликам выполнять проход одновременно.
func WithLocker(locker domain.JobLocker) Option {
	return func(w *Worker) { w.locker = locker }
}

// WithPollInterval задаёт паузу между проходами. Она же TTL блокировки.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batch = size
		}
	}
}

// WithMaxAttempts задаёт число попыток на сообщение за один проход.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.attempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.baseDelay = max(delay, 0) }
}

// NewWorker создаёт relay: проход раз в секунду, до 100 сообщений, 3 попытки на сообщение.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		log:       log.WithField("component", "outbox-worker"),
		now:       time.Now,
		interval:  time.Second,
		batch:     100,
		attempts:  3,
		baseDelay: 50 * time.Millisecond,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выполняет проходы до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.log.Warn("outbox relay disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		result, err := w.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("outbox relay pass failed")
		} else if result.undelivered() {
			w.log.WithFields(log.Fields{
				"sent":     result.Sent,
				"failed":   result.Failed,
				"deferred": result.Deferred,
			}).Warn("outbox relay pass left messages undelivered")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну порцию pending-сообщений.
// После сбоя события агрегата остальные его события в порции откладываются до следующего прохода.
func (w *Worker) ProcessOnce(ctx context.Context) (result BatchResult, err error) {
	if err := ctx.Err(); err != nil {
		return result, err
	}

	unlock, ok, err := w.lock(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		return BatchResult{Skipped: true}, nil
	}
	defer unlock()
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batch)
	if err != nil {
		return result, fmt.Errorf("pull pending outbox messages: %w", err)
	}

	stalled := make(map[string]struct{})
	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		aggregate := msg.AggregateType + "/" + msg.AggregateID
		if _, blocked := stalled[aggregate]; blocked {
			result.Deferred++
			relayResults.WithLabelValues("deferred").Inc()
			continue
		}

		if err := w.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			stalled[aggregate] = struct{}{}
			result.Failed++
			w.onFailure(ctx, msg, err)
			continue
		}

		result.Sent++
		relayResults.WithLabelValues("sent").Inc()
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			w.entry(msg).WithError(err).Warn("outbox message delivered but not marked sent")
		}
	}
	return result, nil
}

// lock берёт блокировку прохода на время pollInterval. Без locker проход выполняется всегда.
func (w *Worker) lock(ctx context.Context) (unlock func(), ok bool, err error) {
	if w.locker == nil {
		return func() {}, true, nil
	}
	release, acquired, err := w.locker.TryLock(ctx, lockKey, w.interval)
	if err != nil {
		return nil, false, fmt.Errorf("acquire outbox relay lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.log.WithError(err).Warn("outbox relay lock not released")
		}
	}, true, nil
}

// deliver публикует сообщение, делая до attempts попыток с растущей паузой.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			return nil
		}
		relayResults.WithLabelValues("retry").Inc()
		if attempt >= w.attempts {
			return fmt.Errorf("publish %s after %d attempts: %w", msg.EventType, attempt, err)
		}
		if pause := w.retryBackoff(attempt); pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// retryBackoff: baseDelay * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.baseDelay <= 0 {
		return 0
	}
	if attempt > 16 {
		return maxRetryDelay
	}
	return min(w.baseDelay<<(attempt-1), maxRetryDelay)
}

func (w *Worker) entry(msg domain.OutboxMessage) *log.Entry {
	return w.log.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	})
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.log.WithError(err).Debug("outbox backlog stats unavailable")
		return
	}
	backlogSize.Set(float64(stats.PendingCount))

	var age float64
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0)
	}
	backlogAge.Set(age)
}
