package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	defaultRefreshInterval  = time.Minute
	defaultRefreshBatchSize = 100
	refreshLockKey          = "reseller:order-status-refresh"
)

var (
	statusRefreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reseller_status_refresh_runs_total",
		Help: "Total number of order status refresh runs grouped by result.",
	}, []string{"result"})
	statusRefreshUpdatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reseller_status_refresh_updated_total",
		Help: "Total number of orders refreshed from provider statuses.",
	})
)

// StatusUpdater обновляет статусы заказов порциями.
type StatusUpdater interface {
	BatchUpdateOrderStatuses(ctx context.Context, limit int) (int, error)
}

// RefresherOptions задает параметры Refresher.
type RefresherOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Locker    domain.JobLocker
}

// RefresherOption настраивает Refresher.
type RefresherOption func(*RefresherOptions)

// WithRefresherLogger задает logger.
func WithRefresherLogger(logger *log.Entry) RefresherOption {
	return func(opts *RefresherOptions) { opts.Logger = logger }
}

// WithRefreshInterval задает интервал между проходами.
func WithRefreshInterval(interval time.Duration) RefresherOption {
	return func(opts *RefresherOptions) { opts.Interval = interval }
}

// WithRefreshBatchSize задает размер порции.
func WithRefreshBatchSize(size int) RefresherOption {
	return func(opts *RefresherOptions) { opts.BatchSize = size }
}

// WithRefreshLocker включает блокировку прохода между репликами.
func WithRefreshLocker(locker domain.JobLocker) RefresherOption {
	return func(opts *RefresherOptions) { opts.Locker = locker }
}

// Refresher периодически опрашивает провайдеров о статусах заказов.
type Refresher struct {
	updater   StatusUpdater
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	locker    domain.JobLocker
}

// NewRefresher создает Refresher.
func NewRefresher(updater StatusUpdater, options ...RefresherOption) *Refresher {
	opts := RefresherOptions{
		Interval:  defaultRefreshInterval,
		BatchSize: defaultRefreshBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "order-status-refresher")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultRefreshInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRefreshBatchSize
	}
	return &Refresher{
		updater:   updater,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		locker:    opts.Locker,
	}
}

// Run запускает периодическое обновление до отмены ctx.
func (r *Refresher) Run(ctx context.Context) {
	if r.updater == nil {
		r.logger.Warn("order status refresher is disabled: updater is nil")
		return
	}

	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	updated, err := r.RefreshOnce(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		statusRefreshRunsTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).Warn("order status refresh failed")
	case updated < 0:
		statusRefreshRunsTotal.WithLabelValues("skipped").Inc()
	default:
		statusRefreshRunsTotal.WithLabelValues("ok").Inc()
		if updated > 0 {
			r.logger.WithField("updated", updated).Debug("order statuses refreshed")
		}
	}
}

// RefreshOnce выполняет один проход. Возвращает -1, если проход выполняет другая реплика.
func (r *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		release, acquired, err := r.locker.TryLock(ctx, refreshLockKey, r.interval)
		if err != nil {
			return 0, err
		}
		if !acquired {
			return -1, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.WithError(err).Warn("failed to release refresh lock")
			}
		}()
	}

	updated, err := r.updater.BatchUpdateOrderStatuses(ctx, r.batchSize)
	if updated > 0 {
		statusRefreshUpdatedTotal.Add(float64(updated))
	}
	return updated, err
}
