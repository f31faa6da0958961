// Package sweeper периодически возвращает пользователям средства по просроченным холдам.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	defaultSweepInterval = time.Minute
	lockKey              = "reseller:hold-expiry-sweep"
)

var (
	holdSweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reseller_hold_sweep_runs_total",
		Help: "Total number of expired hold sweep runs grouped by result.",
	}, []string{"result"})
	holdSweepReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reseller_hold_sweep_released_total",
		Help: "Total number of expired holds released by the sweeper.",
	})
	holdSweepLastReleased = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reseller_hold_sweep_last_released",
		Help: "Number of holds released during the last sweep run.",
	})
)

// HoldReleaser освобождает просроченные холды.
type HoldReleaser interface {
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error)
}

// Options задает параметры воркера.
type Options struct {
	Logger   *log.Entry
	Interval time.Duration
	Locker   domain.JobLocker
	Clock    clock.Clock
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithLocker включает блокировку прохода между репликами.
func WithLocker(locker domain.JobLocker) Option {
	return func(opts *Options) {
		opts.Locker = locker
	}
}

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = c
	}
}

// Worker периодически вызывает ReleaseExpiredHolds.
type Worker struct {
	holds    HoldReleaser
	logger   *log.Entry
	interval time.Duration
	locker   domain.JobLocker
	clock    clock.Clock
}

// NewWorker создает воркер.
func NewWorker(holds HoldReleaser, options ...Option) *Worker {
	opts := Options{Interval: defaultSweepInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "hold-expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}

	return &Worker{
		holds:    holds,
		logger:   logger,
		interval: opts.Interval,
		locker:   opts.Locker,
		clock:    opts.Clock,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.holds == nil {
		w.logger.Warn("hold expiry sweeper is disabled: hold manager is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	released, err := w.SweepOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		holdSweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("hold expiry sweep failed")
		return
	}
	if released < 0 {
		holdSweepRunsTotal.WithLabelValues("skipped").Inc()
		return
	}

	holdSweepRunsTotal.WithLabelValues("ok").Inc()
	holdSweepLastReleased.Set(float64(released))
	if released > 0 {
		w.logger.WithField("released", released).Info("expired holds released")
	}
}

// SweepOnce выполняет один проход. Возвращает -1, если проход выполняет другая реплика.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	if w.locker != nil {
		release, acquired, err := w.locker.TryLock(ctx, lockKey, w.interval)
		if err != nil {
			return 0, err
		}
		if !acquired {
			return -1, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				w.logger.WithError(err).Warn("failed to release sweep lock")
			}
		}()
	}

	released, err := w.holds.ReleaseExpiredHolds(ctx, w.clock.Now())
	if released > 0 {
		holdSweepReleasedTotal.Add(float64(released))
	}
	return released, err
}
