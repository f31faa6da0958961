package reconcile

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	defaultInterval = 10 * time.Minute
	lockKey         = "reseller:reconcile"
)

// Worker периодически запускает CheckAll. Расхождения не исправляются, только логируются для ручного разбора.
type Worker struct {
	checker  *Checker
	locker   domain.JobLocker
	interval time.Duration
	logger   *log.Entry
}

// NewWorker создаёт воркер сверки. locker может быть nil.
func NewWorker(checker *Checker, interval time.Duration, locker domain.JobLocker, logger *log.Entry) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = log.WithField("component", "reconcile-worker")
	}
	return &Worker{checker: checker, locker: locker, interval: interval, logger: logger}
}

// Run выполняет сверку каждые interval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mismatches, err := w.RunOnce(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				w.logger.WithError(err).Warn("reconcile run failed")
			case mismatches > 0:
				w.logger.WithField("mismatches", mismatches).Warn("reconcile found mismatches")
			}
		}
	}
}

// RunOnce выполняет один проход и возвращает число расхождений.
// -1 означает, что проход выполняет другая реплика.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
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
				w.logger.WithError(err).Warn("failed to release reconcile lock")
			}
		}()
	}

	mismatches, err := w.checker.CheckAll(ctx)
	return len(mismatches), err
}
