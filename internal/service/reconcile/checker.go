// Package reconcile сверяет балансы пользователей с журналом проводок.
package reconcile

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const defaultPageSize = 500

var (
	reconcileMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reseller_reconcile_mismatches",
		Help: "Number of users whose balance plus held funds differs from the ledger in the last run.",
	})
	reconcileChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reseller_reconcile_checks_total",
		Help: "Total number of per-user reconciliation checks grouped by result.",
	}, []string{"result"})
)

// Report: результат сверки одного пользователя.
type Report struct {
	UserID    string
	Balance   decimal.Decimal
	Held      decimal.Decimal
	LedgerSum decimal.Decimal
	// Drift = Balance + Held - LedgerSum. Ноль означает, что деньги сходятся.
	Drift decimal.Decimal
}

// Match сообщает, что расхождения нет.
func (r Report) Match() bool {
	return r.Drift.IsZero()
}

// Checker сверяет balance + Σ HELD с Σ ledger.
type Checker struct {
	users    domain.UserRepository
	holds    domain.HoldRepository
	ledger   domain.LedgerRepository
	logger   *log.Entry
	pageSize int
}

// NewChecker создаёт Checker.
func NewChecker(users domain.UserRepository, holds domain.HoldRepository, ledger domain.LedgerRepository, logger *log.Entry) *Checker {
	if logger == nil {
		logger = log.WithField("component", "reconcile")
	}
	return &Checker{
		users:    users,
		holds:    holds,
		ledger:   ledger,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// Check сверяет одного пользователя.
func (c *Checker) Check(ctx context.Context, userID string) (Report, error) {
	user, err := c.users.FindByID(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	held, err := c.holds.SumHeldByUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("sum held: %w", err)
	}
	ledgerSum, err := c.ledger.SumByUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("sum ledger: %w", err)
	}

	report := Report{
		UserID:    userID,
		Balance:   user.Balance,
		Held:      held,
		LedgerSum: ledgerSum,
		Drift:     user.Balance.Add(held).Sub(ledgerSum),
	}
	if report.Match() {
		reconcileChecksTotal.WithLabelValues("ok").Inc()
	} else {
		reconcileChecksTotal.WithLabelValues("mismatch").Inc()
	}
	return report, nil
}

// CheckAll сверяет всех пользователей и возвращает только расхождения.
func (c *Checker) CheckAll(ctx context.Context) ([]Report, error) {
	var (
		mismatches []Report
		after      string
	)
	for {
		ids, err := c.users.ListIDs(ctx, after, c.pageSize)
		if err != nil {
			return mismatches, fmt.Errorf("list users: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return mismatches, err
			}
			report, err := c.Check(ctx, id)
			if err != nil {
				reconcileChecksTotal.WithLabelValues("error").Inc()
				c.logger.WithError(err).WithField("user_id", id).Warn("reconcile check failed")
				continue
			}
			if !report.Match() {
				c.logger.WithFields(log.Fields{
					"user_id":       id,
					"balance":       report.Balance.String(),
					"held":          report.Held.String(),
					"ledger_sum":    report.LedgerSum.String(),
					"drift":         report.Drift.String(),
					"manual_review": true,
				}).Error("balance does not match ledger")
				mismatches = append(mismatches, report)
			}
		}
		if len(ids) < c.pageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	reconcileMismatches.Set(float64(len(mismatches)))
	return mismatches, nil
}
