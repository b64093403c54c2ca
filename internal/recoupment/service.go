package recoupment

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/soundledger/soundledger/internal/observability"
)

// Service applies earnings against a user's prioritized recoupment accounts.
type Service struct {
	repo    Repository
	locker  *Locker
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService constructs the waterfall engine. locker may be nil when the
// caller already serializes per-user access (single-process tests); metrics
// may be nil in tests.
func NewService(repo Repository, locker *Locker, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, locker: locker, logger: logger, metrics: metrics, now: time.Now}
}

// Apply runs one waterfall pass: active accounts in ascending priority order
// each claim min(remaining × rate, balance) until the available amount is
// exhausted. Balances never go negative; an account reaching zero is
// deactivated and stamped. The whole pass commits atomically.
func (s *Service) Apply(ctx context.Context, userID int64, availableAmount float64) ([]Result, error) {
	if availableAmount <= 0 {
		return nil, nil
	}

	run := func(ctx context.Context) ([]Result, error) {
		var results []Result
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			accounts, err := tx.LockActiveAccounts(ctx, userID)
			if err != nil {
				return err
			}

			now := s.now().UTC()
			remaining := availableAmount
			for _, account := range accounts {
				if remaining <= 0 {
					break
				}
				if !account.IsActive {
					continue
				}

				maxRecoverable := remaining * account.RecoupmentRate
				applied := math.Min(maxRecoverable, account.RemainingBalance)
				if applied <= 0 {
					continue
				}

				newBalance := account.RemainingBalance - applied
				if newBalance < 0 {
					newBalance = 0
				}
				fullyRecouped := newBalance <= 0

				if err := tx.ApplyRecoupment(ctx, account.ID, applied, newBalance, fullyRecouped, now); err != nil {
					return err
				}

				results = append(results, Result{
					AccountID:       account.ID,
					PreviousBalance: account.RemainingBalance,
					AmountApplied:   applied,
					NewBalance:      newBalance,
					IsFullyRecouped: fullyRecouped,
				})
				remaining -= applied
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	var results []Result
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, userID, func(ctx context.Context) error {
			results, err = run(ctx)
			return err
		})
	} else {
		results, err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	var total float64
	for _, r := range results {
		total += r.AmountApplied
	}
	if total > 0 {
		s.metrics.ObserveRecoupment(total)
		s.logger.Info("recoupment applied",
			slog.Int64("user_id", userID),
			slog.Float64("available", availableAmount),
			slog.Float64("applied", total),
			slog.Int("accounts", len(results)))
	}
	return results, nil
}

// TotalDeduction sums the applied amounts of a pass.
func TotalDeduction(results []Result) float64 {
	var total float64
	for _, r := range results {
		total += r.AmountApplied
	}
	return total
}
