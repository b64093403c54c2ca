package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soundledger/soundledger/internal/fx"
)

// defaultFxMaxAge flags pairs whose newest quote is over a week old.
const defaultFxMaxAge = 7 * 24 * time.Hour

// FxStalenessJob scans the exchange-rate table for pairs without a recent
// quote. Stale pairs silently fall back to rate 1.0 during statement
// computation, so the scan surfaces them before they distort payouts.
type FxStalenessJob struct {
	Repo   fx.Repository
	Logger *slog.Logger
	clock  func() time.Time
}

// NewFxStalenessJob initialises the staleness scan handler.
func NewFxStalenessJob(repo fx.Repository, logger *slog.Logger) *FxStalenessJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &FxStalenessJob{
		Repo:   repo,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the staleness scan.
func (j *FxStalenessJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("fx staleness: handler not configured")
	}
	var payload FxStalenessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	maxAge := defaultFxMaxAge
	if payload.MaxAgeHours > 0 {
		maxAge = time.Duration(payload.MaxAgeHours) * time.Hour
	}

	cutoff := j.clock().Add(-maxAge)
	pairs, err := j.Repo.StalePairs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("fx staleness: %w", err)
	}

	for _, pair := range pairs {
		j.Logger.Warn("stale exchange rate pair",
			slog.String("from", pair.FromCurrency),
			slog.String("to", pair.ToCurrency),
			slog.Time("latest_quote", pair.LatestDate),
		)
	}
	j.Logger.Info("completed fx staleness scan",
		slog.Time("cutoff", cutoff),
		slog.Int("stale_pairs", len(pairs)),
	)
	return nil
}
