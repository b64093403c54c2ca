package rates

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Resolver produces the effective per-stream royalty rate for a DSP,
// territory and report date. Missing rate data never blocks revenue
// recognition: unknown DSPs and territories fall back to the injected table
// defaults silently.
type Resolver struct {
	table  RateTable
	repo   Repository
	logger *slog.Logger
}

// NewResolver constructs a resolver. repo may be nil when no override store
// is wired (pure table-driven resolution).
func NewResolver(table RateTable, repo Repository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{table: table, repo: repo, logger: logger}
}

// Resolve returns the effective per-stream rate:
// (override ?? baseRate[slug] ?? default) × territoryMultiplier × premium.
// The premium multiplier applies only to user-centric accounted events and is
// per-DSP (default 1.0).
func (r *Resolver) Resolve(ctx context.Context, dsp, territory string, reportDate time.Time, userCentric bool) float64 {
	slug := Slug(dsp)

	base := r.table.DefaultBase
	if rate, ok := r.table.BaseRates[slug]; ok {
		base = rate
	}
	if r.repo != nil {
		override, err := r.repo.FindEffectiveRate(ctx, slug, territory, reportDate)
		switch {
		case err == nil:
			base = override.RatePerStream
		case !errors.Is(err, ErrRateNotFound):
			// Lookup failures degrade to table defaults rather than blocking
			// revenue recognition.
			r.logger.Warn("rate override lookup failed",
				slog.String("dsp", slug),
				slog.String("territory", territory),
				slog.Any("error", err))
		}
	}

	multiplier := r.table.DefaultTerritoryMultiplier
	if m, ok := r.table.TerritoryMultipliers[territory]; ok {
		multiplier = m
	}

	premium := 1.0
	if userCentric {
		if p, ok := r.table.PremiumMultipliers[slug]; ok {
			premium = p
		}
	}

	return base * multiplier * premium
}
