package fx

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/soundledger/soundledger/internal/observability"
)

// Normalizer converts source-currency amounts to a target currency as of a
// given date. Missing rate data falls back to 1.0 so that revenue
// recognition is never blocked; the fallback is surfaced through a
// structured warning and a metric instead of an error.
type Normalizer struct {
	repo    Repository
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewNormalizer constructs a normalizer. metrics may be nil in tests.
func NewNormalizer(repo Repository, logger *slog.Logger, metrics *observability.Metrics) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{repo: repo, logger: logger, metrics: metrics}
}

// Normalize converts amount from one currency to another using the latest
// quote on or before the given date. Identity pairs short-circuit to rate 1.
func (n *Normalizer) Normalize(ctx context.Context, amount float64, from, to string, on time.Time) float64 {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return amount
	}
	if _, err := currency.ParseISO(from); err != nil {
		n.logger.Warn("source currency is not a valid ISO 4217 code", slog.String("currency", from))
	}

	rate, err := n.repo.LatestRate(ctx, from, to, on)
	if err != nil {
		if !errors.Is(err, ErrRateNotFound) {
			n.logger.Error("exchange rate lookup failed",
				slog.String("from", from),
				slog.String("to", to),
				slog.Any("error", err))
		} else {
			n.logger.Warn("no exchange rate on or before date, defaulting to 1.0",
				slog.String("from", from),
				slog.String("to", to),
				slog.Time("date", on))
		}
		n.metrics.ObserveFxFallback(from, to)
		return amount
	}

	return amount * rate.Rate
}

// ToReference converts an amount to the reference currency (USD).
func (n *Normalizer) ToReference(ctx context.Context, amount float64, from string, on time.Time) float64 {
	return n.Normalize(ctx, amount, from, ReferenceCurrency, on)
}
