package rates

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRateNotFound indicates no override row covers the requested date.
var ErrRateNotFound = errors.New("rates: no effective rate")

// Repository provides access to DspRate override rows. Rows are owned by an
// external admin process; this engine only reads them.
type Repository interface {
	// FindEffectiveRate returns the most recent rate row for the DSP whose
	// half-open window [effective_from, effective_to) contains the date,
	// preferring an exact territory match over the GLOBAL fallback. Returns
	// ErrRateNotFound when neither exists.
	FindEffectiveRate(ctx context.Context, dspSlug, territory string, on time.Time) (DspRate, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Postgres-backed rate repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const effectiveRateQuery = `SELECT id, dsp_slug, territory, rate_per_stream, currency, effective_from, effective_to, created_at
FROM dsp_rates
WHERE dsp_slug = $1 AND territory = $2
  AND effective_from <= $3
  AND (effective_to IS NULL OR effective_to > $3)
ORDER BY effective_from DESC
LIMIT 1`

func (r *pgRepository) FindEffectiveRate(ctx context.Context, dspSlug, territory string, on time.Time) (DspRate, error) {
	rate, err := r.findOne(ctx, dspSlug, territory, on)
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, ErrRateNotFound) || territory == TerritoryGlobal {
		return DspRate{}, err
	}
	return r.findOne(ctx, dspSlug, TerritoryGlobal, on)
}

func (r *pgRepository) findOne(ctx context.Context, dspSlug, territory string, on time.Time) (DspRate, error) {
	var rate DspRate
	err := r.pool.QueryRow(ctx, effectiveRateQuery, dspSlug, territory, on).
		Scan(&rate.ID, &rate.DspSlug, &rate.Territory, &rate.RatePerStream, &rate.Currency, &rate.EffectiveFrom, &rate.EffectiveTo, &rate.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DspRate{}, ErrRateNotFound
		}
		return DspRate{}, err
	}
	return rate, nil
}
