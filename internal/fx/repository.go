package fx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRateNotFound indicates no quote exists on or before the requested date.
var ErrRateNotFound = errors.New("fx: rate not found")

// Repository reads exchange rate quotes.
type Repository interface {
	// LatestRate returns the most recent quote with rateDate on or before the
	// given date, or ErrRateNotFound.
	LatestRate(ctx context.Context, from, to string, on time.Time) (ExchangeRate, error)
	// StalePairs lists pairs whose newest quote is older than the cutoff.
	StalePairs(ctx context.Context, cutoff time.Time) ([]StalePair, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Postgres-backed exchange rate repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) LatestRate(ctx context.Context, from, to string, on time.Time) (ExchangeRate, error) {
	var rate ExchangeRate
	err := r.pool.QueryRow(ctx, `SELECT id, from_currency, to_currency, rate, rate_date, created_at
FROM exchange_rates
WHERE from_currency = $1 AND to_currency = $2 AND rate_date <= $3
ORDER BY rate_date DESC
LIMIT 1`, from, to, on).
		Scan(&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &rate.Rate, &rate.RateDate, &rate.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExchangeRate{}, ErrRateNotFound
		}
		return ExchangeRate{}, err
	}
	return rate, nil
}

func (r *pgRepository) StalePairs(ctx context.Context, cutoff time.Time) ([]StalePair, error) {
	rows, err := r.pool.Query(ctx, `SELECT from_currency, to_currency, MAX(rate_date)
FROM exchange_rates
GROUP BY from_currency, to_currency
HAVING MAX(rate_date) < $1
ORDER BY from_currency, to_currency`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []StalePair
	for rows.Next() {
		var pair StalePair
		if err := rows.Scan(&pair.FromCurrency, &pair.ToCurrency, &pair.LatestDate); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
