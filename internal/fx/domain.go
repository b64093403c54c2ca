package fx

import "time"

// ReferenceCurrency is the currency all statement amounts are normalized to
// before aggregation.
const ReferenceCurrency = "USD"

// ExchangeRate is a daily quote owned by an external ingestion process.
type ExchangeRate struct {
	ID           int64
	FromCurrency string
	ToCurrency   string
	Rate         float64
	RateDate     time.Time
	CreatedAt    time.Time
}

// StalePair describes a currency pair whose newest quote is older than the
// monitoring threshold. Conversions for these pairs are at risk of hitting
// the 1.0 fallback.
type StalePair struct {
	FromCurrency string
	ToCurrency   string
	LatestDate   time.Time
}
