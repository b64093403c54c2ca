package statements

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundledger/soundledger/internal/fees"
	"github.com/soundledger/soundledger/internal/recoupment"
)

// Status enumerates statement lifecycle states. Transitions are one-way:
// draft → finalized → paid, with disputed reachable from any non-paid state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
	StatusPaid      Status = "paid"
	StatusDisputed  Status = "disputed"
)

// RevenueEvent is an immutable fact produced by the ingestion pipeline.
// Consumed read-only here; never mutated.
type RevenueEvent struct {
	ID int64
	// UserID is the earning account the event belongs to.
	UserID int64
	// Source is the DSP display name as reported ("Apple Music").
	Source string
	// SourceType is the reporting territory ("US", "GLOBAL").
	SourceType string
	// ProjectID is the release the revenue belongs to.
	ProjectID int64
	Streams   int64
	// Amount is reported revenue in the source currency. Zero for
	// stream-count-only reports, which are valued at the resolved rate.
	Amount   float64
	Currency string
	// UserCentric marks events reported under user-centric accounting
	// rather than pro-rata pooling.
	UserCentric bool
	OccurredAt  time.Time
}

// RoyaltyCalculation is the valuation of a single revenue event.
type RoyaltyCalculation struct {
	Dsp             string
	Territory       string
	Streams         int64
	EffectiveRate   float64
	GrossRevenue    float64
	PlatformFee     float64
	DistributionFee float64
	NetRevenue      float64
	Tier            fees.Tier
}

// LineItem is one event's contribution to a period statement.
type LineItem struct {
	EventID       int64
	Dsp           string
	Territory     string
	Streams       int64
	EffectiveRate float64
	// SourceAmount/SourceCurrency echo the reported figures for audit.
	SourceAmount   float64
	SourceCurrency string
	GrossUSD       float64
	OccurredAt     time.Time
}

// TerritoryBreakdown aggregates revenue by reporting territory.
type TerritoryBreakdown struct {
	Territory string
	Revenue   float64
	Streams   int64
	Percent   float64
}

// DspBreakdown aggregates revenue by DSP. AverageRate is the arithmetic
// mean of event-level effective rates, not revenue-weighted.
type DspBreakdown struct {
	Dsp         string
	Revenue     float64
	Streams     int64
	AverageRate float64
}

// PeriodStatement is the in-memory, computed-but-not-yet-saved form of a
// royalty statement. It becomes a Statement via SaveStatement.
type PeriodStatement struct {
	UserID      int64
	ReleaseID   *int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Tier        fees.Tier

	GrossRevenueUSD      float64
	PlatformFees         float64
	DistributionFees     float64
	NetRevenue           float64
	RecoupmentDeductions float64
	PayableAmount        float64

	EventCount  int
	LineItems   []LineItem
	ByTerritory []TerritoryBreakdown
	ByDsp       []DspBreakdown
	Recoupments []recoupment.Result

	Status Status
}

// Statement is the durable record. Immutable after finalization except for
// the paid transition; the snapshot never gets recomputed even if rate or
// exchange tables change later.
type Statement struct {
	ID          uuid.UUID
	UserID      int64
	ReleaseID   *int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Tier        fees.Tier

	GrossRevenueUSD      float64
	PlatformFees         float64
	DistributionFees     float64
	NetRevenue           float64
	RecoupmentDeductions float64
	PayableAmount        float64

	EventCount  int
	LineItems   []LineItem
	ByTerritory []TerritoryBreakdown
	ByDsp       []DspBreakdown

	Status      Status
	FinalizedAt *time.Time
	PaidAt      *time.Time
	DisputedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListStatementsRequest filters a user's statement listing.
type ListStatementsRequest struct {
	UserID  int64
	Status  Status
	Page    int
	PerPage int
}
