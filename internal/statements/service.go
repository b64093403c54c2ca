package statements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soundledger/soundledger/internal/fees"
	"github.com/soundledger/soundledger/internal/fx"
	"github.com/soundledger/soundledger/internal/observability"
	"github.com/soundledger/soundledger/internal/rates"
	"github.com/soundledger/soundledger/internal/recoupment"
	"github.com/soundledger/soundledger/internal/shared"
)

// ErrEventScanLimit indicates the period covers more revenue events than
// one statement computation is allowed to scan.
var ErrEventScanLimit = errors.New("statements: revenue event scan limit exceeded")

// defaultMaxEventRows bounds the revenue-event scan so pathological date
// ranges cannot stall statement generation.
const defaultMaxEventRows = 250_000

// Waterfall deducts recoupment from a user's available earnings.
// Satisfied by *recoupment.Service.
type Waterfall interface {
	Apply(ctx context.Context, userID int64, availableAmount float64) ([]recoupment.Result, error)
}

// Service computes period statements and drives their lifecycle.
type Service struct {
	events     EventStore
	repo       Repository
	tiers      TierSource
	resolver   *rates.Resolver
	normalizer *fx.Normalizer
	schedule   fees.Schedule
	waterfall  Waterfall
	logger     *slog.Logger
	metrics    *observability.Metrics

	maxEventRows int
	now          func() time.Time
}

// Params groups the service dependencies.
type Params struct {
	Events     EventStore
	Repo       Repository
	Tiers      TierSource
	Resolver   *rates.Resolver
	Normalizer *fx.Normalizer
	Schedule   fees.Schedule
	Waterfall  Waterfall
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	// MaxEventRows overrides the scan bound when positive.
	MaxEventRows int
}

// NewService constructs the statement engine.
func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRows := p.MaxEventRows
	if maxRows <= 0 {
		maxRows = defaultMaxEventRows
	}
	return &Service{
		events:       p.Events,
		repo:         p.Repo,
		tiers:        p.Tiers,
		resolver:     p.Resolver,
		normalizer:   p.Normalizer,
		schedule:     p.Schedule,
		waterfall:    p.Waterfall,
		logger:       logger,
		metrics:      p.Metrics,
		maxEventRows: maxRows,
		now:          time.Now,
	}
}

// CalculateStream values a single revenue event against the tier schedule.
func (s *Service) CalculateStream(ctx context.Context, event RevenueEvent, tier fees.Tier) RoyaltyCalculation {
	rate := s.resolver.Resolve(ctx, event.Source, event.SourceType, event.OccurredAt, event.UserCentric)
	gross := s.eventGross(ctx, event, rate)
	breakdown := s.schedule.Apply(gross, tier)
	return RoyaltyCalculation{
		Dsp:             rates.Slug(event.Source),
		Territory:       event.SourceType,
		Streams:         event.Streams,
		EffectiveRate:   rate,
		GrossRevenue:    breakdown.GrossRevenue,
		PlatformFee:     breakdown.PlatformFee,
		DistributionFee: breakdown.DistributionFee,
		NetRevenue:      breakdown.NetRevenue,
		Tier:            tier,
	}
}

// eventGross values one event in the reference currency: reported revenue
// is normalized, stream-count-only reports are valued at the resolved rate.
func (s *Service) eventGross(ctx context.Context, event RevenueEvent, rate float64) float64 {
	if event.Amount != 0 {
		return s.normalizer.ToReference(ctx, event.Amount, event.Currency, event.OccurredAt)
	}
	return float64(event.Streams) * rate
}

// CalculatePeriod walks the user's revenue events from start through the
// whole of the end calendar day, values each one, and produces a draft
// PeriodStatement with per-territory and per-DSP breakdowns, recoupment
// already deducted. Recomputing over an unchanged event and rate snapshot
// yields identical totals.
func (s *Service) CalculatePeriod(ctx context.Context, userID int64, start, end time.Time, releaseID *int64) (PeriodStatement, error) {
	if end.Before(start) {
		return PeriodStatement{}, fmt.Errorf("%w: end %s before start %s", shared.ErrInvalidPeriod, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	tier := fees.TierFree
	if s.tiers != nil {
		resolved, err := s.tiers.TierFor(ctx, userID)
		if err != nil {
			return PeriodStatement{}, fmt.Errorf("statements: resolve tier: %w", err)
		}
		tier = resolved
	}

	// end is an inclusive calendar date; the scan bound is exclusive so
	// intraday events on the last day still land in this period.
	events, err := s.events.ListEvents(ctx, userID, start, end.AddDate(0, 0, 1), releaseID, s.maxEventRows+1)
	if err != nil {
		return PeriodStatement{}, fmt.Errorf("statements: list events: %w", err)
	}
	if len(events) > s.maxEventRows {
		return PeriodStatement{}, fmt.Errorf("%w: more than %d events in period", ErrEventScanLimit, s.maxEventRows)
	}

	statement := PeriodStatement{
		UserID:      userID,
		ReleaseID:   releaseID,
		PeriodStart: start,
		PeriodEnd:   end,
		Tier:        tier,
		Status:      StatusDraft,
	}

	type territoryAcc struct {
		revenue float64
		streams int64
	}
	type dspAcc struct {
		revenue float64
		streams int64
		rateSum float64
		events  int
	}
	byTerritory := make(map[string]*territoryAcc)
	byDsp := make(map[string]*dspAcc)

	for _, event := range events {
		rate := s.resolver.Resolve(ctx, event.Source, event.SourceType, event.OccurredAt, event.UserCentric)
		gross := s.eventGross(ctx, event, rate)

		statement.GrossRevenueUSD += gross
		statement.LineItems = append(statement.LineItems, LineItem{
			EventID:        event.ID,
			Dsp:            rates.Slug(event.Source),
			Territory:      event.SourceType,
			Streams:        event.Streams,
			EffectiveRate:  rate,
			SourceAmount:   event.Amount,
			SourceCurrency: event.Currency,
			GrossUSD:       gross,
			OccurredAt:     event.OccurredAt,
		})

		terr := byTerritory[event.SourceType]
		if terr == nil {
			terr = &territoryAcc{}
			byTerritory[event.SourceType] = terr
		}
		terr.revenue += gross
		terr.streams += event.Streams

		slug := rates.Slug(event.Source)
		dsp := byDsp[slug]
		if dsp == nil {
			dsp = &dspAcc{}
			byDsp[slug] = dsp
		}
		dsp.revenue += gross
		dsp.streams += event.Streams
		dsp.rateSum += rate
		dsp.events++
	}

	feeBreakdown := s.schedule.Apply(statement.GrossRevenueUSD, tier)
	statement.PlatformFees = feeBreakdown.PlatformFee
	statement.DistributionFees = feeBreakdown.DistributionFee
	statement.NetRevenue = feeBreakdown.NetRevenue
	statement.EventCount = len(events)

	// Sorted output keeps recomputation byte-identical.
	for _, territory := range sortedKeys(byTerritory) {
		acc := byTerritory[territory]
		pct := 0.0
		if statement.GrossRevenueUSD > 0 {
			pct = acc.revenue / statement.GrossRevenueUSD * 100
		}
		statement.ByTerritory = append(statement.ByTerritory, TerritoryBreakdown{
			Territory: territory,
			Revenue:   acc.revenue,
			Streams:   acc.streams,
			Percent:   pct,
		})
	}
	for _, slug := range sortedKeys(byDsp) {
		acc := byDsp[slug]
		statement.ByDsp = append(statement.ByDsp, DspBreakdown{
			Dsp:         slug,
			Revenue:     acc.revenue,
			Streams:     acc.streams,
			AverageRate: acc.rateSum / float64(acc.events),
		})
	}

	if s.waterfall != nil && statement.NetRevenue > 0 {
		results, err := s.waterfall.Apply(ctx, userID, statement.NetRevenue)
		if err != nil {
			return PeriodStatement{}, fmt.Errorf("statements: recoupment: %w", err)
		}
		statement.Recoupments = results
		statement.RecoupmentDeductions = recoupment.TotalDeduction(results)
	}
	statement.PayableAmount = statement.NetRevenue - statement.RecoupmentDeductions

	s.metrics.ObserveStatement(len(events))
	s.logger.Info("period statement computed",
		slog.Int64("user_id", userID),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("events", len(events)),
		slog.Float64("gross_usd", statement.GrossRevenueUSD),
		slog.Float64("payable_usd", statement.PayableAmount))
	return statement, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SaveStatement persists a computed PeriodStatement as the permanent
// record. One statement per (user, period, release); duplicates surface
// ErrDuplicateStatement.
func (s *Service) SaveStatement(ctx context.Context, ps PeriodStatement) (Statement, error) {
	now := s.now().UTC()
	st := Statement{
		ID:                   uuid.New(),
		UserID:               ps.UserID,
		ReleaseID:            ps.ReleaseID,
		PeriodStart:          ps.PeriodStart,
		PeriodEnd:            ps.PeriodEnd,
		Tier:                 ps.Tier,
		GrossRevenueUSD:      ps.GrossRevenueUSD,
		PlatformFees:         ps.PlatformFees,
		DistributionFees:     ps.DistributionFees,
		NetRevenue:           ps.NetRevenue,
		RecoupmentDeductions: ps.RecoupmentDeductions,
		PayableAmount:        ps.PayableAmount,
		EventCount:           ps.EventCount,
		LineItems:            ps.LineItems,
		ByTerritory:          ps.ByTerritory,
		ByDsp:                ps.ByDsp,
		Status:               StatusDraft,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.SaveStatement(ctx, st); err != nil {
		return Statement{}, err
	}
	return st, nil
}

// HasStatementForPeriod reports whether a statement already exists for the
// user and period. Callers check this before a compute-and-save so the
// recoupment waterfall is never re-applied for a period that already has
// its permanent record.
func (s *Service) HasStatementForPeriod(ctx context.Context, userID int64, start, end time.Time, releaseID *int64) (bool, error) {
	return s.repo.HasStatementForPeriod(ctx, userID, start, end, releaseID)
}

// GetStatement fetches a statement by id.
func (s *Service) GetStatement(ctx context.Context, id uuid.UUID) (Statement, error) {
	return s.repo.GetStatement(ctx, id)
}

// GetUserStatements lists a user's statements, optionally filtered by
// status, newest period first.
func (s *Service) GetUserStatements(ctx context.Context, req ListStatementsRequest) ([]Statement, int, error) {
	return s.repo.ListUserStatements(ctx, req)
}

// FinalizeStatement moves draft → finalized and stamps FinalizedAt. A
// disputed statement may be re-finalized after resolution.
func (s *Service) FinalizeStatement(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, []Status{StatusDraft, StatusDisputed}, StatusFinalized)
}

// MarkStatementPaid moves finalized → paid and stamps PaidAt.
func (s *Service) MarkStatementPaid(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, []Status{StatusFinalized}, StatusPaid)
}

// DisputeStatement flags a non-paid statement as disputed.
func (s *Service) DisputeStatement(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, []Status{StatusDraft, StatusFinalized}, StatusDisputed)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, from []Status, to Status) error {
	if _, err := s.repo.GetStatement(ctx, id); err != nil {
		return err
	}
	return s.repo.TransitionStatus(ctx, id, from, to, s.now().UTC())
}
