package statements

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/soundledger/soundledger/internal/fees"
	"github.com/soundledger/soundledger/internal/fx"
	"github.com/soundledger/soundledger/internal/rates"
	"github.com/soundledger/soundledger/internal/recoupment"
)

type memoryEventStore struct {
	events []RevenueEvent
}

func (s *memoryEventStore) ListEvents(ctx context.Context, userID int64, start, end time.Time, releaseID *int64, limit int) ([]RevenueEvent, error) {
	var out []RevenueEvent
	for _, e := range s.events {
		// Half-open window [start, end).
		if e.UserID != userID || e.OccurredAt.Before(start) || !e.OccurredAt.Before(end) {
			continue
		}
		if releaseID != nil && e.ProjectID != *releaseID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryTierSource struct {
	tiers map[int64]fees.Tier
}

func (s *memoryTierSource) TierFor(ctx context.Context, userID int64) (fees.Tier, error) {
	if tier, ok := s.tiers[userID]; ok {
		return tier, nil
	}
	return fees.TierFree, nil
}

type periodKey struct {
	userID     int64
	start, end time.Time
	release    int64
}

type memoryStatementRepo struct {
	statements map[uuid.UUID]Statement
	periods    map[periodKey]bool
}

func newMemoryStatementRepo() *memoryStatementRepo {
	return &memoryStatementRepo{
		statements: make(map[uuid.UUID]Statement),
		periods:    make(map[periodKey]bool),
	}
}

func (r *memoryStatementRepo) key(st Statement) periodKey {
	key := periodKey{userID: st.UserID, start: st.PeriodStart, end: st.PeriodEnd}
	if st.ReleaseID != nil {
		key.release = *st.ReleaseID
	}
	return key
}

func (r *memoryStatementRepo) SaveStatement(ctx context.Context, st Statement) error {
	if r.periods[r.key(st)] {
		return ErrDuplicateStatement
	}
	r.periods[r.key(st)] = true
	r.statements[st.ID] = st
	return nil
}

func (r *memoryStatementRepo) HasStatementForPeriod(ctx context.Context, userID int64, start, end time.Time, releaseID *int64) (bool, error) {
	key := periodKey{userID: userID, start: start, end: end}
	if releaseID != nil {
		key.release = *releaseID
	}
	return r.periods[key], nil
}

func (r *memoryStatementRepo) GetStatement(ctx context.Context, id uuid.UUID) (Statement, error) {
	st, ok := r.statements[id]
	if !ok {
		return Statement{}, ErrStatementNotFound
	}
	return st, nil
}

func (r *memoryStatementRepo) ListUserStatements(ctx context.Context, req ListStatementsRequest) ([]Statement, int, error) {
	var out []Statement
	for _, st := range r.statements {
		if st.UserID != req.UserID {
			continue
		}
		if req.Status != "" && st.Status != req.Status {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out, len(out), nil
}

func (r *memoryStatementRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, at time.Time) error {
	st, ok := r.statements[id]
	if !ok {
		return ErrInvalidTransition
	}
	allowed := false
	for _, s := range from {
		if st.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	st.Status = to
	switch to {
	case StatusFinalized:
		st.FinalizedAt = &at
	case StatusPaid:
		st.PaidAt = &at
	case StatusDisputed:
		st.DisputedAt = &at
	}
	st.UpdatedAt = at
	r.statements[id] = st
	return nil
}

func (r *memoryStatementRepo) ListUsersWithRevenue(ctx context.Context, start, end time.Time) ([]int64, error) {
	return nil, nil
}

type memoryFxRepo struct {
	rates []fx.ExchangeRate
}

func (r *memoryFxRepo) LatestRate(ctx context.Context, from, to string, on time.Time) (fx.ExchangeRate, error) {
	var best *fx.ExchangeRate
	for i := range r.rates {
		rate := r.rates[i]
		if rate.FromCurrency != from || rate.ToCurrency != to || rate.RateDate.After(on) {
			continue
		}
		if best == nil || rate.RateDate.After(best.RateDate) {
			best = &r.rates[i]
		}
	}
	if best == nil {
		return fx.ExchangeRate{}, fx.ErrRateNotFound
	}
	return *best, nil
}

func (r *memoryFxRepo) StalePairs(ctx context.Context, cutoff time.Time) ([]fx.StalePair, error) {
	return nil, nil
}

type stubWaterfall struct {
	deduction float64
	calls     []float64
}

func (w *stubWaterfall) Apply(ctx context.Context, userID int64, available float64) ([]recoupment.Result, error) {
	w.calls = append(w.calls, available)
	if w.deduction <= 0 {
		return nil, nil
	}
	return []recoupment.Result{{AccountID: 1, AmountApplied: w.deduction}}, nil
}

func newTestService(t *testing.T, p Params) *Service {
	t.Helper()
	if p.Resolver == nil {
		p.Resolver = rates.NewResolver(rates.DefaultRateTable(), nil, nil)
	}
	if p.Normalizer == nil {
		p.Normalizer = fx.NewNormalizer(&memoryFxRepo{}, nil, nil)
	}
	p.Schedule = fees.DefaultSchedule()
	return NewService(p)
}

func TestCalculateStreamStandardTier(t *testing.T) {
	svc := newTestService(t, Params{})

	calc := svc.CalculateStream(context.Background(), RevenueEvent{
		Source:     "Spotify",
		SourceType: "US",
		Streams:    1000,
		OccurredAt: time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, fees.TierStandard)

	require.Equal(t, "spotify", calc.Dsp)
	require.InDelta(t, 0.003, calc.EffectiveRate, 1e-9)
	require.InDelta(t, 3.00, calc.GrossRevenue, 1e-9)
	require.InDelta(t, 0.45, calc.PlatformFee, 1e-9)
	require.InDelta(t, 0.27, calc.DistributionFee, 1e-9)
	require.InDelta(t, 2.28, calc.NetRevenue, 1e-9)
}

func TestCalculateStreamReportedAmountUsesFx(t *testing.T) {
	svc := newTestService(t, Params{
		Normalizer: fx.NewNormalizer(&memoryFxRepo{rates: []fx.ExchangeRate{
			{FromCurrency: "EUR", ToCurrency: "USD", Rate: 1.10, RateDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		}}, nil, nil),
	})

	calc := svc.CalculateStream(context.Background(), RevenueEvent{
		Source:     "Deezer",
		SourceType: "FR",
		Streams:    500,
		Amount:     10,
		Currency:   "EUR",
		OccurredAt: time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, fees.TierFree)

	// Reported revenue wins over the stream-count valuation.
	require.InDelta(t, 11.0, calc.GrossRevenue, 1e-9)
}

func periodEvents() []RevenueEvent {
	march := func(day int) time.Time { return time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC) }
	return []RevenueEvent{
		{ID: 1, UserID: 7, Source: "Spotify", SourceType: "US", ProjectID: 1, Streams: 1000, OccurredAt: march(2)},
		{ID: 2, UserID: 7, Source: "Spotify", SourceType: "GB", ProjectID: 1, Streams: 2000, OccurredAt: march(5)},
		{ID: 3, UserID: 7, Source: "Tidal", SourceType: "US", ProjectID: 2, Streams: 100, UserCentric: true, OccurredAt: march(9)},
		{ID: 4, UserID: 8, Source: "Spotify", SourceType: "US", ProjectID: 1, Streams: 9999, OccurredAt: march(9)},
		{ID: 5, UserID: 7, Source: "Spotify", SourceType: "US", ProjectID: 1, Streams: 500, OccurredAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestCalculatePeriodBreakdowns(t *testing.T) {
	waterfall := &stubWaterfall{deduction: 1.0}
	svc := newTestService(t, Params{
		Events:    &memoryEventStore{events: periodEvents()},
		Tiers:     &memoryTierSource{tiers: map[int64]fees.Tier{7: fees.TierPro}},
		Waterfall: waterfall,
	})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	st, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.NoError(t, err)

	// Other users and out-of-window events are excluded.
	require.Equal(t, 3, st.EventCount)
	require.Len(t, st.LineItems, 3)
	require.Equal(t, fees.TierPro, st.Tier)

	// spotify US: 1000*0.003=3.00, spotify GB: 2000*0.003*0.95=5.70,
	// tidal US user-centric: 100*0.0125*1.15=1.4375.
	require.InDelta(t, 10.1375, st.GrossRevenueUSD, 1e-9)
	require.InDelta(t, st.GrossRevenueUSD*0.10, st.PlatformFees, 1e-9)
	require.InDelta(t, st.GrossRevenueUSD*0.07, st.DistributionFees, 1e-9)
	require.InDelta(t, st.GrossRevenueUSD*0.83, st.NetRevenue, 1e-9)

	var lineTotal float64
	for _, item := range st.LineItems {
		lineTotal += item.GrossUSD
	}
	require.InDelta(t, st.GrossRevenueUSD, lineTotal, 1e-9)

	// Territories come out sorted with percentages summing to 100.
	require.Len(t, st.ByTerritory, 2)
	require.Equal(t, "GB", st.ByTerritory[0].Territory)
	require.Equal(t, "US", st.ByTerritory[1].Territory)
	var pctTotal, terrTotal float64
	for _, b := range st.ByTerritory {
		pctTotal += b.Percent
		terrTotal += b.Revenue
	}
	require.InDelta(t, 100.0, pctTotal, 1e-9)
	require.InDelta(t, st.GrossRevenueUSD, terrTotal, 1e-9)

	require.Len(t, st.ByDsp, 2)
	require.Equal(t, "spotify", st.ByDsp[0].Dsp)
	require.InDelta(t, (0.003+0.003*0.95)/2, st.ByDsp[0].AverageRate, 1e-9)
	require.Equal(t, "tidal", st.ByDsp[1].Dsp)

	// Recoupment ran once against net and reduced the payable amount.
	require.Len(t, waterfall.calls, 1)
	require.InDelta(t, st.NetRevenue, waterfall.calls[0], 1e-9)
	require.InDelta(t, 1.0, st.RecoupmentDeductions, 1e-9)
	require.InDelta(t, st.NetRevenue-1.0, st.PayableAmount, 1e-9)
}

func TestCalculatePeriodIncludesIntradayLastDayEvent(t *testing.T) {
	svc := newTestService(t, Params{
		Events: &memoryEventStore{events: []RevenueEvent{
			{ID: 1, UserID: 7, Source: "Spotify", SourceType: "US", Streams: 1000,
				OccurredAt: time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)},
			{ID: 2, UserID: 7, Source: "Spotify", SourceType: "US", Streams: 500,
				OccurredAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		}},
		Tiers: &memoryTierSource{},
	})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	march, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.NoError(t, err)

	// The noon event on the period's last day belongs to March, and the
	// midnight event on April 1 belongs to April. No revenue falls between
	// adjacent monthly windows.
	require.Equal(t, 1, march.EventCount)
	require.Equal(t, int64(1000), march.LineItems[0].Streams)

	april, err := svc.CalculatePeriod(context.Background(), 7,
		time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	require.Equal(t, 1, april.EventCount)
	require.Equal(t, int64(500), april.LineItems[0].Streams)
}

func TestCalculatePeriodDeterminism(t *testing.T) {
	svc := newTestService(t, Params{
		Events: &memoryEventStore{events: periodEvents()},
		Tiers:  &memoryTierSource{},
	})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	first, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.NoError(t, err)
	second, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCalculatePeriodReleaseFilter(t *testing.T) {
	svc := newTestService(t, Params{
		Events: &memoryEventStore{events: periodEvents()},
		Tiers:  &memoryTierSource{},
	})

	release := int64(2)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	st, err := svc.CalculatePeriod(context.Background(), 7, start, end, &release)
	require.NoError(t, err)
	require.Equal(t, 1, st.EventCount)
	require.Equal(t, "tidal", st.LineItems[0].Dsp)
}

func TestCalculatePeriodScanLimit(t *testing.T) {
	svc := newTestService(t, Params{
		Events:       &memoryEventStore{events: periodEvents()},
		Tiers:        &memoryTierSource{},
		MaxEventRows: 2,
	})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	_, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.ErrorIs(t, err, ErrEventScanLimit)
}

func TestCalculatePeriodEndBeforeStart(t *testing.T) {
	svc := newTestService(t, Params{Events: &memoryEventStore{}, Tiers: &memoryTierSource{}})

	start := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.Error(t, err)
}

func TestCalculatePeriodEmpty(t *testing.T) {
	waterfall := &stubWaterfall{deduction: 5}
	svc := newTestService(t, Params{
		Events:    &memoryEventStore{},
		Tiers:     &memoryTierSource{},
		Waterfall: waterfall,
	})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	st, err := svc.CalculatePeriod(context.Background(), 7, start, end, nil)
	require.NoError(t, err)
	require.Zero(t, st.GrossRevenueUSD)
	require.Zero(t, st.PayableAmount)
	// No earnings means the waterfall never runs.
	require.Empty(t, waterfall.calls)
}

func TestSaveStatementDuplicate(t *testing.T) {
	repo := newMemoryStatementRepo()
	svc := newTestService(t, Params{Repo: repo})

	ps := PeriodStatement{
		UserID:      7,
		PeriodStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		Tier:        fees.TierStandard,
	}
	exists, err := svc.HasStatementForPeriod(context.Background(), ps.UserID, ps.PeriodStart, ps.PeriodEnd, nil)
	require.NoError(t, err)
	require.False(t, exists)

	saved, err := svc.SaveStatement(context.Background(), ps)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, saved.ID)
	require.Equal(t, StatusDraft, saved.Status)

	_, err = svc.SaveStatement(context.Background(), ps)
	require.ErrorIs(t, err, ErrDuplicateStatement)

	exists, err = svc.HasStatementForPeriod(context.Background(), ps.UserID, ps.PeriodStart, ps.PeriodEnd, nil)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStatementLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryStatementRepo()
	svc := newTestService(t, Params{Repo: repo})

	saved, err := svc.SaveStatement(ctx, PeriodStatement{
		UserID:      7,
		PeriodStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// Paying a draft is refused.
	require.ErrorIs(t, svc.MarkStatementPaid(ctx, saved.ID), ErrInvalidTransition)

	require.NoError(t, svc.FinalizeStatement(ctx, saved.ID))
	st, err := svc.GetStatement(ctx, saved.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, st.Status)
	require.NotNil(t, st.FinalizedAt)

	// A finalized statement may be disputed and later re-finalized.
	require.NoError(t, svc.DisputeStatement(ctx, saved.ID))
	require.ErrorIs(t, svc.MarkStatementPaid(ctx, saved.ID), ErrInvalidTransition)
	require.NoError(t, svc.FinalizeStatement(ctx, saved.ID))

	require.NoError(t, svc.MarkStatementPaid(ctx, saved.ID))
	st, err = svc.GetStatement(ctx, saved.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, st.Status)
	require.NotNil(t, st.PaidAt)

	// Paid statements are immutable.
	require.ErrorIs(t, svc.DisputeStatement(ctx, saved.ID), ErrInvalidTransition)
	require.ErrorIs(t, svc.FinalizeStatement(ctx, saved.ID), ErrInvalidTransition)

	require.ErrorIs(t, svc.FinalizeStatement(ctx, uuid.New()), ErrStatementNotFound)
}

func TestGetUserStatementsStatusFilter(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryStatementRepo()
	svc := newTestService(t, Params{Repo: repo})

	first, err := svc.SaveStatement(ctx, PeriodStatement{
		UserID:      7,
		PeriodStart: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = svc.SaveStatement(ctx, PeriodStatement{
		UserID:      7,
		PeriodStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, svc.FinalizeStatement(ctx, first.ID))

	finalized, total, err := svc.GetUserStatements(ctx, ListStatementsRequest{UserID: 7, Status: StatusFinalized})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, finalized, 1)
	require.Equal(t, first.ID, finalized[0].ID)

	all, total, err := svc.GetUserStatements(ctx, ListStatementsRequest{UserID: 7})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 2)
}
