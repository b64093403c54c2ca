package splits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soundledger/soundledger/internal/recoupment"
)

type memorySplitRepo struct {
	contracts map[int64]SplitContract
	splits    map[int64][]ProjectRoyaltySplit
}

func newMemorySplitRepo() *memorySplitRepo {
	return &memorySplitRepo{
		contracts: make(map[int64]SplitContract),
		splits:    make(map[int64][]ProjectRoyaltySplit),
	}
}

func (r *memorySplitRepo) FindActiveContract(ctx context.Context, releaseID int64) (SplitContract, error) {
	contract, ok := r.contracts[releaseID]
	if !ok || contract.Status != ContractActive {
		return SplitContract{}, ErrNoActiveContract
	}
	return contract, nil
}

func (r *memorySplitRepo) ListProjectSplits(ctx context.Context, releaseID int64) ([]ProjectRoyaltySplit, error) {
	return r.splits[releaseID], nil
}

type stubWaterfall struct {
	deductions map[int64]float64
	calls      map[int64]float64
}

func (w *stubWaterfall) Apply(ctx context.Context, userID int64, available float64) ([]recoupment.Result, error) {
	if w.calls == nil {
		w.calls = make(map[int64]float64)
	}
	w.calls[userID] = available
	d := w.deductions[userID]
	if d <= 0 {
		return nil, nil
	}
	return []recoupment.Result{{AccountID: userID * 100, AmountApplied: d}}, nil
}

func TestCalculateSplitAmountsFromContract(t *testing.T) {
	ctx := context.Background()
	repo := newMemorySplitRepo()
	repo.contracts[1] = SplitContract{
		ID: 10, ReleaseID: 1, Status: ContractActive,
		Participants: []Participant{
			{UserID: 1, Role: "artist", Percentage: 60},
			{UserID: 2, Role: "producer", Percentage: 40},
		},
	}
	waterfall := &stubWaterfall{deductions: map[int64]float64{2: 10}}
	svc := NewService(repo, waterfall, nil)

	breakdowns, err := svc.CalculateSplitAmounts(ctx, 1, 1000, 800)
	require.NoError(t, err)
	require.Len(t, breakdowns, 2)

	require.Equal(t, SourceContract, breakdowns[0].Source)
	require.InDelta(t, 600.0, breakdowns[0].GrossAmount, 1e-9)
	require.InDelta(t, 480.0, breakdowns[0].NetAmount, 1e-9)
	require.InDelta(t, 0.0, breakdowns[0].RecoupmentDeduction, 1e-9)
	require.InDelta(t, 480.0, breakdowns[0].PayableAmount, 1e-9)

	// Each participant's waterfall runs against their own net share.
	require.InDelta(t, 320.0, waterfall.calls[2], 1e-9)
	require.InDelta(t, 10.0, breakdowns[1].RecoupmentDeduction, 1e-9)
	require.InDelta(t, 310.0, breakdowns[1].PayableAmount, 1e-9)
}

func TestCalculateSplitAmountsFallbackToProjectSplits(t *testing.T) {
	ctx := context.Background()
	repo := newMemorySplitRepo()
	// Contract exists but is not active: fallback applies.
	repo.contracts[1] = SplitContract{ID: 10, ReleaseID: 1, Status: ContractDraft}
	repo.splits[1] = []ProjectRoyaltySplit{
		{ReleaseID: 1, UserID: 3, Role: "artist", Percentage: 50},
		{ReleaseID: 1, UserID: 4, Role: "writer", Percentage: 25},
	}
	svc := NewService(repo, &stubWaterfall{}, nil)

	breakdowns, err := svc.CalculateSplitAmounts(ctx, 1, 400, 300)
	require.NoError(t, err)
	require.Len(t, breakdowns, 2)
	require.Equal(t, SourceProjectSplit, breakdowns[0].Source)

	// Percentages sum to 75: the remainder stays unassigned, no
	// normalization happens here.
	var grossTotal float64
	for _, b := range breakdowns {
		grossTotal += b.GrossAmount
	}
	require.InDelta(t, 300.0, grossTotal, 1e-9)
}

func TestCalculateSplitAmountsNegativePercentage(t *testing.T) {
	ctx := context.Background()
	repo := newMemorySplitRepo()
	repo.splits[1] = []ProjectRoyaltySplit{
		{ReleaseID: 1, UserID: 3, Percentage: -5},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.CalculateSplitAmounts(ctx, 1, 100, 80)
	require.ErrorIs(t, err, ErrNegativePercentage)
}

func TestCalculateSplitAmountsNoParticipants(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemorySplitRepo(), nil, nil)

	breakdowns, err := svc.CalculateSplitAmounts(ctx, 99, 100, 80)
	require.NoError(t, err)
	require.Empty(t, breakdowns)
}
