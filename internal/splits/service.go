package splits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundledger/soundledger/internal/recoupment"
)

// ErrNegativePercentage indicates a share below zero, which upstream
// validation should have rejected.
var ErrNegativePercentage = errors.New("splits: negative percentage")

// Waterfall routes a participant's net share through their own recoupment
// accounts. Satisfied by *recoupment.Service.
type Waterfall interface {
	Apply(ctx context.Context, userID int64, availableAmount float64) ([]recoupment.Result, error)
}

// Service distributes statement revenue across contract participants.
type Service struct {
	repo      Repository
	waterfall Waterfall
	logger    *slog.Logger
}

// NewService constructs the split distribution calculator.
func NewService(repo Repository, waterfall Waterfall, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, waterfall: waterfall, logger: logger}
}

// CalculateSplitAmounts distributes gross/net revenue across the release's
// participants by percentage, then runs each participant's own recoupment
// waterfall against their net share. An active contract takes precedence
// over the per-project split rows. Percentages that do not sum to 100 are
// left alone: the unassigned remainder is legal and upstream validation is
// responsible for flagging it.
func (s *Service) CalculateSplitAmounts(ctx context.Context, releaseID int64, grossRevenue, netRevenue float64) ([]Breakdown, error) {
	participants, source, err := s.resolveParticipants(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	var breakdowns []Breakdown
	for _, p := range participants {
		if p.Percentage < 0 {
			return nil, fmt.Errorf("%w: user %d has %.2f%%", ErrNegativePercentage, p.UserID, p.Percentage)
		}

		gross := grossRevenue * p.Percentage / 100
		net := netRevenue * p.Percentage / 100

		var deduction float64
		if s.waterfall != nil && net > 0 {
			results, err := s.waterfall.Apply(ctx, p.UserID, net)
			if err != nil {
				return nil, fmt.Errorf("splits: waterfall for user %d: %w", p.UserID, err)
			}
			deduction = recoupment.TotalDeduction(results)
		}

		breakdowns = append(breakdowns, Breakdown{
			UserID:              p.UserID,
			Role:                p.Role,
			Percentage:          p.Percentage,
			Source:              source,
			GrossAmount:         gross,
			NetAmount:           net,
			RecoupmentDeduction: deduction,
			PayableAmount:       net - deduction,
		})
	}
	return breakdowns, nil
}

func (s *Service) resolveParticipants(ctx context.Context, releaseID int64) ([]Participant, SplitSource, error) {
	contract, err := s.repo.FindActiveContract(ctx, releaseID)
	if err == nil {
		return contract.Participants, SourceContract, nil
	}
	if !errors.Is(err, ErrNoActiveContract) {
		return nil, "", err
	}
	s.logger.Debug("no active split contract, using project splits", slog.Int64("release_id", releaseID))

	rows, err := s.repo.ListProjectSplits(ctx, releaseID)
	if err != nil {
		return nil, "", err
	}
	participants := make([]Participant, len(rows))
	for i, row := range rows {
		participants[i] = Participant{UserID: row.UserID, Role: row.Role, Percentage: row.Percentage}
	}
	return participants, SourceProjectSplit, nil
}
