package splits

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoActiveContract indicates the release has no contract in ACTIVE state.
var ErrNoActiveContract = errors.New("splits: no active contract")

// Repository reads split definitions. Contracts and project split rows are
// owned by the contract-management process; read-only here.
type Repository interface {
	FindActiveContract(ctx context.Context, releaseID int64) (SplitContract, error)
	ListProjectSplits(ctx context.Context, releaseID int64) ([]ProjectRoyaltySplit, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Postgres-backed split repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) FindActiveContract(ctx context.Context, releaseID int64) (SplitContract, error) {
	var contract SplitContract
	err := r.pool.QueryRow(ctx, `SELECT id, release_id, status, created_at
FROM split_contracts
WHERE release_id = $1 AND status = $2
ORDER BY created_at DESC
LIMIT 1`, releaseID, ContractActive).
		Scan(&contract.ID, &contract.ReleaseID, &contract.Status, &contract.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SplitContract{}, ErrNoActiveContract
		}
		return SplitContract{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id, role, percentage
FROM split_contract_participants
WHERE contract_id = $1
ORDER BY user_id`, contract.ID)
	if err != nil {
		return SplitContract{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.Percentage); err != nil {
			return SplitContract{}, err
		}
		contract.Participants = append(contract.Participants, p)
	}
	return contract, rows.Err()
}

func (r *pgRepository) ListProjectSplits(ctx context.Context, releaseID int64) ([]ProjectRoyaltySplit, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, release_id, user_id, role, percentage
FROM project_royalty_splits
WHERE release_id = $1
ORDER BY user_id`, releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []ProjectRoyaltySplit
	for rows.Next() {
		var s ProjectRoyaltySplit
		if err := rows.Scan(&s.ID, &s.ReleaseID, &s.UserID, &s.Role, &s.Percentage); err != nil {
			return nil, err
		}
		splits = append(splits, s)
	}
	return splits, rows.Err()
}
