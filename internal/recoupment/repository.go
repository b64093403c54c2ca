package recoupment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundledger/soundledger/internal/platform/db"
)

// Repository defines recoupment data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	ListActiveAccounts(ctx context.Context, userID int64) ([]Account, error)
}

// TxRepository defines operations within a waterfall transaction. The pass
// is all-or-nothing: every balance update in one pass commits together or
// not at all.
type TxRepository interface {
	// LockActiveAccounts loads the user's active accounts ordered by
	// ascending priority, row-locked for the life of the transaction.
	LockActiveAccounts(ctx context.Context, userID int64) ([]Account, error)
	// ApplyRecoupment persists one account's movement. When fullyRecouped is
	// true the account is deactivated and stamped.
	ApplyRecoupment(ctx context.Context, accountID int64, applied, newBalance float64, fullyRecouped bool, at time.Time) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Postgres-backed recoupment repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const accountColumns = `id, user_id, kind, original_amount, remaining_balance, recouped_amount, recoupment_rate, priority, is_active, fully_recouped_at, created_at, updated_at`

func scanAccounts(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &a.OriginalAmount, &a.RemainingBalance, &a.RecoupedAmount, &a.RecoupmentRate, &a.Priority, &a.IsActive, &a.FullyRecoupedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *pgRepository) ListActiveAccounts(ctx context.Context, userID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+`
FROM recoupment_accounts
WHERE user_id = $1 AND is_active
ORDER BY priority, id`, userID)
	if err != nil {
		return nil, err
	}
	return scanAccounts(rows)
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) LockActiveAccounts(ctx context.Context, userID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+`
FROM recoupment_accounts
WHERE user_id = $1 AND is_active
ORDER BY priority, id
FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	return scanAccounts(rows)
}

func (r *pgTxRepository) ApplyRecoupment(ctx context.Context, accountID int64, applied, newBalance float64, fullyRecouped bool, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE recoupment_accounts
SET remaining_balance = $2,
    recouped_amount = recouped_amount + $3,
    is_active = NOT $4,
    fully_recouped_at = CASE WHEN $4 THEN $5 ELSE fully_recouped_at END,
    updated_at = $5
WHERE id = $1`, accountID, newBalance, applied, fullyRecouped, at)
	return err
}
