package statements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundledger/soundledger/internal/fees"
)

var (
	// ErrStatementNotFound indicates the statement id does not exist.
	ErrStatementNotFound = errors.New("statement not found")
	// ErrDuplicateStatement indicates a statement already exists for the
	// user and period.
	ErrDuplicateStatement = errors.New("statement already exists for period")
	// ErrInvalidTransition indicates the statement is not in a state the
	// requested transition allows.
	ErrInvalidTransition = errors.New("invalid statement transition")
)

// EventStore yields revenue events for a date range. Events are owned by
// the ingestion pipeline and read-only here.
type EventStore interface {
	// ListEvents returns events in the half-open window [start, end) for the
	// user, ordered by occurrence then id so repeated scans are
	// byte-identical, optionally filtered by release. At most limit rows are
	// returned.
	ListEvents(ctx context.Context, userID int64, start, end time.Time, releaseID *int64, limit int) ([]RevenueEvent, error)
}

// TierSource resolves a user's subscription tier.
type TierSource interface {
	TierFor(ctx context.Context, userID int64) (fees.Tier, error)
}

// Repository persists royalty statements.
type Repository interface {
	SaveStatement(ctx context.Context, st Statement) error
	// HasStatementForPeriod reports whether a statement already exists for
	// the user and period (and release when given). The statement run checks
	// this before computing so a re-run never re-applies recoupment.
	HasStatementForPeriod(ctx context.Context, userID int64, start, end time.Time, releaseID *int64) (bool, error)
	GetStatement(ctx context.Context, id uuid.UUID) (Statement, error)
	ListUserStatements(ctx context.Context, req ListStatementsRequest) ([]Statement, int, error)
	// TransitionStatus moves a statement between states, stamping the
	// matching timestamp column. Returns ErrInvalidTransition when no row
	// is in an allowed source state.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, at time.Time) error
	// ListUsersWithRevenue returns user ids with at least one revenue event
	// in the half-open window [start, end), for the periodic statement run.
	ListUsersWithRevenue(ctx context.Context, start, end time.Time) ([]int64, error)
}

var _ EventStore = (*pgEventStore)(nil)
var _ Repository = (*pgRepository)(nil)
var _ TierSource = (*pgTierSource)(nil)

type pgEventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs a Postgres-backed revenue event reader.
func NewEventStore(pool *pgxpool.Pool) EventStore {
	return &pgEventStore{pool: pool}
}

func (s *pgEventStore) ListEvents(ctx context.Context, userID int64, start, end time.Time, releaseID *int64, limit int) ([]RevenueEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, source, source_type, project_id, streams, amount, currency, user_centric, occurred_at
FROM revenue_events
WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3
  AND ($4::bigint IS NULL OR project_id = $4)
ORDER BY occurred_at, id
LIMIT $5`, userID, start, end, releaseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RevenueEvent
	for rows.Next() {
		var e RevenueEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Source, &e.SourceType, &e.ProjectID, &e.Streams, &e.Amount, &e.Currency, &e.UserCentric, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type pgTierSource struct {
	pool *pgxpool.Pool
}

// NewTierSource reads subscription tiers from the users table.
func NewTierSource(pool *pgxpool.Pool) TierSource {
	return &pgTierSource{pool: pool}
}

func (s *pgTierSource) TierFor(ctx context.Context, userID int64) (fees.Tier, error) {
	var tier string
	err := s.pool.QueryRow(ctx, `SELECT subscription_tier FROM users WHERE id = $1`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fees.TierFree, nil
		}
		return "", err
	}
	return fees.Tier(tier), nil
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Postgres-backed statement repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// detail is the JSONB payload carrying the non-columnar statement snapshot.
type detail struct {
	LineItems   []LineItem           `json:"line_items"`
	ByTerritory []TerritoryBreakdown `json:"by_territory"`
	ByDsp       []DspBreakdown       `json:"by_dsp"`
}

func (r *pgRepository) SaveStatement(ctx context.Context, st Statement) error {
	payload, err := json.Marshal(detail{LineItems: st.LineItems, ByTerritory: st.ByTerritory, ByDsp: st.ByDsp})
	if err != nil {
		return fmt.Errorf("statements: marshal detail: %w", err)
	}

	_, err = r.pool.Exec(ctx, `INSERT INTO royalty_statements
(id, user_id, release_id, period_start, period_end, tier,
 gross_revenue_usd, platform_fees, distribution_fees, net_revenue, recoupment_deductions, payable_amount,
 event_count, detail, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)`,
		st.ID, st.UserID, st.ReleaseID, st.PeriodStart, st.PeriodEnd, string(st.Tier),
		st.GrossRevenueUSD, st.PlatformFees, st.DistributionFees, st.NetRevenue, st.RecoupmentDeductions, st.PayableAmount,
		st.EventCount, payload, string(st.Status), st.CreatedAt)
	if err != nil {
		return mapSaveError(err)
	}
	return nil
}

// mapSaveError turns a unique-violation on the (user, period, release) key
// into ErrDuplicateStatement.
func mapSaveError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateStatement
	}
	return err
}

func (r *pgRepository) HasStatementForPeriod(ctx context.Context, userID int64, start, end time.Time, releaseID *int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM royalty_statements
WHERE user_id = $1 AND period_start = $2 AND period_end = $3
  AND (($4::bigint IS NULL AND release_id IS NULL) OR release_id = $4))`,
		userID, start, end, releaseID).Scan(&exists)
	return exists, err
}

const statementColumns = `id, user_id, release_id, period_start, period_end, tier,
gross_revenue_usd, platform_fees, distribution_fees, net_revenue, recoupment_deductions, payable_amount,
event_count, detail, status, finalized_at, paid_at, disputed_at, created_at, updated_at`

func scanStatement(row pgx.Row) (Statement, error) {
	var st Statement
	var tier, status string
	var payload []byte
	err := row.Scan(&st.ID, &st.UserID, &st.ReleaseID, &st.PeriodStart, &st.PeriodEnd, &tier,
		&st.GrossRevenueUSD, &st.PlatformFees, &st.DistributionFees, &st.NetRevenue, &st.RecoupmentDeductions, &st.PayableAmount,
		&st.EventCount, &payload, &status, &st.FinalizedAt, &st.PaidAt, &st.DisputedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return Statement{}, err
	}
	st.Tier = fees.Tier(tier)
	st.Status = Status(status)
	if len(payload) > 0 {
		var d detail
		if err := json.Unmarshal(payload, &d); err != nil {
			return Statement{}, fmt.Errorf("statements: unmarshal detail: %w", err)
		}
		st.LineItems = d.LineItems
		st.ByTerritory = d.ByTerritory
		st.ByDsp = d.ByDsp
	}
	return st, nil
}

func (r *pgRepository) GetStatement(ctx context.Context, id uuid.UUID) (Statement, error) {
	st, err := scanStatement(r.pool.QueryRow(ctx, `SELECT `+statementColumns+` FROM royalty_statements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrStatementNotFound
		}
		return Statement{}, err
	}
	return st, nil
}

func (r *pgRepository) ListUserStatements(ctx context.Context, req ListStatementsRequest) ([]Statement, int, error) {
	status := string(req.Status)
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM royalty_statements
WHERE user_id = $1 AND ($2 = '' OR status = $2)`, req.UserID, status).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	perPage := req.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := req.Page
	if page <= 0 {
		page = 1
	}

	rows, err := r.pool.Query(ctx, `SELECT `+statementColumns+` FROM royalty_statements
WHERE user_id = $1 AND ($2 = '' OR status = $2)
ORDER BY period_start DESC, created_at DESC
LIMIT $3 OFFSET $4`, req.UserID, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var statements []Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, 0, err
		}
		statements = append(statements, st)
	}
	return statements, total, rows.Err()
}

func (r *pgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, at time.Time) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	var stampColumn string
	switch to {
	case StatusFinalized:
		stampColumn = "finalized_at"
	case StatusPaid:
		stampColumn = "paid_at"
	case StatusDisputed:
		stampColumn = "disputed_at"
	default:
		return fmt.Errorf("statements: no transition to %q", to)
	}

	tag, err := r.pool.Exec(ctx, `UPDATE royalty_statements
SET status = $2, `+stampColumn+` = $3, updated_at = $3
WHERE id = $1 AND status = ANY($4)`, id, string(to), at, fromStrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *pgRepository) ListUsersWithRevenue(ctx context.Context, start, end time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM revenue_events
WHERE occurred_at >= $1 AND occurred_at < $2
ORDER BY user_id`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
