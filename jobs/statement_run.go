package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/soundledger/soundledger/internal/statements"
)

// statementRunConcurrency bounds how many users are processed in parallel.
const statementRunConcurrency = 8

// StatementRunJob generates draft statements for every user with revenue
// in the target period. Re-running a period is safe: users who already
// have a statement are skipped before any computation, so the recoupment
// waterfall never deducts twice for the same period. The save-time
// duplicate guard stays as the backstop against concurrent runs.
type StatementRunJob struct {
	Service *statements.Service
	Repo    statements.Repository
	Logger  *slog.Logger
	clock   func() time.Time
}

// NewStatementRunJob initialises the statement run handler.
func NewStatementRunJob(service *statements.Service, repo statements.Repository, logger *slog.Logger) *StatementRunJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatementRunJob{
		Service: service,
		Repo:    repo,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the statement run.
func (j *StatementRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil || j.Repo == nil {
		return errors.New("statement run: handler not configured")
	}
	var payload StatementRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start, end, err := j.periodBounds(payload.Period)
	if err != nil {
		j.Logger.Error("statement run: bad period", slog.String("period", payload.Period), slog.Any("error", err))
		return asynq.SkipRetry
	}

	logger := j.Logger.With(
		slog.Time("period_start", start),
		slog.Time("period_end", end),
	)
	logger.Info("starting statement run")
	began := j.clock()

	users, err := j.Repo.ListUsersWithRevenue(ctx, start, end.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("statement run: list users: %w", err)
	}

	var generated, skipped, failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statementRunConcurrency)
	for _, userID := range users {
		g.Go(func() error {
			exists, err := j.Repo.HasStatementForPeriod(ctx, userID, start, end, nil)
			if err != nil {
				failed.Add(1)
				logger.Error("statement run: existence check", slog.Int64("user_id", userID), slog.Any("error", err))
				return nil
			}
			if exists {
				skipped.Add(1)
				return nil
			}
			period, err := j.Service.CalculatePeriod(ctx, userID, start, end, nil)
			if err != nil {
				failed.Add(1)
				logger.Error("statement run: calculate", slog.Int64("user_id", userID), slog.Any("error", err))
				// One bad user must not abort the whole run.
				return nil
			}
			if _, err := j.Service.SaveStatement(ctx, period); err != nil {
				if errors.Is(err, statements.ErrDuplicateStatement) {
					skipped.Add(1)
					return nil
				}
				failed.Add(1)
				logger.Error("statement run: save", slog.Int64("user_id", userID), slog.Any("error", err))
				return nil
			}
			generated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("completed statement run",
		slog.Int("users", len(users)),
		slog.Int64("generated", generated.Load()),
		slog.Int64("skipped", skipped.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Duration("duration", time.Since(began)),
	)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("statement run: %d users failed", n)
	}
	return nil
}

// periodBounds resolves a YYYY-MM period to its first and last day.
// Empty means the previous calendar month.
func (j *StatementRunJob) periodBounds(period string) (time.Time, time.Time, error) {
	var start time.Time
	if period == "" {
		now := j.clock()
		firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		start = firstOfMonth.AddDate(0, -1, 0)
	} else {
		parsed, err := time.Parse("2006-01", period)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed
	}
	end := start.AddDate(0, 1, -1)
	return start, end, nil
}
