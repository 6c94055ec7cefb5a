package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists reconciliation state in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePeriod(ctx context.Context, period Period) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_periods
			(id, period_type, period_start, period_end, status,
			 expected_deposits, expected_withdrawals, expected_fees,
			 actual_deposits, actual_withdrawals, actual_fees,
			 created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		period.ID, period.Type, period.Start, period.End, period.Status,
		period.Expected.Deposits, period.Expected.Withdrawals, period.Expected.Fees,
		period.Actual.Deposits, period.Actual.Withdrawals, period.Actual.Fees,
		period.CreatedAt, period.UpdatedAt, period.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert period: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	row := s.pool.QueryRow(ctx, selectPeriod+` WHERE id = $1`, periodID)
	return scanPeriod(row)
}

func (s *PostgresStore) ListPeriods(ctx context.Context, limit int) ([]Period, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectPeriod+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		period, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	return periods, rows.Err()
}

func (s *PostgresStore) UpdatePeriod(ctx context.Context, period Period, from PeriodStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_periods
		SET status = $1,
		    actual_deposits = $2, actual_withdrawals = $3, actual_fees = $4,
		    updated_at = $5, completed_at = $6
		WHERE id = $7 AND status = $8`,
		period.Status,
		period.Actual.Deposits, period.Actual.Withdrawals, period.Actual.Fees,
		period.UpdatedAt, period.CompletedAt,
		period.ID, from,
	)
	if err != nil {
		return fmt.Errorf("update period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPeriod(ctx, period.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: expected status %s", ErrInvalidPeriodState, from)
	}
	return nil
}

func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_issues
			(id, period_id, issue_type, description, expected_amount, actual_amount, reference, resolved, resolution, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		issue.ID, issue.PeriodID, issue.Type, issue.Description, issue.ExpectedAmount, issue.ActualAmount,
		issue.Reference, issue.Resolved, issue.Resolution, issue.CreatedAt, issue.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	row := s.pool.QueryRow(ctx, selectIssue+` WHERE id = $1`, issueID)
	return scanIssue(row)
}

func (s *PostgresStore) ListIssues(ctx context.Context, periodID string) ([]Issue, error) {
	rows, err := s.pool.Query(ctx, selectIssue+` WHERE period_id = $1 ORDER BY created_at`, periodID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (s *PostgresStore) ResolveIssue(ctx context.Context, issueID, resolution string, at time.Time) (Issue, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reconciliation_issues
		SET resolved = TRUE, resolution = $1, resolved_at = $2
		WHERE id = $3 AND NOT resolved
		RETURNING id, period_id, issue_type, description, expected_amount, actual_amount, reference, resolved, resolution, created_at, resolved_at`,
		resolution, at, issueID)
	issue, err := scanIssue(row)
	if errors.Is(err, ErrIssueNotFound) {
		// Already resolved is fine; return the stored record.
		return s.GetIssue(ctx, issueID)
	}
	return issue, err
}

func (s *PostgresStore) CountUnresolvedIssues(ctx context.Context, periodID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM reconciliation_issues WHERE period_id = $1 AND NOT resolved`,
		periodID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unresolved issues: %w", err)
	}
	return count, nil
}

const selectPeriod = `
	SELECT id, period_type, period_start, period_end, status,
	       expected_deposits, expected_withdrawals, expected_fees,
	       actual_deposits, actual_withdrawals, actual_fees,
	       created_at, updated_at, completed_at
	FROM reconciliation_periods`

const selectIssue = `
	SELECT id, period_id, issue_type, description, expected_amount, actual_amount, reference, resolved, resolution, created_at, resolved_at
	FROM reconciliation_issues`

func scanPeriod(row pgx.Row) (Period, error) {
	var period Period
	err := row.Scan(
		&period.ID, &period.Type, &period.Start, &period.End, &period.Status,
		&period.Expected.Deposits, &period.Expected.Withdrawals, &period.Expected.Fees,
		&period.Actual.Deposits, &period.Actual.Withdrawals, &period.Actual.Fees,
		&period.CreatedAt, &period.UpdatedAt, &period.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	if err != nil {
		return Period{}, fmt.Errorf("scan period: %w", err)
	}
	return period, nil
}

func scanIssue(row pgx.Row) (Issue, error) {
	var issue Issue
	err := row.Scan(
		&issue.ID, &issue.PeriodID, &issue.Type, &issue.Description, &issue.ExpectedAmount, &issue.ActualAmount,
		&issue.Reference, &issue.Resolved, &issue.Resolution, &issue.CreatedAt, &issue.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Issue{}, ErrIssueNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("scan issue: %w", err)
	}
	return issue, nil
}
