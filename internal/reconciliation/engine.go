package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/ledger"
)

// Engine runs reconciliation: it derives expected totals from the
// transaction log, compares them against gateway statements and tracks the
// discrepancies until someone resolves them.
type Engine struct {
	store     Store
	ledger    ledger.Store
	publisher events.Publisher
	logger    *slog.Logger
	tolerance int64
	now       func() time.Time
}

// NewEngine wires a reconciliation engine. Tolerance is the largest absolute
// per-category difference that does not raise an issue; zero means every
// minor unit must match.
func NewEngine(store Store, ledgerStore ledger.Store, publisher events.Publisher, logger *slog.Logger, tolerance int64) *Engine {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Engine{
		store:     store,
		ledger:    ledgerStore,
		publisher: publisher,
		logger:    logger,
		tolerance: tolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreatePeriod opens a reconciliation window and snapshots the expected
// totals from the committed transaction log. An empty period type defaults
// to custom.
func (e *Engine) CreatePeriod(ctx context.Context, periodType PeriodType, start, end time.Time) (Period, error) {
	if !start.Before(end) {
		return Period{}, fmt.Errorf("%w: period start must precede end", ledger.ErrValidation)
	}
	if periodType == "" {
		periodType = PeriodCustom
	}
	switch periodType {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodCustom:
	default:
		return Period{}, fmt.Errorf("%w: unknown period type %q", ledger.ErrValidation, periodType)
	}

	expected, err := e.expectedTotals(ctx, start, end)
	if err != nil {
		return Period{}, err
	}

	now := e.now()
	period := Period{
		ID:        uuid.NewString(),
		Type:      periodType,
		Start:     start,
		End:       end,
		Status:    PeriodPending,
		Expected:  expected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreatePeriod(ctx, period); err != nil {
		return Period{}, err
	}
	e.logger.Info("reconciliation period created",
		"period_id", period.ID,
		"start", start, "end", end,
		"expected_deposits", expected.Deposits,
		"expected_withdrawals", expected.Withdrawals,
		"expected_fees", expected.Fees,
	)
	return period, nil
}

// GetPeriod returns one period.
func (e *Engine) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	return e.store.GetPeriod(ctx, periodID)
}

// ListPeriods returns the most recent periods.
func (e *Engine) ListPeriods(ctx context.Context, limit int) ([]Period, error) {
	return e.store.ListPeriods(ctx, limit)
}

// ListIssues returns all issues attached to a period.
func (e *Engine) ListIssues(ctx context.Context, periodID string) ([]Issue, error) {
	if _, err := e.store.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	return e.store.ListIssues(ctx, periodID)
}

// Statement is the external side of a reconciliation run: the gateway's
// category totals plus its individual lines.
type Statement struct {
	Totals Totals          `json:"totals"`
	Lines  []StatementLine `json:"lines"`
}

// SubmitStatement records the gateway statement against a pending period and
// raises issues for every discrepancy found. The period moves to in_progress
// whether or not the totals match; completion is a separate, gated step.
func (e *Engine) SubmitStatement(ctx context.Context, periodID string, statement Statement) (Period, []Issue, error) {
	period, err := e.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, nil, err
	}
	if period.Status != PeriodPending {
		return Period{}, nil, fmt.Errorf("%w: statement already submitted (status %s)", ErrInvalidPeriodState, period.Status)
	}

	period.Actual = statement.Totals
	period.Status = PeriodInProgress
	period.UpdatedAt = e.now()
	if err := e.store.UpdatePeriod(ctx, period, PeriodPending); err != nil {
		return Period{}, nil, err
	}

	issues := e.compare(ctx, period, statement)
	for i := range issues {
		if err := e.store.CreateIssue(ctx, issues[i]); err != nil {
			return Period{}, nil, err
		}
		e.publishIssue(ctx, issues[i])
	}
	if len(issues) > 0 {
		e.logger.Warn("reconciliation discrepancies found", "period_id", period.ID, "issues", len(issues))
	}
	return period, issues, nil
}

// RaiseIssue attaches a manually discovered discrepancy to a period.
func (e *Engine) RaiseIssue(ctx context.Context, periodID string, issueType IssueType, description, reference string, expected, actual int64) (Issue, error) {
	period, err := e.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Issue{}, err
	}
	if period.Status != PeriodPending && period.Status != PeriodInProgress {
		return Issue{}, fmt.Errorf("%w: period is %s", ErrInvalidPeriodState, period.Status)
	}
	switch issueType {
	case IssueAmountMismatch, IssueMissingTransaction, IssueDuplicate, IssueOther:
	default:
		return Issue{}, fmt.Errorf("%w: unknown issue type %q", ledger.ErrValidation, issueType)
	}

	issue := Issue{
		ID:             uuid.NewString(),
		PeriodID:       periodID,
		Type:           issueType,
		Description:    description,
		ExpectedAmount: expected,
		ActualAmount:   actual,
		Reference:      reference,
		CreatedAt:      e.now(),
	}
	if err := e.store.CreateIssue(ctx, issue); err != nil {
		return Issue{}, err
	}
	e.publishIssue(ctx, issue)
	return issue, nil
}

// ResolveIssue marks an issue handled. Resolving twice is a no-op.
func (e *Engine) ResolveIssue(ctx context.Context, issueID, resolution string) (Issue, error) {
	return e.store.ResolveIssue(ctx, issueID, resolution, e.now())
}

// CompletePeriod closes a period. It refuses while any issue is unresolved.
func (e *Engine) CompletePeriod(ctx context.Context, periodID string) (Period, error) {
	period, err := e.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != PeriodInProgress {
		return Period{}, fmt.Errorf("%w: period is %s", ErrInvalidPeriodState, period.Status)
	}
	unresolved, err := e.store.CountUnresolvedIssues(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if unresolved > 0 {
		return Period{}, fmt.Errorf("%w: %d remaining", ErrUnresolvedIssues, unresolved)
	}

	now := e.now()
	period.Status = PeriodCompleted
	period.UpdatedAt = now
	period.CompletedAt = &now
	if err := e.store.UpdatePeriod(ctx, period, PeriodInProgress); err != nil {
		return Period{}, err
	}
	e.logger.Info("reconciliation period completed", "period_id", period.ID)
	return period, nil
}

// MarkFailed abandons a period that cannot be reconciled.
func (e *Engine) MarkFailed(ctx context.Context, periodID, reason string) (Period, error) {
	period, err := e.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status == PeriodCompleted || period.Status == PeriodFailed {
		return Period{}, fmt.Errorf("%w: period is %s", ErrInvalidPeriodState, period.Status)
	}

	from := period.Status
	period.Status = PeriodFailed
	period.UpdatedAt = e.now()
	if err := e.store.UpdatePeriod(ctx, period, from); err != nil {
		return Period{}, err
	}
	e.logger.Warn("reconciliation period failed", "period_id", period.ID, "reason", reason)
	return period, nil
}

// expectedTotals derives the platform side of the comparison from committed
// log entries inside the window. Each category maps to exactly one entry
// type, so nothing is double counted.
func (e *Engine) expectedTotals(ctx context.Context, start, end time.Time) (Totals, error) {
	deposits, err := e.ledger.SumByTypeAndWindow(ctx, "", []ledger.EntryType{ledger.EntryTopup}, start, end)
	if err != nil {
		return Totals{}, err
	}
	withdrawals, err := e.ledger.SumByTypeAndWindow(ctx, "", []ledger.EntryType{ledger.EntryWithdrawal}, start, end)
	if err != nil {
		return Totals{}, err
	}
	fees, err := e.ledger.SumByTypeAndWindow(ctx, "", []ledger.EntryType{ledger.EntryFee}, start, end)
	if err != nil {
		return Totals{}, err
	}
	return Totals{Deposits: deposits, Withdrawals: withdrawals, Fees: fees}, nil
}

func (e *Engine) compare(ctx context.Context, period Period, statement Statement) []Issue {
	var issues []Issue
	raise := func(issueType IssueType, description, reference string, expected, actual int64) {
		issues = append(issues, Issue{
			ID:             uuid.NewString(),
			PeriodID:       period.ID,
			Type:           issueType,
			Description:    description,
			ExpectedAmount: expected,
			ActualAmount:   actual,
			Reference:      reference,
			CreatedAt:      e.now(),
		})
	}

	mismatch := func(category string, expected, actual int64) {
		diff := expected - actual
		if diff < 0 {
			diff = -diff
		}
		if diff > e.tolerance {
			raise(IssueAmountMismatch,
				fmt.Sprintf("%s: expected %d, statement reports %d", category, expected, actual),
				"", expected, actual)
		}
	}
	mismatch("deposits", period.Expected.Deposits, statement.Totals.Deposits)
	mismatch("withdrawals", period.Expected.Withdrawals, statement.Totals.Withdrawals)
	mismatch("fees", period.Expected.Fees, statement.Totals.Fees)

	seen := make(map[string]bool, len(statement.Lines))
	for _, line := range statement.Lines {
		if line.Reference == "" {
			continue
		}
		if seen[line.Reference] {
			raise(IssueDuplicate,
				fmt.Sprintf("reference %s appears more than once in the statement", line.Reference),
				line.Reference, 0, line.Amount)
			continue
		}
		seen[line.Reference] = true

		count, err := e.ledger.CountEntriesByRef(ctx, line.Reference)
		if err != nil {
			e.logger.Error("failed to look up statement reference", "reference", line.Reference, "error", err)
			continue
		}
		if count == 0 {
			raise(IssueMissingTransaction,
				fmt.Sprintf("statement reference %s has no matching log entry", line.Reference),
				line.Reference, 0, line.Amount)
		}
	}
	return issues
}

func (e *Engine) publishIssue(ctx context.Context, issue Issue) {
	err := e.publisher.Publish(ctx, events.Event{
		Kind:       events.KindReconciliationIssueRaised,
		Amount:     issue.ActualAmount - issue.ExpectedAmount,
		RelatedRef: issue.Reference,
		OccurredAt: issue.CreatedAt,
	})
	if err != nil {
		e.logger.Warn("failed to publish event", "kind", events.KindReconciliationIssueRaised, "error", err)
	}
}
