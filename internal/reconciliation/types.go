package reconciliation

import (
	"errors"
	"time"
)

// PeriodStatus tracks a reconciliation run through its lifecycle.
type PeriodStatus string

const (
	PeriodPending    PeriodStatus = "pending"
	PeriodInProgress PeriodStatus = "in_progress"
	PeriodCompleted  PeriodStatus = "completed"
	PeriodFailed     PeriodStatus = "failed"
)

// PeriodType names the cadence a period was opened under.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodCustom  PeriodType = "custom"
)

// Totals groups the three money-movement categories compared during a run.
type Totals struct {
	Deposits    int64 `json:"deposits"`
	Withdrawals int64 `json:"withdrawals"`
	Fees        int64 `json:"fees"`
}

// Period is one reconciliation window. Expected totals come from the
// transaction log at creation time; actual totals arrive later from the
// gateway statement.
type Period struct {
	ID          string       `json:"id"`
	Type        PeriodType   `json:"type"`
	Start       time.Time    `json:"period_start"`
	End         time.Time    `json:"period_end"`
	Status      PeriodStatus `json:"status"`
	Expected    Totals       `json:"expected"`
	Actual      Totals       `json:"actual"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IssueType classifies a discrepancy found during reconciliation.
type IssueType string

const (
	IssueAmountMismatch     IssueType = "amount_mismatch"
	IssueMissingTransaction IssueType = "missing_transaction"
	IssueDuplicate          IssueType = "duplicate"
	IssueOther              IssueType = "other"
)

// Issue is one discrepancy attached to a period. ExpectedAmount is the
// platform side of the comparison, ActualAmount the statement side; a
// missing or duplicate line carries only the statement side. A period cannot
// complete while any of its issues remain unresolved.
type Issue struct {
	ID             string     `json:"id"`
	PeriodID       string     `json:"period_id"`
	Type           IssueType  `json:"type"`
	Description    string     `json:"description"`
	ExpectedAmount int64      `json:"expected_amount"`
	ActualAmount   int64      `json:"actual_amount"`
	Reference      string     `json:"reference,omitempty"`
	Resolved       bool       `json:"resolved"`
	Resolution     string     `json:"resolution,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// StatementLine is one row of the external gateway statement.
type StatementLine struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
}

var (
	ErrPeriodNotFound     = errors.New("reconciliation period not found")
	ErrIssueNotFound      = errors.New("reconciliation issue not found")
	ErrInvalidPeriodState = errors.New("period is not in a valid state for this operation")
	ErrUnresolvedIssues   = errors.New("period has unresolved issues")
)
