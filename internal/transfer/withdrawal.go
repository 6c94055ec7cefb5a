package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithdrawalStatus tracks a payout request through its lifecycle.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Withdrawal records a request to move funds out to an external destination.
// The reserved amount lives in a hold on the source account until the payout
// settles one way or the other.
type Withdrawal struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Amount      int64            `json:"amount"`
	Destination string           `json:"destination"`
	HoldID      string           `json:"hold_id"`
	GatewayRef  string           `json:"gateway_ref,omitempty"`
	Status      WithdrawalStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ErrWithdrawalNotFound is returned when the withdrawal id is unknown.
var ErrWithdrawalNotFound = errors.New("withdrawal not found")

// ErrWithdrawalNotPending is returned when a finalization races another and
// the record already left the pending state.
var ErrWithdrawalNotPending = errors.New("withdrawal is not pending")

// Repository persists withdrawal records.
type Repository interface {
	Create(ctx context.Context, withdrawal Withdrawal) error
	Get(ctx context.Context, id string) (Withdrawal, error)
	// UpdateStatus transitions the record from one status to another. It
	// returns ErrWithdrawalNotPending when the stored status no longer
	// matches from, so a withdrawal is finalized exactly once.
	UpdateStatus(ctx context.Context, id string, from, to WithdrawalStatus, gatewayRef string) (Withdrawal, error)
}

// MemoryRepository keeps withdrawal records in process for tests and local runs.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Withdrawal
}

// NewMemoryRepository builds an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Withdrawal)}
}

func (r *MemoryRepository) Create(_ context.Context, withdrawal Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[withdrawal.ID]; ok {
		return fmt.Errorf("withdrawal %s already exists", withdrawal.ID)
	}
	r.records[withdrawal.ID] = withdrawal
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	withdrawal, ok := r.records[id]
	if !ok {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return withdrawal, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to WithdrawalStatus, gatewayRef string) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	withdrawal, ok := r.records[id]
	if !ok {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	if withdrawal.Status != from {
		return Withdrawal{}, ErrWithdrawalNotPending
	}
	withdrawal.Status = to
	if gatewayRef != "" {
		withdrawal.GatewayRef = gatewayRef
	}
	withdrawal.UpdatedAt = time.Now().UTC()
	r.records[id] = withdrawal
	return withdrawal, nil
}

// PostgresRepository persists withdrawal records in Postgres.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, withdrawal Withdrawal) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO withdrawals (id, account_id, amount, destination, hold_id, gateway_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		withdrawal.ID, withdrawal.AccountID, withdrawal.Amount, withdrawal.Destination,
		withdrawal.HoldID, withdrawal.GatewayRef, withdrawal.Status, withdrawal.CreatedAt, withdrawal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Withdrawal, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, destination, hold_id, gateway_ref, status, created_at, updated_at
		FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to WithdrawalStatus, gatewayRef string) (Withdrawal, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = $1, gateway_ref = COALESCE(NULLIF($2, ''), gateway_ref), updated_at = now()
		WHERE id = $3 AND status = $4
		RETURNING id, account_id, amount, destination, hold_id, gateway_ref, status, created_at, updated_at`,
		to, gatewayRef, id, from)
	withdrawal, err := scanWithdrawal(row)
	if errors.Is(err, ErrWithdrawalNotFound) {
		// Distinguish a missing record from a status race.
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return Withdrawal{}, ErrWithdrawalNotPending
		}
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return withdrawal, err
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var withdrawal Withdrawal
	err := row.Scan(
		&withdrawal.ID, &withdrawal.AccountID, &withdrawal.Amount, &withdrawal.Destination,
		&withdrawal.HoldID, &withdrawal.GatewayRef, &withdrawal.Status, &withdrawal.CreatedAt, &withdrawal.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	if err != nil {
		return Withdrawal{}, fmt.Errorf("scan withdrawal: %w", err)
	}
	return withdrawal, nil
}
