package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the ledger in PostgreSQL. All invariants that the
// memory store checks in Go are mirrored here as SQL predicates so the two
// backends fail identically.
type PostgresStore struct {
	pool *pgxpool.Pool
	conn querier
}

// NewPostgres constructs a Postgres-backed ledger store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, conn: pool}
}

// WithTx opens a database transaction and passes a tx-scoped store to fn.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, alreadyTx := s.conn.(pgx.Tx); alreadyTx {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	txStore := &PostgresStore{pool: s.pool, conn: tx}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, ownerID string, ownerType OwnerType) (Account, error) {
	if ownerID == "" || ownerType == "" {
		return Account{}, fmt.Errorf("%w: owner id and type are required", ErrValidation)
	}
	_, err := s.conn.Exec(ctx, `INSERT INTO accounts (id, owner_id, owner_type, currency, available_balance, held_balance, version, created_at)
        VALUES ($1, $2, $3, $4, 0, 0, 0, $5)
        ON CONFLICT (owner_id, owner_type) DO NOTHING`,
		uuid.NewString(), ownerID, string(ownerType), DefaultCurrency, time.Now().UTC())
	if err != nil {
		return Account{}, err
	}
	row := s.conn.QueryRow(ctx, `SELECT id, owner_id, owner_type, currency, available_balance, held_balance, version, created_at
        FROM accounts WHERE owner_id = $1 AND owner_type = $2`, ownerID, string(ownerType))
	return scanAccount(row)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	row := s.conn.QueryRow(ctx, `SELECT id, owner_id, owner_type, currency, available_balance, held_balance, version, created_at
        FROM accounts WHERE id = $1`, accountID)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return account, err
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, accountID string, availableDelta, heldDelta, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := s.conn.QueryRow(ctx, `UPDATE accounts
        SET available_balance = available_balance + $1,
            held_balance = held_balance + $2,
            version = version + 1
        WHERE id = $3 AND version = $4
          AND available_balance + $1 >= 0
          AND held_balance + $2 >= 0
        RETURNING version`,
		availableDelta, heldDelta, accountID, expectedVersion).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// No row matched: distinguish stale version from a balance shortfall.
	var currentVersion int64
	probe := s.conn.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, accountID)
	if probeErr := probe.Scan(&currentVersion); probeErr != nil {
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, probeErr
	}
	if currentVersion != expectedVersion {
		return 0, ErrVersionConflict
	}
	return 0, ErrInsufficientFunds
}

func (s *PostgresStore) AppendEntry(ctx context.Context, entry Entry) error {
	if entry.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if entry.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	_, err := s.conn.Exec(ctx, `INSERT INTO entries (id, account_id, type, amount, status, idempotency_key, related_ref, created_at, committed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, string(entry.Type), entry.Amount, string(entry.Status),
		entry.IdempotencyKey, entry.RelatedRef, entry.CreatedAt.UTC(), entry.CommittedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *PostgresStore) GetEntryByKey(ctx context.Context, idempotencyKey string) (Entry, error) {
	row := s.conn.QueryRow(ctx, `SELECT id, account_id, type, amount, status, idempotency_key, related_ref, created_at, committed_at
        FROM entries WHERE idempotency_key = $1`, idempotencyKey)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return entry, err
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID string, before time.Time, limit int) ([]Entry, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `SELECT id, account_id, type, amount, status, idempotency_key, related_ref, created_at, committed_at
        FROM entries WHERE account_id = $1 AND created_at < $2
        ORDER BY created_at DESC LIMIT $3`, accountID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumByTypeAndWindow(ctx context.Context, accountID string, types []EntryType, start, end time.Time) (int64, error) {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	query := `SELECT COALESCE(SUM(amount), 0) FROM entries
        WHERE status = 'committed'
          AND type = ANY($1)
          AND committed_at >= $2 AND committed_at < $3`
	args := []any{typeNames, start.UTC(), end.UTC()}
	if accountID != "" {
		query += ` AND account_id = $4`
		args = append(args, accountID)
	}
	var total int64
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *PostgresStore) CountEntriesByRef(ctx context.Context, relatedRef string) (int, error) {
	var count int
	err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM entries WHERE related_ref = $1 AND status = 'committed'`, relatedRef).Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateHold(ctx context.Context, hold Hold) error {
	if hold.ID == "" || hold.AccountID == "" {
		return fmt.Errorf("%w: hold id and account id are required", ErrValidation)
	}
	var expiresAt *time.Time
	if hold.ExpiresAt != nil {
		utc := hold.ExpiresAt.UTC()
		expiresAt = &utc
	}
	_, err := s.conn.Exec(ctx, `INSERT INTO holds (id, account_id, amount, state, related_ref, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		hold.ID, hold.AccountID, hold.Amount, string(hold.State), hold.RelatedRef, expiresAt, hold.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: hold %s already exists", ErrValidation, hold.ID)
	}
	return err
}

func (s *PostgresStore) GetHold(ctx context.Context, holdID string) (Hold, error) {
	row := s.conn.QueryRow(ctx, `SELECT id, account_id, amount, state, related_ref, expires_at, created_at
        FROM holds WHERE id = $1`, holdID)
	hold, err := scanHold(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	return hold, err
}

func (s *PostgresStore) GetHoldByRef(ctx context.Context, relatedRef string) (Hold, error) {
	row := s.conn.QueryRow(ctx, `SELECT id, account_id, amount, state, related_ref, expires_at, created_at
        FROM holds WHERE related_ref = $1 ORDER BY created_at DESC LIMIT 1`, relatedRef)
	hold, err := scanHold(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	return hold, err
}

func (s *PostgresStore) UpdateHoldState(ctx context.Context, holdID string, from, to HoldState) error {
	tag, err := s.conn.Exec(ctx, `UPDATE holds SET state = $1 WHERE id = $2 AND state = $3`,
		string(to), holdID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if probeErr := s.conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM holds WHERE id = $1)`, holdID).Scan(&exists); probeErr != nil {
			return probeErr
		}
		if !exists {
			return ErrHoldNotFound
		}
		return ErrHoldNotActive
	}
	return nil
}

func (s *PostgresStore) ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `SELECT id, account_id, amount, state, related_ref, expires_at, created_at
        FROM holds WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < $1
        ORDER BY created_at ASC LIMIT $2`, asOf.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	var ownerType string
	if err := row.Scan(&account.ID, &account.OwnerID, &ownerType, &account.Currency,
		&account.Available, &account.Held, &account.Version, &account.CreatedAt); err != nil {
		return Account{}, err
	}
	account.OwnerType = OwnerType(ownerType)
	account.CreatedAt = account.CreatedAt.UTC()
	return account, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	var entryType, status string
	if err := row.Scan(&entry.ID, &entry.AccountID, &entryType, &entry.Amount, &status,
		&entry.IdempotencyKey, &entry.RelatedRef, &entry.CreatedAt, &entry.CommittedAt); err != nil {
		return Entry{}, err
	}
	entry.Type = EntryType(entryType)
	entry.Status = EntryStatus(status)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.CommittedAt = entry.CommittedAt.UTC()
	return entry, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var hold Hold
	var state string
	var expiresAt *time.Time
	if err := row.Scan(&hold.ID, &hold.AccountID, &hold.Amount, &state, &hold.RelatedRef, &expiresAt, &hold.CreatedAt); err != nil {
		return Hold{}, err
	}
	hold.State = HoldState(state)
	if expiresAt != nil {
		utc := expiresAt.UTC()
		hold.ExpiresAt = &utc
	}
	hold.CreatedAt = hold.CreatedAt.UTC()
	return hold, nil
}
