package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryData struct {
	accounts     map[string]Account
	ownerIndex   map[string]string
	entries      []Entry
	entriesByKey map[string]int
	holds        map[string]Hold
	holdsByRef   map[string]string
}

func newMemoryData() *memoryData {
	return &memoryData{
		accounts:     make(map[string]Account),
		ownerIndex:   make(map[string]string),
		entriesByKey: make(map[string]int),
		holds:        make(map[string]Hold),
		holdsByRef:   make(map[string]string),
	}
}

func (d *memoryData) clone() *memoryData {
	cloned := &memoryData{
		accounts:     make(map[string]Account, len(d.accounts)),
		ownerIndex:   make(map[string]string, len(d.ownerIndex)),
		entries:      make([]Entry, len(d.entries)),
		entriesByKey: make(map[string]int, len(d.entriesByKey)),
		holds:        make(map[string]Hold, len(d.holds)),
		holdsByRef:   make(map[string]string, len(d.holdsByRef)),
	}
	for k, v := range d.accounts {
		cloned.accounts[k] = v
	}
	for k, v := range d.ownerIndex {
		cloned.ownerIndex[k] = v
	}
	copy(cloned.entries, d.entries)
	for k, v := range d.entriesByKey {
		cloned.entriesByKey[k] = v
	}
	for k, v := range d.holds {
		cloned.holds[k] = v
	}
	for k, v := range d.holdsByRef {
		cloned.holdsByRef[k] = v
	}
	return cloned
}

// MemoryStore is a concurrency-safe in-memory Store useful for unit tests
// and local development without Postgres.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
}

// NewMemory creates an empty in-memory ledger store.
func NewMemory() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, data: newMemoryData()}
}

// WithTx serializes the whole transaction under the store mutex and restores
// a snapshot of the data if fn fails, so partial mutations never become
// observable.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	txView := &MemoryStore{mu: s.mu, data: s.data, inTx: true}
	if err := fn(ctx, txView); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func ownerKey(ownerID string, ownerType OwnerType) string {
	return string(ownerType) + "|" + ownerID
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, ownerID string, ownerType OwnerType) (Account, error) {
	if ownerID == "" || ownerType == "" {
		return Account{}, fmt.Errorf("%w: owner id and type are required", ErrValidation)
	}
	defer s.lock()()

	if accountID, ok := s.data.ownerIndex[ownerKey(ownerID, ownerType)]; ok {
		return s.data.accounts[accountID], nil
	}
	account := Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Currency:  DefaultCurrency,
		CreatedAt: time.Now().UTC(),
	}
	s.data.accounts[account.ID] = account
	s.data.ownerIndex[ownerKey(ownerID, ownerType)] = account.ID
	return account, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	defer s.lock()()

	account, ok := s.data.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, accountID string, availableDelta, heldDelta, expectedVersion int64) (int64, error) {
	defer s.lock()()

	account, ok := s.data.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if account.Available+availableDelta < 0 {
		return 0, ErrInsufficientFunds
	}
	if account.Held+heldDelta < 0 {
		return 0, fmt.Errorf("%w: held balance would go negative", ErrInsufficientFunds)
	}
	account.Available += availableDelta
	account.Held += heldDelta
	account.Version++
	s.data.accounts[accountID] = account
	return account.Version, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry Entry) error {
	if entry.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if entry.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	defer s.lock()()

	if _, exists := s.data.entriesByKey[entry.IdempotencyKey]; exists {
		return ErrDuplicateIdempotencyKey
	}
	s.data.entries = append(s.data.entries, entry)
	s.data.entriesByKey[entry.IdempotencyKey] = len(s.data.entries) - 1
	return nil
}

func (s *MemoryStore) GetEntryByKey(_ context.Context, idempotencyKey string) (Entry, error) {
	defer s.lock()()

	idx, ok := s.data.entriesByKey[idempotencyKey]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return s.data.entries[idx], nil
}

func (s *MemoryStore) ListEntries(_ context.Context, accountID string, before time.Time, limit int) ([]Entry, error) {
	defer s.lock()()

	var matched []Entry
	for _, entry := range s.data.entries {
		if entry.AccountID != accountID {
			continue
		}
		if !before.IsZero() && !entry.CreatedAt.Before(before) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) SumByTypeAndWindow(_ context.Context, accountID string, types []EntryType, start, end time.Time) (int64, error) {
	defer s.lock()()

	wanted := make(map[EntryType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var total int64
	for _, entry := range s.data.entries {
		if entry.Status != StatusCommitted {
			continue
		}
		if accountID != "" && entry.AccountID != accountID {
			continue
		}
		if len(wanted) > 0 && !wanted[entry.Type] {
			continue
		}
		if entry.CommittedAt.Before(start) || !entry.CommittedAt.Before(end) {
			continue
		}
		total += entry.Amount
	}
	return total, nil
}

func (s *MemoryStore) CountEntriesByRef(_ context.Context, relatedRef string) (int, error) {
	defer s.lock()()

	count := 0
	for _, entry := range s.data.entries {
		if entry.RelatedRef == relatedRef && entry.Status == StatusCommitted {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateHold(_ context.Context, hold Hold) error {
	if hold.ID == "" || hold.AccountID == "" {
		return fmt.Errorf("%w: hold id and account id are required", ErrValidation)
	}
	defer s.lock()()

	if _, exists := s.data.holds[hold.ID]; exists {
		return fmt.Errorf("%w: hold %s already exists", ErrValidation, hold.ID)
	}
	s.data.holds[hold.ID] = hold
	if hold.RelatedRef != "" {
		s.data.holdsByRef[hold.RelatedRef] = hold.ID
	}
	return nil
}

func (s *MemoryStore) GetHold(_ context.Context, holdID string) (Hold, error) {
	defer s.lock()()

	hold, ok := s.data.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (s *MemoryStore) GetHoldByRef(_ context.Context, relatedRef string) (Hold, error) {
	defer s.lock()()

	holdID, ok := s.data.holdsByRef[relatedRef]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return s.data.holds[holdID], nil
}

func (s *MemoryStore) UpdateHoldState(_ context.Context, holdID string, from, to HoldState) error {
	defer s.lock()()

	hold, ok := s.data.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if hold.State != from {
		return ErrHoldNotActive
	}
	hold.State = to
	s.data.holds[holdID] = hold
	return nil
}

func (s *MemoryStore) ListExpiredHolds(_ context.Context, asOf time.Time, limit int) ([]Hold, error) {
	defer s.lock()()

	var expired []Hold
	for _, hold := range s.data.holds {
		if hold.State == HoldActive && hold.Expired(asOf) {
			expired = append(expired, hold)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
