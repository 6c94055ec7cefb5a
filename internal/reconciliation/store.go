package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists reconciliation periods and their issues.
type Store interface {
	CreatePeriod(ctx context.Context, period Period) error
	GetPeriod(ctx context.Context, periodID string) (Period, error)
	ListPeriods(ctx context.Context, limit int) ([]Period, error)
	// UpdatePeriod transitions the period status with compare-and-swap
	// semantics and persists the rest of the record. Fails with
	// ErrInvalidPeriodState when the stored status no longer matches from.
	UpdatePeriod(ctx context.Context, period Period, from PeriodStatus) error

	CreateIssue(ctx context.Context, issue Issue) error
	GetIssue(ctx context.Context, issueID string) (Issue, error)
	ListIssues(ctx context.Context, periodID string) ([]Issue, error)
	ResolveIssue(ctx context.Context, issueID, resolution string, at time.Time) (Issue, error)
	CountUnresolvedIssues(ctx context.Context, periodID string) (int, error)
}

// MemoryStore keeps reconciliation state in process for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	periods map[string]Period
	issues  map[string]Issue
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		periods: make(map[string]Period),
		issues:  make(map[string]Issue),
	}
}

func (s *MemoryStore) CreatePeriod(_ context.Context, period Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.periods[period.ID]; ok {
		return fmt.Errorf("period %s already exists", period.ID)
	}
	s.periods[period.ID] = period
	return nil
}

func (s *MemoryStore) GetPeriod(_ context.Context, periodID string) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	period, ok := s.periods[periodID]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return period, nil
}

func (s *MemoryStore) ListPeriods(_ context.Context, limit int) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	periods := make([]Period, 0, len(s.periods))
	for _, period := range s.periods {
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].CreatedAt.After(periods[j].CreatedAt) })
	if limit > 0 && len(periods) > limit {
		periods = periods[:limit]
	}
	return periods, nil
}

func (s *MemoryStore) UpdatePeriod(_ context.Context, period Period, from PeriodStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.periods[period.ID]
	if !ok {
		return ErrPeriodNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("%w: status is %s, expected %s", ErrInvalidPeriodState, stored.Status, from)
	}
	s.periods[period.ID] = period
	return nil
}

func (s *MemoryStore) CreateIssue(_ context.Context, issue Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[issue.ID]; ok {
		return fmt.Errorf("issue %s already exists", issue.ID)
	}
	s.issues[issue.ID] = issue
	return nil
}

func (s *MemoryStore) GetIssue(_ context.Context, issueID string) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return Issue{}, ErrIssueNotFound
	}
	return issue, nil
}

func (s *MemoryStore) ListIssues(_ context.Context, periodID string) ([]Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var issues []Issue
	for _, issue := range s.issues {
		if issue.PeriodID == periodID {
			issues = append(issues, issue)
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].CreatedAt.Before(issues[j].CreatedAt) })
	return issues, nil
}

func (s *MemoryStore) ResolveIssue(_ context.Context, issueID, resolution string, at time.Time) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return Issue{}, ErrIssueNotFound
	}
	if !issue.Resolved {
		issue.Resolved = true
		issue.Resolution = resolution
		issue.ResolvedAt = &at
		s.issues[issueID] = issue
	}
	return issue, nil
}

func (s *MemoryStore) CountUnresolvedIssues(_ context.Context, periodID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	for _, issue := range s.issues {
		if issue.PeriodID == periodID && !issue.Resolved {
			count++
		}
	}
	return count, nil
}
