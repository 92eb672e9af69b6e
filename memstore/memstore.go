// Package memstore is an in-memory implementation of the report and account
// ledgers. It keeps the same transition and idempotency semantics as the MySQL
// implementation so the pipeline can be exercised end to end without a
// database, in tests and in local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ecosentinel/filter"
	"ecosentinel/models"
)

type account struct {
	balance   int64
	version   int64
	createdAt time.Time
}

// Store holds reports, accounts and ledger events behind one mutex. A single
// lock is enough here; contention tests care about semantics, not throughput.
type Store struct {
	mu       sync.Mutex
	reports  map[string]*models.Report
	accounts map[string]*account
	events   map[string]models.LedgerEvent
	now      func() time.Time
}

func New() *Store {
	return &Store{
		reports:  make(map[string]*models.Report),
		accounts: make(map[string]*account),
		events:   make(map[string]models.LedgerEvent),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateReport stores a copy of the report.
func (s *Store) CreateReport(ctx context.Context, r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

// AdvanceReport applies the compare-and-swap transition: the write happens
// only when the stored state matches expected, otherwise ErrStaleState.
func (s *Store) AdvanceReport(ctx context.Context, id string, expected, next models.ReportState, payload *models.AdvancePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return models.ErrReportNotFound
	}
	if r.State != expected {
		return models.ErrStaleState
	}
	r.State = next
	if payload != nil {
		if payload.Verdict != nil {
			v := *payload.Verdict
			r.Verdict = &v
		}
		if payload.Priority != "" {
			r.Priority = payload.Priority
		}
		if payload.AwardedCoins != nil {
			v := *payload.AwardedCoins
			r.AwardedCoins = &v
		}
		if payload.Reason != "" {
			r.Reason = payload.Reason
		}
	}
	return nil
}

// GetReport returns a copy of the report.
func (s *Store) GetReport(ctx context.Context, id string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, models.ErrReportNotFound
	}
	cp := *r
	if r.Verdict != nil {
		v := *r.Verdict
		cp.Verdict = &v
	}
	if r.AwardedCoins != nil {
		v := *r.AwardedCoins
		cp.AwardedCoins = &v
	}
	return &cp, nil
}

// RequestCancel flags the report for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return models.ErrReportNotFound
	}
	r.CancelRequested = true
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return false, models.ErrReportNotFound
	}
	return r.CancelRequested, nil
}

// FailedReports lists reports parked as classification_failed, oldest first.
func (s *Store) FailedReports(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parked []*models.Report
	for _, r := range s.reports {
		if r.State == models.StateClassificationFailed {
			parked = append(parked, r)
		}
	}
	sort.Slice(parked, func(i, j int) bool {
		return parked[i].CreatedAt.Before(parked[j].CreatedAt)
	})

	var ids []string
	for _, r := range parked {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// StaleReports lists reports sitting in a non-terminal intermediate state
// since before the cutoff, oldest first, for the resume sweep.
func (s *Store) StaleReports(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.Report
	for _, r := range s.reports {
		if r.CreatedAt.After(olderThan) {
			continue
		}
		switch r.State {
		case models.StateSubmitted, models.StateFiltering,
			models.StateFilteringPassed, models.StateClassifying:
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})

	var ids []string
	for _, r := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ListReports returns reports, newest first, optionally restricted to one
// state. Images are not included.
func (s *Store) ListReports(ctx context.Context, state models.ReportState, limit int) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Report
	for _, r := range s.reports {
		if state != "" && r.State != state {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	reports := []models.Report{}
	for _, r := range matched {
		if len(reports) == limit {
			break
		}
		cp := *r
		cp.Image = nil
		reports = append(reports, cp)
	}
	return reports, nil
}

// CountsByState returns how many reports sit in each lifecycle state.
func (s *Store) CountsByState(ctx context.Context) (map[models.ReportState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.ReportState]int)
	for _, r := range s.reports {
		counts[r.State]++
	}
	return counts, nil
}

// UnpaidValidated lists validated reports that never produced a ledger event.
func (s *Store) UnpaidValidated(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unpaid []*models.Report
	for _, r := range s.reports {
		if r.State != models.StateValidated || r.AwardedCoins == nil || *r.AwardedCoins <= 0 {
			continue
		}
		if _, paid := s.events[r.ID]; paid {
			continue
		}
		unpaid = append(unpaid, r)
	}
	sort.Slice(unpaid, func(i, j int) bool {
		return unpaid[i].CreatedAt.Before(unpaid[j].CreatedAt)
	})

	var ids []string
	for _, r := range unpaid {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// EnsureAccount creates the account on first contact. Idempotent.
func (s *Store) EnsureAccount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		s.accounts[userID] = &account{createdAt: s.now()}
	}
	return nil
}

// Credit adds amount to the balance exactly once per causing report.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, causingReportID string) (int64, error) {
	return s.mutate(accountID, amount, causingReportID)
}

// Debit subtracts amount, refusing to drive the balance negative.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, eventID string) (int64, error) {
	return s.mutate(accountID, -amount, eventID)
}

func (s *Store) mutate(accountID string, delta int64, eventID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return 0, models.ErrAccountNotFound
	}
	if _, applied := s.events[eventID]; applied {
		return acc.balance, nil
	}
	if acc.balance+delta < 0 {
		return 0, models.ErrInsufficientBalance
	}
	acc.balance += delta
	acc.version++
	s.events[eventID] = models.LedgerEvent{
		EventID:   eventID,
		AccountID: accountID,
		Delta:     delta,
		Balance:   acc.balance,
		CreatedAt: s.now(),
	}
	return acc.balance, nil
}

// GetAccount returns the account with its leaderboard place.
func (s *Store) GetAccount(ctx context.Context, userID string) (*models.Account, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, 0, models.ErrAccountNotFound
	}
	ahead := 0
	for _, other := range s.accounts {
		if other.balance > acc.balance ||
			(other.balance == acc.balance && other.createdAt.Before(acc.createdAt)) {
			ahead++
		}
	}
	return &models.Account{
		UserID:    userID,
		Balance:   acc.balance,
		Version:   acc.version,
		CreatedAt: acc.createdAt,
	}, ahead + 1, nil
}

// Leaderboard orders accounts by balance descending, ties broken by earliest
// account creation.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type row struct {
		userID string
		acc    *account
	}
	rows := make([]row, 0, len(s.accounts))
	for id, acc := range s.accounts {
		rows = append(rows, row{id, acc})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].acc.balance != rows[j].acc.balance {
			return rows[i].acc.balance > rows[j].acc.balance
		}
		return rows[i].acc.createdAt.Before(rows[j].acc.createdAt)
	})

	entries := []models.LeaderboardEntry{}
	for place, r := range rows {
		if len(entries) == limit {
			break
		}
		entries = append(entries, models.LeaderboardEntry{
			Place:   place + 1,
			UserID:  r.userID,
			Balance: r.acc.balance,
		})
	}
	return entries, nil
}

// CountAcceptedSince implements filter.History.
func (s *Store) CountAcceptedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cnt := 0
	for _, r := range s.reports {
		if r.UserID != userID || r.CreatedAt.Before(since) {
			continue
		}
		switch r.State {
		case models.StateSubmitted, models.StateFiltering, models.StateRejectedDuplicate:
		default:
			cnt++
		}
	}
	return cnt, nil
}

// RecentActiveNearby implements filter.History.
func (s *Store) RecentActiveNearby(ctx context.Context, userID string, since time.Time) ([]filter.ReportLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locs []filter.ReportLocation
	for _, r := range s.reports {
		if r.UserID != userID || r.CreatedAt.Before(since) {
			continue
		}
		if r.State != models.StateValidated && r.State != models.StateClassifying {
			continue
		}
		locs = append(locs, filter.ReportLocation{
			ReportID:  r.ID,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			CreatedAt: r.CreatedAt,
		})
	}
	return locs, nil
}

// ImageHashExists implements filter.History.
func (s *Store) ImageHashExists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if r.ImageHash == hash {
			return true, nil
		}
	}
	return false, nil
}
