package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecosentinel/models"
)

func seedReport(t *testing.T, s *Store, id string, state models.ReportState) {
	t.Helper()
	err := s.CreateReport(context.Background(), &models.Report{
		ID:        id,
		UserID:    "0xabc",
		CreatedAt: time.Now(),
		State:     state,
	})
	require.NoError(t, err)
}

func TestAdvanceReportSingleWinner(t *testing.T) {
	s := New()
	seedReport(t, s, "r-1", models.StateSubmitted)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AdvanceReport(context.Background(), "r-1",
				models.StateSubmitted, models.StateFiltering, nil)
			if err == nil {
				wins <- struct{}{}
				return
			}
			assert.ErrorIs(t, err, models.ErrStaleState)
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one CAS transition must win")

	r, err := s.GetReport(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFiltering, r.State)
}

func TestConcurrentCreditsSum(t *testing.T) {
	s := New()
	require.NoError(t, s.EnsureAccount(context.Background(), "0xabc"))

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Credit(context.Background(), "0xabc", 10, string(rune('a'+n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	acc, _, err := s.GetAccount(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*10), acc.Balance)
	assert.Equal(t, int64(workers), acc.Version)
}

func TestCreditIdempotentPerReport(t *testing.T) {
	s := New()
	require.NoError(t, s.EnsureAccount(context.Background(), "0xabc"))

	balance, err := s.Credit(context.Background(), "0xabc", 50, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	// Replays of the same causing report are no-ops.
	for i := 0; i < 3; i++ {
		balance, err = s.Credit(context.Background(), "0xabc", 50, "r-1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)
	}

	balance, err = s.Credit(context.Background(), "0xabc", 20, "r-2")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestDebitInsufficientBalance(t *testing.T) {
	s := New()
	require.NoError(t, s.EnsureAccount(context.Background(), "0xabc"))

	_, err := s.Debit(context.Background(), "0xabc", 5, "redeem-1")
	assert.True(t, errors.Is(err, models.ErrInsufficientBalance))
}

func TestCreditUnknownAccount(t *testing.T) {
	s := New()
	_, err := s.Credit(context.Background(), "0xmissing", 50, "r-1")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestLeaderboardOrderingAndTies(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for _, id := range []string{"0xaaa", "0xbbb", "0xccc"} {
		require.NoError(t, s.EnsureAccount(context.Background(), id))
	}
	_, err := s.Credit(context.Background(), "0xbbb", 70, "r-1")
	require.NoError(t, err)
	// Tie between 0xaaa and 0xccc: 0xaaa was created earlier and ranks first.
	_, err = s.Credit(context.Background(), "0xaaa", 30, "r-2")
	require.NoError(t, err)
	_, err = s.Credit(context.Background(), "0xccc", 30, "r-3")
	require.NoError(t, err)

	entries, err := s.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "0xbbb", entries[0].UserID)
	assert.Equal(t, 1, entries[0].Place)
	assert.Equal(t, "0xaaa", entries[1].UserID)
	assert.Equal(t, "0xccc", entries[2].UserID)

	_, place, err := s.GetAccount(context.Background(), "0xccc")
	require.NoError(t, err)
	assert.Equal(t, 3, place)
}

func TestFailedReportsOldestFirst(t *testing.T) {
	s := New()
	base := time.Now()
	for i, id := range []string{"r-3", "r-1", "r-2"} {
		offset := map[string]int{"r-1": 0, "r-2": 1, "r-3": 2}[id]
		err := s.CreateReport(context.Background(), &models.Report{
			ID:        id,
			UserID:    "0xabc",
			CreatedAt: base.Add(time.Duration(offset) * time.Minute),
			State:     models.StateClassificationFailed,
		})
		require.NoError(t, err, "seed %d", i)
	}

	ids, err := s.FailedReports(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1", "r-2"}, ids)
}
