package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Verify/internal/domain"
)

type stubStore struct {
	mu        sync.Mutex
	sessions  []domain.VideoSession
	before    time.Time
	cancelled []domain.SessionID
	busy      map[domain.SessionID]bool
}

func (s *stubStore) ListStale(_ context.Context, before time.Time) ([]domain.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = before
	var out []domain.VideoSession
	for _, vs := range s.sessions {
		if vs.Status == domain.StatusScheduled && vs.ScheduledAt.Before(before) {
			out = append(out, vs)
		}
	}
	return out, nil
}

func (s *stubStore) ForceCancel(_ context.Context, id domain.SessionID) (*domain.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return nil, domain.ErrAttemptActive
	}
	s.cancelled = append(s.cancelled, id)
	return &domain.VideoSession{ID: id, Status: domain.StatusCancelled}, nil
}

func (s *stubStore) cancelledIDs() []domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionID(nil), s.cancelled...)
}

func TestSweepCancelsOnlyStaleSessions(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := &stubStore{
		sessions: []domain.VideoSession{
			{ID: "old", Status: domain.StatusScheduled, ScheduledAt: now.Add(-3 * time.Hour)},
			{ID: "recent", Status: domain.StatusScheduled, ScheduledAt: now.Add(-time.Hour)},
			{ID: "joining", Status: domain.StatusScheduled, ScheduledAt: now.Add(-5 * time.Hour)},
		},
		busy: map[domain.SessionID]bool{"joining": true},
	}
	s := New(store, store, "@every 1h", 2*time.Hour, WithClock(func() time.Time { return now }))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.SessionID{"old"}, store.cancelledIDs())
	assert.Equal(t, now.Add(-2*time.Hour), store.before)
}

type failingLister struct{}

func (failingLister) ListStale(context.Context, time.Time) ([]domain.VideoSession, error) {
	return nil, errors.New("database is locked")
}

func TestSweepListError(t *testing.T) {
	s := New(failingLister{}, &stubStore{}, "@every 1h", time.Hour)
	_, err := s.Sweep(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	c := cron.New(cron.WithLocation(time.UTC))
	s := New(&stubStore{}, &stubStore{}, "every now and then", time.Hour, WithCron(c))
	assert.Error(t, s.Start())
}

func TestStartRunsOnSchedule(t *testing.T) {
	store := &stubStore{
		sessions: []domain.VideoSession{
			{ID: "old", Status: domain.StatusScheduled, ScheduledAt: time.Now().Add(-time.Hour)},
		},
	}
	c := cron.New(cron.WithLocation(time.UTC))
	s := New(store, store, "@every 1s", time.Minute, WithCron(c))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return len(store.cancelledIDs()) > 0 }, 5*time.Second, 50*time.Millisecond)
}
