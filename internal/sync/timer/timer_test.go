package timer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newSession(t *testing.T) (*Session, *queue.Queue, *fakeClock, store.KV) {
	t.Helper()
	kv := store.NewMemoryStore()
	clock := newFakeClock()
	q := queue.New(kv, queue.Options{NewID: uuid.Sequential("act"), Now: clock.Now})
	s, err := Open(context.Background(), kv, q, "o-1", "e-1", clock.Now)
	require.NoError(t, err)
	return s, q, clock, kv
}

func reportedHours(t *testing.T, a *models.QueuedAction) float64 {
	t.Helper()
	var p models.TimeReportPayload
	require.NoError(t, a.DecodePayload(&p))
	return p.Hours
}

// TestSession_pauseExcluded runs, pauses, runs again and checks only the
// active intervals are reported.
func TestSession_pauseExcluded(t *testing.T) {
	ctx := context.Background()
	s, q, clock, _ := newSession(t)

	require.NoError(t, s.Start(ctx))
	clock.Advance(90 * time.Minute)
	require.NoError(t, s.Pause(ctx))
	clock.Advance(45 * time.Minute)
	assert.Equal(t, 90*time.Minute, s.Elapsed())

	require.NoError(t, s.Resume(ctx))
	clock.Advance(30 * time.Minute)
	assert.Equal(t, 120*time.Minute, s.Elapsed())

	action, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.KindTimeReport, action.Kind)
	assert.Equal(t, 2.0, reportedHours(t, action))

	pending, err := q.PendingFor(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var p models.TimeReportPayload
	require.NoError(t, pending[0].DecodePayload(&p))
	assert.Equal(t, "e-1", p.EmployeeID)
}

func TestSession_stopTwiceIsInvalid(t *testing.T) {
	ctx := context.Background()
	s, q, clock, _ := newSession(t)

	require.NoError(t, s.Start(ctx))
	clock.Advance(time.Hour)
	_, err := s.Stop(ctx)
	require.NoError(t, err)

	_, err = s.Stop(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	n, _ := q.PendingCount(ctx, "o-1")
	assert.Equal(t, 1, n, "exactly one report")
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_invalidTransitions(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newSession(t)

	assert.True(t, apperrors.Is(s.Pause(ctx), apperrors.ErrInvalid))
	assert.True(t, apperrors.Is(s.Resume(ctx), apperrors.ErrInvalid))
	_, err := s.Stop(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	require.NoError(t, s.Start(ctx))
	assert.True(t, apperrors.Is(s.Start(ctx), apperrors.ErrInvalid))
	assert.True(t, apperrors.Is(s.Resume(ctx), apperrors.ErrInvalid))
}

func TestSession_stopWhilePaused(t *testing.T) {
	ctx := context.Background()
	s, _, clock, _ := newSession(t)

	require.NoError(t, s.Start(ctx))
	clock.Advance(20 * time.Minute)
	require.NoError(t, s.Pause(ctx))
	clock.Advance(3 * time.Hour)

	action, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.33, reportedHours(t, action))
}

func TestSession_survivesRestart(t *testing.T) {
	ctx := context.Background()
	s, q, clock, kv := newSession(t)

	require.NoError(t, s.Start(ctx))
	clock.Advance(40 * time.Minute)

	// The process dies; a new session reads the persisted state and keeps
	// counting wall-clock time.
	clock.Advance(20 * time.Minute)
	restored, err := Open(ctx, kv, q, "o-1", "e-1", clock.Now)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, restored.State())
	assert.Equal(t, time.Hour, restored.Elapsed())

	action, err := restored.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, reportedHours(t, action))
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueWithID(context.Context, string, string, models.ActionKind, interface{}) (*models.QueuedAction, error) {
	return nil, apperrors.Wrap(apperrors.ErrPersistence, "flush queue", errors.New("disk full"))
}

func TestSession_enqueueFailureKeepsRunning(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	clock := newFakeClock()
	s, err := Open(ctx, kv, failingEnqueuer{}, "o-1", "e-1", clock.Now)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	clock.Advance(time.Hour)
	_, err = s.Stop(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, StateRunning, s.State(), "the session can be stopped again once the queue recovers")
}

// stoppedWriteFails rejects writes of a stopped timer record.
type stoppedWriteFails struct {
	store.KV
}

func (k stoppedWriteFails) Set(ctx context.Context, key string, value []byte) error {
	if strings.Contains(string(value), `"state":"stopped"`) {
		return errors.New("disk full")
	}
	return k.KV.Set(ctx, key, value)
}

// TestSession_stopResumesAfterLostWrite queues the report, fails to record
// the stop, restarts and stops again: the same report is returned and only
// one is queued.
func TestSession_stopResumesAfterLostWrite(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	clock := newFakeClock()
	q := queue.New(kv, queue.Options{NewID: uuid.Sequential("act"), Now: clock.Now})

	s, err := Open(ctx, stoppedWriteFails{kv}, q, "o-1", "e-1", clock.Now)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	clock.Advance(90 * time.Minute)

	first, err := s.Stop(ctx)
	require.Error(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StateStopping, s.State())

	clock.Advance(time.Hour)
	restored, err := Open(ctx, kv, q, "o-1", "e-1", clock.Now)
	require.NoError(t, err)
	assert.Equal(t, StateStopping, restored.State())
	assert.Equal(t, 90*time.Minute, restored.Elapsed(), "elapsed is frozen once stopping")

	second, err := restored.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1.5, reportedHours(t, second))
	assert.Equal(t, StateStopped, restored.State())

	pending, err := q.PendingFor(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	_, err = restored.Stop(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestSession_retriedStopReusesReportID(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	clock := newFakeClock()
	s, err := Open(ctx, kv, failingEnqueuer{}, "o-1", "e-1", clock.Now)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	clock.Advance(time.Hour)

	_, err = s.Stop(ctx)
	require.Error(t, err)
	id := s.rec.ReportID
	require.NotEmpty(t, id)

	q := queue.New(kv, queue.Options{NewID: uuid.Sequential("act"), Now: clock.Now})
	s.enq = q
	action, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, action.ID)
}

func TestOpen_requiresIDs(t *testing.T) {
	_, err := Open(context.Background(), store.NewMemoryStore(), failingEnqueuer{}, "o-1", " ", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRoundHours(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want float64
	}{
		{0, 0},
		{time.Hour, 1},
		{90 * time.Minute, 1.5},
		{20 * time.Minute, 0.33},
		{40 * time.Minute, 0.67},
		{8*time.Hour + 7*time.Minute, 8.12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundHours(tt.d), tt.d.String())
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	clock := newFakeClock()
	q := queue.New(kv, queue.Options{NewID: uuid.Sequential("act"), Now: clock.Now})
	r := NewRegistry(kv, q, clock.Now)

	a, err := r.Session(ctx, "o-1", "e-1")
	require.NoError(t, err)
	again, err := r.Session(ctx, "o-1", "e-1")
	require.NoError(t, err)
	assert.Same(t, a, again)

	require.NoError(t, a.Start(ctx))
	b, _ := r.Session(ctx, "o-1", "e-2")
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Pause(ctx))
	c, _ := r.Session(ctx, "o-2", "e-1")
	require.NoError(t, c.Start(ctx))
	_, err = c.Stop(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	active, err := NewRegistry(kv, q, clock.Now).Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "e-1", active[0].EmployeeID)
	assert.Equal(t, StateRunning, active[0].State)
	assert.Equal(t, time.Minute, active[0].Elapsed)
	assert.Equal(t, StatePaused, active[1].State)
}
