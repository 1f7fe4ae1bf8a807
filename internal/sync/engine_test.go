// Package sync tests for the drain engine.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/synctest"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type harness struct {
	kv      *failingKV
	queue   *queue.Queue
	backend *synctest.Backend
	reach   *synctest.Reachability
	engine  *Engine

	mu     stdsync.Mutex
	events []Event
}

// failingKV fails writes while broken is set.
type failingKV struct {
	*store.MemoryStore
	mu     stdsync.Mutex
	broken bool
}

func (f *failingKV) setBroken(v bool) {
	f.mu.Lock()
	f.broken = v
	f.mu.Unlock()
}

func (f *failingKV) isBroken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.isBroken() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *failingKV) Delete(ctx context.Context, key string) error {
	if f.isBroken() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Delete(ctx, key)
}

func newHarness(t *testing.T, reachable bool, opts Options) *harness {
	t.Helper()
	kv := &failingKV{MemoryStore: store.NewMemoryStore()}
	h := &harness{
		kv:      kv,
		queue:   queue.New(kv, queue.Options{NewID: uuid.Sequential("act")}),
		backend: synctest.NewBackend(),
		reach:   synctest.NewReachability(reachable),
	}
	h.engine = NewEngine(h.queue, h.backend, h.reach, opts)
	h.engine.SetEventHandler(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, orderID string, kind models.ActionKind, payload interface{}) *models.QueuedAction {
	t.Helper()
	a, err := h.queue.Enqueue(context.Background(), orderID, kind, payload)
	require.NoError(t, err)
	return a
}

func (h *harness) pending(t *testing.T, orderID string) []models.QueuedAction {
	t.Helper()
	p, err := h.queue.PendingFor(context.Background(), orderID)
	require.NoError(t, err)
	return p
}

func (h *harness) eventsOf(typ EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func statusArgs(calls []synctest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Args[0].(string))
	}
	return out
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrain_offlineThenOnline enqueues two status changes offline and
// replays them in order once the remote becomes reachable.
func TestDrain_offlineThenOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})

	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "in_progress"})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "completed"})
	assert.Empty(t, h.backend.Calls())

	h.reach.Set(true)
	result, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)

	calls := h.backend.CallsTo("SetOrderStatus")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"in_progress", "completed"}, statusArgs(calls))
	assert.Equal(t, "completed", h.backend.Status("o-1"))
	assert.Empty(t, h.pending(t, "o-1"))
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Passes)
	assert.Equal(t, StateIdle, h.engine.State("o-1"))
}

// TestDrain_failureIsolation rejects a photo and still syncs the checklist
// toggle queued after it.
func TestDrain_failureIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})
	h.backend.Fail = func(c synctest.Call) error {
		if c.Method == "UploadPhoto" {
			return apperrors.New(apperrors.ErrRemoteRejected, "payload too large")
		}
		return nil
	}

	photo := h.enqueue(t, "o-1", models.KindPhotoCapture, models.PhotoCapturePayload{FileName: "roof.jpg", Data: []byte("jpeg")})
	h.enqueue(t, "o-1", models.KindChecklistToggle, models.ChecklistTogglePayload{ItemID: "c1", Completed: true})

	result, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)

	pending := h.pending(t, "o-1")
	require.Len(t, pending, 1)
	assert.Equal(t, photo.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "payload too large")

	done, ok := h.backend.ChecklistItem("o-1", "c1")
	assert.True(t, ok)
	assert.True(t, done)
	assert.Empty(t, h.backend.CallsTo("RecordDocument"), "document is recorded only after upload succeeds")

	history := h.engine.ErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, photo.ID, history[0].ActionID)
	assert.Equal(t, string(apperrors.ErrRemoteRejected), history[0].Code)

	failed := h.eventsOf(EventActionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.KindPhotoCapture, failed[0].Kind)
}

func TestDrain_strictOrderAcrossKinds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})

	var want []string
	want = append(want, h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "in_progress"}).ID)
	want = append(want, h.enqueue(t, "o-1", models.KindChecklistToggle, models.ChecklistTogglePayload{ItemID: "c1", Completed: true}).ID)
	photo := h.enqueue(t, "o-1", models.KindPhotoCapture, models.PhotoCapturePayload{FileName: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}})
	want = append(want, StepKey(photo.ID, "upload"))
	want = append(want, h.enqueue(t, "o-1", models.KindTimeReport, models.TimeReportPayload{EmployeeID: "e1", Hours: 1.5}).ID)
	want = append(want, h.enqueue(t, "o-1", models.KindSignatureCapture, models.SignatureCapturePayload{Image: []byte{2}, SignedBy: "Ada", SignedAt: 1_700_000_000_000}).ID)

	_, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)

	var got []string
	for _, c := range h.backend.Calls() {
		if c.Method == "RecordDocument" {
			continue
		}
		got = append(got, c.Key)
	}
	assert.Equal(t, want, got)

	docs := h.backend.CallsTo("RecordDocument")
	require.Len(t, docs, 1)
	assert.Equal(t, "photo", docs[0].Args[0])
	assert.Equal(t, StepKey(photo.ID, "document"), docs[0].Key)
	assert.Equal(t, "image/jpeg", h.backend.CallsTo("UploadPhoto")[0].Args[2], "captured content type is forwarded")
	assert.Equal(t, h.backend.Documents("o-1")[0], docs[0].Args[1])

	sig := h.backend.CallsTo("SetOrderSignature")
	require.Len(t, sig, 1)
	assert.True(t, time.UnixMilli(1_700_000_000_000).Equal(sig[0].Args[2].(time.Time)))
	assert.Equal(t, 1.5, h.backend.Hours("o-1", "e1"))
}

func TestDrain_abortsWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})
	h.backend.BeforeCall = func(c synctest.Call) { h.reach.Set(false) }

	first := h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "a"})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "b"})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "c"})

	result, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Attempted)

	pending := h.pending(t, "o-1")
	require.Len(t, pending, 2)
	assert.NotEqual(t, first.ID, pending[0].ID)
	for _, a := range pending {
		assert.Zero(t, a.Attempts, "untouched actions keep zero attempts")
	}
}

func TestDrain_persistenceFailureStopsPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})

	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "a"})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "b"})
	h.kv.setBroken(true)

	result, err := h.engine.DrainNow(ctx, "o-1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Attempted)
	assert.Len(t, h.backend.CallsTo("SetOrderStatus"), 1)
	assert.Len(t, h.eventsOf(EventPersistenceFailed), 1)

	// The unacknowledged action is replayed with the same key once the
	// store recovers.
	h.kv.setBroken(false)
	_, err = h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)
	calls := h.backend.CallsTo("SetOrderStatus")
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].Key, calls[1].Key)
	assert.Empty(t, h.pending(t, "o-1"))
}

// TestDrainNow_callerCancellationDoesNotAbort cancels the caller's context
// while the first remote call is in flight. The drain still records the
// outcome and replays the rest of the queue.
func TestDrainNow_callerCancellationDoesNotAbort(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "a"})
	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.BeforeCall = func(synctest.Call) { cancel() }

	result, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Synced)
	assert.Empty(t, h.pending(t, "o-1"))
	assert.Empty(t, h.eventsOf(EventPersistenceFailed))
	assert.Equal(t, "b", h.backend.Status("o-1"))
}

func TestDrain_unknownKindIsInvalid(t *testing.T) {
	h := newHarness(t, true, Options{})
	err := h.engine.apply(context.Background(), models.QueuedAction{ID: "x", OrderID: "o-1", Kind: "teleport"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = h.engine.apply(context.Background(), models.QueuedAction{ID: "y", OrderID: "o-1", Kind: models.KindStatusChange, Payload: []byte("{")})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Empty(t, h.backend.Calls())
}

// =====================================================
// Re-entrancy Tests
// =====================================================

// TestRequestDrain_coalescesTriggers fires several triggers while a drain
// is blocked mid-call and checks that no second drain runs in parallel.
func TestRequestDrain_coalescesTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	h.backend.BeforeCall = func(c synctest.Call) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "in_progress"})

	require.True(t, h.engine.RequestDrain("o-1"))
	<-entered

	assert.Equal(t, StateDraining, h.engine.State("o-1"))
	assert.False(t, h.engine.RequestDrain("o-1"))
	assert.False(t, h.engine.RequestDrain("o-1"))

	_, err := h.engine.DrainNow(ctx, "o-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrDrainInProgress))

	late := h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "completed"})

	close(release)
	h.engine.Wait()

	assert.Equal(t, 1, h.backend.MaxConcurrent("o-1"))
	assert.Equal(t, []string{"in_progress", "completed"}, statusArgs(h.backend.CallsTo("SetOrderStatus")))
	assert.Equal(t, 1, h.backend.Deliveries(late.ID))
	assert.Empty(t, h.pending(t, "o-1"))
	assert.Equal(t, StateIdle, h.engine.State("o-1"))

	completed := h.eventsOf(EventDrainCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].Result.Passes, "absorbed triggers collapse into one follow-up pass")
}

func TestDrainAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{})

	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "a"})
	h.enqueue(t, "o-2", models.KindStatusChange, models.StatusChangePayload{Status: "b"})

	started, err := h.engine.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	h.engine.Wait()

	assert.Equal(t, "a", h.backend.Status("o-1"))
	assert.Equal(t, "b", h.backend.Status("o-2"))
	orders, _ := h.queue.Orders(ctx)
	assert.Empty(t, orders)
}

// =====================================================
// Property Tests
// =====================================================

// TestDrain_convergence replays random action sequences over a link that
// drops out between calls and checks the queue empties with the final
// remote state matching the last action of each kind.
func TestDrain_convergence(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round_%d", round), func(t *testing.T) {
			h := newHarness(t, true, Options{})
			h.backend.BeforeCall = func(c synctest.Call) {
				if rng.Intn(3) == 0 {
					h.reach.Set(false)
				}
			}

			var lastStatus string
			lastItem := make(map[string]bool)
			var order []string
			for i := 0; i < 12; i++ {
				var a *models.QueuedAction
				if rng.Intn(2) == 0 {
					lastStatus = fmt.Sprintf("s%d", i)
					a = h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: lastStatus})
				} else {
					item := fmt.Sprintf("c%d", rng.Intn(3))
					done := rng.Intn(2) == 0
					lastItem[item] = done
					a = h.enqueue(t, "o-1", models.KindChecklistToggle, models.ChecklistTogglePayload{ItemID: item, Completed: done})
				}
				order = append(order, a.ID)
			}

			for i := 0; i < 100 && len(h.pending(t, "o-1")) > 0; i++ {
				h.reach.Set(true)
				_, err := h.engine.DrainNow(ctx, "o-1")
				require.NoError(t, err)
			}

			assert.Empty(t, h.pending(t, "o-1"))
			if lastStatus != "" {
				assert.Equal(t, lastStatus, h.backend.Status("o-1"))
			}
			for item, want := range lastItem {
				got, _ := h.backend.ChecklistItem("o-1", item)
				assert.Equal(t, want, got, item)
			}
			for _, id := range order {
				assert.Equal(t, 1, h.backend.Deliveries(id), "each action is acknowledged once")
			}
		})
	}
}

func TestErrorHistory_bounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{ErrorHistory: 2})
	h.backend.Fail = func(c synctest.Call) error { return errors.New("boom") }

	h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "a"})
	second := h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "b"})
	third := h.enqueue(t, "o-1", models.KindStatusChange, models.StatusChangePayload{Status: "c"})

	_, err := h.engine.DrainNow(ctx, "o-1")
	require.NoError(t, err)

	history := h.engine.ErrorHistory()
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ActionID)
	assert.Equal(t, third.ID, history[1].ActionID)
	assert.Equal(t, string(apperrors.ErrInternal), history[0].Code)
}
