// Package services tests for the gesture API.
package services

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/snapshot"
	"github.com/kimhsiao/fieldsync/internal/sync/synctest"
	"github.com/kimhsiao/fieldsync/internal/sync/timer"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

type fixture struct {
	kv      *store.MemoryStore
	queue   *queue.Queue
	backend *synctest.Backend
	cache   *snapshot.Cache
	clock   *fakeClock
	svc     *OrderService
}

func sampleOrder(id string) *models.OrderSnapshot {
	return &models.OrderSnapshot{
		OrderID: id,
		Header:  models.OrderHeader{Number: "SO-" + id, Status: "scheduled"},
		Checklist: []models.ChecklistEntry{
			{ID: "c1", Label: "Shut off water"},
			{ID: "c2", Label: "Replace valve"},
		},
	}
}

func newFixture(t *testing.T, syncer Syncer) *fixture {
	t.Helper()
	f := &fixture{
		kv:      store.NewMemoryStore(),
		backend: synctest.NewBackend(),
		clock:   &fakeClock{t: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)},
	}
	f.queue = queue.New(f.kv, queue.Options{NewID: uuid.Sequential("act"), Now: f.clock.Now})
	f.cache = snapshot.New(f.kv, f.backend, snapshot.Options{Pending: f.queue, Now: f.clock.Now})
	f.svc = NewOrderService(OrderServiceConfig{
		Queue:     f.queue,
		Snapshots: f.cache,
		Timers:    timer.NewRegistry(f.kv, f.queue, f.clock.Now),
		Syncer:    syncer,
		Now:       f.clock.Now,
	})

	f.backend.PutOrder(sampleOrder("o1"))
	if _, err := f.cache.Reload(context.Background(), "o1"); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	return f
}

// =====================================================
// Gesture Tests
// =====================================================

// TestChangeStatus verifies the action is queued and the snapshot updated.
func TestChangeStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	action, err := f.svc.ChangeStatus(ctx, "o1", " in_progress ")
	if err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	if action.Kind != models.KindStatusChange {
		t.Errorf("Kind = %s, want %s", action.Kind, models.KindStatusChange)
	}

	n, err := f.svc.PendingCount(ctx, "o1")
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}

	snap, err := f.svc.Snapshot(ctx, "o1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Header.Status != "in_progress" {
		t.Errorf("Status = %q, want in_progress", snap.Header.Status)
	}
}

// TestChangeStatus_invalid verifies nothing is queued for bad input.
func TestChangeStatus_invalid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.ChangeStatus(ctx, "", "done"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("empty order id: error = %v, want ErrInvalid", err)
	}
	if _, err := f.svc.ChangeStatus(ctx, "o1", "  "); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("empty status: error = %v, want ErrInvalid", err)
	}
	if n, _ := f.svc.PendingCount(ctx, "o1"); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

// TestToggleChecklistItem verifies the checklist entry flips locally.
func TestToggleChecklistItem(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.ToggleChecklistItem(ctx, "o1", "c2", true); err != nil {
		t.Fatalf("ToggleChecklistItem() error = %v", err)
	}

	snap, err := f.svc.Snapshot(ctx, "o1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.Checklist[1].Completed {
		t.Error("c2 should be completed")
	}
	if snap.Checklist[0].Completed {
		t.Error("c1 should be untouched")
	}
}

// TestCapturePhoto verifies the content type is sniffed and a pending
// photo shows up.
func TestCapturePhoto(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	action, err := f.svc.CapturePhoto(ctx, "o1", "meter.png", png)
	if err != nil {
		t.Fatalf("CapturePhoto() error = %v", err)
	}

	var p models.PhotoCapturePayload
	if err := action.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", p.ContentType)
	}

	snap, _ := f.svc.Snapshot(ctx, "o1")
	if len(snap.Photos) != 1 || !snap.Photos[0].Pending || snap.Photos[0].ActionID != action.ID {
		t.Errorf("Photos = %+v, want one pending photo for %s", snap.Photos, action.ID)
	}
}

// TestCapturePhoto_empty verifies empty photos are rejected.
func TestCapturePhoto_empty(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.CapturePhoto(context.Background(), "o1", "x.jpg", nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
}

// TestCaptureSignature verifies the signature is stamped with the clock.
func TestCaptureSignature(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.CaptureSignature(ctx, "o1", []byte{1, 2, 3}, "Dana Customer"); err != nil {
		t.Fatalf("CaptureSignature() error = %v", err)
	}

	snap, _ := f.svc.Snapshot(ctx, "o1")
	if snap.Signature == nil {
		t.Fatal("Signature should be set")
	}
	if snap.Signature.SignedBy != "Dana Customer" {
		t.Errorf("SignedBy = %q", snap.Signature.SignedBy)
	}
	if snap.Signature.SignedAt != f.clock.Now().UnixMilli() {
		t.Errorf("SignedAt = %d, want %d", snap.Signature.SignedAt, f.clock.Now().UnixMilli())
	}
}

// TestTimerLifecycle verifies start, pause, resume and stop produce one
// time report with the active hours.
func TestTimerLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.StartTimer(ctx, "o1", "e1"); err != nil {
		t.Fatalf("StartTimer() error = %v", err)
	}
	f.clock.Advance(45 * time.Minute)
	if err := f.svc.PauseTimer(ctx, "o1", "e1"); err != nil {
		t.Fatalf("PauseTimer() error = %v", err)
	}
	f.clock.Advance(time.Hour)
	if err := f.svc.ResumeTimer(ctx, "o1", "e1"); err != nil {
		t.Fatalf("ResumeTimer() error = %v", err)
	}
	f.clock.Advance(45 * time.Minute)

	st, err := f.svc.TimerStatus(ctx, "o1", "e1")
	if err != nil {
		t.Fatalf("TimerStatus() error = %v", err)
	}
	if st.State != timer.StateRunning || st.Elapsed != 90*time.Minute {
		t.Errorf("TimerStatus() = %+v, want running for 90m", st)
	}

	active, err := f.svc.ActiveTimers(ctx)
	if err != nil {
		t.Fatalf("ActiveTimers() error = %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ActiveTimers() = %d sessions, want 1", len(active))
	}

	action, err := f.svc.StopTimer(ctx, "o1", "e1")
	if err != nil {
		t.Fatalf("StopTimer() error = %v", err)
	}
	var p models.TimeReportPayload
	if err := action.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Hours != 1.5 || p.EmployeeID != "e1" {
		t.Errorf("payload = %+v, want 1.5 hours for e1", p)
	}

	if _, err := f.svc.StopTimer(ctx, "o1", "e1"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("second StopTimer() error = %v, want ErrInvalid", err)
	}
}

// TestTimer_notConfigured verifies timers fail cleanly without a registry.
func TestTimer_notConfigured(t *testing.T) {
	svc := NewOrderService(OrderServiceConfig{Queue: queue.New(store.NewMemoryStore(), queue.Options{})})
	if err := svc.StartTimer(context.Background(), "o1", "e1"); !apperrors.Is(err, apperrors.ErrConfig) {
		t.Errorf("error = %v, want ErrConfig", err)
	}
}

// TestSnapshot_loadsOnMiss verifies an unknown order is fetched once.
func TestSnapshot_loadsOnMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.PutOrder(sampleOrder("o2"))

	snap, err := f.svc.Snapshot(context.Background(), "o2")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Header.Number != "SO-o2" {
		t.Errorf("Number = %q, want SO-o2", snap.Header.Number)
	}
}

// TestSnapshot_unknownOrder verifies the fetch error surfaces when nothing
// is cached.
func TestSnapshot_unknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Snapshot(context.Background(), "missing"); err == nil {
		t.Error("Snapshot() should fail for an order that was never loaded")
	}
}

// TestGesture_uncachedOrderStillQueues verifies the queue does not depend
// on a snapshot being present.
func TestGesture_uncachedOrderStillQueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.ChangeStatus(ctx, "o9", "done"); err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	pending, err := f.svc.Pending(ctx, "o9")
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Pending() = %d actions, want 1", len(pending))
	}
}

type recordingSyncer struct {
	orders []string
}

func (r *recordingSyncer) SyncNow(ctx context.Context, orderID string) (*syncpkg.DrainResult, error) {
	r.orders = append(r.orders, orderID)
	return &syncpkg.DrainResult{OrderID: orderID}, nil
}

// TestSyncNow verifies delegation and the missing-syncer error.
func TestSyncNow(t *testing.T) {
	rec := &recordingSyncer{}
	f := newFixture(t, rec)

	if _, err := f.svc.SyncNow(context.Background(), "o1"); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if len(rec.orders) != 1 || rec.orders[0] != "o1" {
		t.Errorf("synced orders = %v, want [o1]", rec.orders)
	}

	bare := newFixture(t, nil)
	if _, err := bare.svc.SyncNow(context.Background(), "o1"); !apperrors.Is(err, apperrors.ErrOffline) {
		t.Errorf("error = %v, want ErrOffline", err)
	}
}

// TestRequeue revives a dead-lettered toggle and shows it in the snapshot
// again after a reload dropped it.
func TestRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.queue = queue.New(f.kv, queue.Options{MaxAttempts: 1, NewID: uuid.Sequential("dl"), Now: f.clock.Now})
	f.cache = snapshot.New(f.kv, f.backend, snapshot.Options{Pending: f.queue, Now: f.clock.Now})
	f.svc = NewOrderService(OrderServiceConfig{Queue: f.queue, Snapshots: f.cache, Now: f.clock.Now})

	action, err := f.svc.ToggleChecklistItem(ctx, "o1", "c1", true)
	if err != nil {
		t.Fatalf("ToggleChecklistItem() error = %v", err)
	}
	if err := f.queue.MarkFailed(ctx, action.ID, apperrors.New(apperrors.ErrRemoteRejected, "no such item")); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	snap, err := f.cache.Reload(ctx, "o1")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if snap.Checklist[0].Completed {
		t.Fatal("a dead-lettered toggle should not be overlaid")
	}

	dead, err := f.svc.DeadLetters(ctx, "o1")
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetters() = %v, %v; want one action", dead, err)
	}

	revived, err := f.svc.Requeue(ctx, "o1", action.ID)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if revived.ID != action.ID {
		t.Errorf("revived id = %s, want %s", revived.ID, action.ID)
	}
	if n, _ := f.svc.PendingCount(ctx, "o1"); n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}
	snap, _ = f.svc.Snapshot(ctx, "o1")
	if !snap.Checklist[0].Completed {
		t.Error("requeued toggle should be visible in the snapshot")
	}

	if _, err := f.svc.Requeue(ctx, "o1", action.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Requeue() error = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Requeue(ctx, "o1", " "); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Requeue(blank) error = %v, want ErrInvalid", err)
	}
}
