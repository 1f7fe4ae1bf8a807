// Package services provides the gesture API shared by the HTTP layer, the
// CLI, and the mobile bridge.
//
// Every gesture is recorded in the action queue first and only then
// reflected in the cached snapshot, so a crash between the two steps loses
// nothing: the next snapshot reload overlays the still-pending action.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/timer"
)

// ActionQueue is the part of the queue the service records gestures in.
type ActionQueue interface {
	Enqueue(ctx context.Context, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error)
	PendingFor(ctx context.Context, orderID string) ([]models.QueuedAction, error)
	PendingCount(ctx context.Context, orderID string) (int, error)
	DeadLetters(ctx context.Context, orderID string) ([]models.QueuedAction, error)
	Requeue(ctx context.Context, orderID, actionID string) error
}

// SnapshotStore is the part of the snapshot cache the service reads and
// updates optimistically.
type SnapshotStore interface {
	Get(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
	Reload(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
	ApplyOptimistic(ctx context.Context, action models.QueuedAction) error
}

// Syncer drains an order on demand.
type Syncer interface {
	SyncNow(ctx context.Context, orderID string) (*syncpkg.DrainResult, error)
}

// OrderService records technician gestures against service orders.
type OrderService struct {
	queue     ActionQueue
	snapshots SnapshotStore
	timers    *timer.Registry
	syncer    Syncer
	now       func() time.Time
}

// OrderServiceConfig wires an OrderService.
type OrderServiceConfig struct {
	Queue     ActionQueue
	Snapshots SnapshotStore
	Timers    *timer.Registry
	Syncer    Syncer // optional; SyncNow fails with ErrOffline without one
	Now       func() time.Time
}

// NewOrderService creates an OrderService.
func NewOrderService(cfg OrderServiceConfig) *OrderService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OrderService{
		queue:     cfg.Queue,
		snapshots: cfg.Snapshots,
		timers:    cfg.Timers,
		syncer:    cfg.Syncer,
		now:       cfg.Now,
	}
}

func requireID(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", apperrors.Newf(apperrors.ErrInvalid, "%s is required", name)
	}
	return v, nil
}

// record enqueues the gesture and then reflects it in the snapshot. A
// failed optimistic update is logged, not returned: the action is already
// durable.
func (s *OrderService) record(ctx context.Context, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	action, err := s.queue.Enqueue(ctx, orderID, kind, payload)
	if err != nil {
		return nil, err
	}
	s.reflect(ctx, *action)
	return action, nil
}

func (s *OrderService) reflect(ctx context.Context, action models.QueuedAction) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.ApplyOptimistic(ctx, action); err != nil {
		logging.Warn("Optimistic snapshot update failed", map[string]interface{}{
			"order_id":  action.OrderID,
			"action_id": action.ID,
			"kind":      string(action.Kind),
			"error":     err.Error(),
		})
	}
}

// ChangeStatus records a status change.
func (s *OrderService) ChangeStatus(ctx context.Context, orderID, status string) (*models.QueuedAction, error) {
	return s.record(ctx, orderID, models.KindStatusChange, models.StatusChangePayload{Status: strings.TrimSpace(status)})
}

// ToggleChecklistItem records a checklist entry being completed or reopened.
func (s *OrderService) ToggleChecklistItem(ctx context.Context, orderID, itemID string, completed bool) (*models.QueuedAction, error) {
	return s.record(ctx, orderID, models.KindChecklistToggle, models.ChecklistTogglePayload{
		ItemID:    strings.TrimSpace(itemID),
		Completed: completed,
	})
}

// CapturePhoto records a photo. The content type is sniffed from the data.
func (s *OrderService) CapturePhoto(ctx context.Context, orderID, fileName string, data []byte) (*models.QueuedAction, error) {
	payload := models.PhotoCapturePayload{
		FileName: strings.TrimSpace(fileName),
		Data:     data,
	}
	if len(data) > 0 {
		payload.ContentType = mimetype.Detect(data).String()
	}
	return s.record(ctx, orderID, models.KindPhotoCapture, payload)
}

// CaptureSignature records the customer signature, stamped with the
// current time.
func (s *OrderService) CaptureSignature(ctx context.Context, orderID string, image []byte, signedBy string) (*models.QueuedAction, error) {
	return s.record(ctx, orderID, models.KindSignatureCapture, models.SignatureCapturePayload{
		Image:    image,
		SignedBy: strings.TrimSpace(signedBy),
		SignedAt: s.now().UnixMilli(),
	})
}

func (s *OrderService) session(ctx context.Context, orderID, employeeID string) (*timer.Session, error) {
	if s.timers == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "labor timers are not configured")
	}
	return s.timers.Session(ctx, orderID, employeeID)
}

// StartTimer starts employeeID's labor session on orderID.
func (s *OrderService) StartTimer(ctx context.Context, orderID, employeeID string) error {
	sess, err := s.session(ctx, orderID, employeeID)
	if err != nil {
		return err
	}
	return sess.Start(ctx)
}

// PauseTimer pauses the labor session.
func (s *OrderService) PauseTimer(ctx context.Context, orderID, employeeID string) error {
	sess, err := s.session(ctx, orderID, employeeID)
	if err != nil {
		return err
	}
	return sess.Pause(ctx)
}

// ResumeTimer resumes a paused labor session.
func (s *OrderService) ResumeTimer(ctx context.Context, orderID, employeeID string) error {
	sess, err := s.session(ctx, orderID, employeeID)
	if err != nil {
		return err
	}
	return sess.Resume(ctx)
}

// StopTimer stops the labor session and returns the queued time report.
func (s *OrderService) StopTimer(ctx context.Context, orderID, employeeID string) (*models.QueuedAction, error) {
	sess, err := s.session(ctx, orderID, employeeID)
	if err != nil {
		return nil, err
	}
	action, err := sess.Stop(ctx)
	if action != nil {
		s.reflect(ctx, *action)
	}
	return action, err
}

// TimerStatus returns the state of employeeID's session on orderID.
func (s *OrderService) TimerStatus(ctx context.Context, orderID, employeeID string) (timer.Status, error) {
	sess, err := s.session(ctx, orderID, employeeID)
	if err != nil {
		return timer.Status{}, err
	}
	return timer.Status{
		OrderID:    sess.OrderID(),
		EmployeeID: sess.EmployeeID(),
		State:      sess.State(),
		Elapsed:    sess.Elapsed(),
	}, nil
}

// ActiveTimers lists running and paused sessions.
func (s *OrderService) ActiveTimers(ctx context.Context) ([]timer.Status, error) {
	if s.timers == nil {
		return nil, nil
	}
	return s.timers.Active(ctx)
}

// Snapshot returns the cached snapshot of orderID. An order that was never
// loaded is fetched once; offline that yields ErrNotFound or the fetch
// error.
func (s *OrderService) Snapshot(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	if s.snapshots == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "snapshot cache is not configured")
	}
	snap, err := s.snapshots.Get(ctx, orderID)
	if err == nil || !apperrors.Is(err, apperrors.ErrNotFound) {
		return snap, err
	}
	return s.snapshots.Reload(ctx, orderID)
}

// Pending lists the unsynced actions of orderID in creation order.
func (s *OrderService) Pending(ctx context.Context, orderID string) ([]models.QueuedAction, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	return s.queue.PendingFor(ctx, orderID)
}

// PendingCount returns how many actions of orderID are waiting to sync.
func (s *OrderService) PendingCount(ctx context.Context, orderID string) (int, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return 0, err
	}
	return s.queue.PendingCount(ctx, orderID)
}

// DeadLetters lists the actions of orderID that exhausted their retries.
func (s *OrderService) DeadLetters(ctx context.Context, orderID string) ([]models.QueuedAction, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	return s.queue.DeadLetters(ctx, orderID)
}

// Requeue puts a dead-lettered action back in line and reflects it in the
// snapshot again, since reloads dropped it while it was parked.
func (s *OrderService) Requeue(ctx context.Context, orderID, actionID string) (*models.QueuedAction, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	if actionID, err = requireID("action id", actionID); err != nil {
		return nil, err
	}
	dead, err := s.queue.DeadLetters(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var revived *models.QueuedAction
	for i := range dead {
		if dead[i].ID == actionID {
			revived = &dead[i]
			break
		}
	}
	if revived == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "dead-lettered action %s not found", actionID)
	}
	if err := s.queue.Requeue(ctx, orderID, actionID); err != nil {
		return nil, err
	}
	s.reflect(ctx, *revived)
	return revived, nil
}

// SyncNow drains orderID and waits for the result.
func (s *OrderService) SyncNow(ctx context.Context, orderID string) (*syncpkg.DrainResult, error) {
	orderID, err := requireID("order id", orderID)
	if err != nil {
		return nil, err
	}
	if s.syncer == nil {
		return nil, apperrors.New(apperrors.ErrOffline, "no remote configured")
	}
	return s.syncer.SyncNow(ctx, orderID)
}
