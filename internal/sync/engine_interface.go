// Package sync replays queued order mutations against the remote system of
// record.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Backend is the remote system of record. Every mutating call carries an
// idempotency key derived from the action id so a replay after a lost
// acknowledgment can be recognized by the server. An action that needs two
// requests sends a distinct key on each, see StepKey.
type Backend interface {
	// SetOrderStatus sets the order's status.
	SetOrderStatus(ctx context.Context, key, orderID, status string) error

	// SetChecklistItemCompleted flips one checklist entry.
	SetChecklistItemCompleted(ctx context.Context, key, orderID, itemID string, completed bool) error

	// UploadPhoto stores blob and returns its storage path. An empty
	// contentType lets the implementation detect it.
	UploadPhoto(ctx context.Context, key, orderID string, blob []byte, fileName, contentType string) (string, error)

	// RecordDocument attaches an uploaded file to the order.
	RecordDocument(ctx context.Context, key, orderID, docType, storagePath, fileName string) error

	// SetOrderSignature stores the customer signature.
	SetOrderSignature(ctx context.Context, key, orderID string, image []byte, signedBy string, signedAt time.Time) error

	// ReportLaborHours records hours worked by one employee.
	ReportLaborHours(ctx context.Context, key, orderID, employeeID string, hours float64) error

	// FetchOrder loads the full order aggregate.
	FetchOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
}

// StepKey is the idempotency key of one request of a multi-request action.
func StepKey(actionID, step string) string {
	return actionID + ":" + step
}

// ActionQueue is the subset of the action queue the engine drives.
type ActionQueue interface {
	PendingFor(ctx context.Context, orderID string) ([]models.QueuedAction, error)
	MarkSynced(ctx context.Context, actionID string) error
	MarkFailed(ctx context.Context, actionID string, cause error) error
	Orders(ctx context.Context) ([]string, error)
}

// Reachability reports whether the remote is currently reachable.
type Reachability interface {
	IsReachable() bool
}

// DrainState is the per-order engine state.
type DrainState string

const (
	StateIdle     DrainState = "idle"
	StateDraining DrainState = "draining"
)

// DrainResult summarizes one drain, including any follow-up passes.
type DrainResult struct {
	OrderID    string    `json:"order_id"`
	Passes     int       `json:"passes"`
	Attempted  int       `json:"attempted"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"` // stopped early because the remote became unreachable
	Err        error     `json:"-"`       // local persistence failure, if any
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the drain took.
func (r *DrainResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// EventType names an engine notification.
type EventType string

const (
	EventDrainStarted      EventType = "drain_started"
	EventActionSynced      EventType = "action_synced"
	EventActionFailed      EventType = "action_failed"
	EventDrainCompleted    EventType = "drain_completed"
	EventPersistenceFailed EventType = "persistence_failed"
)

// Event is emitted during drains.
type Event struct {
	Type      EventType         `json:"type"`
	OrderID   string            `json:"order_id"`
	ActionID  string            `json:"action_id,omitempty"`
	Kind      models.ActionKind `json:"kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    *DrainResult      `json:"result,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventHandler receives engine events. It must not block.
type EventHandler func(Event)

// ActionError is one entry of the engine's failure history.
type ActionError struct {
	OrderID  string            `json:"order_id"`
	ActionID string            `json:"action_id"`
	Kind     models.ActionKind `json:"kind"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	At       time.Time         `json:"at"`
}
