// Package queue provides the per-order action queue for offline mutations.
//
// Every structural change (append, removal after sync, failure bookkeeping)
// is flushed to the persistent store before the call returns, so a crash
// right after a user gesture never loses or duplicates the action.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// EventType describes a queue change.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventSynced       EventType = "synced"
	EventFailed       EventType = "failed"
	EventDeadLettered EventType = "dead_lettered"
	EventRequeued     EventType = "requeued"
)

// Event is delivered to subscribers after the change is durable.
type Event struct {
	Type    EventType
	OrderID string
	Action  models.QueuedAction
	Pending int // unsynced actions left for the order
}

// Listener receives queue events. It runs on the caller's goroutine and
// must not block.
type Listener func(Event)

// Options tunes a Queue.
type Options struct {
	// MaxAttempts moves an action to the dead-letter list once its failed
	// attempts reach this value. Zero keeps retrying forever.
	MaxAttempts int

	// NewID generates action ids. Defaults to UUID v4.
	NewID uuid.Generator

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Queue holds pending actions partitioned by order id.
type Queue struct {
	store store.KV
	opts  Options

	mu     sync.Mutex
	orders map[string][]*models.QueuedAction // loaded queues, creation order
	index  map[string]string                 // action id -> order id

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// New creates a Queue persisting through kv.
func New(kv store.KV, opts Options) *Queue {
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:     kv,
		opts:      opts,
		orders:    make(map[string][]*models.QueuedAction),
		index:     make(map[string]string),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn for queue events and returns a function that
// removes it.
func (q *Queue) Subscribe(fn Listener) func() {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	id := q.nextSub
	q.nextSub++
	q.listeners[id] = fn
	return func() {
		q.subMu.Lock()
		delete(q.listeners, id)
		q.subMu.Unlock()
	}
}

func (q *Queue) emit(ev Event) {
	q.subMu.RLock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.subMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// load returns the queue for orderID, reading it from the store on first
// use. Callers hold q.mu.
func (q *Queue) load(ctx context.Context, orderID string) ([]*models.QueuedAction, error) {
	if list, ok := q.orders[orderID]; ok {
		return list, nil
	}

	var stored []*models.QueuedAction
	if _, err := store.GetJSON(ctx, q.store, store.QueueKey(orderID), &stored); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "load queue", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt < stored[j].CreatedAt
	})

	q.orders[orderID] = stored
	for _, a := range stored {
		q.index[a.ID] = orderID
	}
	return stored, nil
}

// flush writes list as the persisted queue of orderID. An empty list
// removes the key so Orders only reports orders with work left.
func (q *Queue) flush(ctx context.Context, orderID string, list []*models.QueuedAction) error {
	var err error
	if len(list) == 0 {
		err = q.store.Delete(ctx, store.QueueKey(orderID))
	} else {
		err = store.SetJSON(ctx, q.store, store.QueueKey(orderID), list)
	}
	if err != nil {
		logging.ErrorWithCode("Queue flush failed", string(apperrors.ErrPersistence), err,
			map[string]interface{}{"order_id": orderID, "size": len(list)})
		return apperrors.Wrap(apperrors.ErrPersistence, "flush queue", err)
	}
	return nil
}

func countPending(list []*models.QueuedAction) int {
	n := 0
	for _, a := range list {
		if !a.Synced {
			n++
		}
	}
	return n
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// Enqueue appends a new unsynced action for orderID and persists it before
// returning. It never performs network I/O; subscribers decide whether to
// start a drain.
func (q *Queue) Enqueue(ctx context.Context, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error) {
	return q.enqueue(ctx, "", orderID, kind, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen action id. If an action
// with that id is already queued or dead-lettered for orderID, it is
// returned unchanged and nothing is added.
func (q *Queue) EnqueueWithID(ctx context.Context, id, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "action id is required")
	}
	return q.enqueue(ctx, id, orderID, kind, payload)
}

func (q *Queue) enqueue(ctx context.Context, id, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "order id is required")
	}
	if !kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown action kind %q", kind)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	if err := models.ValidatePayload(kind, raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err)
	}

	q.mu.Lock()
	list, err := q.load(ctx, orderID)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if id != "" {
		existing, err := q.existing(ctx, orderID, list, id)
		if err != nil || existing != nil {
			q.mu.Unlock()
			return existing, err
		}
	} else {
		id = q.opts.NewID()
	}

	createdAt := q.opts.Now().UnixMilli()
	if n := len(list); n > 0 && createdAt <= list[n-1].CreatedAt {
		// Keep creation order strict even when the clock stalls or steps back.
		createdAt = list[n-1].CreatedAt + 1
	}

	action := &models.QueuedAction{
		ID:        id,
		OrderID:   orderID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: createdAt,
	}

	next := make([]*models.QueuedAction, len(list), len(list)+1)
	copy(next, list)
	next = append(next, action)

	if err := q.flush(ctx, orderID, next); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.orders[orderID] = next
	q.index[action.ID] = orderID
	pending := countPending(next)
	out := action.Clone()
	q.mu.Unlock()

	logging.Debug("Action enqueued", map[string]interface{}{
		"order_id":  orderID,
		"action_id": action.ID,
		"kind":      string(kind),
		"pending":   pending,
	})
	q.emit(Event{Type: EventEnqueued, OrderID: orderID, Action: out, Pending: pending})
	return &out, nil
}

// existing looks id up among the queued and dead-lettered actions of
// orderID. Callers hold q.mu.
func (q *Queue) existing(ctx context.Context, orderID string, list []*models.QueuedAction, id string) (*models.QueuedAction, error) {
	for _, a := range list {
		if a.ID == id {
			out := a.Clone()
			return &out, nil
		}
	}
	dead, err := q.loadDeadLetters(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, a := range dead {
		if a.ID == id {
			out := a.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

// PendingFor returns copies of the unsynced actions of orderID in creation
// order.
func (q *Queue) PendingFor(ctx context.Context, orderID string) ([]models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list, err := q.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pending := make([]models.QueuedAction, 0, len(list))
	for _, a := range list {
		if !a.Synced {
			pending = append(pending, a.Clone())
		}
	}
	return pending, nil
}

// PendingCount returns how many actions of orderID are still unsynced.
func (q *Queue) PendingCount(ctx context.Context, orderID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list, err := q.load(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return countPending(list), nil
}

// Get returns a copy of a queued action.
func (q *Queue) Get(ctx context.Context, actionID string) (*models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, pos, list, err := q.locate(ctx, actionID)
	if err != nil {
		return nil, err
	}
	out := list[pos].Clone()
	return &out, nil
}

// locate finds actionID among the loaded queues. Callers hold q.mu.
func (q *Queue) locate(ctx context.Context, actionID string) (string, int, []*models.QueuedAction, error) {
	orderID, ok := q.index[actionID]
	if !ok {
		return "", 0, nil, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", actionID)
	}
	list, err := q.load(ctx, orderID)
	if err != nil {
		return "", 0, nil, err
	}
	for i, a := range list {
		if a.ID == actionID {
			return orderID, i, list, nil
		}
	}
	return "", 0, nil, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", actionID)
}

// MarkSynced records a confirmed remote acknowledgment and removes the
// action from the persisted queue.
func (q *Queue) MarkSynced(ctx context.Context, actionID string) error {
	q.mu.Lock()
	orderID, pos, list, err := q.locate(ctx, actionID)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	done := list[pos].Clone()
	done.Synced = true

	next := make([]*models.QueuedAction, 0, len(list)-1)
	next = append(next, list[:pos]...)
	next = append(next, list[pos+1:]...)

	if err := q.flush(ctx, orderID, next); err != nil {
		q.mu.Unlock()
		return err
	}
	q.orders[orderID] = next
	delete(q.index, actionID)
	pending := countPending(next)
	q.mu.Unlock()

	q.emit(Event{Type: EventSynced, OrderID: orderID, Action: done, Pending: pending})
	return nil
}

// MarkFailed increments the action's attempts and records cause. The
// action stays queued unless MaxAttempts is reached, in which case it is
// moved to the order's dead-letter list.
func (q *Queue) MarkFailed(ctx context.Context, actionID string, cause error) error {
	q.mu.Lock()
	orderID, pos, list, err := q.locate(ctx, actionID)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	failed := list[pos].Clone()
	failed.Attempts++
	if cause != nil {
		failed.LastError = cause.Error()
	}

	deadLetter := q.opts.MaxAttempts > 0 && failed.Attempts >= q.opts.MaxAttempts

	next := make([]*models.QueuedAction, 0, len(list))
	next = append(next, list[:pos]...)
	if !deadLetter {
		next = append(next, &failed)
	}
	next = append(next, list[pos+1:]...)

	if deadLetter {
		// Written before the queue so a crash in between leaves a duplicate,
		// never a loss. Requeue drops ids already queued.
		if err := q.appendDeadLetter(ctx, orderID, failed); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	if err := q.flush(ctx, orderID, next); err != nil {
		q.mu.Unlock()
		return err
	}
	q.orders[orderID] = next
	if deadLetter {
		delete(q.index, actionID)
	}
	pending := countPending(next)
	q.mu.Unlock()

	evType := EventFailed
	if deadLetter {
		evType = EventDeadLettered
		logging.Warn("Action dead-lettered", map[string]interface{}{
			"order_id":  orderID,
			"action_id": actionID,
			"attempts":  failed.Attempts,
		})
	}
	q.emit(Event{Type: evType, OrderID: orderID, Action: failed, Pending: pending})
	return nil
}

// Orders returns the ids of orders whose persisted queue is non-empty.
func (q *Queue) Orders(ctx context.Context) ([]string, error) {
	keys, err := q.store.Keys(ctx, store.QueuePrefix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "list queues", err)
	}
	orders := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := store.OrderFromQueueKey(k); ok {
			orders = append(orders, id)
		}
	}
	return orders, nil
}
