// Package snapshot keeps the last known projection of each order for
// offline rendering.
//
// The cache is a best-effort accelerator: remote reload failures are
// logged and discarded, and local optimistic updates make queued gestures
// visible before they sync.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
)

// Fetcher loads an order aggregate from the remote.
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
}

// PendingSource lists unsynced actions so a fresh remote copy can be
// overlaid with local gestures the server has not seen yet.
type PendingSource interface {
	PendingFor(ctx context.Context, orderID string) ([]models.QueuedAction, error)
}

// Observer receives a copy of every changed snapshot.
type Observer func(models.OrderSnapshot)

// Options tunes a Cache.
type Options struct {
	Pending PendingSource
	Now     func() time.Time
}

// Cache holds order snapshots in memory and in the persistent store.
type Cache struct {
	store   store.KV
	fetcher Fetcher
	pending PendingSource
	now     func() time.Time

	mu    sync.Mutex
	snaps map[string]*models.OrderSnapshot

	subMu     sync.RWMutex
	observers map[int]Observer
	nextSub   int
}

// New creates a Cache.
func New(kv store.KV, fetcher Fetcher, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:     kv,
		fetcher:   fetcher,
		pending:   opts.Pending,
		now:       opts.Now,
		snaps:     make(map[string]*models.OrderSnapshot),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn for snapshot changes and returns a function that
// removes it.
func (c *Cache) Subscribe(fn Observer) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.observers[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.observers, id)
		c.subMu.Unlock()
	}
}

func (c *Cache) notify(snap *models.OrderSnapshot) {
	c.subMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range observers {
		fn(*snap.Clone())
	}
}

// lookup returns the cached snapshot, reading the store on a miss.
// Callers hold c.mu.
func (c *Cache) lookup(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	if snap, ok := c.snaps[orderID]; ok {
		return snap, nil
	}
	var snap models.OrderSnapshot
	ok, err := store.GetJSON(ctx, c.store, store.SnapshotKey(orderID), &snap)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "load snapshot", err)
	}
	if !ok {
		return nil, nil
	}
	c.snaps[orderID] = &snap
	return &snap, nil
}

// Get returns a copy of the cached snapshot of orderID, or ErrNotFound if
// it was never loaded.
func (c *Cache) Get(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.lookup(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no snapshot for order %s", orderID)
	}
	return snap.Clone(), nil
}

// Reload fetches orderID from the remote. On failure the cached copy is
// returned unchanged; the error is only returned when nothing is cached.
func (c *Cache) Reload(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	snap, _, err := c.reload(ctx, orderID)
	return snap, err
}

// reload is Reload that also reports whether the remote answered.
func (c *Cache) reload(ctx context.Context, orderID string) (*models.OrderSnapshot, bool, error) {
	fresh, err := c.fetcher.FetchOrder(ctx, orderID)
	if err != nil {
		logging.Debug("Snapshot reload failed, keeping cached copy", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		cached, getErr := c.Get(ctx, orderID)
		if getErr != nil {
			return nil, false, err
		}
		return cached, false, nil
	}

	fresh = fresh.Clone()
	fresh.OrderID = orderID
	fresh.FetchedAt = c.now().UnixMilli()

	// Pending actions are read under c.mu: a gesture enqueued after this
	// read applies itself once the fresh copy is in place.
	c.mu.Lock()
	c.overlayPending(ctx, fresh)
	if err := store.SetJSON(ctx, c.store, store.SnapshotKey(orderID), fresh); err != nil {
		c.mu.Unlock()
		logging.Warn("Snapshot not persisted", map[string]interface{}{"order_id": orderID, "error": err.Error()})
		return fresh.Clone(), true, nil
	}
	c.snaps[orderID] = fresh
	out := fresh.Clone()
	c.mu.Unlock()

	c.notify(fresh)
	return out, true, nil
}

// overlayPending re-applies unsynced actions on a fresh remote copy.
func (c *Cache) overlayPending(ctx context.Context, fresh *models.OrderSnapshot) {
	if c.pending == nil {
		return
	}
	actions, err := c.pending.PendingFor(ctx, fresh.OrderID)
	if err != nil {
		logging.Warn("Could not overlay pending actions on snapshot", map[string]interface{}{
			"order_id": fresh.OrderID,
			"error":    err.Error(),
		})
	}
	for _, a := range actions {
		if _, err := fresh.Apply(a); err != nil {
			logging.Warn("Skipping undecodable pending action", map[string]interface{}{
				"order_id":  fresh.OrderID,
				"action_id": a.ID,
			})
		}
	}
}

// ApplyOptimistic reflects a just-enqueued action in the cached snapshot.
// Orders that were never loaded are left alone.
func (c *Cache) ApplyOptimistic(ctx context.Context, action models.QueuedAction) error {
	c.mu.Lock()
	snap, err := c.lookup(ctx, action.OrderID)
	if err != nil || snap == nil {
		c.mu.Unlock()
		return err
	}

	next := snap.Clone()
	changed, err := next.Apply(action)
	if err != nil {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInvalid, "apply action to snapshot", err)
	}
	if !changed {
		c.mu.Unlock()
		return nil
	}
	if err := store.SetJSON(ctx, c.store, store.SnapshotKey(action.OrderID), next); err != nil {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrPersistence, "persist snapshot", err)
	}
	c.snaps[action.OrderID] = next
	c.mu.Unlock()

	c.notify(next)
	return nil
}

// Orders returns the ids of every cached order.
func (c *Cache) Orders(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, store.SnapshotPrefix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "list snapshots", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := store.OrderFromSnapshotKey(k); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReloadAll reloads every cached order and returns how many were
// refreshed from the remote.
func (c *Cache) ReloadAll(ctx context.Context) int {
	ids, err := c.Orders(ctx)
	if err != nil {
		logging.Warn("Snapshot refresh skipped", map[string]interface{}{"error": err.Error()})
		return 0
	}
	refreshed := 0
	for _, id := range ids {
		if _, fetched, _ := c.reload(ctx, id); fetched {
			refreshed++
		}
	}
	return refreshed
}
