package queue

import (
	"context"
	"sort"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
)

func (q *Queue) loadDeadLetters(ctx context.Context, orderID string) ([]models.QueuedAction, error) {
	var dead []models.QueuedAction
	if _, err := store.GetJSON(ctx, q.store, store.DeadLetterKey(orderID), &dead); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "load dead letters", err)
	}
	return dead, nil
}

func (q *Queue) writeDeadLetters(ctx context.Context, orderID string, dead []models.QueuedAction) error {
	var err error
	if len(dead) == 0 {
		err = q.store.Delete(ctx, store.DeadLetterKey(orderID))
	} else {
		err = store.SetJSON(ctx, q.store, store.DeadLetterKey(orderID), dead)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "flush dead letters", err)
	}
	return nil
}

// appendDeadLetter adds action to the order's dead-letter list. Callers hold q.mu.
func (q *Queue) appendDeadLetter(ctx context.Context, orderID string, action models.QueuedAction) error {
	dead, err := q.loadDeadLetters(ctx, orderID)
	if err != nil {
		return err
	}
	for _, d := range dead {
		if d.ID == action.ID {
			return nil
		}
	}
	return q.writeDeadLetters(ctx, orderID, append(dead, action))
}

// DeadLetters returns the actions of orderID that exhausted MaxAttempts.
func (q *Queue) DeadLetters(ctx context.Context, orderID string) ([]models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadDeadLetters(ctx, orderID)
}

// Requeue moves a dead-lettered action back into the pending queue at its
// original creation position. Its attempts counter is kept.
func (q *Queue) Requeue(ctx context.Context, orderID, actionID string) error {
	q.mu.Lock()

	dead, err := q.loadDeadLetters(ctx, orderID)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	pos := -1
	for i, d := range dead {
		if d.ID == actionID {
			pos = i
			break
		}
	}
	if pos < 0 {
		q.mu.Unlock()
		return apperrors.Newf(apperrors.ErrNotFound, "dead-lettered action %s not found", actionID)
	}
	revived := dead[pos]

	list, err := q.load(ctx, orderID)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	next := make([]*models.QueuedAction, 0, len(list)+1)
	already := false
	for _, a := range list {
		if a.ID == actionID {
			already = true
		}
		next = append(next, a)
	}
	if !already {
		next = append(next, &revived)
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].CreatedAt < next[j].CreatedAt
		})
	}

	// Queue first, then the dead-letter list: a crash in between leaves a
	// duplicate that the next Requeue or MarkFailed tolerates.
	if err := q.flush(ctx, orderID, next); err != nil {
		q.mu.Unlock()
		return err
	}
	q.orders[orderID] = next
	q.index[actionID] = orderID

	remaining := append(dead[:pos:pos], dead[pos+1:]...)
	if err := q.writeDeadLetters(ctx, orderID, remaining); err != nil {
		q.mu.Unlock()
		return err
	}
	pending := countPending(next)
	q.mu.Unlock()

	q.emit(Event{Type: EventRequeued, OrderID: orderID, Action: revived.Clone(), Pending: pending})
	return nil
}
