// Package store provides the persistent key-value store the action queue,
// the snapshot cache, and the session timer write through.
//
// Values are JSON documents. Keys are namespaced per order so independent
// orders never share a record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// KV is a durable string-keyed store. Set must not return until the value
// is durable.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const (
	queuePrefix      = "queue:"
	snapshotPrefix   = "snapshot:"
	timerPrefix      = "timer:"
	deadLetterPrefix = "deadletter:"
)

// QueueKey is the key of an order's pending action list.
func QueueKey(orderID string) string { return queuePrefix + orderID }

// SnapshotKey is the key of an order's cached snapshot.
func SnapshotKey(orderID string) string { return snapshotPrefix + orderID }

// TimerKey is the key of a labor session for one employee on one order.
func TimerKey(orderID, employeeID string) string {
	return timerPrefix + orderID + ":" + employeeID
}

// DeadLetterKey is the key of an order's dead-lettered actions.
func DeadLetterKey(orderID string) string { return deadLetterPrefix + orderID }

// QueuePrefix is the shared prefix of every queue key.
func QueuePrefix() string { return queuePrefix }

// SnapshotPrefix is the shared prefix of every snapshot key.
func SnapshotPrefix() string { return snapshotPrefix }

// TimerPrefix is the shared prefix of every timer key.
func TimerPrefix() string { return timerPrefix }

// OrderFromQueueKey extracts the order id from a queue key.
func OrderFromQueueKey(key string) (string, bool) {
	return trimKey(key, queuePrefix)
}

// OrderFromSnapshotKey extracts the order id from a snapshot key.
func OrderFromSnapshotKey(key string) (string, bool) {
	return trimKey(key, snapshotPrefix)
}

func trimKey(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	return id, id != ""
}

// GetJSON loads key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v interface{}) (bool, error) {
	data, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, kv KV, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, data)
}
