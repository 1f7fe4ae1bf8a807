// Package synctest provides an in-memory remote backend for tests of the
// sync engine and the layers built on top of it.
package synctest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Call is one recorded backend invocation.
type Call struct {
	Method  string
	Key     string
	OrderID string
	Args    []interface{}
}

// Backend records calls and keeps the resulting remote state. It is safe
// for concurrent use.
type Backend struct {
	// Fail, when set, is consulted before every call. A non-nil result is
	// returned instead of applying the call.
	Fail func(c Call) error

	// BeforeCall, when set, runs before each call is recorded. Tests use it
	// to hold a drain mid-pass.
	BeforeCall func(c Call)

	mu          sync.Mutex
	calls       []Call
	inflight    map[string]int
	maxInflight map[string]int
	status      map[string]string
	checklist   map[string]map[string]bool
	documents   map[string][]string
	signatures  map[string]string
	hours       map[string]map[string]float64
	orders      map[string]*models.OrderSnapshot
	seen        map[string]int
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		status:      make(map[string]string),
		checklist:   make(map[string]map[string]bool),
		documents:   make(map[string][]string),
		signatures:  make(map[string]string),
		hours:       make(map[string]map[string]float64),
		orders:      make(map[string]*models.OrderSnapshot),
		seen:        make(map[string]int),
	}
}

// PutOrder sets the aggregate FetchOrder returns for snap.OrderID.
func (b *Backend) PutOrder(snap *models.OrderSnapshot) {
	c := snap.Clone()
	b.mu.Lock()
	b.orders[snap.OrderID] = c
	b.mu.Unlock()
}

func (b *Backend) enter(c Call) error {
	b.mu.Lock()
	b.inflight[c.OrderID]++
	if b.inflight[c.OrderID] > b.maxInflight[c.OrderID] {
		b.maxInflight[c.OrderID] = b.inflight[c.OrderID]
	}
	b.mu.Unlock()

	if b.BeforeCall != nil {
		b.BeforeCall(c)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
	if b.Fail != nil {
		if err := b.Fail(c); err != nil {
			return err
		}
	}
	if c.Key != "" {
		b.seen[c.Key]++
	}
	return nil
}

func (b *Backend) leave(orderID string) {
	b.mu.Lock()
	b.inflight[orderID]--
	b.mu.Unlock()
}

// SetOrderStatus implements sync.Backend.
func (b *Backend) SetOrderStatus(ctx context.Context, key, orderID, status string) error {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "SetOrderStatus", Key: key, OrderID: orderID, Args: []interface{}{status}}); err != nil {
		return err
	}
	b.mu.Lock()
	b.status[orderID] = status
	b.mu.Unlock()
	return nil
}

// SetChecklistItemCompleted implements sync.Backend.
func (b *Backend) SetChecklistItemCompleted(ctx context.Context, key, orderID, itemID string, completed bool) error {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "SetChecklistItemCompleted", Key: key, OrderID: orderID, Args: []interface{}{itemID, completed}}); err != nil {
		return err
	}
	b.mu.Lock()
	if b.checklist[orderID] == nil {
		b.checklist[orderID] = make(map[string]bool)
	}
	b.checklist[orderID][itemID] = completed
	b.mu.Unlock()
	return nil
}

// UploadPhoto implements sync.Backend.
func (b *Backend) UploadPhoto(ctx context.Context, key, orderID string, blob []byte, fileName, contentType string) (string, error) {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "UploadPhoto", Key: key, OrderID: orderID, Args: []interface{}{len(blob), fileName, contentType}}); err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/photos/%s-%s", orderID, key, fileName), nil
}

// RecordDocument implements sync.Backend.
func (b *Backend) RecordDocument(ctx context.Context, key, orderID, docType, storagePath, fileName string) error {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "RecordDocument", Key: key, OrderID: orderID, Args: []interface{}{docType, storagePath, fileName}}); err != nil {
		return err
	}
	b.mu.Lock()
	b.documents[orderID] = append(b.documents[orderID], storagePath)
	b.mu.Unlock()
	return nil
}

// SetOrderSignature implements sync.Backend.
func (b *Backend) SetOrderSignature(ctx context.Context, key, orderID string, image []byte, signedBy string, signedAt time.Time) error {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "SetOrderSignature", Key: key, OrderID: orderID, Args: []interface{}{len(image), signedBy, signedAt}}); err != nil {
		return err
	}
	b.mu.Lock()
	b.signatures[orderID] = signedBy
	b.mu.Unlock()
	return nil
}

// ReportLaborHours implements sync.Backend.
func (b *Backend) ReportLaborHours(ctx context.Context, key, orderID, employeeID string, hours float64) error {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "ReportLaborHours", Key: key, OrderID: orderID, Args: []interface{}{employeeID, hours}}); err != nil {
		return err
	}
	b.mu.Lock()
	if b.hours[orderID] == nil {
		b.hours[orderID] = make(map[string]float64)
	}
	b.hours[orderID][employeeID] += hours
	b.mu.Unlock()
	return nil
}

// FetchOrder implements sync.Backend.
func (b *Backend) FetchOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	defer b.leave(orderID)
	if err := b.enter(Call{Method: "FetchOrder", OrderID: orderID}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	c := snap.Clone()
	if s, ok := b.status[orderID]; ok {
		c.Header.Status = s
	}
	return c, nil
}

// Calls returns every recorded call in arrival order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallsTo returns recorded calls to method.
func (b *Backend) CallsTo(method string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MaxConcurrent returns the highest number of simultaneous calls seen for
// orderID.
func (b *Backend) MaxConcurrent(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInflight[orderID]
}

// Status returns the remote status of orderID.
func (b *Backend) Status(orderID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status[orderID]
}

// ChecklistItem returns the remote completion flag of one checklist entry.
func (b *Backend) ChecklistItem(orderID, itemID string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.checklist[orderID][itemID]
	return v, ok
}

// Documents returns the storage paths recorded for orderID.
func (b *Backend) Documents(orderID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.documents[orderID]...)
}

// SignedBy returns the recorded signer of orderID.
func (b *Backend) SignedBy(orderID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signatures[orderID]
}

// Hours returns the hours reported for one employee on orderID.
func (b *Backend) Hours(orderID, employeeID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hours[orderID][employeeID]
}

// Deliveries returns how many successful calls carried idempotency key.
func (b *Backend) Deliveries(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[key]
}

// Reachability is a settable reachability flag.
type Reachability struct {
	mu        sync.Mutex
	reachable bool
}

// NewReachability creates a Reachability in the given state.
func NewReachability(reachable bool) *Reachability {
	return &Reachability{reachable: reachable}
}

// IsReachable implements sync.Reachability.
func (r *Reachability) IsReachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable
}

// Set changes the flag.
func (r *Reachability) Set(v bool) {
	r.mu.Lock()
	r.reachable = v
	r.mu.Unlock()
}
