package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const (
	// DefaultErrorHistory is how many action failures Engine keeps.
	DefaultErrorHistory = 50

	tracerName = "github.com/kimhsiao/fieldsync/internal/sync"
)

// Options tunes an Engine.
type Options struct {
	ErrorHistory int
	Tracer       trace.Tracer
	Now          func() time.Time
}

// orderDrain tracks the active drain of one order.
type orderDrain struct {
	rerun bool
}

// Engine drains per-order action queues. At most one drain runs per order;
// triggers that arrive during a drain collapse into one follow-up pass.
type Engine struct {
	queue   ActionQueue
	backend Backend
	reach   Reachability
	tracer  trace.Tracer
	now     func() time.Time

	mu     stdsync.Mutex
	drains map[string]*orderDrain
	wg     stdsync.WaitGroup

	handlerMu stdsync.RWMutex
	handler   EventHandler

	historyMu  stdsync.Mutex
	history    []ActionError
	historyCap int
}

// NewEngine creates an Engine.
func NewEngine(q ActionQueue, backend Backend, reach Reachability, opts Options) *Engine {
	if opts.ErrorHistory <= 0 {
		opts.ErrorHistory = DefaultErrorHistory
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		queue:      q,
		backend:    backend,
		reach:      reach,
		tracer:     opts.Tracer,
		now:        opts.Now,
		drains:     make(map[string]*orderDrain),
		historyCap: opts.ErrorHistory,
	}
}

// SetEventHandler sets the handler for drain notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}
	ev.Timestamp = e.now()
	h(ev)
}

// State reports whether a drain is active for orderID.
func (e *Engine) State(orderID string) DrainState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.drains[orderID]; ok {
		return StateDraining
	}
	return StateIdle
}

// Draining returns the orders with an active drain.
func (e *Engine) Draining() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.drains))
	for id := range e.drains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// begin marks orderID as draining. If a drain is already active it records
// a follow-up pass instead and returns false.
func (e *Engine) begin(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.drains[orderID]; ok {
		d.rerun = true
		return false
	}
	e.drains[orderID] = &orderDrain{}
	e.wg.Add(1)
	return true
}

// finish returns true when a follow-up pass was requested, consuming the
// request. Otherwise it releases the order.
func (e *Engine) finish(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.drains[orderID]
	if d != nil && d.rerun {
		d.rerun = false
		return true
	}
	delete(e.drains, orderID)
	return false
}

// RequestDrain starts an asynchronous drain of orderID unless one is
// already active, in which case one follow-up pass is scheduled. It
// reports whether a new drain was started.
func (e *Engine) RequestDrain(orderID string) bool {
	if !e.begin(orderID) {
		logging.Debug("Drain already active, follow-up scheduled", map[string]interface{}{"order_id": orderID})
		return false
	}
	go func() {
		defer e.wg.Done()
		e.run(context.Background(), orderID)
	}()
	return true
}

// DrainNow drains orderID synchronously. It fails with ErrDrainInProgress
// if a drain is already active; that drain will run one more pass.
//
// Cancelling ctx does not stop the drain: a remote call that may already
// have been applied must still have its outcome persisted.
func (e *Engine) DrainNow(ctx context.Context, orderID string) (*DrainResult, error) {
	if !e.begin(orderID) {
		return nil, apperrors.Newf(apperrors.ErrDrainInProgress, "drain already in progress for order %s", orderID)
	}
	defer e.wg.Done()
	result := e.run(context.WithoutCancel(ctx), orderID)
	return result, result.Err
}

// DrainAll requests a drain for every order with pending actions. It
// returns the number of drains started.
func (e *Engine) DrainAll(ctx context.Context) (int, error) {
	orders, err := e.queue.Orders(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to list queued orders", string(apperrors.CodeOf(err)), err, nil)
		return 0, err
	}
	started := 0
	for _, id := range orders {
		if e.RequestDrain(id) {
			started++
		}
	}
	return started, nil
}

// Wait blocks until every in-flight drain has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ErrorHistory returns recent action failures, oldest first.
func (e *Engine) ErrorHistory() []ActionError {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]ActionError, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) recordError(action models.QueuedAction, err error) {
	entry := ActionError{
		OrderID:  action.OrderID,
		ActionID: action.ID,
		Kind:     action.Kind,
		Code:     string(apperrors.CodeOf(err)),
		Message:  err.Error(),
		At:       e.now(),
	}
	e.historyMu.Lock()
	e.history = append(e.history, entry)
	if over := len(e.history) - e.historyCap; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.historyMu.Unlock()
}

// run executes passes for orderID until no follow-up is pending. The
// caller has already claimed the order through begin.
func (e *Engine) run(ctx context.Context, orderID string) *DrainResult {
	result := &DrainResult{OrderID: orderID, StartedAt: e.now()}

	ctx, span := e.tracer.Start(ctx, "sync.drain", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	logging.Info("Drain started", map[string]interface{}{"order_id": orderID})
	e.emit(Event{Type: EventDrainStarted, OrderID: orderID})

	for {
		result.Passes++
		e.pass(ctx, orderID, result)
		if !e.finish(orderID) {
			break
		}
	}

	result.FinishedAt = e.now()
	span.SetAttributes(
		attribute.Int("drain.passes", result.Passes),
		attribute.Int("drain.synced", result.Synced),
		attribute.Int("drain.failed", result.Failed),
		attribute.Bool("drain.aborted", result.Aborted),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "persistence failure")
	}

	logging.Info("Drain completed", map[string]interface{}{
		"order_id":    orderID,
		"passes":      result.Passes,
		"attempted":   result.Attempted,
		"synced":      result.Synced,
		"failed":      result.Failed,
		"aborted":     result.Aborted,
		"duration_ms": result.Duration().Milliseconds(),
	})
	e.emit(Event{Type: EventDrainCompleted, OrderID: orderID, Result: result})
	return result
}

// pass replays a snapshot of the order's pending actions in creation
// order. Remote failures are recorded on the action and the pass moves on;
// an unreachable remote or a local persistence failure stops the pass.
func (e *Engine) pass(ctx context.Context, orderID string, result *DrainResult) {
	pending, err := e.queue.PendingFor(ctx, orderID)
	if err != nil {
		e.persistenceFailed(orderID, "", err, result)
		return
	}

	for _, action := range pending {
		if !e.reach.IsReachable() {
			result.Aborted = true
			logging.Info("Remote unreachable, drain pass aborted", map[string]interface{}{
				"order_id":  orderID,
				"action_id": action.ID,
			})
			return
		}

		result.Attempted++
		applyErr := e.applyTraced(ctx, action)

		if applyErr == nil {
			if err := e.queue.MarkSynced(ctx, action.ID); err != nil {
				if apperrors.Is(err, apperrors.ErrPersistence) {
					e.persistenceFailed(orderID, action.ID, err, result)
					return
				}
				logging.Warn("Synced action no longer queued", map[string]interface{}{
					"order_id":  orderID,
					"action_id": action.ID,
					"error":     err.Error(),
				})
				continue
			}
			result.Synced++
			e.emit(Event{Type: EventActionSynced, OrderID: orderID, ActionID: action.ID, Kind: action.Kind})
			continue
		}

		result.Failed++
		e.recordError(action, applyErr)
		logging.Warn("Action failed", map[string]interface{}{
			"order_id":   orderID,
			"action_id":  action.ID,
			"kind":       string(action.Kind),
			"attempts":   action.Attempts + 1,
			"error_code": string(apperrors.CodeOf(applyErr)),
			"error":      applyErr.Error(),
		})
		if err := e.queue.MarkFailed(ctx, action.ID, applyErr); err != nil {
			if apperrors.Is(err, apperrors.ErrPersistence) {
				e.persistenceFailed(orderID, action.ID, err, result)
				return
			}
			logging.Warn("Failed action no longer queued", map[string]interface{}{
				"order_id":  orderID,
				"action_id": action.ID,
				"error":     err.Error(),
			})
		}
		e.emit(Event{
			Type:     EventActionFailed,
			OrderID:  orderID,
			ActionID: action.ID,
			Kind:     action.Kind,
			Error:    applyErr.Error(),
		})
	}
}

func (e *Engine) persistenceFailed(orderID, actionID string, err error, result *DrainResult) {
	result.Err = err
	logging.ErrorWithCode("Persisting sync outcome failed", string(apperrors.ErrPersistence), err,
		map[string]interface{}{"order_id": orderID, "action_id": actionID})
	e.emit(Event{
		Type:     EventPersistenceFailed,
		OrderID:  orderID,
		ActionID: actionID,
		Error:    err.Error(),
	})
}

func (e *Engine) applyTraced(ctx context.Context, action models.QueuedAction) error {
	ctx, span := e.tracer.Start(ctx, "sync.apply", trace.WithAttributes(
		attribute.String("order.id", action.OrderID),
		attribute.String("action.id", action.ID),
		attribute.String("action.kind", string(action.Kind)),
		attribute.Int("action.attempts", action.Attempts),
	))
	defer span.End()

	err := e.apply(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	return err
}

// apply dispatches one action to the backend by kind.
func (e *Engine) apply(ctx context.Context, action models.QueuedAction) error {
	key := action.ID
	decode := func(v interface{}) error {
		if err := action.DecodePayload(v); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "decode payload", err)
		}
		return nil
	}

	switch action.Kind {
	case models.KindStatusChange:
		var p models.StatusChangePayload
		if err := decode(&p); err != nil {
			return err
		}
		return e.backend.SetOrderStatus(ctx, key, action.OrderID, p.Status)

	case models.KindChecklistToggle:
		var p models.ChecklistTogglePayload
		if err := decode(&p); err != nil {
			return err
		}
		return e.backend.SetChecklistItemCompleted(ctx, key, action.OrderID, p.ItemID, p.Completed)

	case models.KindPhotoCapture:
		var p models.PhotoCapturePayload
		if err := decode(&p); err != nil {
			return err
		}
		path, err := e.backend.UploadPhoto(ctx, StepKey(key, "upload"), action.OrderID, p.Data, p.FileName, p.ContentType)
		if err != nil {
			return err
		}
		return e.backend.RecordDocument(ctx, StepKey(key, "document"), action.OrderID, "photo", path, p.FileName)

	case models.KindSignatureCapture:
		var p models.SignatureCapturePayload
		if err := decode(&p); err != nil {
			return err
		}
		return e.backend.SetOrderSignature(ctx, key, action.OrderID, p.Image, p.SignedBy, time.UnixMilli(p.SignedAt))

	case models.KindTimeReport:
		var p models.TimeReportPayload
		if err := decode(&p); err != nil {
			return err
		}
		return e.backend.ReportLaborHours(ctx, key, action.OrderID, p.EmployeeID, p.Hours)

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown action kind %q", action.Kind)
	}
}
