// Package timer tracks labor sessions and reports them as TimeReport
// actions.
//
// Elapsed time is derived from wall-clock instants, never from ticks, so a
// suspended or restarted process still reports the right duration. A
// resumed session stores an adjusted start (now minus the time already
// worked) instead of a separate accumulator.
package timer

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// State is the lifecycle of a session.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"

	// StateStopping marks a stop whose report id and elapsed time are
	// fixed but whose report may not be queued yet. Stop finishes it.
	StateStopping State = "stopping"
)

// Enqueuer accepts the TimeReport produced by Stop. Enqueueing an id that
// is already queued returns the existing action.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, id, orderID string, kind models.ActionKind, payload interface{}) (*models.QueuedAction, error)
}

// record is the persisted form of a session. Times are epoch millis.
type record struct {
	OrderID    string `json:"order_id"`
	EmployeeID string `json:"employee_id"`
	State      State  `json:"state"`
	StartedAt  int64  `json:"started_at,omitempty"` // adjusted start while running
	Elapsed    int64  `json:"elapsed_ms,omitempty"` // frozen elapsed while paused or stopped
	ReportID   string `json:"report_id,omitempty"`
}

// Session is one employee's labor timer on one order.
type Session struct {
	kv    store.KV
	enq   Enqueuer
	now   func() time.Time
	newID uuid.Generator

	mu  sync.Mutex
	rec record
}

// Open loads the session for orderID and employeeID, or creates an idle
// one.
func Open(ctx context.Context, kv store.KV, enq Enqueuer, orderID, employeeID string, now func() time.Time) (*Session, error) {
	orderID = strings.TrimSpace(orderID)
	employeeID = strings.TrimSpace(employeeID)
	if orderID == "" || employeeID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "order id and employee id are required")
	}
	if now == nil {
		now = time.Now
	}
	s := &Session{
		kv:    kv,
		enq:   enq,
		now:   now,
		newID: uuid.New,
		rec:   record{OrderID: orderID, EmployeeID: employeeID, State: StateIdle},
	}
	if _, err := store.GetJSON(ctx, kv, store.TimerKey(orderID, employeeID), &s.rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "load timer", err)
	}
	return s, nil
}

// OrderID returns the order the session belongs to.
func (s *Session) OrderID() string { return s.rec.OrderID }

// EmployeeID returns the employee the session belongs to.
func (s *Session) EmployeeID() string { return s.rec.EmployeeID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// Elapsed returns the active time so far, excluding paused intervals.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed()
}

func (s *Session) elapsed() time.Duration {
	if s.rec.State == StateRunning {
		d := s.now().UnixMilli() - s.rec.StartedAt
		if d < 0 {
			d = 0
		}
		return time.Duration(d) * time.Millisecond
	}
	return time.Duration(s.rec.Elapsed) * time.Millisecond
}

// save persists next and adopts it. Callers hold s.mu.
func (s *Session) save(ctx context.Context, next record) error {
	if err := store.SetJSON(ctx, s.kv, store.TimerKey(next.OrderID, next.EmployeeID), next); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "persist timer", err)
	}
	s.rec = next
	return nil
}

func (s *Session) invalid(op string) error {
	return apperrors.Newf(apperrors.ErrInvalid, "cannot %s a %s timer", op, s.rec.State)
}

// Start begins a new session. A stopped session may be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State != StateIdle && s.rec.State != StateStopped {
		return s.invalid("start")
	}
	next := record{
		OrderID:    s.rec.OrderID,
		EmployeeID: s.rec.EmployeeID,
		State:      StateRunning,
		StartedAt:  s.now().UnixMilli(),
	}
	return s.save(ctx, next)
}

// Pause freezes the elapsed time.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State != StateRunning {
		return s.invalid("pause")
	}
	next := s.rec
	next.Elapsed = s.elapsed().Milliseconds()
	next.StartedAt = 0
	next.State = StatePaused
	return s.save(ctx, next)
}

// Resume continues a paused session from the time already worked.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State != StatePaused {
		return s.invalid("resume")
	}
	next := s.rec
	next.StartedAt = s.now().UnixMilli() - s.rec.Elapsed
	next.Elapsed = 0
	next.State = StateRunning
	return s.save(ctx, next)
}

// Stop ends the session and enqueues exactly one TimeReport with the hours
// worked, rounded to two decimals.
//
// The report id and elapsed time are persisted before anything is queued,
// so a stop interrupted by a crash or a failed write is finished by calling
// Stop again and never yields a second report.
func (s *Session) Stop(ctx context.Context) (*models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rec
	switch prev.State {
	case StateRunning, StatePaused, StateStopping:
	default:
		return nil, s.invalid("stop")
	}

	stopping := prev
	if prev.State != StateStopping {
		if stopping.ReportID == "" {
			stopping.ReportID = s.newID()
		}
		stopping.Elapsed = s.elapsed().Milliseconds()
		stopping.StartedAt = 0
		stopping.State = StateStopping
		if err := s.save(ctx, stopping); err != nil {
			return nil, err
		}
	}

	payload := models.TimeReportPayload{
		EmployeeID: stopping.EmployeeID,
		Hours:      RoundHours(time.Duration(stopping.Elapsed) * time.Millisecond),
	}
	action, err := s.enq.EnqueueWithID(ctx, stopping.ReportID, stopping.OrderID, models.KindTimeReport, payload)
	if err != nil {
		if prev.State != StateStopping {
			// Keep the id so a later stop reuses it.
			prev.ReportID = stopping.ReportID
			if rbErr := s.save(ctx, prev); rbErr != nil {
				logging.ErrorWithCode("Timer stop not rolled back", string(apperrors.ErrPersistence), rbErr,
					map[string]interface{}{"order_id": prev.OrderID, "employee_id": prev.EmployeeID})
			}
		}
		return nil, err
	}

	next := stopping
	next.State = StateStopped
	if err := s.save(ctx, next); err != nil {
		logging.ErrorWithCode("Timer stop not persisted", string(apperrors.ErrPersistence), err,
			map[string]interface{}{"order_id": next.OrderID, "employee_id": next.EmployeeID, "action_id": action.ID})
		return action, err
	}

	logging.Info("Labor session stopped", map[string]interface{}{
		"order_id":    next.OrderID,
		"employee_id": next.EmployeeID,
		"hours":       payload.Hours,
		"action_id":   action.ID,
	})
	return action, nil
}

// RoundHours converts d to hours rounded to two decimals.
func RoundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}

// Registry hands out one Session per order and employee.
type Registry struct {
	kv  store.KV
	enq Enqueuer
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry.
func NewRegistry(kv store.KV, enq Enqueuer, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{kv: kv, enq: enq, now: now, sessions: make(map[string]*Session)}
}

// Session returns the session for orderID and employeeID.
func (r *Registry) Session(ctx context.Context, orderID, employeeID string) (*Session, error) {
	key := store.TimerKey(orderID, employeeID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	s, err := Open(ctx, r.kv, r.enq, orderID, employeeID, r.now)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

// Status is a read-only view of a session.
type Status struct {
	OrderID    string        `json:"order_id"`
	EmployeeID string        `json:"employee_id"`
	State      State         `json:"state"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Active lists sessions that are running, paused or left stopping,
// including those persisted by an earlier process.
func (r *Registry) Active(ctx context.Context) ([]Status, error) {
	keys, err := r.kv.Keys(ctx, store.TimerPrefix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "list timers", err)
	}
	var out []Status
	for _, k := range keys {
		var rec record
		if _, err := store.GetJSON(ctx, r.kv, k, &rec); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "load timer", err)
		}
		switch rec.State {
		case StateRunning, StatePaused, StateStopping:
		default:
			continue
		}
		s, err := r.Session(ctx, rec.OrderID, rec.EmployeeID)
		if err != nil {
			return nil, err
		}
		out = append(out, Status{
			OrderID:    s.OrderID(),
			EmployeeID: s.EmployeeID(),
			State:      s.State(),
			Elapsed:    s.Elapsed(),
		})
	}
	return out, nil
}
