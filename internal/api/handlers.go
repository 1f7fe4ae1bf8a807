// Package api exposes the order gestures over a local REST API and pushes
// sync progress to the UI over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/services"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

// StatusSource reports scheduler state.
type StatusSource interface {
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
}

// ErrorSource reports recent action failures.
type ErrorSource interface {
	ErrorHistory() []syncpkg.ActionError
}

// Handler serves the REST API.
type Handler struct {
	orders *services.OrderService
	status StatusSource
	errors ErrorSource
	hub    *Hub
}

// NewHandler creates a Handler. status, errs and hub may be nil.
func NewHandler(orders *services.OrderService, status StatusSource, errs ErrorSource, hub *Hub) *Handler {
	return &Handler{orders: orders, status: status, errors: errs, hub: hub}
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/errors", h.Errors)
	mux.HandleFunc("GET /api/timers", h.ActiveTimers)

	mux.HandleFunc("GET /api/orders/{order}", h.GetSnapshot)
	mux.HandleFunc("GET /api/orders/{order}/pending", h.GetPending)
	mux.HandleFunc("POST /api/orders/{order}/status", h.ChangeStatus)
	mux.HandleFunc("POST /api/orders/{order}/checklist/{item}", h.ToggleChecklistItem)
	mux.HandleFunc("POST /api/orders/{order}/photos", h.CapturePhoto)
	mux.HandleFunc("POST /api/orders/{order}/signature", h.CaptureSignature)
	mux.HandleFunc("GET /api/orders/{order}/timers/{employee}", h.TimerStatus)
	mux.HandleFunc("POST /api/orders/{order}/timers/{employee}/{op}", h.TimerAction)
	mux.HandleFunc("POST /api/orders/{order}/sync", h.SyncNow)
	mux.HandleFunc("GET /api/orders/{order}/deadletters", h.GetDeadLetters)
	mux.HandleFunc("POST /api/orders/{order}/deadletters/{action}/requeue", h.Requeue)

	if h.hub != nil {
		mux.Handle("GET /ws", h.hub)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// httpStatus maps an error code to a response status.
func httpStatus(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDrainInProgress:
		return http.StatusConflict
	case apperrors.ErrOffline, apperrors.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteRejected, apperrors.ErrRemoteAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := httpStatus(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": string(code), "message": err.Error()},
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"is_running": false})
		return
	}
	st, err := h.status.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Errors handles GET /api/errors
func (h *Handler) Errors(w http.ResponseWriter, r *http.Request) {
	history := []syncpkg.ActionError{}
	if h.errors != nil {
		history = append(history, h.errors.ErrorHistory()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": history})
}

// ActiveTimers handles GET /api/timers
func (h *Handler) ActiveTimers(w http.ResponseWriter, r *http.Request) {
	active, err := h.orders.ActiveTimers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timers": active})
}

// GetSnapshot handles GET /api/orders/{order}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orders.Snapshot(r.Context(), r.PathValue("order"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPending handles GET /api/orders/{order}/pending
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.orders.Pending(r.Context(), r.PathValue("order"))
	if err != nil {
		writeError(w, err)
		return
	}
	items := summarize(actions)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": r.PathValue("order"),
		"pending":  len(items),
		"actions":  items,
	})
}

// GetDeadLetters handles GET /api/orders/{order}/deadletters
func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	actions, err := h.orders.DeadLetters(r.Context(), r.PathValue("order"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": r.PathValue("order"),
		"actions":  summarize(actions),
	})
}

// Requeue handles POST /api/orders/{order}/deadletters/{action}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	action, err := h.orders.Requeue(r.Context(), r.PathValue("order"), r.PathValue("action"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize([]models.QueuedAction{*action})[0])
}

// summarize lists action metadata. Blobs stay on the device.
func summarize(actions []models.QueuedAction) []map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(actions))
	for _, a := range actions {
		items = append(items, map[string]interface{}{
			"id":         a.ID,
			"kind":       a.Kind,
			"created_at": a.CreatedAt,
			"attempts":   a.Attempts,
			"last_error": a.LastError,
		})
	}
	return items
}

// ChangeStatus handles POST /api/orders/{order}/status
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, err := h.orders.ChangeStatus(r.Context(), r.PathValue("order"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

// ToggleChecklistItem handles POST /api/orders/{order}/checklist/{item}
func (h *Handler) ToggleChecklistItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Completed bool `json:"completed"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, err := h.orders.ToggleChecklistItem(r.Context(), r.PathValue("order"), r.PathValue("item"), req.Completed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

// CapturePhoto handles POST /api/orders/{order}/photos
// The data field is base64.
func (h *Handler) CapturePhoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"file_name"`
		Data     []byte `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, err := h.orders.CapturePhoto(r.Context(), r.PathValue("order"), req.FileName, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": action.ID, "kind": action.Kind, "created_at": action.CreatedAt})
}

// CaptureSignature handles POST /api/orders/{order}/signature
func (h *Handler) CaptureSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image    []byte `json:"image"`
		SignedBy string `json:"signed_by"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, err := h.orders.CaptureSignature(r.Context(), r.PathValue("order"), req.Image, req.SignedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": action.ID, "kind": action.Kind, "created_at": action.CreatedAt})
}

// TimerStatus handles GET /api/orders/{order}/timers/{employee}
func (h *Handler) TimerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.TimerStatus(r.Context(), r.PathValue("order"), r.PathValue("employee"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":    st.OrderID,
		"employee_id": st.EmployeeID,
		"state":       st.State,
		"elapsed_ms":  st.Elapsed.Milliseconds(),
	})
}

// TimerAction handles POST /api/orders/{order}/timers/{employee}/{op}
// where op is start, pause, resume or stop.
func (h *Handler) TimerAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, employee := r.PathValue("order"), r.PathValue("employee")

	var err error
	switch r.PathValue("op") {
	case "start":
		err = h.orders.StartTimer(ctx, order, employee)
	case "pause":
		err = h.orders.PauseTimer(ctx, order, employee)
	case "resume":
		err = h.orders.ResumeTimer(ctx, order, employee)
	case "stop":
		action, stopErr := h.orders.StopTimer(ctx, order, employee)
		if stopErr != nil && action == nil {
			writeError(w, stopErr)
			return
		}
		// A queued report is returned even if the stopped state could not
		// be persisted; the report must not be produced twice.
		writeJSON(w, http.StatusAccepted, action)
		return
	default:
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown timer operation %q", r.PathValue("op")))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.TimerStatus(w, r)
}

// SyncNow handles POST /api/orders/{order}/sync
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.orders.SyncNow(r.Context(), r.PathValue("order"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
