// Package main builds the c-shared library used by the mobile apps.
//
// Build: go build -buildmode=c-shared -o libfieldsync.so ./cmd/mobile
//
// Every call takes and returns JSON strings. The platform feeds
// reachability in through SetReachable; no HTTP probe runs on device.
package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// initOptions is the JSON accepted by Init.
type initOptions struct {
	DataDir      string `json:"data_dir"`
	BackendURL   string `json:"backend_url"`
	Token        string `json:"token"`
	LogLevel     string `json:"log_level"`
	MaxAttempts  int    `json:"max_attempts"`
	RefreshEvery string `json:"refresh_interval"` // Go duration, e.g. "5m"
}

// response is the envelope of every reply.
type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *replyError `json:"error,omitempty"`
}

type replyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// maxBufferedEvents bounds the events kept between two polls. The oldest
// are dropped first.
const maxBufferedEvents = 256

// queueEvent is a queue change as reported to the host. Payloads are left
// out; photo and signature blobs stay in the store.
type queueEvent struct {
	Type     queue.EventType `json:"type"`
	OrderID  string          `json:"order_id"`
	ActionID string          `json:"action_id"`
	Pending  int             `json:"pending"`
}

// bridge holds the process-wide stack behind the exported functions.
type bridge struct {
	mu      sync.Mutex
	app     *app.App
	cancel  context.CancelFunc
	events  []queueEvent // queue changes since the last PollEvents
	dropped int
}

var shared = &bridge{}

func encode(data interface{}, err error) string {
	resp := response{OK: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = &replyError{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
	}
	out, mErr := json.Marshal(resp)
	if mErr != nil {
		return `{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"encode response"}}`
	}
	return string(out)
}

func (b *bridge) init(optsJSON string) string {
	var opts initOptions
	if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid init options", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return encode(map[string]bool{"already_initialized": true}, nil)
	}

	cfg := config.Default()
	cfg.DataDir = opts.DataDir
	cfg.Backend.URL = opts.BackendURL
	cfg.Backend.Token = opts.Token
	cfg.Probe.Disabled = true
	cfg.Sync.MaxAttempts = opts.MaxAttempts
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.RefreshEvery != "" {
		d, err := time.ParseDuration(opts.RefreshEvery)
		if err != nil {
			return encode(nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid refresh_interval", err))
		}
		cfg.Sync.RefreshInterval = d
	}
	if err := cfg.Validate(); err != nil {
		return encode(nil, err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

	a, err := app.Open(&cfg)
	if err != nil {
		return encode(nil, err)
	}
	a.Queue.Subscribe(b.record)

	ctx, cancel := context.WithCancel(context.Background())
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
	b.app, b.cancel = a, cancel
	return encode(map[string]bool{"online_capable": a.Client != nil}, nil)
}

func (b *bridge) record(ev queue.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= maxBufferedEvents {
		b.events = append(b.events[:0], b.events[1:]...)
		b.dropped++
	}
	b.events = append(b.events, queueEvent{
		Type:     ev.Type,
		OrderID:  ev.OrderID,
		ActionID: ev.Action.ID,
		Pending:  ev.Pending,
	})
}

func (b *bridge) shutdown() string {
	b.mu.Lock()
	a, cancel := b.app, b.cancel
	b.app, b.cancel, b.events, b.dropped = nil, nil, nil, 0
	b.mu.Unlock()

	if a == nil {
		return encode(nil, nil)
	}
	cancel()
	return encode(nil, a.Close())
}

func (b *bridge) current() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "not initialized")
	}
	return b.app, nil
}

func (b *bridge) setReachable(reachable bool) string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	a.Monitor.SetReachable(reachable)
	return encode(map[string]bool{"reachable": a.Monitor.IsReachable()}, nil)
}

// pollEvents drains queue changes recorded since the last poll. dropped
// counts events lost to the buffer bound; a host seeing it non-zero should
// re-read pending counts.
func (b *bridge) pollEvents() string {
	b.mu.Lock()
	events, dropped := b.events, b.dropped
	b.events, b.dropped = nil, 0
	b.mu.Unlock()

	if events == nil {
		events = []queueEvent{}
	}
	return encode(map[string]interface{}{"events": events, "dropped": dropped}, nil)
}

// callArgs is the union of arguments accepted by call.
type callArgs struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	ItemID     string `json:"item_id"`
	Completed  bool   `json:"completed"`
	FileName   string `json:"file_name"`
	Data       []byte `json:"data"` // base64
	SignedBy   string `json:"signed_by"`
	EmployeeID string `json:"employee_id"`
	ActionID   string `json:"action_id"`
}

// call dispatches one gesture or query by name.
func (b *bridge) call(method, argsJSON string) string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	var args callArgs
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return encode(nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid arguments", err))
		}
	}

	ctx := context.Background()
	svc := a.Orders
	switch method {
	case "change_status":
		return encode(svc.ChangeStatus(ctx, args.OrderID, args.Status))
	case "toggle_checklist_item":
		return encode(svc.ToggleChecklistItem(ctx, args.OrderID, args.ItemID, args.Completed))
	case "capture_photo":
		action, err := svc.CapturePhoto(ctx, args.OrderID, args.FileName, args.Data)
		return encode(actionRef(action), err)
	case "capture_signature":
		action, err := svc.CaptureSignature(ctx, args.OrderID, args.Data, args.SignedBy)
		return encode(actionRef(action), err)
	case "start_timer":
		return encode(nil, svc.StartTimer(ctx, args.OrderID, args.EmployeeID))
	case "pause_timer":
		return encode(nil, svc.PauseTimer(ctx, args.OrderID, args.EmployeeID))
	case "resume_timer":
		return encode(nil, svc.ResumeTimer(ctx, args.OrderID, args.EmployeeID))
	case "stop_timer":
		return encode(svc.StopTimer(ctx, args.OrderID, args.EmployeeID))
	case "timer_status":
		st, err := svc.TimerStatus(ctx, args.OrderID, args.EmployeeID)
		return encode(map[string]interface{}{
			"order_id":    st.OrderID,
			"employee_id": st.EmployeeID,
			"state":       st.State,
			"elapsed_ms":  st.Elapsed.Milliseconds(),
		}, err)
	case "snapshot":
		return encode(svc.Snapshot(ctx, args.OrderID))
	case "pending_count":
		n, err := svc.PendingCount(ctx, args.OrderID)
		return encode(map[string]int{"pending": n}, err)
	case "dead_letters":
		dead, err := svc.DeadLetters(ctx, args.OrderID)
		refs := make([]interface{}, 0, len(dead))
		for i := range dead {
			refs = append(refs, actionRef(&dead[i]))
		}
		return encode(refs, err)
	case "requeue":
		action, err := svc.Requeue(ctx, args.OrderID, args.ActionID)
		return encode(actionRef(action), err)
	case "sync_now":
		return encode(svc.SyncNow(ctx, args.OrderID))
	default:
		return encode(nil, apperrors.Newf(apperrors.ErrInvalid, "unknown method %q", method))
	}
}

// actionRef omits the blob when echoing photo and signature actions.
func actionRef(a *models.QueuedAction) interface{} {
	if a == nil {
		return nil
	}
	return map[string]interface{}{
		"id":         a.ID,
		"order_id":   a.OrderID,
		"kind":       a.Kind,
		"created_at": a.CreatedAt,
		"attempts":   a.Attempts,
		"last_error": a.LastError,
	}
}

func main() {}
