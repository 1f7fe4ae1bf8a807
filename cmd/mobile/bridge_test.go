package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

func decodeResponse(t *testing.T, raw string) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("invalid response %q: %v", raw, err)
	}
	return resp
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newBridge(t *testing.T, backendURL string) *bridge {
	t.Helper()
	b := &bridge{}
	resp := decodeResponse(t, b.init(mustJSON(t, initOptions{
		DataDir:    t.TempDir(),
		BackendURL: backendURL,
		LogLevel:   "error",
	})))
	if !resp.OK {
		t.Fatalf("init failed: %+v", resp.Error)
	}
	t.Cleanup(func() { b.shutdown() })
	return b
}

func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}
	resp := decodeResponse(t, b.call("pending_count", `{"order_id":"o1"}`))
	if resp.OK || resp.Error == nil || resp.Error.Code != "CONFIG_ERROR" {
		t.Errorf("response = %+v, want CONFIG_ERROR", resp)
	}
}

func TestBridge_initValidation(t *testing.T) {
	b := &bridge{}
	if resp := decodeResponse(t, b.init("{")); resp.OK {
		t.Error("malformed options should fail")
	}
	if resp := decodeResponse(t, b.init(`{"data_dir":""}`)); resp.OK {
		t.Error("empty data_dir should fail")
	}
	if resp := decodeResponse(t, b.init(`{"data_dir":"x","refresh_interval":"soon"}`)); resp.OK {
		t.Error("bad refresh_interval should fail")
	}
}

func TestBridge_gesturesOffline(t *testing.T) {
	b := newBridge(t, "")

	resp := decodeResponse(t, b.call("change_status", `{"order_id":"o1","status":"in_progress"}`))
	if !resp.OK {
		t.Fatalf("change_status: %+v", resp.Error)
	}

	photo := mustJSON(t, map[string]interface{}{"order_id": "o1", "file_name": "a.jpg", "data": []byte{0xff, 0xd8, 0xff}})
	resp = decodeResponse(t, b.call("capture_photo", photo))
	if !resp.OK {
		t.Fatalf("capture_photo: %+v", resp.Error)
	}
	if ref, ok := resp.Data.(map[string]interface{}); !ok || ref["kind"] != "photo_capture" || ref["data"] != nil {
		t.Errorf("capture_photo data = %v, want a reference without the blob", resp.Data)
	}

	resp = decodeResponse(t, b.call("pending_count", `{"order_id":"o1"}`))
	if got := resp.Data.(map[string]interface{})["pending"]; got != float64(2) {
		t.Errorf("pending = %v, want 2", got)
	}

	resp = decodeResponse(t, b.call("sync_now", `{"order_id":"o1"}`))
	if resp.OK || resp.Error.Code != "OFFLINE" {
		t.Errorf("sync_now = %+v, want OFFLINE", resp)
	}

	resp = decodeResponse(t, b.pollEvents())
	polled := resp.Data.(map[string]interface{})
	events := polled["events"].([]interface{})
	if len(events) != 2 {
		t.Fatalf("events = %v, want 2 enqueues", events)
	}
	second := events[1].(map[string]interface{})
	if second["type"] != "enqueued" || second["pending"] != float64(2) {
		t.Errorf("second event = %v", second)
	}
	if _, ok := second["data"]; ok {
		t.Error("events must not carry payloads")
	}
	resp = decodeResponse(t, b.pollEvents())
	if events := resp.Data.(map[string]interface{})["events"].([]interface{}); len(events) != 0 {
		t.Errorf("second poll = %v, want empty", events)
	}
}

func TestBridge_timer(t *testing.T) {
	b := newBridge(t, "")
	args := `{"order_id":"o1","employee_id":"e1"}`

	if resp := decodeResponse(t, b.call("start_timer", args)); !resp.OK {
		t.Fatalf("start_timer: %+v", resp.Error)
	}
	resp := decodeResponse(t, b.call("timer_status", args))
	if state := resp.Data.(map[string]interface{})["state"]; state != "running" {
		t.Errorf("state = %v, want running", state)
	}
	if resp := decodeResponse(t, b.call("stop_timer", args)); !resp.OK {
		t.Fatalf("stop_timer: %+v", resp.Error)
	}
	if resp := decodeResponse(t, b.call("stop_timer", args)); resp.OK || resp.Error.Code != "INVALID_INPUT" {
		t.Errorf("second stop_timer = %+v, want INVALID_INPUT", resp)
	}
}

func TestBridge_unknownMethod(t *testing.T) {
	b := newBridge(t, "")
	if resp := decodeResponse(t, b.call("teleport", "")); resp.OK {
		t.Error("unknown method should fail")
	}
}

func TestBridge_reachabilityDrivesSync(t *testing.T) {
	var puts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
		}
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"order_id":"o1"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := newBridge(t, srv.URL)
	if resp := decodeResponse(t, b.call("change_status", `{"order_id":"o1","status":"done"}`)); !resp.OK {
		t.Fatalf("change_status: %+v", resp.Error)
	}
	if puts.Load() != 0 {
		t.Fatal("nothing should be sent while unreachable")
	}

	if resp := decodeResponse(t, b.setReachable(true)); !resp.OK {
		t.Fatalf("setReachable: %+v", resp.Error)
	}
	a, _ := b.current()
	a.Engine.Wait()

	if puts.Load() != 1 {
		t.Errorf("PUT requests = %d, want 1", puts.Load())
	}
	resp := decodeResponse(t, b.call("pending_count", `{"order_id":"o1"}`))
	if got := resp.Data.(map[string]interface{})["pending"]; got != float64(0) {
		t.Errorf("pending = %v, want 0", got)
	}
}

func TestBridge_eventBufferIsBounded(t *testing.T) {
	b := newBridge(t, "")
	for i := 0; i < maxBufferedEvents+5; i++ {
		b.record(queue.Event{Type: queue.EventEnqueued, OrderID: "o1", Pending: i + 1})
	}

	resp := decodeResponse(t, b.pollEvents())
	polled := resp.Data.(map[string]interface{})
	events := polled["events"].([]interface{})
	if len(events) != maxBufferedEvents {
		t.Errorf("buffered = %d, want %d", len(events), maxBufferedEvents)
	}
	if polled["dropped"] != float64(5) {
		t.Errorf("dropped = %v, want 5", polled["dropped"])
	}
	if first := events[0].(map[string]interface{}); first["pending"] != float64(6) {
		t.Errorf("oldest kept event = %v, want the sixth", first)
	}
}

func TestBridge_requeue(t *testing.T) {
	b := &bridge{}
	resp := decodeResponse(t, b.init(mustJSON(t, initOptions{DataDir: t.TempDir(), LogLevel: "error", MaxAttempts: 1})))
	if !resp.OK {
		t.Fatalf("init failed: %+v", resp.Error)
	}
	t.Cleanup(func() { b.shutdown() })

	resp = decodeResponse(t, b.call("change_status", `{"order_id":"o1","status":"done"}`))
	id := resp.Data.(map[string]interface{})["id"].(string)

	a, _ := b.current()
	if err := a.Queue.MarkFailed(context.Background(), id, errors.New("rejected")); err != nil {
		t.Fatal(err)
	}

	resp = decodeResponse(t, b.call("dead_letters", `{"order_id":"o1"}`))
	if dead := resp.Data.([]interface{}); len(dead) != 1 {
		t.Fatalf("dead_letters = %v, want one", dead)
	}

	resp = decodeResponse(t, b.call("requeue", mustJSON(t, map[string]string{"order_id": "o1", "action_id": id})))
	if !resp.OK {
		t.Fatalf("requeue: %+v", resp.Error)
	}
	resp = decodeResponse(t, b.call("pending_count", `{"order_id":"o1"}`))
	if got := resp.Data.(map[string]interface{})["pending"]; got != float64(1) {
		t.Errorf("pending = %v, want 1", got)
	}

	resp = decodeResponse(t, b.call("requeue", mustJSON(t, map[string]string{"order_id": "o1", "action_id": id})))
	if resp.OK || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("second requeue = %+v, want NOT_FOUND", resp)
	}
}
