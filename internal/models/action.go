// Package models provides the data model shared by the action queue, the
// sync engine, and the order snapshot cache.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionKind is the tagged variant of a queued mutation.
type ActionKind string

const (
	KindStatusChange     ActionKind = "status_change"
	KindChecklistToggle  ActionKind = "checklist_toggle"
	KindPhotoCapture     ActionKind = "photo_capture"
	KindSignatureCapture ActionKind = "signature_capture"
	KindTimeReport       ActionKind = "time_report"
)

// Kinds lists every supported action kind.
var Kinds = []ActionKind{
	KindStatusChange,
	KindChecklistToggle,
	KindPhotoCapture,
	KindSignatureCapture,
	KindTimeReport,
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// QueuedAction is a pending local mutation for one order.
type QueuedAction struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"` // epoch millis
	Synced    bool            `json:"synced"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *QueuedAction) CreatedAtTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// Age returns how long the action has been waiting relative to now.
func (a *QueuedAction) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAtTime())
}

// DecodePayload unmarshals the payload into v.
func (a *QueuedAction) DecodePayload(v interface{}) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has no payload", a.ID)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Kind, err)
	}
	return nil
}

// Clone returns a deep copy of the action.
func (a *QueuedAction) Clone() QueuedAction {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return c
}

// StatusChangePayload sets the order status.
type StatusChangePayload struct {
	Status string `json:"status"`
}

// ChecklistTogglePayload flips one checklist entry.
type ChecklistTogglePayload struct {
	ItemID    string `json:"item_id"`
	Completed bool   `json:"completed"`
}

// PhotoCapturePayload carries an opaque image blob. Data is base64 on the wire.
type PhotoCapturePayload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// SignatureCapturePayload carries the customer signature image.
type SignatureCapturePayload struct {
	Image    []byte `json:"image"`
	SignedBy string `json:"signed_by"`
	SignedAt int64  `json:"signed_at"` // epoch millis
}

// TimeReportPayload reports labor hours for one employee.
type TimeReportPayload struct {
	EmployeeID string  `json:"employee_id"`
	Hours      float64 `json:"hours"`
}

// ValidatePayload decodes raw according to kind and checks required fields.
func ValidatePayload(kind ActionKind, raw json.RawMessage) error {
	switch kind {
	case KindStatusChange:
		var p StatusChangePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Status) == "" {
			return fmt.Errorf("status is required")
		}
	case KindChecklistToggle:
		var p ChecklistTogglePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.ItemID) == "" {
			return fmt.Errorf("item_id is required")
		}
	case KindPhotoCapture:
		var p PhotoCapturePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.FileName) == "" {
			return fmt.Errorf("file_name is required")
		}
		if len(p.Data) == 0 {
			return fmt.Errorf("photo data is empty")
		}
	case KindSignatureCapture:
		var p SignatureCapturePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if len(p.Image) == 0 {
			return fmt.Errorf("signature image is empty")
		}
		if strings.TrimSpace(p.SignedBy) == "" {
			return fmt.Errorf("signed_by is required")
		}
	case KindTimeReport:
		var p TimeReportPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.EmployeeID) == "" {
			return fmt.Errorf("employee_id is required")
		}
		if p.Hours < 0 {
			return fmt.Errorf("hours must not be negative")
		}
	default:
		return fmt.Errorf("unknown action kind %q", kind)
	}
	return nil
}
