package models

import "time"

// OrderHeader is the service-order header shown in the technician view.
type OrderHeader struct {
	Number        string `json:"number"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	ScheduledDate string `json:"scheduled_date,omitempty"`
	Address       string `json:"address,omitempty"`
}

// Customer is the customer the order belongs to.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// LineItem is a billable service line.
type LineItem struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
}

// Material is an inventory item consumed by the order.
type Material struct {
	ID       string  `json:"id"`
	SKU      string  `json:"sku,omitempty"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
}

// TeamMember is a staff member assigned to the order.
type TeamMember struct {
	EmployeeID string `json:"employee_id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
}

// ChecklistEntry is one item of the order checklist.
type ChecklistEntry struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// PhotoRef indexes a photo attached to the order. Pending is true for
// photos captured locally whose upload has not been confirmed.
type PhotoRef struct {
	ActionID    string `json:"action_id,omitempty"`
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

// SignatureRef records who signed the order and when.
type SignatureRef struct {
	SignedBy string `json:"signed_by"`
	SignedAt int64  `json:"signed_at"`
	Pending  bool   `json:"pending,omitempty"`
}

// OrderSnapshot is the last known read-side projection of an order.
type OrderSnapshot struct {
	OrderID   string           `json:"order_id"`
	Header    OrderHeader      `json:"header"`
	Customer  Customer         `json:"customer"`
	LineItems []LineItem       `json:"line_items"`
	Materials []Material       `json:"materials"`
	Team      []TeamMember     `json:"team"`
	Checklist []ChecklistEntry `json:"checklist"`
	Photos    []PhotoRef       `json:"photos"`
	Signature *SignatureRef    `json:"signature,omitempty"`
	FetchedAt int64            `json:"fetched_at"` // epoch millis of the last remote load
}

// FetchedAtTime returns FetchedAt as time.Time.
func (s *OrderSnapshot) FetchedAtTime() time.Time {
	return time.UnixMilli(s.FetchedAt)
}

// Clone returns a deep copy so observers never share slices with the cache.
func (s *OrderSnapshot) Clone() *OrderSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	c.Materials = append([]Material(nil), s.Materials...)
	c.Team = append([]TeamMember(nil), s.Team...)
	c.Checklist = append([]ChecklistEntry(nil), s.Checklist...)
	c.Photos = append([]PhotoRef(nil), s.Photos...)
	if s.Signature != nil {
		sig := *s.Signature
		c.Signature = &sig
	}
	return &c
}

// SetChecklistCompleted flips the named entry. It reports whether the entry
// exists.
func (s *OrderSnapshot) SetChecklistCompleted(itemID string, completed bool) bool {
	for i := range s.Checklist {
		if s.Checklist[i].ID == itemID {
			s.Checklist[i].Completed = completed
			return true
		}
	}
	return false
}

// CompletedChecklistCount returns how many checklist entries are done.
func (s *OrderSnapshot) CompletedChecklistCount() int {
	n := 0
	for _, e := range s.Checklist {
		if e.Completed {
			n++
		}
	}
	return n
}

// Apply reflects a just-enqueued action in the snapshot. It reports whether
// the snapshot changed.
func (s *OrderSnapshot) Apply(a QueuedAction) (bool, error) {
	switch a.Kind {
	case KindStatusChange:
		var p StatusChangePayload
		if err := a.DecodePayload(&p); err != nil {
			return false, err
		}
		if s.Header.Status == p.Status {
			return false, nil
		}
		s.Header.Status = p.Status
		return true, nil

	case KindChecklistToggle:
		var p ChecklistTogglePayload
		if err := a.DecodePayload(&p); err != nil {
			return false, err
		}
		return s.SetChecklistCompleted(p.ItemID, p.Completed), nil

	case KindPhotoCapture:
		var p PhotoCapturePayload
		if err := a.DecodePayload(&p); err != nil {
			return false, err
		}
		for _, ph := range s.Photos {
			if ph.ActionID == a.ID {
				return false, nil
			}
		}
		s.Photos = append(s.Photos, PhotoRef{ActionID: a.ID, FileName: p.FileName, Pending: true})
		return true, nil

	case KindSignatureCapture:
		var p SignatureCapturePayload
		if err := a.DecodePayload(&p); err != nil {
			return false, err
		}
		s.Signature = &SignatureRef{SignedBy: p.SignedBy, SignedAt: p.SignedAt, Pending: true}
		return true, nil
	}
	// Time reports have no read-side projection.
	return false, nil
}
