package models

import "time"

// ClosedInfo records how and when an order was closed.
type ClosedInfo struct {
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
	By      string    `json:"by"`
}

// LineItem is one row of an order.
type LineItem struct {
	ItemID string  `json:"itemId,omitempty"`
	Name   string  `json:"name"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
	Total  float64 `json:"total"`
}

// Totals holds the computed order sums.
type Totals struct {
	GrandTotal float64 `json:"grandTotal"`
}

// FileRef points at a persisted document attached to an order.
type FileRef struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Order is a service order.
type Order struct {
	ID              string      `json:"id"`
	Number          string      `json:"number"`
	ClientID        string      `json:"clientId,omitempty"`
	TypeID          string      `json:"typeId,omitempty"`
	Status          string      `json:"status"`
	StatusChangedAt *time.Time  `json:"statusChangedAt,omitempty"`
	Closed          *ClosedInfo `json:"closed,omitempty"`
	PaymentsLocked  bool        `json:"paymentsLocked"`
	Items           []LineItem  `json:"items"`
	Totals          Totals      `json:"totals"`
	Files           []FileRef   `json:"files,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ClosedSuccessfully reports whether the order carries a successful close.
func (o *Order) ClosedSuccessfully() bool {
	return o.Closed != nil && o.Closed.Success
}

// ApplyStatus moves the order to the target status and keeps the closed block and
// the payment lock consistent with the target's group.
func (o *Order) ApplyStatus(target StatusDefinition, userID string, now time.Time) {
	wasClosed := o.Closed != nil
	o.Status = target.Code
	o.StatusChangedAt = &now
	o.UpdatedAt = now
	switch target.Group {
	case GroupClosedSuccess:
		o.Closed = &ClosedInfo{Success: true, At: now, By: userID}
	case GroupClosedFail:
		o.Closed = &ClosedInfo{Success: false, At: now, By: userID}
		o.PaymentsLocked = true
	default:
		o.Closed = nil
		if wasClosed {
			o.PaymentsLocked = false
		}
	}
}

// HasFile reports whether a file with the given storage key is already attached.
func (o *Order) HasFile(key string) bool {
	for _, f := range o.Files {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Client is the customer an order belongs to.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// TransitionLogEntry is the append-only audit record of one status change.
type TransitionLogEntry struct {
	ID              string       `json:"id"`
	OrderID         string       `json:"orderId"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	UserID          string       `json:"userId"`
	Note            string       `json:"note,omitempty"`
	ActionsEnqueued []ActionSpec `json:"actionsEnqueued"`
	CreatedAt       time.Time    `json:"createdAt"`
}
