package models

import "time"

const (
	PaymentIncome  = "income"
	PaymentExpense = "expense"
)

// Payment is a ledger row against an order.
type Payment struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"orderId"`
	Kind           string    `json:"kind"`
	Amount         float64   `json:"amount"`
	CashRegisterID string    `json:"cashRegisterId,omitempty"`
	LogID          string    `json:"logId,omitempty"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CashRegister receives income payments.
type CashRegister struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// StockRecord is the on-hand quantity of one catalog item.
type StockRecord struct {
	ItemID    string    `json:"itemId"`
	Qty       float64   `json:"qty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const MovementIssue = "issue"

// MovementSource ties a stock movement to the document that caused it.
type MovementSource struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// StockMovement is one row of the stock ledger.
type StockMovement struct {
	ID        string         `json:"id"`
	ItemID    string         `json:"itemId"`
	Type      string         `json:"type"`
	Qty       float64        `json:"qty"`
	Source    MovementSource `json:"source"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PayrollAccrual is a payroll amount earned by closing an order.
type PayrollAccrual struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	LogID      string    `json:"logId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	BaseAmount float64   `json:"baseAmount"`
	Percent    float64   `json:"percent"`
	Amount     float64   `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MessageTemplate is a notification body with {{path}} placeholders.
type MessageTemplate struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// DocumentTemplate is a printable document with {{path}} placeholders.
type DocumentTemplate struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

const (
	OutboxNotify = "notify"
	OutboxPrint  = "print"
)

// OutboxEntry records one notification or document preview produced by an action. Entries with
// a LogID are unique per (OrderID, LogID, Kind, TemplateCode, Channel), so a retried batch finds
// the entry instead of producing it again. SentAt is set once a transport delivered it; unsent
// entries are the ones held for review.
type OutboxEntry struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	OrderID      string     `json:"orderId"`
	LogID        string     `json:"logId,omitempty"`
	Channel      string     `json:"channel,omitempty"`
	To           string     `json:"to,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Body         string     `json:"body"`
	TemplateCode string     `json:"templateCode,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
}

// SameDelivery reports whether e and o are the same delivery of one action for one transition.
func (e OutboxEntry) SameDelivery(o OutboxEntry) bool {
	return e.LogID != "" && e.LogID == o.LogID && e.OrderID == o.OrderID &&
		e.Kind == o.Kind && e.TemplateCode == o.TemplateCode && e.Channel == o.Channel
}
