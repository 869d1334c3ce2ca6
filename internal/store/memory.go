package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

// Memory is an in-process implementation of every persistence collaborator the engine
// uses. It backs tests and single-process development runs. All state lives on the
// instance; Reset returns it to empty.
type Memory struct {
	mu sync.Mutex

	statuses    map[string]models.StatusDefinition
	orderTypes  map[string]models.OrderType
	orders      map[string]models.Order
	clients     map[string]models.Client
	transitions []models.TransitionLogEntry
	registers   []models.CashRegister
	payments    []models.Payment
	stock       map[string]models.StockRecord
	movements   []models.StockMovement
	accruals    []models.PayrollAccrual
	messages    []models.MessageTemplate
	documents   []models.DocumentTemplate
	outbox      []models.OutboxEntry

	now func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	m.Reset()
	return m
}

// Reset drops all state.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = make(map[string]models.StatusDefinition)
	m.orderTypes = make(map[string]models.OrderType)
	m.orders = make(map[string]models.Order)
	m.clients = make(map[string]models.Client)
	m.transitions = nil
	m.registers = nil
	m.payments = nil
	m.stock = make(map[string]models.StockRecord)
	m.movements = nil
	m.accruals = nil
	m.messages = nil
	m.documents = nil
	m.outbox = nil
}

// --- statuses ---

func (m *Memory) GetStatus(_ context.Context, code string) (models.StatusDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[code]
	if !ok {
		return models.StatusDefinition{}, errs.NotFound("status", code)
	}
	return cloneStatus(st), nil
}

func (m *Memory) ListStatuses(_ context.Context) ([]models.StatusDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StatusDefinition, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, cloneStatus(st))
	}
	sortStatuses(out)
	return out, nil
}

func (m *Memory) CreateStatus(_ context.Context, st models.StatusDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[st.Code]; ok {
		return errs.DuplicateCode(st.Code)
	}
	now := m.now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	m.statuses[st.Code] = cloneStatus(st)
	return nil
}

// UpdateStatus replaces the record stored under code; st.Code may differ when renaming.
func (m *Memory) UpdateStatus(_ context.Context, code string, st models.StatusDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.statuses[code]
	if !ok {
		return errs.NotFound("status", code)
	}
	if st.Code != code {
		if _, taken := m.statuses[st.Code]; taken {
			return errs.DuplicateCode(st.Code)
		}
		delete(m.statuses, code)
	}
	st.CreatedAt = prev.CreatedAt
	st.UpdatedAt = m.now().UTC()
	m.statuses[st.Code] = cloneStatus(st)
	return nil
}

func (m *Memory) DeleteStatus(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[code]; !ok {
		return errs.NotFound("status", code)
	}
	delete(m.statuses, code)
	return nil
}

// --- orders ---

// PutOrderType stores an order type.
func (m *Memory) PutOrderType(t models.OrderType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.AllowedStatuses = append([]string(nil), t.AllowedStatuses...)
	m.orderTypes[t.ID] = t
}

func (m *Memory) GetOrderType(_ context.Context, id string) (models.OrderType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.orderTypes[id]
	if !ok {
		return models.OrderType{}, errs.NotFound("order type", id)
	}
	t.AllowedStatuses = append([]string(nil), t.AllowedStatuses...)
	return t, nil
}

// PutOrder stores an order as-is.
func (m *Memory) PutOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
}

func (m *Memory) GetOrder(_ context.Context, id string) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, errs.NotFound("order", id)
	}
	return cloneOrder(o), nil
}

// CommitTransition saves the order and appends the log entry as one step.
func (m *Memory) CommitTransition(_ context.Context, o models.Order, entry *models.TransitionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return errs.NotFound("order", o.ID)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	m.orders[o.ID] = cloneOrder(o)
	saved := *entry
	saved.ActionsEnqueued = append([]models.ActionSpec(nil), entry.ActionsEnqueued...)
	m.transitions = append(m.transitions, saved)
	return nil
}

func (m *Memory) ListTransitions(_ context.Context, orderID string) ([]models.TransitionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransitionLogEntry
	for _, e := range m.transitions {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// CloseOrderIfOpen writes the closed block only when none is set. It reports whether it wrote.
func (m *Memory) CloseOrderIfOpen(_ context.Context, orderID string, info models.ClosedInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, errs.NotFound("order", orderID)
	}
	if o.Closed != nil {
		return false, nil
	}
	o.Closed = &info
	if !info.Success {
		o.PaymentsLocked = true
	}
	o.UpdatedAt = info.At
	m.orders[orderID] = o
	return true, nil
}

// AttachFile appends the file reference unless one with the same key is attached.
func (m *Memory) AttachFile(_ context.Context, orderID string, ref models.FileRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return errs.NotFound("order", orderID)
	}
	if o.HasFile(ref.Key) {
		return nil
	}
	o.Files = append(o.Files, ref)
	m.orders[orderID] = o
	return nil
}

// --- clients ---

func (m *Memory) PutClient(c models.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *Memory) GetClient(_ context.Context, id string) (models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return models.Client{}, errs.NotFound("client", id)
	}
	return c, nil
}

// --- payments ---

func (m *Memory) PutCashRegister(r models.CashRegister) {
	_ = m.SaveCashRegister(context.Background(), r)
}

// ResolveCashRegister returns the register with id, or the default one when id is empty.
func (m *Memory) ResolveCashRegister(_ context.Context, id string) (models.CashRegister, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.registers {
		if (id != "" && r.ID == id) || (id == "" && r.IsDefault) {
			return r, nil
		}
	}
	if id == "" {
		return models.CashRegister{}, errs.NotFound("cash register", "default")
	}
	return models.CashRegister{}, errs.NotFound("cash register", id)
}

func (m *Memory) SumPayments(_ context.Context, orderID, kind string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Kind == kind {
			total += p.Amount
		}
	}
	return total, nil
}

// CreatePaymentOnce inserts p unless a payment with the same (order, source, log) exists.
func (m *Memory) CreatePaymentOnce(_ context.Context, p *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Source != "" {
		for _, existing := range m.payments {
			if existing.OrderID == p.OrderID && existing.Source == p.Source && existing.LogID == p.LogID {
				return false, nil
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	m.payments = append(m.payments, *p)
	return true, nil
}

// Payments returns the payments recorded for an order.
func (m *Memory) Payments(orderID string) []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

// --- stock ---

func (m *Memory) PutStock(itemID string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[itemID] = models.StockRecord{ItemID: itemID, Qty: qty, UpdatedAt: m.now().UTC()}
}

// Stock returns the on-hand record for an item and whether it exists.
func (m *Memory) Stock(itemID string) (models.StockRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.stock[itemID]
	return r, ok
}

// IssueStock decrements stock for every line with an item id and writes one issue movement
// per line. Nothing happens when the order already has an issue movement.
func (m *Memory) IssueStock(_ context.Context, orderID string, lines []models.LineItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range m.movements {
		if mv.Type == models.MovementIssue && mv.Source.Kind == "order" && mv.Source.ID == orderID {
			return false, nil
		}
	}
	now := m.now().UTC()
	for _, line := range lines {
		if line.ItemID == "" || line.Qty <= 0 {
			continue
		}
		rec := m.stock[line.ItemID]
		rec.ItemID = line.ItemID
		rec.Qty -= line.Qty
		rec.UpdatedAt = now
		m.stock[line.ItemID] = rec
		m.movements = append(m.movements, models.StockMovement{
			ID:        uuid.New().String(),
			ItemID:    line.ItemID,
			Type:      models.MovementIssue,
			Qty:       -line.Qty,
			Source:    models.MovementSource{Kind: "order", ID: orderID},
			CreatedAt: now,
		})
	}
	return true, nil
}

// Movements returns the stock ledger rows sourced from an order.
func (m *Memory) Movements(orderID string) []models.StockMovement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StockMovement
	for _, mv := range m.movements {
		if mv.Source.ID == orderID {
			out = append(out, mv)
		}
	}
	return out
}

// --- payroll ---

// CreateAccrualOnce inserts a unless one exists for the same (order, log) pair.
func (m *Memory) CreateAccrualOnce(_ context.Context, a *models.PayrollAccrual) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accruals {
		if existing.OrderID == a.OrderID && existing.LogID == a.LogID {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.accruals = append(m.accruals, *a)
	return true, nil
}

// Accruals returns the payroll accruals for an order.
func (m *Memory) Accruals(orderID string) []models.PayrollAccrual {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PayrollAccrual
	for _, a := range m.accruals {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out
}

// --- templates ---

func (m *Memory) PutMessageTemplate(t models.MessageTemplate) {
	_ = m.SaveMessageTemplate(context.Background(), t)
}

func (m *Memory) FindMessageTemplate(_ context.Context, ref string) (models.MessageTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.messages {
		if t.ID == ref || t.Code == ref {
			return t, nil
		}
	}
	return models.MessageTemplate{}, errs.NotFound("message template", ref)
}

func (m *Memory) PutDocumentTemplate(t models.DocumentTemplate) {
	_ = m.SaveDocumentTemplate(context.Background(), t)
}

func (m *Memory) FindDocumentTemplate(_ context.Context, ref string) (models.DocumentTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.documents {
		if t.ID == ref || t.Code == ref {
			return t, nil
		}
	}
	return models.DocumentTemplate{}, errs.NotFound("document template", ref)
}

// --- outbox ---

// AppendOutboxOnce stores e unless an entry for the same delivery exists, in which case e is
// overwritten with the stored entry and false is returned.
func (m *Memory) AppendOutboxOnce(_ context.Context, e *models.OutboxEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outbox {
		if existing.SameDelivery(*e) {
			*e = existing
			return false, nil
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	m.outbox = append(m.outbox, *e)
	return true, nil
}

func (m *Memory) MarkOutboxSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			at := at.UTC()
			m.outbox[i].SentAt = &at
			return nil
		}
	}
	return errs.NotFound("outbox entry", id)
}

// ListOutbox returns up to limit unsent entries, newest first.
func (m *Memory) ListOutbox(_ context.Context, limit int) ([]models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OutboxEntry, 0, len(m.outbox))
	for i := len(m.outbox) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.outbox[i].SentAt != nil {
			continue
		}
		out = append(out, m.outbox[i])
	}
	return out, nil
}

func cloneOrder(o models.Order) models.Order {
	o.Items = append([]models.LineItem(nil), o.Items...)
	o.Files = append([]models.FileRef(nil), o.Files...)
	if o.Closed != nil {
		c := *o.Closed
		o.Closed = &c
	}
	if o.StatusChangedAt != nil {
		t := *o.StatusChangedAt
		o.StatusChangedAt = &t
	}
	return o
}

func cloneStatus(st models.StatusDefinition) models.StatusDefinition {
	st.Actions = append([]models.ActionSpec(nil), st.Actions...)
	return st
}

func sortStatuses(list []models.StatusDefinition) {
	sort.SliceStable(list, func(i, j int) bool {
		gi, gj := list[i].Group.Rank(), list[j].Group.Rank()
		if gi != gj {
			return gi < gj
		}
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].Code < list[j].Code
	})
}

// The Save* methods mirror the Postgres store so fixtures load into either backend.

func (m *Memory) SaveOrder(_ context.Context, o models.Order) error {
	m.PutOrder(o)
	return nil
}

func (m *Memory) SaveOrderType(_ context.Context, t models.OrderType) error {
	m.PutOrderType(t)
	return nil
}

func (m *Memory) SaveClient(_ context.Context, c models.Client) error {
	m.PutClient(c)
	return nil
}

func (m *Memory) SaveCashRegister(_ context.Context, r models.CashRegister) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.registers {
		if existing.ID == r.ID {
			m.registers[i] = r
			return nil
		}
	}
	m.registers = append(m.registers, r)
	return nil
}

func (m *Memory) SaveMessageTemplate(_ context.Context, t models.MessageTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.messages {
		if existing.ID == t.ID {
			m.messages[i] = t
			return nil
		}
	}
	m.messages = append(m.messages, t)
	return nil
}

func (m *Memory) SaveDocumentTemplate(_ context.Context, t models.DocumentTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.documents {
		if existing.ID == t.ID {
			m.documents[i] = t
			return nil
		}
	}
	m.documents = append(m.documents, t)
	return nil
}
