package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

// ResolveCashRegister returns the register with id, or the default one when id is empty.
func (s *Store) ResolveCashRegister(ctx context.Context, id string) (models.CashRegister, error) {
	var r models.CashRegister
	var err error
	if id == "" {
		err = s.pool.QueryRow(ctx, `
			SELECT id, name, is_default FROM cash_registers WHERE is_default ORDER BY id LIMIT 1
		`).Scan(&r.ID, &r.Name, &r.IsDefault)
		id = "default"
	} else {
		err = s.pool.QueryRow(ctx, `SELECT id, name, is_default FROM cash_registers WHERE id = $1`, id).
			Scan(&r.ID, &r.Name, &r.IsDefault)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CashRegister{}, errs.NotFound("cash register", id)
	}
	if err != nil {
		return models.CashRegister{}, fmt.Errorf("get cash register: %w", err)
	}
	return r, nil
}

// SaveCashRegister upserts a register.
func (s *Store) SaveCashRegister(ctx context.Context, r models.CashRegister) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cash_registers (id, name, is_default) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_default = EXCLUDED.is_default
	`, r.ID, r.Name, r.IsDefault)
	return err
}

func (s *Store) SumPayments(ctx context.Context, orderID, kind string) (float64, error) {
	var total float64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payments WHERE order_id = $1 AND kind = $2
	`, orderID, kind).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum payments: %w", err)
	}
	return total, nil
}

// CreatePaymentOnce inserts p unless a payment with the same (order, source, log) exists.
// The partial unique index makes the check and the insert a single statement.
func (s *Store) CreatePaymentOnce(ctx context.Context, p *models.Payment) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, kind, amount, cash_register_id, log_id, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id, source, log_id) WHERE source <> '' DO NOTHING
	`, p.ID, p.OrderID, p.Kind, p.Amount, p.CashRegisterID, p.LogID, p.Source, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IssueStock decrements stock for every line with an item id and writes one issue movement per
// line. An advisory lock keyed on the order serializes concurrent issues; the order is skipped
// when an issue movement already exists.
func (s *Store) IssueStock(ctx context.Context, orderID string, lines []models.LineItem) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "stock-issue:"+orderID); err != nil {
		return false, fmt.Errorf("lock stock issue: %w", err)
	}
	var issued bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM stock_movements WHERE source_kind = 'order' AND source_id = $1 AND type = $2)
	`, orderID, models.MovementIssue).Scan(&issued); err != nil {
		return false, fmt.Errorf("check stock movements: %w", err)
	}
	if issued {
		return false, nil
	}

	now := time.Now().UTC()
	for _, line := range lines {
		if line.ItemID == "" || line.Qty <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock (item_id, qty, updated_at) VALUES ($1, -$2::double precision, $3)
			ON CONFLICT (item_id) DO UPDATE SET qty = stock.qty - $2::double precision, updated_at = $3
		`, line.ItemID, line.Qty, now); err != nil {
			return false, fmt.Errorf("decrement stock %s: %w", line.ItemID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_movements (id, item_id, type, qty, source_kind, source_id, created_at)
			VALUES ($1, $2, $3, $4, 'order', $5, $6)
		`, uuid.New().String(), line.ItemID, models.MovementIssue, -line.Qty, orderID, now); err != nil {
			return false, fmt.Errorf("insert stock movement: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit stock issue: %w", err)
	}
	return true, nil
}

// CreateAccrualOnce inserts a unless one exists for the same (order, log) pair.
func (s *Store) CreateAccrualOnce(ctx context.Context, a *models.PayrollAccrual) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payroll_accruals (id, order_id, log_id, user_id, base_amount, percent, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id, log_id) DO NOTHING
	`, a.ID, a.OrderID, a.LogID, a.UserID, a.BaseAmount, a.Percent, a.Amount, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payroll accrual: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FindMessageTemplate(ctx context.Context, ref string) (models.MessageTemplate, error) {
	var t models.MessageTemplate
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, channel, subject, body FROM message_templates
		WHERE id = $1 OR code = $1 ORDER BY (id = $1) DESC LIMIT 1
	`, ref).Scan(&t.ID, &t.Code, &t.Channel, &t.Subject, &t.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MessageTemplate{}, errs.NotFound("message template", ref)
	}
	if err != nil {
		return models.MessageTemplate{}, fmt.Errorf("get message template: %w", err)
	}
	return t, nil
}

// SaveMessageTemplate upserts a message template.
func (s *Store) SaveMessageTemplate(ctx context.Context, t models.MessageTemplate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_templates (id, code, channel, subject, body) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, channel = EXCLUDED.channel,
			subject = EXCLUDED.subject, body = EXCLUDED.body
	`, t.ID, t.Code, t.Channel, t.Subject, t.Body)
	return err
}

func (s *Store) FindDocumentTemplate(ctx context.Context, ref string) (models.DocumentTemplate, error) {
	var t models.DocumentTemplate
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, content, mime_type FROM document_templates
		WHERE id = $1 OR code = $1 ORDER BY (id = $1) DESC LIMIT 1
	`, ref).Scan(&t.ID, &t.Code, &t.Name, &t.Content, &t.MimeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentTemplate{}, errs.NotFound("document template", ref)
	}
	if err != nil {
		return models.DocumentTemplate{}, fmt.Errorf("get document template: %w", err)
	}
	return t, nil
}

// SaveDocumentTemplate upserts a document template.
func (s *Store) SaveDocumentTemplate(ctx context.Context, t models.DocumentTemplate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_templates (id, code, name, content, mime_type) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name,
			content = EXCLUDED.content, mime_type = EXCLUDED.mime_type
	`, t.ID, t.Code, t.Name, t.Content, t.MimeType)
	return err
}

// AppendOutboxOnce inserts e unless the delivery it describes is already recorded; then e is
// replaced by the stored row and false is returned.
func (s *Store) AppendOutboxOnce(ctx context.Context, e *models.OutboxEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outbox (id, kind, order_id, log_id, channel, recipient, subject, body, template_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id, log_id, kind, template_code, channel) WHERE log_id <> '' DO NOTHING
	`, e.ID, e.Kind, e.OrderID, e.LogID, e.Channel, e.To, e.Subject, e.Body, e.TemplateCode, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	err = s.pool.QueryRow(ctx, `
		SELECT id, recipient, subject, body, created_at, sent_at
		FROM outbox
		WHERE order_id = $1 AND log_id = $2 AND kind = $3 AND template_code = $4 AND channel = $5
	`, e.OrderID, e.LogID, e.Kind, e.TemplateCode, e.Channel).Scan(&e.ID, &e.To, &e.Subject, &e.Body, &e.CreatedAt, &e.SentAt)
	if err != nil {
		return false, fmt.Errorf("load outbox entry: %w", err)
	}
	return false, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("outbox entry", id)
	}
	return nil
}

// ListOutbox returns up to limit unsent entries, newest first.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, order_id, log_id, channel, recipient, subject, body, template_code, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()
	var out []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrderID, &e.LogID, &e.Channel, &e.To, &e.Subject, &e.Body, &e.TemplateCode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
