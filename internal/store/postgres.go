package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const statusColumns = `code, name, color, grp, sort_order, actions, system, created_at, updated_at`

func scanStatus(row pgx.Row) (models.StatusDefinition, error) {
	var st models.StatusDefinition
	var group string
	var actionsJSON []byte
	if err := row.Scan(&st.Code, &st.Name, &st.Color, &group, &st.Order, &actionsJSON, &st.System, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return models.StatusDefinition{}, err
	}
	st.Group = models.Group(group)
	if err := json.Unmarshal(actionsJSON, &st.Actions); err != nil {
		return models.StatusDefinition{}, fmt.Errorf("unmarshal actions for %s: %w", st.Code, err)
	}
	return st, nil
}

func (s *Store) GetStatus(ctx context.Context, code string) (models.StatusDefinition, error) {
	st, err := scanStatus(s.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM statuses WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatusDefinition{}, errs.NotFound("status", code)
	}
	if err != nil {
		return models.StatusDefinition{}, fmt.Errorf("get status: %w", err)
	}
	return st, nil
}

func (s *Store) ListStatuses(ctx context.Context) ([]models.StatusDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+statusColumns+` FROM statuses`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()
	var out []models.StatusDefinition
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortStatuses(out)
	return out, nil
}

func (s *Store) CreateStatus(ctx context.Context, st models.StatusDefinition) error {
	actions, err := marshalActions(st.Actions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO statuses (code, name, color, grp, sort_order, actions, system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, st.Code, st.Name, st.Color, string(st.Group), st.Order, actions, st.System)
	if isUniqueViolation(err) {
		return errs.DuplicateCode(st.Code)
	}
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

// UpdateStatus replaces the row stored under code; st.Code may differ when renaming.
func (s *Store) UpdateStatus(ctx context.Context, code string, st models.StatusDefinition) error {
	actions, err := marshalActions(st.Actions)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE statuses
		SET code = $2, name = $3, color = $4, grp = $5, sort_order = $6, actions = $7, system = $8, updated_at = NOW()
		WHERE code = $1
	`, code, st.Code, st.Name, st.Color, string(st.Group), st.Order, actions, st.System)
	if isUniqueViolation(err) {
		return errs.DuplicateCode(st.Code)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("status", code)
	}
	return nil
}

func (s *Store) DeleteStatus(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM statuses WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("status", code)
	}
	return nil
}

func (s *Store) GetOrderType(ctx context.Context, id string) (models.OrderType, error) {
	var t models.OrderType
	err := s.pool.QueryRow(ctx, `SELECT id, name, allowed_statuses FROM order_types WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.AllowedStatuses)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderType{}, errs.NotFound("order type", id)
	}
	if err != nil {
		return models.OrderType{}, fmt.Errorf("get order type: %w", err)
	}
	return t, nil
}

// SaveOrderType upserts an order type.
func (s *Store) SaveOrderType(ctx context.Context, t models.OrderType) error {
	allowed := t.AllowedStatuses
	if allowed == nil {
		allowed = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_types (id, name, allowed_statuses) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, allowed_statuses = EXCLUDED.allowed_statuses
	`, t.ID, t.Name, allowed)
	return err
}

const orderColumns = `id, number, client_id, type_id, status, status_changed_at, closed_success, closed_at, closed_by,
	payments_locked, items, grand_total, files, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	var o models.Order
	var closedSuccess pgtype.Bool
	var closedAt pgtype.Timestamptz
	var closedBy pgtype.Text
	var itemsJSON, filesJSON []byte
	if err := row.Scan(&o.ID, &o.Number, &o.ClientID, &o.TypeID, &o.Status, &o.StatusChangedAt,
		&closedSuccess, &closedAt, &closedBy, &o.PaymentsLocked, &itemsJSON, &o.Totals.GrandTotal,
		&filesJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, errs.NotFound("order", id)
		}
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	if closedAt.Valid {
		o.Closed = &models.ClosedInfo{Success: closedSuccess.Bool, At: closedAt.Time, By: closedBy.String}
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return models.Order{}, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(filesJSON, &o.Files); err != nil {
		return models.Order{}, fmt.Errorf("unmarshal files: %w", err)
	}
	return o, nil
}

// SaveOrder upserts the full order row.
func (s *Store) SaveOrder(ctx context.Context, o models.Order) error {
	items, err := json.Marshal(nonNilItems(o.Items))
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	files, err := json.Marshal(nonNilFiles(o.Files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	success, at, by := closedColumns(o.Closed)
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, number, client_id, type_id, status, status_changed_at, closed_success, closed_at, closed_by,
			payments_locked, items, grand_total, files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			number = EXCLUDED.number, client_id = EXCLUDED.client_id, type_id = EXCLUDED.type_id,
			status = EXCLUDED.status, status_changed_at = EXCLUDED.status_changed_at,
			closed_success = EXCLUDED.closed_success, closed_at = EXCLUDED.closed_at, closed_by = EXCLUDED.closed_by,
			payments_locked = EXCLUDED.payments_locked, items = EXCLUDED.items, grand_total = EXCLUDED.grand_total,
			files = EXCLUDED.files, updated_at = EXCLUDED.updated_at
	`, o.ID, o.Number, o.ClientID, o.TypeID, o.Status, o.StatusChangedAt, success, at, by,
		o.PaymentsLocked, items, o.Totals.GrandTotal, files, o.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// CommitTransition writes the order's new status block and the log entry in one transaction.
func (s *Store) CommitTransition(ctx context.Context, o models.Order, entry *models.TransitionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	actions, err := marshalActions(entry.ActionsEnqueued)
	if err != nil {
		return err
	}
	success, at, by := closedColumns(o.Closed)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, status_changed_at = $3, closed_success = $4, closed_at = $5, closed_by = $6,
			payments_locked = $7, updated_at = $8
		WHERE id = $1
	`, o.ID, o.Status, o.StatusChangedAt, success, at, by, o.PaymentsLocked, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("order", o.ID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO transition_logs (id, order_id, from_status, to_status, user_id, note, actions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.OrderID, entry.From, entry.To, entry.UserID, entry.Note, actions, entry.CreatedAt); err != nil {
		return fmt.Errorf("insert transition log: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTransitions(ctx context.Context, orderID string) ([]models.TransitionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, user_id, note, actions, created_at
		FROM transition_logs WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []models.TransitionLogEntry
	for rows.Next() {
		var e models.TransitionLogEntry
		var actionsJSON []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.From, &e.To, &e.UserID, &e.Note, &actionsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if err := json.Unmarshal(actionsJSON, &e.ActionsEnqueued); err != nil {
			return nil, fmt.Errorf("unmarshal transition actions: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CloseOrderIfOpen writes a failed close only when the order has none. It reports whether it wrote.
func (s *Store) CloseOrderIfOpen(ctx context.Context, orderID string, info models.ClosedInfo) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET closed_success = $2, closed_at = $3, closed_by = $4,
			payments_locked = payments_locked OR NOT $2, updated_at = $3
		WHERE id = $1 AND closed_at IS NULL
	`, orderID, info.Success, info.At, info.By)
	if err != nil {
		return false, fmt.Errorf("close order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return false, errs.NotFound("order", orderID)
	}
	return false, nil
}

// AttachFile appends ref to the order's files unless one with the same key is attached.
func (s *Store) AttachFile(ctx context.Context, orderID string, ref models.FileRef) error {
	entry, err := json.Marshal([]models.FileRef{ref})
	if err != nil {
		return fmt.Errorf("marshal file ref: %w", err)
	}
	probe, err := json.Marshal([]map[string]string{{"key": ref.Key}})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET files = files || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND NOT files @> $3::jsonb
	`, orderID, entry, probe)
	if err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	var c models.Client
	err := s.pool.QueryRow(ctx, `SELECT id, name, phone, email FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, errs.NotFound("client", id)
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// SaveClient upserts a client.
func (s *Store) SaveClient(ctx context.Context, c models.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, name, phone, email) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, email = EXCLUDED.email
	`, c.ID, c.Name, c.Phone, c.Email)
	return err
}

func marshalActions(list []models.ActionSpec) ([]byte, error) {
	if list == nil {
		list = []models.ActionSpec{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	return b, nil
}

func closedColumns(c *models.ClosedInfo) (*bool, *time.Time, *string) {
	if c == nil {
		return nil, nil, nil
	}
	success, at, by := c.Success, c.At, c.By
	return &success, &at, &by
}

func nonNilItems(items []models.LineItem) []models.LineItem {
	if items == nil {
		return []models.LineItem{}
	}
	return items
}

func nonNilFiles(files []models.FileRef) []models.FileRef {
	if files == nil {
		return []models.FileRef{}
	}
	return files
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
