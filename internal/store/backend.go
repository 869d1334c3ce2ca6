package store

import (
	"context"
	"fmt"
	"time"

	"orderdesk/internal/config"
	"orderdesk/internal/models"
)

// Backend is the persistence surface shared by Memory and the Postgres Store.
type Backend interface {
	Seeder

	GetStatus(ctx context.Context, code string) (models.StatusDefinition, error)
	ListStatuses(ctx context.Context) ([]models.StatusDefinition, error)
	CreateStatus(ctx context.Context, st models.StatusDefinition) error
	UpdateStatus(ctx context.Context, code string, st models.StatusDefinition) error
	DeleteStatus(ctx context.Context, code string) error

	GetOrderType(ctx context.Context, id string) (models.OrderType, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	CommitTransition(ctx context.Context, o models.Order, entry *models.TransitionLogEntry) error
	ListTransitions(ctx context.Context, orderID string) ([]models.TransitionLogEntry, error)
	CloseOrderIfOpen(ctx context.Context, orderID string, info models.ClosedInfo) (bool, error)
	AttachFile(ctx context.Context, orderID string, ref models.FileRef) error
	GetClient(ctx context.Context, id string) (models.Client, error)

	ResolveCashRegister(ctx context.Context, id string) (models.CashRegister, error)
	SumPayments(ctx context.Context, orderID, kind string) (float64, error)
	CreatePaymentOnce(ctx context.Context, p *models.Payment) (bool, error)
	IssueStock(ctx context.Context, orderID string, lines []models.LineItem) (bool, error)
	CreateAccrualOnce(ctx context.Context, a *models.PayrollAccrual) (bool, error)

	FindMessageTemplate(ctx context.Context, ref string) (models.MessageTemplate, error)
	FindDocumentTemplate(ctx context.Context, ref string) (models.DocumentTemplate, error)
	AppendOutboxOnce(ctx context.Context, e *models.OutboxEntry) (bool, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error)
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Store)(nil)
)

// Open returns the backend named by cfg.StoreBackend and a function releasing it.
// Postgres connections are migrated before they are returned.
func Open(ctx context.Context, cfg config.Config) (Backend, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory, "":
		return NewMemory(), func() {}, nil
	case config.StoreBackendPostgres:
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
