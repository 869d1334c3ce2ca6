package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"orderdesk/internal/config"
	"orderdesk/internal/errs"
	"orderdesk/internal/models"
	"orderdesk/internal/telemetry"
)

// Store is everything the action handlers read or write.
type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
	GetStatus(ctx context.Context, code string) (models.StatusDefinition, error)

	ResolveCashRegister(ctx context.Context, id string) (models.CashRegister, error)
	SumPayments(ctx context.Context, orderID, kind string) (float64, error)
	CreatePaymentOnce(ctx context.Context, p *models.Payment) (bool, error)
	CloseOrderIfOpen(ctx context.Context, orderID string, info models.ClosedInfo) (bool, error)
	CreateAccrualOnce(ctx context.Context, a *models.PayrollAccrual) (bool, error)
	IssueStock(ctx context.Context, orderID string, lines []models.LineItem) (bool, error)

	FindMessageTemplate(ctx context.Context, ref string) (models.MessageTemplate, error)
	FindDocumentTemplate(ctx context.Context, ref string) (models.DocumentTemplate, error)
	AppendOutboxOnce(ctx context.Context, e *models.OutboxEntry) (bool, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	AttachFile(ctx context.Context, orderID string, ref models.FileRef) error
}

// Options configures handler behaviour.
type Options struct {
	NotifyDryRun   bool
	PrintDryRun    bool
	PayrollPercent float64
	Now            func() time.Time
}

// OptionsFromConfig maps runtime config onto processor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		NotifyDryRun:   cfg.NotifyDryRun,
		PrintDryRun:    cfg.PrintDryRun,
		PayrollPercent: cfg.PayrollPercent,
	}
}

// NewFromConfig builds a processor with the configured file store and, when AMQP_URL is
// set, a broker transport. The returned func releases the broker connection.
func NewFromConfig(ctx context.Context, cfg config.Config, store Store, log zerolog.Logger) (*Processor, func(), error) {
	files, err := NewFileStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	var transport Transport
	if cfg.AMQPURL != "" {
		amqpTransport, err := DialAMQP(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			return nil, nil, err
		}
		transport = amqpTransport
		release = func() {
			if err := amqpTransport.Close(); err != nil {
				log.Warn().Err(err).Msg("close amqp connection")
			}
		}
	}
	return NewProcessor(store, files, transport, OptionsFromConfig(cfg), log), release, nil
}

// Handler executes one action of a batch.
type Handler func(ctx context.Context, job models.JobPayload, action models.ActionSpec) error

// Processor executes action batches. It implements queue.Executor.
type Processor struct {
	store     Store
	files     FileStore
	transport Transport
	opts      Options
	log       zerolog.Logger
	handlers  map[models.ActionType]Handler
}

// NewProcessor registers the built-in handlers. files and transport may be nil: printing then
// always goes to the outbox, and so do notifications.
func NewProcessor(store Store, files FileStore, transport Transport, opts Options, log zerolog.Logger) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Processor{
		store:     store,
		files:     files,
		transport: transport,
		opts:      opts,
		log:       log.With().Str("component", "processor").Logger(),
		handlers:  make(map[models.ActionType]Handler),
	}
	p.RegisterHandler(models.ActionCharge, p.handleCharge)
	p.RegisterHandler(models.ActionCloseWithoutPayment, p.handleCloseWithoutPayment)
	p.RegisterHandler(models.ActionPayrollAccrual, p.handlePayrollAccrual)
	p.RegisterHandler(models.ActionNotify, p.handleNotify)
	p.RegisterHandler(models.ActionPrint, p.handlePrint)
	p.RegisterHandler(models.ActionStockIssue, p.handleStockIssue)
	return p
}

// RegisterHandler binds a handler to an action type, replacing any previous one.
func (p *Processor) RegisterHandler(actionType models.ActionType, handler Handler) {
	if actionType == "" || handler == nil {
		return
	}
	p.handlers[actionType] = handler
}

// Execute runs the batch in order. Invalid or unhandled actions are skipped; the first
// handler error stops the batch so the queue retries it as a whole.
func (p *Processor) Execute(ctx context.Context, job models.JobPayload) error {
	logger := p.log.With().Str("job_id", job.ID()).Str("order_id", job.OrderID).Logger()
	for i, action := range job.Actions {
		if err := action.Validate(); err != nil {
			telemetry.ActionCounter.WithLabelValues(string(action.Type), "skipped").Inc()
			logger.Warn().Err(err).Int("index", i).Str("action", string(action.Type)).Msg("skipping invalid action")
			continue
		}
		handler, ok := p.handlers[action.Type]
		if !ok {
			telemetry.ActionCounter.WithLabelValues(string(action.Type), "skipped").Inc()
			logger.Warn().Int("index", i).Str("action", string(action.Type)).Msg("no handler for action")
			continue
		}
		if err := handler(ctx, job, action); err != nil {
			telemetry.ActionCounter.WithLabelValues(string(action.Type), "error").Inc()
			logger.Warn().Err(err).Int("index", i).Str("action", string(action.Type)).Msg("action failed")
			return errs.Transient(string(action.Type), err)
		}
		telemetry.ActionCounter.WithLabelValues(string(action.Type), "ok").Inc()
	}
	return nil
}

// templateData is the context {{...}} placeholders resolve against.
func (p *Processor) templateData(ctx context.Context, job models.JobPayload, order models.Order) (map[string]any, models.Client, error) {
	data := map[string]any{"order": order, "client": nil, "status": nil}
	var client models.Client
	if order.ClientID != "" {
		c, err := p.store.GetClient(ctx, order.ClientID)
		switch {
		case err == nil:
			client = c
			data["client"] = c
		case !errs.Is(err, errs.CodeNotFound):
			return nil, client, err
		}
	}
	code := job.StatusCode
	if code == "" {
		code = order.Status
	}
	st, err := p.store.GetStatus(ctx, code)
	switch {
	case err == nil:
		data["status"] = st
	case !errs.Is(err, errs.CodeNotFound):
		return nil, client, err
	}
	return data, client, nil
}
