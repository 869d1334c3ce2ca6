// Package transition changes order statuses and hands the resulting side effects to the queue.
package transition

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

// CapabilityReopen lets a caller move an order out of a closed status.
const CapabilityReopen = "reopen"

// Store is the persistence the service needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetStatus(ctx context.Context, code string) (models.StatusDefinition, error)
	GetOrderType(ctx context.Context, id string) (models.OrderType, error)
	CommitTransition(ctx context.Context, o models.Order, entry *models.TransitionLogEntry) error
	ListTransitions(ctx context.Context, orderID string) ([]models.TransitionLogEntry, error)
}

// Enqueuer accepts action batches. added is false when a live job with the same id exists.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload) (added bool, err error)
}

// Options toggles optional rules.
type Options struct {
	// AutoStockIssue appends a stockIssue action to transitions into a closed_success status.
	AutoStockIssue bool
	Now            func() time.Time
}

// Request is one status change.
type Request struct {
	OrderID      string
	StatusCode   string
	UserID       string
	Note         string
	Capabilities []string
}

func (r Request) can(capability string) bool {
	for _, c := range r.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), capability) {
			return true
		}
	}
	return false
}

// Result is returned once the transition is committed.
type Result struct {
	Order    models.Order              `json:"order"`
	LogEntry models.TransitionLogEntry `json:"logEntry"`
	Enqueued bool                      `json:"enqueued"`
}

type Service struct {
	store Store
	queue Enqueuer
	opts  Options
	log   zerolog.Logger
}

func NewService(store Store, queue Enqueuer, opts Options, log zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store: store,
		queue: queue,
		opts:  opts,
		log:   log.With().Str("component", "transition").Logger(),
	}
}

// ChangeStatus validates and commits a status change, then enqueues the target status actions.
// Validation failures leave the order untouched. Enqueue failures are logged and reported
// through Result.Enqueued only.
func (s *Service) ChangeStatus(ctx context.Context, req Request) (Result, error) {
	req.StatusCode = strings.ToLower(strings.TrimSpace(req.StatusCode))
	if req.OrderID == "" {
		return Result{}, errs.Validation("orderId", "is required")
	}
	if req.StatusCode == "" {
		return Result{}, errs.Validation("status", "is required")
	}
	if req.UserID == "" {
		return Result{}, errs.Validation("userId", "is required")
	}

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, err
	}

	closed, err := s.currentlyClosed(ctx, order)
	if err != nil {
		return Result{}, err
	}
	if closed && !req.can(CapabilityReopen) {
		return Result{}, errs.ReopenForbidden(order.ID, order.Status)
	}

	target, err := s.store.GetStatus(ctx, req.StatusCode)
	if err != nil {
		return Result{}, err
	}

	if order.TypeID != "" {
		orderType, err := s.store.GetOrderType(ctx, order.TypeID)
		switch {
		case errs.Is(err, errs.CodeNotFound):
			// an order type without a record imposes no restriction
		case err != nil:
			return Result{}, err
		case !orderType.Allows(target.Code):
			return Result{}, errs.StatusNotAllowed(order.TypeID, target.Code)
		}
	}

	now := s.opts.Now().UTC()
	from := order.Status
	order.ApplyStatus(target, req.UserID, now)

	actions := s.actionsFor(target)
	entry := models.TransitionLogEntry{
		OrderID:         order.ID,
		From:            from,
		To:              target.Code,
		UserID:          req.UserID,
		Note:            strings.TrimSpace(req.Note),
		ActionsEnqueued: actions,
		CreatedAt:       now,
	}
	if err := s.store.CommitTransition(ctx, order, &entry); err != nil {
		return Result{}, err
	}

	logger := s.log.With().
		Str("order_id", order.ID).
		Str("from", from).
		Str("to", target.Code).
		Str("log_id", entry.ID).
		Logger()
	logger.Info().Strs("actions", models.ActionTypes(actions)).Msg("status changed")

	res := Result{Order: order, LogEntry: entry}
	if len(actions) == 0 || s.queue == nil {
		return res, nil
	}
	payload := models.JobPayload{
		OrderID:    order.ID,
		StatusCode: target.Code,
		Actions:    actions,
		LogID:      entry.ID,
		UserID:     req.UserID,
	}
	added, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", payload.ID()).Msg("enqueue actions failed")
		return res, nil
	}
	res.Enqueued = true
	if !added {
		logger.Debug().Str("job_id", payload.ID()).Msg("actions already queued")
	}
	return res, nil
}

// History returns the order's transitions, oldest first.
func (s *Service) History(ctx context.Context, orderID string) ([]models.TransitionLogEntry, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, orderID)
}

// currentlyClosed resolves the group of the order's current status. When the status record is
// gone the closed block decides.
func (s *Service) currentlyClosed(ctx context.Context, order models.Order) (bool, error) {
	if order.Status == "" {
		return order.Closed != nil, nil
	}
	current, err := s.store.GetStatus(ctx, order.Status)
	if errs.Is(err, errs.CodeNotFound) {
		return order.Closed != nil, nil
	}
	if err != nil {
		return false, err
	}
	return current.Group.Closed(), nil
}

func (s *Service) actionsFor(target models.StatusDefinition) []models.ActionSpec {
	actions := append([]models.ActionSpec(nil), target.Actions...)
	if s.opts.AutoStockIssue && target.Group == models.GroupClosedSuccess && !models.HasAction(actions, models.ActionStockIssue) {
		actions = append(actions, models.Action(models.ActionStockIssue))
	}
	return actions
}
