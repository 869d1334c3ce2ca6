package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
	"orderdesk/internal/telemetry"
	"orderdesk/internal/transition"
)

// Transitions changes order statuses and reads their audit trail.
type Transitions interface {
	ChangeStatus(ctx context.Context, req transition.Request) (transition.Result, error)
	History(ctx context.Context, orderID string) ([]models.TransitionLogEntry, error)
}

// Statuses manages status definitions.
type Statuses interface {
	List(ctx context.Context) ([]models.StatusDefinition, error)
	Create(ctx context.Context, def models.StatusDefinition) (models.StatusDefinition, error)
	Update(ctx context.Context, code string, def models.StatusDefinition) (models.StatusDefinition, error)
	Delete(ctx context.Context, code string) error
}

// QueueMetrics returns a queue snapshot with up to limit recent failures.
type QueueMetrics interface {
	Collect(ctx context.Context, limit int) (models.QueueMetricsSnapshot, error)
}

// Outbox lists dry-run notifications and documents.
type Outbox interface {
	ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error)
}

// Limiter throttles status changes per user.
type Limiter interface {
	AllowTransition(ctx context.Context, userID string) (bool, error)
}

// Server wires HTTP handlers for the order desk API.
type Server struct {
	transitions Transitions
	statuses    Statuses
	metrics     QueueMetrics
	outbox      Outbox
	limiter     Limiter
	log         zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(transitions Transitions, statuses Statuses, metrics QueueMetrics, outbox Outbox, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		transitions: transitions,
		statuses:    statuses,
		metrics:     metrics,
		outbox:      outbox,
		limiter:     limiter,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/status", s.handleChangeStatus)
		r.Get("/transitions", s.handleHistory)
	})
	r.Route("/statuses", func(r chi.Router) {
		r.Get("/", s.handleListStatuses)
		r.Post("/", s.handleCreateStatus)
		r.Put("/{code}", s.handleUpdateStatus)
		r.Delete("/{code}", s.handleDeleteStatus)
	})
	r.Get("/queue/metrics", s.handleQueueMetrics)
	r.Get("/outbox", s.handleOutbox)
	return r
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validation("body", "invalid json"))
		return
	}
	userID := r.Header.Get("X-User-ID")

	if s.limiter != nil {
		allowed, err := s.limiter.AllowTransition(r.Context(), userID)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			telemetry.TransitionCounter.WithLabelValues("rate_limited").Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{Code: "RATE_LIMITED", Message: "rate limited"}})
			return
		}
	}

	res, err := s.transitions.ChangeStatus(r.Context(), transition.Request{
		OrderID:      chi.URLParam(r, "id"),
		StatusCode:   req.Status,
		UserID:       userID,
		Note:         req.Note,
		Capabilities: capabilitiesFromRequest(r),
	})
	if err != nil {
		outcome := strings.ToLower(errs.Code(err))
		if outcome == "" {
			outcome = "error"
		}
		telemetry.TransitionCounter.WithLabelValues(outcome).Inc()
		s.writeError(w, err)
		return
	}
	telemetry.TransitionCounter.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.transitions.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	list, err := s.statuses.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleCreateStatus(w http.ResponseWriter, r *http.Request) {
	def, err := decodeStatus(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.statuses.Create(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	def, err := decodeStatus(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.statuses.Update(r.Context(), chi.URLParam(r, "code"), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// statusRequest accepts actions as bare names or objects.
type statusRequest struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Group   string `json:"group"`
	Order   int    `json:"order"`
	Actions []any  `json:"actions"`
	System  bool   `json:"system"`
}

func decodeStatus(r *http.Request) (models.StatusDefinition, error) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.StatusDefinition{}, errs.Validation("body", "invalid json")
	}
	actions, rejects := models.NormalizeActions(req.Actions)
	if len(rejects) > 0 {
		return models.StatusDefinition{}, errs.Validation("actions", "unreadable entries: "+strings.Join(rejects, ", "))
	}
	return models.StatusDefinition{
		Code:    req.Code,
		Name:    req.Name,
		Color:   req.Color,
		Group:   models.Group(req.Group),
		Order:   req.Order,
		Actions: actions,
		System:  req.System,
	}, nil
}

func (s *Server) handleDeleteStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.statuses.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.metrics.Collect(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.outbox.ListOutbox(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func capabilitiesFromRequest(r *http.Request) []string {
	raw := r.Header.Get("X-Capabilities")
	if raw == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	code := errs.Code(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		if code == "" {
			code = "INTERNAL"
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
