// Package registry validates and stores the configurable order statuses.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

var codePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,39}$`)

// Store is the persistence the registry needs.
type Store interface {
	GetStatus(ctx context.Context, code string) (models.StatusDefinition, error)
	ListStatuses(ctx context.Context) ([]models.StatusDefinition, error)
	CreateStatus(ctx context.Context, st models.StatusDefinition) error
	UpdateStatus(ctx context.Context, code string, st models.StatusDefinition) error
	DeleteStatus(ctx context.Context, code string) error
}

// Registry guards status definitions. Records flagged system keep their code and group
// forever and cannot be deleted.
type Registry struct {
	store Store
	log   zerolog.Logger
}

func New(store Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log.With().Str("component", "registry").Logger()}
}

func (r *Registry) Get(ctx context.Context, code string) (models.StatusDefinition, error) {
	return r.store.GetStatus(ctx, normalizeCode(code))
}

// List returns every status sorted by group, then sort order.
func (r *Registry) List(ctx context.Context) ([]models.StatusDefinition, error) {
	return r.store.ListStatuses(ctx)
}

func (r *Registry) Create(ctx context.Context, def models.StatusDefinition) (models.StatusDefinition, error) {
	def = normalize(def)
	if err := Validate(def); err != nil {
		return models.StatusDefinition{}, err
	}
	if err := r.store.CreateStatus(ctx, def); err != nil {
		return models.StatusDefinition{}, err
	}
	r.log.Info().Str("code", def.Code).Str("group", string(def.Group)).Msg("status created")
	return r.store.GetStatus(ctx, def.Code)
}

// Update replaces the status stored under code. An empty def.Code keeps the current code.
func (r *Registry) Update(ctx context.Context, code string, def models.StatusDefinition) (models.StatusDefinition, error) {
	code = normalizeCode(code)
	current, err := r.store.GetStatus(ctx, code)
	if err != nil {
		return models.StatusDefinition{}, err
	}
	if def.Code == "" {
		def.Code = current.Code
	}
	def = normalize(def)
	if current.System {
		if def.Code != current.Code || def.Group != current.Group {
			return models.StatusDefinition{}, errs.SystemStatusImmutable(current.Code)
		}
		def.System = true
	}
	if err := Validate(def); err != nil {
		return models.StatusDefinition{}, err
	}
	if err := r.store.UpdateStatus(ctx, code, def); err != nil {
		return models.StatusDefinition{}, err
	}
	r.log.Info().Str("code", code).Str("new_code", def.Code).Msg("status updated")
	return r.store.GetStatus(ctx, def.Code)
}

func (r *Registry) Delete(ctx context.Context, code string) error {
	code = normalizeCode(code)
	current, err := r.store.GetStatus(ctx, code)
	if err != nil {
		return err
	}
	if current.System {
		return errs.SystemStatusImmutable(code)
	}
	if err := r.store.DeleteStatus(ctx, code); err != nil {
		return err
	}
	r.log.Info().Str("code", code).Msg("status deleted")
	return nil
}

// Validate checks a normalized definition.
func Validate(def models.StatusDefinition) error {
	if !codePattern.MatchString(def.Code) {
		return errs.Validation("code", "must be 2-40 chars of a-z, 0-9, '_' or '-' starting with a letter or digit")
	}
	if def.Name == "" {
		return errs.Validation("name", "is required")
	}
	if !def.Group.Valid() {
		return errs.Validation("group", fmt.Sprintf("unknown group %q", def.Group))
	}
	for i, a := range def.Actions {
		if err := a.Validate(); err != nil {
			return errs.Validation(fmt.Sprintf("actions[%d]", i), err.Error())
		}
	}
	return nil
}

func normalize(def models.StatusDefinition) models.StatusDefinition {
	def.Code = normalizeCode(def.Code)
	def.Name = strings.TrimSpace(def.Name)
	def.Group = models.Group(strings.ToLower(strings.TrimSpace(string(def.Group))))
	return def
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
