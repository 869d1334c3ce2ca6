package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

type seedFile struct {
	Statuses []models.StatusDefinition `yaml:"statuses"`
}

// SeedFile loads status definitions from a YAML file. See Seed.
func (r *Registry) SeedFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read status seed %s: %w", path, err)
	}
	return r.SeedYAML(ctx, raw)
}

// SeedYAML parses a document with a top-level statuses list and applies it with Seed.
func (r *Registry) SeedYAML(ctx context.Context, raw []byte) (int, error) {
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse status seed: %w", err)
	}
	return r.Seed(ctx, doc.Statuses)
}

// Seed creates missing statuses and refreshes existing ones. It returns how many were created.
func (r *Registry) Seed(ctx context.Context, defs []models.StatusDefinition) (int, error) {
	created := 0
	for _, def := range defs {
		_, err := r.store.GetStatus(ctx, normalizeCode(def.Code))
		switch {
		case errs.Is(err, errs.CodeNotFound):
			if _, err := r.Create(ctx, def); err != nil {
				return created, fmt.Errorf("seed status %s: %w", def.Code, err)
			}
			created++
		case err != nil:
			return created, err
		default:
			if _, err := r.Update(ctx, def.Code, def); err != nil {
				return created, fmt.Errorf("refresh status %s: %w", def.Code, err)
			}
		}
	}
	r.log.Info().Int("created", created).Int("total", len(defs)).Msg("status seed applied")
	return created, nil
}
