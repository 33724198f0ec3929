package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

const maxTemplateNameLength = 100

// TemplateDefinition is the caller-supplied shape of a template.
type TemplateDefinition struct {
	Name        string                   `json:"name" yaml:"name"`
	ContentType models.ContentType       `json:"content_type" yaml:"content_type"`
	Stages      []models.StageDefinition `json:"stages" yaml:"stages"`
}

// TemplateService manages versioned workflow templates.
type TemplateService struct {
	store  storage.Store
	logger Logger
	locks  *keyedLocks
	opts   *options
}

func newTemplateService(store storage.Store, logger Logger, locks *keyedLocks, opts *options) *TemplateService {
	return &TemplateService{store: store, logger: logger, locks: locks, opts: opts}
}

// ValidateDefinition checks the template name, content type and stage list.
func ValidateDefinition(def TemplateDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return invalid("name", "template name cannot be empty")
	}
	if len(name) > maxTemplateNameLength {
		return invalid("name", "template name too long (max %d characters)", maxTemplateNameLength)
	}
	if !def.ContentType.Valid() {
		return invalid("content_type", "unknown content type %q", def.ContentType)
	}
	if len(def.Stages) == 0 {
		return invalid("stages", "a template needs at least one stage")
	}
	seen := make(map[string]struct{}, len(def.Stages))
	for i, s := range def.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return invalid("stages", "stage %d has no name", i)
		}
		if len([]rune(s.Name)) > maxFieldLength {
			return invalid("stages", "stage %d name too long (max %d characters)", i, maxFieldLength)
		}
		if _, dup := seen[s.Name]; dup {
			return invalid("stages", "duplicate stage name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if strings.TrimSpace(s.ResponsibleRole) == "" {
			return invalid("stages", "stage %q has no responsible role", s.Name)
		}
		if len([]rune(s.ResponsibleRole)) > maxFieldLength {
			return invalid("stages", "stage %q role too long (max %d characters)", s.Name, maxFieldLength)
		}
		if s.SLAHours <= 0 {
			return invalid("stages", "stage %q needs a positive SLA, got %d", s.Name, s.SLAHours)
		}
	}
	return nil
}

func (s *TemplateService) CreateTemplate(ctx context.Context, def TemplateDefinition) (models.WorkflowTemplate, error) {
	if err := ValidateDefinition(def); err != nil {
		return models.WorkflowTemplate{}, err
	}
	now := s.opts.clock()
	id := uuid.NewString()
	t := models.WorkflowTemplate{
		ID:          id,
		LineageID:   id,
		Name:        strings.TrimSpace(def.Name),
		ContentType: def.ContentType,
		Version:     1,
		Stages:      append([]models.StageDefinition(nil), def.Stages...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := withTx(ctx, s.store, s.logger, func(tx storage.Store) error {
		return tx.SaveTemplate(ctx, t)
	})
	if err != nil {
		return models.WorkflowTemplate{}, errors.Wrap(err, "save template")
	}
	s.logger.Infof("Created template '%s' (%s) with %d stages", t.Name, t.ID, len(t.Stages))
	return t, nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, id string) (models.WorkflowTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return models.WorkflowTemplate{}, notFound(err, "template", id)
	}
	return t, nil
}

func (s *TemplateService) ListTemplates(ctx context.Context, f models.TemplateFilter) ([]models.WorkflowTemplate, error) {
	if f.ContentType != "" && !f.ContentType.Valid() {
		return nil, invalid("content_type", "unknown content type %q", f.ContentType)
	}
	return s.store.ListTemplates(ctx, f)
}

// UpdateTemplate applies def to template id. Metadata edits keep the version. Stage edits
// bump it, in place when no instance references the template, otherwise as a new
// template row in the same lineage so historical instances keep their meaning.
// The returned template is the one now carrying the edit.
func (s *TemplateService) UpdateTemplate(ctx context.Context, id string, def TemplateDefinition) (updated models.WorkflowTemplate, err error) {
	if err := ValidateDefinition(def); err != nil {
		return models.WorkflowTemplate{}, err
	}
	unlock := s.locks.Lock(templateKey(id))
	defer unlock()

	err = withTx(ctx, s.store, s.logger, func(tx storage.Store) error {
		current, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return notFound(err, "template", id)
		}
		latest, err := tx.ListTemplates(ctx, models.TemplateFilter{LineageID: current.LineageID, LatestOnly: true})
		if err != nil {
			return err
		}
		if len(latest) > 0 && latest[0].ID != current.ID {
			return &InvalidStateError{Kind: "template", ID: id, Reason: fmt.Sprintf("superseded by version %d (%s)", latest[0].Version, latest[0].ID)}
		}

		now := s.opts.clock()
		updated = current
		updated.Name = strings.TrimSpace(def.Name)
		updated.ContentType = def.ContentType
		updated.UpdatedAt = now

		if stagesEqual(current.Stages, def.Stages) {
			return tx.UpdateTemplate(ctx, updated)
		}

		updated.Stages = append([]models.StageDefinition(nil), def.Stages...)
		updated.Version = current.Version + 1
		inUse, err := tx.CountInstances(ctx, id)
		if err != nil {
			return err
		}
		if inUse == 0 {
			return tx.UpdateTemplate(ctx, updated)
		}
		updated.ID = uuid.NewString()
		updated.CreatedAt = now
		return tx.SaveTemplate(ctx, updated)
	})
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	s.logger.Infof("Updated template %s: now %s version %d", id, updated.ID, updated.Version)
	return updated, nil
}

func stagesEqual(a, b []models.StageDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
