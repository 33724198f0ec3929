package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

// RuleDefinition is the caller-supplied shape of an escalation rule.
type RuleDefinition struct {
	Stage        string                  `json:"stage" yaml:"stage"`
	OverdueHours float64                 `json:"overdue_hours" yaml:"overdue_hours"`
	Action       models.EscalationAction `json:"action" yaml:"action"`
	Enabled      *bool                   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// RuleService manages escalation rules. Disabled rules are kept but never evaluated.
type RuleService struct {
	store  storage.RuleStore
	logger Logger
	opts   *options
}

func newRuleService(store storage.RuleStore, logger Logger, opts *options) *RuleService {
	return &RuleService{store: store, logger: logger, opts: opts}
}

func validateRule(def RuleDefinition) error {
	if strings.TrimSpace(def.Stage) == "" {
		return invalid("stage", "rule needs a stage")
	}
	if err := tooLong("stage", def.Stage, maxFieldLength); err != nil {
		return err
	}
	if def.OverdueHours <= 0 {
		return invalid("overdue_hours", "must be greater than zero, got %v", def.OverdueHours)
	}
	if !def.Action.Valid() {
		return invalid("action", "unknown escalation action %q", def.Action)
	}
	return nil
}

func (s *RuleService) CreateRule(ctx context.Context, def RuleDefinition) (models.EscalationRule, error) {
	if err := validateRule(def); err != nil {
		return models.EscalationRule{}, err
	}
	r := models.EscalationRule{
		ID:           uuid.NewString(),
		Stage:        strings.TrimSpace(def.Stage),
		OverdueHours: def.OverdueHours,
		Action:       def.Action,
		Enabled:      def.Enabled == nil || *def.Enabled,
		CreatedAt:    s.opts.clock(),
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return models.EscalationRule{}, errors.Wrap(err, "save rule")
	}
	s.logger.Infof("Created escalation rule %s: stage '%s' +%vh -> %s", r.ID, r.Stage, r.OverdueHours, r.Action)
	return r, nil
}

func (s *RuleService) GetRule(ctx context.Context, id string) (models.EscalationRule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return models.EscalationRule{}, notFound(err, "rule", id)
	}
	return r, nil
}

// ListRules returns the rules of stage, or all rules when stage is empty.
func (s *RuleService) ListRules(ctx context.Context, stage string) ([]models.EscalationRule, error) {
	return s.store.ListRules(ctx, stage)
}

func (s *RuleService) UpdateRule(ctx context.Context, id string, def RuleDefinition) (models.EscalationRule, error) {
	if err := validateRule(def); err != nil {
		return models.EscalationRule{}, err
	}
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return models.EscalationRule{}, err
	}
	r.Stage = strings.TrimSpace(def.Stage)
	r.OverdueHours = def.OverdueHours
	r.Action = def.Action
	if def.Enabled != nil {
		r.Enabled = *def.Enabled
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return models.EscalationRule{}, notFound(err, "rule", id)
	}
	return r, nil
}

func (s *RuleService) SetEnabled(ctx context.Context, id string, enabled bool) (models.EscalationRule, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return models.EscalationRule{}, err
	}
	r.Enabled = enabled
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return models.EscalationRule{}, notFound(err, "rule", id)
	}
	s.logger.Infof("Escalation rule %s enabled=%v", id, enabled)
	return r, nil
}

func (s *RuleService) DeleteRule(ctx context.Context, id string) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return notFound(err, "rule", id)
	}
	return nil
}
