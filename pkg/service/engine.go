package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

type Decision string

const (
	Approve Decision = "APPROVE"
	Reject  Decision = "REJECT"
)

// SystemActor is the actor recorded for automated decisions.
const SystemActor = "system"

// PayloadFromStage is the audit payload key holding the stage an Advanced entry left.
const PayloadFromStage = "from_stage"

// StartRequest binds a content item to a template.
type StartRequest struct {
	TemplateID string          `json:"template_id"`
	ContentID  string          `json:"content_id"`
	Title      string          `json:"title"`
	Priority   models.Priority `json:"priority"`
	Actor      string          `json:"actor"`
}

// Engine is the state machine moving instances through their template's stages.
// Every mutation of an instance runs under that instance's lock, and the single open
// task is resolved with a compare-and-swap, so concurrent decisions on the same task
// have exactly one winner.
type Engine struct {
	store  storage.Store
	audit  *AuditLog
	logger Logger
	locks  *keyedLocks
	opts   *options
}

func newEngine(store storage.Store, audit *AuditLog, logger Logger, locks *keyedLocks, opts *options) *Engine {
	return &Engine{store: store, audit: audit, logger: logger, locks: locks, opts: opts}
}

// StartInstance creates an instance at stage 0 with its first task.
func (e *Engine) StartInstance(ctx context.Context, req StartRequest) (models.WorkflowInstance, error) {
	if strings.TrimSpace(req.ContentID) == "" {
		return models.WorkflowInstance{}, invalid("content_id", "content id cannot be empty")
	}
	if err := tooLong("content_id", req.ContentID, maxFieldLength); err != nil {
		return models.WorkflowInstance{}, err
	}
	if req.Priority == "" {
		req.Priority = models.MediumPriority
	}
	if !req.Priority.Valid() {
		return models.WorkflowInstance{}, invalid("priority", "unknown priority %q", req.Priority)
	}
	if req.Actor == "" {
		req.Actor = SystemActor
	}
	if err := tooLong("actor", req.Actor, maxFieldLength); err != nil {
		return models.WorkflowInstance{}, err
	}

	unlockTemplate := e.locks.Lock(templateKey(req.TemplateID))
	var (
		inst models.WorkflowInstance
		task models.Task
		tmpl models.WorkflowTemplate
	)
	err := withTx(ctx, e.store, e.logger, func(tx storage.Store) error {
		var err error
		tmpl, err = tx.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return notFound(err, "template", req.TemplateID)
		}
		now := e.opts.clock()
		inst = models.WorkflowInstance{
			ID:                uuid.NewString(),
			TemplateID:        tmpl.ID,
			ContentID:         req.ContentID,
			Title:             req.Title,
			Priority:          req.Priority,
			CurrentStageIndex: 0,
			Status:            models.InProgressInstanceStatus,
			CreatedBy:         req.Actor,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.SaveInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "save instance")
		}
		task, err = e.spawnTask(ctx, tx, inst, tmpl, now)
		return err
	})
	unlockTemplate()
	if err != nil {
		return models.WorkflowInstance{}, err
	}

	unlock := e.locks.Lock(instanceKey(inst.ID))
	defer unlock()
	e.record(ctx, models.AuditLogEntry{
		WorkflowInstanceID: inst.ID,
		Timestamp:          inst.CreatedAt,
		User:               req.Actor,
		Action:             models.CreatedAuditAction,
		Stage:              task.Stage,
		Payload:            map[string]string{models.PayloadTaskID: task.ID},
	})
	e.opts.metrics.transition("start")
	e.notifyAssigned(ctx, inst, task)
	e.logger.Infof("Started instance %s for content %s on template %s (v%d)", inst.ID, inst.ContentID, tmpl.ID, tmpl.Version)
	return inst, nil
}

// Advance applies a reviewer decision to whatever task of the instance is open.
func (e *Engine) Advance(ctx context.Context, instanceID string, decision Decision, actor, comment string) (models.WorkflowInstance, error) {
	return e.advance(ctx, instanceID, "", decision, actor, comment)
}

// AdvanceTask applies a decision to the instance owning taskID, but only while taskID is
// still the open task. Reviewers racing on the same task get exactly one success; the
// others get an InvalidStateError even if the instance has since moved to a later stage.
func (e *Engine) AdvanceTask(ctx context.Context, taskID string, decision Decision, actor, comment string) (models.WorkflowInstance, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return models.WorkflowInstance{}, notFound(err, "task", taskID)
	}
	return e.advance(ctx, task.WorkflowInstanceID, taskID, decision, actor, comment)
}

func (e *Engine) advance(ctx context.Context, instanceID, taskID string, decision Decision, actor, comment string) (models.WorkflowInstance, error) {
	if decision != Approve && decision != Reject {
		return models.WorkflowInstance{}, invalid("decision", "must be APPROVE or REJECT, got %q", decision)
	}
	if err := checkActor(actor); err != nil {
		return models.WorkflowInstance{}, err
	}
	if err := tooLong("comment", comment, maxCommentLength); err != nil {
		return models.WorkflowInstance{}, err
	}
	unlock := e.locks.Lock(instanceKey(instanceID))
	defer unlock()

	var (
		inst     models.WorkflowInstance
		resolved models.Task
		next     *models.Task
		tmpl     models.WorkflowTemplate
	)
	err := withTx(ctx, e.store, e.logger, func(tx storage.Store) error {
		var err error
		inst, resolved, tmpl, err = e.loadOpen(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if taskID != "" && resolved.ID != taskID {
			return invalidState(instanceID, "task %s already processed", taskID)
		}
		now := e.opts.clock()
		status := models.ApprovedTaskStatus
		if decision == Reject {
			status = models.RejectedTaskStatus
		}
		if err := tx.ResolveTask(ctx, resolved.ID, status, actor, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return invalidState(instanceID, "task %s already processed", resolved.ID)
			}
			return errors.Wrapf(err, "resolve task %s", resolved.ID)
		}
		inst.UpdatedAt = now

		switch {
		case decision == Reject:
			inst.Status = models.RejectedInstanceStatus
		case inst.CurrentStageIndex == len(tmpl.Stages)-1:
			inst.Status = models.ApprovedInstanceStatus
		default:
			inst.CurrentStageIndex++
			task, err := e.spawnTask(ctx, tx, inst, tmpl, now)
			if err != nil {
				return err
			}
			next = &task
		}
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return models.WorkflowInstance{}, err
	}

	entry := models.AuditLogEntry{
		WorkflowInstanceID: inst.ID,
		Timestamp:          inst.UpdatedAt,
		User:               actor,
		Stage:              tmpl.Stages[inst.CurrentStageIndex].Name,
		Payload:            map[string]string{models.PayloadTaskID: resolved.ID},
	}
	if comment != "" {
		entry.Payload[models.PayloadComment] = comment
	}
	switch inst.Status {
	case models.RejectedInstanceStatus:
		entry.Action = models.RejectedAuditAction
	case models.ApprovedInstanceStatus:
		entry.Action = models.ApprovedAuditAction
	default:
		entry.Action = models.AdvancedAuditAction
		entry.Payload[PayloadFromStage] = resolved.Stage
	}
	e.record(ctx, entry)
	e.opts.metrics.transition(strings.ToLower(string(entry.Action)))

	if next != nil {
		e.notifyAssigned(ctx, inst, *next)
	} else {
		e.notifyFinalized(ctx, inst, resolved.Stage)
	}
	e.logger.Infof("Instance %s: %s by %s at stage '%s' -> %s", inst.ID, decision, actor, resolved.Stage, inst.Status)
	return inst, nil
}

// Cancel ends a non-terminal instance administratively. Its open task is rejected and
// the audit trail gets a Rejected entry flagged as a cancellation.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (models.WorkflowInstance, error) {
	if err := checkActor(actor); err != nil {
		return models.WorkflowInstance{}, err
	}
	if err := tooLong("reason", reason, maxCommentLength); err != nil {
		return models.WorkflowInstance{}, err
	}
	unlock := e.locks.Lock(instanceKey(instanceID))
	defer unlock()

	var (
		inst models.WorkflowInstance
		tmpl models.WorkflowTemplate
		open *models.Task
	)
	err := withTx(ctx, e.store, e.logger, func(tx storage.Store) error {
		var err error
		inst, err = tx.GetInstance(ctx, instanceID)
		if err != nil {
			return notFound(err, "instance", instanceID)
		}
		if inst.Status.Terminal() {
			return invalidState(instanceID, "already %s", inst.Status)
		}
		tmpl, err = tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return notFound(err, "template", inst.TemplateID)
		}
		now := e.opts.clock()
		task, err := tx.GetOpenTask(ctx, instanceID)
		switch {
		case err == nil:
			if err := tx.ResolveTask(ctx, task.ID, models.RejectedTaskStatus, actor, now); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return invalidState(instanceID, "task %s already processed", task.ID)
				}
				return errors.Wrapf(err, "resolve task %s", task.ID)
			}
			open = &task
		case !errors.Is(err, storage.ErrNotFound):
			return errors.Wrapf(err, "get open task of %s", instanceID)
		}
		inst.Status = models.CancelledInstanceStatus
		inst.UpdatedAt = now
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return models.WorkflowInstance{}, err
	}

	payload := map[string]string{models.PayloadCancelled: "true"}
	if reason != "" {
		payload[models.PayloadComment] = reason
	}
	if open != nil {
		payload[models.PayloadTaskID] = open.ID
	}
	stage := tmpl.Stages[inst.CurrentStageIndex].Name
	e.record(ctx, models.AuditLogEntry{
		WorkflowInstanceID: inst.ID,
		Timestamp:          inst.UpdatedAt,
		User:               actor,
		Action:             models.RejectedAuditAction,
		Stage:              stage,
		Payload:            payload,
	})
	e.opts.metrics.transition("cancelled")
	e.notifyFinalized(ctx, inst, stage)
	e.logger.Infof("Instance %s cancelled by %s at stage '%s'", inst.ID, actor, stage)
	return inst, nil
}

// Comment adds a Commented entry to the instance's trail without changing its state.
func (e *Engine) Comment(ctx context.Context, instanceID, actor, text string) (models.AuditLogEntry, error) {
	if err := checkActor(actor); err != nil {
		return models.AuditLogEntry{}, err
	}
	if strings.TrimSpace(text) == "" {
		return models.AuditLogEntry{}, invalid("comment", "comment cannot be empty")
	}
	if err := tooLong("comment", text, maxCommentLength); err != nil {
		return models.AuditLogEntry{}, err
	}
	unlock := e.locks.Lock(instanceKey(instanceID))
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return models.AuditLogEntry{}, notFound(err, "instance", instanceID)
	}
	tmpl, err := e.store.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return models.AuditLogEntry{}, notFound(err, "template", inst.TemplateID)
	}
	return e.audit.record(ctx, models.AuditLogEntry{
		WorkflowInstanceID: inst.ID,
		User:               actor,
		Action:             models.CommentedAuditAction,
		Stage:              tmpl.Stages[inst.CurrentStageIndex].Name,
		Payload:            map[string]string{models.PayloadComment: text},
	}, inst.Status.Terminal())
}

func (e *Engine) GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return models.WorkflowInstance{}, notFound(err, "instance", id)
	}
	return inst, nil
}

func (e *Engine) ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, f)
}

// recordEscalation writes an Escalated entry under the instance lock so it is ordered
// with the instance's own transitions.
func (e *Engine) recordEscalation(ctx context.Context, task models.Task, rule models.EscalationRule, overdue float64) {
	unlock := e.locks.Lock(instanceKey(task.WorkflowInstanceID))
	defer unlock()
	closed := false
	if inst, err := e.store.GetInstance(ctx, task.WorkflowInstanceID); err == nil {
		closed = inst.Status.Terminal()
	}
	entry := models.AuditLogEntry{
		WorkflowInstanceID: task.WorkflowInstanceID,
		User:               SystemActor,
		Action:             models.EscalatedAuditAction,
		Stage:              task.Stage,
		Payload: map[string]string{
			models.PayloadTaskID:       task.ID,
			models.PayloadRuleID:       rule.ID,
			models.PayloadAction:       string(rule.Action),
			models.PayloadOverdueHours: formatHours(overdue),
		},
	}
	if _, err := e.audit.record(ctx, entry, closed); err != nil {
		e.logger.Errorf("Failed to record escalation of task %s: %v", task.ID, err)
	}
}

// loadOpen fetches a non-terminal instance with its open task and template.
func (e *Engine) loadOpen(ctx context.Context, tx storage.Store, instanceID string) (models.WorkflowInstance, models.Task, models.WorkflowTemplate, error) {
	inst, err := tx.GetInstance(ctx, instanceID)
	if err != nil {
		return inst, models.Task{}, models.WorkflowTemplate{}, notFound(err, "instance", instanceID)
	}
	if inst.Status.Terminal() {
		return inst, models.Task{}, models.WorkflowTemplate{}, invalidState(instanceID, "already %s", inst.Status)
	}
	task, err := tx.GetOpenTask(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return inst, task, models.WorkflowTemplate{}, invalidState(instanceID, "no open task")
	}
	if err != nil {
		return inst, task, models.WorkflowTemplate{}, errors.Wrapf(err, "get open task of %s", instanceID)
	}
	tmpl, err := tx.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return inst, task, tmpl, notFound(err, "template", inst.TemplateID)
	}
	return inst, task, tmpl, nil
}

// spawnTask creates the open task for the instance's current stage. A role nobody
// holds leaves the task unassigned instead of failing the transition.
func (e *Engine) spawnTask(ctx context.Context, tx storage.Store, inst models.WorkflowInstance, tmpl models.WorkflowTemplate, now time.Time) (models.Task, error) {
	stage := tmpl.Stages[inst.CurrentStageIndex]
	assignee, err := e.opts.directory.ResolveAssignee(ctx, stage.ResponsibleRole)
	if err != nil {
		e.logger.Errorf("No assignee for role '%s' on instance %s, leaving task unassigned: %v", stage.ResponsibleRole, inst.ID, err)
		assignee = ""
	}
	task := models.Task{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: inst.ID,
		Title:              inst.Title,
		Stage:              stage.Name,
		Role:               stage.ResponsibleRole,
		AssignedTo:         assignee,
		Priority:           inst.Priority,
		DueDate:            now.Add(time.Duration(stage.SLAHours) * time.Hour),
		Status:             models.PendingTaskStatus,
		CreatedAt:          now,
	}
	if err := tx.SaveTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return task, invalidState(inst.ID, "an open task already exists")
		}
		return task, errors.Wrapf(err, "save task for stage '%s'", stage.Name)
	}
	return task, nil
}

func (e *Engine) record(ctx context.Context, entry models.AuditLogEntry) {
	if _, err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Errorf("Failed to record audit %s for instance %s: %v", entry.Action, entry.WorkflowInstanceID, err)
	}
}

func (e *Engine) notifyAssigned(ctx context.Context, inst models.WorkflowInstance, task models.Task) {
	e.notify(ctx, Event{
		Kind:       TaskAssignedEvent,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		ContentID:  inst.ContentID,
		Title:      task.Title,
		Stage:      task.Stage,
		Role:       task.Role,
		Recipient:  task.AssignedTo,
		Status:     string(task.Status),
		At:         task.CreatedAt,
	})
}

func (e *Engine) notifyFinalized(ctx context.Context, inst models.WorkflowInstance, stage string) {
	e.notify(ctx, Event{
		Kind:       InstanceFinalizedEvent,
		InstanceID: inst.ID,
		ContentID:  inst.ContentID,
		Title:      inst.Title,
		Stage:      stage,
		Recipient:  inst.CreatedBy,
		Status:     string(inst.Status),
		At:         inst.UpdatedAt,
	})
}

// notify is fire-and-forget: failures are logged only.
func (e *Engine) notify(ctx context.Context, ev Event) {
	if err := e.opts.notifier.Notify(ctx, ev); err != nil {
		e.logger.Errorf("Failed to notify %s for instance %s: %v", ev.Kind, ev.InstanceID, err)
	}
}
