package storage

import (
	"context"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update lost its compare-and-swap,
	// e.g. resolving a task that is no longer PENDING.
	ErrConflict = errors.New("conflict")
	// ErrRejected is returned when the store refuses a record outright, e.g. a value
	// wider than its column. Retrying the same record cannot succeed.
	ErrRejected = errors.New("rejected")
)

// TemplateStore persists workflow templates.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t models.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, t models.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (models.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, f models.TemplateFilter) ([]models.WorkflowTemplate, error)
	// CountInstances reports how many instances pin the template id.
	CountInstances(ctx context.Context, templateID string) (int, error)
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, i models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, i models.WorkflowInstance) error
	ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.WorkflowInstance, error)
}

// TaskStore persists tasks. Status changes are compare-and-swap from PENDING.
type TaskStore interface {
	// SaveTask fails with ErrConflict if the instance already has an open task.
	SaveTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	GetOpenTask(ctx context.Context, instanceID string) (models.Task, error)
	ResolveTask(ctx context.Context, id string, status models.TaskStatus, by string, at time.Time) error
	// AssignTask sets the assignee of an open task, guarded by the expected current assignee.
	AssignTask(ctx context.Context, id, expected, assignee string) error
	ListTasks(ctx context.Context, f models.TaskFilter) ([]models.Task, error)
}

// RuleStore persists escalation rules and the per-task firing marks.
type RuleStore interface {
	SaveRule(ctx context.Context, r models.EscalationRule) error
	UpdateRule(ctx context.Context, r models.EscalationRule) error
	GetRule(ctx context.Context, id string) (models.EscalationRule, error)
	ListRules(ctx context.Context, stage string) ([]models.EscalationRule, error)
	DeleteRule(ctx context.Context, id string) error

	GetFiring(ctx context.Context, taskID string) (models.EscalationFiring, error)
	// ClaimFiring stores f only if no firing exists for the task or the existing one has a
	// smaller OverdueHours; otherwise it returns ErrConflict.
	ClaimFiring(ctx context.Context, f models.EscalationFiring) error
	// RestoreFiring puts back prev (or removes the mark when prev is nil) after a failed action.
	RestoreFiring(ctx context.Context, taskID string, prev *models.EscalationFiring) error
}

// AuditStore is append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, e models.AuditLogEntry) error
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error)
}

// Store defines the storage operations for contentflow.
type Store interface {
	TemplateStore
	InstanceStore
	TaskStore
	RuleStore
	AuditStore

	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error
}
