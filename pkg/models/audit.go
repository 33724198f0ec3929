package models

import "time"

type AuditAction string

const (
	CreatedAuditAction   AuditAction = "CREATED"
	AdvancedAuditAction  AuditAction = "ADVANCED"
	ApprovedAuditAction  AuditAction = "APPROVED"
	RejectedAuditAction  AuditAction = "REJECTED"
	EscalatedAuditAction AuditAction = "ESCALATED"
	CommentedAuditAction AuditAction = "COMMENTED"
)

// Well-known payload keys.
const (
	PayloadComment      = "comment"
	PayloadCancelled    = "cancelled"
	PayloadRuleID       = "rule_id"
	PayloadAction       = "action"
	PayloadOverdueHours = "overdue_hours"
	PayloadTaskID       = "task_id"
)

// AuditLogEntry is an immutable record of one state change or decision.
type AuditLogEntry struct {
	ID                 string            `json:"id" db:"id"`
	WorkflowInstanceID string            `json:"workflow_instance_id" db:"workflow_instance_id"`
	Timestamp          time.Time         `json:"timestamp" db:"timestamp"` // Strictly increasing per instance
	User               string            `json:"user" db:"actor"`
	Action             AuditAction       `json:"action" db:"action"`
	Stage              string            `json:"stage" db:"stage"` // Stage name at time of action
	Payload            map[string]string `json:"payload,omitempty" db:"-"`
}

// Cancelled reports whether a Rejected entry records an administrative cancellation.
func (e AuditLogEntry) Cancelled() bool {
	return e.Action == RejectedAuditAction && e.Payload[PayloadCancelled] == "true"
}

// AuditFilter narrows queryAll. Zero values match everything.
type AuditFilter struct {
	WorkflowInstanceID string
	User               string
	Action             AuditAction
	Since              time.Time
	Until              time.Time
	Limit              int
}
