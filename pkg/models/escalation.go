package models

import "time"

type EscalationAction string

const (
	NotifyManagerAction  EscalationAction = "NOTIFY_MANAGER"
	ReassignToTeamAction EscalationAction = "REASSIGN_TO_TEAM"
	AutoRejectAction     EscalationAction = "AUTO_REJECT"
	NotifyHeadAction     EscalationAction = "NOTIFY_HEAD"
	BlockContentAction   EscalationAction = "BLOCK_CONTENT"
)

// Valid reports whether a is a known escalation action.
func (a EscalationAction) Valid() bool {
	switch a {
	case NotifyManagerAction, ReassignToTeamAction, AutoRejectAction, NotifyHeadAction, BlockContentAction:
		return true
	}
	return false
}

// EscalationRule fires an action once a task of Stage is OverdueHours past its SLA.
type EscalationRule struct {
	ID           string           `json:"id" db:"id"`
	Stage        string           `json:"stage" db:"stage"`
	OverdueHours float64          `json:"overdue_hours" db:"overdue_hours"` // > 0
	Action       EscalationAction `json:"action" db:"action"`
	Enabled      bool             `json:"enabled" db:"enabled"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// EscalationFiring records the most severe rule already fired for a task.
type EscalationFiring struct {
	TaskID       string    `json:"task_id" db:"task_id"`
	RuleID       string    `json:"rule_id" db:"rule_id"`
	OverdueHours float64   `json:"overdue_hours" db:"overdue_hours"`
	FiredAt      time.Time `json:"fired_at" db:"fired_at"`
}
