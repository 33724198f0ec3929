package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus  TaskStatus = "PENDING"
	ApprovedTaskStatus TaskStatus = "APPROVED"
	RejectedTaskStatus TaskStatus = "REJECTED"
)

type Priority string

const (
	LowPriority    Priority = "LOW"
	MediumPriority Priority = "MEDIUM"
	HighPriority   Priority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == LowPriority || p == MediumPriority || p == HighPriority
}

// Task represents a reviewer assignment for one stage of one workflow instance.
// A new Task is created on every stage advance; old ones are only resolved.
type Task struct {
	ID                 string     `json:"id" db:"id"`
	WorkflowInstanceID string     `json:"workflow_instance_id" db:"workflow_instance_id"`
	Title              string     `json:"title" db:"title"` // Denormalized from content
	Stage              string     `json:"stage" db:"stage"` // Denormalized from template at creation
	Role               string     `json:"role" db:"role"`
	AssignedTo         string     `json:"assigned_to" db:"assigned_to"` // Empty when unassigned or reassigned to the team
	Priority           Priority   `json:"priority" db:"priority"`
	DueDate            time.Time  `json:"due_date" db:"due_date"` // CreatedAt + stage SLA
	Status             TaskStatus `json:"status" db:"status"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy         string     `json:"resolved_by,omitempty" db:"resolved_by"`
}

// Open reports whether the task is still waiting for a decision.
func (t Task) Open() bool {
	return t.Status == PendingTaskStatus
}

// IsOverdue reports whether now is past the task's due date.
func (t Task) IsOverdue(now time.Time) bool {
	return now.After(t.DueDate)
}

type TaskScope string

const (
	AllTaskScope  TaskScope = "all"
	MyTaskScope   TaskScope = "my-tasks"
	TeamTaskScope TaskScope = "team-tasks"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Scope              TaskScope
	User               string // required for my-tasks
	Role               string // required for team-tasks
	Status             TaskStatus
	WorkflowInstanceID string
	Overdue            bool // only open tasks already past their due date
}
