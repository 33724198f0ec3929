package models

import "time"

type ContentType string

const (
	ArticleContentType  ContentType = "article"
	PageContentType     ContentType = "page"
	EventContentType    ContentType = "event"
	PlaceContentType    ContentType = "place"
	FoodContentType     ContentType = "food"
	ProfileContentType  ContentType = "profile"
	ContractContentType ContentType = "contract"
	MediaContentType    ContentType = "media"
)

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ArticleContentType, PageContentType, EventContentType, PlaceContentType,
		FoodContentType, ProfileContentType, ContractContentType, MediaContentType:
		return true
	}
	return false
}

// StageDefinition is one named step of a template.
type StageDefinition struct {
	Name            string `json:"name" yaml:"name"`                         // Unique within the template
	ResponsibleRole string `json:"responsible_role" yaml:"responsible_role"` // Role that reviews this stage
	SLAHours        int    `json:"sla_hours" yaml:"sla_hours"`               // Time budget before the stage task is overdue
}

// WorkflowTemplate is a named, versioned pipeline of stages for one content type.
type WorkflowTemplate struct {
	ID          string            `json:"id" yaml:"id" db:"id"`                         // Unique per version
	LineageID   string            `json:"lineage_id" yaml:"lineage_id" db:"lineage_id"` // Shared by every version of the same template
	Name        string            `json:"name" yaml:"name" db:"name"`
	ContentType ContentType       `json:"content_type" yaml:"content_type" db:"content_type"`
	Version     int               `json:"version" yaml:"version" db:"version"`
	Stages      []StageDefinition `json:"stages" yaml:"stages" db:"-"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// StageIndex returns the position of the named stage, or -1.
func (t WorkflowTemplate) StageIndex(name string) int {
	for i, s := range t.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// TemplateFilter narrows ListTemplates. Zero values match everything.
type TemplateFilter struct {
	ContentType ContentType
	Name        string // substring match
	LineageID   string
	LatestOnly  bool
}

type InstanceStatus string

const (
	InProgressInstanceStatus InstanceStatus = "IN_PROGRESS"
	ApprovedInstanceStatus   InstanceStatus = "APPROVED"
	RejectedInstanceStatus   InstanceStatus = "REJECTED"
	CancelledInstanceStatus  InstanceStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s InstanceStatus) Terminal() bool {
	return s == ApprovedInstanceStatus || s == RejectedInstanceStatus || s == CancelledInstanceStatus
}

// WorkflowInstance is one content item's progress through a template.
type WorkflowInstance struct {
	ID                string         `json:"id" yaml:"id" db:"id"`
	TemplateID        string         `json:"template_id" yaml:"template_id" db:"template_id"` // Immutable once created
	ContentID         string         `json:"content_id" yaml:"content_id" db:"content_id"`
	Title             string         `json:"title" yaml:"title" db:"title"`
	Priority          Priority       `json:"priority" yaml:"priority" db:"priority"`
	CurrentStageIndex int            `json:"current_stage_index" yaml:"current_stage_index" db:"current_stage_index"` // Frozen once terminal
	Status            InstanceStatus `json:"status" yaml:"status" db:"status"`
	CreatedBy         string         `json:"created_by" yaml:"created_by" db:"created_by"`
	CreatedAt         time.Time      `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Status     InstanceStatus
	TemplateID string
	ContentID  string
}
