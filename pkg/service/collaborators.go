package service

import (
	"context"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
)

// Directory resolves roles to users. ResolveAssignee returns a *NotFoundError when
// nobody holds the role; the task is then left unassigned.
type Directory interface {
	ResolveAssignee(ctx context.Context, role string) (string, error)
	HasRole(ctx context.Context, user, role string) (bool, error)
}

type EventKind string

const (
	TaskAssignedEvent      EventKind = "task.assigned"
	InstanceFinalizedEvent EventKind = "instance.finalized"
	EscalationEvent        EventKind = "escalation"
)

// Event is what the engine hands to a Notifier.
type Event struct {
	Kind       EventKind               `json:"kind"`
	InstanceID string                  `json:"instance_id"`
	TaskID     string                  `json:"task_id,omitempty"`
	ContentID  string                  `json:"content_id,omitempty"`
	Title      string                  `json:"title,omitempty"`
	Stage      string                  `json:"stage,omitempty"`
	Role       string                  `json:"role,omitempty"`
	Recipient  string                  `json:"recipient,omitempty"`
	Status     string                  `json:"status,omitempty"`
	Action     models.EscalationAction `json:"action,omitempty"`
	RuleID     string                  `json:"rule_id,omitempty"`
	At         time.Time               `json:"at"`
}

// Notifier delivers events. The engine never propagates its errors to callers.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// ContentGate marks content read-only in the surrounding content store.
type ContentGate interface {
	BlockContent(ctx context.Context, contentID, reason string) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

type NopContentGate struct{}

func (NopContentGate) BlockContent(context.Context, string, string) error { return nil }

// noDirectory leaves every task unassigned.
type noDirectory struct{}

func (noDirectory) ResolveAssignee(_ context.Context, role string) (string, error) {
	return "", &NotFoundError{Kind: "role", ID: role}
}

func (noDirectory) HasRole(context.Context, string, string) (bool, error) {
	return false, nil
}
