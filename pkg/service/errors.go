package service

import (
	"fmt"
	"strings"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

// ValidationError reports a malformed template, rule or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Limits matching the widths of the stored columns.
const (
	maxFieldLength   = 255
	maxCommentLength = 4000
)

// tooLong returns a ValidationError when value has more than limit characters.
func tooLong(field, value string, limit int) error {
	if n := len([]rune(value)); n > limit {
		return invalid(field, "too long (%d characters, max %d)", n, limit)
	}
	return nil
}

// checkActor validates the actor of a request.
func checkActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return invalid("actor", "actor cannot be empty")
	}
	return tooLong("actor", actor, maxFieldLength)
}

// NotFoundError reports an unknown template, instance, task, rule or role.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports a transition against a terminal instance or a closed task.
// Callers racing on the same instance get this; it means "already processed".
type InvalidStateError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
}

func invalidState(id, format string, args ...interface{}) error {
	return &InvalidStateError{Kind: "instance", ID: id, Reason: fmt.Sprintf(format, args...)}
}

// EscalationActionError reports that a rule's action could not be executed.
type EscalationActionError struct {
	TaskID string
	RuleID string
	Action models.EscalationAction
	Err    error
}

func (e *EscalationActionError) Error() string {
	return fmt.Sprintf("escalation %s (rule %s) for task %s failed: %v", e.Action, e.RuleID, e.TaskID, e.Err)
}

func (e *EscalationActionError) Unwrap() error {
	return e.Err
}

// notFound maps storage.ErrNotFound to a NotFoundError and wraps anything else.
func notFound(err error, kind, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return errors.Wrapf(err, "get %s %s", kind, id)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}
