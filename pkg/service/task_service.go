package service

import (
	"context"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

// TaskQueue is the read side over open and historical tasks, plus claiming of
// team-assigned tasks.
type TaskQueue struct {
	store  storage.TaskStore
	logger Logger
	opts   *options
}

func newTaskQueue(store storage.TaskStore, logger Logger, opts *options) *TaskQueue {
	return &TaskQueue{store: store, logger: logger, opts: opts}
}

// ListTasks returns tasks matching f ordered by due date, ties broken by task id.
func (q *TaskQueue) ListTasks(ctx context.Context, f models.TaskFilter) ([]models.Task, error) {
	switch f.Scope {
	case "":
		f.Scope = models.AllTaskScope
	case models.AllTaskScope:
	case models.MyTaskScope:
		if f.User == "" {
			return nil, invalid("user", "my-tasks needs a user")
		}
	case models.TeamTaskScope:
		if f.Role == "" {
			return nil, invalid("role", "team-tasks needs a role")
		}
	default:
		return nil, invalid("scope", "unknown scope %q", f.Scope)
	}
	switch f.Status {
	case "", models.PendingTaskStatus, models.ApprovedTaskStatus, models.RejectedTaskStatus:
	default:
		return nil, invalid("status", "unknown task status %q", f.Status)
	}
	if !f.Overdue {
		return q.store.ListTasks(ctx, f)
	}
	if f.Status != "" && f.Status != models.PendingTaskStatus {
		return nil, invalid("overdue", "only pending tasks can be overdue")
	}
	f.Status = models.PendingTaskStatus
	open, err := q.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	now := q.opts.clock()
	overdue := open[:0]
	for _, t := range open {
		if t.IsOverdue(now) {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

func (q *TaskQueue) GetTask(ctx context.Context, id string) (models.Task, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, notFound(err, "task", id)
	}
	return t, nil
}

// IsOverdue is informational only; it never changes the task.
func (q *TaskQueue) IsOverdue(t models.Task, now time.Time) bool {
	return t.IsOverdue(now)
}

// ClaimTask assigns an open, unassigned task to user, who must hold the task's role.
func (q *TaskQueue) ClaimTask(ctx context.Context, taskID, user string) (models.Task, error) {
	if user == "" {
		return models.Task{}, invalid("user", "user cannot be empty")
	}
	if err := tooLong("user", user, maxFieldLength); err != nil {
		return models.Task{}, err
	}
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, notFound(err, "task", taskID)
	}
	if !t.Open() {
		return models.Task{}, &InvalidStateError{Kind: "task", ID: taskID, Reason: "already " + string(t.Status)}
	}
	if t.AssignedTo != "" {
		return models.Task{}, &InvalidStateError{Kind: "task", ID: taskID, Reason: "already assigned to " + t.AssignedTo}
	}
	ok, err := q.opts.directory.HasRole(ctx, user, t.Role)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "check role %s of %s", t.Role, user)
	}
	if !ok {
		return models.Task{}, invalid("user", "%s does not hold role %s", user, t.Role)
	}
	if err := q.store.AssignTask(ctx, taskID, "", user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Task{}, &InvalidStateError{Kind: "task", ID: taskID, Reason: "claimed or resolved concurrently"}
		}
		return models.Task{}, errors.Wrapf(err, "assign task %s", taskID)
	}
	t.AssignedTo = user
	q.logger.Infof("Task %s claimed by %s", taskID, user)
	return t, nil
}
