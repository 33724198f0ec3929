package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

// SweepReport summarizes one evaluation pass.
type SweepReport struct {
	StartedAt time.Time `json:"started_at"`
	Scanned   int       `json:"scanned"`  // open tasks inspected
	Overdue   int       `json:"overdue"`  // of which past their due date
	Fired     int       `json:"fired"`    // escalations executed
	Failures  []string  `json:"failures"` // one message per failed escalation
}

// Evaluator applies escalation rules to overdue open tasks.
//
// For each overdue task it picks the enabled rule of the task's stage with the largest
// OverdueHours not exceeding the actual overdue time. A task is escalated at most once per
// rule severity: a later pass only fires a rule with a strictly larger threshold.
type Evaluator struct {
	store  storage.Store
	engine *Engine
	audit  *AuditLog
	pool   *WorkerPool
	logger Logger
	opts   *options
	sweep  sync.Mutex
	seq    int64
}

func newEvaluator(store storage.Store, engine *Engine, audit *AuditLog, pool *WorkerPool, logger Logger, opts *options) *Evaluator {
	return &Evaluator{store: store, engine: engine, audit: audit, pool: pool, logger: logger, opts: opts}
}

// Sweep runs one evaluation pass at the current time. Failed escalations are logged and
// reported; they never stop the pass over the remaining tasks.
func (ev *Evaluator) Sweep(ctx context.Context) (SweepReport, error) {
	ev.sweep.Lock()
	defer ev.sweep.Unlock()

	now := ev.opts.clock()
	report := SweepReport{StartedAt: now, Failures: []string{}}
	defer func(start time.Time) { ev.opts.metrics.sweepDone(time.Since(start)) }(time.Now())

	open, err := ev.store.ListTasks(ctx, models.TaskFilter{Status: models.PendingTaskStatus})
	if err != nil {
		return report, errors.Wrap(err, "list open tasks")
	}
	rules, err := ev.store.ListRules(ctx, "")
	if err != nil {
		return report, errors.Wrap(err, "list escalation rules")
	}
	byStage := make(map[string][]models.EscalationRule)
	for _, r := range rules {
		if r.Enabled {
			byStage[r.Stage] = append(byStage[r.Stage], r)
		}
	}

	report.Scanned = len(open)
	var (
		jobs  []Job
		fired int
		mu    sync.Mutex
	)
	for _, t := range open {
		if !t.IsOverdue(now) {
			continue
		}
		report.Overdue++
		rule := SelectRule(byStage[t.Stage], overdueHours(t, now))
		if rule == nil {
			continue
		}
		task, r := t, *rule
		jobs = append(jobs, Job{ID: task.ID, Run: func(ctx context.Context) error {
			ok, err := ev.evaluate(ctx, task, r, now)
			if ok {
				mu.Lock()
				fired++
				mu.Unlock()
			}
			return err
		}})
	}

	ev.seq++
	errs := ev.pool.ExecuteJobs(ctx, fmt.Sprintf("sweep-%d", ev.seq), jobs)
	for taskID, err := range errs {
		ev.logger.Errorf("Escalation of task %s failed: %v", taskID, err)
		report.Failures = append(report.Failures, err.Error())
	}
	report.Fired = fired
	if report.Fired > 0 || len(report.Failures) > 0 {
		ev.logger.Infof("Sweep: %d open, %d overdue, %d escalated, %d failed", report.Scanned, report.Overdue, report.Fired, len(report.Failures))
	}
	return report, nil
}

// SelectRule returns the enabled rule with the largest OverdueHours <= overdue, ties
// broken by rule id, or nil.
func SelectRule(rules []models.EscalationRule, overdue float64) *models.EscalationRule {
	var best *models.EscalationRule
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || r.OverdueHours > overdue {
			continue
		}
		if best == nil || r.OverdueHours > best.OverdueHours ||
			(r.OverdueHours == best.OverdueHours && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// evaluate fires rule against task unless the task moved on or a rule at least as severe
// already fired. The firing mark is claimed before acting and restored if the action fails.
func (ev *Evaluator) evaluate(ctx context.Context, task models.Task, rule models.EscalationRule, now time.Time) (bool, error) {
	var prev *models.EscalationFiring
	f, err := ev.store.GetFiring(ctx, task.ID)
	switch {
	case err == nil:
		if f.OverdueHours >= rule.OverdueHours {
			return false, nil
		}
		prev = &f
	case !errors.Is(err, storage.ErrNotFound):
		return false, errors.Wrapf(err, "get firing of task %s", task.ID)
	}

	// re-check right before acting: a reviewer may have resolved it meanwhile
	fresh, err := ev.store.GetTask(ctx, task.ID)
	if err != nil {
		return false, errors.Wrapf(err, "reload task %s", task.ID)
	}
	if !fresh.Open() || !fresh.IsOverdue(now) {
		return false, nil
	}

	err = ev.store.ClaimFiring(ctx, models.EscalationFiring{
		TaskID:       task.ID,
		RuleID:       rule.ID,
		OverdueHours: rule.OverdueHours,
		FiredAt:      now,
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "claim firing of task %s", task.ID)
	}

	applied, err := ev.execute(ctx, fresh, rule, now)
	if err != nil {
		if restoreErr := ev.store.RestoreFiring(ctx, task.ID, prev); restoreErr != nil {
			ev.logger.Errorf("Failed to restore firing mark of task %s: %v", task.ID, restoreErr)
		}
		ev.opts.metrics.escalationFailed(rule.Action)
		return false, &EscalationActionError{TaskID: task.ID, RuleID: rule.ID, Action: rule.Action, Err: err}
	}
	if !applied {
		return false, nil
	}
	ev.engine.recordEscalation(ctx, fresh, rule, overdueHours(fresh, now))
	ev.opts.metrics.escalationFired(rule.Action)
	ev.logger.Infof("Escalated task %s (stage '%s') with %s via rule %s", task.ID, task.Stage, rule.Action, rule.ID)
	return true, nil
}

// execute performs the rule's effect. It returns false when the task was resolved
// concurrently and nothing was done.
func (ev *Evaluator) execute(ctx context.Context, task models.Task, rule models.EscalationRule, now time.Time) (bool, error) {
	switch rule.Action {
	case models.NotifyManagerAction, models.NotifyHeadAction:
		inst, err := ev.store.GetInstance(ctx, task.WorkflowInstanceID)
		if err != nil {
			return false, errors.Wrapf(err, "get instance %s", task.WorkflowInstanceID)
		}
		return true, ev.opts.notifier.Notify(ctx, Event{
			Kind:       EscalationEvent,
			InstanceID: task.WorkflowInstanceID,
			TaskID:     task.ID,
			ContentID:  inst.ContentID,
			Title:      task.Title,
			Stage:      task.Stage,
			Role:       task.Role,
			Recipient:  task.AssignedTo,
			Status:     string(task.Status),
			Action:     rule.Action,
			RuleID:     rule.ID,
			At:         now,
		})
	case models.ReassignToTeamAction:
		err := ev.store.AssignTask(ctx, task.ID, task.AssignedTo, "")
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return err == nil, err
	case models.AutoRejectAction:
		_, err := ev.engine.AdvanceTask(ctx, task.ID, Reject, SystemActor, "SLA breach")
		if IsInvalidState(err) {
			return false, nil
		}
		return err == nil, err
	case models.BlockContentAction:
		inst, err := ev.store.GetInstance(ctx, task.WorkflowInstanceID)
		if err != nil {
			return false, errors.Wrapf(err, "get instance %s", task.WorkflowInstanceID)
		}
		reason := fmt.Sprintf("stage '%s' overdue by %sh", task.Stage, formatHours(overdueHours(task, now)))
		return true, ev.opts.content.BlockContent(ctx, inst.ContentID, reason)
	}
	return false, errors.Errorf("unknown escalation action %q", rule.Action)
}

func overdueHours(t models.Task, now time.Time) float64 {
	return now.Sub(t.DueDate).Hours()
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', 2, 64)
}
