package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// SQLSTATE classes for bad data and integrity violations.
const (
	dataException       = "22"
	integrityConstraint = "23"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction: already in one")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// isUnique reports whether err is a unique violation, optionally of the named constraint.
func isUnique(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// isRejected reports whether err is a data or integrity error other than a unique
// violation. The same statement fails again on retry.
func isRejected(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code == uniqueViolation {
		return false
	}
	class := string(pqErr.Code.Class())
	return class == dataException || class == integrityConstraint
}

// affected turns a zero-row guarded update into ErrConflict, or ErrNotFound when the row is gone.
func (s *PostgresStore) affected(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// where accumulates filter conditions with positional arguments.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func utc(t time.Time) time.Time { return t.UTC() }

// Templates

type templateRow struct {
	models.WorkflowTemplate
	StagesJSON types.JSONText `db:"stages"`
}

func (r templateRow) decode() (models.WorkflowTemplate, error) {
	t := r.WorkflowTemplate
	if err := json.Unmarshal(r.StagesJSON, &t.Stages); err != nil {
		return t, errors.Wrapf(err, "decode stages of template %s", t.ID)
	}
	t.CreatedAt, t.UpdatedAt = utc(t.CreatedAt), utc(t.UpdatedAt)
	return t, nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t models.WorkflowTemplate) error {
	stages, err := json.Marshal(t.Stages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, lineage_id, name, content_type, version, stages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.LineageID, t.Name, t.ContentType, t.Version, types.JSONText(stages), t.CreatedAt, t.UpdatedAt)
	if isUnique(err, "") {
		return errors.Wrapf(storage.ErrConflict, "template %s", t.ID)
	}
	return err
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t models.WorkflowTemplate) error {
	stages, err := json.Marshal(t.Stages)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name = $1, content_type = $2, version = $3, stages = $4, updated_at = $5
		WHERE id = $6`,
		t.Name, t.ContentType, t.Version, types.JSONText(stages), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return s.affected(ctx, res, "templates", t.ID)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (models.WorkflowTemplate, error) {
	var row templateRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM templates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	return row.decode()
}

func (s *PostgresStore) ListTemplates(ctx context.Context, f models.TemplateFilter) ([]models.WorkflowTemplate, error) {
	w := &where{}
	if f.ContentType != "" {
		w.add("content_type = ?", f.ContentType)
	}
	if f.Name != "" {
		w.add("name ILIKE '%' || ? || '%'", f.Name)
	}
	if f.LineageID != "" {
		w.add("lineage_id = ?", f.LineageID)
	}
	from := "templates"
	if f.LatestOnly {
		from = "(SELECT DISTINCT ON (lineage_id) * FROM templates ORDER BY lineage_id, version DESC) latest"
	}
	var rows []templateRow
	query := "SELECT * FROM " + from + w.String() + " ORDER BY created_at, id"
	if err := s.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, errors.Wrap(err, "list templates")
	}
	templates := make([]models.WorkflowTemplate, 0, len(rows))
	for _, r := range rows {
		t, err := r.decode()
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

func (s *PostgresStore) CountInstances(ctx context.Context, templateID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM instances WHERE template_id = $1", templateID)
	return n, err
}

// Instances

func (s *PostgresStore) SaveInstance(ctx context.Context, i models.WorkflowInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, template_id, content_id, title, priority, current_stage_index, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		i.ID, i.TemplateID, i.ContentID, i.Title, i.Priority, i.CurrentStageIndex, i.Status, i.CreatedBy, i.CreatedAt, i.UpdatedAt)
	if isUnique(err, "") {
		return errors.Wrapf(storage.ErrConflict, "instance %s", i.ID)
	}
	return err
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error) {
	var i models.WorkflowInstance
	err := s.db.GetContext(ctx, &i, "SELECT * FROM instances WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	i.CreatedAt, i.UpdatedAt = utc(i.CreatedAt), utc(i.UpdatedAt)
	return i, nil
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, i models.WorkflowInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET current_stage_index = $1, status = $2, title = $3, priority = $4, updated_at = $5
		WHERE id = $6`,
		i.CurrentStageIndex, i.Status, i.Title, i.Priority, i.UpdatedAt, i.ID)
	if err != nil {
		return err
	}
	return s.affected(ctx, res, "instances", i.ID)
}

func (s *PostgresStore) ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.WorkflowInstance, error) {
	w := &where{}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.TemplateID != "" {
		w.add("template_id = ?", f.TemplateID)
	}
	if f.ContentID != "" {
		w.add("content_id = ?", f.ContentID)
	}
	instances := []models.WorkflowInstance{}
	query := "SELECT * FROM instances" + w.String() + " ORDER BY created_at DESC, id"
	if err := s.db.SelectContext(ctx, &instances, query, w.args...); err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	for k := range instances {
		instances[k].CreatedAt, instances[k].UpdatedAt = utc(instances[k].CreatedAt), utc(instances[k].UpdatedAt)
	}
	return instances, nil
}

// Tasks

func normalizeTask(t *models.Task) {
	t.DueDate, t.CreatedAt = utc(t.DueDate), utc(t.CreatedAt)
	if t.ResolvedAt != nil {
		at := utc(*t.ResolvedAt)
		t.ResolvedAt = &at
	}
}

func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_instance_id, title, stage, role, assigned_to, priority, due_date, status, created_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.WorkflowInstanceID, t.Title, t.Stage, t.Role, t.AssignedTo, t.Priority, t.DueDate, t.Status, t.CreatedAt, t.ResolvedAt, t.ResolvedBy)
	if isUnique(err, "uq_tasks_open_per_instance") {
		return errors.Wrapf(storage.ErrConflict, "instance %s already has an open task", t.WorkflowInstanceID)
	}
	if isUnique(err, "") {
		return errors.Wrapf(storage.ErrConflict, "task %s", t.ID)
	}
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	normalizeTask(&t)
	return t, nil
}

func (s *PostgresStore) GetOpenTask(ctx context.Context, instanceID string) (models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, "SELECT * FROM tasks WHERE workflow_instance_id = $1 AND status = $2",
		instanceID, models.PendingTaskStatus)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	normalizeTask(&t)
	return t, nil
}

func (s *PostgresStore) ResolveTask(ctx context.Context, id string, status models.TaskStatus, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		status, by, at, id, models.PendingTaskStatus)
	if err != nil {
		return err
	}
	return s.affected(ctx, res, "tasks", id)
}

func (s *PostgresStore) AssignTask(ctx context.Context, id, expected, assignee string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_to = $1
		WHERE id = $2 AND status = $3 AND assigned_to = $4`,
		assignee, id, models.PendingTaskStatus, expected)
	if err != nil {
		return err
	}
	return s.affected(ctx, res, "tasks", id)
}

func (s *PostgresStore) ListTasks(ctx context.Context, f models.TaskFilter) ([]models.Task, error) {
	w := &where{}
	switch f.Scope {
	case models.MyTaskScope:
		w.add("assigned_to = ?", f.User)
	case models.TeamTaskScope:
		w.add("role = ?", f.Role)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.WorkflowInstanceID != "" {
		w.add("workflow_instance_id = ?", f.WorkflowInstanceID)
	}
	tasks := []models.Task{}
	query := "SELECT * FROM tasks" + w.String() + " ORDER BY due_date, id"
	if err := s.db.SelectContext(ctx, &tasks, query, w.args...); err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	for k := range tasks {
		normalizeTask(&tasks[k])
	}
	return tasks, nil
}

// Escalation rules

func (s *PostgresStore) SaveRule(ctx context.Context, r models.EscalationRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_rules (id, stage, overdue_hours, action, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Stage, r.OverdueHours, r.Action, r.Enabled, r.CreatedAt)
	if isUnique(err, "") {
		return errors.Wrapf(storage.ErrConflict, "rule %s", r.ID)
	}
	return err
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r models.EscalationRule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalation_rules SET stage = $1, overdue_hours = $2, action = $3, enabled = $4
		WHERE id = $5`,
		r.Stage, r.OverdueHours, r.Action, r.Enabled, r.ID)
	if err != nil {
		return err
	}
	return s.affected(ctx, res, "escalation_rules", r.ID)
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (models.EscalationRule, error) {
	var r models.EscalationRule
	err := s.db.GetContext(ctx, &r, "SELECT * FROM escalation_rules WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.EscalationRule{}, storage.ErrNotFound
	}
	if err != nil {
		return models.EscalationRule{}, err
	}
	r.CreatedAt = utc(r.CreatedAt)
	return r, nil
}

func (s *PostgresStore) ListRules(ctx context.Context, stage string) ([]models.EscalationRule, error) {
	w := &where{}
	if stage != "" {
		w.add("stage = ?", stage)
	}
	rules := []models.EscalationRule{}
	query := "SELECT * FROM escalation_rules" + w.String() + " ORDER BY overdue_hours, id"
	if err := s.db.SelectContext(ctx, &rules, query, w.args...); err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	for k := range rules {
		rules[k].CreatedAt = utc(rules[k].CreatedAt)
	}
	return rules, nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM escalation_rules WHERE id = $1", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetFiring(ctx context.Context, taskID string) (models.EscalationFiring, error) {
	var f models.EscalationFiring
	err := s.db.GetContext(ctx, &f, "SELECT * FROM escalation_firings WHERE task_id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.EscalationFiring{}, storage.ErrNotFound
	}
	if err != nil {
		return models.EscalationFiring{}, err
	}
	f.FiredAt = utc(f.FiredAt)
	return f, nil
}

// ClaimFiring is a single upsert so two sweepers cannot both claim the same severity.
func (s *PostgresStore) ClaimFiring(ctx context.Context, f models.EscalationFiring) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_firings (task_id, rule_id, overdue_hours, fired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET rule_id = EXCLUDED.rule_id, overdue_hours = EXCLUDED.overdue_hours, fired_at = EXCLUDED.fired_at
		WHERE escalation_firings.overdue_hours < EXCLUDED.overdue_hours`,
		f.TaskID, f.RuleID, f.OverdueHours, f.FiredAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrConflict, "task %s already escalated", f.TaskID)
	}
	return nil
}

func (s *PostgresStore) RestoreFiring(ctx context.Context, taskID string, prev *models.EscalationFiring) error {
	if prev == nil {
		_, err := s.db.ExecContext(ctx, "DELETE FROM escalation_firings WHERE task_id = $1", taskID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalation_firings SET rule_id = $1, overdue_hours = $2, fired_at = $3
		WHERE task_id = $4`,
		prev.RuleID, prev.OverdueHours, prev.FiredAt, taskID)
	return err
}

// Audit log

type auditRow struct {
	models.AuditLogEntry
	PayloadJSON types.JSONText `db:"payload"`
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, workflow_instance_id, "timestamp", actor, action, stage, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkflowInstanceID, e.Timestamp, e.User, e.Action, e.Stage, types.JSONText(raw))
	if isUnique(err, "audit_log_pkey") {
		return errors.Wrapf(storage.ErrConflict, "audit entry %s", e.ID)
	}
	if isRejected(err) {
		return errors.Wrapf(storage.ErrRejected, "audit entry %s: %v", e.ID, err)
	}
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	w := &where{}
	if f.WorkflowInstanceID != "" {
		w.add("workflow_instance_id = ?", f.WorkflowInstanceID)
	}
	if f.User != "" {
		w.add("actor = ?", f.User)
	}
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if !f.Since.IsZero() {
		w.add(`"timestamp" >= ?`, f.Since)
	}
	if !f.Until.IsZero() {
		w.add(`"timestamp" <= ?`, f.Until)
	}
	query := "SELECT * FROM audit_log" + w.String() + ` ORDER BY "timestamp", id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, errors.Wrap(err, "list audit")
	}
	entries := make([]models.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		e := r.AuditLogEntry
		if err := json.Unmarshal(r.PayloadJSON, &e.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of audit entry %s", e.ID)
		}
		if len(e.Payload) == 0 {
			e.Payload = nil
		}
		e.Timestamp = utc(e.Timestamp)
		entries = append(entries, e)
	}
	return entries, nil
}
