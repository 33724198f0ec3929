package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryData is the state shared by a memoryStore and all of its transactions.
type memoryData struct {
	mu        sync.RWMutex
	templates map[string]models.WorkflowTemplate
	instances map[string]models.WorkflowInstance
	tasks     map[string]models.Task
	rules     map[string]models.EscalationRule
	firings   map[string]models.EscalationFiring
	audit     []models.AuditLogEntry
}

// memoryStore implements Store in memory. Transactions keep an undo log that Rollback
// replays in reverse; they do not isolate concurrent writers from each other.
type memoryStore struct {
	data *memoryData
	tx   bool
	done bool
	undo []func()
}

// NewMemoryStore returns an empty, goroutine-safe in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{
		templates: make(map[string]models.WorkflowTemplate),
		instances: make(map[string]models.WorkflowInstance),
		tasks:     make(map[string]models.Task),
		rules:     make(map[string]models.EscalationRule),
		firings:   make(map[string]models.EscalationFiring),
	}}
}

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if m.tx {
		return nil, errors.New("nested transactions are not supported")
	}
	return &memoryStore{data: m.data, tx: true}, nil
}

func (m *memoryStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.undo = nil
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.data.mu.Lock()
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i]()
	}
	m.data.mu.Unlock()
	m.undo = nil
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) writable() error {
	if m.done {
		return errors.New("transaction already finished")
	}
	return nil
}

// record keeps an undo step; callers hold the write lock.
func (m *memoryStore) record(fn func()) {
	if m.tx {
		m.undo = append(m.undo, fn)
	}
}

// Templates

func (m *memoryStore) SaveTemplate(ctx context.Context, t models.WorkflowTemplate) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.templates[t.ID]; ok {
		return errors.Wrapf(ErrConflict, "template %s already exists", t.ID)
	}
	m.data.templates[t.ID] = cloneTemplate(t)
	m.record(func() { delete(m.data.templates, t.ID) })
	return nil
}

func (m *memoryStore) UpdateTemplate(ctx context.Context, t models.WorkflowTemplate) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.templates[t.ID]
	if !ok {
		return ErrNotFound
	}
	m.data.templates[t.ID] = cloneTemplate(t)
	m.record(func() { m.data.templates[t.ID] = prev })
	return nil
}

func (m *memoryStore) GetTemplate(ctx context.Context, id string) (models.WorkflowTemplate, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	t, ok := m.data.templates[id]
	if !ok {
		return models.WorkflowTemplate{}, ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (m *memoryStore) ListTemplates(ctx context.Context, f models.TemplateFilter) ([]models.WorkflowTemplate, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	latest := make(map[string]int)
	for _, t := range m.data.templates {
		if t.Version > latest[t.LineageID] {
			latest[t.LineageID] = t.Version
		}
	}
	templates := []models.WorkflowTemplate{}
	for _, t := range m.data.templates {
		if f.ContentType != "" && t.ContentType != f.ContentType {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(f.Name)) {
			continue
		}
		if f.LineageID != "" && t.LineageID != f.LineageID {
			continue
		}
		if f.LatestOnly && t.Version != latest[t.LineageID] {
			continue
		}
		templates = append(templates, cloneTemplate(t))
	}
	sort.Slice(templates, func(i, j int) bool {
		if !templates[i].CreatedAt.Equal(templates[j].CreatedAt) {
			return templates[i].CreatedAt.Before(templates[j].CreatedAt)
		}
		return templates[i].ID < templates[j].ID
	})
	return templates, nil
}

func (m *memoryStore) CountInstances(ctx context.Context, templateID string) (int, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	n := 0
	for _, i := range m.data.instances {
		if i.TemplateID == templateID {
			n++
		}
	}
	return n, nil
}

// Instances

func (m *memoryStore) SaveInstance(ctx context.Context, i models.WorkflowInstance) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.instances[i.ID]; ok {
		return errors.Wrapf(ErrConflict, "instance %s already exists", i.ID)
	}
	if _, ok := m.data.templates[i.TemplateID]; !ok {
		return errors.Wrapf(ErrNotFound, "template %s", i.TemplateID)
	}
	m.data.instances[i.ID] = i
	m.record(func() { delete(m.data.instances, i.ID) })
	return nil
}

func (m *memoryStore) GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	i, ok := m.data.instances[id]
	if !ok {
		return models.WorkflowInstance{}, ErrNotFound
	}
	return i, nil
}

func (m *memoryStore) UpdateInstance(ctx context.Context, i models.WorkflowInstance) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.instances[i.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.TemplateID != i.TemplateID {
		return errors.Errorf("template of instance %s is immutable", i.ID)
	}
	m.data.instances[i.ID] = i
	m.record(func() { m.data.instances[i.ID] = prev })
	return nil
}

func (m *memoryStore) ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.WorkflowInstance, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	instances := []models.WorkflowInstance{}
	for _, i := range m.data.instances {
		if f.Status != "" && i.Status != f.Status {
			continue
		}
		if f.TemplateID != "" && i.TemplateID != f.TemplateID {
			continue
		}
		if f.ContentID != "" && i.ContentID != f.ContentID {
			continue
		}
		instances = append(instances, i)
	}
	sort.Slice(instances, func(a, b int) bool {
		if !instances[a].CreatedAt.Equal(instances[b].CreatedAt) {
			return instances[a].CreatedAt.After(instances[b].CreatedAt)
		}
		return instances[a].ID < instances[b].ID
	})
	return instances, nil
}

// Tasks

func (m *memoryStore) SaveTask(ctx context.Context, t models.Task) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.tasks[t.ID]; ok {
		return errors.Wrapf(ErrConflict, "task %s already exists", t.ID)
	}
	if t.Open() {
		for _, existing := range m.data.tasks {
			if existing.WorkflowInstanceID == t.WorkflowInstanceID && existing.Open() {
				return errors.Wrapf(ErrConflict, "instance %s already has open task %s", t.WorkflowInstanceID, existing.ID)
			}
		}
	}
	m.data.tasks[t.ID] = t
	m.record(func() { delete(m.data.tasks, t.ID) })
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	t, ok := m.data.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) GetOpenTask(ctx context.Context, instanceID string) (models.Task, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	for _, t := range m.data.tasks {
		if t.WorkflowInstanceID == instanceID && t.Open() {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *memoryStore) ResolveTask(ctx context.Context, id string, status models.TaskStatus, by string, at time.Time) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !prev.Open() {
		return errors.Wrapf(ErrConflict, "task %s is %s", id, prev.Status)
	}
	t := prev
	t.Status = status
	t.ResolvedBy = by
	t.ResolvedAt = &at
	m.data.tasks[id] = t
	m.record(func() { m.data.tasks[id] = prev })
	return nil
}

func (m *memoryStore) AssignTask(ctx context.Context, id, expected, assignee string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !prev.Open() || prev.AssignedTo != expected {
		return errors.Wrapf(ErrConflict, "task %s changed", id)
	}
	t := prev
	t.AssignedTo = assignee
	m.data.tasks[id] = t
	m.record(func() { m.data.tasks[id] = prev })
	return nil
}

func (m *memoryStore) ListTasks(ctx context.Context, f models.TaskFilter) ([]models.Task, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	tasks := []models.Task{}
	for _, t := range m.data.tasks {
		switch f.Scope {
		case models.MyTaskScope:
			if t.AssignedTo != f.User {
				continue
			}
		case models.TeamTaskScope:
			if t.Role != f.Role {
				continue
			}
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.WorkflowInstanceID != "" && t.WorkflowInstanceID != f.WorkflowInstanceID {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].DueDate.Equal(tasks[j].DueDate) {
			return tasks[i].DueDate.Before(tasks[j].DueDate)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Rules

func (m *memoryStore) SaveRule(ctx context.Context, r models.EscalationRule) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.rules[r.ID]; ok {
		return errors.Wrapf(ErrConflict, "rule %s already exists", r.ID)
	}
	m.data.rules[r.ID] = r
	m.record(func() { delete(m.data.rules, r.ID) })
	return nil
}

func (m *memoryStore) UpdateRule(ctx context.Context, r models.EscalationRule) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.rules[r.ID]
	if !ok {
		return ErrNotFound
	}
	m.data.rules[r.ID] = r
	m.record(func() { m.data.rules[r.ID] = prev })
	return nil
}

func (m *memoryStore) GetRule(ctx context.Context, id string) (models.EscalationRule, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	r, ok := m.data.rules[id]
	if !ok {
		return models.EscalationRule{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) ListRules(ctx context.Context, stage string) ([]models.EscalationRule, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	rules := []models.EscalationRule{}
	for _, r := range m.data.rules {
		if stage != "" && r.Stage != stage {
			continue
		}
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].OverdueHours != rules[j].OverdueHours {
			return rules[i].OverdueHours < rules[j].OverdueHours
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (m *memoryStore) DeleteRule(ctx context.Context, id string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.rules[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.data.rules, id)
	m.record(func() { m.data.rules[id] = prev })
	return nil
}

func (m *memoryStore) GetFiring(ctx context.Context, taskID string) (models.EscalationFiring, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	f, ok := m.data.firings[taskID]
	if !ok {
		return models.EscalationFiring{}, ErrNotFound
	}
	return f, nil
}

func (m *memoryStore) ClaimFiring(ctx context.Context, f models.EscalationFiring) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev, ok := m.data.firings[f.TaskID]
	if ok && prev.OverdueHours >= f.OverdueHours {
		return errors.Wrapf(ErrConflict, "task %s already escalated at %.2fh", f.TaskID, prev.OverdueHours)
	}
	m.data.firings[f.TaskID] = f
	m.record(func() {
		if ok {
			m.data.firings[f.TaskID] = prev
		} else {
			delete(m.data.firings, f.TaskID)
		}
	})
	return nil
}

func (m *memoryStore) RestoreFiring(ctx context.Context, taskID string, prev *models.EscalationFiring) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	cur, had := m.data.firings[taskID]
	if prev == nil {
		delete(m.data.firings, taskID)
	} else {
		m.data.firings[taskID] = *prev
	}
	m.record(func() {
		if had {
			m.data.firings[taskID] = cur
		} else {
			delete(m.data.firings, taskID)
		}
	})
	return nil
}

// Audit

func (m *memoryStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.audit {
		if existing.ID == e.ID {
			return errors.Wrapf(ErrConflict, "audit entry %s already exists", e.ID)
		}
	}
	m.data.audit = append(m.data.audit, cloneEntry(e))
	m.record(func() {
		for i := range m.data.audit {
			if m.data.audit[i].ID == e.ID {
				m.data.audit = append(m.data.audit[:i], m.data.audit[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *memoryStore) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	entries := []models.AuditLogEntry{}
	for _, e := range m.data.audit {
		if f.WorkflowInstanceID != "" && e.WorkflowInstanceID != f.WorkflowInstanceID {
			continue
		}
		if f.User != "" && e.User != f.User {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		entries = append(entries, cloneEntry(e))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func cloneTemplate(t models.WorkflowTemplate) models.WorkflowTemplate {
	t.Stages = append([]models.StageDefinition(nil), t.Stages...)
	return t
}

func cloneEntry(e models.AuditLogEntry) models.AuditLogEntry {
	if e.Payload != nil {
		payload := make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		e.Payload = payload
	}
	return e
}
