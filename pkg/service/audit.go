package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
)

// AuditLog is the append-only trail of every transition, decision, escalation and comment.
// Writes that keep failing after retries are parked in memory and flushed later, in order
// per instance; an instance whose oldest parked entry cannot be written never holds back
// the others. Entries the store refuses outright are quarantined instead of retried.
type AuditLog struct {
	store  storage.AuditStore
	logger Logger
	opts   *options

	flushMu sync.Mutex
	mu      sync.Mutex
	// latest timestamp per instance, kept until the instance closes
	last        map[string]time.Time
	pending     []models.AuditLogEntry
	quarantined []QuarantinedEntry
}

// QuarantinedEntry is an audit entry the store refused, with the reason.
type QuarantinedEntry struct {
	Entry  models.AuditLogEntry `json:"entry"`
	Reason string               `json:"reason"`
}

func newAuditLog(store storage.AuditStore, logger Logger, opts *options) *AuditLog {
	return &AuditLog{
		store:  store,
		logger: logger,
		opts:   opts,
		last:   make(map[string]time.Time),
	}
}

// Record appends e. Missing ids and timestamps are filled in; the timestamp is bumped so it
// is strictly greater than every earlier entry of the same instance. The returned entry is
// what was (or will be) stored. A nil error does not mean the write has landed yet: see Pending.
func (a *AuditLog) Record(ctx context.Context, e models.AuditLogEntry) (models.AuditLogEntry, error) {
	return a.record(ctx, e, closesInstance(e.Action))
}

// record is Record with an explicit hint that no further transitions follow for the
// instance, so its cached timestamp can be dropped.
func (a *AuditLog) record(ctx context.Context, e models.AuditLogEntry, closing bool) (models.AuditLogEntry, error) {
	if e.WorkflowInstanceID == "" {
		return e, invalid("workflow_instance_id", "audit entry needs an instance")
	}
	if e.Action == "" {
		return e, invalid("action", "audit entry needs an action")
	}
	if err := tooLong("user", e.User, maxFieldLength); err != nil {
		return e, err
	}
	if err := tooLong("stage", e.Stage, maxFieldLength); err != nil {
		return e, err
	}

	a.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.opts.clock()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	last, err := a.lastTimestampLocked(ctx, e.WorkflowInstanceID)
	if err != nil {
		a.logger.Errorf("Failed to read audit trail of instance %s: %v", e.WorkflowInstanceID, err)
	}
	if !e.Timestamp.After(last) {
		e.Timestamp = last.Add(time.Microsecond)
	}
	if closing {
		delete(a.last, e.WorkflowInstanceID)
	} else {
		a.last[e.WorkflowInstanceID] = e.Timestamp
	}
	// keep per-instance order: queue behind the instance's parked entries
	if a.parkedLocked(e.WorkflowInstanceID) {
		a.parkLocked(e)
		a.mu.Unlock()
		a.logger.Errorf("Audit entry %s (%s on %s) queued behind parked entries", e.ID, e.Action, e.WorkflowInstanceID)
		return e, nil
	}
	// while a backlog exists the store is likely degraded, so try only once
	retry := len(a.pending) == 0
	a.mu.Unlock()

	err = a.write(ctx, e, retry)
	if err == nil {
		return e, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if errors.Is(err, storage.ErrRejected) {
		a.quarantineLocked(e, err)
		return e, nil
	}
	a.parkLocked(e)
	a.logger.Errorf("Audit entry %s (%s on %s) parked for retry: %v", e.ID, e.Action, e.WorkflowInstanceID, err)
	return e, nil
}

// Flush retries parked entries, oldest first. A failed entry holds back only the later
// entries of its own instance. The error reports entries still parked afterwards.
func (a *AuditLog) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := append([]models.AuditLogEntry(nil), a.pending...)
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var (
		blocked  = make(map[string]bool)
		done     = make(map[string]bool, len(batch))
		refused  = make(map[string]error)
		firstErr error
		retry    = true
	)
	for _, e := range batch {
		if blocked[e.WorkflowInstanceID] {
			continue
		}
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}
		err := a.write(ctx, e, retry)
		switch {
		case err == nil:
			done[e.ID] = true
		case errors.Is(err, storage.ErrRejected):
			done[e.ID] = true
			refused[e.ID] = err
		default:
			blocked[e.WorkflowInstanceID] = true
			retry = false
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "append audit entry %s", e.ID)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.pending[:0]
	for _, e := range a.pending {
		if !done[e.ID] {
			kept = append(kept, e)
			continue
		}
		if err, ok := refused[e.ID]; ok {
			a.quarantineLocked(e, err)
		}
	}
	a.pending = kept
	if len(a.pending) == 0 {
		a.pending = nil
	}
	a.opts.metrics.auditBacklog(len(a.pending))
	if firstErr != nil {
		return errors.Wrapf(firstErr, "%d audit entries still pending", len(a.pending))
	}
	return nil
}

// Pending reports how many entries are waiting for a successful write.
func (a *AuditLog) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Quarantined returns the entries the store refused.
func (a *AuditLog) Quarantined() []QuarantinedEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]QuarantinedEntry(nil), a.quarantined...)
}

func (a *AuditLog) write(ctx context.Context, e models.AuditLogEntry, retry bool) error {
	attempt := func() error {
		err := a.store.AppendAudit(ctx, e)
		if errors.Is(err, storage.ErrConflict) {
			// an earlier attempt landed after reporting failure
			return nil
		}
		return err
	}
	if !retry {
		return attempt()
	}
	return backoff.Retry(func() error {
		err := attempt()
		if errors.Is(err, storage.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(a.opts.auditBackoff(), ctx))
}

func (a *AuditLog) parkedLocked(instanceID string) bool {
	for _, p := range a.pending {
		if p.WorkflowInstanceID == instanceID {
			return true
		}
	}
	return false
}

func (a *AuditLog) parkLocked(e models.AuditLogEntry) {
	a.pending = append(a.pending, e)
	a.opts.metrics.auditBacklog(len(a.pending))
}

func (a *AuditLog) quarantineLocked(e models.AuditLogEntry, err error) {
	a.quarantined = append(a.quarantined, QuarantinedEntry{Entry: e, Reason: err.Error()})
	a.opts.metrics.auditQuarantined()
	a.logger.Errorf("Audit entry %s (%s on %s by %q) refused by the store, quarantined: %v",
		e.ID, e.Action, e.WorkflowInstanceID, e.User, err)
}

// lastTimestampLocked returns the latest timestamp of the instance's trail, including
// entries still parked.
func (a *AuditLog) lastTimestampLocked(ctx context.Context, instanceID string) (time.Time, error) {
	if ts, ok := a.last[instanceID]; ok {
		return ts, nil
	}
	var last time.Time
	for _, p := range a.pending {
		if p.WorkflowInstanceID == instanceID && p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}
	entries, err := a.store.ListAudit(ctx, models.AuditFilter{WorkflowInstanceID: instanceID})
	if err != nil {
		return last, err
	}
	for _, e := range entries {
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last, nil
}

func closesInstance(action models.AuditAction) bool {
	return action == models.ApprovedAuditAction || action == models.RejectedAuditAction
}

// QueryByInstance returns the trail of one instance, oldest first.
func (a *AuditLog) QueryByInstance(ctx context.Context, instanceID string) ([]models.AuditLogEntry, error) {
	return a.store.ListAudit(ctx, models.AuditFilter{WorkflowInstanceID: instanceID})
}

// QueryAll returns entries matching f, oldest first.
func (a *AuditLog) QueryAll(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	if f.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	return a.store.ListAudit(ctx, f)
}

// Replay rebuilds an instance's stage and status from its audit trail alone.
func Replay(t models.WorkflowTemplate, entries []models.AuditLogEntry) (models.WorkflowInstance, error) {
	sorted := append([]models.AuditLogEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var inst models.WorkflowInstance
	started := false
	for _, e := range sorted {
		if e.Action == models.CommentedAuditAction || e.Action == models.EscalatedAuditAction {
			continue
		}
		idx := t.StageIndex(e.Stage)
		if idx < 0 {
			return inst, errors.Errorf("entry %s references unknown stage %q", e.ID, e.Stage)
		}
		if e.Action == models.CreatedAuditAction {
			if started {
				return inst, errors.Errorf("entry %s: instance created twice", e.ID)
			}
			started = true
			inst = models.WorkflowInstance{
				ID:                e.WorkflowInstanceID,
				TemplateID:        t.ID,
				CurrentStageIndex: idx,
				Status:            models.InProgressInstanceStatus,
				CreatedBy:         e.User,
				CreatedAt:         e.Timestamp,
				UpdatedAt:         e.Timestamp,
			}
			continue
		}
		if !started {
			return inst, errors.Errorf("entry %s precedes instance creation", e.ID)
		}
		if inst.Status.Terminal() {
			return inst, errors.Errorf("entry %s follows terminal status %s", e.ID, inst.Status)
		}
		switch e.Action {
		case models.AdvancedAuditAction:
			if idx != inst.CurrentStageIndex+1 {
				return inst, errors.Errorf("entry %s jumps from stage %d to %d", e.ID, inst.CurrentStageIndex, idx)
			}
		case models.ApprovedAuditAction:
			inst.Status = models.ApprovedInstanceStatus
		case models.RejectedAuditAction:
			inst.Status = models.RejectedInstanceStatus
			if e.Cancelled() {
				inst.Status = models.CancelledInstanceStatus
			}
		default:
			return inst, errors.Errorf("entry %s has unknown action %s", e.ID, e.Action)
		}
		inst.CurrentStageIndex = idx
		inst.UpdatedAt = e.Timestamp
	}
	if !started {
		return inst, errors.New("audit trail has no creation entry")
	}
	return inst, nil
}
