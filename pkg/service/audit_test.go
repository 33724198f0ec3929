package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAuditStore fails audit appends while down is set. With landThenFail it writes the
// entry first and still reports an error, like a commit whose acknowledgement was lost.
type flakyAuditStore struct {
	storage.Store
	mu           sync.Mutex
	down         bool
	landThenFail bool
	attempts     int
}

func (s *flakyAuditStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if !s.down {
		return s.Store.AppendAudit(ctx, e)
	}
	if s.landThenFail {
		if err := s.Store.AppendAudit(ctx, e); err != nil {
			return err
		}
	}
	return errors.New("connection reset by peer")
}

func (s *flakyAuditStore) set(down, landThenFail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
	s.landThenFail = landThenFail
}

// perInstanceAuditStore fails audit appends of chosen instances with a chosen error.
type perInstanceAuditStore struct {
	storage.Store
	mu   sync.Mutex
	fail map[string]error
}

func newPerInstanceAuditStore() *perInstanceAuditStore {
	return &perInstanceAuditStore{Store: storage.NewMemoryStore(), fail: make(map[string]error)}
}

func (s *perInstanceAuditStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	s.mu.Lock()
	err := s.fail[e.WorkflowInstanceID]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.AppendAudit(ctx, e)
}

func (s *perInstanceAuditStore) failWith(instanceID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[instanceID] = err
}

func refused() error {
	return errors.Wrap(storage.ErrRejected, `value too long for type character varying(255)`)
}

func noRetry() backoff.BackOff { return &backoff.StopBackOff{} }

func TestAuditTimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	clock := newClock() // frozen: every record asks for the same instant
	svc := newTestService(t, storage.NewMemoryStore(), clock)
	_, inst := startArticle(t, svc, "article-fast")

	for i := 0; i < 5; i++ {
		_, err := svc.Engine.Comment(ctx, inst.ID, "bob", "looks good")
		require.NoError(t, err)
	}
	// a caller-supplied timestamp in the past is moved after the latest entry
	back, err := svc.Audit.Record(ctx, models.AuditLogEntry{
		WorkflowInstanceID: inst.ID,
		Timestamp:          clock.Now().Add(-time.Hour),
		User:               "carol",
		Action:             models.CommentedAuditAction,
		Stage:              "Editorial",
	})
	require.NoError(t, err)

	trail, err := svc.Audit.QueryByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, trail, 7)
	for i := 1; i < len(trail); i++ {
		assert.True(t, trail[i].Timestamp.After(trail[i-1].Timestamp), "entry %d", i)
	}
	assert.Equal(t, back.ID, trail[6].ID)

	_, err = svc.Audit.Record(ctx, models.AuditLogEntry{Action: models.CommentedAuditAction})
	var verr *service.ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = svc.Audit.Record(ctx, models.AuditLogEntry{WorkflowInstanceID: inst.ID})
	assert.ErrorAs(t, err, &verr)
}

func TestAuditWritesAreParkedAndFlushed(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := &flakyAuditStore{Store: storage.NewMemoryStore()}
	svc := newTestService(t, store, clock, service.WithAuditBackoff(noRetry))
	tmpl, inst := startArticle(t, svc, "article-outage")

	store.set(true, false)
	clock.Advance(time.Hour)
	_, err := svc.Engine.Advance(ctx, inst.ID, service.Approve, "bob", "")
	require.NoError(t, err, "an audit outage never fails the transition")
	_, err = svc.Engine.Comment(ctx, inst.ID, "dana", "on it")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Audit.Pending())

	trail, err := svc.Audit.QueryByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	assert.Error(t, svc.Audit.Flush(ctx))
	assert.Equal(t, 2, svc.Audit.Pending())

	store.set(false, false)
	require.NoError(t, svc.Audit.Flush(ctx))
	assert.Equal(t, 0, svc.Audit.Pending())

	trail, err = svc.Audit.QueryByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.AuditAction{
		models.CreatedAuditAction,
		models.AdvancedAuditAction,
		models.CommentedAuditAction,
	}, auditActions(trail))

	replayed, err := service.Replay(tmpl, trail)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed.CurrentStageIndex)
}

func TestAuditLostAcknowledgementIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	store := &flakyAuditStore{Store: storage.NewMemoryStore()}
	svc := newTestService(t, store, newClock(), service.WithAuditBackoff(noRetry))

	store.set(true, true)
	_, inst := startArticle(t, svc, "article-ack")
	assert.Equal(t, 1, svc.Audit.Pending())

	store.set(false, false)
	require.NoError(t, svc.Audit.Flush(ctx))
	assert.Equal(t, 0, svc.Audit.Pending())

	trail, err := svc.Audit.QueryByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestAuditRefusedEntryIsQuarantined(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newPerInstanceAuditStore()
	metrics := service.NewMetrics(prometheus.NewRegistry())
	svc := newTestService(t, store, clock, service.WithMetrics(metrics), service.WithAuditBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	}))
	tmpl, first := startArticle(t, svc, "article-refused")

	store.failWith(first.ID, refused())
	_, err := svc.Engine.Comment(ctx, first.ID, "bob", "this one never fits")
	require.NoError(t, err)
	store.failWith(first.ID, nil)

	assert.Equal(t, 0, svc.Audit.Pending(), "a refused entry is not parked")
	quarantined := svc.Audit.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, models.CommentedAuditAction, quarantined[0].Entry.Action)
	assert.Contains(t, quarantined[0].Reason, "character varying(255)")
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.AuditQuarantined))

	// later entries of the same and of other instances still land
	clock.Advance(time.Hour)
	_, err = svc.Engine.Advance(ctx, first.ID, service.Approve, "bob", "")
	require.NoError(t, err)
	_, second := startArticle(t, svc, "article-after")
	_, err = svc.Engine.Advance(ctx, second.ID, service.Approve, "bob", "")
	require.NoError(t, err)

	trail, err := svc.Audit.QueryByInstance(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.AuditAction{models.CreatedAuditAction, models.AdvancedAuditAction}, auditActions(trail))
	trail, err = svc.Audit.QueryByInstance(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.AuditAction{models.CreatedAuditAction, models.AdvancedAuditAction}, auditActions(trail))
	replayed, err := service.Replay(tmpl, trail)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed.CurrentStageIndex)
	health := svc.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.AuditQuarantined)
}

func TestAuditParkedInstanceDoesNotHoldBackOthers(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newPerInstanceAuditStore()
	svc := newTestService(t, store, clock, service.WithAuditBackoff(noRetry))
	_, stuck := startArticle(t, svc, "article-stuck")

	store.failWith(stuck.ID, errors.New("connection reset by peer"))
	clock.Advance(time.Hour)
	_, err := svc.Engine.Advance(ctx, stuck.ID, service.Approve, "bob", "")
	require.NoError(t, err)
	_, err = svc.Engine.Comment(ctx, stuck.ID, "dana", "queued behind the advance")
	require.NoError(t, err)
	require.Equal(t, 2, svc.Audit.Pending())

	_, other := startArticle(t, svc, "article-other")
	_, err = svc.Engine.Advance(ctx, other.ID, service.Reject, "bob", "off topic")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Audit.Pending(), "other instances write straight through")

	assert.Error(t, svc.Audit.Flush(ctx))
	trail, err := svc.Audit.QueryByInstance(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.AuditAction{models.CreatedAuditAction, models.RejectedAuditAction}, auditActions(trail))

	t.Run("OrderKeptPerInstance", func(t *testing.T) {
		store.failWith(stuck.ID, nil)
		require.NoError(t, svc.Audit.Flush(ctx))
		assert.Equal(t, 0, svc.Audit.Pending())
		trail, err := svc.Audit.QueryByInstance(ctx, stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, []models.AuditAction{
			models.CreatedAuditAction,
			models.AdvancedAuditAction,
			models.CommentedAuditAction,
		}, auditActions(trail))
	})

	t.Run("RefusedHeadIsQuarantined", func(t *testing.T) {
		store.failWith(stuck.ID, errors.New("connection reset by peer"))
		_, err := svc.Engine.Comment(ctx, stuck.ID, "dana", "cannot be stored")
		require.NoError(t, err)
		require.Equal(t, 1, svc.Audit.Pending())

		_, late := startArticle(t, svc, "article-late")
		store.failWith(late.ID, errors.New("connection reset by peer"))
		_, err = svc.Engine.Comment(ctx, late.ID, "bob", "parked behind the refused entry")
		require.NoError(t, err)
		require.Equal(t, 2, svc.Audit.Pending())

		store.failWith(stuck.ID, refused())
		store.failWith(late.ID, nil)
		require.NoError(t, svc.Audit.Flush(ctx))
		assert.Equal(t, 0, svc.Audit.Pending())
		assert.Len(t, svc.Audit.Quarantined(), 1)

		trail, err := svc.Audit.QueryByInstance(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, []models.AuditAction{models.CreatedAuditAction, models.CommentedAuditAction}, auditActions(trail))
	})
}

func TestAuditForgetsClosedInstances(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, storage.NewMemoryStore(), newClock())
	_, done := startArticle(t, svc, "article-done")
	_, open := startArticle(t, svc, "article-open")
	assert.Equal(t, 2, svc.Audit.CachedTimestamps())

	_, err := svc.Engine.Advance(ctx, done.ID, service.Reject, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Audit.CachedTimestamps())

	// comments on a closed instance still follow its trail, without caching it again
	_, err = svc.Engine.Comment(ctx, done.ID, "alice", "resubmitting as a new draft")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Audit.CachedTimestamps())
	trail, err := svc.Audit.QueryByInstance(ctx, done.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i := 1; i < len(trail); i++ {
		assert.True(t, trail[i].Timestamp.After(trail[i-1].Timestamp), "entry %d", i)
	}

	_, err = svc.Engine.Cancel(ctx, open.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Audit.CachedTimestamps())
}

func TestAuditRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := &flakyAuditStore{Store: storage.NewMemoryStore()}
	svc := newTestService(t, store, newClock(), service.WithAuditBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}))

	store.set(true, false)
	startArticle(t, svc, "article-retry")
	store.mu.Lock()
	attempts := store.attempts
	store.mu.Unlock()
	assert.Equal(t, 3, attempts, "first try plus two retries")
	assert.Equal(t, 1, svc.Audit.Pending())

	store.set(false, false)
	require.NoError(t, svc.Audit.Flush(ctx))
}

func TestSweeperFlushesParkedAudit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &flakyAuditStore{Store: storage.NewMemoryStore()}
	svc := newTestService(t, store, newClock(), service.WithAuditBackoff(noRetry))

	store.set(true, false)
	startArticle(t, svc, "article-sweep")
	require.Equal(t, 1, svc.Audit.Pending())
	store.set(false, false)

	done := make(chan error, 1)
	go func() { done <- service.NewSweeper(svc, 10*time.Millisecond, newLogger(t)).Run(ctx) }()
	assert.Eventually(t, func() bool { return svc.Audit.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestAuditQueryAll(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc := newTestService(t, storage.NewMemoryStore(), clock)
	_, first := startArticle(t, svc, "article-a")
	clock.Advance(time.Hour)
	_, second := startArticle(t, svc, "article-b")
	clock.Advance(time.Hour)
	_, err := svc.Engine.Advance(ctx, first.ID, service.Approve, "bob", "")
	require.NoError(t, err)
	_, err = svc.Engine.Comment(ctx, second.ID, "dana", "queued")
	require.NoError(t, err)

	all, err := svc.Audit.QueryAll(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byBob, err := svc.Audit.QueryAll(ctx, models.AuditFilter{User: "bob"})
	require.NoError(t, err)
	require.Len(t, byBob, 1)
	assert.Equal(t, models.AdvancedAuditAction, byBob[0].Action)

	created, err := svc.Audit.QueryAll(ctx, models.AuditFilter{Action: models.CreatedAuditAction, Limit: 1})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, first.ID, created[0].WorkflowInstanceID)

	recent, err := svc.Audit.QueryAll(ctx, models.AuditFilter{Since: clock.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = svc.Audit.QueryAll(ctx, models.AuditFilter{Limit: -1})
	var verr *service.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestReplayRejectsInconsistentTrails(t *testing.T) {
	tmpl := models.WorkflowTemplate{ID: "tmpl", Stages: articleReview.Stages}
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	entry := func(i int, action models.AuditAction, stage string) models.AuditLogEntry {
		return models.AuditLogEntry{
			ID:                 string(rune('a' + i)),
			WorkflowInstanceID: "inst",
			Timestamp:          at.Add(time.Duration(i) * time.Minute),
			User:               "bob",
			Action:             action,
			Stage:              stage,
		}
	}

	tests := []struct {
		name    string
		entries []models.AuditLogEntry
		err     string
	}{
		{
			name:    "No creation",
			entries: []models.AuditLogEntry{entry(0, models.CommentedAuditAction, "Editorial")},
			err:     "no creation entry",
		},
		{
			name: "Created twice",
			entries: []models.AuditLogEntry{
				entry(0, models.CreatedAuditAction, "Editorial"),
				entry(1, models.CreatedAuditAction, "Editorial"),
			},
			err: "created twice",
		},
		{
			name: "Skipped stage",
			entries: []models.AuditLogEntry{
				entry(0, models.CreatedAuditAction, "Editorial"),
				entry(1, models.AdvancedAuditAction, "Editorial"),
			},
			err: "jumps from stage 0 to 0",
		},
		{
			name: "Transition after terminal",
			entries: []models.AuditLogEntry{
				entry(0, models.CreatedAuditAction, "Editorial"),
				entry(1, models.RejectedAuditAction, "Editorial"),
				entry(2, models.AdvancedAuditAction, "Legal"),
			},
			err: "follows terminal status",
		},
		{
			name: "Unknown stage",
			entries: []models.AuditLogEntry{
				entry(0, models.CreatedAuditAction, "Copy Desk"),
			},
			err: "unknown stage",
		},
		{
			name: "Before creation",
			entries: []models.AuditLogEntry{
				entry(1, models.CreatedAuditAction, "Editorial"),
				entry(0, models.ApprovedAuditAction, "Editorial"),
			},
			err: "precedes instance creation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Replay(tmpl, tt.entries)
			assert.ErrorContains(t, err, tt.err)
		})
	}

	t.Run("Approved after every stage", func(t *testing.T) {
		got, err := service.Replay(tmpl, []models.AuditLogEntry{
			entry(3, models.ApprovedAuditAction, "Legal"),
			entry(0, models.CreatedAuditAction, "Editorial"),
			entry(1, models.EscalatedAuditAction, "Editorial"),
			entry(2, models.AdvancedAuditAction, "Legal"),
		})
		require.NoError(t, err)
		assert.Equal(t, models.ApprovedInstanceStatus, got.Status)
		assert.Equal(t, 1, got.CurrentStageIndex)
		assert.Equal(t, "bob", got.CreatedBy)
	})
}
