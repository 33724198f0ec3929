package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
)

// Logger defines the logging interface used by the services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type options struct {
	now          func() time.Time
	directory    Directory
	notifier     Notifier
	content      ContentGate
	metrics      *Metrics
	workers      int
	auditBackoff func() backoff.BackOff
}

// Option configures the services built by NewWorkflowService.
type Option func(*options)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithDirectory(d Directory) Option {
	return func(o *options) { o.directory = d }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithContentGate(c ContentGate) Option {
	return func(o *options) { o.content = c }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithWorkers sets the number of escalation workers; <= 0 means runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithAuditBackoff sets the retry policy for audit writes.
func WithAuditBackoff(fn func() backoff.BackOff) Option {
	return func(o *options) { o.auditBackoff = fn }
}

// WithAuditRetries retries a failed audit write up to n times with exponential backoff.
func WithAuditRetries(n uint64) Option {
	return func(o *options) {
		o.auditBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, n)
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		now:       time.Now,
		directory: noDirectory{},
		notifier:  NopNotifier{},
		content:   NopContentGate{},
	}
	WithAuditRetries(3)(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// clock returns the current time at the precision Postgres keeps.
func (o *options) clock() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

// WorkflowService wires the template store, instance engine, task queue, escalation
// evaluator and audit log over one Store.
type WorkflowService struct {
	Templates *TemplateService
	Engine    *Engine
	Tasks     *TaskQueue
	Rules     *RuleService
	Audit     *AuditLog
	Evaluator *Evaluator

	pool *WorkerPool
	opts *options
}

// Health summarizes the state of the service's dependencies.
type Health struct {
	Status           string `json:"status"`
	Notifier         string `json:"notifier,omitempty"`
	AuditPending     int    `json:"audit_pending"`
	AuditQuarantined int    `json:"audit_quarantined"`
}

// healthReporter is implemented by collaborators that can describe their own state,
// e.g. a notifier behind a circuit breaker.
type healthReporter interface {
	Health() string
}

// Health reports "degraded" while notifications are short-circuited or audit entries
// are parked or were refused. Transitions keep working either way.
func (s *WorkflowService) Health() Health {
	h := Health{
		Status:           "ok",
		AuditPending:     s.Audit.Pending(),
		AuditQuarantined: len(s.Audit.Quarantined()),
	}
	if r, ok := s.opts.notifier.(healthReporter); ok {
		h.Notifier = r.Health()
		if h.Notifier != "closed" {
			h.Status = "degraded"
		}
	}
	if h.AuditPending > 0 || h.AuditQuarantined > 0 {
		h.Status = "degraded"
	}
	return h
}

func NewWorkflowService(ctx context.Context, store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	o := buildOptions(opts)
	locks := newKeyedLocks()
	audit := newAuditLog(store, logger, o)
	engine := newEngine(store, audit, logger, locks, o)
	pool := NewWorkerPool(ctx, logger)
	pool.Start(o.workers)
	return &WorkflowService{
		Templates: newTemplateService(store, logger, locks, o),
		Engine:    engine,
		Tasks:     newTaskQueue(store, logger, o),
		Rules:     newRuleService(store, logger, o),
		Audit:     audit,
		Evaluator: newEvaluator(store, engine, audit, pool, logger, o),
		pool:      pool,
		opts:      o,
	}
}

// Close stops the escalation workers.
func (s *WorkflowService) Close() {
	s.pool.Stop()
}

// withTx runs fn in a transaction, committing on success and rolling back on error.
func withTx(ctx context.Context, store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}
