package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const (
	// default job timeout is 30s
	DefaultJobTimeout = 30 * time.Second
)

// Job is one unit of work; ID must be unique within an execution.
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// executionState holds state for a single batch of jobs
type executionState struct {
	jobErrors    map[string]error
	pendingCount int           // Jobs not yet finished
	completeChan chan struct{} // Signals that every job finished
	mu           sync.Mutex
	cleanupOnce  sync.Once
}

type jobContext struct {
	job    Job
	execID string
	ctx    context.Context
}

// WorkerPool runs batches of independent jobs on a fixed set of workers. A failing or
// panicking job only records its own error.
type WorkerPool struct {
	logger     Logger
	timeout    time.Duration
	jobChan    chan jobContext
	executions map[string]*executionState
	mu         sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	stopOnce   sync.Once
}

func NewWorkerPool(mainCtx context.Context, logger Logger) *WorkerPool {
	return &WorkerPool{
		logger:     logger,
		timeout:    DefaultJobTimeout,
		executions: make(map[string]*executionState),
		ctx:        mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan jobContext, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobChan)
		wp.wg.Wait()

		wp.mu.Lock()
		ids := make([]string, 0, len(wp.executions))
		for execID := range wp.executions {
			ids = append(ids, execID)
		}
		wp.mu.Unlock()
		for _, execID := range ids {
			wp.cleanupExecution(execID)
		}
	})
}

// ExecuteJobs runs jobs under execID and blocks until all of them finished.
// It returns the errors keyed by job id.
func (wp *WorkerPool) ExecuteJobs(ctx context.Context, execID string, jobs []Job) map[string]error {
	if len(jobs) == 0 {
		return map[string]error{}
	}
	wp.mu.Lock()
	if _, exists := wp.executions[execID]; exists {
		wp.mu.Unlock()
		wp.logger.Errorf("execution %s already running", execID)
		return map[string]error{execID: fmt.Errorf("execution %s already running", execID)}
	}
	state := &executionState{
		jobErrors:    make(map[string]error),
		pendingCount: len(jobs),
		completeChan: make(chan struct{}),
	}
	wp.executions[execID] = state
	wp.mu.Unlock()

	for _, job := range jobs {
		select {
		case wp.jobChan <- jobContext{job: job, execID: execID, ctx: ctx}:
		case <-wp.ctx.Done():
			wp.finish(execID, job.ID, wp.ctx.Err())
		}
	}

	<-state.completeChan

	state.mu.Lock()
	defer state.mu.Unlock()
	errs := make(map[string]error, len(state.jobErrors))
	for k, err := range state.jobErrors {
		errs[k] = err
	}
	return errs
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for jc := range wp.jobChan {
		if err := wp.ctx.Err(); err != nil {
			wp.finish(jc.execID, jc.job.ID, err)
			continue
		}
		wp.finish(jc.execID, jc.job.ID, wp.runJob(jc))
	}
}

func (wp *WorkerPool) runJob(jc jobContext) (err error) {
	ctx, cancel := context.WithTimeout(jc.ctx, wp.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Job %s panicked: %v", jc.job.ID, r)
			err = fmt.Errorf("job %s panicked: %v", jc.job.ID, r)
		}
	}()
	return jc.job.Run(ctx)
}

func (wp *WorkerPool) finish(execID, jobID string, err error) {
	wp.mu.RLock()
	state, ok := wp.executions[execID]
	wp.mu.RUnlock()
	if !ok {
		wp.logger.Errorf("Cannot finish job %s: execution %s not found", jobID, execID)
		return
	}
	state.mu.Lock()
	if err != nil {
		state.jobErrors[jobID] = err
	}
	state.pendingCount--
	last := state.pendingCount == 0
	state.mu.Unlock()
	if last {
		wp.cleanupExecution(execID)
	}
}

func (wp *WorkerPool) cleanupExecution(execID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if state, ok := wp.executions[execID]; ok {
		state.cleanupOnce.Do(func() {
			close(state.completeChan)
			delete(wp.executions, execID)
		})
	}
}
