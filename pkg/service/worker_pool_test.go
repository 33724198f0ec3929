package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/stretchr/testify/assert"
)

// testLogger implements Logger interface for testing
type testLogger struct {
}

func newLogger(t *testing.T) service.Logger {
	return &testLogger{}
}

func (l *testLogger) Infof(format string, args ...interface{}) {
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
}

func TestWorkerPool_JobExecution(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name           string
		run            func(ctx context.Context) error
		contextTimeout time.Duration
		expectedError  string
	}{
		{
			name:           "Successful job",
			run:            func(ctx context.Context) error { return nil },
			contextTimeout: time.Second,
		},
		{
			name:           "Failing job",
			run:            func(ctx context.Context) error { return errors.New("permanent error") },
			contextTimeout: time.Second,
			expectedError:  "permanent error",
		},
		{
			name:           "Panicking job",
			run:            func(ctx context.Context) error { panic("boom") },
			contextTimeout: time.Second,
			expectedError:  "panicked: boom",
		},
		{
			name: "Job hitting the context deadline",
			run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			contextTimeout: 50 * time.Millisecond,
			expectedError:  "deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := service.NewWorkerPool(ctx, newLogger(t))
			wp.Start(1)
			defer wp.Stop()

			execCtx, cancel := context.WithTimeout(ctx, tt.contextTimeout)
			defer cancel()

			errs := wp.ExecuteJobs(execCtx, "exec-1", []service.Job{{ID: "job", Run: tt.run}})
			if tt.expectedError == "" {
				assert.Empty(t, errs)
				return
			}
			err := errs["job"]
			if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
				t.Errorf("Expected error containing %q, got: %v", tt.expectedError, err)
			}
		})
	}
}

func TestWorkerPool_FailuresAreIsolated(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), newLogger(t))
	wp.Start(3)
	defer wp.Stop()

	var ran int32
	jobs := make([]service.Job, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		jobs = append(jobs, service.Job{ID: fmt.Sprintf("job-%d", i), Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			switch {
			case i == 3:
				panic("job 3 exploded")
			case i%4 == 0:
				return fmt.Errorf("job %d failed", i)
			}
			return nil
		}})
	}

	errs := wp.ExecuteJobs(context.Background(), "batch", jobs)
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
	assert.Len(t, errs, 4)
	for _, id := range []string{"job-0", "job-3", "job-4", "job-8"} {
		assert.Error(t, errs[id], id)
	}
	assert.NoError(t, errs["job-1"])
}

func TestWorkerPool_Executions(t *testing.T) {
	t.Run("Empty batch", func(t *testing.T) {
		wp := service.NewWorkerPool(context.Background(), newLogger(t))
		wp.Start(1)
		defer wp.Stop()
		assert.Empty(t, wp.ExecuteJobs(context.Background(), "empty", nil))
	})

	t.Run("Execution id reused after completion", func(t *testing.T) {
		wp := service.NewWorkerPool(context.Background(), newLogger(t))
		wp.Start(2)
		defer wp.Stop()
		job := []service.Job{{ID: "a", Run: func(context.Context) error { return nil }}}
		assert.Empty(t, wp.ExecuteJobs(context.Background(), "same", job))
		assert.Empty(t, wp.ExecuteJobs(context.Background(), "same", job))
	})

	t.Run("Duplicate execution id while running", func(t *testing.T) {
		wp := service.NewWorkerPool(context.Background(), newLogger(t))
		wp.Start(1)
		defer wp.Stop()

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan map[string]error)
		go func() {
			done <- wp.ExecuteJobs(context.Background(), "dup", []service.Job{{ID: "slow", Run: func(context.Context) error {
				close(started)
				<-release
				return nil
			}}})
		}()
		<-started

		errs := wp.ExecuteJobs(context.Background(), "dup", []service.Job{{ID: "other", Run: func(context.Context) error { return nil }}})
		assert.ErrorContains(t, errs["dup"], "already running")

		close(release)
		assert.Empty(t, <-done)
	})

	t.Run("Stop is idempotent", func(t *testing.T) {
		wp := service.NewWorkerPool(context.Background(), newLogger(t))
		wp.Start(0)
		wp.Stop()
		wp.Stop()
	})
}
