package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	pool, err := New(Config{Workers: 3, QueueSize: 10}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(&Task{ID: fmt.Sprint(i), Payload: i}))
	}

	results, err := pool.Collect(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 0; i < 5; i++ {
		r := results[fmt.Sprint(i)]
		require.NotNil(t, r)
		assert.True(t, r.Success)
		assert.Equal(t, i*2, r.Data)
		assert.Equal(t, 1, r.Attempts)
	}

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.TasksSubmitted)
	assert.Equal(t, int64(5), stats.TasksCompleted)
}

func TestPoolRetriesOnlyRetryable(t *testing.T) {
	var calls int32
	cfg := Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		n := atomic.AddInt32(&calls, 1)
		switch task.ID {
		case "flaky":
			if n < 3 {
				return &Result{Error: errors.New("503"), Retryable: true}
			}
			return &Result{Success: true}
		default:
			return &Result{Error: errors.New("400")}
		}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(&Task{ID: "flaky"}))
	results, err := pool.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, results["flaky"].Success)
	assert.Equal(t, 3, results["flaky"].Attempts)

	require.NoError(t, pool.Submit(&Task{ID: "bad"}))
	results, err = pool.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, results["bad"].Success)
	assert.Equal(t, 1, results["bad"].Attempts)

	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(&Task{ID: "late"}), ErrPoolStopped)
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	// workers not started, so the single slot fills immediately
	require.NoError(t, pool.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "b"}), ErrQueueFull)

	pool.Start()
	close(block)
	_, err = pool.Collect(context.Background(), 1)
	require.NoError(t, err)
	pool.Stop()
}

func TestPoolCancelledTask(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 2}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pool.Submit(&Task{ID: "x", Context: ctx}))

	results, err := pool.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, results["x"].Error, context.Canceled)
}

func TestPoolCollectCountsDuplicateIDs(t *testing.T) {
	pool, err := New(Config{Workers: 2, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(&Task{ID: "same"}))
	require.NoError(t, pool.Submit(&Task{ID: "same"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := pool.Collect(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(2), pool.Stats().TasksCompleted)
}
