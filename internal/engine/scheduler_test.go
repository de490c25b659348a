package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/engine"
)

func TestSchedulerRunsTaskImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	task := &engine.Task{
		Name:     "counter",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return nil
		},
	}

	scheduler := engine.NewScheduler([]*engine.Task{task}, testLogger(), testMetrics())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int64(3))
}

func TestSchedulerKeepsRunningAfterTaskError(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	task := &engine.Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("node unavailable")
		},
	}

	scheduler := engine.NewScheduler([]*engine.Task{task}, testLogger(), testMetrics())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int64(3), "errors must not stop the loop")
}

func TestSchedulerRunsTasksIndependently(t *testing.T) {
	var fast, slow atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := []*engine.Task{
		{
			Name:     "fast",
			Interval: 5 * time.Millisecond,
			Run: func(ctx context.Context) error {
				fast.Add(1)
				return nil
			},
		},
		{
			Name:     "slow",
			Interval: 5 * time.Millisecond,
			Run: func(ctx context.Context) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slow.Add(1)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				return nil
			},
		},
	}

	scheduler := engine.NewScheduler(tasks, testLogger(), testMetrics())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 5*time.Second, time.Millisecond,
		"a blocked task must not starve the others")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.Equal(t, int64(1), slow.Load(), "overlapping ticks do not queue behind a running task")
}

func TestSchedulerCountsInconsistencies(t *testing.T) {
	metrics := testMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int64
	task := &engine.Task{
		Name:     "stuck",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1) >= 2 {
				cancel()
			}
			return &engine.InconsistencyError{Coin: "BTC", Detail: "memo matched no withdrawals"}
		},
	}

	scheduler := engine.NewScheduler([]*engine.Task{task}, testLogger(), metrics)

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Inconsistency.WithLabelValues("BTC")), 1.0)
}
