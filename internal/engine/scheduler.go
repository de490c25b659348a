package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hotwallet-engine/internal/logging"
)

// Task is one periodically scheduled unit of engine work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	inFlight atomic.Bool
}

// Scheduler drives engine tasks on fixed intervals. Each task is
// single-flight: a tick that arrives while the previous run is still going
// is skipped and counted, never queued.
type Scheduler struct {
	tasks   []*Task
	logger  *logging.Logger
	metrics *Metrics
}

// NewScheduler creates a scheduler for the given tasks.
func NewScheduler(tasks []*Task, logger *logging.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		logger:  logger.WithField("component", "scheduler"),
		metrics: metrics,
	}
}

// Start runs every task loop until ctx is cancelled, then waits for
// in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	log := s.logger.WithField("task", task.Name)
	log.WithField("interval", task.Interval.String()).Info("task started")

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	// first run immediately instead of waiting a full interval
	s.runOnce(ctx, task, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("task stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, task, log)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task *Task, log *logging.Logger) {
	if !task.inFlight.CompareAndSwap(false, true) {
		s.metrics.TaskSkips.WithLabelValues(task.Name).Inc()
		log.Debug("tick skipped, previous run still in flight")
		return
	}
	defer task.inFlight.Store(false)

	start := time.Now()
	err := task.Run(ctx)
	s.metrics.TaskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.metrics.TaskRuns.WithLabelValues(task.Name, "ok").Inc()
	case errors.Is(err, context.Canceled):
		// shutdown, not a failure
	default:
		s.metrics.TaskRuns.WithLabelValues(task.Name, "error").Inc()
		var inc *InconsistencyError
		if errors.As(err, &inc) {
			s.metrics.Inconsistency.WithLabelValues(inc.Coin).Inc()
			log.WithError(err).Error("run found a ledger inconsistency, operator action required")
			return
		}
		log.WithError(err).Warn("run failed, retrying next tick")
	}
}
