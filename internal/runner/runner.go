package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/logging"
)

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logging.Log
	}
	return &Runner{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		logger:   logger.WithField("component", "runner"),
	}
}

// Start schedules every registered task and starts the scheduler. Tasks run
// with ctx as parent until Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	for _, task := range r.registry.All() {
		r.logger.WithFields(logrus.Fields{"task": task.Name(), "schedule": task.Schedule()}).Info("registering task")

		job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
			_ = r.executeTask(ctx, task)
		}))
		if _, err := r.cron.AddJob(task.Schedule(), job); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", task.Name(), err)
		}
	}

	r.cron.Start()
	r.logger.Info("task runner started")
	return nil
}

// Run starts the runner and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// RunOnce executes a registered task immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	log := r.logger.WithField("task", task.Name())
	log.Debug("executing task")

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).WithField("duration", duration).Error("task failed")
	} else {
		log.WithField("duration", duration).Debug("task completed")
	}
	return err
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Info("stopping task runner")

	// Stop accepting new tasks
	ctx := r.cron.Stop()

	// Wait for running tasks to complete
	r.wg.Wait()
	<-ctx.Done()

	r.logger.Info("task runner stopped")
}
