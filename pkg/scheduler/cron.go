package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CronTask describes one externally-scheduled task: a cron string (or the
// "@every" shorthand) paired with a pre-built asynq.Task to enqueue once
// due — a matview's REFRESH EVERY clause or a registry reload cadence
// expressed the same way, rather than the fixed time.Duration Pool's Task
// works in.
type CronTask struct {
	ID       string
	Schedule string
	Task     *asynq.Task
	Queue    string
}

// CronScheduler runs a set of CronTask entries against Redis-backed
// scheduleTracker state, enqueuing each due task onto Asynq for a worker's
// own queue consumer to pick up. It owns the schedule tracker and ticker
// loop, both unexported implementation details of this package.
type CronScheduler struct {
	log     logrus.FieldLogger
	cfg     Config
	tracker scheduleTracker
	client  *asynq.Client
	svc     tickerService
}

// NewCronScheduler resolves every CronTask's cron string to an interval and
// builds the tracker and ticker loop backing it. redisOpt backs the
// schedule tracker; asynqRedis backs the client that enqueues due tasks.
// cfg.Consolidation arms the periodic sweep that prunes tracker entries for
// task IDs outside cronTasks; cfg.TaskTimeout bounds each enqueue call;
// cfg.Concurrency bounds how many due tasks are enqueued at once.
func NewCronScheduler(
	log logrus.FieldLogger,
	redisOpt *redis.Options,
	asynqRedis asynq.RedisClientOpt,
	cfg Config,
	cronTasks []CronTask,
) (*CronScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	consolidation, err := parseScheduleInterval(cfg.Consolidation)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid consolidation schedule %q: %w", cfg.Consolidation, err)
	}

	tasks := make([]scheduledTask, 0, len(cronTasks))
	knownIDs := make([]string, 0, len(cronTasks))

	for _, ct := range cronTasks {
		interval, err := parseScheduleInterval(ct.Schedule)
		if err != nil {
			return nil, fmt.Errorf("scheduler: task %s: invalid schedule %q: %w", ct.ID, ct.Schedule, err)
		}

		queue := ct.Queue
		if queue == "" {
			queue = QueueName
		}

		tasks = append(tasks, scheduledTask{
			ID:       ct.ID,
			Schedule: ct.Schedule,
			Interval: interval,
			Task:     ct.Task,
			Queue:    queue,
		})
		knownIDs = append(knownIDs, ct.ID)
	}

	tracker := newScheduleTracker(log, redis.NewClient(redisOpt))
	client := asynq.NewClient(asynqRedis)

	svc := newTickerService(log, tracker, client, tasks,
		withTaskTimeout(cfg.TaskTimeout),
		withConcurrency(cfg.Concurrency),
		withConsolidation(consolidation, knownIDs))

	return &CronScheduler{
		log:     log.WithField("component", "cron_scheduler"),
		cfg:     cfg,
		tracker: tracker,
		client:  client,
		svc:     svc,
	}, nil
}

// Start runs the scheduler loop. Blocks until ctx is canceled or Stop is
// called from another goroutine.
func (c *CronScheduler) Start(ctx context.Context) error {
	return c.svc.Start(ctx)
}

// Stop gracefully shuts down the scheduler, bounded by cfg.ShutdownTimeout,
// then releases the tracker's and client's Redis connections.
func (c *CronScheduler) Stop() error {
	done := make(chan error, 1)
	go func() { done <- c.svc.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			c.log.WithError(err).Warn("ticker stop returned error")
		}
	case <-time.After(c.cfg.ShutdownTimeout):
		c.log.Warn("ticker stop timed out")
	}

	if err := c.client.Close(); err != nil {
		c.log.WithError(err).Warn("failed to close asynq client")
	}

	return c.tracker.Close()
}
