package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/observability"
)

// QueueName is the default Asynq queue scheduledTasks are enqueued onto when
// no more specific queue is set.
const QueueName = "default"

// scheduledTask is a cron-scheduled alternative to Pool's Task: instead of
// invoking a function directly on the elected leader, it enqueues a
// pre-built asynq.Task onto Redis, so the work runs wherever a worker
// process's pkg/tasks handler dequeues it — useful for schedules expressed
// as cron strings (e.g. a matview declared "REFRESH EVERY 1 DAY") rather
// than a fixed time.Duration.
type scheduledTask struct {
	ID       string
	Schedule string
	Interval time.Duration
	Task     *asynq.Task
	Queue    string
	nextRun  *time.Time
}

// tickerService runs the cron-driven scheduling loop described above.
type tickerService interface {
	// Start begins the ticker loop. Should only run on the elected leader.
	// Blocks until ctx is canceled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the ticker.
	Stop() error
}

type tickerServiceImpl struct {
	log         logrus.FieldLogger
	tracker     scheduleTracker
	queueClient *asynq.Client
	tasks       []scheduledTask
	tasksMu     sync.RWMutex
	ticker      *time.Ticker
	done        chan struct{}

	taskTimeout time.Duration
	concurrency int

	consolidationInterval time.Duration
	knownTaskIDs          map[string]struct{}
}

// tickerOption configures a tickerServiceImpl beyond its required
// constructor arguments, so existing callers (and tests) that only pass the
// four required arguments keep compiling unchanged.
type tickerOption func(*tickerServiceImpl)

// withTaskTimeout bounds how long a single enqueue call may take. Zero
// keeps the built-in default.
func withTaskTimeout(d time.Duration) tickerOption {
	return func(t *tickerServiceImpl) { t.taskTimeout = d }
}

// withConcurrency bounds how many due tasks checkSchedules enqueues at
// once. Values <= 1 enqueue sequentially.
func withConcurrency(n int) tickerOption {
	return func(t *tickerServiceImpl) { t.concurrency = n }
}

// withConsolidation arms a periodic sweep, firing every interval, that
// deletes tracker entries for task IDs outside knownTaskIDs — cleanup for
// tasks that were removed from config since they were last tracked.
func withConsolidation(interval time.Duration, knownTaskIDs []string) tickerOption {
	return func(t *tickerServiceImpl) {
		t.consolidationInterval = interval

		t.knownTaskIDs = make(map[string]struct{}, len(knownTaskIDs))
		for _, id := range knownTaskIDs {
			t.knownTaskIDs[id] = struct{}{}
		}
	}
}

// newTickerService creates a tickerService over the given tasks, each
// already resolved to an asynq.Task plus its parsed cron interval.
func newTickerService(
	log logrus.FieldLogger,
	tracker scheduleTracker,
	queueClient *asynq.Client,
	tasks []scheduledTask,
	opts ...tickerOption,
) tickerService {
	for _, task := range tasks {
		observability.RecordScheduledTaskRegistered(task.ID)
	}

	svc := &tickerServiceImpl{
		log:         log.WithField("component", "ticker"),
		tracker:     tracker,
		queueClient: queueClient,
		tasks:       tasks,
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

func (t *tickerServiceImpl) Start(ctx context.Context) error {
	t.log.Info("starting ticker service")
	t.ticker = time.NewTicker(1 * time.Second)
	defer t.ticker.Stop()

	var consolidateC <-chan time.Time

	if t.consolidationInterval > 0 {
		consolidateTicker := time.NewTicker(t.consolidationInterval)
		defer consolidateTicker.Stop()

		consolidateC = consolidateTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.log.Info("ticker context canceled, stopping")
			return ctx.Err()
		case <-t.done:
			t.log.Info("ticker stopped via Stop()")
			return nil
		case <-t.ticker.C:
			t.checkSchedules(ctx)
		case <-consolidateC:
			t.consolidate(ctx)
		}
	}
}

func (t *tickerServiceImpl) checkSchedules(ctx context.Context) {
	now := time.Now().UTC()

	limit := t.concurrency
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup

	for i := range t.tasks {
		task := &t.tasks[i]

		t.tasksMu.RLock()
		cachedNextRun := task.nextRun
		t.tasksMu.RUnlock()

		if cachedNextRun != nil && now.Before(*cachedNextRun) {
			continue
		}

		lastRun, err := t.tracker.GetLastRun(ctx, task.ID)
		if err != nil {
			t.log.WithError(err).WithField("task_id", task.ID).Warn("failed to get last run, will retry next tick")

			continue
		}

		nextRun := lastRun.Add(task.Interval)

		t.tasksMu.Lock()
		task.nextRun = &nextRun
		t.tasksMu.Unlock()

		if now.Before(nextRun) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(task *scheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := t.enqueueTask(ctx, *task, now); err != nil {
				t.log.WithError(err).WithField("task_id", task.ID).Error("failed to enqueue task")

				return
			}

			if err := t.tracker.SetLastRun(ctx, task.ID, now); err != nil {
				t.log.WithError(err).WithField("task_id", task.ID).Error("failed to update last run timestamp")
			}

			updatedNextRun := now.Add(task.Interval)

			t.tasksMu.Lock()
			task.nextRun = &updatedNextRun
			t.tasksMu.Unlock()
		}(task)
	}

	wg.Wait()
}

// consolidate deletes tracked run timestamps for task IDs no longer
// present in the current config, so a matview or registry dropped from
// config doesn't leave a stale entry behind in Redis forever.
func (t *tickerServiceImpl) consolidate(ctx context.Context) {
	ids, err := t.tracker.GetAllTaskIDs(ctx)
	if err != nil {
		t.log.WithError(err).Warn("consolidation: failed to list tracked task ids")

		return
	}

	for _, id := range ids {
		if _, ok := t.knownTaskIDs[id]; ok {
			continue
		}

		if err := t.tracker.DeleteLastRun(ctx, id); err != nil {
			t.log.WithError(err).WithField("task_id", id).Warn("consolidation: failed to delete stale tracked task")

			continue
		}

		t.log.WithField("task_id", id).Info("consolidation: removed tracking for task no longer in config")
	}
}

func (t *tickerServiceImpl) enqueueTask(ctx context.Context, task scheduledTask, enqueuedAt time.Time) error {
	timeout := t.taskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	opts := []asynq.Option{
		asynq.TaskID(task.ID),
		asynq.Queue(task.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	}

	info, err := t.queueClient.EnqueueContext(ctx, task.Task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			t.log.WithField("task_id", task.ID).Debug("task already queued, skipping")

			return nil
		}

		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	t.log.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"queue":       task.Queue,
		"asynq_id":    info.ID,
		"enqueued_at": enqueuedAt,
	}).Info("enqueued scheduled task")

	observability.RecordTaskEnqueued(task.Queue)

	return nil
}

func (t *tickerServiceImpl) Stop() error {
	t.log.Info("stopping ticker service")

	t.tasksMu.RLock()
	for _, task := range t.tasks {
		observability.RecordScheduledTaskUnregistered(task.ID)
	}
	t.tasksMu.RUnlock()

	close(t.done)

	return nil
}

// parseScheduleInterval converts a cron schedule string to a duration.
// Supports the "@every" shorthand (e.g. "@every 30s", "@every 1h") and
// standard five-field cron expressions, for which the interval is derived
// from the gap between the next two scheduled firings.
func parseScheduleInterval(schedule string) (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule format: %w", err)
	}

	if len(schedule) > 7 && schedule[:6] == "@every" {
		duration, err := time.ParseDuration(schedule[7:])
		if err != nil {
			return 0, fmt.Errorf("failed to parse @every duration: %w", err)
		}

		return duration, nil
	}

	now := time.Now()
	next1 := sched.Next(now)
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}

var _ tickerService = (*tickerServiceImpl)(nil)
