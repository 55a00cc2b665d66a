package tasks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/derivedflow/dflow/pkg/observability"
)

// QueueManager manages task queuing for the registry and materialized view
// background work.
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewQueueManager creates a new queue manager.
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
	}
}

// EnqueueRegistryReload enqueues a registry reload-and-update task.
func (q *QueueManager) EnqueueRegistryReload(payload RegistryReloadPayload, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeRegistryReload, data)

	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(payload.QueueName()),
		asynq.MaxRetry(3),
		asynq.Timeout(5 * time.Minute),
	}

	_, err = q.client.Enqueue(task, append(defaultOpts, opts...)...)

	return err
}

// EnqueueMatviewRefresh enqueues a materialized view refresh task.
func (q *QueueManager) EnqueueMatviewRefresh(payload MatviewRefreshPayload, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeMatviewRefresh, data)

	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(payload.QueueName()),
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
	}

	_, err = q.client.Enqueue(task, append(defaultOpts, opts...)...)

	return err
}

// IsPendingOrRunning checks whether a task with the given queue/id is
// pending, active, or scheduled for retry — used to avoid double-arming a
// refresh or reload that is already in flight.
func (q *QueueManager) IsPendingOrRunning(queue, id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NOT FOUND") ||
		strings.Contains(err.Error(), "queue not found") ||
		strings.Contains(err.Error(), "task not found")
}

// GetQueueStats returns queue statistics, also updating the queue depth
// gauge for each task state so a periodic scrape observes the same numbers
// this call returns.
func (q *QueueManager) GetQueueStats(queueName string) (*asynq.QueueInfo, error) {
	info, err := q.inspector.GetQueueInfo(queueName)
	if err != nil {
		return nil, err
	}

	observability.RecordQueueDepth(queueName, "pending", float64(info.Pending))
	observability.RecordQueueDepth(queueName, "active", float64(info.Active))
	observability.RecordQueueDepth(queueName, "scheduled", float64(info.Scheduled))
	observability.RecordQueueDepth(queueName, "retry", float64(info.Retry))

	return info, nil
}

// Close closes the queue manager.
func (q *QueueManager) Close() error {
	return q.client.Close()
}

// NewMatviewRefreshTask builds a raw matview refresh task for callers that
// enqueue outside QueueManager's own retry/timeout defaults, such as the
// cron scheduler's ticker loop, which supplies its own asynq.Option set per
// enqueue.
func NewMatviewRefreshTask(viewID string, enqueuedAt time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(MatviewRefreshPayload{ViewID: viewID, EnqueuedAt: enqueuedAt})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TypeMatviewRefresh, data), nil
}
