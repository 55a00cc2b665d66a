// Package tasks provides task queue management using Asynq, carrying the
// registry reload and materialized view refresh work that the cron
// scheduler (pkg/scheduler.CronScheduler) and the admin API enqueue onto a
// durable queue. pkg/scheduler's Pool tasks do not use this queue; they
// call the component directly from the timer goroutine.
package tasks

import (
	"fmt"
	"time"
)

const (
	// TypeRegistryReload is the task type for a registry reload-and-update
	// cycle.
	TypeRegistryReload = "registry:reload"
	// TypeMatviewRefresh is the task type for a materialized view refresh,
	// periodic or on-demand.
	TypeMatviewRefresh = "matview:refresh"
)

// RegistryReloadPayload carries nothing beyond the registry identity: the
// handler calls Registry.ReloadAndUpdate(false), which already folds retry
// of previously-failed loadables into the same cycle, so there is no
// separate retry task type.
type RegistryReloadPayload struct {
	RegistryName string    `json:"registry_name"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task, used as the Asynq
// task ID so a registry never has two reload cycles queued at once.
func (p RegistryReloadPayload) UniqueID() string {
	return fmt.Sprintf("registry-reload:%s", p.RegistryName)
}

// QueueName returns the queue this payload is enqueued on.
func (p RegistryReloadPayload) QueueName() string {
	return "registry"
}

// MatviewRefreshPayload identifies the materialized view to refresh.
type MatviewRefreshPayload struct {
	ViewID     string    `json:"view_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task, so a view never has
// two refreshes queued at once.
func (p MatviewRefreshPayload) UniqueID() string {
	return fmt.Sprintf("matview-refresh:%s", p.ViewID)
}

// QueueName returns the queue this payload is enqueued on.
func (p MatviewRefreshPayload) QueueName() string {
	return "matview"
}
