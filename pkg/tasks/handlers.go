package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/observability"
)

// ErrComponentNotFound is returned when a task payload names a registry or
// materialized view the handler was not configured with.
var ErrComponentNotFound = errors.New("tasks: component not found")

// Reloader is the slice of Registry the handler needs — satisfied by
// *registry.Registry.
type Reloader interface {
	ReloadAndUpdate(throwOnError bool) error
}

// Refresher is the slice of matview.Controller the handler needs.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// TaskHandler executes dequeued registry reload and materialized view
// refresh tasks, dispatching to whichever of this module's two
// background-work components the task payload names.
type TaskHandler struct {
	registries map[string]Reloader
	matviews   map[string]Refresher
	log        logrus.FieldLogger
}

// NewTaskHandler creates a new task handler over the named registries and
// materialized views it is responsible for dispatching to.
func NewTaskHandler(registries map[string]Reloader, matviews map[string]Refresher) *TaskHandler {
	return &TaskHandler{
		registries: registries,
		matviews:   matviews,
		log:        logrus.WithField("component", "task-handler"),
	}
}

// HandleRegistryReload handles a registry reload-and-update task.
func (h *TaskHandler) HandleRegistryReload(_ context.Context, t *asynq.Task) error {
	var payload RegistryReloadPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log := h.log.WithField("registry", payload.RegistryName)
	log.Debug("starting registry reload task")

	reg, ok := h.registries[payload.RegistryName]
	if !ok {
		observability.RecordError("task-handler", "registry_not_found")
		return fmt.Errorf("%w: %s", ErrComponentNotFound, payload.RegistryName)
	}

	start := time.Now()
	observability.RecordTaskStart("registry:"+payload.RegistryName, "reload")

	err := reg.ReloadAndUpdate(false)

	status := "success"
	if err != nil {
		status = "failed"
		observability.RecordError("task-handler", "reload_error")
		log.WithError(err).Error("registry reload failed")
	}

	observability.RecordTaskComplete("registry:"+payload.RegistryName, "reload", status, time.Since(start).Seconds())

	return err
}

// HandleMatviewRefresh handles a materialized view refresh task.
func (h *TaskHandler) HandleMatviewRefresh(ctx context.Context, t *asynq.Task) error {
	var payload MatviewRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log := h.log.WithField("view", payload.ViewID)
	log.Debug("starting matview refresh task")

	view, ok := h.matviews[payload.ViewID]
	if !ok {
		observability.RecordError("task-handler", "matview_not_found")
		return fmt.Errorf("%w: %s", ErrComponentNotFound, payload.ViewID)
	}

	start := time.Now()
	observability.RecordTaskStart("matview:"+payload.ViewID, "refresh")

	err := view.Refresh(ctx)

	status := "success"
	if err != nil {
		status = "failed"
		observability.RecordError("task-handler", "refresh_error")
		log.WithError(err).Error("matview refresh failed")
	}

	observability.RecordTaskComplete("matview:"+payload.ViewID, "refresh", status, time.Since(start).Seconds())

	return err
}

// Routes returns the task handler routes for Asynq.
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeRegistryReload: h.HandleRegistryReload,
		TypeMatviewRefresh: h.HandleMatviewRefresh,
	}
}
