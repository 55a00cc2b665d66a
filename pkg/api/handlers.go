package api

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/derivedflow/dflow/pkg/matview"
	"github.com/derivedflow/dflow/pkg/registry"
	"github.com/derivedflow/dflow/pkg/tasks"
)

func now() time.Time { return time.Now() }

// RegistryLister is the slice of *registry.Registry the API needs to list
// loaded objects.
type RegistryLister interface {
	Snapshot() []registry.ObjectStatus
}

// MatviewLister is the slice of *matview.Controller the API needs to
// report a view's current refresh state.
type MatviewLister interface {
	Status() matview.Status
}

type handlers struct {
	registries map[string]RegistryLister
	matviews   map[string]MatviewLister
	enqueuer   *tasks.QueueManager
}

func (h *handlers) listRegistries(c fiber.Ctx) error {
	out := make(fiber.Map, len(h.registries))
	for name, reg := range h.registries {
		out[name] = reg.Snapshot()
	}

	return c.JSON(out)
}

func (h *handlers) listMatviews(c fiber.Ctx) error {
	out := make(fiber.Map, len(h.matviews))
	for name, view := range h.matviews {
		out[name] = view.Status()
	}

	return c.JSON(out)
}

func (h *handlers) triggerRegistryReload(c fiber.Ctx) error {
	name := c.Params("name")

	if _, ok := h.registries[name]; !ok {
		return fiber.NewError(fiber.StatusNotFound, "no such registry: "+name)
	}

	payload := tasks.RegistryReloadPayload{RegistryName: name, EnqueuedAt: now()}
	if err := h.enqueuer.EnqueueRegistryReload(payload); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *handlers) triggerMatviewRefresh(c fiber.Ctx) error {
	viewID := c.Params("id")

	if _, ok := h.matviews[viewID]; !ok {
		return fiber.NewError(fiber.StatusNotFound, "no such view: "+viewID)
	}

	payload := tasks.MatviewRefreshPayload{ViewID: viewID, EnqueuedAt: now()}
	if err := h.enqueuer.EnqueueMatviewRefresh(payload); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// queueNames lists the Asynq queues this process enqueues onto, in the
// order queueStats reports them.
var queueNames = []string{"default", "registry", "matview"}

// queueStats reports pending/active/scheduled/retry counts for every queue
// this process uses, refreshing the queue depth gauges as a side effect of
// the inspection.
func (h *handlers) queueStats(c fiber.Ctx) error {
	out := make(fiber.Map, len(queueNames))

	for _, name := range queueNames {
		info, err := h.enqueuer.GetQueueStats(name)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		out[name] = info
	}

	return c.JSON(out)
}
