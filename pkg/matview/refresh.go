package matview

import (
	"context"
	"fmt"
	"time"

	"github.com/derivedflow/dflow/pkg/observability"
	"github.com/derivedflow/dflow/pkg/scheduler"
)

// Refresh rebuilds the target table's contents by re-running the saved
// SELECT into a fresh table, then swapping it in with a single rename
// exchange. This issues exactly one RENAME ... EXCHANGE statement per call —
// a double-append of the rename element, which would attempt the same
// table-pair swap twice in one statement, is deliberately avoided.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.refreshLocked(ctx)
}

func (c *Controller) refreshLocked(ctx context.Context) error {
	start := time.Now()

	err := c.doRefreshLocked(ctx)

	status := "success"
	if err != nil {
		status = "failed"
	}

	observability.RecordMatviewRefresh(c.viewID.String(), status, time.Since(start).Seconds())

	return err
}

func (c *Controller) doRefreshLocked(ctx context.Context) error {
	targetID := c.targetID
	tmpName := ".tmp" + generateInnerTableName(c.viewID, c.viewID.UUID)

	createStmt, err := c.ddl.GetCreateStatement(ctx, targetID.Database, targetID.Table)
	if err != nil {
		return fmt.Errorf("matview: refresh %s: %w", c.viewID, err)
	}

	created := false
	replaced := false

	cleanup := func(cause error) error {
		if created && !replaced {
			if dropErr := c.ddl.DropTable(ctx, targetID.Database, tmpName, true); dropErr != nil {
				c.log.WithError(dropErr).Warn("failed to clean up tmp table after refresh error")
			}
		}

		return fmt.Errorf("matview: refresh %s: %w", c.viewID, cause)
	}

	if err := c.ddl.CreateTableLike(ctx, targetID.Database, tmpName, createStmt); err != nil {
		return cleanup(err)
	}

	created = true

	if err := c.ddl.InsertSelect(ctx, targetID.Database, tmpName, c.selectSQL); err != nil {
		return cleanup(err)
	}

	if err := c.ddl.RenameExchange(ctx, targetID.Database, tmpName, targetID.Table); err != nil {
		return cleanup(err)
	}

	replaced = true

	if err := c.ddl.DropTable(ctx, targetID.Database, tmpName, false); err != nil {
		c.log.WithError(err).Warn("failed to drop shadowed former target after refresh")
	}

	c.lastRefreshAt = time.Now()
	c.log.WithField("last_refresh_at", c.lastRefreshAt).Debug("refresh complete")

	return nil
}

// Startup arms the periodic-refresh task, if this view was constructed with
// PeriodicRefresh > 0, and fires an immediate scheduling pass — the
// inactive → armed transition of the refresh scheduler's state machine.
func (c *Controller) Startup(pool *scheduler.Pool) {
	if c.period <= 0 {
		return
	}

	c.task = pool.CreateTask("matview:refresh:"+c.viewID.String(), c.periodicTick)
	c.task.Activate()
	c.task.ScheduleAfter(0)
}

// Shutdown deactivates the periodic-refresh task.
func (c *Controller) Shutdown() {
	if c.task != nil {
		c.task.Deactivate()
	}
}

// periodicTick is the scheduled task body: refresh if the period has
// elapsed since the last refresh, then reschedule at last_refresh_at +
// period (or immediately if that's already past).
func (c *Controller) periodicTick() {
	c.mu.Lock()

	if time.Since(c.lastRefreshAt) >= c.period {
		if err := c.refreshLocked(context.Background()); err != nil {
			c.log.WithError(err).Error("periodic refresh failed")
		}
	}

	next := c.lastRefreshAt.Add(c.period)
	c.mu.Unlock()

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	if c.task != nil {
		c.task.ScheduleAfter(delay)
	}
}
