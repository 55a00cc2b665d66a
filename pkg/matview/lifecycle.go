package matview

import (
	"context"
	"fmt"

	"github.com/derivedflow/dflow/pkg/catalog"
)

// Rename renames the view to newViewID. When the view owns an inner table,
// the inner table is renamed atomically to follow the new id and the
// catalog dependency edge is updated in the same step.
func (c *Controller) Rename(ctx context.Context, newViewID catalog.StorageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldViewID := c.viewID

	if c.hasInnerTable {
		newTargetID := catalog.StorageID{
			Database: newViewID.Database,
			Table:    generateInnerTableName(newViewID, c.targetID.UUID),
			UUID:     c.targetID.UUID,
		}

		if newTargetID != c.targetID {
			if err := c.ddl.RenameTable(ctx, c.targetID.Database, c.targetID.Table, newTargetID.Table); err != nil {
				return fmt.Errorf("matview: rename %s: %w", oldViewID, err)
			}

			c.targetID = newTargetID
		}
	}

	if (c.sourceID != catalog.StorageID{}) {
		if err := c.cat.UpdateDependency(c.sourceID, oldViewID, c.sourceID, newViewID); err != nil {
			return fmt.Errorf("matview: rename %s: update dependency: %w", oldViewID, err)
		}
	}

	c.viewID = newViewID
	c.log = c.log.WithField("view", newViewID.String())

	return nil
}

// Drop drops the inner table, if one exists, and removes the source → view
// dependency edge.
func (c *Controller) Drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasInnerTable {
		if err := c.ddl.DropTable(ctx, c.targetID.Database, c.targetID.Table, true); err != nil {
			return fmt.Errorf("matview: drop %s: %w", c.viewID, err)
		}
	}

	if (c.sourceID != catalog.StorageID{}) {
		_ = c.cat.RemoveDependency(c.sourceID, c.viewID)
	}

	return nil
}

// Truncate truncates the inner table, if one exists. Truncating a view with
// no inner table (TO existing table mode) is a no-op the way the original
// only truncates `has_inner_table` targets.
func (c *Controller) Truncate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasInnerTable {
		return nil
	}

	if err := c.ddl.TruncateTable(ctx, c.targetID.Database, c.targetID.Table); err != nil {
		return fmt.Errorf("matview: truncate %s: %w", c.viewID, err)
	}

	return nil
}

// Alter changes the view's SELECT text and/or source. The controller keeps
// no comment, so a comment-only alter is a call that changes neither; it is
// always allowed and has no effect. Any structural
// alteration of the SELECT — a new query body, a new source, or both — is
// only permitted when experimentalAlterStructure is set, matching the
// original's checkAlterIsPossible gating on any non-comment alter. When the
// source changes, the catalog dependency edge is updated atomically (old
// source → new source).
func (c *Controller) Alter(newSelectSQL string, newSourceID catalog.StorageID, experimentalAlterStructure bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sourceChange := newSourceID != (catalog.StorageID{}) && newSourceID != c.sourceID
	queryChange := newSelectSQL != "" && newSelectSQL != c.selectSQL

	if (sourceChange || queryChange) && !experimentalAlterStructure {
		return fmt.Errorf("%w: %s", ErrExperimentalRequired, c.viewID)
	}

	if sourceChange {
		if err := c.cat.UpdateDependency(c.sourceID, c.viewID, newSourceID, c.viewID); err != nil {
			return fmt.Errorf("matview: alter %s: update dependency: %w", c.viewID, err)
		}

		c.sourceID = newSourceID
	}

	if newSelectSQL != "" {
		c.selectSQL = newSelectSQL
	}

	return nil
}
