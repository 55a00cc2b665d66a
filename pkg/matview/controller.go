// Package matview implements the materialized view controller (C6): a view
// whose contents live in a target table (existing or an owned inner table),
// refreshed on demand or on a schedule by re-running its SELECT, grounded
// on StorageMaterializedView.cpp.
package matview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
	"github.com/derivedflow/dflow/pkg/scheduler"
)

var (
	// ErrSelfReference is returned when a view's target resolves to the
	// view's own id, by uuid or by name.
	ErrSelfReference = errors.New("matview: view cannot target itself")
	// ErrExperimentalRequired is returned by Alter when a structural SELECT
	// change is attempted without the experimental flag.
	ErrExperimentalRequired = errors.New("matview: altering the select source requires the experimental flag")
)

// generateInnerTableName names a materialized view's owned target table:
// `.inner_id.<uuid>` when the view carries a UUID, `.inner.<name>`
// otherwise — mirroring the original's generateInnerTableName.
func generateInnerTableName(viewID catalog.StorageID, innerUUID string) string {
	if innerUUID != "" {
		return ".inner_id." + innerUUID
	}

	return ".inner." + viewID.Table
}

// Config describes one materialized view at construction time — the
// already-analyzed equivalent of a CREATE MATERIALIZED VIEW statement.
type Config struct {
	// ViewID is the view's own catalog identity.
	ViewID catalog.StorageID

	// TargetID is set for the "TO existing table" mode. Leave zero when
	// HasInnerTable is true.
	TargetID catalog.StorageID

	// HasInnerTable selects the "with inner engine" mode: the controller
	// synthesizes and owns a `.inner_id.<uuid>` (or `.inner.<name>` when
	// NoUUID is set) target table.
	HasInnerTable bool
	// NoUUID forces the `.inner.<name>` naming instead of `.inner_id.<uuid>`.
	NoUUID bool
	// Attach reuses an already-existing inner table (with ExistingInnerUUID)
	// instead of creating one — the ATTACH TABLE path.
	Attach            bool
	ExistingInnerUUID string
	// InnerCreateStatement is the full CREATE TABLE statement (columns +
	// ENGINE clause) executed to create the inner table when !Attach.
	InnerCreateStatement string

	// SourceID is the table the SELECT reads from; a source → view
	// dependency edge is registered for it. Zero means the SELECT has no
	// single resolvable source table (e.g. constant SELECT).
	SourceID catalog.StorageID
	// SelectSQL is the saved SELECT text re-run on every refresh.
	SelectSQL string
	// ViewShape is the view's declared header, used to reconcile against
	// the target's actual header on Read.
	ViewShape block.Shape

	// PeriodicRefresh is the refresh period for the "periodic refresh"
	// mode. Zero disables periodic refresh (on-demand only).
	PeriodicRefresh time.Duration
}

// Controller is a live materialized view: target resolution, refresh
// protocol, and (for periodic views) a scheduler.Task driving refreshes.
type Controller struct {
	log logrus.FieldLogger
	cat *catalog.Catalog
	ddl *clickhouse.DDL

	viewID        catalog.StorageID
	hasInnerTable bool
	sourceID      catalog.StorageID
	selectSQL     string
	viewShape     block.Shape
	period        time.Duration

	mu            sync.Mutex
	targetID      catalog.StorageID
	lastRefreshAt time.Time

	task *scheduler.Task
}

// New constructs a Controller, creating the inner table (unless attaching
// to an existing one) and registering the source → view dependency edge —
// the constructor logic of StorageMaterializedView, minus AST handling.
func New(ctx context.Context, log logrus.FieldLogger, cat *catalog.Catalog, ddl *clickhouse.DDL, cfg Config) (*Controller, error) {
	c := &Controller{
		log:           log.WithField("component", "matview").WithField("view", cfg.ViewID.String()),
		cat:           cat,
		ddl:           ddl,
		viewID:        cfg.ViewID,
		hasInnerTable: cfg.HasInnerTable,
		sourceID:      cfg.SourceID,
		selectSQL:     cfg.SelectSQL,
		viewShape:     cfg.ViewShape,
		period:        cfg.PeriodicRefresh,
	}

	if cfg.HasInnerTable {
		innerUUID := cfg.ExistingInnerUUID
		if !cfg.Attach && !cfg.NoUUID {
			innerUUID = uuid.New().String()
		}

		c.targetID = catalog.StorageID{
			Database: cfg.ViewID.Database,
			Table:    generateInnerTableName(cfg.ViewID, innerUUID),
			UUID:     innerUUID,
		}

		if !cfg.Attach {
			if err := ddl.Execute(ctx, cfg.InnerCreateStatement); err != nil {
				return nil, fmt.Errorf("matview: create inner table: %w", err)
			}
		}
	} else {
		c.targetID = cfg.TargetID
	}

	if selfReference(cfg.ViewID, c.targetID) {
		return nil, fmt.Errorf("%w: %s", ErrSelfReference, cfg.ViewID)
	}

	if (cfg.SourceID != catalog.StorageID{}) {
		if err := cat.AddDependency(cfg.SourceID, cfg.ViewID); err != nil {
			return nil, fmt.Errorf("matview: register dependency: %w", err)
		}
	}

	return c, nil
}

func selfReference(view, target catalog.StorageID) bool {
	if view.UUID != "" && target.UUID == view.UUID {
		return true
	}

	return target.Database == view.Database && target.Table == view.Table
}

// TargetID returns the table currently backing the view's contents.
func (c *Controller) TargetID() catalog.StorageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.targetID
}

// Status summarizes the view for introspection callers (the admin API's
// list-matviews route).
type Status struct {
	ViewID          catalog.StorageID
	TargetID        catalog.StorageID
	SourceID        catalog.StorageID
	LastRefreshAt   time.Time
	PeriodicRefresh time.Duration
}

// Status returns the view's current identity and last-refresh bookkeeping.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		ViewID:          c.viewID,
		TargetID:        c.targetID,
		SourceID:        c.sourceID,
		LastRefreshAt:   c.lastRefreshAt,
		PeriodicRefresh: c.period,
	}
}

// Read delegates to the target table's Read, then reconciles the result
// against the view's declared shape: columns present in only one of the two
// headers are dropped. pkg/catalog exposes no per-storage lock, so
// concurrent Refresh/Read safety relies on Refresh's rename-exchange being
// observed atomically by any in-flight Read that resolves the target id
// before or after the swap, never mid-swap.
func (c *Controller) Read(ctx context.Context) (block.BlockSource, error) {
	targetID := c.TargetID()

	target, err := c.cat.GetTable(targetID)
	if err != nil {
		return nil, fmt.Errorf("matview: read target %s: %w", targetID, err)
	}

	src, err := target.Read(ctx)
	if err != nil {
		return nil, err
	}

	if shaped, ok := target.(interface{ Shape() block.Shape }); ok {
		return reconcile(c.viewShape, shaped.Shape(), src), nil
	}

	return src, nil
}

// Write delegates to the target table's sink.
func (c *Controller) Write(ctx context.Context) (block.Sink, error) {
	targetID := c.TargetID()

	target, err := c.cat.GetTable(targetID)
	if err != nil {
		return nil, fmt.Errorf("matview: write target %s: %w", targetID, err)
	}

	return target.Sink(), nil
}
