// Package catalog implements the global Catalog external collaborator:
// storage handles, their ownership, and the derived-view dependency DAG
// (source table → materialized view) that the fan-out writer walks on every
// write.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/heimdalr/dag"

	"github.com/derivedflow/dflow/pkg/block"
)

// Sentinel errors, matching the taxonomy's NAME_MISSING / NAME_CONFLICT /
// BAD_STATE kinds.
var (
	ErrTableNotFound    = errors.New("catalog: table not found")
	ErrTableExists      = errors.New("catalog: table already registered")
	ErrSelfReference     = errors.New("catalog: storage cannot depend on itself")
	ErrInvalidDependency = errors.New("catalog: invalid dependency edge")
)

// StorageID is the opaque storage handle: a database name, a table name,
// and an optional UUID distinguishing inner tables created for the same
// logical name across refreshes.
type StorageID struct {
	Database string
	Table    string
	UUID     string
}

// String renders the id the way it is used as a DAG vertex key and in log
// fields: "database.table" or "database.table@uuid" when a UUID is set.
func (id StorageID) String() string {
	if id.UUID == "" {
		return id.Database + "." + id.Table
	}

	return fmt.Sprintf("%s.%s@%s", id.Database, id.Table, id.UUID)
}

// Storage is the handle the Catalog hands out for a registered table-like
// object: a base table, an aggregating in-memory table, or a materialized
// view's inner/target table.
type Storage interface {
	ID() StorageID
	Kind() string
	Sink() block.Sink
	Read(ctx context.Context) (block.BlockSource, error)
}

// ViewStorage is implemented by storages that are themselves materialized
// views: the fan-out writer asks one for its destination storage id instead
// of writing to it directly.
type ViewStorage interface {
	Storage
	DestinationStorageID() (StorageID, bool)
}

// Catalog owns every Storage object and the dependency DAG between them.
// View controllers and the fan-out writer hold only ids and resolve through
// this type.
type Catalog struct {
	mu       sync.RWMutex
	storages map[StorageID]Storage
	graph    *dag.DAG
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		storages: make(map[StorageID]Storage),
		graph:    dag.NewDAG(),
	}
}

// Register adds a storage to the catalog and the dependency graph as a
// vertex with no edges. Registering an id that already exists is an error.
func (c *Catalog) Register(s Storage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := s.ID()
	if _, exists := c.storages[id]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, id)
	}

	if err := c.graph.AddVertexByID(id.String(), id); err != nil {
		return fmt.Errorf("catalog: add vertex %s: %w", id, err)
	}

	c.storages[id] = s

	return nil
}

// Unregister removes a storage and its vertex (and therefore its edges)
// from the catalog. Unregistering an unknown id is a no-op.
func (c *Catalog) Unregister(id StorageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.storages, id)
	_ = c.graph.DeleteVertex(id.String())
}

// GetTable returns the storage for id, or ErrTableNotFound.
func (c *Catalog) GetTable(id StorageID) (Storage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.storages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}

	return s, nil
}

// TryGetTable returns the storage for id and whether it was found, never
// erroring.
func (c *Catalog) TryGetTable(id StorageID) (Storage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.storages[id]

	return s, ok
}

// GetDatabase returns every storage registered under the given database
// name.
func (c *Catalog) GetDatabase(name string) []Storage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Storage

	for id, s := range c.storages {
		if id.Database == name {
			out = append(out, s)
		}
	}

	return out
}

// AddDependency records that view depends on src (src → view), rejecting
// self-reference and anything that would make the graph cyclic. Cycle
// rejection is delegated to the DAG's own AddEdge check.
func (c *Catalog) AddDependency(src, view StorageID) error {
	if src == view {
		return fmt.Errorf("%w: %s", ErrSelfReference, src)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.AddEdge(src.String(), view.String()); err != nil {
		return fmt.Errorf("%w %s -> %s: %w", ErrInvalidDependency, src, view, err)
	}

	return nil
}

// RemoveDependency removes the src → view edge, if present.
func (c *Catalog) RemoveDependency(src, view StorageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.DeleteEdge(src.String(), view.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDependency, err)
	}

	return nil
}

// UpdateDependency atomically replaces the oldSrc → oldDst edge with
// newSrc → newDst, used by the materialized view Alter path when an
// experimental SELECT-text change repoints a view at a new source.
func (c *Catalog) UpdateDependency(oldSrc, oldDst, newSrc, newDst StorageID) error {
	if newSrc == newDst {
		return fmt.Errorf("%w: %s", ErrSelfReference, newSrc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.DeleteEdge(oldSrc.String(), oldDst.String()); err != nil {
		return fmt.Errorf("%w: remove old edge: %w", ErrInvalidDependency, err)
	}

	if err := c.graph.AddEdge(newSrc.String(), newDst.String()); err != nil {
		return fmt.Errorf("%w: add new edge %s -> %s: %w", ErrInvalidDependency, newSrc, newDst, err)
	}

	return nil
}

// DependentViews returns the storages directly depending on src — the
// "enumerate dependent views" step the fan-out writer performs at
// construction.
func (c *Catalog) DependentViews(src StorageID) []Storage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children, err := c.graph.GetChildren(src.String())
	if err != nil {
		return nil
	}

	byKey := make(map[string]Storage, len(c.storages))
	for id, s := range c.storages {
		byKey[id.String()] = s
	}

	out := make([]Storage, 0, len(children))

	for idStr := range children {
		if s, ok := byKey[idStr]; ok {
			out = append(out, s)
		}
	}

	return out
}
