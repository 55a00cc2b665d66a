package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/derivedflow/dflow/pkg/clickhouse"
	"github.com/derivedflow/dflow/pkg/dictionary"
	"github.com/derivedflow/dflow/pkg/sqltemplate"
)

// dictionaryLoadable is the production Loadable a dictionary config
// resolves to: a validated Structure plus the key-to-attribute rows it
// currently holds, loaded by re-running Source as a query against
// ClickHouse. It is the concrete instance the registry's reload flow is
// generic over.
type dictionaryLoadable struct {
	name      string
	cfg       dictionary.Config
	client    clickhouse.ClientInterface
	chCfg     *clickhouse.Config
	tmpl      *sqltemplate.Engine
	structure *dictionary.Structure

	mu   sync.RWMutex
	rows []map[string]any

	loadedAt time.Time
	creation error
}

// NewDictionaryFactory builds a registry.Factory that validates a
// dictionary's structure and loads its rows from ClickHouse via
// cfg.Source, run as a query returning one row per key. Source is first
// rendered through sqltemplate so it may reference {{.cluster}}/
// {{.self.name}} rather than hardcoding them.
func NewDictionaryFactory(client clickhouse.ClientInterface, chCfg *clickhouse.Config) Factory {
	tmpl := sqltemplate.NewEngine()

	return func(name string, cfg dictionary.Config) (Loadable, error) {
		d := &dictionaryLoadable{name: name, cfg: cfg, client: client, chCfg: chCfg, tmpl: tmpl}
		d.load(context.Background())

		return d, nil // construction failure is carried as a value, per Loadable's contract
	}
}

func (d *dictionaryLoadable) load(ctx context.Context) {
	structure, err := dictionary.Parse(d.cfg)
	if err != nil {
		d.creation = fmt.Errorf("dictionary %s: %w", d.name, err)
		return
	}

	query, err := d.tmpl.RenderDictionarySource(d.chCfg, d.name, d.cfg.Source)
	if err != nil {
		d.creation = fmt.Errorf("dictionary %s: render source: %w", d.name, err)
		return
	}

	var rows []map[string]any
	if err := d.client.QueryMany(ctx, query, &rows); err != nil {
		d.creation = fmt.Errorf("dictionary %s: load rows: %w", d.name, err)
		return
	}

	d.mu.Lock()
	d.structure = structure
	d.rows = rows
	d.loadedAt = time.Now()
	d.mu.Unlock()
}

func (d *dictionaryLoadable) Name() string { return d.name }

// Clone re-runs Source and returns a fresh dictionaryLoadable — the
// registry installs it only if CreationException on the result is nil.
func (d *dictionaryLoadable) Clone() Loadable {
	next := &dictionaryLoadable{name: d.name, cfg: d.cfg, client: d.client, chCfg: d.chCfg, tmpl: d.tmpl}
	next.load(context.Background())

	return next
}

func (d *dictionaryLoadable) Lifetime() Lifetime {
	return Lifetime{MinSec: d.cfg.Lifetime.Min, MaxSec: d.cfg.Lifetime.Max}
}

func (d *dictionaryLoadable) SupportsUpdates() bool {
	return d.cfg.Lifetime.Max > 0
}

// IsModified always reports true: this dictionary has no last-modified
// signal cheaper than re-running Source, so an eligible update always
// proceeds — the registry's jittered lifetime window is what bounds query
// frequency instead.
func (d *dictionaryLoadable) IsModified() bool {
	return true
}

func (d *dictionaryLoadable) CreationException() error {
	return d.creation
}

// Lookup returns the attribute row for the given key values, in the order
// declared by the dictionary's structure key, or false if no row matches.
func (d *dictionaryLoadable) Lookup(key []any) (map[string]any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.structure == nil {
		return nil, false
	}

	for _, row := range d.rows {
		if rowMatchesKey(row, d.structure.Key, key) {
			return row, true
		}
	}

	return nil, false
}

func rowMatchesKey(row map[string]any, keyAttrs []dictionary.Attribute, key []any) bool {
	if len(keyAttrs) != len(key) {
		return false
	}

	for i, attr := range keyAttrs {
		v, ok := row[attr.Name]
		if !ok || fmt.Sprint(v) != fmt.Sprint(key[i]) {
			return false
		}
	}

	return true
}
