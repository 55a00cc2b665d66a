// Package registry implements the External Loadable Registry: a
// concurrent cache of externally-configured objects (dictionaries) with
// staggered background reload, exponential backoff on failure, and dual
// provenance (file-configured vs. catalog-declared).
package registry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/dictionary"
	"github.com/derivedflow/dflow/pkg/observability"
)

// Source distinguishes a registry entry's provenance.
type Source int

const (
	SourceFile Source = iota
	SourceCatalog
)

// Sentinel errors for this component's three failure modes: a name
// declared under two provenances at once, a lookup for a name that was
// never declared, and a per-entry construction failure (captured and
// retried with backoff rather than surfaced immediately).
var (
	ErrNameConflict      = errors.New("registry: name already declared under a different provenance")
	ErrNameMissing       = errors.New("registry: no such loadable")
	ErrNotLoaded         = errors.New("registry: loadable is not loaded")
	ErrConstructionFailed = errors.New("registry: construction failed")
)

// UpdateSettings configures the registry's periodic reload-and-retry cycle.
type UpdateSettings struct {
	CheckPeriodSec    uint
	BackoffInitialSec uint
	BackoffMaxSec     uint
}

// Factory builds a Loadable for a named dictionary config, specialized to
// dictionaries.
type Factory func(name string, cfg dictionary.Config) (Loadable, error)

type entry struct {
	loadable      Loadable
	source        Source
	origin        string
	lastException error
	nextAttemptAt time.Time
	nextUpdateAt  time.Time
	errorCount    uint
}

// Registry holds two independently-locked maps (file-provenance and
// catalog-provenance) plus an all-mutex serializing reload cycles.
type Registry struct {
	log      logrus.FieldLogger
	name     string
	repo     ConfigRepository
	factory  Factory
	settings UpdateSettings

	byFileMu sync.Mutex
	byFile   map[string]*entry

	byCatalogMu sync.Mutex
	byCatalog   map[string]*entry

	allMu sync.Mutex

	lastModTimes    map[string]time.Time
	definedInConfig map[string]map[string]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	initOnce sync.Once
}

// New constructs a Registry. It does not read any config until Init or
// Reload is called.
func New(log logrus.FieldLogger, repo ConfigRepository, factory Factory, settings UpdateSettings) *Registry {
	return &Registry{
		log:             log.WithField("component", "registry"),
		repo:            repo,
		factory:         factory,
		settings:        settings,
		byFile:          make(map[string]*entry),
		byCatalog:       make(map[string]*entry),
		lastModTimes:    make(map[string]time.Time),
		definedInConfig: make(map[string]map[string]struct{}),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not security-sensitive
	}
}

// SetName attaches a label identifying this registry for metrics, letting
// a process running several registries distinguish them in Prometheus.
// Returns the receiver so it can be chained onto New.
func (r *Registry) SetName(name string) *Registry {
	r.name = name

	return r
}

// ObjectStatus summarizes one registry entry for introspection callers
// (the admin API's list-registry-objects route).
type ObjectStatus struct {
	Name        string
	Source      Source
	Failing     bool
	LastError   string
	NextUpdate  time.Time
	ErrorCount  uint
}

// Snapshot returns the current status of every loaded object, file- and
// catalog-provenance alike. It takes both entry-map locks briefly, one at a
// time, and never blocks on allMu, so it is safe to call while a reload is
// in flight.
func (r *Registry) Snapshot() []ObjectStatus {
	statuses := make([]ObjectStatus, 0, len(r.byFile)+len(r.byCatalog))

	r.byFileMu.Lock()
	for name, e := range r.byFile {
		statuses = append(statuses, snapshotEntry(name, e))
	}
	r.byFileMu.Unlock()

	r.byCatalogMu.Lock()
	for name, e := range r.byCatalog {
		statuses = append(statuses, snapshotEntry(name, e))
	}
	r.byCatalogMu.Unlock()

	return statuses
}

func snapshotEntry(name string, e *entry) ObjectStatus {
	status := ObjectStatus{
		Name:       name,
		Source:     e.source,
		Failing:    e.lastException != nil,
		NextUpdate: e.nextUpdateAt,
		ErrorCount: e.errorCount,
	}

	if e.lastException != nil {
		status.LastError = e.lastException.Error()
	}

	return status
}

// Init performs one synchronous reloadAndUpdate cycle. It is idempotent:
// subsequent calls are no-ops, matching the source's is_initialized guard.
// Background periodic reload is driven externally (pkg/scheduler.Task),
// not by a goroutine owned by Init itself.
func (r *Registry) Init(throwOnError bool) error {
	var err error

	r.initOnce.Do(func() {
		err = r.ReloadAndUpdate(throwOnError)
	})

	return err
}

// ReloadAndUpdate is the background wake-up body: reload from files, retry
// failed objects, then update healthy objects whose lifetime and
// modification state call for it. It is exported so the scheduled task
// that arms it can invoke it directly.
func (r *Registry) ReloadAndUpdate(throwOnError bool) error {
	start := time.Now()

	err := r.reloadAndUpdate(throwOnError)

	observability.RecordRegistryReload(r.name, time.Since(start).Seconds())
	r.recordLoadCounts()

	return err
}

func (r *Registry) reloadAndUpdate(throwOnError bool) error {
	if err := r.reloadFromConfigFiles(throwOnError, false, ""); err != nil && throwOnError {
		return err
	}

	r.allMu.Lock()
	defer r.allMu.Unlock()

	if err := r.retryFailed(throwOnError, r.byFile, &r.byFileMu); err != nil && throwOnError {
		return err
	}

	if err := r.retryFailed(throwOnError, r.byCatalog, &r.byCatalogMu); err != nil && throwOnError {
		return err
	}

	if err := r.updateObjects(r.byFile, &r.byFileMu, throwOnError); err != nil && throwOnError {
		return err
	}

	return r.updateObjects(r.byCatalog, &r.byCatalogMu, throwOnError)
}

// recordLoadCounts sets the loaded/failed gauges for both provenances.
func (r *Registry) recordLoadCounts() {
	loaded, failed := countEntries(r.byFile, &r.byFileMu)
	observability.RecordRegistryLoad(r.name, "file", float64(loaded), float64(failed))

	loaded, failed = countEntries(r.byCatalog, &r.byCatalogMu)
	observability.RecordRegistryLoad(r.name, "catalog", float64(loaded), float64(failed))
}

func countEntries(m map[string]*entry, mu *sync.Mutex) (loaded, failed int) {
	mu.Lock()
	defer mu.Unlock()

	for _, e := range m {
		if e.lastException != nil {
			failed++
		} else {
			loaded++
		}
	}

	return loaded, failed
}

// Reload forces a full reload from every configured path.
func (r *Registry) Reload() error {
	return r.reloadFromConfigFiles(true, true, "")
}

// ReloadOne forces a reload of a single named object and errors if it did
// not end up loaded.
func (r *Registry) ReloadOne(name string) error {
	if err := r.reloadFromConfigFiles(true, true, name); err != nil {
		return err
	}

	r.byFileMu.Lock()
	_, ok := r.byFile[name]
	r.byFileMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: failed to load %q during reload", ErrNameMissing, name)
	}

	return nil
}

// AddFromCatalog installs a catalog-declared loadable. It is an error if
// db.name already exists as a catalog object, or if name (bare or as
// db.name) is already declared from a config file.
func (r *Registry) AddFromCatalog(db, name string, loadable Loadable) error {
	key := db + "." + name

	r.byCatalogMu.Lock()
	defer r.byCatalogMu.Unlock()

	if _, exists := r.byCatalog[key]; exists {
		return fmt.Errorf("%w: %s already exists as a catalog object", ErrNameConflict, key)
	}

	r.byFileMu.Lock()
	_, fileExists := r.byFile[key]
	if !fileExists {
		_, fileExists = r.byFile[name]
	}
	r.byFileMu.Unlock()

	if fileExists {
		return fmt.Errorf("%w: %s already declared from a config file", ErrNameConflict, key)
	}

	r.byCatalog[key] = &entry{loadable: loadable, source: SourceCatalog, origin: "catalog"}

	return nil
}

// RemoveFromCatalog removes a catalog-declared loadable. Removing an
// unknown name is an error.
func (r *Registry) RemoveFromCatalog(db, name string) error {
	key := db + "." + name

	r.byCatalogMu.Lock()
	defer r.byCatalogMu.Unlock()

	if _, exists := r.byCatalog[key]; !exists {
		return fmt.Errorf("%w: %s", ErrNameMissing, key)
	}

	delete(r.byCatalog, key)

	return nil
}

// Get returns the named file-provenance loadable, or an error if the name
// is unknown or the entry holds a stored construction exception.
func (r *Registry) Get(name string) (Loadable, error) {
	return r.getImpl(r.byFile, &r.byFileMu, name, true)
}

// TryGet returns the named file-provenance loadable and whether it was
// found and loaded without error.
func (r *Registry) TryGet(name string) (Loadable, bool) {
	l, err := r.getImpl(r.byFile, &r.byFileMu, name, false)

	return l, err == nil && l != nil
}

// GetFromDatabase returns a catalog-provenance loadable by (database, name).
func (r *Registry) GetFromDatabase(db, name string) (Loadable, error) {
	if db == "" || name == "" {
		return nil, fmt.Errorf("%w: empty database or name", ErrNameMissing)
	}

	return r.getImpl(r.byCatalog, &r.byCatalogMu, db+"."+name, true)
}

// TryGetFromDatabase is the non-throwing variant of GetFromDatabase.
func (r *Registry) TryGetFromDatabase(db, name string) (Loadable, bool) {
	if db == "" || name == "" {
		return nil, false
	}

	l, err := r.getImpl(r.byCatalog, &r.byCatalogMu, db+"."+name, false)

	return l, err == nil && l != nil
}

func (r *Registry) getImpl(m map[string]*entry, mu *sync.Mutex, key string, throwOnError bool) (Loadable, error) {
	mu.Lock()
	defer mu.Unlock()

	e, ok := m[key]
	if !ok {
		if throwOnError {
			return nil, fmt.Errorf("%w: %s", ErrNameMissing, key)
		}

		return nil, nil
	}

	if e.lastException != nil {
		if !throwOnError {
			return nil, nil
		}

		return nil, e.lastException
	}

	if e.loadable == nil {
		if !throwOnError {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, key)
	}

	return e.loadable, nil
}

// retryFailed retries entries whose next attempt is due. New-version
// construction happens without holding the map lock; installation
// reacquires the lock and re-verifies the entry still exists.
func (r *Registry) retryFailed(throwOnError bool, m map[string]*entry, mu *sync.Mutex) error {
	now := time.Now()

	mu.Lock()

	var due []string

	for name, e := range m {
		if e.lastException != nil && !e.nextAttemptAt.After(now) {
			due = append(due, name)
		}
	}

	mu.Unlock()

	for _, name := range due {
		mu.Lock()
		e, ok := m[name]
		mu.Unlock()

		if !ok {
			continue
		}

		newVersion := e.loadable
		if newVersion == nil {
			continue
		}

		cloned := newVersion.Clone()
		createErr := cloned.CreationException()

		mu.Lock()

		cur, ok := m[name]
		if !ok {
			mu.Unlock()

			continue
		}

		if createErr != nil {
			delay := r.backoffDelay(cur.errorCount)
			cur.nextAttemptAt = time.Now().Add(delay)
			cur.errorCount++
			cur.lastException = createErr
			mu.Unlock()

			r.log.WithField("name", name).WithError(createErr).Warn("retry of failed loadable failed again")

			if throwOnError {
				return fmt.Errorf("%w: %s: %w", ErrConstructionFailed, name, createErr)
			}

			continue
		}

		cur.loadable = cloned
		cur.lastException = nil
		cur.errorCount = 0
		mu.Unlock()
	}

	return nil
}

// updateObjects refreshes healthy, updateable, modified entries whose
// scheduled update time has arrived.
func (r *Registry) updateObjects(m map[string]*entry, mu *sync.Mutex, throwOnError bool) error {
	type candidate struct {
		name    string
		current Loadable
	}

	mu.Lock()

	var candidates []candidate

	for name, e := range m {
		if r.shouldUpdate(e) {
			candidates = append(candidates, candidate{name: name, current: e.loadable})
		}
	}

	mu.Unlock()

	for _, c := range candidates {
		newVersion := c.current.Clone()
		createErr := newVersion.CreationException()

		mu.Lock()

		cur, ok := m[c.name]
		if !ok {
			mu.Unlock()

			continue
		}

		cur.nextUpdateAt = r.nextUpdateTime(c.current.Lifetime())

		if createErr != nil {
			cur.lastException = createErr
			mu.Unlock()

			r.log.WithField("name", c.name).WithError(createErr).
				Warn("update failed, leaving old version in place")

			if throwOnError {
				return fmt.Errorf("%w: update %s: %w", ErrConstructionFailed, c.name, createErr)
			}

			continue
		}

		cur.loadable = newVersion
		cur.lastException = nil
		mu.Unlock()
	}

	return nil
}

func (r *Registry) shouldUpdate(e *entry) bool {
	if e.loadable == nil {
		return false
	}

	lt := e.loadable.Lifetime()
	if lt.MaxSec < lt.MinSec || lt.MaxSec == 0 {
		return false
	}

	if !e.loadable.SupportsUpdates() {
		return false
	}

	if e.nextUpdateAt.IsZero() || time.Now().Before(e.nextUpdateAt) {
		return false
	}

	if !e.loadable.IsModified() {
		return false
	}

	return true
}

// backoffDelay computes min(backoff_max, backoff_initial + Uniform[0, 2^k])
// seconds for a kth consecutive failure.
func (r *Registry) backoffDelay(errorCount uint) time.Duration {
	upper := math.Exp2(float64(errorCount))
	if upper > float64(math.MaxInt64) {
		upper = float64(math.MaxInt64)
	}

	r.rngMu.Lock()
	jitter := r.rng.Int63n(int64(upper) + 1)
	r.rngMu.Unlock()

	delaySec := r.settings.BackoffInitialSec + uint(jitter) //nolint:gosec // bounded by backoff_max below

	if delaySec > r.settings.BackoffMaxSec {
		delaySec = r.settings.BackoffMaxSec
	}

	return time.Duration(delaySec) * time.Second
}

// nextUpdateTime draws a uniform jitter within [min, max] seconds from now.
func (r *Registry) nextUpdateTime(lt Lifetime) time.Time {
	if lt.MaxSec < lt.MinSec {
		return time.Time{}
	}

	span := int64(lt.MaxSec-lt.MinSec) + 1

	r.rngMu.Lock()
	offset := r.rng.Int63n(span)
	r.rngMu.Unlock()

	return time.Now().Add(time.Duration(int64(lt.MinSec)+offset) * time.Second)
}
