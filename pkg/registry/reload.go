package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/derivedflow/dflow/pkg/dictionary"
)

// reloadFromConfigFiles lists every configured path and reloads each,
// then removes any file-provenance entry no longer declared in any scanned
// file. only restricts the reload to a single named object.
func (r *Registry) reloadFromConfigFiles(throwOnError, force bool, only string) error {
	paths, err := r.repo.List()
	if err != nil {
		r.log.WithError(err).Warn("failed to list config paths")

		if throwOnError {
			return err
		}

		return nil
	}

	for _, path := range paths {
		if err := r.reloadFromConfigFile(path, throwOnError, force, only); err != nil {
			r.log.WithField("path", path).WithError(err).Warn("reloadFromConfigFile failed")

			if throwOnError {
				return err
			}
		}
	}

	r.byFileMu.Lock()
	defer r.byFileMu.Unlock()

	for name, e := range r.byFile {
		defined := r.definedInConfig[e.origin]
		if _, ok := defined[name]; !ok {
			delete(r.byFile, name)
		}
	}

	return nil
}

func (r *Registry) reloadFromConfigFile(path string, throwOnError, force bool, only string) error {
	if path == "" || !r.repo.Exists(path) {
		r.log.WithField("path", path).Warn("config file does not exist")

		return nil
	}

	r.allMu.Lock()
	defer r.allMu.Unlock()

	lastModified, err := r.repo.GetLastModificationTime(path)
	if err != nil {
		return err
	}

	if !force && !lastModified.After(r.lastModTimes[path]) {
		return nil
	}

	doc, err := r.repo.Load(path)
	if err != nil {
		return err
	}

	if only == "" {
		r.lastModTimes[path] = lastModified
	}

	r.definedInConfig[path] = make(map[string]struct{})

	for _, cfg := range doc.Dictionaries {
		name := cfg.Name
		if name == "" {
			r.log.WithField("path", path).Warn("dictionary name cannot be empty")

			continue
		}

		r.definedInConfig[path][name] = struct{}{}

		if only != "" && name != only {
			continue
		}

		if err := r.installFromFile(path, name, cfg); err != nil {
			if throwOnError {
				return err
			}
		}
	}

	return nil
}

func (r *Registry) installFromFile(path, name string, cfg dictionary.Config) error {
	r.byFileMu.Lock()

	if existing, ok := r.byFile[name]; ok && existing.source == SourceFile && existing.origin != path {
		r.byFileMu.Unlock()

		return fmt.Errorf("%w: %s from %s already declared in file %s", ErrNameConflict, name, path, existing.origin)
	}

	r.byFileMu.Unlock()

	r.byCatalogMu.Lock()
	_, catalogExists := r.byCatalog[name]
	for key := range r.byCatalog {
		if strings.HasSuffix(key, "."+name) {
			catalogExists = true
		}
	}
	r.byCatalogMu.Unlock()

	if catalogExists {
		return fmt.Errorf("%w: %s from %s already declared in catalog", ErrNameConflict, name, path)
	}

	loadable, err := r.factory(name, cfg)

	r.byFileMu.Lock()
	defer r.byFileMu.Unlock()

	if err != nil {
		e, exists := r.byFile[name]
		if !exists {
			e = &entry{source: SourceFile, origin: path}
			r.byFile[name] = e
		}

		e.lastException = err
		e.nextAttemptAt = time.Now().Add(time.Duration(r.settings.BackoffInitialSec) * time.Second)

		return fmt.Errorf("%w: %s: %w", ErrConstructionFailed, name, err)
	}

	e, exists := r.byFile[name]
	if !exists {
		e = &entry{source: SourceFile, origin: path}
		r.byFile[name] = e
	}

	e.loadable = loadable

	// The factory itself succeeded (the config parsed), but the
	// constructed Loadable may still carry its own creation exception —
	// the exception-as-value model this registry uses instead of an
	// immediate error return. That case is retryable via Clone(), unlike
	// a factory error above.
	if createErr := loadable.CreationException(); createErr != nil {
		e.lastException = createErr
		e.nextAttemptAt = time.Now().Add(time.Duration(r.settings.BackoffInitialSec) * time.Second)

		return fmt.Errorf("%w: %s: %w", ErrConstructionFailed, name, createErr)
	}

	e.lastException = nil
	e.errorCount = 0

	if loadable.SupportsUpdates() {
		e.nextUpdateAt = r.nextUpdateTime(loadable.Lifetime())
	}

	return nil
}
