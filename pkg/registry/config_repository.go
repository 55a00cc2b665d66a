package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/derivedflow/dflow/pkg/dictionary"
)

// ConfigDocument is the decoded contents of one config file: zero or more
// named loadable-object definitions. Dictionaries are the only loadable
// kind this module defines.
type ConfigDocument struct {
	Dictionaries []dictionary.Config `yaml:"dictionaries"`
}

// Names returns the declared name of every loadable object in the document,
// in file order — used to detect objects removed from config between scans.
func (d ConfigDocument) Names() []string {
	names := make([]string, 0, len(d.Dictionaries))
	for _, dc := range d.Dictionaries {
		names = append(names, dc.Name)
	}

	return names
}

// ConfigRepository lists paths, checks existence, reads modification time,
// and loads a path's document.
type ConfigRepository interface {
	List() ([]string, error)
	Exists(path string) bool
	GetLastModificationTime(path string) (time.Time, error)
	Load(path string) (ConfigDocument, error)
}

// FileConfigRepository is a ConfigRepository over a local directory of YAML
// files, loaded with gopkg.in/yaml.v3 and github.com/creasty/defaults.
type FileConfigRepository struct {
	Dir string
}

// List returns every *.yaml/*.yml file directly under Dir.
func (r FileConfigRepository) List() ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, fmt.Errorf("registry: list config dir %s: %w", r.Dir, err)
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(r.Dir, e.Name()))
		}
	}

	return paths, nil
}

// Exists reports whether path is a regular file.
func (r FileConfigRepository) Exists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}

// GetLastModificationTime returns path's mtime.
func (r FileConfigRepository) GetLastModificationTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("registry: stat %s: %w", path, err)
	}

	return info.ModTime(), nil
}

// Load reads and decodes path into a ConfigDocument, applying field
// defaults via creasty/defaults.
func (r FileConfigRepository) Load(path string) (ConfigDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ConfigDocument{}, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var doc ConfigDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return ConfigDocument{}, fmt.Errorf("registry: parse %s: %w", path, err)
	}

	for i := range doc.Dictionaries {
		if err := defaults.Set(&doc.Dictionaries[i]); err != nil {
			return ConfigDocument{}, fmt.Errorf("registry: apply defaults for %s: %w", path, err)
		}
	}

	return doc, nil
}
