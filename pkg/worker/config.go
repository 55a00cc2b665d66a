// Package worker runs the Asynq server dequeuing registry reload and
// materialized view refresh tasks.
package worker

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/derivedflow/dflow/pkg/api"
	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
	"github.com/derivedflow/dflow/pkg/scheduler"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive.
	ErrInvalidConcurrency = errors.New("worker: concurrency must be positive")
)

// Config contains worker-specific settings: transport, ClickHouse, and the
// registry/materialized-view definitions this worker process owns.
type Config struct {
	Logging         string `yaml:"logging" default:"info"`
	Concurrency     int    `yaml:"concurrency" default:"10"`
	ShutdownTimeout int    `yaml:"shutdownTimeout" default:"30"`

	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	ClickHouse clickhouse.Config `yaml:"clickhouse"`

	RegistryConfigDir string       `yaml:"registryConfigDir" default:"./dictionaries"`
	CheckPeriodSec    uint         `yaml:"checkPeriodSec" default:"5"`
	BackoffInitialSec uint         `yaml:"backoffInitialSec" default:"5"`
	BackoffMaxSec     uint         `yaml:"backoffMaxSec" default:"300"`
	Matviews          []MatviewDef `yaml:"matviews"`

	API       api.Config       `yaml:"api"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

// MatviewDef is the on-disk description of one materialized view this
// worker drives refreshes for. Schedule, if set, takes precedence over
// PeriodicRefreshSec: refreshes are then driven by the cron scheduler
// enqueuing a matview refresh task onto the queue, rather than an
// in-process timer, so a cron string (e.g. "@every 1h" or a five-field
// expression) can be used instead of a fixed interval.
type MatviewDef struct {
	Database           string      `yaml:"database"`
	Name               string      `yaml:"name"`
	TargetDatabase     string      `yaml:"targetDatabase"`
	TargetTable        string      `yaml:"targetTable"`
	HasInnerTable      bool        `yaml:"hasInnerTable"`
	SourceDatabase     string      `yaml:"sourceDatabase"`
	SourceTable        string      `yaml:"sourceTable"`
	SelectSQL          string      `yaml:"selectSql"`
	Columns            []ColumnDef `yaml:"columns"`
	PeriodicRefreshSec uint        `yaml:"periodicRefreshSec"`
	Schedule           string      `yaml:"schedule"`
}

// ColumnDef is one declared view column, the YAML counterpart of
// block.Column.
type ColumnDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ToStorageID builds the view's catalog identity.
func (m MatviewDef) ToStorageID() catalog.StorageID {
	return catalog.StorageID{Database: m.Database, Table: m.Name}
}

// ToTargetID builds the view's target table's catalog identity.
func (m MatviewDef) ToTargetID() catalog.StorageID {
	return catalog.StorageID{Database: m.TargetDatabase, Table: m.TargetTable}
}

// ToSourceID builds the SELECT source table's catalog identity. Zero when
// SourceTable is empty (no single resolvable source, e.g. a constant
// SELECT).
func (m MatviewDef) ToSourceID() catalog.StorageID {
	if m.SourceTable == "" {
		return catalog.StorageID{}
	}

	return catalog.StorageID{Database: m.SourceDatabase, Table: m.SourceTable}
}

// ToShape builds the view's declared header.
func (m MatviewDef) ToShape() block.Shape {
	shape := make(block.Shape, len(m.Columns))
	for i, c := range m.Columns {
		shape[i] = block.Column{Name: c.Name, Type: c.Type}
	}

	return shape
}

// ToPeriodicRefresh converts PeriodicRefreshSec to a time.Duration; zero
// means on-demand refresh only.
func (m MatviewDef) ToPeriodicRefresh() time.Duration {
	return time.Duration(m.PeriodicRefreshSec) * time.Second
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	return c.API.Validate()
}

// LoadConfig loads worker configuration from a YAML file, applying
// struct-tag defaults first. A missing file is not an error: the worker
// then runs on defaults plus whatever environment the deployment sets.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-provided config file path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
