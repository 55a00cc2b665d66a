package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/api"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
	"github.com/derivedflow/dflow/pkg/matview"
	"github.com/derivedflow/dflow/pkg/observability"
	"github.com/derivedflow/dflow/pkg/registry"
	"github.com/derivedflow/dflow/pkg/scheduler"
	"github.com/derivedflow/dflow/pkg/sqltemplate"
	"github.com/derivedflow/dflow/pkg/tasks"
)

// Application encapsulates the worker process: an Asynq server dequeuing
// registry reload and matview refresh tasks, plus the scheduler.Pool that
// arms the periodic side of both.
type Application struct {
	config *Config
	logger *logrus.Logger

	chClient clickhouse.ClientInterface
	cat      *catalog.Catalog

	registries map[string]*registry.Registry
	matviews   map[string]*matview.Controller

	pool *scheduler.Pool

	cronTasks     []scheduler.CronTask
	cronScheduler *scheduler.CronScheduler

	queueManager *tasks.QueueManager
	apiService   api.Service

	server       *asynq.Server
	healthServer *http.Server
	pprofServer  *http.Server
}

// NewApplication creates a new worker application.
func NewApplication(cfg *Config, logger *logrus.Logger) *Application {
	return &Application{
		config:     cfg,
		logger:     logger,
		cat:        catalog.New(),
		registries: make(map[string]*registry.Registry),
		matviews:   make(map[string]*matview.Controller),
	}
}

// Start initializes and starts the worker application.
func (a *Application) Start(ctx context.Context) error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.logger.Info("starting worker")

	observability.StartMetricsServer(a.config.MetricsAddr)
	a.logger.WithField("addr", a.config.MetricsAddr).Info("started metrics server")

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	asynqRedis, err := a.setupRedis()
	if err != nil {
		return fmt.Errorf("failed to setup redis: %w", err)
	}

	if err := a.setupClickHouse(); err != nil {
		return fmt.Errorf("failed to setup clickhouse: %w", err)
	}

	redisOpt, err := redis.ParseURL(a.config.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url for leader election: %w", err)
	}

	elector := scheduler.NewLeaderElector(a.logger, redisOpt)
	if err := elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	a.pool = scheduler.NewPool(a.logger, elector)

	if err := a.setupRegistries(ctx); err != nil {
		return fmt.Errorf("failed to setup registries: %w", err)
	}

	if err := a.setupMatviews(ctx); err != nil {
		return fmt.Errorf("failed to setup matviews: %w", err)
	}

	if len(a.cronTasks) > 0 {
		cronSched, err := scheduler.NewCronScheduler(a.logger, redisOpt, asynqRedis, a.config.Scheduler, a.cronTasks)
		if err != nil {
			return fmt.Errorf("failed to build cron scheduler: %w", err)
		}

		a.cronScheduler = cronSched

		go func() {
			if runErr := a.cronScheduler.Start(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				a.logger.WithError(runErr).Error("cron scheduler stopped")
			}
		}()
	}

	if err := a.startServer(&asynqRedis); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if err := a.startAPI(ctx, &asynqRedis); err != nil {
		return fmt.Errorf("failed to start api: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"registries": len(a.registries),
		"matviews":   len(a.matviews),
	}).Info("worker started")

	return nil
}

// Stop gracefully shuts down the worker application.
func (a *Application) Stop() error {
	a.logger.Info("shutting down worker")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.config.ShutdownTimeout)*time.Second)
	defer cancel()

	if a.apiService != nil {
		if err := a.apiService.Stop(); err != nil {
			a.logger.WithError(err).Error("failed to stop api service")
		}
	}

	if a.cronScheduler != nil {
		if err := a.cronScheduler.Stop(); err != nil {
			a.logger.WithError(err).Error("failed to stop cron scheduler")
		}
	}

	if a.queueManager != nil {
		if err := a.queueManager.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close queue manager")
		}
	}

	for _, view := range a.matviews {
		view.Shutdown()
	}

	if a.healthServer != nil {
		if err := a.healthServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shutdown health check server")
		}
	}

	if a.pprofServer != nil {
		if err := a.pprofServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shutdown pprof server")
		}
	}

	if a.server != nil {
		a.server.Shutdown()
	}

	if a.chClient != nil {
		if err := a.chClient.Stop(); err != nil {
			a.logger.WithError(err).Error("failed to stop clickhouse client")
			return err
		}
	}

	return nil
}

func (a *Application) setupRedis() (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(a.config.Redis.URL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{Addr: opt.Addr, DB: opt.DB}, nil
}

func (a *Application) setupClickHouse() error {
	chClient, err := clickhouse.NewClient(a.logger, &a.config.ClickHouse)
	if err != nil {
		return err
	}

	a.chClient = chClient

	return chClient.Start()
}

// setupRegistries builds one Registry over RegistryConfigDir, backed by a
// dictionary factory that loads rows from ClickHouse.
func (a *Application) setupRegistries(ctx context.Context) error {
	repo := registry.FileConfigRepository{Dir: a.config.RegistryConfigDir}
	factory := registry.NewDictionaryFactory(a.chClient, &a.config.ClickHouse)

	reg := registry.New(a.logger, repo, factory, registry.UpdateSettings{
		CheckPeriodSec:    a.config.CheckPeriodSec,
		BackoffInitialSec: a.config.BackoffInitialSec,
		BackoffMaxSec:     a.config.BackoffMaxSec,
	}).SetName("default")

	if err := reg.Init(false); err != nil {
		a.logger.WithError(err).Warn("initial registry load had errors, continuing with partial state")
	}

	a.registries["default"] = reg

	period := time.Duration(a.config.CheckPeriodSec) * time.Second

	var task *scheduler.Task

	task = a.pool.CreateTask("registry:reload:default", func() {
		if err := reg.ReloadAndUpdate(false); err != nil {
			a.logger.WithError(err).Error("periodic registry reload failed")
		}

		task.ScheduleAfter(period)
	})
	task.Activate()
	task.ScheduleAfter(period)

	_ = ctx

	return nil
}

func (a *Application) setupMatviews(ctx context.Context) error {
	ddl := clickhouse.NewDDL(a.chClient)
	tmpl := sqltemplate.NewEngine()

	for _, def := range a.config.Matviews {
		selectSQL, err := tmpl.RenderView(&a.config.ClickHouse, def.ToStorageID(), def.ToSourceID(), def.SelectSQL)
		if err != nil {
			return fmt.Errorf("matview %s: render select: %w", def.Name, err)
		}

		periodic := def.ToPeriodicRefresh()
		if def.Schedule != "" {
			periodic = 0
		}

		ctrl, err := matview.New(ctx, a.logger, a.cat, ddl, matview.Config{
			ViewID:          def.ToStorageID(),
			TargetID:        def.ToTargetID(),
			HasInnerTable:   def.HasInnerTable,
			SourceID:        def.ToSourceID(),
			SelectSQL:       selectSQL,
			ViewShape:       def.ToShape(),
			PeriodicRefresh: periodic,
		})
		if err != nil {
			return fmt.Errorf("matview %s: %w", def.Name, err)
		}

		ctrl.Startup(a.pool)

		viewID := def.ToStorageID().String()
		a.matviews[viewID] = ctrl

		if def.Schedule != "" {
			task, err := tasks.NewMatviewRefreshTask(viewID, time.Time{})
			if err != nil {
				return fmt.Errorf("matview %s: build cron task: %w", def.Name, err)
			}

			a.cronTasks = append(a.cronTasks, scheduler.CronTask{
				ID:       "matview:refresh:" + viewID,
				Schedule: def.Schedule,
				Task:     task,
				Queue:    "matview",
			})
		}
	}

	return nil
}

func (a *Application) startServer(asynqRedis *asynq.RedisClientOpt) error {
	registryAdapters := make(map[string]tasks.Reloader, len(a.registries))
	for name, reg := range a.registries {
		registryAdapters[name] = reg
	}

	matviewAdapters := make(map[string]tasks.Refresher, len(a.matviews))
	for name, view := range a.matviews {
		matviewAdapters[name] = view
	}

	handler := tasks.NewTaskHandler(registryAdapters, matviewAdapters)

	queues := map[string]int{"registry": 5, "matview": 5, "default": 1}

	srv := asynq.NewServer(*asynqRedis, asynq.Config{
		Concurrency: a.config.Concurrency,
		Queues:      queues,
	})

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	go func() {
		if runErr := srv.Run(mux); runErr != nil {
			a.logger.WithError(runErr).Fatal("worker server stopped")
		}
	}()

	a.server = srv

	return nil
}

// startAPI wires the admin HTTP surface over the same registries/matviews
// startServer already built, reusing a shared QueueManager to enqueue
// manually-triggered reloads/refreshes onto the same queues the periodic
// scheduler uses.
func (a *Application) startAPI(ctx context.Context, asynqRedis *asynq.RedisClientOpt) error {
	a.queueManager = tasks.NewQueueManager(asynqRedis)

	registryAdapters := make(map[string]api.RegistryLister, len(a.registries))
	for name, reg := range a.registries {
		registryAdapters[name] = reg
	}

	matviewAdapters := make(map[string]api.MatviewLister, len(a.matviews))
	for name, view := range a.matviews {
		matviewAdapters[name] = view
	}

	a.apiService = api.NewService(&a.config.API, registryAdapters, matviewAdapters, a.queueManager, a.logger)

	return a.apiService.Start(ctx)
}

func (a *Application) startHealthCheck() {
	a.logger.WithField("addr", a.config.HealthCheckAddr).Info("starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if a.server != nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("READY"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
		}
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("health check server failed")
		}
	}()
}

func (a *Application) startPProf() {
	a.logger.WithField("addr", a.config.PProfAddr).Info("starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("pprof server failed")
		}
	}()
}
