package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/tasks"
)

// Service runs the admin HTTP surface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	app    *fiber.App
	server *http.Server
	config *Config
	h      *handlers
	log    logrus.FieldLogger
}

// NewService creates the admin API service over the given registries,
// materialized views, and task enqueuer.
func NewService(
	cfg *Config,
	registries map[string]RegistryLister,
	matviews map[string]MatviewLister,
	enqueuer *tasks.QueueManager,
	log logrus.FieldLogger,
) Service {
	return &service{
		config: cfg,
		h:      &handlers{registries: registries, matviews: matviews, enqueuer: enqueuer},
		log:    log.WithField("service", "api"),
	}
}

// Start initializes and starts the admin API server.
func (s *service) Start(_ context.Context) error {
	if !s.config.Enabled {
		s.log.Info("api service is disabled")
		return nil
	}

	s.app = fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "dflow admin API",
	})

	setupMiddleware(s.app)

	apiV1 := s.app.Group("/api/v1")
	apiV1.Get("/registries", s.h.listRegistries)
	apiV1.Post("/registries/:name/reload", s.h.triggerRegistryReload)
	apiV1.Get("/matviews", s.h.listMatviews)
	apiV1.Post("/matviews/:id/refresh", s.h.triggerMatviewRefresh)
	apiV1.Get("/queues", s.h.queueStats)

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           adaptor.FiberApp(s.app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", s.config.Addr).Info("starting admin API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("admin API server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("stopping admin API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin API server: %w", err)
	}

	return nil
}
