// Package di wires the application's dependencies together.
package di

import (
	"character-playground/backend/internal/api"
	"character-playground/backend/internal/quota"
	"character-playground/backend/internal/upstream"
	"character-playground/backend/internal/ws"
	"character-playground/backend/pkg/config"
	"character-playground/backend/pkg/logger"
	"character-playground/backend/pkg/observability"

	"fmt"
)

// Container holds all the dependencies for the application
type Container struct {
	Config        *config.Config
	Logger        *logger.Logger
	Tracker       *quota.Tracker
	Clients       *upstream.Clients
	Catalog       *upstream.Catalog
	Metrics       *observability.Metrics
	ChatHandler   *api.ChatHandler
	ModelsHandler *api.ModelsHandler
	PresenceHub   *ws.Hub
}

// New builds the container from configuration. Order matters: config and
// logger first, then the quota tracker and upstream clients, then the HTTP
// handlers that consume them.
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		cfg = config.New()
	}

	log := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.Format != "text",
	})

	tracker := quota.NewTracker(quota.Limits{
		FreeDaily:     cfg.Quota.FreeDaily,
		InstructDaily: cfg.Quota.InstructDaily,
	})

	clients := upstream.NewClients(cfg)
	catalog := upstream.NewCatalog(clients, cfg.Upstream.Timeout)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		var err error
		metrics, err = observability.Setup()
		if err != nil {
			return nil, fmt.Errorf("failed to set up metrics: %w", err)
		}
	}

	var hub *ws.Hub
	if cfg.Presence.Enabled {
		hub = ws.NewHub(log)
	}

	return &Container{
		Config:        cfg,
		Logger:        log,
		Tracker:       tracker,
		Clients:       clients,
		Catalog:       catalog,
		Metrics:       metrics,
		ChatHandler:   api.NewChatHandler(tracker, clients, metrics, cfg.Upstream.MaxStreamDuration),
		ModelsHandler: api.NewModelsHandler(catalog),
		PresenceHub:   hub,
	}, nil
}
