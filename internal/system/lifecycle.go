package system

import (
	"context"
	"fmt"

	"github.com/netopslab/fwupgrade/internal/api/rest"
	"github.com/netopslab/fwupgrade/internal/api/websocket"
	"github.com/netopslab/fwupgrade/internal/auth"
	"github.com/netopslab/fwupgrade/internal/config"
	"github.com/netopslab/fwupgrade/internal/deviceclient"
	"github.com/netopslab/fwupgrade/internal/stage"
	"github.com/netopslab/fwupgrade/internal/storage"
	"github.com/netopslab/fwupgrade/internal/upgrade"
	"go.uber.org/zap"
)

// Application owns the wired component graph and its lifecycle.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	pg     *storage.PostgresClient
	store  *storage.Store
	hub    *websocket.Hub
	relay  *websocket.Relay
	server *rest.Server

	cancelBackground context.CancelFunc
}

// NewApplication wires storage, the stage engine, the orchestrator and the
// API surfaces. Nothing starts serving until Start is called.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	pg, err := storage.NewPostgresClient(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pg.EnsureSchema(context.Background()); err != nil {
		pg.Close()
		return nil, err
	}

	artifacts, err := storage.NewArtifactStore(cfg.Artifacts)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to artifact store: %w", err)
	}

	store := storage.NewStore(pg, artifacts)

	registry := stage.NewRegistry(store, stage.PollConfig{
		Interval: cfg.Upgrade.PollInterval,
		Attempts: cfg.Upgrade.PollAttempts,
	}, logger)

	factory := deviceclient.NewPanOSFactory(deviceclient.MonitorConfig{
		BaseURL:  cfg.Monitor.BaseURL,
		APIToken: cfg.Monitor.GetAPIToken(),
	}, cfg.Upgrade.InsecureSkipVerify, logger)

	orchestrator := upgrade.NewOrchestrator(store, factory, registry, logger)

	hub := websocket.NewHub(orchestrator, logger)

	var relay *websocket.Relay
	if cfg.Redis.Addr != "" {
		relay, err = websocket.NewRelay(cfg.Redis, logger)
		if err != nil {
			pg.Close()
			return nil, err
		}
	} else {
		logger.Warn("No redis address configured, snapshots stay on this node")
	}

	hub.SetSink(websocket.NewSnapshotSink(hub, relay, logger))

	jwtHandler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret())
	server := rest.NewServer(store, hub, jwtHandler, logger)

	return &Application{
		cfg:    cfg,
		logger: logger,
		pg:     pg,
		store:  store,
		hub:    hub,
		relay:  relay,
		server: server,
	}, nil
}

// Start launches the background loops and the HTTP listener. Blocks until
// the listener stops.
func (a *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel

	go a.hub.Run()
	if a.relay != nil {
		go a.relay.Run(ctx, a.hub)
	}

	return a.server.Start(a.cfg.Server.HTTPPort)
}

// Shutdown stops the HTTP server, the relay subscription and the database
// pool. Runners already past a stage boundary finish persisting first.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down")

	err := a.server.Shutdown(ctx)

	if a.cancelBackground != nil {
		a.cancelBackground()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	a.pg.Close()

	return err
}
