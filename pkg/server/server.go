// Package server provides the public entry point for initializing the
// R++ bridge server: it wires the device registry, the correlation
// broker, the socket hub, and the MCP manager into one http.Handler.
package server

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/api"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/api/handlers"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/broker"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/config"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/history"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/mcp"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/socket"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/telemetry"
)

// Server holds the initialized bridge.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry is the device identity and session store.
	Registry registry.DeviceRegistry

	// MCP is the tool-server manager; exposed so callers can hook
	// reconnect events.
	MCP *mcp.Manager

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all bridge components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the bridge with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()

	reg := registry.NewMemoryRegistry()
	hist := history.NewStore(cfg.Broker.HistoryWindow)

	mcpMgr := mcp.NewManager(
		mcp.WithClock(clock),
		mcp.WithHealthInterval(cfg.MCP.HealthInterval),
	)
	mcpMgr.Start(ctx)

	b := broker.New(reg, hist, mcpMgr, clock, cfg.Broker.RequestTimeout)
	hub := socket.NewHub(reg, b, clock)

	h := handlers.New(cfg, reg, b, hist, mcpMgr)
	router := api.NewRouter(cfg, h, reg, hub)

	log.Info().Msg("device registry initialized")
	log.Info().Msg("correlation broker initialized")
	log.Info().Msg("MCP manager initialized")

	shutdown := func(ctx context.Context) error {
		mcpMgr.Stop()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Registry:     reg,
		MCP:          mcpMgr,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
