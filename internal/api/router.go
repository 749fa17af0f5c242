package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/api/handlers"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/api/middleware"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/config"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/socket"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, reg registry.DeviceRegistry, hub *socket.Hub) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Device websocket endpoint
	r.Get("/ws", hub.HandleWS)

	// Static MCP presets, no device scope
	r.Get("/mcp/templates", h.MCPTemplates)

	// Device-scoped surface, PIN-gated
	pin := middleware.NewPinAuth(reg)
	r.Route("/{deviceID}", func(r chi.Router) {
		r.Use(pin.Middleware)

		// OpenAI-compatible API
		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", h.ChatCompletions)
			r.Get("/models", h.ListModels)
			r.Post("/audio/speech", h.Speech)
		})

		// Device & PIN management
		r.Post("/enable-pin", h.EnablePin)
		r.Post("/disable-pin", h.DisablePin)
		r.Post("/change-pin", h.ChangePin)
		r.Get("/info", h.Info)
		r.Get("/status", h.Status)
		r.Post("/sync", h.Sync)

		// MCP tool-server management
		r.Route("/mcp", func(r chi.Router) {
			r.Route("/servers", func(r chi.Router) {
				r.Get("/", h.ListMCPServers)
				r.Post("/", h.AddMCPServer)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.GetMCPServer)
					r.Delete("/", h.DeleteMCPServer)
					r.Post("/toggle", h.ToggleMCPServer)
					r.Get("/tools", h.ListMCPServerTools)
					r.Post("/tools/{tool}/call", h.CallMCPTool)
				})
			})
			r.Get("/logs", h.MCPLogs)
			r.Get("/usage", h.MCPUsage)
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateMCPSession)
				r.Get("/", h.ListMCPSessions)
				r.Delete("/{id}", h.CloseMCPSession)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "rplusplus-bridge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "rplusplus-bridge",
		})
	}
}
