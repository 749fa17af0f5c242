package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/mcp"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// ListMCPServers handles GET /{deviceID}/mcp/servers.
func (h *Handlers) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	servers := h.mcp.ListServers(deviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

// AddMCPServer handles POST /{deviceID}/mcp/servers. A connection
// failure still registers the server; reconnection takes over.
func (h *Handlers) AddMCPServer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var cfg models.MCPServerConfig
	if !decodeBody(w, r, &cfg) {
		return
	}

	status, err := h.mcp.Connect(r.Context(), deviceID, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

// GetMCPServer handles GET /{deviceID}/mcp/servers/{name}.
func (h *Handlers) GetMCPServer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")

	status, err := h.mcp.GetServer(deviceID, name)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DeleteMCPServer handles DELETE /{deviceID}/mcp/servers/{name}.
func (h *Handlers) DeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")

	if err := h.mcp.Remove(deviceID, name); err != nil {
		writeMCPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleMCPServer handles POST /{deviceID}/mcp/servers/{name}/toggle.
func (h *Handlers) ToggleMCPServer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")

	status, err := h.mcp.Toggle(r.Context(), deviceID, name)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListMCPServerTools handles GET /{deviceID}/mcp/servers/{name}/tools.
func (h *Handlers) ListMCPServerTools(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")

	tools, err := h.mcp.ServerTools(deviceID, name)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

// CallMCPTool handles POST /{deviceID}/mcp/servers/{name}/tools/{tool}/call.
func (h *Handlers) CallMCPTool(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	var body struct {
		Arguments map[string]any `json:"arguments"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	result, err := h.mcp.CallTool(r.Context(), deviceID, name, tool, body.Arguments)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":   result.Text(),
		"content":  result.Content,
		"is_error": result.IsError,
	})
}

// MCPLogs handles GET /{deviceID}/mcp/logs.
func (h *Handlers) MCPLogs(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	logs := h.mcp.Logs(deviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}

// MCPUsage handles GET /{deviceID}/mcp/usage.
func (h *Handlers) MCPUsage(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": h.mcp.UsageStats(deviceID),
	})
}

// CreateMCPSession handles POST /{deviceID}/mcp/sessions.
func (h *Handlers) CreateMCPSession(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var body struct {
		ServerName string `json:"server_name,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	s := h.mcp.CreateSession(deviceID, body.ServerName, uuid.New().String())
	writeJSON(w, http.StatusCreated, s)
}

// ListMCPSessions handles GET /{deviceID}/mcp/sessions.
func (h *Handlers) ListMCPSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	sessions := h.mcp.ListSessions(deviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// CloseMCPSession handles DELETE /{deviceID}/mcp/sessions/{id}.
func (h *Handlers) CloseMCPSession(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	id := chi.URLParam(r, "id")

	if err := h.mcp.CloseSession(deviceID, id); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MCPTemplates handles GET /mcp/templates (no device scope).
func (h *Handlers) MCPTemplates(w http.ResponseWriter, r *http.Request) {
	templates := mcp.Templates()
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

func writeMCPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mcp.ErrServerNotFound), errors.Is(err, mcp.ErrToolNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", err.Error())
	case errors.Is(err, mcp.ErrToolNotApproved):
		writeError(w, http.StatusForbidden, "tool_not_approved", err.Error())
	case errors.Is(err, mcp.ErrServerDisabled):
		writeError(w, http.StatusConflict, "invalid_request_error", err.Error())
	case errors.Is(err, mcp.ErrRetryTool), mcp.IsConnectionError(err):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
