package mcp

import "github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"

// Templates returns the static catalog of common MCP server presets
// served at GET /mcp/templates. These are starting points; the URL and
// headers must be filled in by the operator.
func Templates() []models.MCPTemplate {
	return []models.MCPTemplate{
		{
			Name:        "filesystem",
			Description: "Read and write files on a host running the MCP filesystem server",
			Config: models.MCPServerConfig{
				Name:            "filesystem",
				URL:             "http://localhost:3001/mcp",
				ProtocolVersion: DefaultProtocolVersion,
				Capabilities: models.MCPCapabilities{
					Tools: models.MCPToolCapabilities{
						Enabled:     true,
						AutoApprove: []string{"read_file", "list_directory"},
					},
				},
				TimeoutMs: 30000,
				Enabled:   true,
			},
		},
		{
			Name:        "web-search",
			Description: "Web search via a hosted MCP search server",
			Config: models.MCPServerConfig{
				Name:            "web-search",
				URL:             "https://example.com/mcp/search",
				ProtocolVersion: DefaultProtocolVersion,
				Capabilities: models.MCPCapabilities{
					Tools: models.MCPToolCapabilities{
						Enabled:     true,
						AutoApprove: []string{"*"},
					},
				},
				TimeoutMs: 15000,
				Enabled:   true,
			},
		},
		{
			Name:        "memory",
			Description: "Persistent key-value memory for conversations",
			Config: models.MCPServerConfig{
				Name:            "memory",
				URL:             "http://localhost:3002/mcp",
				ProtocolVersion: DefaultProtocolVersion,
				Capabilities: models.MCPCapabilities{
					Tools: models.MCPToolCapabilities{
						Enabled:     true,
						AutoApprove: []string{"remember", "recall"},
					},
				},
				TimeoutMs: 10000,
				Enabled:   true,
			},
		},
		{
			Name:        "home-automation",
			Description: "Control smart-home devices through an MCP bridge",
			Config: models.MCPServerConfig{
				Name:            "home-automation",
				URL:             "http://localhost:3003/mcp",
				ProtocolVersion: DefaultProtocolVersion,
				Capabilities: models.MCPCapabilities{
					Tools: models.MCPToolCapabilities{Enabled: true},
				},
				TimeoutMs: 20000,
				Enabled:   false,
			},
		},
	}
}
