package mcp

import "github.com/mark3labs/mcp-go/mcp"

// registerTools registers all MCP tools with the server
func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("get_health",
			mcp.WithDescription("Check the bus controller's connectivity and registry occupancy"),
		),
		s.handleGetHealth,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_devices",
			mcp.WithDescription("List every subordinate that has been assigned a bus address"),
		),
		s.handleListDevices,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_device",
			mcp.WithDescription("Get a registered device by bus address or UUID"),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Bus address (0x02 or 2) or UUID as 8 hex digits without a 0x prefix"),
			),
		),
		s.handleGetDevice,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("poll_bus",
			mcp.WithDescription("Run one discovery cycle: probe the discovery address and assign an address to a waiting subordinate"),
		),
		s.handlePollBus,
	)

	if s.history != nil {
		s.mcpServer.AddTool(
			mcp.NewTool("list_registrations",
				mcp.WithDescription("List recorded discovery events for the active profile, newest first"),
				mcp.WithNumber("limit",
					mcp.Description("Maximum entries to return (default 100)"),
				),
			),
			s.handleListRegistrations,
		)
	}
}
