// Package mcp exposes the bus controller as MCP tools.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
)

// HistoryLister lists recorded discovery events, newest first.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]*db.Registration, error)
}

// Server wraps the MCP server with the bus controller's tools
type Server struct {
	mcpServer  *server.MCPServer
	controller device.Controller
	history    HistoryLister
}

// Option configures a Server.
type Option func(*Server)

// WithHistory adds the list_registrations tool backed by h.
func WithHistory(h HistoryLister) Option {
	return func(s *Server) {
		s.history = h
	}
}

// NewServer creates a new MCP server for a bus controller
func NewServer(controller device.Controller, version string, opts ...Option) *Server {
	s := &Server{
		controller: controller,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		"licd",
		version,
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// ServeStdio starts the MCP server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
