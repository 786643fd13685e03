// Package mcp implements the Model Context Protocol server for Archon.
//
// The MCP server exposes the retry decision engine, the rule lifecycle,
// and the feedback memory builder as MCP tools and resources, so
// pipeline agents can ask for a retry decision, report violations and
// overrides, and fetch the injection block for the next prompt.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arcspace-ai/archon/internal/service/decay"
	"github.com/arcspace-ai/archon/internal/service/lifecycle"
	"github.com/arcspace-ai/archon/internal/service/memory"
	"github.com/arcspace-ai/archon/internal/service/retrypolicy"
	"github.com/arcspace-ai/archon/internal/storage"
)

// Server wraps the MCP server with Archon's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	lifecycle *lifecycle.Manager
	decay     *decay.Engine
	memory    *memory.Builder
	retry     retrypolicy.Policy
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store storage.Store, lc *lifecycle.Manager, de *decay.Engine, mb *memory.Builder, retry retrypolicy.Policy, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:     store,
		lifecycle: lc,
		decay:     de,
		memory:    mb,
		retry:     retry,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"archon",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
