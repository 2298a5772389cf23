// Package server wraps the MCP server: tool registration and the
// transport shim that selects between stdio framing and streamable
// HTTP. The transport is a thin shell; all behavior lives in the tool
// handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/apicov/esp-mcp-bridge/internal/buildinfo"
	"github.com/apicov/esp-mcp-bridge/internal/config"
	"github.com/apicov/esp-mcp-bridge/internal/tools"
)

// Server exposes the bridge's tool surface over MCP.
type Server struct {
	mcpServer  *server.MCPServer
	httpServer *http.Server
	cfg        config.ServerConfig
	logger     *slog.Logger
}

// New creates an MCP server with all bridge tools registered. A nil
// logger is replaced with slog.Default.
func New(cfg config.ServerConfig, handler *tools.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		"esp-mcp-bridge",
		buildinfo.Version,
	)
	handler.RegisterTools(mcpServer)

	logger.Info("MCP server initialized",
		"server_name", "esp-mcp-bridge",
		"version", buildinfo.Version,
		"transport", cfg.Transport,
		"tools_count", 8,
	)

	return &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start serves MCP requests on the configured transport. Blocks until
// the transport shuts down: for stdio until the client closes the
// stream, for HTTP until [Server.Shutdown] is called.
func (s *Server) Start(ctx context.Context) error {
	switch s.cfg.Transport {
	case "stdio":
		s.logger.Info("serving MCP over stdio")
		return server.ServeStdio(s.mcpServer)
	case "http":
		return s.startHTTP()
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}
}

// startHTTP mounts the streamable HTTP handler plus a health endpoint
// and serves until Shutdown.
func (s *Server) startHTTP() error {
	streamable := server.NewStreamableHTTPServer(s.mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, buildinfo.Version)
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: mux,
		// Streaming connections stay open; only bound header reads.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Minute,
	}

	s.logger.Info("serving MCP over streamable HTTP", "address", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP transport if one is running. The stdio
// transport ends when its streams close; there is nothing to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
