// lookahead/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, shutdown, exit).
package lookahead

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// handleInitialize stores client capabilities and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	if params.ClientInfo != nil {
		logger = logger.With("client_name", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
	}
	logger.Info("Handling initialize request")

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
		},
		CompletionProvider: &CompletionOptions{
			TriggerCharacters: []string{"."},
		},
		ExecuteCommandProvider: &ExecuteCommandOptions{
			Commands: []string{CommandAccept},
		},
	}

	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}
	s.clientCaps = params.Capabilities
	s.initParams = &params

	logger.Info("Initialization successful", "server_capabilities", result.Capabilities)
	return result, nil
}

// handleShutdown dismisses any running session; the process exits on 'exit'.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	if err := s.controller.Dismiss(ctx); err != nil {
		logger.Debug("Dismiss during shutdown failed", "error", err)
	}
	return nil, nil
}

// handleExit closes the connection, which ends Run.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	if s.conn != nil {
		s.conn.Close()
	}
	return nil, nil
}
