// lookahead/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events and commands.
package lookahead

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// handleDidChangeConfiguration merges the "lookahead" settings section (or a
// flat settings object) into the engine configuration.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")

	var changedSettings struct {
		Lookahead *FileConfig `json:"lookahead"`
	}
	if err := json.Unmarshal(params.Settings, &changedSettings); err != nil || changedSettings.Lookahead == nil {
		var directFileCfg FileConfig
		if directErr := json.Unmarshal(params.Settings, &directFileCfg); directErr != nil {
			logger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", directErr, "raw_settings", string(params.Settings))
			return nil, nil
		}
		logger.Debug("Using flat settings object (no 'lookahead' nesting)")
		changedSettings.Lookahead = &directFileCfg
	}

	newConfig := s.engine.GetCurrentConfig()
	mergeFileConfig(&newConfig, changedSettings.Lookahead)
	if err := s.engine.UpdateConfig(newConfig); err != nil {
		logger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}

	applied := s.engine.GetCurrentConfig()
	if level, err := ParseLogLevel(applied.LogLevel); err == nil && s.levelVar != nil {
		s.levelVar.Set(level)
		logger.Info("Server log level updated", "new_level", level)
	}
	logger.Info("Server configuration updated successfully via workspace/didChangeConfiguration")
	return nil, nil
}

// handleExecuteCommand runs CommandAccept: arguments are the session id and
// the index of the accepted item in the list last returned for it.
func (s *Server) handleExecuteCommand(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params ExecuteCommandParams, logger *slog.Logger) (any, error) {
	cmdLogger := logger.With("command", params.Command)
	if params.Command != CommandAccept {
		cmdLogger.Warn("Unknown command")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Unknown command: %s", params.Command)}
	}
	if len(params.Arguments) != 2 {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: "lookahead.accept expects [sessionId, index]"}
	}
	var sessionID string
	var index int
	if err := json.Unmarshal(params.Arguments[0], &sessionID); err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid session id: %v", err)}
	}
	if err := json.Unmarshal(params.Arguments[1], &index); err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid item index: %v", err)}
	}

	cand, ok := s.candidateAt(sessionID, index)
	if !ok {
		cmdLogger.Debug("Accepted item belongs to a stale list, ignoring", "session_id", sessionID, "index", index)
		return nil, nil
	}
	if phase, err := s.controller.Phase(ctx); err != nil || phase.Session == nil || phase.Session.ID != sessionID {
		cmdLogger.Debug("Session already finished, ignoring accept", "session_id", sessionID)
		return nil, nil
	}
	if err := s.controller.Choose(ctx, cand); err != nil {
		cmdLogger.Warn("Choose failed", "session_id", sessionID, "error", err)
	}
	return nil, nil
}
