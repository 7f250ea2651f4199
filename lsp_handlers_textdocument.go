// lookahead/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and completion.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// handleDidOpen registers the document as an editing surface.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text
	openLogger := logger.With("uri", uri, "version", params.TextDocument.Version, "size", len(text))
	openLogger.Info("Handling textDocument/didOpen")

	if _, pathErr := ValidateAndGetFilePath(string(uri), openLogger); pathErr != nil {
		openLogger.Error("Invalid URI in didOpen", "error", pathErr)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Invalid document URI: %v", pathErr))
		return nil, nil
	}

	s.filesMu.Lock()
	if prev, ok := s.files[uri]; ok {
		prev.Invalidate()
	}
	s.files[uri] = NewMemorySurface(string(uri), text, 0)
	s.filesMu.Unlock()
	s.engine.SetDocument(string(uri), text)
	return nil, nil
}

// handleDidChange applies a full-document sync. The caret is inferred from
// the changed region and the controller is told about the edit.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	changeLogger := logger.With("uri", uri, "new_version", params.TextDocument.Version)
	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newText := params.ContentChanges[len(params.ContentChanges)-1].Text
	changeLogger.Debug("Handling textDocument/didChange", "new_size", len(newText))

	surface := s.surface(uri)
	if surface == nil {
		changeLogger.Warn("didChange for unknown document, opening it")
		s.filesMu.Lock()
		s.files[uri] = NewMemorySurface(string(uri), newText, len(newText))
		s.filesMu.Unlock()
		s.engine.SetDocument(string(uri), newText)
		return nil, nil
	}
	surface.SetText(newText, editCaret(surface.Text(), newText))
	s.engine.SetDocument(string(uri), newText)

	if err := s.controller.Edited(ctx, surface); err != nil {
		changeLogger.Debug("Controller rejected edit", "error", err)
	}
	return nil, nil
}

// handleDidClose invalidates the surface so running sessions are cancelled.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.filesMu.Lock()
	surface := s.files[uri]
	delete(s.files, uri)
	s.filesMu.Unlock()
	s.engine.RemoveDocument(string(uri))

	if surface != nil {
		surface.Invalidate()
		if err := s.controller.Edited(ctx, surface); err != nil {
			closeLogger.Debug("Controller rejected close", "error", err)
		}
	}
	return nil, nil
}

// handleCompletion maps LSP trigger kinds onto controller operations: an
// explicit invocation runs the synchronous path, a trigger character starts an
// auto-popup session and a re-trigger for an incomplete list resumes the
// current session.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CompletionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	completionLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	completionLogger.Info("Handling textDocument/completion")

	surface := s.surface(uri)
	if surface == nil {
		completionLogger.Warn("Completion request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}
	content := []byte(surface.Text())
	_, _, offset, posErr := LspPositionToBytePosition(content, lspPos)
	if posErr != nil {
		completionLogger.Error("Failed to convert LSP position to byte position", "error", posErr)
		return CompletionList{IsIncomplete: false, Items: []CompletionItem{}}, nil
	}
	surface.SetCaret(offset)

	trigger := CompletionTriggerKindInvoked
	if params.Context != nil && params.Context.TriggerKind != 0 {
		trigger = params.Context.TriggerKind
	}
	completionLogger = completionLogger.With("offset", offset, "trigger", int(trigger))

	var out Outcome
	var err error
	switch trigger {
	case CompletionTriggerKindTriggerForIncomplete:
		out, err = s.controller.Resume(ctx, surface)
	case CompletionTriggerKindTriggerChar:
		out, err = s.controller.Invoke(ctx, Invocation{Surface: surface, Kind: KindBasic})
	default:
		out, err = s.controller.Invoke(ctx, Invocation{Surface: surface, Kind: KindBasic, Explicit: true})
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			completionLogger.Info("Completion request cancelled")
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Completion request cancelled"}
		case errors.Is(err, ErrReadOnly), errors.Is(err, ErrSurfaceInvalid), errors.Is(err, ErrPhaseMismatch):
			completionLogger.Debug("No completion at position", "error", err)
			return CompletionList{IsIncomplete: false, Items: []CompletionItem{}}, nil
		case errors.Is(err, ErrControllerClosed):
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
		}
		completionLogger.Warn("Completion finished with error", "error", err)
	}

	list := out.List
	if out.Inserted != nil {
		list = RankedList{Items: []*Candidate{out.Inserted}, Selected: 0}
	}
	start := identifierStart(string(content), offset)
	startPos, err1 := BytePositionToLSPPosition(content, start)
	endPos, err2 := BytePositionToLSPPosition(content, offset)
	if err1 != nil || err2 != nil {
		completionLogger.Error("Failed to compute replacement range", "start_error", err1, "end_error", err2)
		return CompletionList{IsIncomplete: out.Incomplete, Items: []CompletionItem{}}, nil
	}

	s.rememberList(out.SessionID, list)
	items := toCompletionItems(list, out.SessionID, LSPRange{Start: startPos, End: endPos})
	completionLogger.Info("Completion ready", "phase", out.Phase.String(), "items", len(items), "incomplete", out.Incomplete)
	return CompletionList{IsIncomplete: out.Incomplete, Items: items}, nil
}

// editCaret guesses the caret after a full-document change: the end of the
// inserted text, found by trimming the common prefix and suffix.
func editCaret(oldText, newText string) int {
	prefix := 0
	for prefix < len(oldText) && prefix < len(newText) && oldText[prefix] == newText[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldText)-prefix && suffix < len(newText)-prefix &&
		oldText[len(oldText)-1-suffix] == newText[len(newText)-1-suffix] {
		suffix++
	}
	return len(newText) - suffix
}
