// server.go
// JSON-RPC server bridging an editor client to the Assistant over stdio.
package sidekick

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// Server Implementation
// ============================================================================

// Server represents one editor connection. It owns the open-document table
// and routes protocol methods onto the Assistant.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	assistant      *Assistant
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	serverInfo     *ServerInfo
	requestTracker *RequestTracker
}

// OpenFile is a document currently open in the client editor, stored as
// ordered lines so completion triggers can be built without re-splitting.
type OpenFile struct {
	URI        DocumentURI
	LanguageID string
	Version    int
	Lines      []string
}

// NewServer creates a server bound to the given assistant.
func NewServer(assistant *Assistant, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger:    logger,
		assistant: assistant,
		files:     make(map[DocumentURI]*OpenFile),
		serverInfo: &ServerInfo{
			Name:    "Sidekick Server",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	publishExpvarMetrics(s)
	return s
}

// Run starts the server loop on the given reader/writer pair (normally
// stdin/stdout) and blocks until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")
}

// stdrwc is a ReadWriteCloser over stdin/stdout that never closes them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// handle routes incoming requests/notifications to the appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := req.ID != (jsonrpc2.ID{})
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicMsg := fmt.Sprintf("Panic: %v", r)
			panicData, marshalErr := json.Marshal(panicMsg)
			if marshalErr != nil {
				methodLogger.Error("Failed to marshal panic message for error data", "error", marshalErr)
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)

			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if isRequest {
		s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal initialize params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid initialize params: %v", err)}
		}
		return s.handleInitialize(ctx, params)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		methodLogger.Info("Shutdown request received")
		return nil, nil

	case "exit":
		methodLogger.Info("Exit notification received")
		if s.conn != nil {
			s.conn.Close()
		}
		return nil, nil

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidOpen(params)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChange(params)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidClose(params)

	case "assistant/inlineCompletion":
		var params InlineCompletionParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal inlineCompletion params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid inlineCompletion params: %v", err)}
		}
		return s.handleInlineCompletion(ctx, params)

	case "assistant/generateCode":
		return s.handleCommand(ctx, req, OpGenerateCode, unmarshalParams)
	case "assistant/explainCode":
		return s.handleCommand(ctx, req, OpExplainCode, unmarshalParams)
	case "assistant/commitMessage":
		return s.handleCommand(ctx, req, OpCommitMessage, unmarshalParams)
	case "assistant/addLogging":
		return s.handleCommand(ctx, req, OpAddLogging, unmarshalParams)
	case "assistant/chat":
		return s.handleCommand(ctx, req, OpChat, unmarshalParams)

	case "assistant/usageHistory":
		var params HistoryParams
		if req.Params != nil {
			if err := unmarshalParams(&params); err != nil {
				methodLogger.Error("Failed to unmarshal usageHistory params", "error", err)
				return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid usageHistory params: %v", err)}
			}
		}
		records, histErr := s.assistant.UsageHistory(params.Limit)
		if histErr != nil {
			methodLogger.Error("Failed to read usage history", "error", histErr)
			return nil, fmt.Errorf("reading usage history: %w", histErr)
		}
		return HistoryResult{Records: records}, nil

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChangeConfiguration(params)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil // Ignore notification errors
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		methodLogger.Warn("Unhandled method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// Method Handlers
// ============================================================================

func (s *Server) handleInitialize(ctx context.Context, params InitializeParams) (any, error) {
	s.logger.Info("Handling initialize request", "client_name", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)

	result := InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync:         1, // full content sync
			InlineCompletionProvider: true,
			CommandProvider:          true,
		},
		ServerInfo: s.serverInfo,
	}
	s.logger.Info("Initialization successful")
	return result, nil
}

func (s *Server) handleDidOpen(params DidOpenTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	s.logger.Info("Handling textDocument/didOpen", "uri", uri, "version", params.TextDocument.Version, "language", params.TextDocument.LanguageID)

	s.filesMu.Lock()
	s.files[uri] = &OpenFile{
		URI:        uri,
		LanguageID: params.TextDocument.LanguageID,
		Version:    params.TextDocument.Version,
		Lines:      splitLines(params.TextDocument.Text),
	}
	s.filesMu.Unlock()
	return nil, nil
}

func (s *Server) handleDidChange(params DidChangeTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	if len(params.ContentChanges) == 0 {
		s.logger.Warn("Received didChange notification with no content changes", "uri", uri, "version", version)
		return nil, nil
	}
	// Full sync: the last change carries the entire document.
	newText := params.ContentChanges[len(params.ContentChanges)-1].Text
	s.logger.Debug("Handling textDocument/didChange", "uri", uri, "new_version", version)

	s.filesMu.Lock()
	currentFile, exists := s.files[uri]
	if !exists || version > currentFile.Version {
		languageID := ""
		if exists {
			languageID = currentFile.LanguageID
		}
		s.files[uri] = &OpenFile{
			URI:        uri,
			LanguageID: languageID,
			Version:    version,
			Lines:      splitLines(newText),
		}
	} else {
		s.logger.Warn("Ignoring out-of-order didChange notification", "uri", uri, "received_version", version, "current_version", currentFile.Version)
	}
	s.filesMu.Unlock()

	s.assistant.InvalidateDocument(string(uri))
	return nil, nil
}

func (s *Server) handleDidClose(params DidCloseTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	s.logger.Info("Handling textDocument/didClose", "uri", uri)

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()

	s.assistant.InvalidateDocument(string(uri))
	return nil, nil
}

// handleInlineCompletion builds a trigger from the open-file table and asks
// the assistant for a suggestion. The assistant absorbs network failures, so
// the editor only ever sees a result or a protocol-level error.
func (s *Server) handleInlineCompletion(ctx context.Context, params InlineCompletionParams) (any, error) {
	uri := params.TextDocument.URI
	completionLogger := s.logger.With("uri", uri, "line", params.Position.Line, "char", params.Position.Character)
	completionLogger.Debug("Handling assistant/inlineCompletion")

	s.filesMu.RLock()
	file, ok := s.files[uri]
	s.filesMu.RUnlock()
	if !ok {
		completionLogger.Warn("Completion request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}

	trigger := CompletionTrigger{
		URI:        string(uri),
		Version:    file.Version,
		LanguageID: file.LanguageID,
		Lines:      file.Lines,
		Line:       params.Position.Line,
		Column:     params.Position.Character,
	}
	result, err := s.assistant.RequestCompletion(ctx, trigger)
	if err != nil {
		completionLogger.Error("Completion request failed", "error", err)
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	return InlineCompletionResult{Text: result.Text, Model: result.Model, FromCache: result.FromCache}, nil
}

// handleCommand runs a one-shot feature and surfaces its errors to the client.
func (s *Server) handleCommand(ctx context.Context, req *jsonrpc2.Request, kind OperationKind, unmarshalParams func(any) error) (any, error) {
	var params CommandParams
	if err := unmarshalParams(&params); err != nil {
		s.logger.Error("Failed to unmarshal command params", "method", req.Method, "error", err)
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid params: %v", err)}
	}
	if strings.TrimSpace(params.Text) == "" {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: "text must not be empty"}
	}

	var (
		text string
		err  error
	)
	switch kind {
	case OpGenerateCode:
		text, err = s.assistant.GenerateCode(ctx, params.Text, params.LanguageID)
	case OpExplainCode:
		text, err = s.assistant.ExplainCode(ctx, params.Text, params.LanguageID)
	case OpCommitMessage:
		text, err = s.assistant.GenerateCommitMessage(ctx, params.Text)
	case OpAddLogging:
		text, err = s.assistant.AddLogging(ctx, params.Text, params.LanguageID)
	case OpChat:
		text, err = s.assistant.Chat(ctx, params.Text)
	default:
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Unknown command: %s", kind)}
	}
	if err != nil {
		s.logger.Error("Command failed", "operation", string(kind), "error", err)
		if errors.Is(err, context.Canceled) {
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
		}
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Assistant %s failed: %v", kind, err))
		return nil, fmt.Errorf("%s failed: %w", kind, err)
	}
	return CommandResult{Text: text}, nil
}

func (s *Server) handleDidChangeConfiguration(params DidChangeConfigurationParams) (any, error) {
	s.logger.Info("Handling workspace/didChangeConfiguration")

	var changedSettings struct {
		Sidekick FileConfig `json:"sidekick"`
	}
	if err := json.Unmarshal(params.Settings, &changedSettings); err != nil {
		s.logger.Error("Failed to unmarshal didChangeConfiguration settings", "error", err)
		var directFileCfg FileConfig
		if directErr := json.Unmarshal(params.Settings, &directFileCfg); directErr == nil {
			s.logger.Info("Successfully unmarshalled settings directly into FileConfig")
			changedSettings.Sidekick = directFileCfg
		} else {
			s.logger.Error("Also failed to unmarshal settings directly into FileConfig", "direct_error", directErr)
			return nil, nil
		}
	}

	newConfig := s.assistant.GetCurrentConfig()
	mergeFileConfig(&newConfig, changedSettings.Sidekick)
	if err := s.assistant.UpdateConfig(newConfig); err != nil {
		s.logger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}
	s.logger.Info("Server configuration updated via workspace/didChangeConfiguration")
	return nil, nil
}

// ============================================================================
// Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	if s.conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := s.conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	}
}

// splitLines breaks document text into lines without trailing newlines.
func splitLines(text string) []string {
	if text == "" {
		return []string{""}
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(normalized, "\n")
}

// ============================================================================
// Metrics Publishing
// ============================================================================

// metricsOnce guards expvar registration; the first server wins. expvar
// panics on duplicate names, which matters when tests build several servers.
var metricsOnce sync.Once

func publishExpvarMetrics(s *Server) {
	metricsOnce.Do(func() { publishServerMetrics(s) })
}

func publishServerMetrics(s *Server) {
	startTime := time.Now()
	expvar.NewString("serverInfo.name").Set(s.serverInfo.Name)
	expvar.NewString("serverInfo.version").Set(s.serverInfo.Version)
	expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
	expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
	expvar.Publish("memory.allocBytes", expvar.Func(func() any {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc
	}))
	expvar.Publish("server.openFiles", expvar.Func(func() any {
		s.filesMu.RLock()
		defer s.filesMu.RUnlock()
		return len(s.files)
	}))
	expvar.Publish("server.pendingRequests", expvar.Func(func() any { return s.requestTracker.Count() }))
	expvar.Publish("completion.cacheEntries", expvar.Func(func() any {
		if s.assistant == nil || s.assistant.cache == nil {
			return 0
		}
		return s.assistant.cache.Len()
	}))
	expvar.Publish("telemetry.pendingEvents", expvar.Func(func() any {
		if s.assistant == nil || s.assistant.telemetry == nil {
			return 0
		}
		return s.assistant.telemetry.PendingCount()
	}))
	if s.assistant != nil && s.assistant.symbols != nil {
		expvar.Publish("symbols.cacheHits", expvar.Func(func() any {
			if m := s.assistant.symbols.Metrics(); m != nil {
				return m.Hits()
			}
			return 0
		}))
		expvar.Publish("symbols.cacheMisses", expvar.Func(func() any {
			if m := s.assistant.symbols.Metrics(); m != nil {
				return m.Misses()
			}
			return 0
		}))
	}
	s.logger.Info("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and its associated context's cancel function.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) {
	if id == (jsonrpc2.ID{}) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, cancel := context.WithCancel(ctx)
	rt.requests[id] = cancel
}

// Remove deregisters a request ID.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.requests, id)
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) {
		slog.Debug("Cancel request ignored for unset ID")
		return
	}
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		cancel() // Call outside lock
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id)
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
