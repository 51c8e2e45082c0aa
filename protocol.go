// protocol.go
// Wire types for the editor bridge: a JSON-RPC 2.0 protocol over stdio with
// an LSP-style lifecycle and document sync, plus assistant-specific methods.
package sidekick

import "encoding/json"

// ============================================================================
// JSON-RPC Error Codes
// ============================================================================

type JsonRpcErrorCode int64

const (
	JsonRpcParseError       JsonRpcErrorCode = -32700
	JsonRpcInvalidRequest   JsonRpcErrorCode = -32600
	JsonRpcMethodNotFound   JsonRpcErrorCode = -32601
	JsonRpcInvalidParams    JsonRpcErrorCode = -32602
	JsonRpcInternalError    JsonRpcErrorCode = -32603
	JsonRpcRequestCancelled JsonRpcErrorCode = -32800
)

// ============================================================================
// Basic Structures
// ============================================================================

// DocumentURI identifies an open document.
type DocumentURI string

// Position is a zero-based (line, character) cursor location. Characters are
// byte offsets within the line; clients are expected to send full-line text
// so no UTF-16 conversion happens on this wire.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// TextDocumentIdentifier refers to a document by URI.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier adds the document version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is the full document payload sent on open.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// ============================================================================
// Lifecycle
// ============================================================================

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ProcessID  int        `json:"processId,omitempty"`
	ClientInfo ClientInfo `json:"clientInfo,omitempty"`
}

// ServerCapabilities advertises what this server handles. Document sync is
// always full-content replacement.
type ServerCapabilities struct {
	TextDocumentSync         int  `json:"textDocumentSync"` // 1 = full
	InlineCompletionProvider bool `json:"inlineCompletionProvider"`
	CommandProvider          bool `json:"commandProvider"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ============================================================================
// Document Synchronization
// ============================================================================

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent carries the full new document text.
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// ============================================================================
// Assistant Methods
// ============================================================================

// InlineCompletionParams requests a ghost-text suggestion at a position.
type InlineCompletionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// InlineCompletionResult is the suggestion returned to the editor. Empty Text
// means "show nothing".
type InlineCompletionResult struct {
	Text      string `json:"text"`
	Model     string `json:"model,omitempty"`
	FromCache bool   `json:"fromCache,omitempty"`
}

// CommandParams is the shared request shape for one-shot assistant commands
// (generate, explain, commit message, add logging, chat).
type CommandParams struct {
	Text       string `json:"text"`
	LanguageID string `json:"languageId,omitempty"`
}

// CommandResult is the shared response shape for one-shot commands.
type CommandResult struct {
	Text string `json:"text"`
}

// HistoryParams requests recent usage records.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResult lists persisted usage records, most recent first.
type HistoryResult struct {
	Records []UsageRecord `json:"records"`
}

// ============================================================================
// Workspace / Misc
// ============================================================================

type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

type CancelParams struct {
	ID any `json:"id"` // number or string per JSON-RPC
}

type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}
