// server_test.go
package sidekick

import (
	"context"
	"reflect"
	"testing"
)

func newTestServer(t *testing.T, client RequestClient) *Server {
	t.Helper()
	a, _ := newTestAssistant(t, client)
	return NewServer(a, newTestLogger(), "test")
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{""}},
		{"single line", "abc", []string{"abc"}},
		{"unix newlines", "a\nb\nc", []string{"a", "b", "c"}},
		{"windows newlines", "a\r\nb", []string{"a", "b"}},
		{"trailing newline", "a\n", []string{"a", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitLines(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitLines(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestServerDocumentSync(t *testing.T) {
	client := &fakeClient{respond: func(string, any) (*Response, error) {
		return completionResponse("done", 1), nil
	}}
	s := newTestServer(t, client)

	uri := DocumentURI("file:///main.go")
	if _, err := s.handleDidOpen(DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: "go", Version: 1, Text: "package main\n"},
	}); err != nil {
		t.Fatalf("didOpen: %v", err)
	}

	s.filesMu.RLock()
	file, ok := s.files[uri]
	s.filesMu.RUnlock()
	if !ok || file.Version != 1 || file.LanguageID != "go" {
		t.Fatalf("open file state = %+v", file)
	}

	// Newer version replaces content.
	if _, err := s.handleDidChange(DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "package main\n\nfunc main() {}\n"}},
	}); err != nil {
		t.Fatalf("didChange: %v", err)
	}
	s.filesMu.RLock()
	file = s.files[uri]
	s.filesMu.RUnlock()
	if file.Version != 2 || len(file.Lines) != 4 {
		t.Errorf("after change: version=%d lines=%d", file.Version, len(file.Lines))
	}

	// Out-of-order version is ignored.
	if _, err := s.handleDidChange(DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 1},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "stale"}},
	}); err != nil {
		t.Fatalf("stale didChange: %v", err)
	}
	s.filesMu.RLock()
	file = s.files[uri]
	s.filesMu.RUnlock()
	if file.Version != 2 {
		t.Errorf("stale change applied, version = %d", file.Version)
	}

	if _, err := s.handleDidClose(DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}}); err != nil {
		t.Fatalf("didClose: %v", err)
	}
	s.filesMu.RLock()
	_, stillOpen := s.files[uri]
	s.filesMu.RUnlock()
	if stillOpen {
		t.Error("file still tracked after didClose")
	}
}

func TestServerInlineCompletion(t *testing.T) {
	client := &fakeClient{respond: func(string, any) (*Response, error) {
		return completionResponse("Println(\"hi\")", 3), nil
	}}
	s := newTestServer(t, client)

	uri := DocumentURI("file:///main.go")
	s.handleDidOpen(DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: "go", Version: 1, Text: "package main\n\nfunc main() {\n\tfmt.\n}\n"},
	})

	result, err := s.handleInlineCompletion(context.Background(), InlineCompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{Line: 3, Character: 5},
	})
	if err != nil {
		t.Fatalf("inlineCompletion: %v", err)
	}
	res, ok := result.(InlineCompletionResult)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if res.Text != "Println(\"hi\")" {
		t.Errorf("Text = %q", res.Text)
	}

	// Unknown document is a protocol error, not a silent empty result.
	if _, err := s.handleInlineCompletion(context.Background(), InlineCompletionParams{
		TextDocument: TextDocumentIdentifier{URI: "file:///unknown.go"},
		Position:     Position{Line: 0, Character: 0},
	}); err == nil {
		t.Error("expected error for unopened document")
	}
}

func TestServerDidChangeConfiguration(t *testing.T) {
	client := &fakeClient{respond: func(string, any) (*Response, error) { return nil, nil }}
	s := newTestServer(t, client)

	settings := []byte(`{"sidekick": {"model": "larger", "enable_completion": false}}`)
	if _, err := s.handleDidChangeConfiguration(DidChangeConfigurationParams{Settings: settings}); err != nil {
		t.Fatalf("didChangeConfiguration: %v", err)
	}
	cfg := s.assistant.GetCurrentConfig()
	if cfg.Model != "larger" {
		t.Errorf("Model = %q, want larger", cfg.Model)
	}
	if cfg.EnableCompletion {
		t.Error("EnableCompletion not applied")
	}

	// Unset fields keep their current values.
	if cfg.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", cfg.MaxTokens, defaultMaxTokens)
	}
}
