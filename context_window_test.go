// context_window_test.go
package sidekick

import (
	"strings"
	"testing"
)

func TestBuildContextWindow(t *testing.T) {
	doc := []string{
		"package main",
		"",
		"func main() {",
		"\tx := compute()",
		"\tprintln(x)",
		"}",
	}

	tests := []struct {
		name       string
		lines      []string
		cursorLine int
		before     int
		after      int
		header     string
		want       string
	}{
		{
			name:       "empty document",
			lines:      nil,
			cursorLine: 0,
			before:     30,
			after:      10,
			want:       "",
		},
		{
			name:       "full window fits",
			lines:      doc,
			cursorLine: 3,
			before:     30,
			after:      10,
			want:       "package main\n\nfunc main() {\n\tx := compute()\n\tprintln(x)\n}",
		},
		{
			name:       "window clamps above and below",
			lines:      doc,
			cursorLine: 3,
			before:     1,
			after:      1,
			want:       "func main() {\n\tx := compute()\n\tprintln(x)",
		},
		{
			name:       "header prepended",
			lines:      []string{"line one"},
			cursorLine: 0,
			before:     5,
			after:      5,
			header:     "// Symbols in scope:\n//   func main()",
			want:       "// Symbols in scope:\n//   func main()\nline one",
		},
		{
			name:       "zero bounds keep only cursor line",
			lines:      doc,
			cursorLine: 3,
			before:     0,
			after:      0,
			want:       "\tx := compute()",
		},
		{
			name:       "cursor line out of range clamps to last",
			lines:      []string{"a", "b"},
			cursorLine: 10,
			before:     5,
			after:      5,
			want:       "a\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildContextWindow(tt.lines, tt.cursorLine, tt.before, tt.after, tt.header)
			if got != tt.want {
				t.Errorf("BuildContextWindow() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLinePrefix(t *testing.T) {
	lines := []string{"hello world"}
	tests := []struct {
		name string
		line int
		col  int
		want string
	}{
		{"mid line", 0, 5, "hello"},
		{"column zero", 0, 0, ""},
		{"column past end", 0, 99, "hello world"},
		{"negative column", 0, -1, ""},
		{"line out of range", 3, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linePrefix(lines, tt.line, tt.col); got != tt.want {
				t.Errorf("linePrefix() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompletionCacheKey(t *testing.T) {
	longContext := strings.Repeat("x", 200)

	t.Run("exact mode truncates context", func(t *testing.T) {
		key := completionCacheKey(KeyModeExactPrefix, "go", "fmt.Pr", longContext)
		want := "go:fmt.Pr:" + longContext[:cacheKeyContextLen]
		if key != want {
			t.Errorf("key = %q, want %q", key, want)
		}
	})

	t.Run("exact mode short context unchanged", func(t *testing.T) {
		key := completionCacheKey(KeyModeExactPrefix, "go", "x", "ctx")
		if key != "go:x:ctx" {
			t.Errorf("key = %q", key)
		}
	})

	t.Run("line mode trims prefix and ignores context", func(t *testing.T) {
		a := completionCacheKey(KeyModeLine, "javascript", "  console.", "context-a")
		b := completionCacheKey(KeyModeLine, "javascript", "\tconsole.", "context-b")
		if a != b {
			t.Errorf("line-mode keys differ: %q vs %q", a, b)
		}
		if a != "javascript:console." {
			t.Errorf("key = %q, want javascript:console.", a)
		}
	})

	t.Run("different languages never collide", func(t *testing.T) {
		a := completionCacheKey(KeyModeExactPrefix, "go", "p", "ctx")
		b := completionCacheKey(KeyModeExactPrefix, "python", "p", "ctx")
		if a == b {
			t.Error("keys for different languages collided")
		}
	})
}

func TestExtractSymbolHeader(t *testing.T) {
	t.Run("go declarations", func(t *testing.T) {
		lines := []string{
			"package main",
			"func Alpha() {",
			"\tinner := 1", // indented, not top-level
			"}",
			"type Beta struct {",
			"const gamma = 2",
		}
		header := extractSymbolHeader("go", lines)
		if !strings.Contains(header, "func Alpha()") {
			t.Errorf("header missing func decl: %q", header)
		}
		if !strings.Contains(header, "type Beta struct") {
			t.Errorf("header missing type decl: %q", header)
		}
		if strings.Contains(header, "inner") {
			t.Errorf("header contains non-top-level line: %q", header)
		}
	})

	t.Run("no declarations", func(t *testing.T) {
		if got := extractSymbolHeader("go", []string{"x := 1"}); got != "" {
			t.Errorf("expected empty header, got %q", got)
		}
	})

	t.Run("entry cap", func(t *testing.T) {
		var lines []string
		for i := 0; i < maxSymbolHeaderEntries*2; i++ {
			lines = append(lines, "func f() {")
		}
		header := extractSymbolHeader("go", lines)
		count := strings.Count(header, "\n//   ")
		if count != maxSymbolHeaderEntries {
			t.Errorf("header lists %d entries, want %d", count, maxSymbolHeaderEntries)
		}
	})
}

func TestSymbolContextProviderMemoizes(t *testing.T) {
	p := NewSymbolContextProvider(newTestLogger())
	defer p.Close()

	lines := []string{"func Hello() {"}
	first := p.Header("file:///a.go", 1, "go", lines)
	if !strings.Contains(first, "func Hello()") {
		t.Fatalf("unexpected header: %q", first)
	}
	// Same (uri, version) with different content still yields the memoized
	// header until invalidation, when the cache accepted the entry.
	second := p.Header("file:///a.go", 2, "go", []string{"func Other() {"})
	if !strings.Contains(second, "func Other()") {
		t.Errorf("new version should recompute, got %q", second)
	}
}
