// context_window.go
// Assembles the bounded prompt string sent to the model-serving API, and
// memoizes the optional per-document symbol header.
package sidekick

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Context Window Assembly
// ============================================================================

// BuildContextWindow produces the prompt for one trigger: an optional header,
// then up to linesBefore lines above the cursor, the full cursor line, and up
// to linesAfter lines below. The window clamps at document edges; an empty
// document yields an empty prompt (the caller must then skip the request).
// Pure function of its inputs.
func BuildContextWindow(lines []string, cursorLine, linesBefore, linesAfter int, header string) string {
	if len(lines) == 0 {
		return ""
	}
	if cursorLine < 0 {
		cursorLine = 0
	}
	if cursorLine >= len(lines) {
		cursorLine = len(lines) - 1
	}
	current := lines[cursorLine]

	start := cursorLine - linesBefore
	if start < 0 {
		start = 0
	}
	end := cursorLine + linesAfter
	if end > len(lines)-1 {
		end = len(lines) - 1
	}

	var sb strings.Builder
	if header != "" {
		sb.WriteString(header)
		sb.WriteString("\n")
	}
	for i := start; i < cursorLine; i++ {
		sb.WriteString(lines[i])
		sb.WriteString("\n")
	}
	sb.WriteString(current)
	for i := cursorLine + 1; i <= end; i++ {
		sb.WriteString("\n")
		sb.WriteString(lines[i])
	}
	return sb.String()
}

// linePrefix returns the text of the trigger's cursor line up to the column,
// clamped to the line. Out-of-range cursor lines yield "".
func linePrefix(lines []string, cursorLine, cursorCol int) string {
	if cursorLine < 0 || cursorLine >= len(lines) {
		return ""
	}
	line := lines[cursorLine]
	if cursorCol < 0 {
		cursorCol = 0
	}
	if cursorCol > len(line) {
		cursorCol = len(line)
	}
	return line[:cursorCol]
}

// completionCacheKey builds the result-cache key for a trigger according to
// the configured policy.
func completionCacheKey(mode, languageID, prefix, contextStr string) string {
	switch mode {
	case KeyModeLine:
		return languageID + ":" + strings.TrimSpace(prefix)
	default:
		head := contextStr
		if len(head) > cacheKeyContextLen {
			head = head[:cacheKeyContextLen]
		}
		return languageID + ":" + prefix + ":" + head
	}
}

// ============================================================================
// Symbol Context Provider
// ============================================================================

// declPrefixes lists line prefixes treated as top-level declarations, per
// language family. Unknown languages fall back to the generic set.
var declPrefixes = map[string][]string{
	"go":         {"func ", "type ", "var ", "const "},
	"python":     {"def ", "class "},
	"javascript": {"function ", "class ", "const ", "export "},
	"typescript": {"function ", "class ", "interface ", "export "},
	"rust":       {"fn ", "struct ", "enum ", "impl ", "trait "},
}

var genericDeclPrefixes = []string{"func ", "function ", "def ", "class ", "type ", "struct "}

const maxSymbolHeaderEntries = 20

// SymbolContextProvider derives the free-text context header for a document:
// a short listing of its top-level declarations. Headers are memoized per
// (uri, version) in a ristretto cache; the provider degrades to recomputing
// on every call if the cache failed to initialize.
type SymbolContextProvider struct {
	cache  *ristretto.Cache
	logger *slog.Logger
}

// NewSymbolContextProvider initializes the provider and its memory cache.
func NewSymbolContextProvider(logger *slog.Logger) *SymbolContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	provLogger := logger.With("component", "SymbolContextProvider")
	memCache, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     16 << 20, // 16MB
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		provLogger.Warn("Failed to create ristretto memory cache, header memoization disabled.", "error", cacheErr)
		memCache = nil
	}
	return &SymbolContextProvider{cache: memCache, logger: provLogger}
}

// Header returns the symbol header for the document, computing and caching
// it on first sight of a (uri, version) pair.
func (p *SymbolContextProvider) Header(uri string, version int, languageID string, lines []string) string {
	key := fmt.Sprintf("symbols:%s:%d", uri, version)
	header, _ := withMemoizedString(p, key, completionCacheTTL, func() string {
		return extractSymbolHeader(languageID, lines)
	})
	return header
}

// Invalidate drops memoized headers. Ristretto has no per-prefix delete, so a
// document change clears the whole cache, same trade-off as a full re-open.
func (p *SymbolContextProvider) Invalidate(uri string) {
	if p.cache == nil {
		return
	}
	p.logger.Debug("Clearing symbol header cache due to document change.", "uri", uri)
	p.cache.Clear()
}

// Metrics returns ristretto performance counters, or nil when disabled.
func (p *SymbolContextProvider) Metrics() *ristretto.Metrics {
	if p.cache == nil {
		return nil
	}
	return p.cache.Metrics
}

// Close releases the underlying cache.
func (p *SymbolContextProvider) Close() {
	if p.cache != nil {
		p.cache.Close()
		p.cache = nil
	}
}

// withMemoizedString wraps computeFn with cache lookup/store on the provider.
// Returns the value and whether it was served from cache.
func withMemoizedString(p *SymbolContextProvider, key string, ttl time.Duration, computeFn func() string) (string, bool) {
	if p == nil || p.cache == nil {
		return computeFn(), false
	}
	if cached, found := p.cache.Get(key); found {
		if s, ok := cached.(string); ok {
			p.logger.Debug("Symbol header cache hit", "cache_key", key)
			return s, true
		}
		p.logger.Error("Symbol header cache type assertion failed", "cache_key", key)
	}
	computed := computeFn()
	cost := int64(len(computed))
	if cost <= 0 {
		cost = 1
	}
	if !p.cache.SetWithTTL(key, computed, cost, ttl) {
		p.logger.Debug("Symbol header cache set rejected", "cache_key", key)
	}
	return computed, false
}

// extractSymbolHeader scans the document for top-level declaration lines and
// formats them as a comment header, capped at maxSymbolHeaderEntries.
func extractSymbolHeader(languageID string, lines []string) string {
	prefixes, ok := declPrefixes[languageID]
	if !ok {
		prefixes = genericDeclPrefixes
	}
	var decls []string
	for _, line := range lines {
		if len(decls) >= maxSymbolHeaderEntries {
			break
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(line, prefix) {
				decls = append(decls, strings.TrimRight(line, " \t{"))
				break
			}
		}
	}
	if len(decls) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("// Symbols in scope:")
	for _, d := range decls {
		sb.WriteString("\n//   ")
		sb.WriteString(d)
	}
	return sb.String()
}
