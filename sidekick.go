// sidekick.go
// Core orchestration for the sidekick editor assistant: the HTTP client for
// the model-serving API and the Assistant facade tying together completion,
// caching, telemetry, symbol context and usage history.
package sidekick

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ClientVersion identifies this build in telemetry and server handshakes.
const ClientVersion = "0.3.0"

// =============================================================================
// API Client
// =============================================================================

// RequestClient is the minimal HTTP surface the assistant needs from the
// model-serving API. Implementations must be safe for concurrent use.
type RequestClient interface {
	Post(ctx context.Context, endpoint string, payload any) (*Response, error)
	Get(ctx context.Context, endpoint string, params url.Values) (*Response, error)
}

// httpAPIClient implements RequestClient against a real HTTP endpoint.
type httpAPIClient struct {
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

// newHTTPAPIClient creates the default HTTP client with tuned transport
// settings and a fixed per-request timeout.
func newHTTPAPIClient(apiKey string, logger *slog.Logger) *httpAPIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &httpAPIClient{
		httpClient: &http.Client{
			Timeout: apiRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		apiKey: apiKey,
		logger: logger.With("component", "httpAPIClient"),
	}
}

func (c *httpAPIClient) Post(ctx context.Context, endpoint string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &APIError{Code: APIErrBadRequest, Message: fmt.Sprintf("marshaling request payload: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Code: APIErrBadRequest, Message: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *httpAPIClient) Get(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	target := endpoint
	if len(params) > 0 {
		target = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &APIError{Code: APIErrBadRequest, Message: fmt.Sprintf("creating request: %v", err)}
	}
	return c.do(req)
}

// do executes the request and maps failures onto the package error taxonomy.
func (c *httpAPIClient) do(req *http.Request) (*Response, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		if errors.Is(err, context.DeadlineExceeded) {
			timeout = true
		}
		c.logger.Debug("API transport failure", "url", req.URL.String(), "timeout", timeout, "error", err)
		apiErr := &APIError{Code: APIErrNetwork, Message: err.Error()}
		return nil, fmt.Errorf("%w: %w", ErrAPIUnavailable, errors.Join(apiErr, err))
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		apiErr := &APIError{Status: resp.StatusCode, Code: APIErrNetwork, Message: fmt.Sprintf("reading response body: %v", readErr)}
		return nil, fmt.Errorf("%w: %w", ErrAPIUnavailable, apiErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: APIErrServer, Message: http.StatusText(resp.StatusCode)}
		var serverErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jerr := json.Unmarshal(data, &serverErr); jerr == nil && serverErr.Error.Message != "" {
			apiErr.Message = serverErr.Error.Message
			apiErr.Details = serverErr.Error.Code
		} else {
			apiErr.Details = strings.TrimSpace(string(data))
		}
		c.logger.Debug("API returned error status", "url", req.URL.String(), "status", resp.StatusCode)
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", ErrAPIUnavailable, apiErr)
		}
		return nil, apiErr
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

// =============================================================================
// Assistant Orchestrator
// =============================================================================

// Assistant coordinates all user-facing operations: inline completion with
// caching and request de-duplication, one-shot code features, telemetry, and
// local usage history.
type Assistant struct {
	client    RequestClient
	cache     *ResultCache
	telemetry *TelemetryBatcher
	symbols   *SymbolContextProvider
	history   *HistoryStore
	session   *Session
	flight    singleflight.Group

	config   Config
	configMu sync.RWMutex

	logger *slog.Logger
}

// NewAssistant creates an Assistant using the standard config loading flow.
// A non-fatal ErrConfig from loading is logged and the assistant proceeds on
// the merged/defaulted config.
func NewAssistant(logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, cfgErr := LoadConfig(logger)
	if cfgErr != nil && !errors.Is(cfgErr, ErrConfig) {
		return nil, fmt.Errorf("loading configuration: %w", cfgErr)
	}
	if cfgErr != nil {
		logger.Warn("Assistant initialized with config warnings", "error", cfgErr)
	}
	return NewAssistantWithConfig(cfg, logger)
}

// NewAssistantWithConfig wires the assistant's components from an explicit,
// already validated configuration.
func NewAssistantWithConfig(cfg Config, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(logger); err != nil {
		return nil, fmt.Errorf("invalid assistant configuration: %w", err)
	}

	client := newHTTPAPIClient(cfg.APIKey, logger)
	session := NewSession()
	sink := newHTTPTelemetrySink(client, cfg.TelemetryEndpoint)
	batcher := NewTelemetryBatcher(sink, session.ID, ClientVersion, cfg.TelemetryEnabled, logger)

	history, histErr := OpenHistoryStore("", logger)
	if histErr != nil {
		logger.Warn("History store unavailable, usage records will not persist.", "error", histErr)
		history = nil
	}

	a := &Assistant{
		client:    client,
		cache:     NewResultCache(logger),
		telemetry: batcher,
		symbols:   NewSymbolContextProvider(logger),
		history:   history,
		session:   session,
		config:    cfg,
		logger:    logger.With("component", "Assistant", "session_id", session.ID),
	}
	a.logger.Info("Assistant initialized", "model", cfg.Model, "api_base_url", cfg.APIBaseURL, "telemetry_enabled", cfg.TelemetryEnabled)
	return a, nil
}

// Close shuts down background work and releases resources. Telemetry gets a
// final best-effort flush before the history DB closes.
func (a *Assistant) Close() error {
	var errs []error
	if a.telemetry != nil {
		a.telemetry.Close()
	}
	if a.symbols != nil {
		a.symbols.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("Assistant closed")
	return errors.Join(errs...)
}

// UpdateConfig validates and atomically swaps in a new configuration.
func (a *Assistant) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(a.logger); err != nil {
		return fmt.Errorf("invalid configuration update: %w", err)
	}
	a.configMu.Lock()
	oldModel := a.config.Model
	a.config = newConfig
	a.configMu.Unlock()
	if oldModel != newConfig.Model {
		// Stale suggestions from another model should not be served.
		a.cache.Clear()
	}
	a.logger.Info("Configuration updated", "model", newConfig.Model, "enable_completion", newConfig.EnableCompletion)
	return nil
}

// GetCurrentConfig returns a copy of the current configuration.
func (a *Assistant) GetCurrentConfig() Config {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	cfgCopy := a.config
	if cfgCopy.Stop != nil {
		stops := make([]string, len(cfgCopy.Stop))
		copy(stops, cfgCopy.Stop)
		cfgCopy.Stop = stops
	}
	return cfgCopy
}

// flightResult carries a completed network completion through singleflight.
type flightResult struct {
	text   string
	tokens int
}

// RequestCompletion handles one inline completion trigger. Disabled feature
// or an all-whitespace line prefix short-circuits to an empty result with no
// side effects. Cache hits return immediately; misses go to the network,
// de-duplicated so concurrent identical triggers share one outbound request.
// Network failures are absorbed: the editor receives an empty suggestion and
// a nil error, while the failure is logged and counted in telemetry. Exactly
// one telemetry event is emitted per outbound network attempt.
func (a *Assistant) RequestCompletion(ctx context.Context, trigger CompletionTrigger) (CompletionResult, error) {
	cfg := a.GetCurrentConfig()
	if !cfg.EnableCompletion {
		return CompletionResult{}, nil
	}
	prefix := linePrefix(trigger.Lines, trigger.Line, trigger.Column)
	if strings.TrimSpace(prefix) == "" {
		return CompletionResult{}, nil
	}

	header := a.symbols.Header(trigger.URI, trigger.Version, trigger.LanguageID, trigger.Lines)
	prompt := BuildContextWindow(trigger.Lines, trigger.Line, cfg.LinesBefore, cfg.LinesAfter, header)
	if prompt == "" {
		return CompletionResult{}, nil
	}
	key := completionCacheKey(cfg.CacheKeyMode, trigger.LanguageID, prefix, prompt)

	if cached, hit := a.cache.Get(key); hit {
		a.telemetry.Track(TelemetryEvent{
			Type:         EventCodeCompleted,
			Properties:   map[string]any{"language": trigger.LanguageID, "model": cfg.Model, "from_cache": true},
			Measurements: map[string]float64{"duration_ms": 0},
		})
		a.logger.Debug("Completion served from cache", "cache_key", key)
		return CompletionResult{Text: cached, Model: cfg.Model, FromCache: true}, nil
	}

	// Identical in-flight triggers share one outbound request. The flight fn
	// runs on a context detached from the trigger's, so a stale request that
	// the editor already abandoned still completes, populates the cache, and
	// gets its telemetry counted.
	result, err, shared := a.flight.Do(key, func() (any, error) {
		return a.fetchCompletion(context.WithoutCancel(ctx), cfg, trigger.LanguageID, key, prompt)
	})
	if err != nil {
		a.logger.Warn("Inline completion request failed, returning empty suggestion.", "error", err, "language", trigger.LanguageID)
		return CompletionResult{}, nil
	}
	fr := result.(flightResult)
	if shared {
		a.logger.Debug("Completion shared with concurrent identical trigger", "cache_key", key)
	}
	return CompletionResult{Text: fr.text, Model: cfg.Model, Tokens: fr.tokens}, nil
}

// fetchCompletion performs the outbound completion request and emits exactly
// one telemetry event for the attempt, success or failure.
func (a *Assistant) fetchCompletion(ctx context.Context, cfg Config, languageID, cacheKey, prompt string) (any, error) {
	started := time.Now()
	payload := CompletionRequest{
		Prompt:        prompt,
		ModelID:       cfg.Model,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
		StopSequences: cfg.Stop,
	}
	resp, err := a.client.Post(ctx, strings.TrimSuffix(cfg.APIBaseURL, "/")+"/v1/completions", payload)
	durationMS := float64(time.Since(started).Milliseconds())
	if err != nil {
		a.telemetry.Track(TelemetryEvent{
			Type:         EventCompletionFailed,
			Properties:   map[string]any{"language": languageID, "model": cfg.Model, "error": classifyError(err)},
			Measurements: map[string]float64{"duration_ms": durationMS},
		})
		return nil, err
	}

	var body completionPayload
	if uerr := json.Unmarshal(resp.Body, &body); uerr != nil {
		a.telemetry.Track(TelemetryEvent{
			Type:         EventCompletionFailed,
			Properties:   map[string]any{"language": languageID, "model": cfg.Model, "error": "bad_response"},
			Measurements: map[string]float64{"duration_ms": durationMS},
		})
		return nil, fmt.Errorf("%w: decoding completion response: %w", ErrBadResponse, uerr)
	}

	a.cache.Put(cacheKey, body.Text)
	a.telemetry.Track(TelemetryEvent{
		Type:         EventCodeCompleted,
		Properties:   map[string]any{"language": languageID, "model": cfg.Model, "from_cache": false},
		Measurements: map[string]float64{"duration_ms": durationMS, "tokens": float64(body.Tokens)},
	})
	return flightResult{text: body.Text, tokens: body.Tokens}, nil
}

// classifyError maps an error onto a short telemetry-safe label.
func classifyError(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, ErrAPIUnavailable):
		return APIErrNetwork
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "unknown"
	}
}

// =============================================================================
// One-Shot Feature Operations
// =============================================================================

// featureRequest is the common payload for one-shot operations.
type featureRequest struct {
	Input       string  `json:"input"`
	LanguageID  string  `json:"language,omitempty"`
	ModelID     string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// featurePayload mirrors the model API's response body for one-shot features.
type featurePayload struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// GenerateCode produces code from a natural-language description.
func (a *Assistant) GenerateCode(ctx context.Context, description, languageID string) (string, error) {
	return a.runFeature(ctx, OpGenerateCode, "/v1/generate", description, languageID)
}

// ExplainCode produces a prose explanation of the given code.
func (a *Assistant) ExplainCode(ctx context.Context, code, languageID string) (string, error) {
	return a.runFeature(ctx, OpExplainCode, "/v1/explain", code, languageID)
}

// GenerateCommitMessage produces a commit message from a diff.
func (a *Assistant) GenerateCommitMessage(ctx context.Context, diff string) (string, error) {
	return a.runFeature(ctx, OpCommitMessage, "/v1/commit-message", diff, "")
}

// AddLogging rewrites the given code with logging statements inserted.
func (a *Assistant) AddLogging(ctx context.Context, code, languageID string) (string, error) {
	return a.runFeature(ctx, OpAddLogging, "/v1/add-logging", code, languageID)
}

// Chat sends a free-form message and returns the reply.
func (a *Assistant) Chat(ctx context.Context, message string) (string, error) {
	return a.runFeature(ctx, OpChat, "/v1/chat", message, "")
}

// runFeature is the shared envelope for user-initiated one-shot operations:
// session bookkeeping, a retried network call, a FEATURE_USED event, and a
// persisted usage record. Unlike inline completion, errors propagate to the
// caller so the editor can surface them.
func (a *Assistant) runFeature(ctx context.Context, kind OperationKind, path, input, languageID string) (string, error) {
	cfg := a.GetCurrentConfig()
	opID := a.session.StartOperation(kind)
	opLogger := a.logger.With("operation", string(kind), "operation_id", opID)

	payload := featureRequest{
		Input:       input,
		LanguageID:  languageID,
		ModelID:     cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	endpoint := strings.TrimSuffix(cfg.APIBaseURL, "/") + path

	var body featurePayload
	opErr := retry(ctx, func() error {
		resp, err := a.client.Post(ctx, endpoint, payload)
		if err != nil {
			return err
		}
		if uerr := json.Unmarshal(resp.Body, &body); uerr != nil {
			return fmt.Errorf("%w: decoding %s response: %w", ErrBadResponse, kind, uerr)
		}
		return nil
	}, maxRetries, retryDelay, opLogger)

	op, _ := a.session.EndOperation(opID)
	durationMS := time.Since(op.StartedAt).Milliseconds()
	success := opErr == nil

	a.telemetry.Track(TelemetryEvent{
		Type: EventFeatureUsed,
		Properties: map[string]any{
			"feature": string(kind),
			"model":   cfg.Model,
			"success": success,
		},
		Measurements: map[string]float64{"duration_ms": float64(durationMS)},
	})
	if recErr := a.history.Record(UsageRecord{
		ID:         opID,
		Kind:       kind,
		Model:      cfg.Model,
		Success:    success,
		DurationMS: durationMS,
		At:         time.Now(),
	}); recErr != nil {
		opLogger.Warn("Failed to persist usage record", "error", recErr)
	}

	if opErr != nil {
		opLogger.Warn("Operation failed", "error", opErr, "duration_ms", durationMS)
		return "", opErr
	}
	opLogger.Info("Operation completed", "duration_ms", durationMS, "tokens", body.Tokens)
	return body.Text, nil
}

// InvalidateDocument drops derived state for a changed document.
func (a *Assistant) InvalidateDocument(uri string) {
	a.symbols.Invalidate(uri)
}

// UsageHistory lists recent persisted usage records, most recent first.
func (a *Assistant) UsageHistory(limit int) ([]UsageRecord, error) {
	return a.history.List(limit)
}
