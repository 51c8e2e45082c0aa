// sidekick_types.go
// Contains core type definitions used throughout the sidekick package.
package sidekick

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultAPIBaseURL  = "http://localhost:8090"
	defaultModel       = "standard"
	defaultMaxTokens   = 256
	defaultTemperature = 0.2
	defaultLogLevel    = "info"
	defaultLinesBefore = 30
	defaultLinesAfter  = 10

	defaultConfigFileName = "config.json"
	configDirName         = "sidekick"

	// Inline completion result cache. TTL is checked lazily on read; eviction
	// removes a batch of the oldest entries once capacity is exceeded.
	completionCacheTTL        = 60 * time.Second
	completionCacheCapacity   = 100
	completionCacheEvictCount = 20

	// Telemetry batching thresholds.
	telemetryBatchSize     = 20
	telemetryFlushInterval = 60 * time.Second

	// Timeout for a single request to the model-serving API.
	apiRequestTimeout = 30 * time.Second

	// Number of context characters folded into an exact-prefix cache key.
	cacheKeyContextLen = 50

	// Retry constants for user-initiated one-shot operations. Inline
	// completions are never retried; a stale retry is worthless mid-typing.
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// Cache key modes (see Config.CacheKeyMode).
const (
	KeyModeExactPrefix = "exact" // language + exact prefix + leading context chars
	KeyModeLine        = "line"  // language + trimmed current-line prefix
)

// Config holds the active configuration for the assistant service.
type Config struct {
	APIBaseURL        string   `json:"api_base_url"`
	APIKey            string   `json:"api_key"`
	Model             string   `json:"model"`
	MaxTokens         int      `json:"max_tokens"`
	Stop              []string `json:"stop"`
	Temperature       float64  `json:"temperature"`
	LogLevel          string   `json:"log_level"` // Log level (debug, info, warn, error).
	EnableCompletion  bool     `json:"enable_completion"`
	LinesBefore       int      `json:"lines_before"`
	LinesAfter        int      `json:"lines_after"`
	CacheKeyMode      string   `json:"cache_key_mode"` // "exact" or "line".
	TelemetryEnabled  bool     `json:"telemetry_enabled"`
	TelemetryEndpoint string   `json:"telemetry_endpoint"` // Defaults to APIBaseURL + "/v1/events".
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	APIBaseURL        *string   `json:"api_base_url"`
	APIKey            *string   `json:"api_key"`
	Model             *string   `json:"model"`
	MaxTokens         *int      `json:"max_tokens"`
	Stop              *[]string `json:"stop"`
	Temperature       *float64  `json:"temperature"`
	LogLevel          *string   `json:"log_level"`
	EnableCompletion  *bool     `json:"enable_completion"`
	LinesBefore       *int      `json:"lines_before"`
	LinesAfter        *int      `json:"lines_after"`
	CacheKeyMode      *string   `json:"cache_key_mode"`
	TelemetryEnabled  *bool     `json:"telemetry_enabled"`
	TelemetryEndpoint *string   `json:"telemetry_endpoint"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		APIBaseURL:       defaultAPIBaseURL,
		Model:            defaultModel,
		MaxTokens:        defaultMaxTokens,
		Stop:             []string{"\n\n"},
		Temperature:      defaultTemperature,
		LogLevel:         defaultLogLevel,
		EnableCompletion: true,
		LinesBefore:      defaultLinesBefore,
		LinesAfter:       defaultLinesAfter,
		CacheKeyMode:     KeyModeExactPrefix,
		TelemetryEnabled: true,
	}
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.APIBaseURL) == "" {
		validationErrors = append(validationErrors, errors.New("api_base_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.APIBaseURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid api_base_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid api_base_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		validationErrors = append(validationErrors, errors.New("model cannot be empty"))
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config validation: max_tokens is not positive, applying default.", "configured_value", c.MaxTokens, "default", tempDefault.MaxTokens)
		c.MaxTokens = tempDefault.MaxTokens
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		logger.Warn("Config validation: temperature is outside range [0.0, 2.0], applying default.", "configured_value", c.Temperature, "default", tempDefault.Temperature)
		validationErrors = append(validationErrors, fmt.Errorf("temperature %f is outside valid range [0.0, 2.0]", c.Temperature))
		c.Temperature = tempDefault.Temperature
	}
	if c.LinesBefore < 0 {
		logger.Warn("Config validation: lines_before is negative, applying default.", "configured_value", c.LinesBefore, "default", tempDefault.LinesBefore)
		c.LinesBefore = tempDefault.LinesBefore
	}
	if c.LinesAfter < 0 {
		logger.Warn("Config validation: lines_after is negative, applying default.", "configured_value", c.LinesAfter, "default", tempDefault.LinesAfter)
		c.LinesAfter = tempDefault.LinesAfter
	}
	switch c.CacheKeyMode {
	case KeyModeExactPrefix, KeyModeLine:
	case "":
		c.CacheKeyMode = tempDefault.CacheKeyMode
	default:
		logger.Warn("Config validation: unknown cache_key_mode, applying default.", "configured_value", c.CacheKeyMode, "default", tempDefault.CacheKeyMode)
		validationErrors = append(validationErrors, fmt.Errorf("unknown cache_key_mode '%s'", c.CacheKeyMode))
		c.CacheKeyMode = tempDefault.CacheKeyMode
	}
	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else {
		_, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
			validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
			c.LogLevel = defaultLogLevel
		}
	}
	if c.Stop == nil {
		c.Stop = make([]string, len(tempDefault.Stop))
		copy(c.Stop, tempDefault.Stop)
	}
	if c.TelemetryEndpoint == "" && strings.TrimSpace(c.APIBaseURL) != "" {
		c.TelemetryEndpoint = strings.TrimSuffix(c.APIBaseURL, "/") + "/v1/events"
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// =============================================================================
// Completion Types
// =============================================================================

// CompletionTrigger describes a single editor event that may initiate an
// inline completion request.
type CompletionTrigger struct {
	URI        string   // Document identity, used for symbol-header memoization.
	Version    int      // Document version at trigger time.
	LanguageID string   // e.g. "go", "javascript".
	Lines      []string // Full document content as ordered lines.
	Line       int      // 0-based cursor line.
	Column     int      // 0-based byte column within the cursor line.
}

// CompletionRequest is the immutable payload sent to the model-serving API
// for one completion attempt. Built per trigger, never persisted.
type CompletionRequest struct {
	Prompt        string   `json:"prompt"`
	ModelID       string   `json:"model"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	StopSequences []string `json:"stop"`
}

// CompletionResult is what the orchestrator hands back to the editor layer.
// An empty Text means "no suggestion": disabled feature, empty prefix, or a
// silently-absorbed network failure.
type CompletionResult struct {
	Text      string
	Model     string
	Tokens    int
	FromCache bool
}

// completionPayload mirrors the model API's completion response body.
type completionPayload struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// =============================================================================
// Telemetry & Session Types
// =============================================================================

// EventType identifies a class of telemetry event.
type EventType string

const (
	EventCodeCompleted    EventType = "CODE_COMPLETED"
	EventCompletionFailed EventType = "COMPLETION_FAILED"
	EventFeatureUsed      EventType = "FEATURE_USED"
)

// TelemetryEvent is one tracked operation. SessionID, Timestamp and
// process-wide properties are injected by the TelemetryBatcher; callers only
// supply Type and the operation-specific fields.
type TelemetryEvent struct {
	Type         EventType          `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	SessionID    string             `json:"session_id"`
	Properties   map[string]any     `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

// OperationKind identifies a user-facing assistant operation.
type OperationKind string

const (
	OpCompletion    OperationKind = "inline_completion"
	OpGenerateCode  OperationKind = "generate_code"
	OpExplainCode   OperationKind = "explain_code"
	OpCommitMessage OperationKind = "commit_message"
	OpAddLogging    OperationKind = "add_logging"
	OpChat          OperationKind = "chat"
)

// UsageRecord is one persisted FEATURE_USED entry in the local history store.
type UsageRecord struct {
	ID         string        `json:"id"`
	Kind       OperationKind `json:"kind"`
	Model      string        `json:"model"`
	Success    bool          `json:"success"`
	DurationMS int64         `json:"duration_ms"`
	At         time.Time     `json:"at"`
}

// =============================================================================
// API Client Types
// =============================================================================

// APIError describes a failed exchange with the model-serving API. Status is
// zero for transport-level failures (no response) and for request-construction
// failures; Code distinguishes the layers.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes used in APIError.Code.
const (
	APIErrNetwork    = "network"     // transport failure, no response received
	APIErrServer     = "server"      // non-2xx response
	APIErrBadRequest = "bad_request" // request could not be constructed
)

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("API error [%s]: %s (status %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("API error [%s]: %s", e.Code, e.Message)
}

// Response is a successful (2xx) exchange with the model-serving API.
type Response struct {
	Status int
	Body   []byte
}
