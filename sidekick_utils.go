// sidekick_utils.go
// Configuration loading, log-level parsing and the retry helper.
package sidekick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ============================================================================
// Configuration Helpers
// ============================================================================

// GetConfigPaths determines the primary (user config dir) and secondary
// (home dotfile) locations of the config file.
func GetConfigPaths(logger *slog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	userConfigDir, cfgErr := os.UserConfigDir()
	if cfgErr == nil {
		primary = filepath.Join(userConfigDir, configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user config directory", "error", cfgErr)
		err = cfgErr
	}
	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		secondary = filepath.Join(homeDir, "."+configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user home directory", "error", homeErr)
		if err == nil {
			err = homeErr
		}
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("cannot determine any config path: %w", err)
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig reads the JSON config file at path and merges any set
// fields into cfg. Returns true if a non-empty file was loaded.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		logger.Warn("Config file exists but is empty, ignoring.", "path", path)
		return false, nil
	}
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return true, fmt.Errorf("parsing config file JSON: %w", err)
	}
	mergeFileConfig(cfg, fileCfg)
	return true, nil
}

// mergeFileConfig applies every set (non-nil) field of fc onto cfg.
func mergeFileConfig(cfg *Config, fc FileConfig) {
	if fc.APIBaseURL != nil {
		cfg.APIBaseURL = *fc.APIBaseURL
	}
	if fc.APIKey != nil {
		cfg.APIKey = *fc.APIKey
	}
	if fc.Model != nil {
		cfg.Model = *fc.Model
	}
	if fc.MaxTokens != nil {
		cfg.MaxTokens = *fc.MaxTokens
	}
	if fc.Stop != nil {
		stops := make([]string, len(*fc.Stop))
		copy(stops, *fc.Stop)
		cfg.Stop = stops
	}
	if fc.Temperature != nil {
		cfg.Temperature = *fc.Temperature
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.EnableCompletion != nil {
		cfg.EnableCompletion = *fc.EnableCompletion
	}
	if fc.LinesBefore != nil {
		cfg.LinesBefore = *fc.LinesBefore
	}
	if fc.LinesAfter != nil {
		cfg.LinesAfter = *fc.LinesAfter
	}
	if fc.CacheKeyMode != nil {
		cfg.CacheKeyMode = *fc.CacheKeyMode
	}
	if fc.TelemetryEnabled != nil {
		cfg.TelemetryEnabled = *fc.TelemetryEnabled
	}
	if fc.TelemetryEndpoint != nil {
		cfg.TelemetryEndpoint = *fc.TelemetryEndpoint
	}
}

// WriteDefaultConfig writes cfg as indented JSON to path, creating parent
// directories as needed.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config file", "path", path)
	return nil
}

// LoadConfig loads configuration from standard locations, merges with
// defaults, validates, and attempts to write a default config if needed.
func LoadConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	for _, path := range []string{primaryPath, secondaryPath} {
		if path == "" || loadedFromFile {
			continue
		}
		loaded, loadErr := LoadAndMergeConfig(path, &cfg, logger)
		if loadErr != nil {
			if strings.Contains(loadErr.Error(), "parsing config file JSON") && configParseError == nil {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", path, loadErr))
			logger.Warn("Failed to load or merge config", "path", path, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", path)
		}
	}

	if !loadedFromFile || configParseError != nil {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Attempting to write default.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			}
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		}
		cfg = getDefaultConfig()
	}

	if err := cfg.Validate(logger); err != nil {
		logger.Error("Configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		cfg = getDefaultConfig()
		if valErr := cfg.Validate(logger); valErr != nil {
			return cfg, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
	}

	if len(loadErrors) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return cfg, nil
}

// ParseLogLevel converts a config log level string to a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", levelStr)
	}
}

// ============================================================================
// Retry Helper
// ============================================================================

// retry executes an operation function with fixed-delay retry logic.
// Only transient API failures are retried; context errors and
// non-retryable API errors return immediately.
func retry(ctx context.Context, operation func() error, maxAttempts int, delay time.Duration, logger *slog.Logger) error {
	var lastErr error
	if logger == nil {
		logger = slog.Default()
	}

	for i := 0; i < maxAttempts; i++ {
		attemptLogger := logger.With("attempt", i+1, "max_attempts", maxAttempts)
		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled before attempt", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			attemptLogger.Warn("Attempt failed due to context error. Not retrying.", "error", lastErr)
			return lastErr
		}

		var apiErr *APIError
		isRetryable := errors.As(lastErr, &apiErr) && (apiErr.Status == http.StatusServiceUnavailable || apiErr.Status == http.StatusTooManyRequests)
		isRetryable = isRetryable || errors.Is(lastErr, ErrAPIUnavailable)

		if !isRetryable {
			attemptLogger.Warn("Attempt failed with non-retryable error.", "error", lastErr)
			return lastErr
		}
		if i == maxAttempts-1 {
			break
		}

		attemptLogger.Warn("Attempt failed with retryable error. Retrying...", "error", lastErr, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	logger.Error("Operation failed after all retries.", "retries", maxAttempts, "final_error", lastErr)
	return fmt.Errorf("operation failed after %d retries: %w", maxAttempts, lastErr)
}
