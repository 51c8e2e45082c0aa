// sidekick_utils_test.go
package sidekick

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
			check: func(t *testing.T, c *Config) {
				if c.TelemetryEndpoint != defaultAPIBaseURL+"/v1/events" {
					t.Errorf("TelemetryEndpoint = %q", c.TelemetryEndpoint)
				}
			},
		},
		{
			name:    "empty api base url",
			mutate:  func(c *Config) { c.APIBaseURL = "" },
			wantErr: true,
		},
		{
			name:    "bad api base url scheme",
			mutate:  func(c *Config) { c.APIBaseURL = "ftp://example.com" },
			wantErr: true,
		},
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.Model = "" },
			wantErr: true,
		},
		{
			name:   "non-positive max tokens repaired",
			mutate: func(c *Config) { c.MaxTokens = 0 },
			check: func(t *testing.T, c *Config) {
				if c.MaxTokens != defaultMaxTokens {
					t.Errorf("MaxTokens = %d, want default %d", c.MaxTokens, defaultMaxTokens)
				}
			},
		},
		{
			name:    "temperature out of range repaired but flagged",
			mutate:  func(c *Config) { c.Temperature = 3.5 },
			wantErr: true,
			check: func(t *testing.T, c *Config) {
				if c.Temperature != defaultTemperature {
					t.Errorf("Temperature = %f, want default", c.Temperature)
				}
			},
		},
		{
			name:   "negative window bounds repaired",
			mutate: func(c *Config) { c.LinesBefore = -1; c.LinesAfter = -5 },
			check: func(t *testing.T, c *Config) {
				if c.LinesBefore != defaultLinesBefore || c.LinesAfter != defaultLinesAfter {
					t.Errorf("window = (%d, %d), want defaults", c.LinesBefore, c.LinesAfter)
				}
			},
		},
		{
			name:    "unknown cache key mode repaired but flagged",
			mutate:  func(c *Config) { c.CacheKeyMode = "fuzzy" },
			wantErr: true,
			check: func(t *testing.T, c *Config) {
				if c.CacheKeyMode != KeyModeExactPrefix {
					t.Errorf("CacheKeyMode = %q, want default", c.CacheKeyMode)
				}
			},
		},
		{
			name:   "empty cache key mode defaults silently",
			mutate: func(c *Config) { c.CacheKeyMode = "" },
			check: func(t *testing.T, c *Config) {
				if c.CacheKeyMode != KeyModeExactPrefix {
					t.Errorf("CacheKeyMode = %q, want default", c.CacheKeyMode)
				}
			},
		},
		{
			name:   "explicit telemetry endpoint preserved",
			mutate: func(c *Config) { c.TelemetryEndpoint = "https://telemetry.example.com/ingest" },
			check: func(t *testing.T, c *Config) {
				if c.TelemetryEndpoint != "https://telemetry.example.com/ingest" {
					t.Errorf("TelemetryEndpoint overwritten: %q", c.TelemetryEndpoint)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(newTestLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if tt.check != nil {
				tt.check(t, &cfg)
			}
		})
	}
}

func TestLoadAndMergeConfig(t *testing.T) {
	logger := newTestLogger()

	t.Run("missing file", func(t *testing.T) {
		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(filepath.Join(t.TempDir(), "nope.json"), &cfg, logger)
		if loaded || err != nil {
			t.Errorf("got (%v, %v), want (false, nil)", loaded, err)
		}
	})

	t.Run("empty file ignored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte("  \n"), 0640); err != nil {
			t.Fatal(err)
		}
		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(path, &cfg, logger)
		if loaded || err != nil {
			t.Errorf("got (%v, %v), want (false, nil)", loaded, err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte("{not json"), 0640); err != nil {
			t.Fatal(err)
		}
		cfg := getDefaultConfig()
		_, err := LoadAndMergeConfig(path, &cfg, logger)
		if err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("partial file merges only set fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		content := `{"model": "larger", "telemetry_enabled": false, "cache_key_mode": "line"}`
		if err := os.WriteFile(path, []byte(content), 0640); err != nil {
			t.Fatal(err)
		}
		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(path, &cfg, logger)
		if !loaded || err != nil {
			t.Fatalf("got (%v, %v), want (true, nil)", loaded, err)
		}
		if cfg.Model != "larger" {
			t.Errorf("Model = %q", cfg.Model)
		}
		if cfg.TelemetryEnabled {
			t.Error("TelemetryEnabled not merged")
		}
		if cfg.CacheKeyMode != KeyModeLine {
			t.Errorf("CacheKeyMode = %q", cfg.CacheKeyMode)
		}
		if cfg.APIBaseURL != defaultAPIBaseURL {
			t.Errorf("unset field changed: APIBaseURL = %q", cfg.APIBaseURL)
		}
		if cfg.MaxTokens != defaultMaxTokens {
			t.Errorf("unset field changed: MaxTokens = %d", cfg.MaxTokens)
		}
	})
}

func TestMergeFileConfigStopSliceCopied(t *testing.T) {
	stops := []string{"\n"}
	fc := FileConfig{Stop: &stops}
	cfg := getDefaultConfig()
	mergeFileConfig(&cfg, fc)
	stops[0] = "mutated"
	if cfg.Stop[0] == "mutated" {
		t.Error("merge aliased the file config's Stop slice")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"WARN", false},
		{"warning", false},
		{" error ", false},
		{"verbose", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestRetry(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := retry(ctx, func() error { calls++; return nil }, 3, time.Millisecond, logger)
		if err != nil || calls != 1 {
			t.Errorf("got (err=%v, calls=%d), want (nil, 1)", err, calls)
		}
	})

	t.Run("retries transient failure", func(t *testing.T) {
		calls := 0
		err := retry(ctx, func() error {
			calls++
			if calls < 3 {
				return ErrAPIUnavailable
			}
			return nil
		}, 3, time.Millisecond, logger)
		if err != nil || calls != 3 {
			t.Errorf("got (err=%v, calls=%d), want (nil, 3)", err, calls)
		}
	})

	t.Run("retries 503 api error", func(t *testing.T) {
		calls := 0
		err := retry(ctx, func() error {
			calls++
			return &APIError{Status: http.StatusServiceUnavailable, Code: APIErrServer, Message: "overloaded"}
		}, 2, time.Millisecond, logger)
		if err == nil || calls != 2 {
			t.Errorf("got (err=%v, calls=%d), want error after 2 attempts", err, calls)
		}
	})

	t.Run("does not retry bad request", func(t *testing.T) {
		calls := 0
		err := retry(ctx, func() error {
			calls++
			return &APIError{Status: http.StatusBadRequest, Code: APIErrServer, Message: "bad"}
		}, 3, time.Millisecond, logger)
		if err == nil || calls != 1 {
			t.Errorf("got (err=%v, calls=%d), want one attempt", err, calls)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry(cancelled, func() error { return ErrAPIUnavailable }, 3, time.Millisecond, logger)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
