package main

import (
	"errors"
	"expvar"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/sidekick-dev/sidekick"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = sidekick.ClientVersion

func main() {
	// Logging destination must exist before slog is configured; stdout is the
	// protocol channel, so logs go to stderr plus a file.
	logFile, err := os.OpenFile("sidekick-server.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	tempLogger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: slog.LevelInfo}))

	assistant, initErr := sidekick.NewAssistant(tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize assistant service", "error", initErr)
		if !errors.Is(initErr, sidekick.ErrConfig) {
			os.Exit(1)
		}
		if assistant == nil {
			tempLogger.Error("Assistant initialization returned nil unexpectedly, exiting.")
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing assistant service...")
		if err := assistant.Close(); err != nil {
			slog.Error("Error closing assistant", "error", err)
		}
	}()

	initialConfig := assistant.GetCurrentConfig()
	logLevel, parseLevelErr := sidekick.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	logWriter := io.MultiWriter(os.Stderr, logFile)
	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: true}
	logger := slog.New(slog.NewTextHandler(logWriter, &handlerOpts))
	slog.SetDefault(logger)

	slog.Info("Sidekick server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil && errors.Is(initErr, sidekick.ErrConfig) {
		slog.Warn("Assistant initialized with configuration warnings", "error", initErr)
	}

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	startDebugServer()

	server := sidekick.NewServer(assistant, logger, appVersion)
	server.Run(os.Stdin, os.Stdout)

	slog.Info("Server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer() {
	debugListenAddr := "localhost:6061"
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", debugListenAddr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(debugListenAddr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
