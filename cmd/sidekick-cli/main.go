package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sidekick-dev/sidekick"
)

func main() {
	command := flag.String("command", "", "Command to run: generate, explain, commit-message, add-logging, chat, history")
	language := flag.String("language", "", "Language hint for code commands (e.g. go, python)")
	inputFile := flag.String("file", "", "Read command input from this file instead of stdin")
	historyLimit := flag.Int("limit", 10, "Maximum records to show for the history command")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")
	flag.Parse()

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	assistant, initErr := sidekick.NewAssistant(tempLogger)
	if initErr != nil && !errors.Is(initErr, sidekick.ErrConfig) {
		tempLogger.Error("Fatal error initializing assistant service", "error", initErr)
		os.Exit(1)
	}
	if assistant == nil {
		tempLogger.Error("Assistant initialization returned nil unexpectedly")
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing assistant service...")
		if err := assistant.Close(); err != nil {
			slog.Error("Error closing assistant", "error", err)
		}
	}()

	initialConfig := assistant.GetCurrentConfig()
	chosenLogLevelStr := initialConfig.LogLevel
	if *logLevelFlag != "" {
		chosenLogLevelStr = *logLevelFlag
	}
	logLevel, parseLevelErr := sidekick.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: false}
	finalLogger := slog.New(slog.NewTextHandler(os.Stderr, &handlerOpts))
	slog.SetDefault(finalLogger)

	if initErr != nil && errors.Is(initErr, sidekick.ErrConfig) {
		slog.Warn("Assistant initialized with configuration warnings", "error", initErr)
	}

	if *command == "" {
		slog.Error("Missing required flag: -command")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *command == "history" {
		records, err := assistant.UsageHistory(*historyLimit)
		if err != nil {
			slog.Error("Failed to read usage history", "error", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Println("No usage history recorded.")
			return
		}
		for _, rec := range records {
			status := "ok"
			if !rec.Success {
				status = "failed"
			}
			fmt.Printf("%s  %-16s  %-8s  %s  %dms\n", rec.At.Local().Format(time.RFC3339), rec.Kind, status, rec.Model, rec.DurationMS)
		}
		return
	}

	input, inputErr := readInput(*inputFile)
	if inputErr != nil {
		slog.Error("Failed to read command input", "error", inputErr)
		os.Exit(1)
	}
	if input == "" {
		slog.Error("Command input is empty")
		os.Exit(1)
	}

	var (
		output string
		runErr error
	)
	switch *command {
	case "generate":
		output, runErr = assistant.GenerateCode(ctx, input, *language)
	case "explain":
		output, runErr = assistant.ExplainCode(ctx, input, *language)
	case "commit-message":
		output, runErr = assistant.GenerateCommitMessage(ctx, input)
	case "add-logging":
		output, runErr = assistant.AddLogging(ctx, input, *language)
	case "chat":
		output, runErr = assistant.Chat(ctx, input)
	default:
		slog.Error("Unknown command", "command", *command)
		flag.Usage()
		os.Exit(1)
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			slog.Error("Command timed out", "command", *command)
		} else if errors.Is(runErr, sidekick.ErrAPIUnavailable) {
			slog.Error("Model API unavailable", "error", runErr)
		} else {
			slog.Error("Command failed", "command", *command, "error", runErr)
		}
		os.Exit(1)
	}
	fmt.Println(output)
}

// readInput reads command input from a file, or stdin when no file is given.
func readInput(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading input file %s: %w", path, err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
