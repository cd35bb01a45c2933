package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/SignalK/signalk-server-sub000/config"
)

// resolveLogging lets flags override the logging section of the config.
// SIGNALK_LOG_LEVEL and SIGNALK_LOG_FILE already reached cfg through the
// loader.
func resolveLogging(cli *options, cfg config.LoggingConfig) config.LoggingConfig {
	if cli.logLevel != "" {
		cfg.Level = cli.logLevel
	}
	if cli.logFormat != "" {
		cfg.Format = cli.logFormat
	}
	if cli.logFile != "" {
		cfg.File = cli.logFile
	}
	return cfg
}

func logWriter(cfg config.LoggingConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func setupLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
